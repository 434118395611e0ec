package pagination

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const (
	// DefaultLimit is the page size used when none is configured
	DefaultLimit = 50

	// MaxLimit caps the page size
	MaxLimit = 200

	// MaxPages bounds how many pages a Collector follows
	MaxPages = 1000

	cursorPrefix = "offset:"
)

var (
	// ErrInvalidLimit is returned when the page size is out of range
	ErrInvalidLimit = errors.New("pagination limit must be greater than 0 and less than or equal to MaxLimit")

	// ErrInvalidCursor is returned for cursors this package did not produce
	ErrInvalidCursor = errors.New("invalid pagination cursor")

	// ErrTooManyPages is returned when a Collector exceeds MaxPages
	ErrTooManyPages = errors.New("pagination: too many pages")
)

// ClampLimit returns limit bounded to [1, MaxLimit], using DefaultLimit for
// non-positive values.
func ClampLimit(limit int) int {
	if limit <= 0 {
		return DefaultLimit
	}
	if limit > MaxLimit {
		return MaxLimit
	}
	return limit
}

// ValidateLimit rejects page sizes outside (0, MaxLimit].
func ValidateLimit(limit int) error {
	if limit <= 0 || limit > MaxLimit {
		return fmt.Errorf("%w: got %d", ErrInvalidLimit, limit)
	}
	return nil
}

// EncodeCursor returns the opaque cursor for a page starting at offset.
func EncodeCursor(offset int) string {
	return base64.RawURLEncoding.EncodeToString([]byte(cursorPrefix + strconv.Itoa(offset)))
}

// DecodeCursor returns the offset encoded in cursor. The empty cursor is
// offset zero.
func DecodeCursor(cursor string) (int, error) {
	if cursor == "" {
		return 0, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidCursor, err)
	}
	s, ok := strings.CutPrefix(string(raw), cursorPrefix)
	if !ok {
		return 0, ErrInvalidCursor
	}
	offset, err := strconv.Atoi(s)
	if err != nil || offset < 0 {
		return 0, ErrInvalidCursor
	}
	return offset, nil
}

// Page returns the page of items starting at cursor, and the cursor of the
// next page or "" when this is the last one.
func Page[T any](items []T, cursor string, limit int) ([]T, string, error) {
	offset, err := DecodeCursor(cursor)
	if err != nil {
		return nil, "", err
	}
	if offset > len(items) {
		return nil, "", fmt.Errorf("%w: offset %d beyond %d items", ErrInvalidCursor, offset, len(items))
	}

	end := offset + ClampLimit(limit)
	if end >= len(items) {
		return items[offset:], "", nil
	}
	return items[offset:end], EncodeCursor(end), nil
}

// Collector follows nextCursor values until the last page.
type Collector struct {
	cursor string
	pages  int
	done   bool
}

// More reports whether another page should be fetched.
func (c *Collector) More() bool {
	return !c.done
}

// Cursor returns the cursor for the next fetch.
func (c *Collector) Cursor() string {
	return c.cursor
}

// Pages returns the number of pages seen.
func (c *Collector) Pages() int {
	return c.pages
}

// Update records the nextCursor of the page just fetched. It fails once
// MaxPages pages have been seen without reaching the end.
func (c *Collector) Update(nextCursor string) error {
	c.pages++
	c.cursor = nextCursor
	if nextCursor == "" {
		c.done = true
		return nil
	}
	if c.pages >= MaxPages {
		c.done = true
		return ErrTooManyPages
	}
	return nil
}
