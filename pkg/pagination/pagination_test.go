package pagination

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClampLimit(t *testing.T) {
	assert.Equal(t, DefaultLimit, ClampLimit(0))
	assert.Equal(t, DefaultLimit, ClampLimit(-3))
	assert.Equal(t, 7, ClampLimit(7))
	assert.Equal(t, MaxLimit, ClampLimit(MaxLimit+1))
}

func TestValidateLimit(t *testing.T) {
	assert.NoError(t, ValidateLimit(1))
	assert.NoError(t, ValidateLimit(MaxLimit))
	assert.ErrorIs(t, ValidateLimit(0), ErrInvalidLimit)
	assert.ErrorIs(t, ValidateLimit(MaxLimit+1), ErrInvalidLimit)
}

func TestCursorRoundTrip(t *testing.T) {
	for _, offset := range []int{0, 1, 50, 12345} {
		got, err := DecodeCursor(EncodeCursor(offset))
		require.NoError(t, err)
		assert.Equal(t, offset, got)
	}

	got, err := DecodeCursor("")
	require.NoError(t, err)
	assert.Zero(t, got)
}

func TestDecodeCursorRejectsForeignCursors(t *testing.T) {
	for _, cursor := range []string{"!!!", "b2Zmc2V0Oi0x", "bm9wZQ", "b2Zmc2V0OmFi"} {
		_, err := DecodeCursor(cursor)
		assert.ErrorIs(t, err, ErrInvalidCursor, cursor)
	}
}

func TestPage(t *testing.T) {
	items := []int{1, 2, 3, 4, 5}

	page, next, err := Page(items, "", 2)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, page)
	require.NotEmpty(t, next)

	page, next, err = Page(items, next, 2)
	require.NoError(t, err)
	assert.Equal(t, []int{3, 4}, page)

	page, next, err = Page(items, next, 2)
	require.NoError(t, err)
	assert.Equal(t, []int{5}, page)
	assert.Empty(t, next, "last page has no next cursor")

	page, next, err = Page([]int{}, "", 2)
	require.NoError(t, err)
	assert.Empty(t, page)
	assert.Empty(t, next)

	_, _, err = Page(items, EncodeCursor(6), 2)
	assert.ErrorIs(t, err, ErrInvalidCursor)
}

func TestCollectorWalksAllPages(t *testing.T) {
	items := make([]int, 7)
	for i := range items {
		items[i] = i
	}

	var (
		c   Collector
		all []int
	)
	for c.More() {
		page, next, err := Page(items, c.Cursor(), 3)
		require.NoError(t, err)
		all = append(all, page...)
		require.NoError(t, c.Update(next))
	}
	assert.Equal(t, items, all)
	assert.Equal(t, 3, c.Pages())
}

func TestCollectorStopsRunawayServers(t *testing.T) {
	var c Collector
	var err error
	for c.More() {
		err = c.Update("same-cursor-forever")
	}
	assert.ErrorIs(t, err, ErrTooManyPages)
	assert.Equal(t, MaxPages, c.Pages())
}
