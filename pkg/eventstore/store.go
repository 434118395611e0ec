// Package eventstore provides per-session, append-only event logs with
// gapless sequence numbers and replay from a cursor.
//
// Sequence numbers start at 1 and grow by exactly one per Append within a
// session. Replay(after = n) returns the events numbered n+1 onwards in
// order; n = 0 replays the whole log.
package eventstore

import (
	"context"
	"errors"
	"time"
)

// ErrInvalidSession is returned when an operation names an empty session.
var ErrInvalidSession = errors.New("eventstore: session id must not be empty")

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("eventstore: store closed")

// Event is a single buffered server-to-client message.
type Event struct {
	SessionID string
	Sequence  uint64
	Payload   []byte
	CreatedAt time.Time
}

// Store is an ordered per-session event log.
type Store interface {
	// Append stores payload as the next event of the session and returns it
	// with its assigned sequence number.
	Append(ctx context.Context, sessionID string, payload []byte) (Event, error)

	// Replay returns up to limit events with a sequence greater than after,
	// in ascending order. A limit of zero or less means no limit.
	Replay(ctx context.Context, sessionID string, after uint64, limit int) ([]Event, error)

	// LastSequence returns the highest sequence assigned in the session, or
	// zero when nothing has been appended.
	LastSequence(ctx context.Context, sessionID string) (uint64, error)

	// Delete drops every event of the session. Deleting an unknown session
	// is not an error.
	Delete(ctx context.Context, sessionID string) error

	// Close releases resources held by the store.
	Close() error
}

// Refresher is implemented by stores whose events expire. Refresh restarts
// the session's expiry clock without touching its events.
type Refresher interface {
	Refresh(ctx context.Context, sessionID string) error
}

// Driver names a Store implementation.
type Driver string

const (
	DriverMemory Driver = "memory"
	DriverRedis  Driver = "redis"
	DriverSQLite Driver = "sqlite"
)
