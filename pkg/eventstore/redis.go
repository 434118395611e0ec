package eventstore

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"
)

const (
	defaultRedisPrefix       = "mcp-bridge"
	defaultRedisQueryTimeout = 5 * time.Second
)

// RedisStore keeps each session's events in a Redis list. The list length
// after RPUSH is the event's sequence number, so numbering stays gapless
// even with several bridge processes appending to the same session.
type RedisStore struct {
	client       *redis.Client
	prefix       string
	ttl          time.Duration
	queryTimeout time.Duration
}

var (
	_ Store     = (*RedisStore)(nil)
	_ Refresher = (*RedisStore)(nil)
)

// RedisOption configures a RedisStore.
type RedisOption func(*RedisStore)

// WithKeyPrefix sets the key namespace. Keys look like <prefix>:events:<session>.
func WithKeyPrefix(prefix string) RedisOption {
	return func(s *RedisStore) {
		s.prefix = prefix
	}
}

// WithTTL expires a session's events after ttl without activity. Appends,
// reads and Refresh restart the clock. Zero keeps them until Delete.
//
// An expired list restarts numbering at 1, so ttl must outlive every idle
// period a session survives.
func WithTTL(ttl time.Duration) RedisOption {
	return func(s *RedisStore) {
		s.ttl = ttl
	}
}

// WithQueryTimeout bounds every Redis round trip.
func WithQueryTimeout(d time.Duration) RedisOption {
	return func(s *RedisStore) {
		if d > 0 {
			s.queryTimeout = d
		}
	}
}

// NewRedisStore returns a Store backed by Redis.
// The caller owns the redis.Client lifecycle; Close does not close it.
func NewRedisStore(client *redis.Client, opts ...RedisOption) *RedisStore {
	s := &RedisStore{
		client:       client,
		prefix:       defaultRedisPrefix,
		queryTimeout: defaultRedisQueryTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// record is the msgpack encoding of a stored event.
type record struct {
	Payload   []byte `msgpack:"p"`
	CreatedAt int64  `msgpack:"t"`
}

func (s *RedisStore) queryCtx(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, s.queryTimeout)
}

func (s *RedisStore) key(sessionID string) string {
	if s.prefix == "" {
		return "events:" + sessionID
	}
	return s.prefix + ":events:" + sessionID
}

func (s *RedisStore) Append(ctx context.Context, sessionID string, payload []byte) (Event, error) {
	if sessionID == "" {
		return Event{}, ErrInvalidSession
	}

	now := time.Now()
	data, err := msgpack.Marshal(&record{Payload: payload, CreatedAt: now.UnixNano()})
	if err != nil {
		return Event{}, fmt.Errorf("encode event: %w", err)
	}

	qctx, cancel := s.queryCtx(ctx)
	defer cancel()

	k := s.key(sessionID)
	var push *redis.IntCmd
	_, err = s.client.TxPipelined(qctx, func(pipe redis.Pipeliner) error {
		push = pipe.RPush(qctx, k, data)
		s.expire(qctx, pipe, k)
		return nil
	})
	if err != nil {
		return Event{}, fmt.Errorf("append event: %w", err)
	}

	return Event{
		SessionID: sessionID,
		Sequence:  uint64(push.Val()),
		Payload:   append([]byte(nil), payload...),
		CreatedAt: now,
	}, nil
}

func (s *RedisStore) Replay(ctx context.Context, sessionID string, after uint64, limit int) ([]Event, error) {
	if sessionID == "" {
		return nil, ErrInvalidSession
	}

	qctx, cancel := s.queryCtx(ctx)
	defer cancel()

	// List index i holds sequence i+1.
	start := int64(after)
	stop := int64(-1)
	if limit > 0 {
		stop = start + int64(limit) - 1
	}
	k := s.key(sessionID)
	var lrange *redis.StringSliceCmd
	_, err := s.client.Pipelined(qctx, func(pipe redis.Pipeliner) error {
		lrange = pipe.LRange(qctx, k, start, stop)
		s.expire(qctx, pipe, k)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("replay events: %w", err)
	}
	items := lrange.Val()

	out := make([]Event, 0, len(items))
	for i, item := range items {
		var rec record
		if err := msgpack.Unmarshal([]byte(item), &rec); err != nil {
			return nil, fmt.Errorf("decode event %d: %w", after+uint64(i)+1, err)
		}
		out = append(out, Event{
			SessionID: sessionID,
			Sequence:  after + uint64(i) + 1,
			Payload:   rec.Payload,
			CreatedAt: time.Unix(0, rec.CreatedAt),
		})
	}
	return out, nil
}

func (s *RedisStore) LastSequence(ctx context.Context, sessionID string) (uint64, error) {
	if sessionID == "" {
		return 0, ErrInvalidSession
	}

	qctx, cancel := s.queryCtx(ctx)
	defer cancel()

	k := s.key(sessionID)
	var llen *redis.IntCmd
	_, err := s.client.Pipelined(qctx, func(pipe redis.Pipeliner) error {
		llen = pipe.LLen(qctx, k)
		s.expire(qctx, pipe, k)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("last sequence: %w", err)
	}
	return uint64(llen.Val()), nil
}

// Refresh restarts the session's TTL. It does nothing without a TTL or when
// the session has no events.
func (s *RedisStore) Refresh(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return ErrInvalidSession
	}
	if s.ttl <= 0 {
		return nil
	}

	qctx, cancel := s.queryCtx(ctx)
	defer cancel()

	if err := s.client.Expire(qctx, s.key(sessionID), s.ttl).Err(); err != nil {
		return fmt.Errorf("refresh events: %w", err)
	}
	return nil
}

func (s *RedisStore) expire(ctx context.Context, pipe redis.Pipeliner, key string) {
	if s.ttl > 0 {
		pipe.Expire(ctx, key, s.ttl)
	}
}

func (s *RedisStore) Delete(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return ErrInvalidSession
	}

	qctx, cancel := s.queryCtx(ctx)
	defer cancel()

	if err := s.client.Del(qctx, s.key(sessionID)).Err(); err != nil {
		return fmt.Errorf("delete events: %w", err)
	}
	return nil
}

// Close is a no-op; the caller owns the redis.Client lifecycle.
func (s *RedisStore) Close() error {
	return nil
}
