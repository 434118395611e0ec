package transport

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mcperrors "github.com/ajitpratap0/mcp-bridge/pkg/errors"
	"github.com/ajitpratap0/mcp-bridge/pkg/eventstore"
	"github.com/ajitpratap0/mcp-bridge/pkg/protocol"
	"github.com/ajitpratap0/mcp-bridge/pkg/utils"
)

func notifyN(t *testing.T, tr *Transport, from, to int) {
	t.Helper()
	for i := from; i <= to; i++ {
		require.NoError(t, tr.Notify(context.Background(), protocol.MethodProgress, map[string]int{"progress": i}))
	}
}

func receive(t *testing.T, s *Stream, n int) []uint64 {
	t.Helper()
	var seqs []uint64
	for len(seqs) < n {
		select {
		case ev, ok := <-s.Events():
			require.True(t, ok, "stream ended early: %v", s.Err())
			seqs = append(seqs, ev.Sequence)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out after %d of %d events", len(seqs), n)
		}
	}
	return seqs
}

func waitEnded(t *testing.T, s *Stream) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not end")
	}
}

func TestResumptionReplaysThenGoesLive(t *testing.T) {
	utils.VerifyNoLeaks(t)
	tr, _ := newActive(t)
	notifyN(t, tr, 1, 2)

	ctx, disconnect := context.WithCancel(context.Background())
	s, err := tr.HandleResumption(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, []uint64{1, 2}, receive(t, s, 2))

	disconnect()
	waitEnded(t, s)
	assert.ErrorIs(t, s.Err(), context.Canceled)
	assert.Equal(t, uint64(2), s.Cursor())
	assert.Equal(t, StatusActive, tr.Status(), "a vanished consumer does not close the session")

	notifyN(t, tr, 3, 3)

	s2, err := tr.HandleResumption(context.Background(), 2)
	require.NoError(t, err)
	defer s2.Close()
	assert.Equal(t, []uint64{3}, receive(t, s2, 1))

	notifyN(t, tr, 4, 4)
	assert.Equal(t, []uint64{4}, receive(t, s2, 1))

	select {
	case ev := <-s2.Events():
		t.Fatalf("unexpected event %d", ev.Sequence)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestResumptionPayloadIsJSONRPC(t *testing.T) {
	tr, _ := newActive(t)
	require.NoError(t, tr.Notify(context.Background(), protocol.MethodLogMessage,
		protocol.LoggingMessageParams{Level: protocol.LogLevelInfo, Data: "hi"}))

	s, err := tr.HandleResumption(context.Background(), 0)
	require.NoError(t, err)
	defer s.Close()

	ev := <-s.Events()
	msgs, batch, err := protocol.Decode(ev.Payload)
	require.NoError(t, err)
	assert.False(t, batch)
	assert.Equal(t, protocol.KindNotification, msgs[0].Kind)
	assert.Equal(t, protocol.MethodLogMessage, msgs[0].Method())
}

func TestResumptionCursorBeyondLast(t *testing.T) {
	tr, _ := newActive(t)
	notifyN(t, tr, 1, 2)

	_, err := tr.HandleResumption(context.Background(), 3)
	assert.ErrorIs(t, err, mcperrors.ErrInvalidRequest)

	s, err := tr.HandleResumption(context.Background(), 2)
	require.NoError(t, err, "resuming at the last sequence is valid")
	s.Close()
}

func TestNewStreamSupersedesOld(t *testing.T) {
	utils.VerifyNoLeaks(t)
	tr, _ := newActive(t)
	notifyN(t, tr, 1, 1)

	first, err := tr.HandleResumption(context.Background(), 0)
	require.NoError(t, err)
	receive(t, first, 1)

	second, err := tr.HandleResumption(context.Background(), 1)
	require.NoError(t, err)
	defer second.Close()

	waitEnded(t, first)
	assert.ErrorIs(t, first.Err(), ErrStreamSuperseded)

	notifyN(t, tr, 2, 2)
	assert.Equal(t, []uint64{2}, receive(t, second, 1))
}

func TestStreamEndsWhenSessionCloses(t *testing.T) {
	tr, _ := newActive(t)
	s, err := tr.HandleResumption(context.Background(), 0)
	require.NoError(t, err)

	require.NoError(t, tr.Close())
	waitEnded(t, s)
	assert.ErrorIs(t, s.Err(), ErrSessionClosed)

	_, ok := <-s.Events()
	assert.False(t, ok)
}

func TestReplayInBatches(t *testing.T) {
	tr, _ := newActive(t, WithReplayBatchSize(2))
	notifyN(t, tr, 1, 7)

	s, err := tr.HandleResumption(context.Background(), 1)
	require.NoError(t, err)
	defer s.Close()
	assert.Equal(t, []uint64{2, 3, 4, 5, 6, 7}, receive(t, s, 6))
}

// Concurrent producers and a consumer that keeps reconnecting must see every
// sequence exactly once, in order.
func TestResumptionNoGapsNoDuplicates(t *testing.T) {
	stores := map[string]func(t *testing.T) eventstore.Store{
		"memory": func(*testing.T) eventstore.Store { return eventstore.NewMemoryStore() },
		"redis": func(t *testing.T) eventstore.Store {
			mr := miniredis.RunT(t)
			client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
			t.Cleanup(func() { client.Close() })
			return eventstore.NewRedisStore(client)
		},
		"sqlite": func(t *testing.T) eventstore.Store {
			s, err := eventstore.OpenSQLiteStore(filepath.Join(t.TempDir(), "events.db"))
			require.NoError(t, err)
			t.Cleanup(func() { s.Close() })
			return s
		},
	}

	for name, newStore := range stores {
		newStore := newStore
		t.Run(name, func(t *testing.T) {
			tr, _ := newActive(t, WithEventStore(newStore(t)), WithReplayBatchSize(3))

			const producers, perProducer = 4, 15
			const total = producers * perProducer
			var wg sync.WaitGroup
			for p := 0; p < producers; p++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					for i := 0; i < perProducer; i++ {
						assert.NoError(t, tr.Notify(context.Background(), protocol.MethodProgress, nil))
					}
				}()
			}

			var got []uint64
			var cursor uint64
			for len(got) < total {
				ctx, cancel := context.WithCancel(context.Background())
				s, err := tr.HandleResumption(ctx, cursor)
				require.NoError(t, err)
				take := total - len(got)
				if take > 7 {
					take = 7
				}
				seqs := receive(t, s, take)
				cancel()
				waitEnded(t, s)
				got = append(got, seqs...)
				cursor = seqs[len(seqs)-1]
			}
			wg.Wait()

			require.Len(t, got, total)
			for i, seq := range got {
				assert.Equal(t, uint64(i+1), seq)
			}
		})
	}
}

func TestNotifyWakesAttachedStream(t *testing.T) {
	tr, _ := newActive(t)
	s, err := tr.HandleResumption(context.Background(), 0)
	require.NoError(t, err)
	defer s.Close()

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = tr.Notify(context.Background(), protocol.MethodProgress, nil)
	}()

	select {
	case ev := <-s.Events():
		var n protocol.Notification
		require.NoError(t, json.Unmarshal(ev.Payload, &n))
		assert.Equal(t, protocol.MethodProgress, n.Method)
	case <-time.After(time.Second):
		t.Fatal("stream was not woken")
	}
}

// refreshingStore counts Refresh calls per session and can be made to fail.
type refreshingStore struct {
	eventstore.Store
	mu      sync.Mutex
	refresh map[string]int
	err     error
}

func (s *refreshingStore) Refresh(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.refresh == nil {
		s.refresh = make(map[string]int)
	}
	s.refresh[sessionID]++
	return s.err
}

func (s *refreshingStore) count(sessionID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refresh[sessionID]
}

func TestActivityRefreshesEventRetention(t *testing.T) {
	store := &refreshingStore{Store: eventstore.NewMemoryStore()}
	tr, _ := newActive(t, WithEventStore(store))
	sid := tr.SessionID()
	ctx := context.Background()

	_, err := tr.HandleIncoming(ctx, []byte(`{"jsonrpc":"2.0","id":2,"method":"ping"}`))
	require.NoError(t, err)
	assert.Equal(t, 1, store.count(sid))

	s, err := tr.HandleResumption(ctx, 0)
	require.NoError(t, err)
	defer s.Close()

	before := tr.LastActivity()
	time.Sleep(2 * time.Millisecond)
	s.KeepAlive(ctx)
	assert.Equal(t, 2, store.count(sid))
	assert.True(t, tr.LastActivity().After(before), "keep-alive counts as activity")
}

func TestRefreshFailureDoesNotFailRequest(t *testing.T) {
	store := &refreshingStore{Store: eventstore.NewMemoryStore(), err: errors.New("redis down")}
	tr, _ := newActive(t, WithEventStore(store))

	res, err := tr.HandleIncoming(context.Background(), []byte(`{"jsonrpc":"2.0","id":2,"method":"ping"}`))
	require.NoError(t, err)
	require.Len(t, res.Responses, 1)
	assert.Equal(t, 1, store.count(tr.SessionID()))
}
