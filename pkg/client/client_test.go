package client

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/mcp-bridge/pkg/bridge"
	mcperrors "github.com/ajitpratap0/mcp-bridge/pkg/errors"
	"github.com/ajitpratap0/mcp-bridge/pkg/protocol"
	"github.com/ajitpratap0/mcp-bridge/pkg/server"
	"github.com/ajitpratap0/mcp-bridge/pkg/session"
	"github.com/ajitpratap0/mcp-bridge/pkg/utils"
)

type testBridge struct {
	*httptest.Server
	registry *session.Registry
}

func newTestBridge(t *testing.T, opts ...server.ServerOption) *testBridge {
	t.Helper()
	reg := session.NewRegistry()
	h := bridge.NewHandler(reg, server.New(opts...), bridge.WithRetry(20*time.Millisecond))
	srv := httptest.NewServer(h)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		reg.Close(ctx)
		srv.Close()
	})
	return &testBridge{Server: srv, registry: reg}
}

func (b *testBridge) endpoint() string {
	return b.URL + bridge.DefaultEndpoint
}

// recorder collects stream notifications.
type recorder struct {
	mu    sync.Mutex
	seen  []*protocol.Notification
	added chan struct{}
}

func newRecorder() *recorder {
	return &recorder{added: make(chan struct{}, 256)}
}

func (r *recorder) handle(_ context.Context, n *protocol.Notification) {
	r.mu.Lock()
	r.seen = append(r.seen, n)
	r.mu.Unlock()
	r.added <- struct{}{}
}

func (r *recorder) waitFor(t *testing.T, n int) []*protocol.Notification {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		r.mu.Lock()
		if len(r.seen) >= n {
			out := append([]*protocol.Notification(nil), r.seen...)
			r.mu.Unlock()
			return out
		}
		r.mu.Unlock()
		select {
		case <-r.added:
		case <-deadline:
			t.Fatalf("waited for %d notifications, got %d", n, len(r.seen))
		}
	}
}

func (r *recorder) methods(method string) []*protocol.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*protocol.Notification
	for _, n := range r.seen {
		if n.Method == method {
			out = append(out, n)
		}
	}
	return out
}

// listen runs Listen until the test ends.
func listen(t *testing.T, c *Client) <-chan error {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Listen(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return done
}

func initialized(t *testing.T, b *testBridge, opts ...Option) *Client {
	t.Helper()
	opts = append([]Option{WithHTTPClient(b.Client()), WithReconnect(10*time.Millisecond, 5)}, opts...)
	c := New(b.endpoint(), opts...)
	_, err := c.Initialize(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { c.Close(context.Background()) })
	return c
}

func TestInitialize(t *testing.T) {
	b := newTestBridge(t, server.WithName("test-bridge"), server.WithInstructions("be nice"))
	c := New(b.endpoint(), WithHTTPClient(b.Client()), WithName("tester"))

	result, err := c.Initialize(context.Background())
	require.NoError(t, err)

	assert.Equal(t, protocol.LatestProtocolVersion, result.ProtocolVersion)
	assert.Equal(t, "test-bridge", result.ServerInfo.Name)
	assert.Equal(t, "be nice", result.Instructions)
	assert.NotEmpty(t, c.SessionID())
	assert.Same(t, result, c.ServerInfo())
	assert.Equal(t, 1, b.registry.Len())

	_, err = c.Initialize(context.Background())
	assert.Error(t, err, "a client owns one session")

	require.NoError(t, c.Ping(context.Background()))
	require.NoError(t, c.Close(context.Background()))
}

func TestCallsBeforeInitialize(t *testing.T) {
	b := newTestBridge(t)
	c := New(b.endpoint(), WithHTTPClient(b.Client()))

	assert.ErrorIs(t, c.Ping(context.Background()), ErrNotInitialized)
	assert.ErrorIs(t, c.Notify(context.Background(), protocol.MethodInitialized, nil), ErrNotInitialized)
	assert.ErrorIs(t, c.Listen(context.Background()), ErrNotInitialized)
	assert.NoError(t, c.Close(context.Background()))
}

func TestListToolsFollowsPages(t *testing.T) {
	b := newTestBridge(t, server.WithPageSize(2))
	c := initialized(t, b)

	tools, err := c.ListTools(context.Background())
	require.NoError(t, err)

	names := make([]string, 0, len(tools))
	for _, tool := range tools {
		names = append(names, tool.Name)
	}
	assert.ElementsMatch(t, []string{"hello", "countdown", "list_roots"}, names)
}

func TestCallToolDeliversNotificationsOnStream(t *testing.T) {
	b := newTestBridge(t)
	rec := newRecorder()
	c := initialized(t, b, WithNotificationHandler(rec.handle))

	result, err := c.CallTool(context.Background(), "hello", map[string]string{"name": "Ada"})
	require.NoError(t, err)
	require.Len(t, result.Content, 1)
	assert.Equal(t, "Hello, Ada!", result.Content[0].Text)
	assert.False(t, result.IsError)

	listen(t, c)
	seen := rec.waitFor(t, 1)
	assert.Equal(t, protocol.MethodLogMessage, seen[0].Method)

	var params protocol.LoggingMessageParams
	require.NoError(t, json.Unmarshal(seen[0].Params, &params))
	assert.Equal(t, "Hello, Ada!", params.Data)
	assert.Eventually(t, func() bool { return c.LastEventID() == 1 }, time.Second, 5*time.Millisecond)
}

func TestCallToolWithProgress(t *testing.T) {
	b := newTestBridge(t)
	rec := newRecorder()
	c := initialized(t, b, WithNotificationHandler(rec.handle))
	listen(t, c)

	result, err := c.CallToolWithProgress(context.Background(), "countdown", map[string]int{"from": 3}, "tok-1")
	require.NoError(t, err)
	assert.Equal(t, "Liftoff!", result.Content[0].Text)

	rec.waitFor(t, 6)
	progress := rec.methods(protocol.MethodProgress)
	require.Len(t, progress, 3)
	for i, n := range progress {
		var p protocol.ProgressParams
		require.NoError(t, json.Unmarshal(n.Params, &p))
		assert.Equal(t, "tok-1", p.ProgressToken)
		assert.Equal(t, float64(i+1), p.Progress)
		assert.Equal(t, float64(3), p.Total)
	}
}

func TestServerRequestAnsweredFromStream(t *testing.T) {
	b := newTestBridge(t)
	c := initialized(t, b, WithRoots(
		protocol.Root{URI: "file:///work", Name: "work"},
		protocol.Root{URI: "file:///tmp"},
	))
	listen(t, c)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	result, err := c.CallTool(ctx, "list_roots", nil)
	require.NoError(t, err)
	require.False(t, result.IsError, result.Content)
	assert.Equal(t, "file:///work (work)\nfile:///tmp", result.Content[0].Text)
}

func TestUnhandledServerRequestIsRejected(t *testing.T) {
	b := newTestBridge(t)
	c := initialized(t, b)
	listen(t, c)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	result, err := c.CallTool(ctx, "list_roots", nil)
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, result.Content[0].Text, "Method not found")
}

func TestListenResumesWithoutDuplicates(t *testing.T) {
	b := newTestBridge(t)
	rec := newRecorder()
	c := initialized(t, b, WithNotificationHandler(rec.handle))
	listen(t, c)

	_, err := c.CallTool(context.Background(), "countdown", map[string]int{"from": 3})
	require.NoError(t, err)
	rec.waitFor(t, 3)

	b.CloseClientConnections()

	_, err = c.CallTool(context.Background(), "countdown", map[string]int{"from": 2})
	require.NoError(t, err)
	rec.waitFor(t, 5)

	// Let stragglers arrive before checking nothing came twice.
	time.Sleep(100 * time.Millisecond)
	seen := rec.methods(protocol.MethodLogMessage)
	require.Len(t, seen, 5)

	var remaining []int
	for _, n := range seen {
		var p struct {
			Data struct {
				Remaining int `json:"remaining"`
			} `json:"data"`
		}
		require.NoError(t, json.Unmarshal(n.Params, &p))
		remaining = append(remaining, p.Data.Remaining)
	}
	assert.Equal(t, []int{3, 2, 1, 2, 1}, remaining)
	assert.Equal(t, uint64(5), c.LastEventID())
}

func TestCancelBackgroundCall(t *testing.T) {
	b := newTestBridge(t)
	c := initialized(t, b)

	id, outcome := c.Go(context.Background(), "countdown", map[string]int{"from": 100, "intervalMs": 50})

	// Let the call reach the tool before cancelling it.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, c.Cancel(context.Background(), id, "user abort"))

	select {
	case out := <-outcome:
		require.NoError(t, out.Err)
		assert.True(t, out.Result.IsError)
		assert.Equal(t, "Tool call was cancelled", out.Result.Content[0].Text)
	case <-time.After(3 * time.Second):
		t.Fatal("cancelled call did not return")
	}
}

func TestSetLogLevelFiltersNotifications(t *testing.T) {
	b := newTestBridge(t)
	rec := newRecorder()
	c := initialized(t, b, WithNotificationHandler(rec.handle))

	require.NoError(t, c.SetLogLevel(context.Background(), protocol.LogLevelError))
	_, err := c.CallTool(context.Background(), "hello", nil)
	require.NoError(t, err)
	_, err = c.CallToolWithProgress(context.Background(), "countdown", map[string]int{"from": 1}, 9)
	require.NoError(t, err)

	listen(t, c)
	seen := rec.waitFor(t, 1)
	assert.Equal(t, protocol.MethodProgress, seen[0].Method, "info logs are below the error threshold")
}

func TestUnknownToolIsInvalidParams(t *testing.T) {
	b := newTestBridge(t)
	c := initialized(t, b)

	_, err := c.CallTool(context.Background(), "nope", nil)
	require.Error(t, err)

	mcpErr, ok := mcperrors.AsMCPError(err)
	require.True(t, ok)
	assert.Equal(t, int(protocol.InvalidParams), mcpErr.Code())
}

func TestExpiredSession(t *testing.T) {
	b := newTestBridge(t)
	c := initialized(t, b)
	done := listen(t, c)

	tr, err := b.registry.Lookup(c.SessionID())
	require.NoError(t, err)
	require.NoError(t, tr.Close())

	assert.ErrorIs(t, c.Ping(context.Background()), mcperrors.ErrUnknownSession)

	select {
	case err := <-done:
		assert.True(t, errors.Is(err, mcperrors.ErrUnknownSession) || errors.Is(err, mcperrors.ErrTransportClosed), "got %v", err)
	case <-time.After(3 * time.Second):
		t.Fatal("Listen kept running on an expired session")
	}

	assert.NoError(t, c.Close(context.Background()), "closing an expired session is not an error")
}

func TestCloseEndsListenAndSession(t *testing.T) {
	b := newTestBridge(t)
	c := initialized(t, b)
	done := listen(t, c)

	tr, err := b.registry.Lookup(c.SessionID())
	require.NoError(t, err)
	require.Eventually(t, tr.Streaming, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, c.Close(context.Background()))
	assert.Empty(t, c.SessionID())
	assert.ErrorIs(t, c.Ping(context.Background()), ErrNotInitialized)
	assert.NoError(t, c.Close(context.Background()), "second close is a no-op")

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Listen kept running after Close")
	}
	assert.Eventually(t, func() bool { return b.registry.Len() == 0 }, time.Second, 10*time.Millisecond)
}

func TestListenGivesUpAfterMaxReconnects(t *testing.T) {
	attempts := 0
	var mu sync.Mutex
	// Every stream ends at once without delivering an event.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		attempts++
		mu.Unlock()
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, "retry: 1\n\n: ping\n\n")
	}))
	defer srv.Close()

	c := New(srv.URL, WithHTTPClient(srv.Client()), WithReconnect(time.Millisecond, 2))
	c.sessionID = "fixed"

	err := c.Listen(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "giving up after 3 attempts")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 3, attempts)
}

func TestReadFrames(t *testing.T) {
	input := "retry: 500\n\n" +
		": ping\n\n" +
		"id: 1\nevent: message\ndata: {\"a\":1}\n\n" +
		"id: 2\r\ndata: line one\r\ndata: line two\r\n\r\n" +
		"id: 3\ndata: unterminated"

	var frames []frame
	err := readFrames(strings.NewReader(input), func(f frame) error {
		frames = append(frames, f)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, frames, 3, "comments and an unterminated frame are not dispatched")

	assert.Equal(t, "500", frames[0].retry)
	assert.Equal(t, frame{id: "1", event: "message", data: `{"a":1}`}, frames[1])
	assert.Equal(t, "line one\nline two", frames[2].data)
}

func TestReadFramesStops(t *testing.T) {
	calls := 0
	err := readFrames(strings.NewReader("data: a\n\ndata: b\n\n"), func(frame) error {
		calls++
		return errStopReading
	})
	assert.ErrorIs(t, err, errStopReading)
	assert.Equal(t, 1, calls)
}

func TestNoLeakedGoroutines(t *testing.T) {
	detector := utils.NewGoroutineLeakDetector(t).SetAllowedGrowth(2).Start()

	func() {
		reg := session.NewRegistry()
		srv := httptest.NewServer(bridge.NewHandler(reg, server.New()))
		defer srv.Close()

		rec := newRecorder()
		c := New(srv.URL+bridge.DefaultEndpoint, WithHTTPClient(srv.Client()), WithNotificationHandler(rec.handle))
		_, err := c.Initialize(context.Background())
		require.NoError(t, err)

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- c.Listen(ctx) }()

		_, err = c.CallTool(context.Background(), "hello", nil)
		require.NoError(t, err)
		rec.waitFor(t, 1)

		require.NoError(t, c.Close(context.Background()))
		cancel()
		<-done

		shutdown, stop := context.WithTimeout(context.Background(), 2*time.Second)
		defer stop()
		require.NoError(t, reg.Close(shutdown))
		srv.CloseClientConnections()
		srv.Client().CloseIdleConnections()
	}()

	detector.Check()
}
