package mcp

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/mcp-bridge/pkg/client"
	mcperrors "github.com/ajitpratap0/mcp-bridge/pkg/errors"
	"github.com/ajitpratap0/mcp-bridge/pkg/protocol"
)

// greetings records the log notifications produced by the hello tool.
type greetings struct {
	mu   sync.Mutex
	seen []string
}

func (g *greetings) handle(_ context.Context, n *protocol.Notification) {
	if n.Method != protocol.MethodLogMessage {
		return
	}
	var p protocol.LoggingMessageParams
	if err := json.Unmarshal(n.Params, &p); err != nil {
		return
	}
	text, _ := p.Data.(string)
	g.mu.Lock()
	g.seen = append(g.seen, text)
	g.mu.Unlock()
}

func (g *greetings) list() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.seen...)
}

// TestResumableSession drives one session through the public surface:
// open, stream, drop, resume without duplicates, delete, then reuse of the
// dead id.
func TestResumableSession(t *testing.T) {
	handler, registry := Serve(NewServer(WithServerName("facade")), NewMemoryStore(), WithRetry(10*time.Millisecond))
	srv := httptest.NewServer(handler)
	defer srv.Close()
	defer registry.Close(context.Background())

	got := &greetings{}
	c := NewClient(srv.URL+"/mcp",
		client.WithHTTPClient(srv.Client()),
		client.WithNotificationHandler(got.handle),
		client.WithReconnect(10*time.Millisecond, 10),
	)
	ctx := context.Background()

	result, err := c.Initialize(ctx)
	require.NoError(t, err)
	assert.Equal(t, "facade", result.ServerInfo.Name)
	assert.Equal(t, ProtocolVersion, result.ProtocolVersion)
	sid := c.SessionID()
	require.NotEmpty(t, sid)

	listenCtx, stop := context.WithCancel(ctx)
	listened := make(chan error, 1)
	go func() { listened <- c.Listen(listenCtx) }()

	for _, name := range []string{"one", "two"} {
		_, err := c.CallTool(ctx, "hello", map[string]string{"name": name})
		require.NoError(t, err)
	}
	require.Eventually(t, func() bool { return c.LastEventID() == 2 }, 3*time.Second, 5*time.Millisecond)

	srv.CloseClientConnections()

	_, err = c.CallTool(ctx, "hello", map[string]string{"name": "three"})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return c.LastEventID() == 3 }, 3*time.Second, 5*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, []string{"Hello, one!", "Hello, two!", "Hello, three!"}, got.list())

	require.NoError(t, c.Close(ctx))
	stop()
	require.NoError(t, <-listened)

	// A fresh client reusing the dead id is refused.
	stale := NewClient(srv.URL+"/mcp", client.WithHTTPClient(srv.Client()))
	_, err = stale.Initialize(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, sid, stale.SessionID())
	_, err = registry.Lookup(sid)
	assert.ErrorIs(t, err, mcperrors.ErrUnknownSession)
	require.NoError(t, stale.Close(ctx))
}

func TestServeDefaultsToMemoryStore(t *testing.T) {
	handler, registry := Serve(NewServer(), nil)
	srv := httptest.NewServer(handler)
	defer srv.Close()
	defer registry.Close(context.Background())

	c := NewClient(srv.URL+"/mcp", client.WithHTTPClient(srv.Client()))
	_, err := c.Initialize(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, registry.Len())
	require.NoError(t, c.Ping(context.Background()))
	require.NoError(t, c.Close(context.Background()))
}
