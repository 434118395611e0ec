package benchmarks

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/ajitpratap0/mcp-bridge/pkg/bridge"
	"github.com/ajitpratap0/mcp-bridge/pkg/client"
	"github.com/ajitpratap0/mcp-bridge/pkg/eventstore"
	"github.com/ajitpratap0/mcp-bridge/pkg/server"
	"github.com/ajitpratap0/mcp-bridge/pkg/session"
)

func newBridge(b *testing.B) (*httptest.Server, *session.Registry) {
	b.Helper()
	reg := session.NewRegistry()
	srv := httptest.NewServer(bridge.NewHandler(reg, server.New()))
	b.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		reg.Close(ctx)
		srv.Close()
	})
	return srv, reg
}

func newClient(b *testing.B, srv *httptest.Server) *client.Client {
	b.Helper()
	c := client.New(srv.URL+bridge.DefaultEndpoint, client.WithHTTPClient(srv.Client()))
	if _, err := c.Initialize(context.Background()); err != nil {
		b.Fatal(err)
	}
	b.Cleanup(func() { c.Close(context.Background()) })
	return c
}

// BenchmarkPing measures one POST round trip on an open session.
func BenchmarkPing(b *testing.B) {
	srv, _ := newBridge(b)
	c := newClient(b, srv)
	ctx := context.Background()

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := c.Ping(ctx); err != nil {
			b.Fatal(err)
		}
	}
}

// BenchmarkConcurrentSessions measures pings spread over many sessions.
func BenchmarkConcurrentSessions(b *testing.B) {
	for _, n := range []int{10, 100} {
		b.Run(fmt.Sprintf("sessions=%d", n), func(b *testing.B) {
			srv, _ := newBridge(b)
			clients := make([]*client.Client, n)
			for i := range clients {
				clients[i] = newClient(b, srv)
			}
			ctx := context.Background()

			b.ReportAllocs()
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				g, gctx := errgroup.WithContext(ctx)
				for _, c := range clients {
					g.Go(func() error { return c.Ping(gctx) })
				}
				if err := g.Wait(); err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}

// BenchmarkInitialize measures admission of a new session.
func BenchmarkInitialize(b *testing.B) {
	srv, reg := newBridge(b)
	body := `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-03-26","capabilities":{},"clientInfo":{"name":"bench","version":"1"}}}`

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		req, err := http.NewRequest(http.MethodPost, srv.URL+bridge.DefaultEndpoint, strings.NewReader(body))
		if err != nil {
			b.Fatal(err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json, text/event-stream")
		resp, err := srv.Client().Do(req)
		if err != nil {
			b.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			b.Fatalf("status %d", resp.StatusCode)
		}
	}
	b.StopTimer()
	b.ReportMetric(float64(reg.Len()), "sessions")
}

// BenchmarkEventStoreAppend compares the store drivers on the append path.
func BenchmarkEventStoreAppend(b *testing.B) {
	payload := []byte(`{"jsonrpc":"2.0","method":"notifications/message","params":{"level":"info","data":"tick"}}`)

	stores := map[string]func(b *testing.B) eventstore.Store{
		"memory": func(*testing.B) eventstore.Store { return eventstore.NewMemoryStore() },
		"sqlite": func(b *testing.B) eventstore.Store {
			s, err := eventstore.OpenSQLiteStore(b.TempDir() + "/events.db")
			if err != nil {
				b.Fatal(err)
			}
			return s
		},
		"redis": func(b *testing.B) eventstore.Store {
			mr := miniredis.RunT(b)
			return eventstore.NewRedisStore(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
		},
	}

	for name, open := range stores {
		b.Run(name, func(b *testing.B) {
			store := open(b)
			defer store.Close()
			ctx := context.Background()

			b.ReportAllocs()
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				if _, err := store.Append(ctx, "bench", payload); err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}

// BenchmarkReplay measures reading a full buffer back in batches.
func BenchmarkReplay(b *testing.B) {
	store := eventstore.NewMemoryStore()
	ctx := context.Background()
	for i := 0; i < 1000; i++ {
		if _, err := store.Append(ctx, "bench", []byte(`{}`)); err != nil {
			b.Fatal(err)
		}
	}

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		var after uint64
		for {
			events, err := store.Replay(ctx, "bench", after, 100)
			if err != nil {
				b.Fatal(err)
			}
			if len(events) == 0 {
				break
			}
			after = events[len(events)-1].Sequence
		}
	}
}
