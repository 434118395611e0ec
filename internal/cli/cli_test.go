package cli

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/mcp-bridge/pkg/config"
	"github.com/ajitpratap0/mcp-bridge/pkg/eventstore"
)

const initializeBody = `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-03-26","capabilities":{},"clientInfo":{"name":"cli-test","version":"0"}}}`

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Server.Addr = "127.0.0.1:0"
	cfg.Server.ShutdownTimeout = config.Duration(5 * time.Second)
	cfg.Logging.Level = "error"
	return cfg
}

// startApp serves cfg on a loopback port and returns its base URL. The app
// is shut down when the test ends.
func startApp(t *testing.T, cfg config.Config) (*app, string) {
	t.Helper()
	a, err := newApp(cfg, io.Discard)
	require.NoError(t, err)
	ln, err := a.listen()
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.serve(ctx, ln) }()

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(10 * time.Second):
			t.Error("serve did not return after cancel")
		}
	})
	return a, "http://" + ln.Addr().String()
}

func initialize(t *testing.T, base string) string {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, base+"/mcp", strings.NewReader(initializeBody))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	id := resp.Header.Get("Mcp-Session-Id")
	require.NotEmpty(t, id)
	return id
}

func TestServeWithEachStore(t *testing.T) {
	tests := []struct {
		name   string
		driver eventstore.Driver
		setup  func(t *testing.T, cfg *config.Config)
	}{
		{name: "memory", driver: eventstore.DriverMemory},
		{
			name:   "sqlite",
			driver: eventstore.DriverSQLite,
			setup: func(t *testing.T, cfg *config.Config) {
				cfg.EventStore.SQLite.Path = filepath.Join(t.TempDir(), "events.db")
			},
		},
		{
			name:   "redis",
			driver: eventstore.DriverRedis,
			setup: func(t *testing.T, cfg *config.Config) {
				cfg.EventStore.Redis.Addr = miniredis.RunT(t).Addr()
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(t)
			cfg.EventStore.Driver = tt.driver
			if tt.setup != nil {
				tt.setup(t, &cfg)
			}

			a, base := startApp(t, cfg)
			initialize(t, base)
			assert.Equal(t, 1, a.registry.Len())

			resp, err := http.Get(base + "/healthz")
			require.NoError(t, err)
			body, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			assert.Equal(t, "ok sessions=1\n", string(body))
		})
	}
}

func TestServeMetricsOnMainMux(t *testing.T) {
	cfg := testConfig(t)
	cfg.Metrics.Enabled = true
	cfg.Metrics.Addr = ""

	_, base := startApp(t, cfg)
	initialize(t, base)

	resp, err := http.Get(base + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "mcp_bridge_sessions_opened_total")
}

func TestShutdownClosesSessions(t *testing.T) {
	a, err := newApp(testConfig(t), io.Discard)
	require.NoError(t, err)
	ln, err := a.listen()
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.serve(ctx, ln) }()

	initialize(t, "http://"+ln.Addr().String())
	require.Equal(t, 1, a.registry.Len())

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("serve did not return")
	}
	assert.Zero(t, a.registry.Len())
}

func TestNewAppRedisUnreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	cfg := testConfig(t)
	cfg.EventStore.Driver = eventstore.DriverRedis
	cfg.EventStore.Redis.Addr = addr
	cfg.EventStore.Redis.QueryTimeout = config.Duration(100 * time.Millisecond)

	_, err := newApp(cfg, io.Discard)
	assert.Error(t, err)
}

func TestResolveConfigFlags(t *testing.T) {
	t.Setenv("PORT", "")
	t.Setenv("MCP_BRIDGE_ADDR", ":6000")
	t.Setenv("MCP_BRIDGE_LOG_LEVEL", "warn")

	opts := &ServeOptions{RootOptions: &RootOptions{}}
	cmd := newServeCommand(opts)
	require.NoError(t, cmd.ParseFlags([]string{"--addr", ":7000", "--event-store", "sqlite"}))

	cfg, err := resolveConfig(cmd, opts)
	require.NoError(t, err)
	assert.Equal(t, ":7000", cfg.Server.Addr, "flags override the environment")
	assert.Equal(t, eventstore.DriverSQLite, cfg.EventStore.Driver)
	assert.Equal(t, "warn", cfg.Logging.Level, "unset flags keep the environment value")
}

func TestResolveConfigInvalidFlag(t *testing.T) {
	opts := &ServeOptions{RootOptions: &RootOptions{}}
	cmd := newServeCommand(opts)
	require.NoError(t, cmd.ParseFlags([]string{"--event-store", "etcd"}))

	_, err := resolveConfig(cmd, opts)
	require.Error(t, err)
	assert.Equal(t, ExitConfigError, ExitCode(err))
}

func TestVersionCommand(t *testing.T) {
	root := NewRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"version"})

	require.NoError(t, root.Execute())
	assert.Contains(t, out.String(), "mcp-bridge "+Version)
	assert.Contains(t, out.String(), "protocol 2025-03-26")
}

func TestServeRejectsBadConfig(t *testing.T) {
	root := NewRootCommand()
	root.SetOut(io.Discard)
	root.SetErr(io.Discard)
	root.SetArgs([]string{"serve", "--config", filepath.Join(t.TempDir(), "missing.toml")})

	err := root.Execute()
	require.Error(t, err)
	assert.Equal(t, ExitConfigError, ExitCode(err))
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, ExitSuccess, ExitCode(nil))
	assert.Equal(t, ExitFailure, ExitCode(assert.AnError))
	assert.Equal(t, ExitConfigError, ExitCode(WrapExitError(ExitConfigError, "bad", assert.AnError)))
}
