package config

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/ajitpratap0/mcp-bridge/pkg/eventstore"
	"github.com/ajitpratap0/mcp-bridge/pkg/logging"
	"github.com/ajitpratap0/mcp-bridge/pkg/observability"
)

// EnvPrefix prefixes every environment variable read by ApplyEnv.
const EnvPrefix = "MCP_BRIDGE_"

// ApplyEnv overlays settings from the environment. PORT sets the listen
// port; MCP_BRIDGE_* variables override individual settings.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if port, ok := lookup("PORT"); ok && port != "" {
		host, _, err := net.SplitHostPort(c.Server.Addr)
		if err != nil {
			host = ""
		}
		c.Server.Addr = net.JoinHostPort(host, port)
	}

	env := func(name string) (string, bool) {
		v, ok := lookup(EnvPrefix + name)
		return strings.TrimSpace(v), ok && strings.TrimSpace(v) != ""
	}

	strs := []struct {
		name string
		dst  *string
	}{
		{"ADDR", &c.Server.Addr},
		{"ENDPOINT", &c.Server.Endpoint},
		{"SESSION_HEADER", &c.Server.SessionHeader},
		{"LOG_LEVEL", &c.Logging.Level},
		{"REDIS_ADDR", &c.EventStore.Redis.Addr},
		{"REDIS_PASSWORD", &c.EventStore.Redis.Password},
		{"SQLITE_PATH", &c.EventStore.SQLite.Path},
		{"METRICS_ADDR", &c.Metrics.Addr},
		{"TRACING_ENDPOINT", &c.Tracing.Endpoint},
	}
	for _, s := range strs {
		if v, ok := env(s.name); ok {
			*s.dst = v
		}
	}

	if v, ok := env("LOG_FORMAT"); ok {
		c.Logging.Format = logging.Format(strings.ToLower(v))
	}
	if v, ok := env("EVENT_STORE"); ok {
		c.EventStore.Driver = eventstore.Driver(strings.ToLower(v))
	}
	if v, ok := env("TRACING_EXPORTER"); ok {
		c.Tracing.Exporter = observability.ExporterType(strings.ToLower(v))
	}
	if v, ok := env("ALLOWED_ORIGINS"); ok {
		c.Server.AllowedOrigins = splitList(v)
	}

	durations := []struct {
		name string
		dst  *Duration
	}{
		{"KEEP_ALIVE", &c.Server.KeepAlive},
		{"IDLE_TIMEOUT", &c.Session.IdleTimeout},
		{"REQUEST_TIMEOUT", &c.Session.RequestTimeout},
		{"REDIS_TTL", &c.EventStore.Redis.TTL},
	}
	for _, d := range durations {
		if v, ok := env(d.name); ok {
			parsed, err := ParseDuration(v)
			if err != nil {
				return fmt.Errorf("%s%s: %w", EnvPrefix, d.name, err)
			}
			*d.dst = parsed
		}
	}

	bools := []struct {
		name string
		dst  *bool
	}{
		{"METRICS_ENABLED", &c.Metrics.Enabled},
		{"TRACING_ENABLED", &c.Tracing.Enabled},
		{"RETAIN_EVENTS", &c.Session.RetainEvents},
	}
	for _, b := range bools {
		if v, ok := env(b.name); ok {
			parsed, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("%s%s: %w", EnvPrefix, b.name, err)
			}
			*b.dst = parsed
		}
	}
	return nil
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
