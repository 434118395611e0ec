package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mcperrors "github.com/ajitpratap0/mcp-bridge/pkg/errors"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]interface{} {
	t.Helper()
	var out []map[string]interface{}
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(line), &m), line)
		out = append(out, m)
	}
	return out
}

func TestLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, FormatJSON)
	logger.SetLevel(DebugLevel)

	logger.Debug("Debug message", String("key", "value"))
	logger.Info("Info message", Int("count", 42))
	logger.Warn("Warning message", Bool("flag", true))
	logger.Error("Error message", ErrorField(errors.New("test error")))

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 4)

	assert.Equal(t, "debug", lines[0]["level"])
	assert.Equal(t, "value", lines[0]["key"])
	assert.Equal(t, float64(42), lines[1]["count"])
	assert.Equal(t, true, lines[2]["flag"])
	assert.Equal(t, "test error", lines[3]["error"])
	assert.Equal(t, "Error message", lines[3]["message"])
}

func TestLogLevels(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, FormatJSON)
	logger.SetLevel(WarnLevel)

	logger.Debug("hidden")
	logger.Info("hidden")
	logger.Warn("shown")

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "shown", lines[0]["message"])
	assert.Equal(t, WarnLevel, logger.GetLevel())
}

func TestWithFieldsInheritsLevel(t *testing.T) {
	var buf bytes.Buffer
	parent := New(&buf, FormatJSON)
	parent.SetLevel(ErrorLevel)

	child := parent.WithFields(String("component", "registry"))
	child.Info("dropped")
	child.Error("kept")

	child.SetLevel(DebugLevel)
	parent.Info("still dropped")

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "registry", lines[0]["component"])
}

func TestWithContext(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, FormatJSON)

	ctx := ContextWithRequestID(context.Background(), "req-9")
	ctx = ContextWithSessionID(ctx, "sess-1")
	logger.WithContext(ctx).Info("hello")

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "req-9", lines[0]["request_id"])
	assert.Equal(t, "sess-1", lines[0]["session_id"])
}

func TestWithError(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, FormatJSON)

	logger.WithError(mcperrors.UnknownSession("abc")).Warn("lookup failed")

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "UnknownSessionError", lines[0]["error_kind"])
	assert.Equal(t, float64(mcperrors.CodeUnknownSession), lines[0]["error_code"])
	assert.Equal(t, "abc", lines[0]["session_id"])
}

func TestConsoleFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, FormatConsole)

	logger.Info("Session created", String("session_id", "s-1"), Duration("took", time.Millisecond))

	out := buf.String()
	assert.Contains(t, out, "Session created")
	assert.Contains(t, out, "session_id=s-1")
}

func TestParseLevel(t *testing.T) {
	tests := map[string]Level{
		"debug":   DebugLevel,
		"INFO":    InfoLevel,
		"":        InfoLevel,
		"warning": WarnLevel,
		"error":   ErrorLevel,
	}
	for in, want := range tests {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseLevel("loud")
	assert.Error(t, err)
}

func TestNop(t *testing.T) {
	logger := NewNop()
	logger.Error("nothing")
	logger.WithFields(String("a", "b")).Info("nothing")
}

func TestHTTPMiddleware(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, FormatJSON)

	var seen string
	h := HTTPMiddleware(logger, "Mcp-Session-Id")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFromContext(r.Context())
		w.WriteHeader(http.StatusAccepted)
	}))

	req := httptest.NewRequest(http.MethodPost, "/mcp", nil)
	req.Header.Set("X-Correlation-ID", "corr-1")
	req.Header.Set("Mcp-Session-Id", "s-7")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, "corr-1", seen)
	assert.Equal(t, "corr-1", rec.Header().Get("X-Request-ID"))

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, float64(http.StatusAccepted), lines[0]["status"])
	assert.Equal(t, "s-7", lines[0]["session_id"])
}
