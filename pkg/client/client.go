package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	mcperrors "github.com/ajitpratap0/mcp-bridge/pkg/errors"
	"github.com/ajitpratap0/mcp-bridge/pkg/logging"
	"github.com/ajitpratap0/mcp-bridge/pkg/pagination"
	"github.com/ajitpratap0/mcp-bridge/pkg/protocol"
)

const (
	// DefaultSessionHeader carries the session identifier.
	DefaultSessionHeader = "Mcp-Session-Id"

	// DefaultReconnectDelay is used until the server sends a retry hint.
	DefaultReconnectDelay = time.Second

	// DefaultMaxReconnects bounds consecutive reconnects that deliver nothing.
	DefaultMaxReconnects = 5

	maxErrorBody = 64 << 10
)

// ErrNotInitialized is returned by calls made before Initialize or after
// Close.
var ErrNotInitialized = errors.New("client: session not initialized")

// NotificationHandler receives server notifications from the event stream.
type NotificationHandler func(ctx context.Context, n *protocol.Notification)

// RequestHandler answers a server-initiated request. A returned error is
// sent back as an internal error response.
type RequestHandler func(ctx context.Context, req *protocol.Request) (interface{}, error)

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the HTTP client. It must not time out whole requests,
// since event streams stay open.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithName sets the client name sent during initialization.
func WithName(name string) Option {
	return func(c *Client) {
		c.info.Name = name
	}
}

// WithVersion sets the client version sent during initialization.
func WithVersion(version string) Option {
	return func(c *Client) {
		c.info.Version = version
	}
}

// WithProtocolVersion sets the requested protocol revision.
func WithProtocolVersion(version string) Option {
	return func(c *Client) {
		c.protocolVersion = version
	}
}

// WithSessionHeader overrides the session header name.
func WithSessionHeader(name string) Option {
	return func(c *Client) {
		if name != "" {
			c.sessionHeader = name
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger logging.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithNotificationHandler sets the handler for stream notifications.
func WithNotificationHandler(h NotificationHandler) Option {
	return func(c *Client) {
		c.onNotification = h
	}
}

// WithRequestHandler answers server requests for method.
func WithRequestHandler(method string, h RequestHandler) Option {
	return func(c *Client) {
		c.handlers[method] = h
	}
}

// WithRoots advertises the roots capability and answers roots/list with
// roots.
func WithRoots(roots ...protocol.Root) Option {
	list := append([]protocol.Root(nil), roots...)
	return func(c *Client) {
		c.capabilities["roots"] = json.RawMessage(`{}`)
		c.handlers[protocol.MethodListRoots] = func(context.Context, *protocol.Request) (interface{}, error) {
			return &protocol.ListRootsResult{Roots: list}, nil
		}
	}
}

// WithReconnect sets the delay between stream reconnects and how many
// consecutive fruitless reconnects Listen tolerates. A max of zero retries
// forever.
func WithReconnect(delay time.Duration, maxAttempts int) Option {
	return func(c *Client) {
		if delay > 0 {
			c.reconnectDelay = delay
		}
		if maxAttempts >= 0 {
			c.maxReconnects = maxAttempts
		}
	}
}

// Client is one MCP session over Streamable HTTP.
type Client struct {
	endpoint        string
	sessionHeader   string
	http            *http.Client
	info            protocol.Implementation
	protocolVersion string
	capabilities    map[string]json.RawMessage
	logger          logging.Logger
	onNotification  NotificationHandler
	handlers        map[string]RequestHandler
	reconnectDelay  time.Duration
	maxReconnects   int

	nextID      atomic.Int64
	lastEventID atomic.Uint64
	retryHint   atomic.Int64
	closed      atomic.Bool

	mu         sync.RWMutex
	sessionID  string
	initResult *protocol.InitializeResult
}

// New creates a client for the endpoint URL.
func New(endpoint string, opts ...Option) *Client {
	c := &Client{
		endpoint:        endpoint,
		sessionHeader:   DefaultSessionHeader,
		http:            &http.Client{},
		info:            protocol.Implementation{Name: "mcp-bridge-client", Version: "1.0.0"},
		protocolVersion: protocol.LatestProtocolVersion,
		capabilities:    make(map[string]json.RawMessage),
		logger:          logging.NewNop(),
		handlers:        make(map[string]RequestHandler),
		reconnectDelay:  DefaultReconnectDelay,
		maxReconnects:   DefaultMaxReconnects,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SessionID returns the current session identifier, or "" before
// Initialize and after Close.
func (c *Client) SessionID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessionID
}

// ServerInfo returns the initialize result, or nil before Initialize.
func (c *Client) ServerInfo() *protocol.InitializeResult {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.initResult
}

// LastEventID returns the sequence number of the last event received.
func (c *Client) LastEventID() uint64 {
	return c.lastEventID.Load()
}

// Initialize opens a session and confirms it with notifications/initialized.
func (c *Client) Initialize(ctx context.Context) (*protocol.InitializeResult, error) {
	if c.SessionID() != "" {
		return nil, errors.New("client: already initialized")
	}

	req, err := protocol.NewRequest(c.nextID.Add(1), protocol.MethodInitialize, &protocol.InitializeParams{
		ProtocolVersion: c.protocolVersion,
		Capabilities:    c.capabilities,
		ClientInfo:      c.info,
	})
	if err != nil {
		return nil, err
	}

	resp, sid, err := c.post(ctx, "", req)
	if err != nil {
		return nil, fmt.Errorf("initialize: %w", err)
	}
	if resp == nil {
		return nil, errors.New("initialize: empty response")
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("initialize: %w", mcperrors.FromJSONRPCError(resp.Error))
	}
	if sid == "" {
		return nil, fmt.Errorf("initialize: response carries no %s header", c.sessionHeader)
	}

	var result protocol.InitializeResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("initialize: decode result: %w", err)
	}

	c.mu.Lock()
	c.sessionID = sid
	c.initResult = &result
	c.mu.Unlock()
	c.closed.Store(false)
	c.lastEventID.Store(0)

	c.logger.Info("Session opened",
		logging.String("session_id", sid),
		logging.String("protocol_version", result.ProtocolVersion),
		logging.String("server", result.ServerInfo.Name))

	if err := c.Notify(ctx, protocol.MethodInitialized, nil); err != nil {
		return nil, err
	}
	return &result, nil
}

// Call sends a request and decodes its result into result, which may be
// nil. JSON-RPC errors are returned as pkg/errors values.
func (c *Client) Call(ctx context.Context, method string, params, result interface{}) error {
	_, err := c.call(ctx, c.nextID.Add(1), method, params, result)
	return err
}

func (c *Client) call(ctx context.Context, id int64, method string, params, result interface{}) (*protocol.Response, error) {
	sid := c.SessionID()
	if sid == "" {
		return nil, ErrNotInitialized
	}
	req, err := protocol.NewRequest(id, method, params)
	if err != nil {
		return nil, err
	}

	resp, _, err := c.post(ctx, sid, req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", method, err)
	}
	if resp == nil {
		return nil, fmt.Errorf("%s: empty response", method)
	}
	if protocol.IDKey(resp.ID) != protocol.IDKey(id) {
		return nil, fmt.Errorf("%s: response id %v does not match request id %d", method, resp.ID, id)
	}
	if resp.Error != nil {
		return resp, mcperrors.FromJSONRPCError(resp.Error)
	}
	if result != nil {
		if err := json.Unmarshal(resp.Result, result); err != nil {
			return resp, fmt.Errorf("%s: decode result: %w", method, err)
		}
	}
	return resp, nil
}

// Notify sends a notification.
func (c *Client) Notify(ctx context.Context, method string, params interface{}) error {
	sid := c.SessionID()
	if sid == "" {
		return ErrNotInitialized
	}
	n, err := protocol.NewNotification(method, params)
	if err != nil {
		return err
	}
	if _, _, err := c.post(ctx, sid, n); err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	return nil
}

// Ping checks that the session is alive.
func (c *Client) Ping(ctx context.Context) error {
	return c.Call(ctx, protocol.MethodPing, nil, nil)
}

// ListTools returns every tool, following nextCursor across pages.
func (c *Client) ListTools(ctx context.Context) ([]protocol.Tool, error) {
	var (
		collector pagination.Collector
		tools     []protocol.Tool
	)
	for collector.More() {
		var page protocol.ListToolsResult
		if err := c.Call(ctx, protocol.MethodListTools, &protocol.PaginatedParams{Cursor: collector.Cursor()}, &page); err != nil {
			return nil, err
		}
		tools = append(tools, page.Tools...)
		if err := collector.Update(page.NextCursor); err != nil {
			return nil, fmt.Errorf("tools/list: %w", err)
		}
	}
	return tools, nil
}

// CallTool invokes a tool. Tool failures come back as a result with IsError
// set, not as an error.
func (c *Client) CallTool(ctx context.Context, name string, args interface{}) (*protocol.CallToolResult, error) {
	return c.callTool(ctx, c.nextID.Add(1), name, args, nil)
}

// CallToolWithProgress invokes a tool and asks for progress notifications
// tagged with token. They arrive on the event stream.
func (c *Client) CallToolWithProgress(ctx context.Context, name string, args interface{}, token interface{}) (*protocol.CallToolResult, error) {
	return c.callTool(ctx, c.nextID.Add(1), name, args, &protocol.RequestMeta{ProgressToken: token})
}

func (c *Client) callTool(ctx context.Context, id int64, name string, args interface{}, meta *protocol.RequestMeta) (*protocol.CallToolResult, error) {
	params := &protocol.CallToolParams{Name: name, Meta: meta}
	if args != nil {
		raw, err := json.Marshal(args)
		if err != nil {
			return nil, fmt.Errorf("marshal arguments: %w", err)
		}
		params.Arguments = raw
	}

	var result protocol.CallToolResult
	if _, err := c.call(ctx, id, protocol.MethodCallTool, params, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Go runs a tool call in the background and returns its request id, which
// Cancel accepts. The outcome is delivered on the returned channel.
func (c *Client) Go(ctx context.Context, name string, args interface{}) (int64, <-chan ToolOutcome) {
	id := c.nextID.Add(1)
	out := make(chan ToolOutcome, 1)
	go func() {
		result, err := c.callTool(ctx, id, name, args, nil)
		out <- ToolOutcome{Result: result, Err: err}
	}()
	return id, out
}

// ToolOutcome is the result of a background tool call.
type ToolOutcome struct {
	Result *protocol.CallToolResult
	Err    error
}

// Cancel asks the server to abandon the request with the given id.
func (c *Client) Cancel(ctx context.Context, requestID interface{}, reason string) error {
	return c.Notify(ctx, protocol.MethodCancelled, &protocol.CancelledParams{RequestID: requestID, Reason: reason})
}

// SetLogLevel sets the minimum level of log notifications.
func (c *Client) SetLogLevel(ctx context.Context, level protocol.LogLevel) error {
	return c.Call(ctx, protocol.MethodSetLogLevel, &protocol.SetLevelParams{Level: level}, nil)
}

// Close terminates the session. Closing an already expired session is not
// an error; closing twice is a no-op.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	sid := c.sessionID
	c.sessionID = ""
	c.mu.Unlock()
	c.closed.Store(true)
	if sid == "" {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.endpoint, nil)
	if err != nil {
		return err
	}
	req.Header.Set(c.sessionHeader, sid)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		err := decodeErrorResponse(resp)
		if errors.Is(err, mcperrors.ErrUnknownSession) {
			c.logger.Debug("Session already gone", logging.String("session_id", sid))
			return nil
		}
		return fmt.Errorf("delete session: %w", err)
	}
	c.logger.Info("Session closed", logging.String("session_id", sid))
	return nil
}

// post sends one JSON-RPC message and returns the response it carries, if
// any, and the session header of the reply.
func (c *Client) post(ctx context.Context, sid string, msg interface{}) (*protocol.Response, string, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, "", fmt.Errorf("marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	if sid != "" {
		req.Header.Set(c.sessionHeader, sid)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	replySID := resp.Header.Get(c.sessionHeader)
	switch {
	case resp.StatusCode == http.StatusAccepted:
		return nil, replySID, nil
	case resp.StatusCode >= 300:
		return nil, replySID, decodeErrorResponse(resp)
	}

	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if mediaType == "text/event-stream" {
		r, err := firstResponse(resp.Body)
		return r, replySID, err
	}

	var r protocol.Response
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		return nil, replySID, fmt.Errorf("decode response: %w", err)
	}
	return &r, replySID, nil
}

// decodeErrorResponse turns an error envelope into a pkg/errors value.
func decodeErrorResponse(resp *http.Response) error {
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil {
		return fmt.Errorf("http %d: %w", resp.StatusCode, err)
	}
	var env protocol.Response
	if json.Unmarshal(raw, &env) == nil && env.Error != nil {
		return mcperrors.FromJSONRPCError(env.Error)
	}
	return fmt.Errorf("http %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
}

// firstResponse reads a one-shot SSE reply and returns the first response
// in it.
func firstResponse(body io.Reader) (*protocol.Response, error) {
	var found *protocol.Response
	err := readFrames(body, func(f frame) error {
		if f.data == "" {
			return nil
		}
		msgs, _, err := protocol.Decode([]byte(f.data))
		if err != nil {
			return err
		}
		for _, m := range msgs {
			if m.Kind == protocol.KindResponse {
				found = m.Response
				return errStopReading
			}
		}
		return nil
	})
	if err != nil && !errors.Is(err, errStopReading) {
		return nil, err
	}
	return found, nil
}
