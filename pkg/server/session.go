package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/ajitpratap0/mcp-bridge/pkg/logging"
	"github.com/ajitpratap0/mcp-bridge/pkg/pagination"
	"github.com/ajitpratap0/mcp-bridge/pkg/protocol"
	"github.com/ajitpratap0/mcp-bridge/pkg/transport"
)

var errSessionClosed = errors.New("server: session closed")

// Session is the engine side of one client session.
type Session struct {
	srv    *Server
	conn   transport.Conn
	logger logging.Logger

	ctx    context.Context
	cancel context.CancelCauseFunc

	mu              sync.RWMutex
	initialized     bool
	protocolVersion string
	clientInfo      protocol.Implementation
	logLevel        protocol.LogLevel

	// Request tracking for cancellation
	activeRequests     map[string]context.CancelFunc
	activeRequestsLock sync.Mutex
}

func newSession(srv *Server, conn transport.Conn) *Session {
	ctx, cancel := context.WithCancelCause(context.Background())
	return &Session{
		srv:            srv,
		conn:           conn,
		logger:         srv.logger,
		ctx:            ctx,
		cancel:         cancel,
		logLevel:       protocol.LogLevelInfo,
		activeRequests: make(map[string]context.CancelFunc),
	}
}

// ID returns the session identifier.
func (s *Session) ID() string {
	return s.conn.SessionID()
}

// ClientInfo returns the client implementation sent during initialization.
func (s *Session) ClientInfo() protocol.Implementation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.clientInfo
}

// ProtocolVersion returns the negotiated protocol revision.
func (s *Session) ProtocolVersion() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.protocolVersion
}

// Initialized reports whether the client confirmed the handshake.
func (s *Session) Initialized() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.initialized
}

// HandleRequest implements transport.Handler. Protocol-level failures such
// as unknown methods or bad params are answered with error responses; a
// returned error means the engine itself failed.
func (s *Session) HandleRequest(ctx context.Context, req *protocol.Request) (*protocol.Response, error) {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()

	key := protocol.IDKey(req.ID)
	s.trackRequest(key, cancel)
	defer s.completeRequest(key)

	var (
		result interface{}
		err    error
	)
	switch req.Method {
	case protocol.MethodInitialize:
		result, err = s.handleInitialize(req.Params)
	case protocol.MethodPing:
		result = struct{}{}
	case protocol.MethodListTools:
		result, err = s.handleListTools(req.Params)
	case protocol.MethodCallTool:
		result, err = s.handleCallTool(ctx, req.Params)
	case protocol.MethodSetLogLevel:
		result, err = s.handleSetLogLevel(req.Params)
	default:
		return protocol.NewErrorResponse(req.ID, protocol.MethodNotFound, "Method not found: "+req.Method, nil)
	}

	var pe *paramsError
	if errors.As(err, &pe) {
		return protocol.NewErrorResponse(req.ID, protocol.InvalidParams, pe.Error(), nil)
	}
	if err != nil {
		return nil, err
	}
	return protocol.NewResponse(req.ID, result)
}

// HandleNotification implements transport.Handler.
func (s *Session) HandleNotification(_ context.Context, n *protocol.Notification) error {
	switch n.Method {
	case protocol.MethodInitialized:
		s.mu.Lock()
		s.initialized = true
		s.mu.Unlock()
		s.logger.Info("Client confirmed initialization", logging.String("session_id", s.ID()))
	case protocol.MethodCancelled:
		var params protocol.CancelledParams
		if err := json.Unmarshal(n.Params, &params); err != nil {
			s.logger.Warn("Malformed cancellation", logging.String("session_id", s.ID()), logging.ErrorField(err))
			return nil
		}
		s.cancelRequest(protocol.IDKey(params.RequestID), params.Reason)
	default:
		s.logger.Debug("Ignoring notification", logging.String("method", n.Method))
	}
	return nil
}

// Close implements transport.Handler. It cancels every in-flight request.
func (s *Session) Close() error {
	s.cancel(errSessionClosed)
	return nil
}

func (s *Session) handleListTools(raw json.RawMessage) (interface{}, error) {
	var params protocol.PaginatedParams
	if len(raw) > 0 {
		if err := parseParams(raw, &params); err != nil {
			return nil, err
		}
	}
	tools, next, err := pagination.Page(s.srv.tools.List(), params.Cursor, s.srv.pageSize)
	if err != nil {
		return nil, &paramsError{msg: err.Error()}
	}
	return &protocol.ListToolsResult{Tools: tools, NextCursor: next}, nil
}

func (s *Session) handleInitialize(raw json.RawMessage) (interface{}, error) {
	var params protocol.InitializeParams
	if err := parseParams(raw, &params); err != nil {
		return nil, err
	}
	if params.ProtocolVersion == "" {
		return nil, &paramsError{msg: "protocolVersion is required"}
	}

	version := negotiateVersion(params.ProtocolVersion)
	s.mu.Lock()
	s.protocolVersion = version
	s.clientInfo = params.ClientInfo
	s.mu.Unlock()

	s.logger.Info("Initializing session",
		logging.String("session_id", s.ID()),
		logging.String("client", params.ClientInfo.Name),
		logging.String("client_version", params.ClientInfo.Version),
		logging.String("protocol_version", version))

	return &protocol.InitializeResult{
		ProtocolVersion: version,
		Capabilities:    s.srv.capabilities(),
		ServerInfo:      protocol.Implementation{Name: s.srv.name, Version: s.srv.version},
		Instructions:    s.srv.instructions,
	}, nil
}

func (s *Session) handleCallTool(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var params protocol.CallToolParams
	if err := parseParams(raw, &params); err != nil {
		return nil, err
	}

	call := &ToolCall{Session: s, Name: params.Name, Arguments: params.Arguments}
	if params.Meta != nil {
		call.ProgressToken = params.Meta.ProgressToken
	}

	result, err := s.srv.tools.Call(ctx, call)
	switch {
	case errors.Is(err, ErrUnknownTool):
		return nil, &paramsError{msg: err.Error()}
	case err != nil && ctx.Err() != nil:
		return errorResult("Tool call was cancelled"), nil
	case err != nil:
		// Tool failures are reported to the model, not as protocol errors.
		return errorResult(err.Error()), nil
	}
	return result, nil
}

func (s *Session) handleSetLogLevel(raw json.RawMessage) (interface{}, error) {
	var params protocol.SetLevelParams
	if err := parseParams(raw, &params); err != nil {
		return nil, err
	}
	if levelRank(params.Level) < 0 {
		return nil, &paramsError{msg: fmt.Sprintf("unknown log level %q", params.Level)}
	}

	s.mu.Lock()
	s.logLevel = params.Level
	s.mu.Unlock()
	s.logger.Debug("Client log level set", logging.String("session_id", s.ID()), logging.String("level", string(params.Level)))
	return struct{}{}, nil
}

// Log sends a notifications/message event unless level is below the level
// the client asked for.
func (s *Session) Log(ctx context.Context, level protocol.LogLevel, data interface{}) error {
	s.mu.RLock()
	threshold := s.logLevel
	s.mu.RUnlock()
	if levelRank(level) < levelRank(threshold) {
		return nil
	}
	return s.conn.Notify(ctx, protocol.MethodLogMessage, protocol.LoggingMessageParams{
		Level:  level,
		Logger: s.srv.name,
		Data:   data,
	})
}

// Progress sends a notifications/progress event. Calls without a progress
// token are dropped.
func (s *Session) Progress(ctx context.Context, token interface{}, progress, total float64, message string) error {
	if token == nil {
		return nil
	}
	return s.conn.Notify(ctx, protocol.MethodProgress, protocol.ProgressParams{
		ProgressToken: token,
		Progress:      progress,
		Total:         total,
		Message:       message,
	})
}

// Roots asks the client for its roots and waits for the answer.
func (s *Session) Roots(ctx context.Context) ([]protocol.Root, error) {
	resp, err := s.conn.Request(ctx, protocol.MethodListRoots, nil)
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("client rejected %s: %w", protocol.MethodListRoots, resp.Error)
	}
	var result protocol.ListRootsResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("decode %s result: %w", protocol.MethodListRoots, err)
	}
	return result.Roots, nil
}

// trackRequest adds a request to the active requests map with a cancellation function
func (s *Session) trackRequest(requestID string, cancelFunc context.CancelFunc) {
	s.activeRequestsLock.Lock()
	defer s.activeRequestsLock.Unlock()
	s.activeRequests[requestID] = cancelFunc
}

// completeRequest removes a request from the active requests map
func (s *Session) completeRequest(requestID string) {
	s.activeRequestsLock.Lock()
	defer s.activeRequestsLock.Unlock()
	if cancel, ok := s.activeRequests[requestID]; ok {
		delete(s.activeRequests, requestID)
		cancel()
	}
}

// cancelRequest cancels a specific request by ID
func (s *Session) cancelRequest(requestID, reason string) bool {
	s.activeRequestsLock.Lock()
	cancel, ok := s.activeRequests[requestID]
	delete(s.activeRequests, requestID)
	s.activeRequestsLock.Unlock()

	if !ok {
		s.logger.Debug("Request ID not found for cancellation", logging.String("request_id", requestID))
		return false
	}
	cancel()
	s.logger.Info("Cancelled request",
		logging.String("session_id", s.ID()),
		logging.String("request_id", requestID),
		logging.String("reason", reason))
	return true
}

func (s *Session) activeRequestCount() int {
	s.activeRequestsLock.Lock()
	defer s.activeRequestsLock.Unlock()
	return len(s.activeRequests)
}

// paramsError is answered with an InvalidParams response.
type paramsError struct {
	msg string
}

func (e *paramsError) Error() string { return e.msg }

func parseParams(raw json.RawMessage, target interface{}) error {
	if len(raw) == 0 {
		return &paramsError{msg: "missing params"}
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return &paramsError{msg: "invalid params: " + err.Error()}
	}
	return nil
}

func levelRank(level protocol.LogLevel) int {
	switch level {
	case protocol.LogLevelDebug:
		return 0
	case protocol.LogLevelInfo:
		return 1
	case protocol.LogLevelWarning:
		return 2
	case protocol.LogLevelError:
		return 3
	}
	return -1
}
