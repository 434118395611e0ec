package server

import (
	"context"

	"github.com/ajitpratap0/mcp-bridge/pkg/logging"
	"github.com/ajitpratap0/mcp-bridge/pkg/pagination"
	"github.com/ajitpratap0/mcp-bridge/pkg/protocol"
	"github.com/ajitpratap0/mcp-bridge/pkg/transport"
)

// Server is a protocol engine. It holds what every session shares (identity
// and tools) and hands each connected transport its own Session.
type Server struct {
	name         string
	version      string
	instructions string
	tools        *Tools
	pageSize     int
	logger       logging.Logger
}

var _ transport.Engine = (*Server)(nil)

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithName sets the server name reported during initialization.
func WithName(name string) ServerOption {
	return func(s *Server) {
		s.name = name
	}
}

// WithVersion sets the server version reported during initialization.
func WithVersion(version string) ServerOption {
	return func(s *Server) {
		s.version = version
	}
}

// WithInstructions sets the usage hint returned to clients.
func WithInstructions(instructions string) ServerOption {
	return func(s *Server) {
		s.instructions = instructions
	}
}

// WithTools replaces the tool set. The default carries the built-in tools.
func WithTools(tools *Tools) ServerOption {
	return func(s *Server) {
		if tools != nil {
			s.tools = tools
		}
	}
}

// WithPageSize sets how many tools one tools/list page carries.
func WithPageSize(n int) ServerOption {
	return func(s *Server) {
		s.pageSize = pagination.ClampLimit(n)
	}
}

// WithLogger sets the logger.
func WithLogger(logger logging.Logger) ServerOption {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// New creates a server with the built-in tools.
func New(options ...ServerOption) *Server {
	s := &Server{
		name:     "mcp-bridge",
		version:  "1.0.0",
		tools:    BuiltinTools(),
		pageSize: pagination.DefaultLimit,
		logger:   logging.NewNop(),
	}
	for _, option := range options {
		option(s)
	}
	return s
}

// Connect implements transport.Engine.
func (s *Server) Connect(_ context.Context, conn transport.Conn) (transport.Handler, error) {
	return newSession(s, conn), nil
}

// Tools returns the server's tool set.
func (s *Server) Tools() *Tools {
	return s.tools
}

func (s *Server) capabilities() protocol.ServerCapabilities {
	caps := protocol.ServerCapabilities{Logging: &struct{}{}}
	if s.tools.Len() > 0 {
		caps.Tools = &protocol.ToolsCapability{}
	}
	return caps
}

// negotiateVersion answers with the client's revision when supported and
// with the newest supported revision otherwise.
func negotiateVersion(requested string) string {
	if protocol.IsSupportedVersion(requested) {
		return requested
	}
	return protocol.LatestProtocolVersion
}
