package errors

import (
	stderrors "errors"
	"net/http"

	"github.com/ajitpratap0/mcp-bridge/pkg/protocol"
)

// ToJSONRPCResponse converts any error to a JSON-RPC error response carrying
// requestID as its correlation id. Errors that are not MCPErrors become
// internal errors whose message does not leak the underlying cause.
func ToJSONRPCResponse(err error, requestID interface{}) *protocol.Response {
	return &protocol.Response{
		JSONRPCMessage: protocol.JSONRPCMessage{JSONRPC: protocol.JSONRPCVersion},
		ID:             requestID,
		Error:          ToJSONRPCError(err),
	}
}

// ToJSONRPCError converts any error to a JSON-RPC error object
func ToJSONRPCError(err error) *protocol.Error {
	if err == nil {
		return nil
	}

	if mcpErr, ok := AsMCPError(err); ok {
		return &protocol.Error{
			Code:    protocol.ErrorCode(mcpErr.Code()),
			Message: mcpErr.Message(),
			Data:    mcpErr.Data(),
		}
	}

	return &protocol.Error{
		Code:    protocol.ErrorCode(CodeInternalError),
		Message: "Internal server error",
	}
}

// FromJSONRPCError converts a JSON-RPC error to an MCPError. A taxonomy kind
// carried in data.kind is restored, so errors.Is matches the sentinels on the
// receiving side too.
func FromJSONRPCError(jsonrpcErr *protocol.Error) MCPError {
	if jsonrpcErr == nil {
		return nil
	}

	code := int(jsonrpcErr.Code)
	if kind := kindFromData(jsonrpcErr.Data); kind != "" {
		return &baseError{
			code:     code,
			message:  jsonrpcErr.Message,
			kind:     kind,
			category: GetErrorCodeCategory(code),
			severity: GetErrorCodeSeverity(code),
			data:     jsonrpcErr.Data,
		}
	}

	err := NewError(code, jsonrpcErr.Message, GetErrorCodeCategory(code), GetErrorCodeSeverity(code))
	if jsonrpcErr.Data != nil {
		err = err.WithData(jsonrpcErr.Data)
	}
	return err
}

func kindFromData(data interface{}) Kind {
	switch d := data.(type) {
	case *ErrorData:
		return d.Kind
	case map[string]interface{}:
		if k, ok := d["kind"].(string); ok {
			return Kind(k)
		}
	}
	return ""
}

// HTTPStatus returns the HTTP status for err, defaulting to 500.
func HTTPStatus(err error) int {
	if mcpErr, ok := AsMCPError(err); ok {
		return mcpErr.HTTPStatus()
	}
	return http.StatusInternalServerError
}

func isParseFailure(err error) bool {
	return stderrors.Is(err, protocol.ErrParse)
}
