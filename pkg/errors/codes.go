package errors

import "net/http"

// JSON-RPC 2.0 Standard Error Codes
const (
	// ParseError indicates invalid JSON was received by the server
	CodeParseError int = -32700

	// InvalidRequest indicates the JSON sent is not a valid Request object
	CodeInvalidRequest int = -32600

	// MethodNotFound indicates the method does not exist / is not available
	CodeMethodNotFound int = -32601

	// InvalidParams indicates invalid method parameter(s)
	CodeInvalidParams int = -32602

	// InternalError indicates internal JSON-RPC error
	CodeInternalError int = -32603
)

// Bridge error codes, allocated from the implementation-defined server range.
const (
	CodeServerError      int = -32000 // Generic server error
	CodeUnknownSession   int = -32001 // Session identifier missing or unknown
	CodeSessionConflict  int = -32002 // Session identifier already bound
	CodeTransportClosed  int = -32003 // Session transport already closed
	CodeOriginForbidden  int = -32004 // Origin header rejected
	CodeMethodNotAllowed int = -32005 // HTTP method not supported on the endpoint
	CodeNotAcceptable    int = -32006 // Accept header excludes every offered media type
	CodePayloadTooLarge  int = -32007 // Request body exceeds the configured limit
	CodeRequestTimeout   int = -32008 // Server-initiated request timed out
)

// ErrorCodeInfo provides human-readable information about error codes
type ErrorCodeInfo struct {
	Code        int
	Name        string
	Description string
	Category    Category
	Severity    Severity
	HTTPStatus  int
}

// errorCodeRegistry maps error codes to their information
var errorCodeRegistry = map[int]ErrorCodeInfo{
	// JSON-RPC Standard Errors
	CodeParseError:     {CodeParseError, "ParseError", "Invalid JSON was received", CategoryProtocol, SeverityError, http.StatusBadRequest},
	CodeInvalidRequest: {CodeInvalidRequest, "InvalidRequest", "Invalid Request object", CategoryProtocol, SeverityError, http.StatusBadRequest},
	CodeMethodNotFound: {CodeMethodNotFound, "MethodNotFound", "Method does not exist", CategoryProtocol, SeverityError, http.StatusOK},
	CodeInvalidParams:  {CodeInvalidParams, "InvalidParams", "Invalid method parameters", CategoryValidation, SeverityError, http.StatusOK},
	CodeInternalError:  {CodeInternalError, "InternalError", "Internal JSON-RPC error", CategoryInternal, SeverityError, http.StatusInternalServerError},

	// Bridge Errors
	CodeServerError:      {CodeServerError, "ServerError", "Server error", CategoryInternal, SeverityError, http.StatusInternalServerError},
	CodeUnknownSession:   {CodeUnknownSession, "UnknownSession", "Session not found", CategorySession, SeverityWarning, http.StatusNotFound},
	CodeSessionConflict:  {CodeSessionConflict, "SessionConflict", "Session identifier already bound", CategorySession, SeverityCritical, http.StatusInternalServerError},
	CodeTransportClosed:  {CodeTransportClosed, "TransportClosed", "Session transport closed", CategorySession, SeverityWarning, http.StatusNotFound},
	CodeOriginForbidden:  {CodeOriginForbidden, "OriginForbidden", "Origin not allowed", CategoryAuth, SeverityWarning, http.StatusForbidden},
	CodeMethodNotAllowed: {CodeMethodNotAllowed, "MethodNotAllowed", "HTTP method not allowed", CategoryProtocol, SeverityInfo, http.StatusMethodNotAllowed},
	CodeNotAcceptable:    {CodeNotAcceptable, "NotAcceptable", "Not acceptable", CategoryProtocol, SeverityInfo, http.StatusNotAcceptable},
	CodePayloadTooLarge:  {CodePayloadTooLarge, "PayloadTooLarge", "Request body too large", CategoryValidation, SeverityWarning, http.StatusRequestEntityTooLarge},
	CodeRequestTimeout:   {CodeRequestTimeout, "RequestTimeout", "Request timed out", CategoryTimeout, SeverityError, http.StatusGatewayTimeout},
}

// GetErrorCodeInfo returns information about an error code
func GetErrorCodeInfo(code int) (ErrorCodeInfo, bool) {
	info, exists := errorCodeRegistry[code]
	return info, exists
}

// GetErrorCodeName returns the name of an error code
func GetErrorCodeName(code int) string {
	if info, exists := errorCodeRegistry[code]; exists {
		return info.Name
	}
	return "UnknownError"
}

// GetErrorCodeCategory returns the category of an error code
func GetErrorCodeCategory(code int) Category {
	if info, exists := errorCodeRegistry[code]; exists {
		return info.Category
	}
	return CategoryInternal
}

// GetErrorCodeSeverity returns the severity of an error code
func GetErrorCodeSeverity(code int) Severity {
	if info, exists := errorCodeRegistry[code]; exists {
		return info.Severity
	}
	return SeverityError
}

// GetErrorCodeHTTPStatus returns the HTTP status used when an error with the
// given code ends an HTTP exchange.
func GetErrorCodeHTTPStatus(code int) int {
	if info, exists := errorCodeRegistry[code]; exists {
		return info.HTTPStatus
	}
	return http.StatusInternalServerError
}
