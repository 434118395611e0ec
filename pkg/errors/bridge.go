package errors

import (
	"fmt"
	"net/http"
	"time"
)

// Kind names one entry of the bridge error taxonomy. A Kind is itself an
// error so it can be used as an errors.Is target.
type Kind string

func (k Kind) Error() string { return string(k) }

const (
	KindDecode           Kind = "DecodeError"
	KindInvalidRequest   Kind = "InvalidRequestError"
	KindUnknownSession   Kind = "UnknownSessionError"
	KindConflict         Kind = "ConflictError"
	KindEngine           Kind = "EngineError"
	KindTransportClosed  Kind = "TransportClosedError"
	KindOriginForbidden  Kind = "OriginForbiddenError"
	KindMethodNotAllowed Kind = "MethodNotAllowedError"
	KindNotAcceptable    Kind = "NotAcceptableError"
	KindTimeout          Kind = "TimeoutError"
)

// Sentinels for errors.Is.
var (
	ErrDecode          error = KindDecode
	ErrInvalidRequest  error = KindInvalidRequest
	ErrUnknownSession  error = KindUnknownSession
	ErrConflict        error = KindConflict
	ErrEngine          error = KindEngine
	ErrTransportClosed error = KindTransportClosed
	ErrTimeout         error = KindTimeout
)

// ErrorData is the structured payload placed in the "data" member of error
// envelopes.
type ErrorData struct {
	Kind      Kind   `json:"kind"`
	SessionID string `json:"sessionId,omitempty"`
	Fatal     bool   `json:"fatal,omitempty"`
}

func newKindError(kind Kind, code int, message string, cause error, sessionID string) *baseError {
	return &baseError{
		code:     code,
		message:  message,
		kind:     kind,
		category: GetErrorCodeCategory(code),
		severity: GetErrorCodeSeverity(code),
		cause:    cause,
		data:     &ErrorData{Kind: kind, SessionID: sessionID},
		context:  &Context{Timestamp: time.Now(), SessionID: sessionID},
	}
}

// Decode reports a malformed or unparseable payload. The session, if any,
// stays open.
func Decode(cause error) MCPError {
	code := CodeInvalidRequest
	if cause != nil && isParseFailure(cause) {
		code = CodeParseError
	}
	return newKindError(KindDecode, code, "Bad Request: malformed JSON-RPC payload", cause, "")
}

// InvalidRequest reports a well-formed message that is not acceptable in the
// current state, such as a request before the session handshake.
func InvalidRequest(sessionID, reason string) MCPError {
	return newKindError(KindInvalidRequest, CodeInvalidRequest, "Bad Request: "+reason, nil, sessionID)
}

// UnknownSession reports a missing or unrecognised session identifier. A
// missing identifier maps to 400, an unknown one to 404.
func UnknownSession(sessionID string) MCPError {
	if sessionID == "" {
		e := newKindError(KindUnknownSession, CodeUnknownSession, "Bad Request: missing session identifier", nil, "")
		e.httpStatus = http.StatusBadRequest
		return e
	}
	return newKindError(KindUnknownSession, CodeUnknownSession,
		fmt.Sprintf("Session not found: %s", sessionID), nil, sessionID)
}

// Conflict reports an attempt to bind an identifier that is already bound.
func Conflict(sessionID string) MCPError {
	return newKindError(KindConflict, CodeSessionConflict,
		fmt.Sprintf("Session identifier already bound: %s", sessionID), nil, sessionID)
}

// Engine wraps a failure raised by the protocol engine. Fatal engine errors
// close the session they occurred in.
func Engine(sessionID string, cause error, fatal bool) MCPError {
	e := newKindError(KindEngine, CodeInternalError, engineMessage(cause), cause, sessionID)
	e.fatal = fatal
	e.data = &ErrorData{Kind: KindEngine, SessionID: sessionID, Fatal: fatal}
	return e
}

// engineMessage carries the engine's own error text into the envelope. A
// bare Fatal mark is looked through so the text is not repeated.
func engineMessage(cause error) string {
	if cause == nil {
		return "Internal server error"
	}
	if be, ok := cause.(*baseError); ok && be.kind == "" && be.cause != nil {
		cause = be.cause
	}
	return "Internal server error: " + cause.Error()
}

// Fatal marks err so that the transport closes its session when the engine
// returns it. Errors without the mark are reported to the caller only.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	if mcpErr, ok := AsMCPError(err); ok {
		if be, ok := mcpErr.(*baseError); ok {
			newErr := *be
			newErr.fatal = true
			return &newErr
		}
	}
	return &baseError{
		code:     CodeInternalError,
		message:  "Internal server error",
		category: CategoryEngine,
		severity: SeverityCritical,
		fatal:    true,
		cause:    err,
		context:  &Context{Timestamp: time.Now()},
	}
}

// TransportClosed reports an operation on a closed transport.
func TransportClosed(sessionID string) MCPError {
	return newKindError(KindTransportClosed, CodeTransportClosed,
		fmt.Sprintf("Session closed: %s", sessionID), nil, sessionID)
}

// OriginForbidden reports a rejected Origin header.
func OriginForbidden(origin string) MCPError {
	return newKindError(KindOriginForbidden, CodeOriginForbidden,
		fmt.Sprintf("Forbidden: origin %q not allowed", origin), nil, "")
}

// MethodNotAllowed reports an HTTP method the endpoint does not serve.
func MethodNotAllowed(method string) MCPError {
	return newKindError(KindMethodNotAllowed, CodeMethodNotAllowed,
		fmt.Sprintf("Method not allowed: %s", method), nil, "")
}

// NotAcceptable reports an Accept header that excludes the offered media type.
func NotAcceptable(want string) MCPError {
	return newKindError(KindNotAcceptable, CodeNotAcceptable,
		fmt.Sprintf("Not Acceptable: client must accept %s", want), nil, "")
}

// PayloadTooLarge reports a body over the configured limit.
func PayloadTooLarge(limit int64) MCPError {
	return newKindError(KindDecode, CodePayloadTooLarge,
		fmt.Sprintf("Request body exceeds %d bytes", limit), nil, "")
}

// Timeout reports a server-initiated request that got no answer in time.
func Timeout(sessionID, method string, cause error) MCPError {
	return newKindError(KindTimeout, CodeRequestTimeout,
		fmt.Sprintf("Request %s timed out", method), cause, sessionID)
}

// KindOf returns the taxonomy kind of err, or the empty Kind when err is not
// a bridge error.
func KindOf(err error) Kind {
	if mcpErr, ok := AsMCPError(err); ok {
		return mcpErr.Kind()
	}
	return ""
}
