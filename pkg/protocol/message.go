package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrParse is returned when a payload is not valid JSON.
	ErrParse = errors.New("parse error")

	// ErrInvalidMessage is returned when a payload is valid JSON but not a
	// JSON-RPC 2.0 request, notification or response.
	ErrInvalidMessage = errors.New("invalid JSON-RPC message")
)

// Kind classifies a decoded JSON-RPC message.
type Kind int

const (
	KindRequest Kind = iota + 1
	KindNotification
	KindResponse
)

func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindNotification:
		return "notification"
	case KindResponse:
		return "response"
	default:
		return "unknown"
	}
}

// Message is a single decoded JSON-RPC message. Exactly one of Request,
// Notification and Response is set, matching Kind.
type Message struct {
	Kind         Kind
	Request      *Request
	Notification *Notification
	Response     *Response
}

// Method returns the method name for requests and notifications.
func (m *Message) Method() string {
	switch m.Kind {
	case KindRequest:
		return m.Request.Method
	case KindNotification:
		return m.Notification.Method
	}
	return ""
}

// envelope is the union of every field a JSON-RPC message may carry.
type envelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
	Result  json.RawMessage `json:"result"`
	Error   *Error          `json:"error"`
}

// Decode parses a request body into one or more messages. The second return
// value reports whether the body was a batch.
func Decode(data []byte) ([]*Message, bool, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, false, fmt.Errorf("%w: empty body", ErrParse)
	}

	if data[0] != '[' {
		msg, err := decodeOne(data)
		if err != nil {
			return nil, false, err
		}
		return []*Message{msg}, false, nil
	}

	var raws []json.RawMessage
	if err := json.Unmarshal(data, &raws); err != nil {
		return nil, true, fmt.Errorf("%w: %v", ErrParse, err)
	}
	if len(raws) == 0 {
		return nil, true, fmt.Errorf("%w: empty batch", ErrInvalidMessage)
	}

	msgs := make([]*Message, 0, len(raws))
	for i, raw := range raws {
		msg, err := decodeOne(raw)
		if err != nil {
			return nil, true, fmt.Errorf("batch element %d: %w", i, err)
		}
		msgs = append(msgs, msg)
	}
	return msgs, true, nil
}

func decodeOne(data []byte) (*Message, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}
	if env.JSONRPC != JSONRPCVersion {
		return nil, fmt.Errorf("%w: jsonrpc version must be %q", ErrInvalidMessage, JSONRPCVersion)
	}

	hasID := len(env.ID) > 0 && !bytes.Equal(env.ID, []byte("null"))
	var id interface{}
	if hasID {
		if err := json.Unmarshal(env.ID, &id); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
		}
		switch id.(type) {
		case string, float64:
		default:
			return nil, fmt.Errorf("%w: id must be a string or number", ErrInvalidMessage)
		}
	}

	switch {
	case env.Method != "" && hasID:
		return &Message{Kind: KindRequest, Request: &Request{
			JSONRPCMessage: JSONRPCMessage{JSONRPC: env.JSONRPC},
			ID:             id,
			Method:         env.Method,
			Params:         env.Params,
		}}, nil
	case env.Method != "":
		return &Message{Kind: KindNotification, Notification: &Notification{
			JSONRPCMessage: JSONRPCMessage{JSONRPC: env.JSONRPC},
			Method:         env.Method,
			Params:         env.Params,
		}}, nil
	case hasID && (env.Result != nil || env.Error != nil):
		return &Message{Kind: KindResponse, Response: &Response{
			JSONRPCMessage: JSONRPCMessage{JSONRPC: env.JSONRPC},
			ID:             id,
			Result:         env.Result,
			Error:          env.Error,
		}}, nil
	default:
		return nil, fmt.Errorf("%w: neither request, notification nor response", ErrInvalidMessage)
	}
}

// IsInitializeRequest reports whether data is a single (non-batch)
// initialize request. It is used to classify calls that arrive without a
// session identifier.
func IsInitializeRequest(data []byte) bool {
	msgs, batch, err := Decode(data)
	if err != nil || batch {
		return false
	}
	return msgs[0].Kind == KindRequest && msgs[0].Request.Method == MethodInitialize
}

// PeekID recovers the correlation id of a single request from a raw body,
// returning nil when the body is a batch, malformed or carries no id.
func PeekID(data []byte) interface{} {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || data[0] != '{' {
		return nil
	}
	var probe struct {
		ID interface{} `json:"id"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil
	}
	switch probe.ID.(type) {
	case string, float64:
		return probe.ID
	}
	return nil
}
