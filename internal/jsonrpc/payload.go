// Package jsonrpc holds the JSON-RPC 2.0 envelope and the relay method params.
package jsonrpc

import (
	"bytes"
	"encoding/json"
	stderrors "errors"
	"math/rand/v2"
	"time"
)

// Version is the only protocol version the relay speaks.
const Version = "2.0"

// Standard JSON-RPC error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
	CodeServerError    = -32000
)

var (
	// ErrInvalidJSON is returned by Parse when the frame is not JSON at all.
	ErrInvalidJSON = stderrors.New("socket message is not valid JSON")
	// ErrUnsupported is returned by Parse when the frame is JSON but not a JSON-RPC payload.
	ErrUnsupported = stderrors.New("socket message is not a JSON-RPC payload")
)

// Error is the JSON-RPC error object.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    string `json:"data,omitempty"`
}

// Payload is any inbound JSON-RPC message: a request when Method is set,
// otherwise a response to one of our pushes.
type Payload struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// IsRequest reports whether p carries a method.
func (p *Payload) IsRequest() bool { return p.Method != "" }

// Parse decodes a frame into a Payload.
func Parse(data []byte) (*Payload, error) {
	if !json.Valid(data) {
		return nil, ErrInvalidJSON
	}
	// a bare JSON string decodes to text, not to a message
	if trimmed := bytes.TrimSpace(data); len(trimmed) > 0 && trimmed[0] == '"' {
		return nil, ErrInvalidJSON
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		// valid JSON that is not an object
		return nil, ErrUnsupported
	}
	if _, ok := fields["id"]; !ok {
		return nil, ErrUnsupported
	}

	var p Payload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, ErrUnsupported
	}
	if p.JSONRPC != Version {
		return nil, ErrUnsupported
	}

	_, hasMethod := fields["method"]
	_, hasResult := fields["result"]
	_, hasError := fields["error"]
	switch {
	case hasMethod && p.Method != "":
		return &p, nil
	case !hasMethod && (hasResult || hasError):
		return &p, nil
	default:
		return nil, ErrUnsupported
	}
}

// Response answers a request, echoing its id.
type Response struct {
	ID      json.RawMessage `json:"id"`
	JSONRPC string          `json:"jsonrpc"`
	Result  interface{}     `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// NewResult builds a success response.
func NewResult(id json.RawMessage, result interface{}) *Response {
	return &Response{ID: normalizeID(id), JSONRPC: Version, Result: result}
}

// NewError builds an error response.
func NewError(id json.RawMessage, code int, message string) *Response {
	return &Response{ID: normalizeID(id), JSONRPC: Version, Error: &Error{Code: code, Message: message}}
}

func normalizeID(id json.RawMessage) json.RawMessage {
	if len(bytes.TrimSpace(id)) == 0 {
		return json.RawMessage("null")
	}
	return id
}

// Request is a server initiated call, used for subscription pushes.
type Request struct {
	ID      int64       `json:"id"`
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
}

// NewRequest stamps a fresh payload id on a server initiated call.
func NewRequest(method string, params interface{}) *Request {
	return &Request{ID: PayloadID(), JSONRPC: Version, Method: method, Params: params}
}

// PayloadID returns a millisecond timestamp with three random trailing digits.
func PayloadID() int64 {
	return time.Now().UnixMilli()*1000 + rand.Int64N(1000)
}
