// ABOUTME: JSON-RPC 2.0 message envelope and error types for the device protocol.
// ABOUTME: Defines the product error codes and constructors for requests and replies.

package rpc

import "encoding/json"

// Version is the JSON-RPC protocol version carried in every message.
const Version = "2.0"

// Product error codes carried in Error.Code.
const (
	CodeInvalidRequest = "INVALID_REQUEST"
	CodeAuthFailed     = "AUTH_FAILED"
	CodeMethodNotFound = "METHOD_NOT_FOUND"
	CodeInternalError  = "INTERNAL_ERROR"
)

// Message is one JSON-RPC 2.0 envelope. Exactly one line on the wire.
// A request has Method set (and ID unless it is a notification); a response
// has Result or Error set and echoes the request ID.
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Error is the JSON-RPC error object with product string codes.
type Error struct {
	Code    string          `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Code + ": " + e.Message
}

// IsResponse reports whether the message is a response to an earlier request.
func (m *Message) IsResponse() bool {
	return m.Result != nil || m.Error != nil
}

// IsNotification reports whether the message is a request without an ID.
func (m *Message) IsNotification() bool {
	return m.Method != "" && m.ID == nil
}

// NewRequest builds a request message, marshaling params.
// A nil params produces a request without a params field.
func NewRequest(id int64, method string, params any) (*Message, error) {
	msg := &Message{JSONRPC: Version, ID: &id, Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, err
		}
		msg.Params = raw
	}
	return msg, nil
}

// NewNotification builds a request message without an ID.
func NewNotification(method string, params any) (*Message, error) {
	msg := &Message{JSONRPC: Version, Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, err
		}
		msg.Params = raw
	}
	return msg, nil
}

// NewResult builds a success response echoing the request ID.
func NewResult(id int64, result any) (*Message, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, err
	}
	return &Message{JSONRPC: Version, ID: &id, Result: raw}, nil
}

// NewError builds an error response. id may be nil when the offending
// request carried no usable ID.
func NewError(id *int64, code, message string) *Message {
	return &Message{
		JSONRPC: Version,
		ID:      id,
		Error:   &Error{Code: code, Message: message},
	}
}
