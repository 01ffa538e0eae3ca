// ABOUTME: JSON-RPC 2.0 envelope types shared by the pipe and HTTP tool transports
// ABOUTME: Includes RemoteError, the error object a peer returns in a response

package rpc

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// Version is the only JSON-RPC protocol version spoken here.
const Version = "2.0"

// Standard JSON-RPC error codes
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

var (
	ErrTimeout           = errors.New("rpc: request timed out")
	ErrTransportClosed   = errors.New("rpc: transport closed")
	ErrMalformedResponse = errors.New("rpc: malformed response")
)

// Request is an outbound JSON-RPC request or notification.
// Notifications leave ID empty.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response is an inbound JSON-RPC record. Method is set when the peer sends
// its own request or notification instead of a response.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RemoteError    `json:"error,omitempty"`
}

// RemoteError is a JSON-RPC error object returned by the peer.
type RemoteError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote error %d: %s", e.Code, e.Message)
}

// NewRequest builds a request envelope with a numeric id.
func NewRequest(id int64, method string, params any) (*Request, error) {
	req, err := NewNotification(method, params)
	if err != nil {
		return nil, err
	}
	req.ID = json.RawMessage(strconv.FormatInt(id, 10))
	return req, nil
}

// NewNotification builds an envelope without an id; the peer must not reply.
func NewNotification(method string, params any) (*Request, error) {
	req := &Request{JSONRPC: Version, Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("encoding %s params: %w", method, err)
		}
		req.Params = raw
	}
	return req, nil
}

// NumericID parses the response id. ok is false for absent, null or
// non-integer ids.
func (r *Response) NumericID() (id int64, ok bool) {
	if len(r.ID) == 0 || string(r.ID) == "null" {
		return 0, false
	}
	id, err := strconv.ParseInt(string(r.ID), 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

// Decode unpacks a response for the given method into result.
// A nil result discards the payload after checking for an error.
func (r *Response) Decode(method string, result any) error {
	if r.Error != nil {
		return r.Error
	}
	if r.Result == nil {
		return fmt.Errorf("%s: %w: neither result nor error present", method, ErrMalformedResponse)
	}
	if result == nil {
		return nil
	}
	if err := json.Unmarshal(r.Result, result); err != nil {
		return fmt.Errorf("%s: %w: %v", method, ErrMalformedResponse, err)
	}
	return nil
}
