// Copyright 2018 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package jsonrpc2 implements the wire encoding and Content-Length framing
// shared by both halves of the bridge: the editor-side LSClient and the
// server-side LSProc/MessageMux/LSPProxy all read and write the same
// Content-Length-delimited JSON-RPC 2.0 messages described in LSP 3.17.
package jsonrpc2

import (
	"encoding/json"
	"fmt"
)

// ID is a JSON-RPC request identifier: a string, a number, or absent.
type ID struct {
	str     string
	num     int64
	isStr   bool
	isValid bool
}

// StringID builds a string-valued ID.
func StringID(s string) ID { return ID{str: s, isStr: true, isValid: true} }

// Int64ID builds a numeric ID.
func Int64ID(i int64) ID { return ID{num: i, isValid: true} }

// IsValid reports whether id was ever assigned a value.
func (id ID) IsValid() bool { return id.isValid }

// Raw returns the underlying string or int64 value, or nil.
func (id ID) Raw() any {
	if !id.isValid {
		return nil
	}
	if id.isStr {
		return id.str
	}
	return id.num
}

func (id ID) String() string {
	if !id.isValid {
		return "<nil>"
	}
	if id.isStr {
		return id.str
	}
	return fmt.Sprintf("%d", id.num)
}

// MarshalJSON implements json.Marshaler.
func (id ID) MarshalJSON() ([]byte, error) {
	if !id.isValid {
		return []byte("null"), nil
	}
	if id.isStr {
		return json.Marshal(id.str)
	}
	return json.Marshal(id.num)
}

// UnmarshalJSON implements json.Unmarshaler.
func (id *ID) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch x := v.(type) {
	case nil:
		*id = ID{}
	case float64:
		*id = Int64ID(int64(x))
	case string:
		*id = StringID(x)
	default:
		return fmt.Errorf("invalid request id type %T", v)
	}
	return nil
}

// WireError is the JSON-RPC error object.
type WireError struct {
	Code    int64           `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *WireError) Error() string { return e.Message }

// Standard JSON-RPC error codes used across the bridge.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
	CodeRequestFailed  = -32803
)

// Message is the closed set of wire message shapes: *Request (a call or a
// notification, depending on whether ID is valid) and *Response.
type Message interface {
	isMessage()
}

// Request is a call (ID.IsValid()) or a notification (!ID.IsValid()).
type Request struct {
	ID     ID              `json:"id,omitempty"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

func (*Request) isMessage() {}

// IsCall reports whether this request expects a response.
func (r *Request) IsCall() bool { return r.ID.IsValid() }

// Response replies to a call Request with the same ID.
type Response struct {
	ID     ID              `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *WireError      `json:"error,omitempty"`
}

func (*Response) isMessage() {}

// wireCombined is the on-the-wire shape: requests and responses share one
// envelope distinguished by the presence of "method".
type wireCombined struct {
	VersionTag string          `json:"jsonrpc"`
	ID         *ID             `json:"id,omitempty"`
	Method     string          `json:"method,omitempty"`
	Params     json.RawMessage `json:"params,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      *WireError      `json:"error,omitempty"`
}

const wireVersion = "2.0"

// NewNotification builds a Request with no ID.
func NewNotification(method string, params any) (*Request, error) {
	p, err := marshalToRaw(params)
	if err != nil {
		return nil, err
	}
	return &Request{Method: method, Params: p}, nil
}

// NewCall builds a Request carrying id, expecting a Response.
func NewCall(id ID, method string, params any) (*Request, error) {
	p, err := marshalToRaw(params)
	if err != nil {
		return nil, err
	}
	return &Request{ID: id, Method: method, Params: p}, nil
}

// NewResponse builds a Response to id. If rerr is non-nil, result is ignored.
func NewResponse(id ID, result any, rerr error) (*Response, error) {
	if rerr != nil {
		return &Response{ID: id, Error: toWireError(rerr)}, nil
	}
	r, err := marshalToRaw(result)
	if err != nil {
		return nil, err
	}
	return &Response{ID: id, Result: r}, nil
}

func toWireError(err error) *WireError {
	if err == nil {
		return nil
	}
	if we, ok := err.(*WireError); ok {
		return we
	}
	return &WireError{Code: CodeInternalError, Message: err.Error()}
}

// EncodeMessage renders msg as a single JSON object.
func EncodeMessage(msg Message) ([]byte, error) {
	wire := wireCombined{VersionTag: wireVersion}
	switch m := msg.(type) {
	case *Request:
		if m.IsCall() {
			id := m.ID
			wire.ID = &id
		}
		wire.Method = m.Method
		wire.Params = m.Params
	case *Response:
		id := m.ID
		wire.ID = &id
		wire.Result = m.Result
		wire.Error = m.Error
	default:
		return nil, fmt.Errorf("jsonrpc2: unknown message type %T", msg)
	}
	data, err := json.Marshal(&wire)
	if err != nil {
		return nil, fmt.Errorf("marshaling jsonrpc message: %w", err)
	}
	return data, nil
}

// DecodeMessage parses a single JSON object into a Request or Response.
func DecodeMessage(data []byte) (Message, error) {
	var wire wireCombined
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, fmt.Errorf("unmarshaling jsonrpc message: %w", err)
	}
	if wire.Method != "" {
		req := &Request{Method: wire.Method, Params: wire.Params}
		if wire.ID != nil {
			req.ID = *wire.ID
		}
		return req, nil
	}
	if wire.ID == nil {
		return nil, fmt.Errorf("jsonrpc2: response with no id")
	}
	return &Response{ID: *wire.ID, Result: wire.Result, Error: wire.Error}, nil
}

func marshalToRaw(obj any) (json.RawMessage, error) {
	if obj == nil {
		return nil, nil
	}
	data, err := json.Marshal(obj)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(data), nil
}
