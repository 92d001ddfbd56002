// Package rpc carries notebook calls between the runtime and its
// front-ends over WebSocket.
//
// Every message is one JSON text frame. Requests and notifications have
// type "q"; a notification has no id. Responses have type "s" and carry
// either a result or an error.
package rpc

import (
	"encoding/json"
	"fmt"
)

const (
	frameRequest  = "q"
	frameResponse = "s"
)

// Frame is one wire message.
type Frame struct {
	Type   string            `json:"t"`
	ID     json.RawMessage   `json:"i,omitempty"`
	Method string            `json:"m,omitempty"`
	Args   []json.RawMessage `json:"a,omitempty"`
	Result json.RawMessage   `json:"r,omitempty"`
	Error  *RemoteError      `json:"e,omitempty"`
}

// RemoteError is the error half of a response.
type RemoteError struct {
	Message string `json:"message"`
}

func (e *RemoteError) Error() string {
	return "rpc: remote error: " + e.Message
}

func request(id json.RawMessage, method string, args []any) ([]byte, error) {
	raw := make([]json.RawMessage, len(args))
	for i, a := range args {
		b, err := json.Marshal(a)
		if err != nil {
			return nil, fmt.Errorf("rpc: encode %s argument %d: %w", method, i, err)
		}
		raw[i] = b
	}
	return json.Marshal(Frame{Type: frameRequest, ID: id, Method: method, Args: raw})
}

func response(id json.RawMessage, result any, err error) ([]byte, error) {
	f := Frame{Type: frameResponse, ID: id}
	if err != nil {
		f.Error = &RemoteError{Message: err.Error()}
		return json.Marshal(f)
	}
	b, merr := json.Marshal(result)
	if merr != nil {
		f.Error = &RemoteError{Message: merr.Error()}
		return json.Marshal(f)
	}
	f.Result = b
	return json.Marshal(f)
}
