package rpc

import (
	"errors"
	"fmt"
)

// Standard errors returned by the transport.
var (
	// ErrClosed indicates the transport has been closed.
	ErrClosed = errors.New("rpc transport closed")

	// ErrMissingContentLength indicates a message frame without a
	// Content-Length header.
	ErrMissingContentLength = errors.New("missing Content-Length header")
)

// Error represents a JSON-RPC error object in a response.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Standard JSON-RPC error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603

	// LSP-specific errors
	CodeServerNotInitialized = -32002
	CodeRequestCancelled     = -32800
)
