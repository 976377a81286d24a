package textproto

import (
	"errors"
	"fmt"
)

// Error types for text protocol replies. They let a caller decide whether the
// connection survives the failure.

// ClientError represents a CLIENT_ERROR reply.
// The server rejected the request but the stream is still aligned, so the
// connection can be reused.
type ClientError struct {
	Message string
}

func (e *ClientError) Error() string {
	return "CLIENT_ERROR: " + e.Message
}

func (e *ClientError) ShouldCloseConnection() bool {
	return false
}

// ServerError represents a SERVER_ERROR reply.
//
// Common causes:
//   - Out of memory
//   - Object too large for cache
type ServerError struct {
	Message string
}

func (e *ServerError) Error() string {
	return "SERVER_ERROR: " + e.Message
}

func (e *ServerError) ShouldCloseConnection() bool {
	return false
}

// GenericError represents a bare ERROR reply, sent by memcached for a command
// name it does not know.
type GenericError struct {
	Message string
}

func (e *GenericError) Error() string {
	return e.Message
}

func (e *GenericError) ShouldCloseConnection() bool {
	return false
}

// InvalidKeyError is returned when a key is rejected before it is sent.
type InvalidKeyError struct {
	Message string
}

func (e *InvalidKeyError) Error() string {
	return e.Message
}

// ParseError means the byte stream no longer lines up with the protocol:
// an unclassifiable line, a malformed VALUE header, a corrupt data block or
// a reply with no outstanding command. It cannot be attributed to a single
// command and the connection must be closed.
type ParseError struct {
	Message string
	Err     error // Underlying error, if any
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return "protocol desync: " + e.Message + ": " + e.Err.Error()
	}
	return "protocol desync: " + e.Message
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

func (e *ParseError) ShouldCloseConnection() bool {
	return true
}

// ConnectionError wraps I/O failures and connection teardown.
type ConnectionError struct {
	Op  string // read, write, close
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection error during %s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

func (e *ConnectionError) ShouldCloseConnection() bool {
	return true
}

// ErrorWithConnectionState is implemented by every error type of this package
// that knows whether the connection is still usable.
type ErrorWithConnectionState interface {
	error
	ShouldCloseConnection() bool
}

// ShouldCloseConnection reports whether err leaves the connection unusable.
// Unknown error types are treated conservatively and return true.
func ShouldCloseConnection(err error) bool {
	if err == nil {
		return false
	}

	var e ErrorWithConnectionState
	if errors.As(err, &e) {
		return e.ShouldCloseConnection()
	}

	return true
}
