// Package realtime implements the client side of the gateway protocol: a
// reconnecting WebSocket transport, the protocol client with RPC matching,
// the connection manager that gates connectivity on external constraints,
// and the ping/pong liveness service.
package realtime

import "fmt"

// Code is a machine-readable error code for realtime failures.
type Code string

const (
	CodeNotConnected    Code = "NOT_CONNECTED"
	CodeTimeout         Code = "TIMEOUT"
	CodeStopped         Code = "STOPPED"
	CodeAuthFailed      Code = "AUTH_FAILED"
	CodePingTimeout     Code = "PING_TIMEOUT"
	CodeConnectionError Code = "CONNECTION_ERROR"
	CodeCancelled       Code = "CANCELLED"

	// CodeAckedButNoResult marks a mutation the server acked before a
	// reconnect and whose result can no longer arrive; retrying could
	// commit it twice.
	CodeAckedButNoResult Code = "ACKED_BUT_NO_RESULT_AFTER_RECONNECT"
)

// Error is the realtime error type. Matching is by code so callers can use
// errors.Is against the package sentinels regardless of message detail.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// Is reports whether target carries the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && e.Code == t.Code
}

// Package sentinels for errors.Is matching.
var (
	ErrNotConnected     = &Error{Code: CodeNotConnected, Message: "not connected"}
	ErrTimeout          = &Error{Code: CodeTimeout, Message: "rpc timed out"}
	ErrStopped          = &Error{Code: CodeStopped, Message: "stopped"}
	ErrAuthFailed       = &Error{Code: CodeAuthFailed, Message: "authentication failed"}
	ErrPingTimeout      = &Error{Code: CodePingTimeout, Message: "ping timed out"}
	ErrConnectionError  = &Error{Code: CodeConnectionError, Message: "server terminated the session"}
	ErrCancelled        = &Error{Code: CodeCancelled, Message: "cancelled"}
	ErrAckedButNoResult = &Error{Code: CodeAckedButNoResult, Message: "acked without result before reconnect"}
)

func wrapErr(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// RpcFailure is a server-reported RPC error delivered in place of a result.
type RpcFailure struct {
	ErrorCode string
	Code      uint32
	Message   string
}

func (e *RpcFailure) Error() string {
	return fmt.Sprintf("rpc error %s (%d): %s", e.ErrorCode, e.Code, e.Message)
}
