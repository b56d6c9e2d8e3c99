// Package server defines the error codes reported to clients and the sentinel
// errors returned by the gateway.
package server

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorCode is the machine-readable code carried by an error envelope.
type ErrorCode string

const (
	CodeAuthRejected       ErrorCode = "auth_rejected"
	CodeMalformedInput     ErrorCode = "malformed_input"
	CodeUnauthorized       ErrorCode = "unauthorized"
	CodePersistenceFailure ErrorCode = "persistence_failure"
	CodeRateLimited        ErrorCode = "rate_limited"
	CodeSessionExpired     ErrorCode = "session_expired"
)

var (
	// ErrAuthRejected is returned by Serve when the credential is refused.
	ErrAuthRejected = errors.New("authentication rejected")
	// ErrShuttingDown is returned by Serve once Shutdown has been called.
	ErrShuttingDown = errors.New("server shutting down")
)

// eventError is a failure scoped to a single inbound event. It is reported to
// the originating connection and never closes it.
type eventError struct {
	code ErrorCode
	msg  string
	err  error
}

func (e *eventError) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %s: %v", e.code, e.msg, e.err)
	}
	return fmt.Sprintf("%s: %s", e.code, e.msg)
}

func (e *eventError) Unwrap() error { return e.err }

func malformed(format string, args ...any) *eventError {
	return &eventError{code: CodeMalformedInput, msg: fmt.Sprintf(format, args...)}
}

func unauthorized(format string, args ...any) *eventError {
	return &eventError{code: CodeUnauthorized, msg: fmt.Sprintf(format, args...)}
}

func persistenceFailure(msg string, err error) *eventError {
	return &eventError{code: CodePersistenceFailure, msg: msg, err: err}
}

// codeOf maps any handler error onto the code sent to the client.
func codeOf(err error) (ErrorCode, string) {
	var ee *eventError
	if errors.As(err, &ee) {
		return ee.code, ee.msg
	}
	return CodePersistenceFailure, "internal error"
}

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe")
}
