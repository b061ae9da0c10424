package protocol

import (
	"errors"
	"fmt"
)

// Compile-time verification that the error types implement error.
var (
	_ error = (*ConfigurationError)(nil)
	_ error = (*ChannelError)(nil)
	_ error = (*ApplicationError)(nil)
)

var (
	// ErrNoResponseHandler indicates a server received a request before a
	// response handler was registered.
	ErrNoResponseHandler = errors.New("no response handler registered")

	// ErrNoProvider indicates a session was built without a channel provider.
	ErrNoProvider = errors.New("no channel provider")

	// ErrWorkerExiting indicates StartWorker was called while a worker that
	// AbortWorker gave up on is still running its loop.
	ErrWorkerExiting = errors.New("aborted worker still exiting")
)

// ConfigurationError indicates an invalid or incomplete session setup.
type ConfigurationError struct {
	Field  string
	Reason string
	Err    error
}

func (e *ConfigurationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("configuration error: %s %s: %v", e.Field, e.Reason, e.Err)
	}

	return fmt.Sprintf("configuration error: %s %s", e.Field, e.Reason)
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

// ChannelError indicates an I/O failure while connecting, reading or writing.
type ChannelError struct {
	Op       string
	Identity string
	Err      error
}

func (e *ChannelError) Error() string {
	return fmt.Sprintf("channel %s: %s failed: %v", e.Identity, e.Op, e.Err)
}

func (e *ChannelError) Unwrap() error {
	return e.Err
}

// ApplicationError is a failure of the response handler. On the server it
// wraps the handler's error; on the client it carries the message decoded from
// an error response, without the sentinel.
type ApplicationError struct {
	Message string
	Err     error
}

func (e *ApplicationError) Error() string {
	return e.Message
}

func (e *ApplicationError) Unwrap() error {
	return e.Err
}

// errorMessage returns the human-readable message recorded for err.
func errorMessage(err error) string {
	var appErr *ApplicationError
	if errors.As(err, &appErr) {
		return appErr.Message
	}

	return err.Error()
}
