package generation

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrCancelled marks a session aborted through its cancellation handle.
var ErrCancelled = errors.New("generation cancelled")

// ErrSessionStarted is returned when Run is called on a session more than once.
var ErrSessionStarted = errors.New("generation session already started")

// NetworkError means the request could not be sent or the response body could
// not be read.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("network failure: %v", e.Err)
	}
	return fmt.Sprintf("network failure during %s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// ServerError is either a non-success HTTP status or an error payload inside
// the stream. Status is zero for the latter.
type ServerError struct {
	Status  int
	Message string
}

func (e *ServerError) Error() string {
	switch {
	case e.Message != "":
		return e.Message
	case e.Status == 0:
		return "server reported an error"
	default:
		return fmt.Sprintf("HTTP error! status: %d", e.Status)
	}
}

func newStatusError(status int, detail string) *ServerError {
	if detail == "" {
		detail = fmt.Sprintf("HTTP error! status: %d", status)
	}
	return &ServerError{Status: status, Message: detail}
}

const (
	// StoppedContent replaces any partial content of a cancelled generation.
	StoppedContent = "*Response generation was stopped.*"
)

// FailureContent renders err as the assistant turn text of a failed generation.
func FailureContent(err error) string {
	if err == nil {
		return ""
	}
	return fmt.Sprintf("*Error: %s*", err.Error())
}

// IsNetworkError reports whether err is, or wraps, a *NetworkError.
func IsNetworkError(err error) bool {
	var ne *NetworkError
	return errors.As(err, &ne)
}

// IsServerError reports whether err is, or wraps, a *ServerError.
func IsServerError(err error) bool {
	var se *ServerError
	return errors.As(err, &se)
}
