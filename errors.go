package relay

import (
	"errors"
	"fmt"

	"github.com/relaykit/relay-go/internal/api"
	"github.com/relaykit/relay-go/internal/sched"
)

// Sentinel errors for errors.Is() checks.
var (
	// ErrMissingAPIKey is returned when no API key is configured.
	ErrMissingAPIKey = errors.New("API key is required")

	// ErrClientClosed is returned when operations are attempted on a
	// closed client.
	ErrClientClosed = errors.New("client has been closed")
)

// APIError is a send failure reported to caller callbacks.
type APIError struct {
	StatusCode int
	Message    string
	Retryable  bool
}

func (e *APIError) Error() string {
	if e.StatusCode > 0 {
		if e.Message != "" {
			return fmt.Sprintf("API error %d: %s", e.StatusCode, e.Message)
		}
		return fmt.Sprintf("API error %d", e.StatusCode)
	}
	return "send failed: " + e.Message
}

// TaskError is a scheduling failure: the call could not be serialized or
// persisted, so no task was queued for it.
type TaskError struct {
	Err error
}

func (e *TaskError) Error() string {
	return e.Err.Error()
}

func (e *TaskError) Unwrap() error {
	return e.Err
}

// mapSendError converts internal errors to the public taxonomy.
func mapSendError(err error) error {
	var apiErr *api.Error
	if errors.As(err, &apiErr) {
		msg := apiErr.Message
		if msg == "" && apiErr.Err != nil {
			msg = apiErr.Err.Error()
		}
		return &APIError{
			StatusCode: apiErr.StatusCode,
			Message:    msg,
			Retryable:  apiErr.Retryable,
		}
	}
	var taskErr *sched.TaskError
	if errors.As(err, &taskErr) {
		return &TaskError{Err: taskErr}
	}
	return err
}
