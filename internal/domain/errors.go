package domain

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrDriverNotAvailable is returned when an explicitly selected dispatch
	// substrate cannot be reached at construction time.
	ErrDriverNotAvailable = errors.New("queue driver not available")

	// ErrDuplicateRequestID is returned by stores that enforce uniqueness of
	// an active request id (unique partial index on the relational substrate).
	ErrDuplicateRequestID = errors.New("active job with this request id already exists")
)

// HandlerNotRegisteredError is surfaced as a normal handler failure: the
// attempt retries and ultimately exhausts like any other failing job.
type HandlerNotRegisteredError struct {
	JobType string
}

func (e *HandlerNotRegisteredError) Error() string {
	return fmt.Sprintf("No handler registered for job type: %s", e.JobType)
}
