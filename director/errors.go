package director

import (
	"fmt"

	"github.com/lib/pq"
	"github.com/pkg/errors"
)

// ConflictError is returned when a write loses a race: a compare-and-swap
// miss, a lock that could not be taken in time, or a duplicate insert.
type ConflictError struct {
	Message string
	Err     error
}

func (e *ConflictError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("conflict: %s: %v", e.Message, e.Err)
	}
	return "conflict: " + e.Message
}

func (e *ConflictError) Unwrap() error {
	return e.Err
}

// ValidationError is returned for input that can never succeed as given.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
	}
	return "invalid input: " + e.Message
}

func newValidationError(field, format string, args ...interface{}) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

func IsConflict(err error) bool {
	var conflict *ConflictError
	return errors.As(err, &conflict)
}

func IsValidation(err error) bool {
	var validation *ValidationError
	return errors.As(err, &validation)
}

// postgres error codes that mean another writer got there first
var conflictCodes = map[pq.ErrorCode]string{
	"40001": "serialization failure",
	"40P01": "deadlock detected",
	"55P03": "lock not available",
	"23505": "unique violation",
}

// translateDBError maps concurrency failures reported by the database to
// ConflictError and wraps everything else with msg.
func translateDBError(err error, msg string) error {
	if err == nil {
		return nil
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		if reason, ok := conflictCodes[pqErr.Code]; ok {
			return &ConflictError{Message: msg + ": " + reason, Err: err}
		}
	}
	return errors.Wrap(err, msg)
}
