package booking

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrSyncFailed is returned when every configured feed failed.
	ErrSyncFailed = errors.New("sync failed")

	ErrUnknownRoom = errors.New("unknown room")

	// ErrConflict is returned when a candidate overlaps an existing
	// reservation and the caller did not force it.
	ErrConflict = errors.New("reservation conflicts with an existing one")
)

// ValidationError describes a candidate that cannot be booked at all,
// as opposed to one that merely conflicts with an existing reservation.
type ValidationError struct {
	fields map[string]string
}

func newValidationError() *ValidationError {
	return &ValidationError{fields: map[string]string{}}
}

func (e *ValidationError) add(field, msg string) {
	e.fields[field] = msg
}

func (e *ValidationError) empty() bool {
	return len(e.fields) == 0
}

// Fields returns field -> message.
func (e *ValidationError) Fields() map[string]string {
	return e.fields
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.fields))
	for k := range e.fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s: %s", k, e.fields[k]))
	}
	return "invalid reservation: " + strings.Join(parts, "; ")
}

// IsValidationError unwraps err into a *ValidationError, or returns nil.
func IsValidationError(err error) *ValidationError {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve
	}
	return nil
}
