package taskstypes

import (
	"errors"
	"fmt"
)

var (
	// ErrPoolExhausted means no session became available before the deadline.
	ErrPoolExhausted = errors.New("no browser session available")
	// ErrPoolClosed means the pool is shutting down and lends no more sessions.
	ErrPoolClosed = errors.New("browser session pool is closed")
	// ErrUnknownKind is returned for task kinds with no registered definition.
	ErrUnknownKind = errors.New("unknown task kind")
	// ErrDraining rejects commands that arrive after shutdown began.
	ErrDraining = errors.New("not accepting new commands while shutting down")
)

// ValidationError describes a rejected chat command. It never reaches the
// executor.
type ValidationError struct {
	Command string
	Param   string
	Reason  string
}

func (e *ValidationError) Error() string {
	if e.Param == "" {
		return fmt.Sprintf("%s: %s", e.Command, e.Reason)
	}
	return fmt.Sprintf("%s: argument %q %s", e.Command, e.Param, e.Reason)
}

// IsValidationError reports whether err is or wraps a *ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
