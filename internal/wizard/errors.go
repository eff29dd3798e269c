package wizard

import (
	"errors"
	"strings"
)

var (
	// ErrActionInFlight rejects a second action while one is still running
	// for the same session.
	ErrActionInFlight  = errors.New("wizard: another action is in progress")
	ErrInvalidStep     = errors.New("wizard: action not allowed in the current step")
	ErrSessionNotFound = errors.New("wizard: session not found")
	ErrNoCheckout      = errors.New("wizard: no checkout open")
)

// ValidationError lists the fields that failed validation. Nothing was
// persisted and no collaborator was called.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, field := range sortedKeys(e.Fields) {
		parts = append(parts, field+": "+e.Fields[field])
	}
	return "wizard: invalid input (" + strings.Join(parts, "; ") + ")"
}

func (e *ValidationError) add(field, msg string) {
	if e.Fields == nil {
		e.Fields = make(map[string]string)
	}
	e.Fields[field] = msg
}

func (e *ValidationError) orNil() error {
	if len(e.Fields) == 0 {
		return nil
	}
	return e
}
