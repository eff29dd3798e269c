package leads

import "errors"

var (
	// ErrInvalidName is returned when the name is invalid
	ErrInvalidName = errors.New("name is required")

	// ErrMissingContact is returned when both email and national id are missing
	ErrMissingContact = errors.New("either email or national id is required")

	// ErrLeadNotFound is returned when a lead is not found
	ErrLeadNotFound = errors.New("lead not found")

	// ErrStageRegression is returned when a stage update would move a lead backwards
	ErrStageRegression = errors.New("lead stage cannot move backwards")
)
