package engine

import (
	"errors"
	"fmt"

	"dispatchline/internal/domain"
	"dispatchline/internal/engine/auth"
	"dispatchline/internal/repo"
)

// InvalidTransitionError reports an edge the state machine does not have.
type InvalidTransitionError struct {
	From domain.Status
	To   domain.Status
}

func (e InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition %s -> %s", e.From, e.To)
}

// PreconditionError reports an unmet business rule. Reason is user-facing.
type PreconditionError struct {
	Reason string
}

func (e PreconditionError) Error() string { return e.Reason }

// ValidationError reports malformed input.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Code classifies err into the rejection taxonomy; "" for infrastructure errors.
func Code(err error) string {
	var (
		forbidden    auth.ForbiddenError
		invalid      InvalidTransitionError
		precondition PreconditionError
		validation   ValidationError
	)
	switch {
	case err == nil:
		return ""
	case errors.Is(err, repo.ErrNotFound):
		return "not_found"
	case errors.As(err, &forbidden):
		return "forbidden"
	case errors.As(err, &invalid):
		return "invalid_transition"
	case errors.As(err, &precondition):
		return "precondition_failed"
	case errors.As(err, &validation):
		return "bad_request"
	}
	return ""
}
