package opt

import (
	"errors"
	"fmt"
)

// ErrRunInProgress is returned when a session already has a run executing and
// the locker is configured to reject rather than queue.
var ErrRunInProgress = errors.New("optimization run already in progress for session")

// ValidationError reports a malformed or out-of-range parameter or entity.
// It is raised before any model is built.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid input: " + e.Message
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

func invalid(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// ConstraintClass names the family of constraints that made a model infeasible.
type ConstraintClass string

const (
	ClassCapacity ConstraintClass = "capacity"
	ClassSupply   ConstraintClass = "supply"
	ClassCoverage ConstraintClass = "coverage"
)

// InfeasibleModelError means no assignment satisfies every hard constraint.
// Class identifies the violated family; Group, when set, is the
// destination/product requirement that triggered it.
type InfeasibleModelError struct {
	Class  ConstraintClass
	Group  string
	Detail string
}

func (e *InfeasibleModelError) Error() string {
	msg := fmt.Sprintf("infeasible model (%s)", e.Class)
	if e.Group != "" {
		msg += " at " + e.Group
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

// TimeBudgetExceededError is returned together with the best feasible solution
// found before the deadline. Solution is nil when no feasible assignment was found.
type TimeBudgetExceededError struct {
	Solution *Solution
	Limit    string
}

func (e *TimeBudgetExceededError) Error() string {
	if e.Solution == nil {
		return "time budget " + e.Limit + " exceeded before a feasible assignment was found"
	}
	return "time budget " + e.Limit + " exceeded; returning best feasible solution"
}

// SolverInternalError wraps an unexpected failure inside the search.
type SolverInternalError struct {
	Op  string
	Err error
}

func (e *SolverInternalError) Error() string {
	return fmt.Sprintf("solver internal error: %s: %v", e.Op, e.Err)
}

func (e *SolverInternalError) Unwrap() error { return e.Err }
