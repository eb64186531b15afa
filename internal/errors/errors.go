// Package errors provides structured error types for codexd.
package errors

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Code represents a unique error code.
type Code string

// Error codes for codexd.
const (
	// Client input errors
	CodeValidation Code = "VALIDATION"
	CodeNotFound   Code = "NOT_FOUND"

	// Job graph errors
	CodeProtectedState       Code = "PROTECTED_STATE"
	CodeDependencyTerminated Code = "DEPENDENCY_TERMINATED"
	CodeCircularDependency   Code = "CIRCULAR_DEPENDENCY"
	CodeDependentExists      Code = "DEPENDENT_EXISTS"
	CodeStaleState           Code = "STALE_STATE"

	// Execution errors
	CodeExecFailure Code = "EXEC_FAILURE"
	CodeGitFailure  Code = "GIT_FAILURE"
	CodeIOFailure   Code = "IO_FAILURE"
)

// Category groups error codes for HTTP status mapping.
type Category int

const (
	CategoryUnknown Category = iota
	CategoryNotFound
	CategoryBadRequest
	CategoryConflict
	CategoryInternal
)

// codeCategories maps error codes to their categories.
var codeCategories = map[Code]Category{
	CodeValidation:           CategoryBadRequest,
	CodeNotFound:             CategoryNotFound,
	CodeProtectedState:       CategoryBadRequest,
	CodeDependencyTerminated: CategoryBadRequest,
	CodeCircularDependency:   CategoryBadRequest,
	CodeDependentExists:      CategoryBadRequest,
	CodeStaleState:           CategoryBadRequest,
	CodeExecFailure:          CategoryInternal,
	CodeGitFailure:           CategoryInternal,
	CodeIOFailure:            CategoryInternal,
}

// HTTPStatus returns the HTTP status code for a category.
func (c Category) HTTPStatus() int {
	switch c {
	case CategoryNotFound:
		return 404
	case CategoryBadRequest:
		return 400
	case CategoryConflict:
		return 409
	default:
		return 500
	}
}

// Error is the structured error type for codexd.
type Error struct {
	Code  Code   `json:"code"`
	What  string `json:"what"`
	Why   string `json:"why,omitempty"`
	Cause error  `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.What)
	if e.Why != "" {
		b.WriteString(": ")
		b.WriteString(e.Why)
	}
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Category returns the error category for HTTP status mapping.
func (e *Error) Category() Category {
	if cat, ok := codeCategories[e.Code]; ok {
		return cat
	}
	return CategoryUnknown
}

// HTTPStatus returns the appropriate HTTP status code for this error.
func (e *Error) HTTPStatus() int {
	return e.Category().HTTPStatus()
}

// MarshalJSON implements json.Marshaler.
func (e *Error) MarshalJSON() ([]byte, error) {
	type alias Error
	aux := struct {
		*alias
		CauseMsg string `json:"cause,omitempty"`
	}{
		alias: (*alias)(e),
	}
	if e.Cause != nil {
		aux.CauseMsg = e.Cause.Error()
	}
	return json.Marshal(aux)
}

// Is reports whether target is an Error with the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// WithCause returns a copy of the error with the given cause.
func (e *Error) WithCause(err error) *Error {
	return &Error{
		Code:  e.Code,
		What:  e.What,
		Why:   e.Why,
		Cause: err,
	}
}

// --- Error constructors ---

// ErrValidation returns an error for malformed client input.
func ErrValidation(what string) *Error {
	return &Error{
		Code: CodeValidation,
		What: what,
	}
}

// ErrValidationf returns a formatted validation error.
func ErrValidationf(format string, args ...any) *Error {
	return &Error{
		Code: CodeValidation,
		What: fmt.Sprintf(format, args...),
	}
}

// ErrJobNotFound returns an error when a job doesn't exist.
func ErrJobNotFound(id string) *Error {
	return &Error{
		Code: CodeNotFound,
		What: fmt.Sprintf("job %s not found", id),
		Why:  "no job with this id exists",
	}
}

// ErrProtectedState returns an error when an operation hits a running or
// awaiting_input job.
func ErrProtectedState(id, status string) *Error {
	return &Error{
		Code: CodeProtectedState,
		What: fmt.Sprintf("job %s is %s", id, status),
		Why:  "jobs in a protected status cannot be modified this way",
	}
}

// ErrDependencyTerminated returns an error when depending on a failed or
// cancelled job.
func ErrDependencyTerminated(id, status string) *Error {
	return &Error{
		Code: CodeDependencyTerminated,
		What: fmt.Sprintf("dependency %s is %s", id, status),
		Why:  "new jobs cannot depend on failed or cancelled jobs",
	}
}

// ErrCircularDependency returns an error when the dependency graph would cycle.
func ErrCircularDependency(id string) *Error {
	return &Error{
		Code: CodeCircularDependency,
		What: fmt.Sprintf("dependency cycle detected through job %s", id),
	}
}

// ErrDependentExists returns an error when deleting a job another job depends on.
func ErrDependentExists(id string) *Error {
	return &Error{
		Code: CodeDependentExists,
		What: fmt.Sprintf("job %s has dependents", id),
		Why:  "other jobs depend on this job; delete them first",
	}
}

// ErrStaleState returns an error when an optimistic update precondition fails.
func ErrStaleState(id, expected string) *Error {
	return &Error{
		Code: CodeStaleState,
		What: fmt.Sprintf("job %s is not in expected status %s", id, expected),
		Why:  "the job changed state since it was read",
	}
}

// ErrExecFailure wraps an agent subprocess failure.
func ErrExecFailure(err error) *Error {
	return &Error{
		Code:  CodeExecFailure,
		What:  "agent execution failed",
		Cause: err,
	}
}

// ErrGitFailure wraps a git invocation failure.
func ErrGitFailure(op string, err error) *Error {
	return &Error{
		Code:  CodeGitFailure,
		What:  fmt.Sprintf("git %s failed", op),
		Cause: err,
	}
}

// ErrIOFailure wraps a filesystem failure.
func ErrIOFailure(what string, err error) *Error {
	return &Error{
		Code:  CodeIOFailure,
		What:  what,
		Cause: err,
	}
}

// AsError attempts to convert an error to a codexd Error.
// Returns nil if the error is not one.
func AsError(err error) *Error {
	for err != nil {
		if e, ok := err.(*Error); ok {
			return e
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return nil
		}
		err = u.Unwrap()
	}
	return nil
}

// Wrap wraps a generic error into an Error with unknown code.
func Wrap(err error, what string) *Error {
	return &Error{
		Code:  Code("UNKNOWN"),
		What:  what,
		Cause: err,
	}
}
