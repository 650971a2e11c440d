// Package engine defines the error taxonomy shared by the scoring,
// recommendation, and allocation paths. Callers branch on these typed
// errors with errors.As; eris supplies the wrapped traces.
package engine

import (
	"errors"
	"fmt"
)

// ValidationError reports malformed or missing input. It is raised before
// any mutation takes place.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// NewValidation builds a ValidationError for the named field.
func NewValidation(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

// NotFoundError reports a referenced entity that does not exist.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Kind, e.ID)
}

// NewNotFound builds a NotFoundError for the given entity kind and id.
func NewNotFound(kind, id string) *NotFoundError {
	return &NotFoundError{Kind: kind, ID: id}
}

// InsufficientStockError is a business-rule rejection: the requested
// quantity exceeds what the resource pool holds. The enclosing transaction
// aborts with nothing mutated.
type InsufficientStockError struct {
	ResourceID string
	Requested  int
	Available  int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for resource %s: requested %d, available %d",
		e.ResourceID, e.Requested, e.Available)
}

// ConflictError reports a stale optimistic-concurrency version. The caller
// must re-read and retry.
type ConflictError struct {
	Kind            string
	ID              string
	ExpectedVersion int
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("version conflict on %s %s (expected version %d)", e.Kind, e.ID, e.ExpectedVersion)
}

// DependencyUnavailableError reports a failed external collaborator (the
// demand feed). The predictive cycle logs it, skips the affected region,
// and continues.
type DependencyUnavailableError struct {
	Dependency string
	Err        error
}

func (e *DependencyUnavailableError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("dependency unavailable: %s", e.Dependency)
	}
	return fmt.Sprintf("dependency unavailable: %s: %v", e.Dependency, e.Err)
}

func (e *DependencyUnavailableError) Unwrap() error { return e.Err }

// IsValidation reports whether err chains to a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsNotFound reports whether err chains to a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// IsInsufficientStock reports whether err chains to an InsufficientStockError.
func IsInsufficientStock(err error) bool {
	var is *InsufficientStockError
	return errors.As(err, &is)
}

// IsConflict reports whether err chains to a ConflictError.
func IsConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}

// IsDependencyUnavailable reports whether err chains to a
// DependencyUnavailableError.
func IsDependencyUnavailable(err error) bool {
	var de *DependencyUnavailableError
	return errors.As(err, &de)
}
