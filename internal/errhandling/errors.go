// Package errhandling provides error types and classification for the
// filter catalog and engine. Every expected failure mode maps onto a
// category so that callers can branch on results rather than exceptions,
// and envelope responses can carry machine-readable error codes.
package errhandling

import (
	"errors"
	"fmt"
)

// ErrorCategory represents the type/category of an error.
// Categories double as the machine-readable error codes reported in
// engine envelopes.
type ErrorCategory string

// Error categories for classification.
const (
	// CategoryNotFound means a referenced filter or chain id does not
	// resolve to an active definition.
	CategoryNotFound ErrorCategory = "not_found"

	// CategoryInvalidSelector means the caller supplied an ambiguous or
	// structurally invalid selection (chain-typed id inside a custom chain
	// list, malformed parameter JSON).
	CategoryInvalidSelector ErrorCategory = "invalid_selector"

	// CategoryMissingParameter means a declared-required parameter has
	// neither a caller-supplied value nor a default.
	CategoryMissingParameter ErrorCategory = "missing_parameter"

	// CategoryEvaluation means the expression evaluator rejected the
	// (possibly substituted) expression or failed mid-evaluation.
	CategoryEvaluation ErrorCategory = "evaluation_error"

	// CategoryValidation means catalog validation found structural
	// problems with a definition.
	CategoryValidation ErrorCategory = "validation_error"

	// CategoryStore means a migration or persistence failure. Store errors
	// are always fatal for the operation.
	CategoryStore ErrorCategory = "store_error"

	// CategoryUnknown represents unclassified errors.
	CategoryUnknown ErrorCategory = "unknown"
)

// ClassifiedError wraps an error with classification metadata.
type ClassifiedError struct {
	// Category is the error classification category.
	Category ErrorCategory

	// Message is a human-readable error message.
	Message string

	// FilterID is the filter or chain id involved, if any.
	FilterID string

	// OriginalErr is the underlying error that was classified.
	OriginalErr error
}

// Error implements the error interface.
func (e *ClassifiedError) Error() string {
	if e.FilterID != "" {
		return fmt.Sprintf("%s: %s (filter %q)", e.Category, e.Message, e.FilterID)
	}
	return fmt.Sprintf("%s: %s", e.Category, e.Message)
}

// Unwrap returns the original error for use with errors.Is and errors.As.
func (e *ClassifiedError) Unwrap() error {
	return e.OriginalErr
}

// NewNotFoundError creates a ClassifiedError for an unresolvable filter id.
func NewNotFoundError(filterID string) *ClassifiedError {
	return &ClassifiedError{
		Category: CategoryNotFound,
		Message:  fmt.Sprintf("filter %q not found", filterID),
		FilterID: filterID,
	}
}

// NewInvalidSelectorError creates a ClassifiedError for a bad selection.
func NewInvalidSelectorError(message string, originalErr error) *ClassifiedError {
	return &ClassifiedError{
		Category:    CategoryInvalidSelector,
		Message:     message,
		OriginalErr: originalErr,
	}
}

// NewMissingParameterError creates a ClassifiedError for an unresolvable
// required parameter.
func NewMissingParameterError(paramName, filterID string) *ClassifiedError {
	return &ClassifiedError{
		Category: CategoryMissingParameter,
		Message:  fmt.Sprintf("required parameter %q not provided", paramName),
		FilterID: filterID,
	}
}

// NewEvaluationError creates a ClassifiedError for an evaluator failure.
func NewEvaluationError(message string, originalErr error) *ClassifiedError {
	return &ClassifiedError{
		Category:    CategoryEvaluation,
		Message:     message,
		OriginalErr: originalErr,
	}
}

// NewValidationError creates a ClassifiedError for a structural validation
// failure.
func NewValidationError(message string, originalErr error) *ClassifiedError {
	return &ClassifiedError{
		Category:    CategoryValidation,
		Message:     message,
		OriginalErr: originalErr,
	}
}

// NewStoreError creates a ClassifiedError for a persistence failure.
func NewStoreError(message string, originalErr error) *ClassifiedError {
	return &ClassifiedError{
		Category:    CategoryStore,
		Message:     message,
		OriginalErr: originalErr,
	}
}

// ClassifyError classifies any error into a ClassifiedError.
// Already classified errors are returned as-is; everything else maps to
// CategoryUnknown.
func ClassifyError(err error) *ClassifiedError {
	if err == nil {
		return &ClassifiedError{
			Category: CategoryUnknown,
			Message:  "nil error",
		}
	}

	var classified *ClassifiedError
	if errors.As(err, &classified) {
		return classified
	}

	return &ClassifiedError{
		Category:    CategoryUnknown,
		Message:     err.Error(),
		OriginalErr: err,
	}
}

// CategoryOf returns the error category for a given error.
// Returns CategoryUnknown for nil or unclassified errors.
func CategoryOf(err error) ErrorCategory {
	if err == nil {
		return CategoryUnknown
	}

	var classified *ClassifiedError
	if errors.As(err, &classified) {
		return classified.Category
	}

	return CategoryUnknown
}

// IsNotFound reports whether err is classified as not-found.
func IsNotFound(err error) bool {
	return CategoryOf(err) == CategoryNotFound
}
