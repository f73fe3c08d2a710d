package errhandling

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestClassifiedError_Error(t *testing.T) {
	tests := []struct {
		name string
		err  *ClassifiedError
		want string
	}{
		{
			name: "with filter id",
			err:  NewNotFoundError("orders_summary"),
			want: `not_found: filter "orders_summary" not found (filter "orders_summary")`,
		},
		{
			name: "without filter id",
			err:  NewEvaluationError("syntax error", nil),
			want: "evaluation_error: syntax error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected ErrorCategory
	}{
		{name: "nil", err: nil, expected: CategoryUnknown},
		{name: "plain error", err: errors.New("boom"), expected: CategoryUnknown},
		{name: "not found", err: NewNotFoundError("x"), expected: CategoryNotFound},
		{name: "missing parameter", err: NewMissingParameterError("threshold", "high_value"), expected: CategoryMissingParameter},
		{name: "invalid selector", err: NewInvalidSelectorError("chain in custom chain", nil), expected: CategoryInvalidSelector},
		{name: "store", err: NewStoreError("insert failed", errors.New("constraint")), expected: CategoryStore},
		{name: "wrapped classified error", err: fmt.Errorf("outer: %w", NewValidationError("bad type", nil)), expected: CategoryValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ClassifyError(tt.err).Category; got != tt.expected {
				t.Errorf("ClassifyError(%v).Category = %v, want %v", tt.err, got, tt.expected)
			}
		})
	}
}

func TestUnwrap(t *testing.T) {
	inner := errors.New("disk full")
	err := NewStoreError("migration failed", inner)

	if !errors.Is(err, inner) {
		t.Error("errors.Is should find the wrapped original error")
	}
}

func TestIsNotFound(t *testing.T) {
	if !IsNotFound(NewNotFoundError("missing")) {
		t.Error("expected IsNotFound true for not-found error")
	}
	if IsNotFound(errors.New("other")) {
		t.Error("expected IsNotFound false for plain error")
	}
}

func TestMissingParameterMessage(t *testing.T) {
	err := NewMissingParameterError("threshold", "high_value")
	if !strings.Contains(err.Error(), "threshold") {
		t.Errorf("message should name the parameter: %q", err.Error())
	}
	if err.FilterID != "high_value" {
		t.Errorf("FilterID = %q, want high_value", err.FilterID)
	}
}
