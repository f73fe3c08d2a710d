// Package filter provides the public data model for the filter catalog and
// execution engine: filter definitions, chains, apply results, and the
// import/export interchange documents. This package is intended to be
// importable by tool layers that sit on top of the engine.
package filter

import "time"

// Type classifies what a filter does to a JSON document.
type Type string

// Filter types.
const (
	// TypeRecord filters select or exclude whole elements of a JSON array.
	TypeRecord Type = "record"

	// TypeField filters reshape or reduce the fields within elements.
	TypeField Type = "field"

	// TypeChain filters are ordered compositions of record/field filters.
	TypeChain Type = "chain"
)

// Valid reports whether t is one of the known filter types.
func (t Type) Valid() bool {
	switch t {
	case TypeRecord, TypeField, TypeChain:
		return true
	}
	return false
}

// Definition is a named, versioned transformation over a JSON document.
type Definition struct {
	// ID is the unique, immutable identifier of the filter
	ID string `json:"id"`

	// Name is the human-readable name, used for discovery
	Name string `json:"name"`

	// Description provides additional context for discovery
	Description string `json:"description"`

	// Category groups related filters (e.g. "orders", "inventory")
	Category string `json:"category"`

	// FilterType is one of record, field, chain
	FilterType Type `json:"filter_type"`

	// Query is the declarative expression text. Required for record/field
	// filters, empty for chains.
	Query string `json:"query"`

	// Author identifies who created the filter
	Author string `json:"author"`

	// Version is the filter definition version
	Version string `json:"version"`

	// CreatedAt is when the filter was created
	CreatedAt time.Time `json:"created_at,omitempty"`

	// UpdatedAt is when the filter was last modified
	UpdatedAt time.Time `json:"updated_at,omitempty"`

	// IsActive is the soft-delete flag. Inactive filters are excluded from
	// discovery and application.
	IsActive bool `json:"is_active"`

	// EstimatedReductionPercent is an advisory metric used for
	// default-filter selection. Nil when unknown.
	EstimatedReductionPercent *int `json:"estimated_reduction_percent,omitempty"`

	// CompatibleEndpoints lists upstream data-source names this filter is
	// known to work with.
	CompatibleEndpoints []string `json:"compatible_endpoints,omitempty"`

	// Parameters maps parameter names to their declarations. Parameter
	// names are substitutable into Query as {name} tokens at apply time.
	Parameters map[string]Parameter `json:"parameters,omitempty"`

	// Examples documents typical invocations
	Examples []Example `json:"examples,omitempty"`

	// Tags support discovery
	Tags []string `json:"tags,omitempty"`

	// TestCases are executed by catalog validation
	TestCases []TestCase `json:"test_cases,omitempty"`

	// ChainSteps is present only when FilterType is chain: the ordered list
	// of referenced filters.
	ChainSteps []ChainStep `json:"chain_steps,omitempty"`
}

// Parameter declares a named placeholder substitutable into a filter query.
type Parameter struct {
	// Type is the parameter value type (string, number, boolean)
	Type string `json:"type"`

	// Default is the value used when the caller supplies none. Nil means no
	// default.
	Default interface{} `json:"default,omitempty"`

	// Required indicates the parameter must be resolvable at apply time
	Required bool `json:"required"`

	// Description documents the parameter
	Description string `json:"description,omitempty"`
}

// Example documents a typical invocation of a filter.
type Example struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	Parameters  map[string]interface{} `json:"parameters,omitempty"`
}

// TestCase pairs an input document with the output the filter must produce.
type TestCase struct {
	Name     string      `json:"name"`
	Input    interface{} `json:"input"`
	Expected interface{} `json:"expected"`
}

// ChainStep references another filter as one step of a chain.
type ChainStep struct {
	// Order determines execution position; steps run in ascending order
	Order int `json:"order"`

	// FilterID references a record or field filter. Chains must not
	// reference other chains.
	FilterID string `json:"filter_id"`
}

// Chain is a resolved chain definition: every step carries its referenced
// definition, sorted by order.
type Chain struct {
	ChainID            string `json:"chain_id"`
	Name               string `json:"name"`
	Description        string `json:"description,omitempty"`
	Steps              []Step `json:"steps"`
	EstimatedReduction *int   `json:"estimated_reduction,omitempty"`
}

// Step is a resolved chain step.
type Step struct {
	Order      int         `json:"order"`
	FilterID   string      `json:"filter_id"`
	Definition *Definition `json:"-"`
}

// Result is the outcome of one apply operation.
type Result struct {
	// Success indicates whether filtering completed
	Success bool `json:"success"`

	// Data is the transformed payload, or the original input on failure
	Data interface{} `json:"data"`

	// OriginalSizeBytes is the serialized size of the input
	OriginalSizeBytes int `json:"original_size_bytes"`

	// FinalSizeBytes is the serialized size of the output
	FinalSizeBytes int `json:"final_size_bytes"`

	// ReductionPercent is (original-final)/original*100, 0.0 when the
	// original size is zero. Negative values indicate growth.
	ReductionPercent float64 `json:"reduction_percent"`

	// ExecutionTimeMs is the wall-clock apply duration in milliseconds
	ExecutionTimeMs float64 `json:"execution_time_ms"`

	// FiltersApplied lists the filter ids actually run, in order
	FiltersApplied []string `json:"filters_applied"`

	// Error describes the failure when Success is false
	Error string `json:"error,omitempty"`

	// Metadata carries operation-specific detail (e.g. per-step breakdown
	// for chains).
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// StepResult is the per-step instrumentation entry recorded during chain
// execution.
type StepResult struct {
	StepOrder        int     `json:"step_order"`
	FilterID         string  `json:"filter_id"`
	SizeBefore       int     `json:"size_before"`
	SizeAfter        int     `json:"size_after"`
	ReductionPercent float64 `json:"reduction_percent"`
}

// Document is the bulk interchange format for catalog import and export.
type Document struct {
	Metadata DocumentMetadata `json:"metadata"`
	Filters  []Definition     `json:"filters"`
}

// DocumentMetadata describes how an export document was produced.
type DocumentMetadata struct {
	Version     string `json:"version"`
	ExportedAt  string `json:"exported_at,omitempty"`
	FilterCount int    `json:"filter_count"`
	Category    string `json:"category,omitempty"`
	FilterType  string `json:"filter_type,omitempty"`
}

// ImportResult reports the outcome of a best-effort bulk import. Partial
// success is the normal outcome: individual failures are collected, never
// raised.
type ImportResult struct {
	Imported int      `json:"imported_count"`
	Failed   int      `json:"failed_count"`
	Errors   []string `json:"errors,omitempty"`
}

// ValidationResult reports structural errors, soft warnings, and behavioral
// test outcomes for one definition.
type ValidationResult struct {
	Valid       bool         `json:"valid"`
	Errors      []string     `json:"errors,omitempty"`
	Warnings    []string     `json:"warnings,omitempty"`
	TestResults []TestResult `json:"test_results,omitempty"`
}

// Test statuses reported by validation.
const (
	TestStatusPassed = "passed"
	TestStatusFailed = "failed"
	TestStatusError  = "error"
)

// TestResult is the outcome of executing one declared test case.
type TestResult struct {
	TestName string      `json:"test_name"`
	Status   string      `json:"status"`
	Expected interface{} `json:"expected,omitempty"`
	Actual   interface{} `json:"actual,omitempty"`
	Error    string      `json:"error,omitempty"`
}
