package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"regexp"

	"github.com/Pelmog/zigi-amazon-mcp/internal/errhandling"
	"github.com/Pelmog/zigi-amazon-mcp/internal/evaluator"
	"github.com/Pelmog/zigi-amazon-mcp/pkg/filter"
)

var paramTokenPattern = regexp.MustCompile(`\{([a-zA-Z_][a-zA-Z0-9_]*)\}`)

// Validate checks a definition without persisting it. Structural problems
// and erroring test cases make the result invalid; a test case that merely
// produces the wrong output is reported as a warning, since the expectation
// itself may be stale.
func (c *Catalog) Validate(ctx context.Context, def *filter.Definition) (*filter.ValidationResult, error) {
	result := &filter.ValidationResult{Valid: true}

	if err := checkStructure(def); err != nil {
		result.Valid = false
		result.Errors = append(result.Errors, err.Error())
		return result, nil
	}

	if def.FilterType == filter.TypeChain {
		if err := c.checkChainSteps(ctx, c.store.DB(), def); err != nil {
			if errhandling.CategoryOf(err) == errhandling.CategoryStore {
				return nil, err
			}
			result.Valid = false
			result.Errors = append(result.Errors, err.Error())
		}
		return result, nil
	}

	for _, token := range paramTokenPattern.FindAllStringSubmatch(def.Query, -1) {
		if _, declared := def.Parameters[token[1]]; !declared {
			result.Warnings = append(result.Warnings,
				fmt.Sprintf("query references undeclared parameter %q", token[1]))
		}
	}

	for _, tc := range def.TestCases {
		result.TestResults = append(result.TestResults, runTestCase(def, tc))
	}
	for _, tr := range result.TestResults {
		switch tr.Status {
		case filter.TestStatusError:
			result.Valid = false
			result.Errors = append(result.Errors,
				fmt.Sprintf("test %q errored: %s", tr.TestName, tr.Error))
		case filter.TestStatusFailed:
			result.Warnings = append(result.Warnings,
				fmt.Sprintf("test %q produced unexpected output", tr.TestName))
		}
	}

	return result, nil
}

// runTestCase executes one stored test case against the definition's query
// with parameter defaults substituted.
func runTestCase(def *filter.Definition, tc filter.TestCase) filter.TestResult {
	values, err := filter.MergeParams(def.Parameters, nil)
	if err != nil {
		return filter.TestResult{
			TestName: tc.Name,
			Status:   filter.TestStatusError,
			Error:    fmt.Sprintf("resolving parameter defaults: %v", err),
		}
	}
	query := filter.SubstituteParams(def.Query, def.Parameters, values)

	actual, err := evaluator.Evaluate(tc.Input, query)
	if err != nil {
		return filter.TestResult{
			TestName: tc.Name,
			Status:   filter.TestStatusError,
			Expected: tc.Expected,
			Error:    err.Error(),
		}
	}

	normalized, err := normalizeJSON(actual)
	if err != nil {
		return filter.TestResult{
			TestName: tc.Name,
			Status:   filter.TestStatusError,
			Expected: tc.Expected,
			Error:    fmt.Sprintf("normalizing output: %v", err),
		}
	}

	status := filter.TestStatusPassed
	if !reflect.DeepEqual(normalized, tc.Expected) {
		status = filter.TestStatusFailed
	}
	return filter.TestResult{
		TestName: tc.Name,
		Status:   status,
		Expected: tc.Expected,
		Actual:   normalized,
	}
}

// normalizeJSON round-trips a value through JSON so evaluator output
// compares structurally against stored expectations regardless of the
// concrete Go types the engine produced.
func normalizeJSON(value interface{}) (interface{}, error) {
	encoded, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	var out interface{}
	if err := json.Unmarshal(encoded, &out); err != nil {
		return nil, err
	}
	return out, nil
}
