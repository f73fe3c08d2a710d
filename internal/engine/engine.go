// Package engine executes filters against JSON documents and measures the
// size reduction they achieve. Every apply operation returns a uniform
// result envelope instead of a Go error: callers forward the envelope to
// API consumers as-is, so failures must be data, not control flow.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/Pelmog/zigi-amazon-mcp/internal/catalog"
	"github.com/Pelmog/zigi-amazon-mcp/internal/errhandling"
	"github.com/Pelmog/zigi-amazon-mcp/internal/evaluator"
	"github.com/Pelmog/zigi-amazon-mcp/internal/logger"
	"github.com/Pelmog/zigi-amazon-mcp/pkg/filter"
)

// Engine applies catalog filters to documents. It is stateless; all filter
// definitions come from the catalog on every call.
type Engine struct {
	catalog *catalog.Catalog
}

// New creates an engine over a catalog.
func New(c *catalog.Catalog) *Engine {
	return &Engine{catalog: c}
}

// ApplyByID applies a single stored filter. Chain filters delegate to
// ApplyChain so callers can apply any filter id uniformly.
func (e *Engine) ApplyByID(ctx context.Context, filterID string, document interface{}, params map[string]interface{}) *filter.Result {
	start := time.Now()

	def, err := e.catalog.GetByID(ctx, filterID)
	if err != nil {
		return failResult(document, start, err)
	}
	if def == nil {
		return failResult(document, start, errhandling.NewNotFoundError(filterID))
	}
	if def.FilterType == filter.TypeChain {
		return e.ApplyChain(ctx, filterID, document, params)
	}

	out, err := e.applyDefinition(def, document, params)
	if err != nil {
		return failResult(document, start, err)
	}

	result := successResult(document, out, start, []string{filterID})
	logApply(filterID, result)
	return result
}

// ApplyChain resolves a stored chain and pipes the document through its
// steps in order. Execution stops at the first failing step; per-step size
// measurements are recorded in the result metadata either way.
func (e *Engine) ApplyChain(ctx context.Context, chainID string, document interface{}, params map[string]interface{}) *filter.Result {
	start := time.Now()

	chain, err := e.catalog.ResolveChain(ctx, chainID)
	if err != nil {
		return failResult(document, start, err)
	}

	result := e.runSteps(chain.Steps, document, params, start)
	result.Metadata["chain_id"] = chainID
	logApply(chainID, result)
	return result
}

// ApplyCustomChain applies an ad-hoc ordered list of filter ids. Stored
// chains may not appear in the list; nesting would make the custom chain a
// chain of chains.
func (e *Engine) ApplyCustomChain(ctx context.Context, filterIDs []string, document interface{}, params map[string]interface{}) *filter.Result {
	start := time.Now()

	if len(filterIDs) == 0 {
		return failResult(document, start,
			errhandling.NewInvalidSelectorError("custom chain is empty", nil))
	}

	steps := make([]filter.Step, 0, len(filterIDs))
	for i, id := range filterIDs {
		def, err := e.catalog.GetByID(ctx, id)
		if err != nil {
			return failResult(document, start, err)
		}
		if def == nil {
			return failResult(document, start, errhandling.NewNotFoundError(id))
		}
		if def.FilterType == filter.TypeChain {
			return failResult(document, start, errhandling.NewInvalidSelectorError(
				fmt.Sprintf("custom chain step %q is a chain filter: chains of chains are not allowed", id), nil))
		}
		steps = append(steps, filter.Step{Order: i + 1, FilterID: id, Definition: def})
	}

	return e.runSteps(steps, document, params, start)
}

// ApplyCustomExpression evaluates a one-off expression that is not stored
// in the catalog.
func (e *Engine) ApplyCustomExpression(ctx context.Context, expression string, document interface{}) *filter.Result {
	start := time.Now()

	out, err := evaluator.Evaluate(document, expression)
	if err != nil {
		return failResult(document, start, err)
	}
	return successResult(document, out, start, []string{"custom"})
}

// runSteps pipes the document through resolved steps, recording a size
// measurement per step.
func (e *Engine) runSteps(steps []filter.Step, document interface{}, params map[string]interface{}, start time.Time) *filter.Result {
	current := document
	applied := make([]string, 0, len(steps))
	stepResults := make([]filter.StepResult, 0, len(steps))

	for _, step := range steps {
		before := sizeOf(current)
		out, err := e.applyDefinition(step.Definition, current, params)
		if err != nil {
			result := failResult(document, start, err)
			result.Metadata["steps"] = stepResults
			result.Metadata["failed_step"] = step.FilterID
			result.FiltersApplied = applied
			return result
		}
		after := sizeOf(out)
		stepResults = append(stepResults, filter.StepResult{
			StepOrder:        step.Order,
			FilterID:         step.FilterID,
			SizeBefore:       before,
			SizeAfter:        after,
			ReductionPercent: reductionPercent(before, after),
		})
		applied = append(applied, step.FilterID)
		current = out
	}

	result := successResult(document, current, start, applied)
	result.Metadata["steps"] = stepResults
	return result
}

// applyDefinition resolves parameters and evaluates one non-chain filter.
func (e *Engine) applyDefinition(def *filter.Definition, document interface{}, params map[string]interface{}) (interface{}, error) {
	values, err := filter.MergeParams(def.Parameters, params)
	if err != nil {
		if cerr, ok := err.(*errhandling.ClassifiedError); ok && cerr.FilterID == "" {
			cerr.FilterID = def.ID
		}
		return nil, err
	}
	query := filter.SubstituteParams(def.Query, def.Parameters, values)
	return evaluator.Evaluate(document, query)
}

// Discovery groups the filters usable for an endpoint by type.
type Discovery struct {
	RecordFilters []filter.Definition `json:"record_filters"`
	FieldFilters  []filter.Definition `json:"field_filters"`
	ChainFilters  []filter.Definition `json:"chain_filters"`
	TotalCount    int                 `json:"total_count"`
}

// Discover lists the active filters compatible with an endpoint, grouped
// by filter type. An empty endpoint lists the whole catalog.
func (e *Engine) Discover(ctx context.Context, endpoint string) (*Discovery, error) {
	defs, err := e.catalog.Search(ctx, catalog.Query{Endpoint: endpoint})
	if err != nil {
		return nil, err
	}

	d := &Discovery{
		RecordFilters: []filter.Definition{},
		FieldFilters:  []filter.Definition{},
		ChainFilters:  []filter.Definition{},
		TotalCount:    len(defs),
	}
	for _, def := range defs {
		switch def.FilterType {
		case filter.TypeRecord:
			d.RecordFilters = append(d.RecordFilters, def)
		case filter.TypeField:
			d.FieldFilters = append(d.FieldFilters, def)
		case filter.TypeChain:
			d.ChainFilters = append(d.ChainFilters, def)
		}
	}
	return d, nil
}

// PickDefaultReduction chooses the endpoint-compatible field filter with
// the highest estimated reduction. No candidate is a valid outcome and
// returns (nil, nil); field filters only shape records, so they are safe
// to apply without caller intent.
func (e *Engine) PickDefaultReduction(ctx context.Context, endpoint string) (*filter.Definition, error) {
	defs, err := e.catalog.Search(ctx, catalog.Query{
		Endpoint:   endpoint,
		FilterType: filter.TypeField,
	})
	if err != nil {
		return nil, err
	}

	var best *filter.Definition
	for i := range defs {
		def := &defs[i]
		if def.EstimatedReductionPercent == nil {
			continue
		}
		if best == nil || *def.EstimatedReductionPercent > *best.EstimatedReductionPercent {
			best = def
		}
	}
	return best, nil
}

// sizeOf measures a document as the byte length of its JSON encoding.
// Unencodable documents fall back to their string rendering so size-based
// metrics never abort an apply.
func sizeOf(document interface{}) int {
	encoded, err := json.Marshal(document)
	if err != nil {
		return len(fmt.Sprint(document))
	}
	return len(encoded)
}

// reductionPercent is (original - final) / original * 100, rounded to one
// decimal place. An empty original yields 0.0; a filter that grows the
// document yields a negative percentage.
func reductionPercent(original, final int) float64 {
	if original == 0 {
		return 0.0
	}
	pct := float64(original-final) / float64(original) * 100
	return math.Round(pct*10) / 10
}

func successResult(original, final interface{}, start time.Time, applied []string) *filter.Result {
	originalSize := sizeOf(original)
	finalSize := sizeOf(final)
	return &filter.Result{
		Success:           true,
		Data:              final,
		OriginalSizeBytes: originalSize,
		FinalSizeBytes:    finalSize,
		ReductionPercent:  reductionPercent(originalSize, finalSize),
		ExecutionTimeMs:   float64(time.Since(start).Microseconds()) / 1000,
		FiltersApplied:    applied,
		Metadata:          map[string]interface{}{},
	}
}

// failResult builds the failure envelope: the original document passes
// through untouched and the error category travels in the metadata.
func failResult(document interface{}, start time.Time, err error) *filter.Result {
	size := sizeOf(document)
	return &filter.Result{
		Success:           false,
		Data:              document,
		OriginalSizeBytes: size,
		FinalSizeBytes:    size,
		ReductionPercent:  0.0,
		ExecutionTimeMs:   float64(time.Since(start).Microseconds()) / 1000,
		FiltersApplied:    []string{},
		Error:             err.Error(),
		Metadata: map[string]interface{}{
			"error_code": string(errhandling.CategoryOf(err)),
		},
	}
}

func logApply(filterID string, result *filter.Result) {
	if result.Success {
		logger.Debug("filter applied",
			slog.String("filter_id", filterID),
			slog.Int("original_bytes", result.OriginalSizeBytes),
			slog.Int("final_bytes", result.FinalSizeBytes),
			slog.Float64("reduction_percent", result.ReductionPercent),
		)
		return
	}
	logger.Warn("filter application failed",
		slog.String("filter_id", filterID),
		slog.String("error", result.Error),
	)
}
