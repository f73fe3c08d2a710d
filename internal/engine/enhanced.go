package engine

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Pelmog/zigi-amazon-mcp/internal/errhandling"
	"github.com/Pelmog/zigi-amazon-mcp/pkg/filter"
)

// EnhancedRequest is the single-entry-point request shape. At most one
// reduction strategy is honored per call, in priority order: filter chain,
// stored filter id, custom expression, automatic reduction, passthrough.
type EnhancedRequest struct {
	Endpoint       string   `json:"endpoint"`
	FilterID       string   `json:"filter_id,omitempty"`
	FilterChain    []string `json:"filter_chain,omitempty"`
	CustomFilter   string   `json:"custom_filter,omitempty"`
	ParamsJSON     string   `json:"params,omitempty"`
	ReduceResponse bool     `json:"reduce_response,omitempty"`
}

// Strategy names recorded in the enhanced result metadata.
const (
	StrategyChain       = "filter_chain"
	StrategyFilterID    = "filter_id"
	StrategyCustom      = "custom_filter"
	StrategyReduce      = "default_reduction"
	StrategyPassthrough = "passthrough"
)

// ApplyEnhanced applies the highest-priority strategy the request names
// and decorates the result with a traceable envelope. It never returns an
// error: every failure is reported inside the envelope so API consumers
// see one uniform shape.
func (e *Engine) ApplyEnhanced(ctx context.Context, document interface{}, req EnhancedRequest) *filter.Result {
	params, err := decodeParams(req.ParamsJSON)
	if err != nil {
		result := failResult(document, time.Now(), err)
		decorate(result, req.Endpoint, StrategyPassthrough)
		return result
	}

	var (
		result   *filter.Result
		strategy string
	)
	switch {
	case len(req.FilterChain) == 1:
		// A single id may name a stored chain; ApplyByID routes
		// chain-typed filters through chain execution.
		strategy = StrategyChain
		result = e.ApplyByID(ctx, req.FilterChain[0], document, params)

	case len(req.FilterChain) > 1:
		strategy = StrategyChain
		result = e.ApplyCustomChain(ctx, req.FilterChain, document, params)

	case req.FilterID != "":
		strategy = StrategyFilterID
		result = e.ApplyByID(ctx, req.FilterID, document, params)

	case strings.TrimSpace(req.CustomFilter) != "":
		strategy = StrategyCustom
		result = e.ApplyCustomExpression(ctx, req.CustomFilter, document)

	case req.ReduceResponse && req.Endpoint != "":
		strategy = StrategyReduce
		result = e.applyDefaultReduction(ctx, document, req.Endpoint, params)

	default:
		strategy = StrategyPassthrough
		result = successResult(document, document, time.Now(), []string{})
	}

	decorate(result, req.Endpoint, strategy)
	return result
}

// applyDefaultReduction applies the endpoint's best field filter, or
// passes the document through when the endpoint has none.
func (e *Engine) applyDefaultReduction(ctx context.Context, document interface{}, endpoint string, params map[string]interface{}) *filter.Result {
	start := time.Now()

	def, err := e.PickDefaultReduction(ctx, endpoint)
	if err != nil {
		return failResult(document, start, err)
	}
	if def == nil {
		result := successResult(document, document, start, []string{})
		result.Metadata["reduction_available"] = false
		return result
	}

	result := e.ApplyByID(ctx, def.ID, document, params)
	result.Metadata["reduction_available"] = true
	return result
}

// decodeParams parses the request's JSON parameter object. Malformed JSON
// is the caller's mistake, so it is classified as an invalid selector
// rather than an evaluation failure.
func decodeParams(paramsJSON string) (map[string]interface{}, error) {
	if strings.TrimSpace(paramsJSON) == "" {
		return nil, nil
	}
	var params map[string]interface{}
	if err := json.Unmarshal([]byte(paramsJSON), &params); err != nil {
		return nil, errhandling.NewInvalidSelectorError("invalid parameters: params must be a JSON object", err)
	}
	return params, nil
}

// decorate stamps the envelope fields every enhanced result carries.
func decorate(result *filter.Result, endpoint, strategy string) {
	if result.Metadata == nil {
		result.Metadata = map[string]interface{}{}
	}
	result.Metadata["execution_id"] = uuid.NewString()
	result.Metadata["timestamp"] = time.Now().UTC().Format(time.RFC3339)
	result.Metadata["endpoint"] = endpoint
	result.Metadata["strategy"] = strategy
}
