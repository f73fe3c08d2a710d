// Package evaluator is the boundary to the expression engine that executes
// filter queries. Given a JSON document and an expression, it returns the
// transformed document or an evaluation error; callers treat it as opaque.
//
// Two dialects are supported:
//   - expr (default): the expression is an expr-lang program evaluated with
//     the input document bound as "data".
//   - js: the expression, prefixed with "js:", is a JavaScript source that
//     must define transform(data); its return value is the result.
package evaluator

import (
	"fmt"
	"strings"

	"github.com/dop251/goja"
	"github.com/expr-lang/expr"

	"github.com/Pelmog/zigi-amazon-mcp/internal/errhandling"
)

// ScriptPrefix selects the JavaScript dialect.
const ScriptPrefix = "js:"

// MaxScriptLength is the maximum allowed JavaScript source length in bytes.
const MaxScriptLength = 100 * 1024

// Evaluate executes expression against document and returns the transformed
// document. All failures are classified as evaluation errors.
func Evaluate(document interface{}, expression string) (interface{}, error) {
	if strings.TrimSpace(expression) == "" {
		return nil, errhandling.NewEvaluationError("expression is empty", nil)
	}

	if script, ok := strings.CutPrefix(expression, ScriptPrefix); ok {
		return evaluateScript(document, script)
	}
	return evaluateExpr(document, expression)
}

// evaluateExpr compiles and runs an expr program with the document bound as
// "data". AllowUndefinedVariables keeps missing fields from failing the
// whole evaluation.
func evaluateExpr(document interface{}, expression string) (interface{}, error) {
	program, err := expr.Compile(expression, expr.AllowUndefinedVariables())
	if err != nil {
		return nil, errhandling.NewEvaluationError(
			fmt.Sprintf("invalid expression syntax: %v", err), err)
	}

	env := map[string]interface{}{"data": document}
	output, err := expr.Run(program, env)
	if err != nil {
		return nil, errhandling.NewEvaluationError(
			fmt.Sprintf("expression evaluation failed: %v", err), err)
	}

	return output, nil
}

// evaluateScript runs a JavaScript transform over the document.
// A fresh runtime per call keeps evaluation stateless and safe for
// concurrent callers; goja runtimes are not goroutine-safe.
func evaluateScript(document interface{}, script string) (interface{}, error) {
	if strings.TrimSpace(script) == "" {
		return nil, errhandling.NewEvaluationError("script is empty", nil)
	}
	if len(script) > MaxScriptLength {
		return nil, errhandling.NewEvaluationError(
			fmt.Sprintf("script exceeds maximum length of %d bytes", MaxScriptLength), nil)
	}

	vm := goja.New()
	if _, err := vm.RunString(script); err != nil {
		return nil, errhandling.NewEvaluationError(
			fmt.Sprintf("script compilation failed: %v", err), err)
	}

	transformVal := vm.Get("transform")
	if transformVal == nil || goja.IsUndefined(transformVal) {
		return nil, errhandling.NewEvaluationError("transform function not found in script", nil)
	}
	transformFn, ok := goja.AssertFunction(transformVal)
	if !ok {
		return nil, errhandling.NewEvaluationError("transform is not a function", nil)
	}

	result, err := transformFn(goja.Undefined(), vm.ToValue(document))
	if err != nil {
		if jsErr, ok := err.(*goja.Exception); ok {
			return nil, errhandling.NewEvaluationError(
				fmt.Sprintf("script execution failed: %v", jsErr.Value()), err)
		}
		return nil, errhandling.NewEvaluationError(
			fmt.Sprintf("script execution failed: %v", err), err)
	}

	if result == nil || goja.IsUndefined(result) {
		return nil, errhandling.NewEvaluationError(
			"transform returned undefined - it must return the transformed document", nil)
	}

	return result.Export(), nil
}
