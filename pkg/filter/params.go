package filter

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Pelmog/zigi-amazon-mcp/internal/errhandling"
)

// MergeParams resolves the effective parameter values for one apply call:
// caller-supplied values take precedence over declared defaults. A declared
// parameter that is required but resolvable from neither source yields a
// MissingParameter error before any evaluation happens.
func MergeParams(declared map[string]Parameter, supplied map[string]interface{}) (map[string]interface{}, error) {
	merged := make(map[string]interface{}, len(declared))

	for name, decl := range declared {
		if value, ok := supplied[name]; ok {
			merged[name] = value
			continue
		}
		if decl.Default != nil {
			merged[name] = decl.Default
			continue
		}
		if decl.Required {
			return nil, errhandling.NewMissingParameterError(name, "")
		}
	}

	return merged, nil
}

// SubstituteParams replaces {name} tokens in query with the resolved values.
// Substitution touches only tokens matching declared parameter names, never
// incidental text that looks similar; this is a deliberately narrow
// mechanism, not free-form interpolation.
func SubstituteParams(query string, declared map[string]Parameter, values map[string]interface{}) string {
	if len(declared) == 0 {
		return query
	}

	for name := range declared {
		value, ok := values[name]
		if !ok {
			continue
		}
		query = strings.ReplaceAll(query, "{"+name+"}", renderParamValue(value))
	}
	return query
}

// renderParamValue renders a parameter value for token substitution.
// Strings substitute verbatim; everything else substitutes as its JSON
// encoding so numbers and booleans stay expression literals.
func renderParamValue(value interface{}) string {
	if s, ok := value.(string); ok {
		return s
	}
	encoded, err := json.Marshal(value)
	if err != nil {
		return fmt.Sprintf("%v", value)
	}
	return string(encoded)
}
