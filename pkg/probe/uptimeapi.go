package probe

import (
	"encoding/json"
	"fmt"

	"github.com/PaesslerAG/jsonpath"
)

// evaluatePredicate parses body as JSON and evaluates predicate, a
// JSONPath expression, returning whether it
// resolved to a truthy value. An empty predicate always passes, matching
// "200 and well-formed JSON is enough" as the default contract.
func evaluatePredicate(body []byte, predicate string) (bool, error) {
	if predicate == "" {
		return true, nil
	}

	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		return false, fmt.Errorf("decoding response body: %w", err)
	}

	v, err := jsonpath.Get(predicate, doc)
	if err != nil {
		return false, fmt.Errorf("evaluating predicate %q: %w", predicate, err)
	}

	return truthy(v), nil
}

func truthy(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case float64:
		return t != 0
	case string:
		return t != ""
	case nil:
		return false
	case []any:
		return len(t) > 0
	default:
		return true
	}
}
