package mcp

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// placeholderRe matches ${{dotted.path}} placeholders inside string values.
var placeholderRe = regexp.MustCompile(`\$\{\{([^}]+)\}\}`)

// SubstituteVariables resolves ${{path}} placeholders in all string fields of
// a decoded JSON document against task data. Lookup is dot-separated and
// traverses both map keys and list indices. Unknown paths are preserved
// literally so misconfiguration stays loud downstream. The document structure
// is preserved.
func SubstituteVariables(value any, data map[string]any) any {
	switch v := value.(type) {
	case string:
		return substituteString(v, data)
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			out[k] = SubstituteVariables(item, data)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = SubstituteVariables(item, data)
		}
		return out
	default:
		return value
	}
}

func substituteString(s string, data map[string]any) string {
	return placeholderRe.ReplaceAllStringFunc(s, func(match string) string {
		path := placeholderRe.FindStringSubmatch(match)[1]
		resolved, ok := lookupPath(data, path)
		if !ok {
			return match
		}
		return stringify(resolved)
	})
}

// lookupPath walks a dot-separated path through nested maps and slices.
func lookupPath(data any, path string) (any, bool) {
	current := data
	for _, segment := range strings.Split(path, ".") {
		switch node := current.(type) {
		case map[string]any:
			next, ok := node[segment]
			if !ok {
				return nil, false
			}
			current = next
		case []any:
			idx, err := strconv.Atoi(segment)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, false
			}
			current = node[idx]
		default:
			return nil, false
		}
	}
	return current, true
}

// stringify renders scalar values the way the config consumer expects.
func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		if t == float64(int64(t)) {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", t)
	}
}
