package rules

import (
	"fmt"
	"strconv"
	"strings"
)

// Get reads a dotted path out of a decoded event tree. Trees are the shapes
// produced by encoding/json and yaml.v3: map[string]any, []any, scalars.
// Sequence segments must parse as base-10 non-negative indexes. A missing
// key, bad index, or scalar intermediate returns (nil, false). Never panics.
func Get(tree any, path string) (any, bool) {
	if path == "" {
		return nil, false
	}

	current := tree
	for _, segment := range strings.Split(path, ".") {
		switch node := current.(type) {
		case map[string]any:
			value, ok := node[segment]
			if !ok {
				return nil, false
			}
			current = value
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

// Stringify renders a tree value as its natural textual representation.
// Collections fall back to their default rendering; comparing against them
// is not a supported rule pattern.
func Stringify(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case bool:
		return strconv.FormatBool(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(v), 'f', -1, 32)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case uint64:
		return strconv.FormatUint(v, 10)
	default:
		return fmt.Sprintf("%v", v)
	}
}
