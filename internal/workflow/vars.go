package workflow

// resolveConfig recursively rewrites cfg against context: any string value
// whose first character is '$' is replaced with context[value[1:]] if that
// key exists, else left as-is. Maps and slices are traversed; non-string
// scalars pass through unchanged. This is shallow substitution, not
// template interpolation — "Hello $name" is never rewritten, only a bare
// "$name" is.
func resolveConfig(cfg map[string]any, context map[string]any) map[string]any {
	out := make(map[string]any, len(cfg))
	for k, v := range cfg {
		out[k] = resolveValue(v, context)
	}
	return out
}

func resolveValue(v any, context map[string]any) any {
	switch val := v.(type) {
	case string:
		if len(val) > 0 && val[0] == '$' {
			if resolved, ok := context[val[1:]]; ok {
				return resolved
			}
		}
		return val
	case map[string]any:
		return resolveConfig(val, context)
	case []any:
		out := make([]any, len(val))
		for i, elem := range val {
			out[i] = resolveValue(elem, context)
		}
		return out
	default:
		return val
	}
}
