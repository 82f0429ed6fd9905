package xrayconf

// GenericMap is a decoded JSON object.
type GenericMap = map[string]any

func cloneMap(src GenericMap) GenericMap {
	if src == nil {
		return nil
	}
	out := make(GenericMap, len(src))
	for k, v := range src {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch value := v.(type) {
	case map[string]any:
		return cloneMap(value)
	case []any:
		out := make([]any, len(value))
		for i, elem := range value {
			out[i] = cloneValue(elem)
		}
		return out
	case []map[string]any:
		out := make([]any, len(value))
		for i, elem := range value {
			out[i] = cloneMap(elem)
		}
		return out
	case []string:
		out := make([]any, len(value))
		for i, elem := range value {
			out[i] = elem
		}
		return out
	default:
		return value
	}
}

func mapAt(m GenericMap, key string) GenericMap {
	if m == nil {
		return nil
	}
	v, _ := m[key].(map[string]any)
	return v
}

// ensureMap returns m[key] as an object, creating it when absent.
func ensureMap(m GenericMap, key string) GenericMap {
	if v, ok := m[key].(map[string]any); ok {
		return v
	}
	v := GenericMap{}
	m[key] = v
	return v
}

func listAt(m GenericMap, key string) []any {
	if m == nil {
		return nil
	}
	v, _ := m[key].([]any)
	return v
}

func stringAt(m GenericMap, key string) string {
	if m == nil {
		return ""
	}
	v, _ := m[key].(string)
	return v
}

func boolAt(m GenericMap, key string) bool {
	if m == nil {
		return false
	}
	v, _ := m[key].(bool)
	return v
}

// stringList accepts either a single string or a list of strings.
func stringList(v any) []string {
	switch value := v.(type) {
	case string:
		if value == "" {
			return nil
		}
		return []string{value}
	case []string:
		return append([]string(nil), value...)
	case []any:
		out := make([]string, 0, len(value))
		for _, item := range value {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
