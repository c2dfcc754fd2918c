package services

import (
	"regexp"

	"autoflow/pkg/utils"
)

var placeholderPattern = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_.\-]+)\s*\}\}`)

// SubstituteString replaces {{key}} with the string form of vars[key].
// Placeholders without a matching key are left as written.
func SubstituteString(s string, vars map[string]interface{}) string {
	if len(vars) == 0 {
		return s
	}
	return placeholderPattern.ReplaceAllStringFunc(s, func(m string) string {
		key := placeholderPattern.FindStringSubmatch(m)[1]
		v, ok := vars[key]
		if !ok {
			return m
		}
		return utils.StringValue(v)
	})
}

// SubstituteConfig returns a deep copy of cfg with every string value substituted,
// including strings nested inside maps and lists. cfg itself is never modified.
func SubstituteConfig(cfg map[string]interface{}, vars map[string]interface{}) map[string]interface{} {
	if cfg == nil {
		return map[string]interface{}{}
	}
	return substituteValue(cfg, vars).(map[string]interface{})
}

func substituteValue(v interface{}, vars map[string]interface{}) interface{} {
	switch x := v.(type) {
	case string:
		return SubstituteString(x, vars)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(x))
		for k, inner := range x {
			out[k] = substituteValue(inner, vars)
		}
		return out
	case map[string]string:
		out := make(map[string]string, len(x))
		for k, inner := range x {
			out[k] = SubstituteString(inner, vars)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(x))
		for i, inner := range x {
			out[i] = substituteValue(inner, vars)
		}
		return out
	case []string:
		out := make([]string, len(x))
		for i, inner := range x {
			out[i] = SubstituteString(inner, vars)
		}
		return out
	default:
		return v
	}
}
