package mcp

import "maps"

// FixArguments repairs argument mistakes models commonly make for the Data
// Commons tools. The input map is never modified.
func FixArguments(name string, args map[string]any) map[string]any {
	out := maps.Clone(args)
	if out == nil {
		out = map[string]any{}
	}

	switch name {
	case "get_observations":
		if (truthy(out["date_range_start"]) || truthy(out["date_range_end"])) && out["date"] != "range" {
			out["date"] = "range"
		}
		if _, ok := out["date"]; !ok {
			out["date"] = "latest"
		}
		maps.DeleteFunc(out, func(_ string, v any) bool { return v == nil })

	case "search_indicators":
		if places, ok := out["places"].(string); ok {
			out["places"] = []any{places}
		}
	}

	return out
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case string:
		return t != ""
	case bool:
		return t
	case float64:
		return t != 0
	case int:
		return t != 0
	case []any:
		return len(t) > 0
	case map[string]any:
		return len(t) > 0
	default:
		return true
	}
}
