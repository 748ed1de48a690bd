package executor

import (
	"encoding/json"

	"tempus/pkg/models"
)

// Payload bags arrive as decoded JSON, so numbers may be float64 or
// json.Number depending on the path they took.

func stringField(p models.JSONMap, key string) string {
	if v, ok := p[key].(string); ok {
		return v
	}
	return ""
}

func intField(p models.JSONMap, key string, def int) int {
	switch v := p[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return int(n)
		}
	}
	return def
}

func mapField(p models.JSONMap, key string) map[string]interface{} {
	switch v := p[key].(type) {
	case map[string]interface{}:
		return v
	case models.JSONMap:
		return v
	}
	return nil
}

func stringsField(p models.JSONMap, key string) []string {
	switch v := p[key].(type) {
	case []string:
		return v
	case string:
		if v == "" {
			return nil
		}
		return []string{v}
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
