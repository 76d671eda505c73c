package handlers

import "fmt"

func strParam(params map[string]any, name string) (string, error) {
	v, ok := params[name].(string)
	if !ok || v == "" {
		return "", fmt.Errorf("%s parameter required", name)
	}
	return v, nil
}

func optStrParam(params map[string]any, name string) string {
	v, _ := params[name].(string)
	return v
}

func boolParam(params map[string]any, name string) bool {
	v, _ := params[name].(bool)
	return v
}

func intParam(params map[string]any, name string, def int) int {
	switch v := params[name].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return def
	}
}
