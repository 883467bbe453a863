// Package strategies ships the built-in authentication strategies and
// registers them into the plugin registry.
package strategies

import "fmt"

// optString reads a string option.
func optString(options map[string]interface{}, key string) string {
	v, _ := options[key].(string)
	return v
}

// optStringRequired reads a string option that must be present.
func optStringRequired(options map[string]interface{}, key string) (string, error) {
	v, ok := options[key].(string)
	if !ok || v == "" {
		return "", fmt.Errorf("option %q is required", key)
	}
	return v, nil
}

// optStringMap reads a map option with string values. YAML unmarshals
// nested maps as map[string]interface{}, so both shapes are accepted.
func optStringMap(options map[string]interface{}, key string) map[string]string {
	out := make(map[string]string)

	switch m := options[key].(type) {
	case map[string]interface{}:
		for k, v := range m {
			if s, ok := v.(string); ok {
				out[k] = s
			}
		}
	case map[string]string:
		for k, v := range m {
			out[k] = v
		}
	}

	return out
}

// optStringSlice reads a list option with string values.
func optStringSlice(options map[string]interface{}, key string) []string {
	var out []string

	switch l := options[key].(type) {
	case []interface{}:
		for _, v := range l {
			if s, ok := v.(string); ok {
				out = append(out, s)
			}
		}
	case []string:
		out = append(out, l...)
	}

	return out
}
