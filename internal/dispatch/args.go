package dispatch

import (
	"encoding/json"
	"strconv"
	"strings"
)

// Args are the decoded arguments of a tool call.
type Args map[string]any

// String returns a string argument.
func (a Args) String(name string) (string, bool) {
	v, ok := a[name]
	if !ok || v == nil {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// RequireString returns a non-empty string argument or an INVALID_PARAMETERS error.
func (a Args) RequireString(name string) (string, error) {
	s, ok := a.String(name)
	if !ok || strings.TrimSpace(s) == "" {
		return "", invalidParams("missing required parameter %q", name)
	}
	return s, nil
}

// Int returns an integer argument. Decoded JSON numbers arrive as float64.
func (a Args) Int(name string) (int, bool, error) {
	v, ok := a[name]
	if !ok || v == nil {
		return 0, false, nil
	}
	switch n := v.(type) {
	case int:
		return n, true, nil
	case int32:
		return int(n), true, nil
	case int64:
		return int(n), true, nil
	case float32:
		return int(n), true, nil
	case float64:
		if n != float64(int(n)) {
			return 0, false, invalidParams("parameter %q must be an integer, got %v", name, n)
		}
		return int(n), true, nil
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, false, invalidParams("parameter %q must be an integer: %v", name, err)
		}
		return int(i), true, nil
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(n))
		if err != nil {
			return 0, false, invalidParams("parameter %q must be an integer, got %q", name, n)
		}
		return i, true, nil
	default:
		return 0, false, invalidParams("parameter %q must be an integer, got %T", name, v)
	}
}

// RequireInt returns an integer argument or an INVALID_PARAMETERS error.
func (a Args) RequireInt(name string) (int, error) {
	n, ok, err := a.Int(name)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, invalidParams("missing required parameter %q", name)
	}
	return n, nil
}

// Float returns a numeric argument, or def when absent or malformed.
func (a Args) Float(name string, def float64) float64 {
	switch n := a[name].(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case json.Number:
		if f, err := n.Float64(); err == nil {
			return f
		}
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSpace(n), 64); err == nil {
			return f
		}
	}
	return def
}

// Bool returns a boolean argument, or def when absent.
func (a Args) Bool(name string, def bool) bool {
	switch b := a[name].(type) {
	case bool:
		return b
	case string:
		if v, err := strconv.ParseBool(b); err == nil {
			return v
		}
	}
	return def
}

// Strings accepts either a single string or a list of strings.
func (a Args) Strings(name string) []string {
	switch v := a[name].(type) {
	case string:
		if v == "" {
			return nil
		}
		return []string{v}
	case []string:
		return v
	case []any:
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
