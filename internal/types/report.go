package types

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// RawReport is one contributor's submission for a pair. Field values are
// a string, a list of strings, or a boolean, as decoded from JSON.
// Reports are never mutated after creation.
type RawReport struct {
	ID        string         `json:"id"`
	Key       PairKey        `json:"key"`
	Fields    map[string]any `json:"fields"`
	CreatedAt time.Time      `json:"created_at"`
}

// Validate checks the report before it is stored
func (r *RawReport) Validate() error {
	if err := r.Key.Validate(); err != nil {
		return fmt.Errorf("invalid pair key: %w", err)
	}
	if len(r.Fields) == 0 {
		return fmt.Errorf("report has no fields")
	}
	for name, v := range r.Fields {
		switch v.(type) {
		case nil, string, bool, float64, int, []any, []string:
		default:
			return fmt.Errorf("field %s has unsupported value type %T", name, v)
		}
	}
	return nil
}

// Lookup returns the first present, non-null value among the given names.
// Callers pass the canonical field name followed by its legacy aliases.
func (r *RawReport) Lookup(names ...string) (any, bool) {
	for _, name := range names {
		v, ok := r.Fields[name]
		if ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

// ScalarValue coerces a raw value to a trimmed string. Numbers are
// formatted; lists and booleans are not scalars.
func ScalarValue(v any) (string, bool) {
	switch x := v.(type) {
	case string:
		s := strings.TrimSpace(x)
		return s, s != ""
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64), true
	case int:
		return strconv.Itoa(x), true
	case json.Number:
		return x.String(), true
	}
	return "", false
}

// ListValue coerces a raw value to a de-duplicated list of non-empty
// strings, preserving order. A bare string counts as a one-item list.
func ListValue(v any) []string {
	var items []string
	switch x := v.(type) {
	case string:
		items = []string{x}
	case []string:
		items = x
	case []any:
		for _, item := range x {
			if s, ok := ScalarValue(item); ok {
				items = append(items, s)
			}
		}
	default:
		return nil
	}

	seen := make(map[string]bool, len(items))
	out := make([]string, 0, len(items))
	for _, item := range items {
		s := strings.TrimSpace(item)
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

// BoolValue coerces a raw value to the literal "true" or "false"
func BoolValue(v any) (string, bool) {
	switch x := v.(type) {
	case bool:
		return strconv.FormatBool(x), true
	case string:
		switch strings.ToLower(strings.TrimSpace(x)) {
		case "true", "yes", "1":
			return "true", true
		case "false", "no", "0":
			return "false", true
		}
	}
	return "", false
}
