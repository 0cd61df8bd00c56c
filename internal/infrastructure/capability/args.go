package capability

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/streamplug/streamplug/internal/infrastructure/sandbox"
)

// arguments wraps the positional argument list a capability request
// carries. Values arrive JSON-decoded: strings, float64 numbers, bools,
// []any and map[string]any.
type arguments []any

func (a arguments) at(i int) (any, bool) {
	if i < 0 || i >= len(a) {
		return nil, false
	}
	return a[i], true
}

// str returns the required string at position i.
func (a arguments) str(i int, field string) (string, error) {
	v, ok := a.at(i)
	if !ok {
		return "", &sandbox.ValidationError{Field: field, Reason: "missing argument"}
	}
	s, ok := v.(string)
	if !ok {
		return "", &sandbox.ValidationError{Field: field, Reason: fmt.Sprintf("expected string, got %T", v)}
	}
	return s, nil
}

// strOr returns the string at position i, or fallback when absent or not
// a string.
func (a arguments) strOr(i int, fallback string) string {
	v, ok := a.at(i)
	if !ok {
		return fallback
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fallback
}

// int returns the required integer at position i. JSON numbers arrive as
// float64; fractional values are rejected.
func (a arguments) int(i int, field string) (int64, error) {
	v, ok := a.at(i)
	if !ok {
		return 0, &sandbox.ValidationError{Field: field, Reason: "missing argument"}
	}
	switch n := v.(type) {
	case float64:
		if n != float64(int64(n)) {
			return 0, &sandbox.ValidationError{Field: field, Reason: "expected integer"}
		}
		return int64(n), nil
	case int64:
		return n, nil
	case json.Number:
		parsed, err := n.Int64()
		if err != nil {
			return 0, &sandbox.ValidationError{Field: field, Reason: "expected integer"}
		}
		return parsed, nil
	default:
		return 0, &sandbox.ValidationError{Field: field, Reason: fmt.Sprintf("expected integer, got %T", v)}
	}
}

// intOr returns the integer at position i, or fallback when absent or not
// numeric.
func (a arguments) intOr(i int, fallback int64) int64 {
	n, err := a.int(i, "")
	if err != nil {
		return fallback
	}
	return n
}

// floatAt returns the number at position i when present.
func (a arguments) floatAt(i int) (float64, bool) {
	v, ok := a.at(i)
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case int64:
		return float64(n), true
	case json.Number:
		parsed, err := n.Float64()
		if err != nil {
			return 0, false
		}
		return parsed, true
	default:
		return 0, false
	}
}

// strSlice returns the string array at position i. Absent values yield an
// empty slice; present non-arrays are errors.
func (a arguments) strSlice(i int, field string) ([]string, error) {
	v, ok := a.at(i)
	if !ok || v == nil {
		return nil, nil
	}
	raw, ok := v.([]any)
	if !ok {
		if direct, ok := v.([]string); ok {
			return direct, nil
		}
		return nil, &sandbox.ValidationError{Field: field, Reason: fmt.Sprintf("expected array of strings, got %T", v)}
	}
	out := make([]string, len(raw))
	for j, item := range raw {
		s, ok := item.(string)
		if !ok {
			return nil, &sandbox.ValidationError{Field: field, Reason: fmt.Sprintf("element %d is not a string", j)}
		}
		out[j] = s
	}
	return out, nil
}

func sortStrings(s []string) {
	sort.Strings(s)
}
