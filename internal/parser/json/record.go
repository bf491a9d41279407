package json

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

// Record is one decoded JSON object. Numbers are json.Number values.
//
// The typed accessors below return (value, present, err): present is false
// when the key is absent or null, and err is non-nil only when the key is
// present with a value of an unusable type.
type Record map[string]any

// String returns the value for key as a string. Numbers are rendered with
// their original JSON text, so {"userId": 42} and {"userId": "42"} agree.
func (r Record) String(key string) (string, bool, error) {
	v, ok := r[key]
	if !ok || v == nil {
		return "", false, nil
	}
	switch t := v.(type) {
	case string:
		return t, true, nil
	case json.Number:
		return t.String(), true, nil
	default:
		return "", true, fmt.Errorf("field %q: got %T, want string", key, v)
	}
}

// Float returns the value for key as a float64. Numeric strings are accepted.
func (r Record) Float(key string) (float64, bool, error) {
	v, ok := r[key]
	if !ok || v == nil {
		return 0, false, nil
	}
	var (
		f   float64
		err error
	)
	switch t := v.(type) {
	case json.Number:
		f, err = t.Float64()
	case string:
		f, err = strconv.ParseFloat(t, 64)
	default:
		return 0, true, fmt.Errorf("field %q: got %T, want number", key, v)
	}
	if err != nil {
		return 0, true, fmt.Errorf("field %q: %w", key, err)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, true, fmt.Errorf("field %q: not a finite number", key)
	}
	return f, true, nil
}

// Int returns the value for key as an int64. Integral floats such as 1.5e12
// are accepted; fractional values are an error.
func (r Record) Int(key string) (int64, bool, error) {
	v, ok := r[key]
	if !ok || v == nil {
		return 0, false, nil
	}
	var s string
	switch t := v.(type) {
	case json.Number:
		s = t.String()
	case string:
		s = t
	default:
		return 0, true, fmt.Errorf("field %q: got %T, want integer", key, v)
	}
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i, true, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, true, fmt.Errorf("field %q: %w", key, err)
	}
	if f != math.Trunc(f) {
		return 0, true, fmt.Errorf("field %q: %v is not an integer", key, f)
	}
	// float64(math.MaxInt64) rounds up to 2^63, which int64 cannot hold.
	if f >= 1<<63 || f < -(1<<63) {
		return 0, true, fmt.Errorf("field %q: %v overflows int64", key, f)
	}
	return int64(f), true, nil
}
