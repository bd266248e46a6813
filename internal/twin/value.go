package twin

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Coerce converts v to the Go representation of t.
//
// Boolean accepts true, false, "true", "false", "True" and "False".
// Integer accepts signed integers, integral floats and their string forms.
// Double accepts decimal numbers and their string forms; NaN and Inf are rejected.
// String accepts anything.
//
// The returned value is a bool, int64, float64 or string.
func Coerce(t ValueType, v any) (any, error) {
	switch t {
	case Boolean:
		return coerceBool(v)
	case Integer:
		return coerceInt(v)
	case Double:
		return coerceFloat(v)
	case String:
		return coerceString(v), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidType, t)
	}
}

// CoerceString is Coerce followed by Format.
func CoerceString(t ValueType, v any) (string, error) {
	c, err := Coerce(t, v)
	if err != nil {
		return "", err
	}
	return Format(c), nil
}

// Parse converts a stored canonical string back into its typed value.
// An empty string is returned as nil.
func Parse(t ValueType, s string) (any, error) {
	if s == "" && t != String {
		return nil, nil
	}
	return Coerce(t, s)
}

// Format renders a coerced value in its canonical stored form.
func Format(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case bool:
		return strconv.FormatBool(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case string:
		return val
	default:
		return fmt.Sprint(val)
	}
}

// DecodeJSON decodes a JSON scalar keeping numbers as json.Number so that
// large integers survive coercion.
func DecodeJSON(raw []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("decoding value: %w", err)
	}
	return v, nil
}

func coerceBool(v any) (bool, error) {
	switch val := v.(type) {
	case bool:
		return val, nil
	case string:
		switch val {
		case "true", "True":
			return true, nil
		case "false", "False":
			return false, nil
		}
	}
	return false, fmt.Errorf("%w: %v is not a Boolean", ErrCoercion, v)
}

func coerceInt(v any) (int64, error) {
	switch val := v.(type) {
	case int:
		return int64(val), nil
	case int32:
		return int64(val), nil
	case int64:
		return val, nil
	case float64:
		if val == math.Trunc(val) && !math.IsInf(val, 0) && math.Abs(val) < 1<<63 {
			return int64(val), nil
		}
	case json.Number:
		if n, err := val.Int64(); err == nil {
			return n, nil
		}
		if f, err := val.Float64(); err == nil {
			return coerceInt(f)
		}
	case string:
		if n, err := strconv.ParseInt(strings.TrimSpace(val), 10, 64); err == nil {
			return n, nil
		}
	}
	return 0, fmt.Errorf("%w: %v is not an Integer", ErrCoercion, v)
}

func coerceFloat(v any) (float64, error) {
	var f float64
	switch val := v.(type) {
	case int:
		return float64(val), nil
	case int64:
		return float64(val), nil
	case float32:
		f = float64(val)
	case float64:
		f = val
	case json.Number:
		parsed, err := val.Float64()
		if err != nil {
			return 0, fmt.Errorf("%w: %v is not a Double", ErrCoercion, v)
		}
		f = parsed
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %v is not a Double", ErrCoercion, v)
		}
		f = parsed
	default:
		return 0, fmt.Errorf("%w: %v is not a Double", ErrCoercion, v)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("%w: %v is not a finite Double", ErrCoercion, v)
	}
	return f, nil
}

func coerceString(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case json.Number:
		return val.String()
	default:
		return Format(val)
	}
}
