package metrics

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Tag is a line-protocol tag. Tags are written in the order given.
type Tag struct {
	Key   string
	Value string
}

// Field is a line-protocol field. Fields are written in the order given.
type Field struct {
	Key   string
	Value any
}

// Point is one sample. Timestamp is in epoch milliseconds.
type Point struct {
	Measurement string
	Tags        []Tag
	Fields      []Field
	Timestamp   int64
}

// FormatLine renders p as a single line-protocol line.
//
// Fields whose value is nil are skipped. A point without fields renders
// an empty string; the sink rejects such lines.
func FormatLine(p Point) string {
	var fields strings.Builder
	for _, f := range p.Fields {
		v, ok := formatFieldValue(f.Value)
		if !ok {
			continue
		}
		if fields.Len() > 0 {
			fields.WriteByte(',')
		}
		fields.WriteString(escapeTag(f.Key))
		fields.WriteByte('=')
		fields.WriteString(v)
	}
	if fields.Len() == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString(escapeMeasurement(p.Measurement))
	for _, t := range p.Tags {
		if t.Key == "" || t.Value == "" {
			continue
		}
		b.WriteByte(',')
		b.WriteString(escapeTag(t.Key))
		b.WriteByte('=')
		b.WriteString(escapeTag(t.Value))
	}
	b.WriteByte(' ')
	b.WriteString(fields.String())
	b.WriteByte(' ')
	b.WriteString(strconv.FormatInt(p.Timestamp, 10))
	return b.String()
}

// formatFieldValue renders bools and numbers as decimal floats and quotes strings.
func formatFieldValue(v any) (string, bool) {
	switch val := v.(type) {
	case nil:
		return "", false
	case bool:
		if val {
			return "1.0", true
		}
		return "0.0", true
	case int:
		return formatFloat(float64(val)), true
	case int32:
		return formatFloat(float64(val)), true
	case int64:
		return formatFloat(float64(val)), true
	case uint:
		return formatFloat(float64(val)), true
	case uint64:
		return formatFloat(float64(val)), true
	case float32:
		return formatFloat(float64(val)), true
	case float64:
		if math.IsNaN(val) || math.IsInf(val, 0) {
			return "", false
		}
		return formatFloat(val), true
	case string:
		return strconv.Quote(val), true
	default:
		return strconv.Quote(fmt.Sprint(val)), true
	}
}

// formatFloat renders f in plain decimal notation with at least one
// fractional digit ("1.0", "1000.0", "21.5").
func formatFloat(f float64) string {
	s := strconv.FormatFloat(f, 'f', -1, 64)
	if !strings.ContainsRune(s, '.') {
		s += ".0"
	}
	return s
}

// escapeTag escapes tag keys, tag values and field keys.
// Backslashes, commas, equals signs and spaces are backslash-escaped.
// Newlines are stripped to prevent line injection.
func escapeTag(s string) string {
	s = strings.NewReplacer("\n", "", "\r", "").Replace(s)
	return strings.NewReplacer(`\`, `\\`, " ", `\ `, ",", `\,`, "=", `\=`).Replace(s)
}

// escapeMeasurement escapes measurement names (commas and spaces).
func escapeMeasurement(s string) string {
	s = strings.NewReplacer("\n", "", "\r", "").Replace(s)
	return strings.NewReplacer(" ", `\ `, ",", `\,`).Replace(s)
}
