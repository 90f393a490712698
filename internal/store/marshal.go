package store

import (
	"fmt"
	"strconv"
	"time"

	"github.com/roach88/benchseq/internal/result"
)

// timeLayout is the stored timestamp format. Fixed-width fractional
// seconds keep text ordering equal to time ordering.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time %q: %w", s, err)
	}
	return t.UTC(), nil
}

// marshalValue converts a Value to its (kind, text) columns.
// Numbers use the shortest representation that round-trips.
func marshalValue(v result.Value) (string, string) {
	return string(v.Kind()), v.String()
}

// unmarshalValue rebuilds a Value from its columns.
func unmarshalValue(kind, text string) (result.Value, error) {
	switch result.Kind(kind) {
	case result.KindNumber:
		f, err := strconv.ParseFloat(text, 64)
		if err != nil {
			return result.Value{}, fmt.Errorf("unmarshal number %q: %w", text, err)
		}
		return result.Number(f), nil
	case result.KindString:
		return result.String(text), nil
	case result.KindBool:
		b, err := strconv.ParseBool(text)
		if err != nil {
			return result.Value{}, fmt.Errorf("unmarshal bool %q: %w", text, err)
		}
		return result.Bool(b), nil
	default:
		return result.Value{}, fmt.Errorf("unknown value kind %q", kind)
	}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
