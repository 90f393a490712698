package result

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Kind is the dynamic type of a Value.
type Kind string

const (
	KindNumber Kind = "number"
	KindString Kind = "string"
	KindBool   Kind = "bool"
)

// Value is a single measured (or derived) value: a number, a string or a bool.
// The zero Value is the number 0.
type Value struct {
	kind Kind
	num  float64
	str  string
	b    bool
}

// Number creates a numeric Value.
func Number(f float64) Value { return Value{kind: KindNumber, num: f} }

// String creates a string Value.
func String(s string) Value { return Value{kind: KindString, str: s} }

// Bool creates a boolean Value.
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

// Kind returns the value's dynamic type.
func (v Value) Kind() Kind {
	if v.kind == "" {
		return KindNumber
	}
	return v.kind
}

// Float returns the numeric value and whether v is a number.
func (v Value) Float() (float64, bool) {
	return v.num, v.Kind() == KindNumber
}

// Text returns the string value and whether v is a string.
func (v Value) Text() (string, bool) {
	return v.str, v.kind == KindString
}

// Truth returns the boolean value and whether v is a bool.
func (v Value) Truth() (bool, bool) {
	return v.b, v.kind == KindBool
}

// Interface returns v as float64, string or bool.
func (v Value) Interface() any {
	switch v.Kind() {
	case KindString:
		return v.str
	case KindBool:
		return v.b
	default:
		return v.num
	}
}

// String renders v for text output.
func (v Value) String() string {
	switch v.Kind() {
	case KindString:
		return v.str
	case KindBool:
		return strconv.FormatBool(v.b)
	default:
		return strconv.FormatFloat(v.num, 'g', -1, 64)
	}
}

// MarshalJSON implements json.Marshaler.
func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.Interface())
}

// ValueType is the declared type of a measurement response.
type ValueType string

const (
	TypeFloat  ValueType = "float"
	TypeString ValueType = "string"
)

// ErrNonFinite is returned for NaN and infinite numbers.
var ErrNonFinite = errors.New("not a finite number")

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

// ParseError reports an instrument response that does not parse as the
// declared measurement type.
type ParseError struct {
	Key  string
	Raw  string
	Type ValueType
	Err  error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("measurement %q: cannot parse %q as %s: %v", e.Key, e.Raw, e.Type, e.Err)
	}
	return fmt.Sprintf("measurement %q: cannot parse %q as %s", e.Key, e.Raw, e.Type)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// ParseValue parses a raw instrument response as typ.
//
// Surrounding whitespace and line terminators are trimmed first. An empty
// typ means TypeFloat. NaN and infinities are rejected: records must stay
// JSON-encodable.
func ParseValue(key, raw string, typ ValueType) (Value, error) {
	text := strings.TrimSpace(raw)
	switch typ {
	case TypeString:
		return String(text), nil
	case TypeFloat, "":
		f, err := strconv.ParseFloat(text, 64)
		if err != nil {
			return Value{}, &ParseError{Key: key, Raw: raw, Type: TypeFloat, Err: err}
		}
		if !finite(f) {
			return Value{}, &ParseError{Key: key, Raw: raw, Type: TypeFloat, Err: ErrNonFinite}
		}
		return Number(f), nil
	default:
		return Value{}, &ParseError{Key: key, Raw: raw, Type: typ, Err: fmt.Errorf("unknown value type")}
	}
}
