package result

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"strings"

	"github.com/diegoholiveira/jsonlogic/v3"
)

// Verdict computes pass/fail from the collected measurements.
type Verdict func(r *Record) bool

// Tolerance passes when |r[key] - target| < tol. Missing or non-numeric
// values fail.
func Tolerance(key string, target, tol float64) Verdict {
	return func(r *Record) bool {
		f, ok := r.Float(key)
		if !ok {
			return false
		}
		return math.Abs(f-target) < tol
	}
}

// Within passes when lo <= r[key] <= hi.
func Within(key string, lo, hi float64) Verdict {
	return func(r *Record) bool {
		f, ok := r.Float(key)
		return ok && f >= lo && f <= hi
	}
}

// All passes when every verdict passes. All() with no verdicts passes.
func All(verdicts ...Verdict) Verdict {
	return func(r *Record) bool {
		for _, v := range verdicts {
			if !v(r) {
				return false
			}
		}
		return true
	}
}

// Rule is a compiled jsonlogic expression evaluated over Record.Map().
//
//	{"<": [990, {"var": "output_frequency"}, 1010]}
type Rule struct {
	raw []byte
}

// CompileRule prepares a jsonlogic rule decoded from YAML, CUE or JSON.
func CompileRule(rule any) (*Rule, error) {
	if rule == nil {
		return nil, fmt.Errorf("rule is empty")
	}
	raw, err := json.Marshal(normalizeYAML(rule))
	if err != nil {
		return nil, fmt.Errorf("encode rule: %w", err)
	}
	return &Rule{raw: raw}, nil
}

// String returns the rule's JSON form.
func (r *Rule) String() string {
	return string(r.raw)
}

// Eval applies the rule to the record's flat mapping.
func (r *Rule) Eval(rec *Record) (any, error) {
	data, err := json.Marshal(rec.Map())
	if err != nil {
		return nil, fmt.Errorf("encode record: %w", err)
	}

	var out bytes.Buffer
	if err := jsonlogic.Apply(bytes.NewReader(r.raw), bytes.NewReader(data), &out); err != nil {
		return nil, fmt.Errorf("apply rule: %w", err)
	}

	text := strings.TrimSpace(out.String())
	if text == "" || text == "null" {
		return nil, nil
	}

	var res any
	dec := json.NewDecoder(strings.NewReader(text))
	dec.UseNumber()
	if err := dec.Decode(&res); err != nil {
		return nil, fmt.Errorf("decode rule result: %w", err)
	}
	return finalize(res), nil
}

// Number evaluates the rule and requires a numeric result.
func (r *Rule) Number(rec *Record) (float64, error) {
	res, err := r.Eval(rec)
	if err != nil {
		return 0, err
	}
	f, ok := res.(float64)
	if !ok {
		return 0, fmt.Errorf("rule %s produced %T, want number", r.raw, res)
	}
	return f, nil
}

// Value evaluates the rule into a record Value.
func (r *Rule) Value(rec *Record) (Value, error) {
	res, err := r.Eval(rec)
	if err != nil {
		return Value{}, err
	}
	switch v := res.(type) {
	case float64:
		return Number(v), nil
	case string:
		return String(v), nil
	case bool:
		return Bool(v), nil
	default:
		return Value{}, fmt.Errorf("rule %s produced %T, want number, string or bool", r.raw, res)
	}
}

// Verdict adapts the rule to a Verdict. Results follow jsonlogic truthiness;
// evaluation errors fail the verdict and are logged.
func (r *Rule) Verdict(logger *slog.Logger) Verdict {
	if logger == nil {
		logger = slog.Default()
	}
	return func(rec *Record) bool {
		res, err := r.Eval(rec)
		if err != nil {
			logger.Warn("verdict rule failed", "rule", r.String(), "error", err)
			return false
		}
		return truthy(res)
	}
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case float64:
		return t != 0
	case string:
		return t != ""
	case []any:
		return len(t) > 0
	default:
		return true
	}
}

func finalize(v any) any {
	switch t := v.(type) {
	case json.Number:
		if f, err := t.Float64(); err == nil {
			return f
		}
		return t.String()
	case []any:
		for i := range t {
			t[i] = finalize(t[i])
		}
		return t
	case map[string]any:
		for k := range t {
			t[k] = finalize(t[k])
		}
		return t
	default:
		return v
	}
}

// normalizeYAML converts map[any]any (yaml.v2 style) into map[string]any
// so the rule can be JSON-encoded.
func normalizeYAML(v any) any {
	switch t := v.(type) {
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[fmt.Sprint(k)] = normalizeYAML(val)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = normalizeYAML(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = normalizeYAML(val)
		}
		return out
	default:
		return v
	}
}
