package harness

import (
	"fmt"
	"math"
	"strings"

	"github.com/roach88/benchseq/internal/instrument"
	"github.com/roach88/benchseq/internal/result"
)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for _, event := range e.Trace {
			mark := ""
			if event.Failed {
				mark = " (failed)"
			}
			fmt.Fprintf(&buf, "  [%d] %s %s %s%s\n", event.Seq, event.Instrument, event.Kind, event.Command, mark)
		}
	}

	return buf.String()
}

// matches reports whether event is a successful exchange of command with
// instrument. An empty instrument matches any.
func matches(event TraceEvent, inst, command string) bool {
	if event.Failed || event.Command != strings.TrimSpace(command) {
		return false
	}
	return inst == "" || event.Instrument == instrument.NormalizeName(inst)
}

func target(inst, command string) string {
	if inst == "" {
		return fmt.Sprintf("%q on any instrument", command)
	}
	return fmt.Sprintf("%q on %s", command, inst)
}

// assertCommandSent checks that the command reached the instrument at least once.
func assertCommandSent(trace []TraceEvent, a Assertion) error {
	for _, event := range trace {
		if matches(event, a.Instrument, a.Command) {
			return nil
		}
	}
	return &AssertionError{
		Type:     AssertCommandSent,
		Expected: target(a.Instrument, a.Command),
		Actual:   "not found in trace",
		Trace:    trace,
	}
}

// assertCommandAbsent checks that the command never reached the instrument.
func assertCommandAbsent(trace []TraceEvent, a Assertion) error {
	for _, event := range trace {
		if matches(event, a.Instrument, a.Command) {
			return &AssertionError{
				Type:     AssertCommandAbsent,
				Expected: "no " + target(a.Instrument, a.Command),
				Actual:   fmt.Sprintf("sent at trace position %d", event.Seq),
				Trace:    trace,
			}
		}
	}
	return nil
}

// assertCommandOrder checks that the commands appear in the specified order.
// They don't need to be consecutive. Each line is "instrument command".
func assertCommandOrder(trace []TraceEvent, a Assertion) error {
	pos := 0
	for i, line := range a.Commands {
		inst, command, _ := strings.Cut(strings.TrimSpace(line), " ")

		found := false
		for pos < len(trace) {
			event := trace[pos]
			pos++
			if matches(event, inst, command) {
				found = true
				break
			}
		}
		if !found {
			actual := fmt.Sprintf("%q not found", line)
			if i > 0 {
				actual = fmt.Sprintf("%q not found after %q", line, a.Commands[i-1])
			}
			return &AssertionError{
				Type:     AssertCommandOrder,
				Expected: fmt.Sprintf("commands in order: %v", a.Commands),
				Actual:   actual,
				Trace:    trace,
			}
		}
	}
	return nil
}

// assertCommandCount checks that the command reached the instrument exactly Count times.
func assertCommandCount(trace []TraceEvent, a Assertion) error {
	count := 0
	for _, event := range trace {
		if matches(event, a.Instrument, a.Command) {
			count++
		}
	}
	if count != a.Count {
		return &AssertionError{
			Type:     AssertCommandCount,
			Expected: fmt.Sprintf("%s exactly %d time(s)", target(a.Instrument, a.Command), a.Count),
			Actual:   fmt.Sprintf("%d time(s)", count),
			Trace:    trace,
		}
	}
	return nil
}

// assertMeasurement checks the value stored under the key.
func assertMeasurement(rec *result.Record, a Assertion) error {
	fail := func(actual string) error {
		return &AssertionError{
			Type:     AssertMeasurement,
			Expected: fmt.Sprintf("%s = %v", a.Key, describeExpected(a)),
			Actual:   actual,
		}
	}
	if rec == nil {
		return fail("no record")
	}
	got, ok := rec.Get(a.Key)
	if !ok {
		return fail("not recorded")
	}

	switch want := a.Value.(type) {
	case int:
		return compareNumber(got, float64(want), a.Tolerance, fail)
	case float64:
		return compareNumber(got, want, a.Tolerance, fail)
	case string:
		if s, ok := got.Text(); !ok || s != want {
			return fail(describe(got))
		}
	case bool:
		if b, ok := got.Truth(); !ok || b != want {
			return fail(describe(got))
		}
	default:
		return fail(fmt.Sprintf("unsupported expected value %T", a.Value))
	}
	return nil
}

func compareNumber(got result.Value, want, tol float64, fail func(string) error) error {
	f, ok := got.Float()
	if !ok || math.Abs(f-want) > tol {
		return fail(describe(got))
	}
	return nil
}

func describe(v result.Value) string {
	return fmt.Sprintf("%s (%s)", v.String(), v.Kind())
}

func describeExpected(a Assertion) string {
	if a.Tolerance > 0 {
		return fmt.Sprintf("%v ± %v", a.Value, a.Tolerance)
	}
	return fmt.Sprintf("%v", a.Value)
}

// assertMeasurementAbsent checks that the key was never recorded.
func assertMeasurementAbsent(rec *result.Record, a Assertion) error {
	if rec == nil {
		return nil
	}
	if got, ok := rec.Get(a.Key); ok {
		return &AssertionError{
			Type:     AssertMeasurementAbsent,
			Expected: a.Key + " not recorded",
			Actual:   describe(got),
		}
	}
	return nil
}

// EvaluateAssertions checks all assertions against the result.
// Returns a list of error messages for failed assertions.
func EvaluateAssertions(res *Result, assertions []Assertion) []string {
	var errors []string

	for i, a := range assertions {
		var err error
		switch a.Type {
		case AssertCommandSent:
			err = assertCommandSent(res.Trace, a)
		case AssertCommandAbsent:
			err = assertCommandAbsent(res.Trace, a)
		case AssertCommandOrder:
			err = assertCommandOrder(res.Trace, a)
		case AssertCommandCount:
			err = assertCommandCount(res.Trace, a)
		case AssertMeasurement:
			err = assertMeasurement(res.Record, a)
		case AssertMeasurementAbsent:
			err = assertMeasurementAbsent(res.Record, a)
		default:
			err = fmt.Errorf("unknown assertion type: %s", a.Type)
		}

		if err != nil {
			errors = append(errors, fmt.Sprintf("assertion %d: %v", i, err))
		}
	}

	return errors
}
