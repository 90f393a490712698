package sequence

import (
	"fmt"
	"strings"

	"github.com/roach88/benchseq/internal/instrument"
	"github.com/roach88/benchseq/internal/result"
)

// Validation error codes.
const (
	ErrCodeDuplicateInstrument = "E101" // Instrument declared twice
	ErrCodeUnknownInstrument   = "E102" // Step references an undeclared instrument
	ErrCodeInvalidAction       = "E103" // Unknown step action
	ErrCodeMissingResultKey    = "E104" // Measurement without result_key
	ErrCodeDuplicateResultKey  = "E105" // Result key produced twice
	ErrCodeReservedResultKey   = "E106" // Result key is test_passed
	ErrCodeInvalidValueType    = "E107" // Unknown value_type
	ErrCodeNoSteps             = "E108" // Empty step list
	ErrCodeInvalidDelay        = "E109" // Delay or timeout negative or over 24h
	ErrCodeMissingPayload      = "E110" // Command or measurement without payload
)

// ValidationError describes one semantic problem in a sequence.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

// Error implements the error interface.
func (e ValidationError) Error() string {
	return fmt.Sprintf("[%s] %s: %s", e.Code, e.Field, e.Message)
}

// ValidationErrors collects every problem found. Validation does not fail fast.
type ValidationErrors []ValidationError

func (es ValidationErrors) Error() string {
	msgs := make([]string, len(es))
	for i, e := range es {
		msgs[i] = e.Error()
	}
	return strings.Join(msgs, "; ")
}

// ValidateFile validates a decoded sequence file.
func ValidateFile(f *File) ValidationErrors {
	seq := &Sequence{Name: f.Name}
	for _, is := range f.Instruments {
		seq.Instruments = append(seq.Instruments, Instrument{Name: is.Name, Resource: is.Resource})
	}
	for _, ss := range f.Steps {
		seq.Steps = append(seq.Steps, ss.Step())
	}
	for _, ds := range f.Derived {
		seq.Derived = append(seq.Derived, Derived{Key: ds.Key})
	}
	return Validate(seq)
}

// Validate checks a sequence before it is run.
//
// Step instrument references are only checked when the sequence declares
// instruments; sequences built in code may rely on a registry populated
// elsewhere. The engine still resolves every step at run time.
func Validate(seq *Sequence) ValidationErrors {
	var errs ValidationErrors

	declared := make(map[string]bool)
	for i, inst := range seq.Instruments {
		name := instrument.NormalizeName(inst.Name)
		if declared[name] {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("instruments[%d].name", i),
				Message: fmt.Sprintf("duplicate instrument name: %q", inst.Name),
				Code:    ErrCodeDuplicateInstrument,
			})
		}
		declared[name] = true
	}

	if len(seq.Steps) == 0 {
		errs = append(errs, ValidationError{
			Field:   "steps",
			Message: "at least one step is required",
			Code:    ErrCodeNoSteps,
		})
	}

	keys := make(map[string]bool)
	for i, step := range seq.Steps {
		field := fmt.Sprintf("steps[%d]", i)

		if len(declared) > 0 && !declared[instrument.NormalizeName(step.Instrument)] {
			errs = append(errs, ValidationError{
				Field:   field + ".instrument",
				Message: fmt.Sprintf("instrument %q is not declared", step.Instrument),
				Code:    ErrCodeUnknownInstrument,
			})
		}

		if !step.Action.Valid() {
			errs = append(errs, ValidationError{
				Field:   field + ".action",
				Message: fmt.Sprintf("unknown action %q (want command, query_wait or measurement)", step.Action),
				Code:    ErrCodeInvalidAction,
			})
			continue
		}

		if step.Delay < 0 || step.Timeout < 0 || step.Delay > MaxDuration || step.Timeout > MaxDuration {
			errs = append(errs, ValidationError{
				Field:   field,
				Message: fmt.Sprintf("delay and timeout must be between 0 and %s", MaxDuration),
				Code:    ErrCodeInvalidDelay,
			})
		}

		if step.Action != ActionQueryWait && strings.TrimSpace(step.Payload) == "" {
			errs = append(errs, ValidationError{
				Field:   field + ".payload",
				Message: fmt.Sprintf("%s step requires a payload", step.Action),
				Code:    ErrCodeMissingPayload,
			})
		}

		if step.Action != ActionMeasurement {
			continue
		}

		switch step.ValueType {
		case result.TypeFloat, result.TypeString, "":
		default:
			errs = append(errs, ValidationError{
				Field:   field + ".value_type",
				Message: fmt.Sprintf("unknown value type %q (want float or string)", step.ValueType),
				Code:    ErrCodeInvalidValueType,
			})
		}

		errs = append(errs, checkKey(field+".result_key", step.ResultKey, keys)...)
	}

	for i, d := range seq.Derived {
		errs = append(errs, checkKey(fmt.Sprintf("derived[%d].key", i), d.Key, keys)...)
	}

	return errs
}

func checkKey(field, key string, seen map[string]bool) ValidationErrors {
	k := result.NormalizeKey(key)
	switch {
	case k == "":
		return ValidationErrors{{Field: field, Message: "result key is required", Code: ErrCodeMissingResultKey}}
	case k == result.PassedKey:
		return ValidationErrors{{Field: field, Message: fmt.Sprintf("%q is reserved for the verdict", k), Code: ErrCodeReservedResultKey}}
	case seen[k]:
		return ValidationErrors{{Field: field, Message: fmt.Sprintf("duplicate result key: %q", k), Code: ErrCodeDuplicateResultKey}}
	}
	seen[k] = true
	return nil
}
