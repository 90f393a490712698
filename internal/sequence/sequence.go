package sequence

import (
	"fmt"
	"math"
	"time"

	"github.com/roach88/benchseq/internal/result"
)

// DefaultShutdown is sent to every active instrument when a run aborts,
// unless the instrument declares its own shutdown commands.
var DefaultShutdown = []string{"OUTP OFF"}

// Instrument declares one instrument a sequence addresses.
type Instrument struct {
	Name     string
	Resource string

	// Timeout is the response-wait timeout; zero keeps the transport default.
	Timeout time.Duration

	// Termination sets both line terminators when non-nil.
	Termination *string

	// Shutdown lists the output-disable commands for the safe-shutdown pass.
	Shutdown []string

	// Simulate scripts the instrument on the simulated bus.
	Simulate *Simulation
}

// Simulation scripts a simulated instrument.
type Simulation struct {
	IDN       string
	Responses map[string]string
	Sequences map[string][]string
	Hang      []string
}

// Derived is a measurement computed from earlier measurements after all
// steps complete.
type Derived struct {
	Key  string
	Rule *result.Rule
}

// Sequence is a complete, compiled sequence definition.
type Sequence struct {
	Name        string
	Description string
	Instruments []Instrument
	Steps       []Step
	Derived     []Derived

	// Verdict decides pass/fail; nil passes every run that completes.
	Verdict result.Verdict
}

// ShutdownCommands returns the safe-shutdown commands per instrument.
// Instruments without explicit commands are omitted; the engine falls back
// to DefaultShutdown for them.
func (s *Sequence) ShutdownCommands() map[string][]string {
	out := make(map[string][]string)
	for _, inst := range s.Instruments {
		if len(inst.Shutdown) > 0 {
			out[inst.Name] = append([]string(nil), inst.Shutdown...)
		}
	}
	return out
}

// ResultKeys returns the keys a complete run records: measurement keys in
// step order, then derived keys.
func (s *Sequence) ResultKeys() []string {
	var keys []string
	for _, step := range s.Steps {
		if step.Action == ActionMeasurement && step.ResultKey != "" {
			keys = append(keys, result.NormalizeKey(step.ResultKey))
		}
	}
	for _, d := range s.Derived {
		keys = append(keys, result.NormalizeKey(d.Key))
	}
	return keys
}

// Instrument returns the declaration for name.
func (s *Sequence) Instrument(name string) (Instrument, bool) {
	for _, inst := range s.Instruments {
		if inst.Name == name {
			return inst, true
		}
	}
	return Instrument{}, false
}

// File is the on-disk form of a sequence (YAML or CUE).
//
// Field names follow the step descriptor surface:
// {instrument, action, payload, delay_seconds, result_key, timeout_ms}.
type File struct {
	Name        string           `yaml:"name" json:"name"`
	Description string           `yaml:"description,omitempty" json:"description,omitempty"`
	Instruments []InstrumentSpec `yaml:"instruments,omitempty" json:"instruments,omitempty"`
	Steps       []StepSpec       `yaml:"steps" json:"steps"`
	Derived     []DerivedSpec    `yaml:"derived,omitempty" json:"derived,omitempty"`
	Verdict     any              `yaml:"verdict,omitempty" json:"verdict,omitempty"`
}

// InstrumentSpec is the file form of Instrument.
type InstrumentSpec struct {
	Name        string          `yaml:"name" json:"name"`
	Resource    string          `yaml:"resource" json:"resource"`
	TimeoutMS   int             `yaml:"timeout_ms,omitempty" json:"timeout_ms,omitempty"`
	Termination *string         `yaml:"termination,omitempty" json:"termination,omitempty"`
	Shutdown    []string        `yaml:"shutdown,omitempty" json:"shutdown,omitempty"`
	Simulate    *SimulationSpec `yaml:"simulate,omitempty" json:"simulate,omitempty"`
}

// SimulationSpec is the file form of Simulation.
type SimulationSpec struct {
	IDN       string              `yaml:"idn,omitempty" json:"idn,omitempty"`
	Responses map[string]string   `yaml:"responses,omitempty" json:"responses,omitempty"`
	Sequences map[string][]string `yaml:"sequences,omitempty" json:"sequences,omitempty"`
	Hang      []string            `yaml:"hang,omitempty" json:"hang,omitempty"`
}

// StepSpec is the file form of Step.
type StepSpec struct {
	Instrument   string   `yaml:"instrument" json:"instrument"`
	Action       string   `yaml:"action" json:"action"`
	Payload      string   `yaml:"payload,omitempty" json:"payload,omitempty"`
	DelaySeconds *float64 `yaml:"delay_seconds,omitempty" json:"delay_seconds,omitempty"`
	ResultKey    string   `yaml:"result_key,omitempty" json:"result_key,omitempty"`
	TimeoutMS    *int     `yaml:"timeout_ms,omitempty" json:"timeout_ms,omitempty"`
	ValueType    string   `yaml:"value_type,omitempty" json:"value_type,omitempty"`
	Activates    *bool    `yaml:"activates,omitempty" json:"activates,omitempty"`
}

// DerivedSpec is the file form of Derived.
type DerivedSpec struct {
	Key  string `yaml:"key" json:"key"`
	Rule any    `yaml:"rule" json:"rule"`
}

// seconds converts f seconds to a Duration. Values past MaxDuration
// saturate so that Validate reports them instead of a wrapped duration.
// millis does the same for milliseconds.
func seconds(f float64) time.Duration {
	if f > MaxDuration.Seconds() {
		return math.MaxInt64
	}
	if f < -MaxDuration.Seconds() {
		return math.MinInt64
	}
	return time.Duration(f * float64(time.Second))
}

func millis(ms int) time.Duration {
	if ms > int(MaxDuration/time.Millisecond) {
		return math.MaxInt64
	}
	return time.Duration(ms) * time.Millisecond
}

// Step converts the descriptor into a Step. When Activates is omitted it is
// inferred from the payload of command steps.
func (s StepSpec) Step() Step {
	step := Step{
		Instrument: s.Instrument,
		Action:     Action(s.Action),
		Payload:    s.Payload,
		ResultKey:  s.ResultKey,
		ValueType:  result.ValueType(s.ValueType),
	}
	if s.DelaySeconds != nil {
		step.Delay = seconds(*s.DelaySeconds)
	}
	if s.TimeoutMS != nil {
		step.Timeout = millis(*s.TimeoutMS)
	}
	if step.Action == ActionMeasurement && step.ValueType == "" {
		step.ValueType = result.TypeFloat
	}
	if s.Activates != nil {
		step.Activates = *s.Activates
	} else {
		step.Activates = step.Action == ActionCommand && EnablesOutput(s.Payload)
	}
	return step
}

// Compile converts the file into a Sequence. It does not run Validate.
func (f *File) Compile() (*Sequence, error) {
	seq := &Sequence{
		Name:        f.Name,
		Description: f.Description,
	}

	for _, is := range f.Instruments {
		inst := Instrument{
			Name:        is.Name,
			Resource:    is.Resource,
			Timeout:     time.Duration(is.TimeoutMS) * time.Millisecond,
			Termination: is.Termination,
			Shutdown:    is.Shutdown,
		}
		if is.Simulate != nil {
			inst.Simulate = &Simulation{
				IDN:       is.Simulate.IDN,
				Responses: is.Simulate.Responses,
				Sequences: is.Simulate.Sequences,
				Hang:      is.Simulate.Hang,
			}
		}
		seq.Instruments = append(seq.Instruments, inst)
	}

	for _, ss := range f.Steps {
		seq.Steps = append(seq.Steps, ss.Step())
	}

	for i, ds := range f.Derived {
		rule, err := result.CompileRule(ds.Rule)
		if err != nil {
			return nil, fmt.Errorf("derived[%d] %q: %w", i, ds.Key, err)
		}
		seq.Derived = append(seq.Derived, Derived{Key: ds.Key, Rule: rule})
	}

	if f.Verdict != nil {
		rule, err := result.CompileRule(f.Verdict)
		if err != nil {
			return nil, fmt.Errorf("verdict: %w", err)
		}
		seq.Verdict = rule.Verdict(nil)
	}

	return seq, nil
}
