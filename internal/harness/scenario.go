package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"gopkg.in/yaml.v3"
)

// Scenario defines a bench conformance scenario.
// A scenario runs one sequence file against its simulated instruments,
// optionally rescripted, and checks how the run ended and what went over
// the bus.
type Scenario struct {
	// Name uniquely identifies this scenario. It also names the golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Sequence is the path of the sequence file (.yaml, .yml or .cue).
	// Relative paths resolve against the scenario file's directory.
	Sequence string `yaml:"sequence"`

	// RunID is the fixed run ID for the record.
	// If empty, defaults to DefaultRunID.
	RunID string `yaml:"run_id,omitempty"`

	// DeadlineMS cancels the run after this much virtual time. Zero means
	// no deadline.
	DeadlineMS int `yaml:"deadline_ms,omitempty"`

	// Devices rescripts simulated instruments, keyed by instrument name.
	// Overrides are merged over the sequence's own simulate blocks.
	Devices map[string]DeviceOverride `yaml:"devices,omitempty"`

	// Expect describes how the run must end.
	Expect Expect `yaml:"expect"`

	// Assertions validate the bus trace and the record.
	// Supported types: command_sent, command_absent, command_order,
	// command_count, measurement, measurement_absent
	Assertions []Assertion `yaml:"assertions,omitempty"`
}

// DefaultRunID is the run ID of scenarios that do not set one.
const DefaultRunID = "scenario-run"

// DeviceOverride rescripts one simulated instrument.
type DeviceOverride struct {
	// IDN replaces the identification answer when set.
	IDN string `yaml:"idn,omitempty"`

	// Unscripted drops the sequence's responses and sequences first, so only
	// the ones below remain.
	Unscripted bool `yaml:"unscripted,omitempty"`

	// Responses and Sequences are merged over the sequence's script.
	Responses map[string]string   `yaml:"responses,omitempty"`
	Sequences map[string][]string `yaml:"sequences,omitempty"`

	// Hang lists commands that never answer.
	Hang []string `yaml:"hang,omitempty"`

	// FailWrite lists writes the device rejects.
	FailWrite []string `yaml:"fail_write,omitempty"`

	// FailOpen refuses the connection.
	FailOpen bool `yaml:"fail_open,omitempty"`

	// FailClose makes the final close fail.
	FailClose bool `yaml:"fail_close,omitempty"`
}

// Expect describes the end of the run.
type Expect struct {
	// Outcome is one of pass, fail, abort or error.
	Outcome Outcome `yaml:"outcome"`

	// Code is the expected error code (abort and error outcomes).
	Code string `yaml:"code,omitempty"`

	// Step is the expected failing step index (abort outcome).
	Step *int `yaml:"step,omitempty"`
}

// Assertion validates the trace or the record.
type Assertion struct {
	// Type specifies the assertion type:
	// - "command_sent": Command reached Instrument at least once
	// - "command_absent": Command never reached Instrument
	// - "command_order": Commands appear in order
	// - "command_count": Command reached Instrument exactly Count times
	// - "measurement": Key holds Value (within Tolerance for numbers)
	// - "measurement_absent": Key was never recorded
	Type string `yaml:"type"`

	// Instrument names the target (command_* assertions).
	// Empty matches any instrument for command_sent and command_absent.
	Instrument string `yaml:"instrument,omitempty"`

	// Command is the exact, trimmed SCPI text.
	Command string `yaml:"command,omitempty"`

	// Commands is the expected order as "instrument command" lines
	// (command_order). Intervening commands are allowed.
	Commands []string `yaml:"commands,omitempty"`

	// Count is the expected number of occurrences (command_count).
	Count int `yaml:"count,omitempty"`

	// Key is the measurement key (measurement assertions).
	Key string `yaml:"key,omitempty"`

	// Value is the expected number, string or bool.
	Value any `yaml:"value,omitempty"`

	// Tolerance is the allowed absolute difference for numbers.
	Tolerance float64 `yaml:"tolerance,omitempty"`
}

// Assertion type constants.
const (
	AssertCommandSent       = "command_sent"
	AssertCommandAbsent     = "command_absent"
	AssertCommandOrder      = "command_order"
	AssertCommandCount      = "command_count"
	AssertMeasurement       = "measurement"
	AssertMeasurementAbsent = "measurement_absent"
)

var outcomes = []Outcome{OutcomePass, OutcomeFail, OutcomeAbort, OutcomeError}

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
// The sequence path is resolved against the scenario's directory.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}

	// Strict field validation catches typos like "assertion:" vs "assertions:"
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if scenario.Sequence != "" && !filepath.IsAbs(scenario.Sequence) {
		scenario.Sequence = filepath.Join(filepath.Dir(path), scenario.Sequence)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}

	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}

	if s.Sequence == "" {
		return fmt.Errorf("sequence is required")
	}
	if _, err := os.Stat(s.Sequence); os.IsNotExist(err) {
		return fmt.Errorf("sequence file not found: %s", s.Sequence)
	}

	if s.DeadlineMS < 0 {
		return fmt.Errorf("deadline_ms must be non-negative")
	}

	if !slices.Contains(outcomes, s.Expect.Outcome) {
		return fmt.Errorf("expect.outcome must be one of %v, got %q", outcomes, s.Expect.Outcome)
	}
	switch s.Expect.Outcome {
	case OutcomePass, OutcomeFail:
		if s.Expect.Code != "" || s.Expect.Step != nil {
			return fmt.Errorf("expect: code and step only apply to abort and error outcomes")
		}
	case OutcomeError:
		if s.Expect.Step != nil {
			return fmt.Errorf("expect: step only applies to the abort outcome")
		}
	}

	for i, assertion := range s.Assertions {
		if err := validateAssertion(i, &assertion); err != nil {
			return err
		}
	}

	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertCommandSent, AssertCommandAbsent:
		if a.Command == "" {
			return fmt.Errorf("assertions[%d]: command is required for %s", index, a.Type)
		}
	case AssertCommandOrder:
		if len(a.Commands) < 2 {
			return fmt.Errorf("assertions[%d]: at least two commands are required for command_order", index)
		}
	case AssertCommandCount:
		if a.Instrument == "" || a.Command == "" {
			return fmt.Errorf("assertions[%d]: instrument and command are required for command_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for command_count", index)
		}
	case AssertMeasurement:
		if a.Key == "" {
			return fmt.Errorf("assertions[%d]: key is required for measurement", index)
		}
		switch a.Value.(type) {
		case int, float64, string, bool:
		case nil:
			return fmt.Errorf("assertions[%d]: value is required for measurement", index)
		default:
			return fmt.Errorf("assertions[%d]: value must be a number, string or bool", index)
		}
		if a.Tolerance < 0 {
			return fmt.Errorf("assertions[%d]: tolerance must be non-negative", index)
		}
	case AssertMeasurementAbsent:
		if a.Key == "" {
			return fmt.Errorf("assertions[%d]: key is required for measurement_absent", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}

	return nil
}
