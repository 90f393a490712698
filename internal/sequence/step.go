// Package sequence defines sequence steps and the declarative sequence file.
//
// A Sequence is plain data: an ordered list of Steps plus the instruments
// they address, optional derived measurements and a verdict rule. The
// engine interprets it; nothing in this package performs I/O on the bus.
package sequence

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/roach88/benchseq/internal/result"
)

// Action is the kind of work a step performs.
type Action string

const (
	// ActionCommand writes the payload; nothing is read back.
	ActionCommand Action = "command"

	// ActionQueryWait polls an operation-complete query until it reports done.
	ActionQueryWait Action = "query_wait"

	// ActionMeasurement queries the payload and stores the parsed response.
	ActionMeasurement Action = "measurement"
)

// DefaultOPCQuery is the operation-complete query used when a query_wait
// step has no payload.
const DefaultOPCQuery = "*OPC?"

// MaxDuration bounds step delays and timeouts.
const MaxDuration = 24 * time.Hour

// Valid reports whether a is a known action.
func (a Action) Valid() bool {
	switch a {
	case ActionCommand, ActionQueryWait, ActionMeasurement:
		return true
	}
	return false
}

// Step is one unit of work against a named instrument.
type Step struct {
	Instrument string
	Action     Action
	Payload    string

	// Delay is the settle time honored after the step completes.
	Delay time.Duration

	// Timeout overrides the instrument's response timeout for this step.
	Timeout time.Duration

	// ResultKey names the measurement (ActionMeasurement only).
	ResultKey string

	// ValueType is the declared response type. Empty means float.
	ValueType result.ValueType

	// Activates marks the step as turning an output on; the instrument
	// then receives the safe-shutdown commands if the run aborts.
	Activates bool
}

// Query returns the command the step sends for a read.
func (s Step) Query() string {
	if s.Action == ActionQueryWait && s.Payload == "" {
		return DefaultOPCQuery
	}
	return s.Payload
}

func (s Step) String() string {
	switch s.Action {
	case ActionMeasurement:
		return fmt.Sprintf("%s %s %q -> %s", s.Instrument, s.Action, s.Payload, s.ResultKey)
	default:
		return fmt.Sprintf("%s %s %q", s.Instrument, s.Action, s.Query())
	}
}

// Command builds a command-write step.
func Command(instrument, payload string) Step {
	return Step{Instrument: instrument, Action: ActionCommand, Payload: payload, Activates: EnablesOutput(payload)}
}

// Wait builds an operation-complete wait step using *OPC?.
func Wait(instrument string) Step {
	return Step{Instrument: instrument, Action: ActionQueryWait, Payload: DefaultOPCQuery}
}

// Measure builds a float measurement step.
func Measure(instrument, query, key string) Step {
	return Step{Instrument: instrument, Action: ActionMeasurement, Payload: query, ResultKey: key, ValueType: result.TypeFloat}
}

// Settle returns a copy of s with a settle delay.
func (s Step) Settle(d time.Duration) Step {
	s.Delay = d
	return s
}

// Within returns a copy of s with a per-step timeout.
func (s Step) Within(d time.Duration) Step {
	s.Timeout = d
	return s
}

// outputOn matches SCPI output-enable commands such as "OUTP ON",
// "OUTPut1 1", "C1:OUTP ON" and "SOUR1:OUTP:STAT ON", with or without the
// leading root colon.
var outputOn = regexp.MustCompile(`(?i)^:?(?:[a-z0-9]+:)*OUTP(?:UT)?\d*(?::STAT(?:E)?)?\s+(?:ON|1)\b`)

// EnablesOutput reports whether an instrument command turns an output on.
func EnablesOutput(command string) bool {
	return outputOn.MatchString(strings.TrimSpace(command))
}
