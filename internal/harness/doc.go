// Package harness runs bench conformance scenarios.
//
// A scenario runs one sequence file against simulated instruments, with
// the instruments' scripts optionally changed, and checks how the run
// ended and what went over the bus. Scenarios make failure paths
// (unscripted queries, stuck operation-complete polls, refused writes,
// expired deadlines) reproducible without a bench.
//
// # Scenario Format
//
// Scenarios are defined in YAML files with the following structure:
//
//	name: scope_silent
//	description: "Scope never answers the frequency query"
//	sequence: ../sequences/bench.yaml
//	run_id: run-0001
//	deadline_ms: 0
//	devices:
//	  scope:
//	    unscripted: true
//	    responses: {"*OPC?": "1"}
//	expect:
//	  outcome: abort
//	  code: IO
//	  step: 3
//	assertions:
//	  - type: command_order
//	    commands: ["psu OUTP ON", "psu OUTP OFF", "psu VOLT 0"]
//	  - type: measurement_absent
//	    key: output_frequency
//
// The sequence path is relative to the scenario file. Device overrides are
// merged over the sequence's simulate blocks; unscripted drops the
// sequence's responses first.
//
// # Assertion Types
//
//   - command_sent: a command reached an instrument at least once
//   - command_absent: a command never reached an instrument
//   - command_order: "instrument command" lines appear in order
//   - command_count: a command reached an instrument exactly N times
//   - measurement: a key holds a value, within a tolerance for numbers
//   - measurement_absent: a key was never recorded
//
// Command assertions only count exchanges the device accepted. The trace
// itself also lists failed ones, flagged as failed.
//
// # Deterministic Testing
//
// Every scenario runs on a fresh simulated bus with a fake clock starting at
// testutil.Epoch and a fixed run ID, so records and traces are identical
// across runs and can be compared against golden files with RunWithGolden.
package harness
