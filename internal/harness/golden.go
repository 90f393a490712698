package harness

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/benchseq/internal/result"
)

// TraceSnapshot captures what a scenario execution did on the bus and what
// it recorded.
type TraceSnapshot struct {
	ScenarioName string         `json:"scenario_name"`
	Outcome      Outcome        `json:"outcome"`
	Code         string         `json:"code,omitempty"`
	Step         *int           `json:"step,omitempty"`
	Measurements result.Entries `json:"measurements"`
	Trace        []TraceEvent   `json:"trace"`
}

// Snapshot builds the snapshot of res.
func Snapshot(scenarioName string, res *Result) TraceSnapshot {
	entries := result.Entries{}
	if res.Record != nil {
		entries = res.Record.Entries()
	}
	return TraceSnapshot{
		ScenarioName: scenarioName,
		Outcome:      res.Outcome,
		Code:         res.Code,
		Step:         res.Step,
		Measurements: entries,
		Trace:        res.Trace,
	}
}

// RunWithGolden executes a scenario and compares its snapshot against a
// golden file. The golden file is stored in testdata/golden/{scenario.Name}.golden
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
//
// Returns error if scenario execution fails.
// Test failure (via goldie) occurs if the snapshot doesn't match the golden file.
func RunWithGolden(t *testing.T, scenario *Scenario) (*Result, error) {
	t.Helper()

	res, err := Run(context.Background(), scenario)
	if err != nil {
		return nil, err
	}
	if err := AssertGolden(t, scenario.Name, res); err != nil {
		return nil, err
	}
	return res, nil
}

// AssertGolden compares the given result's snapshot against a golden file.
// This is useful when you've already run a scenario and want to compare
// the result against a golden file without re-running.
func AssertGolden(t *testing.T, scenarioName string, res *Result) error {
	t.Helper()

	data, err := json.MarshalIndent(Snapshot(scenarioName, res), "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenarioName, data)

	return nil
}
