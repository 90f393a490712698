package harness

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

// ScenarioNotFoundError is returned when a scenario path doesn't exist.
type ScenarioNotFoundError struct {
	Path string
}

// Error implements the error interface.
func (e *ScenarioNotFoundError) Error() string {
	return fmt.Sprintf("scenario path %q does not exist", e.Path)
}

// ExpandPaths turns files and directories into a sorted list of scenario
// files. Directories contribute their *.yaml and *.yml entries, without
// descending.
func ExpandPaths(paths []string) ([]string, error) {
	var out []string
	for _, p := range paths {
		info, err := os.Stat(p)
		if os.IsNotExist(err) {
			return nil, &ScenarioNotFoundError{Path: p}
		}
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			out = append(out, p)
			continue
		}

		entries, err := os.ReadDir(p)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			ext := strings.ToLower(filepath.Ext(e.Name()))
			if e.IsDir() || (ext != ".yaml" && ext != ".yml") {
				continue
			}
			out = append(out, filepath.Join(p, e.Name()))
		}
	}
	slices.Sort(out)
	return slices.Compact(out), nil
}

// SuiteResult contains results from running a batch of scenarios.
type SuiteResult struct {
	Total    int               `json:"total"`
	Passed   int               `json:"passed"`
	Failed   int               `json:"failed"`
	Results  []ScenarioSummary `json:"results"`
	Failures []ScenarioFailure `json:"failures,omitempty"`
}

// ScenarioSummary is the one-line outcome of one scenario.
type ScenarioSummary struct {
	Path     string  `json:"path"`
	Scenario string  `json:"scenario,omitempty"`
	Pass     bool    `json:"pass"`
	Outcome  Outcome `json:"outcome,omitempty"`
	Code     string  `json:"code,omitempty"`
}

// ScenarioFailure represents a scenario that failed to load, run or meet
// its expectations.
type ScenarioFailure struct {
	Path     string   `json:"path"`
	Scenario string   `json:"scenario,omitempty"`
	Errors   []string `json:"errors"`
}

// RunFiles loads and runs every scenario file in order. A scenario that
// fails to load or run counts as failed; the rest still run.
func RunFiles(ctx context.Context, paths []string, opts ...Option) *SuiteResult {
	suite := &SuiteResult{
		Results: []ScenarioSummary{},
	}

	for _, path := range paths {
		suite.Total++
		summary := ScenarioSummary{Path: path}

		scenario, err := LoadScenario(path)
		if err != nil {
			suite.fail(summary, fmt.Sprintf("failed to load scenario: %v", err))
			continue
		}
		summary.Scenario = scenario.Name

		res, err := Run(ctx, scenario, opts...)
		if err != nil {
			suite.fail(summary, fmt.Sprintf("scenario execution failed: %v", err))
			continue
		}
		summary.Outcome = res.Outcome
		summary.Code = res.Code

		if !res.Pass {
			suite.fail(summary, res.Errors...)
			continue
		}

		summary.Pass = true
		suite.Passed++
		suite.Results = append(suite.Results, summary)
	}

	return suite
}

func (s *SuiteResult) fail(summary ScenarioSummary, errs ...string) {
	s.Failed++
	s.Results = append(s.Results, summary)
	s.Failures = append(s.Failures, ScenarioFailure{
		Path:     summary.Path,
		Scenario: summary.Scenario,
		Errors:   errs,
	})
}
