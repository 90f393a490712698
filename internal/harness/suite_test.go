package harness

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExpandPaths(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"b.yaml", "a.yml", "notes.txt"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("name: x\n"), 0644))
	}
	require.NoError(t, os.Mkdir(filepath.Join(dir, "nested.yaml"), 0755))

	paths, err := ExpandPaths([]string{dir, filepath.Join(dir, "b.yaml")})
	require.NoError(t, err)
	assert.Equal(t, []string{
		filepath.Join(dir, "a.yml"),
		filepath.Join(dir, "b.yaml"),
	}, paths)
}

func TestExpandPaths_Missing(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "gone")
	_, err := ExpandPaths([]string{missing})

	var nf *ScenarioNotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, missing, nf.Path)
}

func TestRunFiles_AllScenarios(t *testing.T) {
	paths, err := ExpandPaths([]string{filepath.Join("testdata", "scenarios")})
	require.NoError(t, err)
	require.Len(t, paths, 6)

	suite := RunFiles(context.Background(), paths)
	assert.Equal(t, 6, suite.Total)
	assert.Equal(t, 6, suite.Passed, "failures: %+v", suite.Failures)
	assert.Zero(t, suite.Failed)
	assert.Empty(t, suite.Failures)

	require.Len(t, suite.Results, 6)
	assert.Equal(t, "bench_abort", suite.Results[0].Scenario)
	assert.Equal(t, OutcomeAbort, suite.Results[0].Outcome)
	assert.Equal(t, "IO", suite.Results[0].Code)
}

func TestRunFiles_CollectsFailures(t *testing.T) {
	dir := t.TempDir()
	seq := benchSequencePath(t)

	broken := filepath.Join(dir, "broken.yaml")
	require.NoError(t, os.WriteFile(broken, []byte("name: broken\n"), 0644))

	wrong := filepath.Join(dir, "wrong.yaml")
	require.NoError(t, os.WriteFile(wrong, []byte(`
name: wrong
sequence: `+seq+`
expect:
  outcome: abort
`), 0644))

	good := filepath.Join("testdata", "scenarios", "bench_pass.yaml")

	suite := RunFiles(context.Background(), []string{broken, wrong, good})
	assert.Equal(t, 3, suite.Total)
	assert.Equal(t, 1, suite.Passed)
	assert.Equal(t, 2, suite.Failed)

	require.Len(t, suite.Failures, 2)
	assert.Equal(t, broken, suite.Failures[0].Path)
	assert.Empty(t, suite.Failures[0].Scenario)
	assert.Contains(t, suite.Failures[0].Errors[0], "failed to load scenario")

	assert.Equal(t, "wrong", suite.Failures[1].Scenario)
	assert.Equal(t, []string{"expected outcome abort, got pass"}, suite.Failures[1].Errors)

	require.Len(t, suite.Results, 3)
	assert.False(t, suite.Results[1].Pass)
	assert.Equal(t, OutcomePass, suite.Results[1].Outcome)
	assert.True(t, suite.Results[2].Pass)
}
