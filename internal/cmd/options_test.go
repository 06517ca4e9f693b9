// Copyright Mia srl
// SPDX-License-Identifier: AGPL-3.0-only or Commercial

package cmd

import (
	"bytes"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mia-platform/furcate/internal/config"
	"github.com/mia-platform/furcate/internal/rundata"
	"github.com/mia-platform/furcate/internal/server"
)

func TestValidate(t *testing.T) {
	t.Parallel()

	testCases := map[string]struct {
		options       *options
		expectedError error
	}{
		"missing configuration path": {
			options:       &options{output: outputText},
			expectedError: errNoArguments,
		},
		"invalid output format": {
			options:       &options{configPath: "experiment.json", output: "xml"},
			expectedError: errInvalidOutput,
		},
		"text output": {
			options: &options{configPath: "experiment.json", output: outputText},
		},
		"json output": {
			options: &options{configPath: "experiment.json", output: outputJSON},
		},
	}

	for testName, test := range testCases {
		t.Run(testName, func(t *testing.T) {
			t.Parallel()

			assert.ErrorIs(t, test.options.validate(), test.expectedError)
		})
	}
}

func TestApplyOverrides(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{Meta: config.Meta{MaxForks: 4, Seed: 11}}

	(&options{}).applyOverrides(cfg)
	assert.Equal(t, 4, cfg.Meta.MaxForks)
	assert.Equal(t, int64(11), cfg.Meta.Seed)

	(&options{maxForks: 2, seed: 7}).applyOverrides(cfg)
	assert.Equal(t, 2, cfg.Meta.MaxForks)
	assert.Equal(t, int64(7), cfg.Meta.Seed)
}

func TestExecutePlan(t *testing.T) {
	t.Parallel()

	t.Run("prints the pending runs as a table", func(t *testing.T) {
		t.Parallel()

		path := writeExperimentConfig(t, t.TempDir(), map[string]any{
			"batch_size": []int{16, 32},
		})

		out := new(bytes.Buffer)
		opts := &options{configPath: path, output: outputText, out: out}
		require.NoError(t, opts.executePlan())

		lines := strings.Split(strings.TrimRight(out.String(), "\n"), "\n")
		require.Len(t, lines, 3)
		assert.Contains(t, lines[0], "RUN ID")
		assert.Contains(t, lines[0], "BATCH_SIZE")
		assert.Contains(t, out.String(), "16")
		assert.Contains(t, out.String(), "32")
		assert.Contains(t, out.String(), "mnist")
	})

	t.Run("prints the pending runs as json", func(t *testing.T) {
		t.Parallel()

		path := writeExperimentConfig(t, t.TempDir(), map[string]any{
			"batch_size": []int{16, 32},
		})

		out := new(bytes.Buffer)
		opts := &options{configPath: path, output: outputJSON, out: out}
		require.NoError(t, opts.executePlan())

		var entries []planEntry
		require.NoError(t, json.Unmarshal(out.Bytes(), &entries))
		require.Len(t, entries, 2)

		batchSizes := make([]any, 0, len(entries))
		for _, entry := range entries {
			assert.Len(t, entry.ID, 8)
			assert.NotContains(t, entry.Values, config.MetaKey)
			batchSizes = append(batchSizes, entry.Values["batch_size"])
		}
		assert.ElementsMatch(t, []any{16.0, 32.0}, batchSizes)
	})

	t.Run("prints a message when every run completed", func(t *testing.T) {
		t.Parallel()

		path := writeExperimentConfig(t, t.TempDir(), nil)
		cfg, err := config.Load(path)
		require.NoError(t, err)

		store := rundata.Open(cfg.LogDir())
		plan, err := loadPlan(cfg, store, false)
		require.NoError(t, err)
		require.Len(t, plan.Runs, 1)

		require.NoError(t, os.MkdirAll(cfg.LogDir(), 0o755))
		require.NoError(t, store.Append(plan.Runs[0].Values, rundata.Result{
			RunID:    plan.Runs[0].ID,
			Status:   rundata.StatusCompleted,
			Duration: time.Second,
		}))

		out := new(bytes.Buffer)
		opts := &options{configPath: path, output: outputText, out: out}
		require.NoError(t, opts.executePlan())
		assert.Equal(t, emptyPlanMessage+"\n", out.String())

		out.Reset()
		opts.includeCompleted = true
		require.NoError(t, opts.executePlan())
		assert.Contains(t, out.String(), "RUN ID")
	})
}

func TestExecuteRun(t *testing.T) {
	// keep the status server out of the way regardless of the ambient
	// environment
	t.Setenv(server.PortEnvName, "unused")
	os.Unsetenv(server.PortEnvName)

	t.Run("forks every pending run and records it", func(t *testing.T) {
		dir := t.TempDir()
		path := writeExperimentConfig(t, dir, map[string]any{
			"batch_size": []int{16, 32},
			"epochs":     []int{1, 2},
			"meta": map[string]any{
				"command":   "echo {{.batch_size}} {{.epochs}}",
				"max_forks": 2,
				"seed":      9,
			},
		})

		opts := &options{configPath: path, noWatch: true, output: outputText, out: io.Discard}
		require.NoError(t, opts.executeRun(t.Context()))

		logDir := filepath.Join(dir, "logs")
		records, err := rundata.Open(logDir).Load()
		require.NoError(t, err)
		require.Len(t, records, 4)
		for _, record := range records {
			assert.Equal(t, rundata.StatusCompleted, record["status"])
			runID, ok := record["run_id"].(string)
			require.True(t, ok)
			assert.FileExists(t, filepath.Join(logDir, runID, "fork.log"))
			assert.FileExists(t, filepath.Join(logDir, runID, "run.json"))
		}

		// a second sweep finds everything completed and forks nothing
		require.NoError(t, opts.executeRun(t.Context()))
		records, err = rundata.Open(logDir).Load()
		require.NoError(t, err)
		assert.Len(t, records, 4)
	})

	t.Run("failed runs surface in the returned error", func(t *testing.T) {
		dir := t.TempDir()
		path := writeExperimentConfig(t, dir, map[string]any{
			"meta": map[string]any{"command": "false"},
		})

		opts := &options{configPath: path, noWatch: true, output: outputText, out: io.Discard}
		err := opts.executeRun(t.Context())
		assert.ErrorIs(t, err, errRunsFailed)
		assert.ErrorContains(t, err, "1 of 1")

		records, loadErr := rundata.Open(filepath.Join(dir, "logs")).Load()
		require.NoError(t, loadErr)
		assert.Empty(t, records)
	})

	t.Run("dry run prints the plan without forking", func(t *testing.T) {
		dir := t.TempDir()
		path := writeExperimentConfig(t, dir, map[string]any{
			"meta": map[string]any{"command": "false"},
		})

		out := new(bytes.Buffer)
		opts := &options{configPath: path, dryRun: true, output: outputText, out: out}
		require.NoError(t, opts.executeRun(t.Context()))

		assert.Contains(t, out.String(), "RUN ID")
		assert.NoDirExists(t, filepath.Join(dir, "logs"))
	})

	t.Run("watches the configuration while the sweep runs", func(t *testing.T) {
		dir := t.TempDir()
		path := writeExperimentConfig(t, dir, map[string]any{
			"meta": map[string]any{"command": "echo {{.epochs}}", "refresh_rate": 1},
		})

		opts := &options{configPath: path, output: outputText, out: io.Discard}
		require.NoError(t, opts.executeRun(t.Context()))

		records, err := rundata.Open(filepath.Join(dir, "logs")).Load()
		require.NoError(t, err)
		assert.Len(t, records, 1)
	})
}
