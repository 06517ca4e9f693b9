// Copyright Mia srl
// SPDX-License-Identifier: AGPL-3.0-only or Commercial

package rundata

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mia-platform/furcate/internal/sweep"
)

func testValues() map[string]any {
	return map[string]any{
		"data_name":  "mnist",
		"batch_size": json.Number("64"),
		"epochs":     json.Number("10"),
		"meta":       map[string]any{"framework": "tf"},
	}
}

func TestLoadWithoutLedger(t *testing.T) {
	t.Parallel()

	store := Open(t.TempDir())

	records, err := store.Load()
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestAppendAndLoadRoundTrip(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store := Open(dir)

	values := testValues()
	err := store.Append(values, Result{RunID: "abcd1234", Status: StatusCompleted, Duration: 90 * time.Second})
	require.NoError(t, err)

	records, err := Open(dir).Load()
	require.NoError(t, err)
	require.Len(t, records, 1)

	record := records[0]
	assert.Equal(t, "abcd1234", record["run_id"])
	assert.Equal(t, StatusCompleted, record["status"])
	assert.Equal(t, "90.000", record["duration_seconds"])

	// a recorded run matches the sweep run it came from
	run := &sweep.Run{ID: "abcd1234", Values: values}
	assert.True(t, run.Matches(record))
}

func TestAppendKeepsHeaderOrder(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store := Open(dir)

	require.NoError(t, store.Append(testValues(), Result{RunID: "one", Status: StatusCompleted}))

	// the second run carries a key the header does not name
	values := testValues()
	values["optimizer"] = "adam"
	require.NoError(t, store.Append(values, Result{RunID: "two", Status: StatusCompleted}))

	content, err := os.ReadFile(filepath.Join(dir, RunDataFile))
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(string(content)), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "batch_size,data_name,epochs,run_id,status,duration_seconds", lines[0])
	assert.NotContains(t, lines[2], "adam")
}

func TestAppendAfterReopen(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	require.NoError(t, Open(dir).Append(testValues(), Result{RunID: "one", Status: StatusCompleted}))
	require.NoError(t, Open(dir).Append(testValues(), Result{RunID: "two", Status: StatusCompleted}))

	records, err := Open(dir).Load()
	require.NoError(t, err)
	require.Len(t, records, 2)

	content, err := os.ReadFile(filepath.Join(dir, RunDataFile))
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(string(content), "run_id"), "the header is written exactly once")
}

func TestLoadCorruptLedger(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, RunDataFile)
	require.NoError(t, os.WriteFile(path, []byte("a,b\n\"unterminated\n"), 0o644))

	records, err := Open(dir).Load()
	assert.Nil(t, records)
	assert.ErrorContains(t, err, "reading run ledger")
}

func TestAppendConcurrent(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store := Open(dir)

	var wait sync.WaitGroup
	for index := range 16 {
		wait.Add(1)
		go func() {
			defer wait.Done()
			values := testValues()
			values["epochs"] = json.Number(strings.Repeat("1", 1+index%3))
			assert.NoError(t, store.Append(values, Result{RunID: "run", Status: StatusCompleted}))
		}()
	}
	wait.Wait()

	records, err := store.Load()
	require.NoError(t, err)
	assert.Len(t, records, 16)
}
