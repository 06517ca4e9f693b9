// Copyright Mia srl
// SPDX-License-Identifier: AGPL-3.0-only or Commercial

package logger

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetupSinkRouting(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	console := new(bytes.Buffer)

	log, closeLogs, err := Setup(DefaultConfig(), Options{Console: console, Dir: dir})
	require.NoError(t, err)

	log.Debug("debug record for the file sink")
	log.Info("info record for both sinks")
	require.NoError(t, closeLogs())

	fileContent, err := os.ReadFile(filepath.Join(dir, "logs", "furcate.log"))
	require.NoError(t, err)

	assert.Contains(t, string(fileContent), "debug record for the file sink")
	assert.Contains(t, string(fileContent), "info record for both sinks")
	assert.NotContains(t, console.String(), "debug record for the file sink")
	assert.Contains(t, console.String(), "info record for both sinks")
}

func TestSetupNamedLoggerStopsAtRoot(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	console := new(bytes.Buffer)

	log, closeLogs, err := Setup(DefaultConfig(), Options{Console: console, Dir: dir})
	require.NoError(t, err)

	named := log.WithName("furcate:runner")
	named.Info("one record, one write per sink")
	require.NoError(t, closeLogs())

	fileContent, err := os.ReadFile(filepath.Join(dir, "logs", "furcate.log"))
	require.NoError(t, err)

	assert.Equal(t, 1, strings.Count(string(fileContent), "one record, one write per sink"))
	assert.Equal(t, 1, strings.Count(console.String(), "one record, one write per sink"))
	assert.Contains(t, string(fileContent), "furcate:runner")
}

func TestSetupAppendsAcrossRestarts(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	for _, message := range []string{"first process record", "second process record"} {
		log, closeLogs, err := Setup(DefaultConfig(), Options{Console: new(bytes.Buffer), Dir: dir})
		require.NoError(t, err)
		log.Info(message)
		require.NoError(t, closeLogs())
	}

	fileContent, err := os.ReadFile(filepath.Join(dir, "logs", "furcate.log"))
	require.NoError(t, err)

	assert.Contains(t, string(fileContent), "first process record")
	assert.Contains(t, string(fileContent), "second process record")
}

func TestSetupKeepsUTF8Records(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	log, closeLogs, err := Setup(DefaultConfig(), Options{Console: new(bytes.Buffer), Dir: dir})
	require.NoError(t, err)
	log.Info("training héçà 訓練 complete")
	require.NoError(t, closeLogs())

	fileContent, err := os.ReadFile(filepath.Join(dir, "logs", "furcate.log"))
	require.NoError(t, err)
	assert.Contains(t, string(fileContent), "training héçà 訓練 complete")
}

func TestSetupHandlerLevelIsAFloor(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	console := new(bytes.Buffer)

	log, closeLogs, err := Setup(DefaultConfig(), Options{Console: console, Dir: dir})
	require.NoError(t, err)

	// lowering the root level cannot bypass the stream handler INFO level
	log.SetLevel(TRACE)
	log.Debug("still a file only record")

	// raising the root level re-gates every sink
	log.SetLevel(ERROR)
	log.Info("record dropped everywhere")
	require.NoError(t, closeLogs())

	fileContent, err := os.ReadFile(filepath.Join(dir, "logs", "furcate.log"))
	require.NoError(t, err)

	assert.Contains(t, string(fileContent), "still a file only record")
	assert.NotContains(t, console.String(), "still a file only record")
	assert.NotContains(t, string(fileContent), "record dropped everywhere")
	assert.NotContains(t, console.String(), "record dropped everywhere")
}

func TestSetupHonorsDateFormat(t *testing.T) {
	t.Parallel()

	console := new(bytes.Buffer)
	config := &Config{
		Version:    schemaVersion,
		Formatters: map[string]Formatter{"standard": {DateFmt: "%Y-%m-%d %H:%M:%S"}},
		Handlers: map[string]Handler{
			"stream_handler": {Class: StreamHandlerClass, Level: "INFO", Formatter: "standard"},
		},
		Loggers: map[string]LoggerConfig{
			RootLoggerName: {Handlers: []string{"stream_handler"}, Level: "DEBUG"},
		},
	}

	log, closeLogs, err := Setup(config, Options{
		Console: console,
		TimeFn:  func() time.Time { return time.Date(2023, 4, 5, 6, 7, 8, 0, time.UTC) },
	})
	require.NoError(t, err)

	log.Info("timestamped record")
	require.NoError(t, closeLogs())

	assert.Contains(t, console.String(), "2023-04-05 06:07:08")
}

func TestSetupValidation(t *testing.T) {
	t.Parallel()

	tests := map[string]struct {
		config *Config
	}{
		"missing root logger entry": {
			config: &Config{
				Version:  schemaVersion,
				Handlers: map[string]Handler{"stream_handler": {Class: StreamHandlerClass}},
				Loggers:  map[string]LoggerConfig{"furcate": {Handlers: []string{"stream_handler"}}},
			},
		},
		"unsupported schema version": {
			config: &Config{
				Version: 2,
				Loggers: map[string]LoggerConfig{RootLoggerName: {}},
			},
		},
		"file handler without filename": {
			config: &Config{
				Version:  schemaVersion,
				Handlers: map[string]Handler{"file_handler": {Class: FileHandlerClass, Level: "DEBUG"}},
				Loggers:  map[string]LoggerConfig{RootLoggerName: {Handlers: []string{"file_handler"}}},
			},
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			log, closeLogs, err := Setup(test.config, Options{})
			assert.ErrorIs(t, err, ErrInvalidConfig)
			assert.Nil(t, log)
			assert.Nil(t, closeLogs)
		})
	}
}

func TestTimeLayout(t *testing.T) {
	t.Parallel()

	tests := map[string]struct {
		datefmt  string
		expected string
	}{
		"standard date and time": {
			datefmt:  "%Y-%m-%d %H:%M:%S",
			expected: "2006-01-02 15:04:05",
		},
		"twelve hour clock": {
			datefmt:  "%d/%b/%Y %I:%M %p",
			expected: "02/Jan/2006 03:04 PM",
		},
		"escaped percent": {
			datefmt:  "100%% %S",
			expected: "100% 05",
		},
		"unknown directives are kept": {
			datefmt:  "%Q %S",
			expected: "%Q 05",
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, test.expected, timeLayout(test.datefmt))
		})
	}
}
