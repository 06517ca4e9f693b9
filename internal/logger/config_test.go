// Copyright Mia srl
// SPDX-License-Identifier: AGPL-3.0-only or Commercial

package logger

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	t.Parallel()

	tests := map[string]struct {
		path                 string
		expectedErr          error
		expectedErrorMessage string
	}{
		"valid configuration": {
			path: filepath.Join("testdata", "logging.json"),
		},
		"missing file": {
			path:                 filepath.Join("testdata", "absent.json"),
			expectedErrorMessage: "reading logging configuration",
		},
		"malformed json": {
			path:        filepath.Join("testdata", "malformed.json"),
			expectedErr: ErrInvalidConfig,
		},
		"unsupported version": {
			path:                 filepath.Join("testdata", "invalid_version.json"),
			expectedErr:          ErrInvalidConfig,
			expectedErrorMessage: "unsupported version 3",
		},
		"unknown handler class": {
			path:                 filepath.Join("testdata", "unknown_class.json"),
			expectedErr:          ErrInvalidConfig,
			expectedErrorMessage: "unknown class 'SocketHandler'",
		},
		"file handler without filename": {
			path:                 filepath.Join("testdata", "missing_filename.json"),
			expectedErr:          ErrInvalidConfig,
			expectedErrorMessage: "missing filename",
		},
		"logger referencing undeclared handler": {
			path:                 filepath.Join("testdata", "undeclared_handler.json"),
			expectedErr:          ErrInvalidConfig,
			expectedErrorMessage: "undeclared handler 'file_handler'",
		},
		"handler referencing undeclared formatter": {
			path:                 filepath.Join("testdata", "undeclared_formatter.json"),
			expectedErr:          ErrInvalidConfig,
			expectedErrorMessage: "undeclared formatter 'fancy'",
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			config, err := LoadConfig(test.path)
			switch {
			case test.expectedErr != nil:
				assert.ErrorIs(t, err, test.expectedErr)
				assert.Nil(t, config)
				if test.expectedErrorMessage != "" {
					assert.ErrorContains(t, err, test.expectedErrorMessage)
				}
			case test.expectedErrorMessage != "":
				assert.ErrorContains(t, err, test.expectedErrorMessage)
				assert.Nil(t, config)
			default:
				require.NoError(t, err)
				require.NotNil(t, config)
			}
		})
	}
}

func TestLoadConfigContents(t *testing.T) {
	t.Parallel()

	config, err := LoadConfig(filepath.Join("testdata", "logging.json"))
	require.NoError(t, err)

	assert.Equal(t, 1, config.Version)
	assert.False(t, config.DisableExistingLoggers)

	require.Contains(t, config.Handlers, "file_handler")
	assert.Equal(t, FileHandlerClass, config.Handlers["file_handler"].Class)
	assert.Equal(t, "WARNING", config.Handlers["file_handler"].Level)
	assert.Equal(t, "runs/sweep.log", config.Handlers["file_handler"].Filename)

	root, found := config.Loggers[RootLoggerName]
	require.True(t, found)
	assert.Equal(t, []string{"file_handler", "stream_handler"}, root.Handlers)
	assert.False(t, root.Propagate)
}

func TestDefaultConfig(t *testing.T) {
	t.Parallel()

	config := DefaultConfig()
	require.NotNil(t, config)

	assert.Equal(t, 1, config.Version)

	fileHandler, found := config.Handlers["file_handler"]
	require.True(t, found)
	assert.Equal(t, FileHandlerClass, fileHandler.Class)
	assert.Equal(t, "DEBUG", fileHandler.Level)
	assert.Equal(t, filepath.Join("logs", "furcate.log"), filepath.FromSlash(fileHandler.Filename))

	streamHandler, found := config.Handlers["stream_handler"]
	require.True(t, found)
	assert.Equal(t, StreamHandlerClass, streamHandler.Class)
	assert.Equal(t, "INFO", streamHandler.Level)

	root, found := config.Loggers[RootLoggerName]
	require.True(t, found)
	assert.Equal(t, "DEBUG", root.Level)
	assert.False(t, root.Propagate)
}
