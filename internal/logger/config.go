// Copyright Mia srl
// SPDX-License-Identifier: AGPL-3.0-only or Commercial

package logger

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
)

const (
	// FileHandlerClass is the handler class writing records to a file,
	// created on demand and opened in append mode.
	FileHandlerClass = "FileHandler"
	// StreamHandlerClass is the handler class writing records to the console.
	StreamHandlerClass = "StreamHandler"

	// RootLoggerName is the reserved key of the root logger entry.
	RootLoggerName = ""

	// schemaVersion is the only configuration schema version understood.
	schemaVersion = 1
)

var (
	// ErrInvalidConfig reports logging configurations that fail schema validation.
	ErrInvalidConfig = errors.New("invalid logging configuration")

	//go:embed logging.json
	defaultConfigJSON []byte

	validLevelNames = []string{"TRACE", "DEBUG", "INFO", "WARN", "WARNING", "ERROR", "CRITICAL", "NOTSET"}
)

// Config is the parsed representation of a logging configuration file.
type Config struct {
	Version                int                     `json:"version"`
	DisableExistingLoggers bool                    `json:"disable_existing_loggers"`
	Formatters             map[string]Formatter    `json:"formatters,omitempty"`
	Handlers               map[string]Handler      `json:"handlers"`
	Loggers                map[string]LoggerConfig `json:"loggers"`
}

// Formatter declares how a handler lays out records. The date format uses
// strftime directives and is translated to the equivalent layout for the
// sinks that honor it.
type Formatter struct {
	Format  string `json:"format,omitempty"`
	DateFmt string `json:"datefmt,omitempty"`
}

// Handler declares one record sink. FileHandler requires a filename;
// StreamHandler ignores it. An empty level means the handler accepts
// every record the logger level lets through.
type Handler struct {
	Class     string `json:"class"`
	Level     string `json:"level,omitempty"`
	Formatter string `json:"formatter,omitempty"`
	Filename  string `json:"filename,omitempty"`
}

// LoggerConfig attaches handlers to a named logger. The entry under
// RootLoggerName configures the logger every other one descends from.
type LoggerConfig struct {
	Handlers  []string `json:"handlers"`
	Level     string   `json:"level,omitempty"`
	Propagate bool     `json:"propagate"`
}

// LoadConfig reads and validates the logging configuration file at path.
func LoadConfig(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading logging configuration: %w", err)
	}

	config, err := parseConfig(raw)
	if err != nil {
		return nil, fmt.Errorf("%w %q: %w", ErrInvalidConfig, path, err)
	}

	return config, nil
}

// DefaultConfig returns the embedded default configuration: one file
// handler at DEBUG writing logs/furcate.log, one stream handler at INFO,
// both attached to a non propagating root logger at DEBUG.
func DefaultConfig() *Config {
	config, err := parseConfig(defaultConfigJSON)
	if err != nil {
		panic(fmt.Errorf("embedded logging configuration: %w", err))
	}

	return config
}

func parseConfig(raw []byte) (*Config, error) {
	config := new(Config)
	if err := json.Unmarshal(raw, config); err != nil {
		return nil, err
	}

	return config, config.validate()
}

// validate checks the schema constraints that make a configuration usable:
// a known version, known handler classes and level names, and handler and
// formatter references that resolve.
func (c *Config) validate() error {
	errorsList := []string{}

	if c.Version != schemaVersion {
		errorsList = append(errorsList, fmt.Sprintf("unsupported version %d", c.Version))
	}

	for name, handler := range c.Handlers {
		switch handler.Class {
		case FileHandlerClass:
			if handler.Filename == "" {
				errorsList = append(errorsList, fmt.Sprintf("handler %q: missing filename", name))
			}
		case StreamHandlerClass:
		default:
			errorsList = append(errorsList, fmt.Sprintf("handler %q: unknown class '%s'", name, handler.Class))
		}

		if !validLevelName(handler.Level) {
			errorsList = append(errorsList, fmt.Sprintf("handler %q: unknown level '%s'", name, handler.Level))
		}

		if handler.Formatter != "" {
			if _, found := c.Formatters[handler.Formatter]; !found {
				errorsList = append(errorsList, fmt.Sprintf("handler %q: undeclared formatter '%s'", name, handler.Formatter))
			}
		}
	}

	for name, loggerConfig := range c.Loggers {
		for _, handlerName := range loggerConfig.Handlers {
			if _, found := c.Handlers[handlerName]; !found {
				errorsList = append(errorsList, fmt.Sprintf("logger %q: undeclared handler '%s'", name, handlerName))
			}
		}

		if !validLevelName(loggerConfig.Level) {
			errorsList = append(errorsList, fmt.Sprintf("logger %q: unknown level '%s'", name, loggerConfig.Level))
		}
	}

	if len(errorsList) > 0 {
		return errors.New(strings.Join(errorsList, "; "))
	}

	return nil
}

// validLevelName accepts the empty string: an absent level falls back to
// the enclosing logger or handler default.
func validLevelName(name string) bool {
	if name == "" {
		return true
	}

	upper := strings.ToUpper(name)
	for _, valid := range validLevelNames {
		if upper == valid {
			return true
		}
	}

	return false
}
