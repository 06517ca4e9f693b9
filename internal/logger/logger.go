// Copyright Mia srl
// SPDX-License-Identifier: AGPL-3.0-only or Commercial

package logger

import (
	"context"
	"io"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"
)

var (
	// nullLogger is a logger that discards all log messages.
	nullLogger = &instance{sinks: []*sink{{log: hclog.NewNullLogger(), floor: TRACE}}}
)

//go:generate ${TOOLS_BIN}/stringer -type=Level
type Level int

// LevelFromString parses a level name into a Level. It accepts the CLI
// spellings and the logging configuration file ones (WARNING, CRITICAL).
// Unrecognized names fall back to INFO.
func LevelFromString(level string) Level {
	switch strings.ToUpper(level) {
	case "TRACE", "NOTSET":
		return TRACE
	case "DEBUG":
		return DEBUG
	case "INFO":
		return INFO
	case "WARN", "WARNING":
		return WARN
	case "ERROR", "CRITICAL":
		return ERROR
	default:
		return INFO
	}
}

func (l Level) convertedLevel() hclog.Level {
	switch l {
	case TRACE:
		return hclog.Trace
	case DEBUG:
		return hclog.Debug
	case INFO:
		return hclog.Info
	case WARN:
		return hclog.Warn
	case ERROR:
		return hclog.Error
	default:
		return hclog.Info
	}
}

const (
	ERROR Level = iota
	WARN
	INFO
	DEBUG
	TRACE
)

// moreSevere returns the stricter of the two levels.
func moreSevere(a, b Level) Level {
	if a < b {
		return a
	}

	return b
}

// normalized clamps out of range values to the INFO default.
func (l Level) normalized() Level {
	if l < ERROR || l > TRACE {
		return INFO
	}

	return l
}

// Logger describes the interface that must be implemented by all loggers
type Logger interface {
	// WithName returns a new Logger instance with the specified name.
	WithName(name string) Logger

	// SetLevel updates the root logger level. Records below the new level
	// are dropped by every sink; sinks configured with a stricter level of
	// their own keep it.
	SetLevel(level Level)

	// Trace emit a message and key/value pairs at the TRACE level.
	Trace(msg string, args ...interface{})

	// Debug emit a message and key/value pairs at the DEBUG level.
	Debug(msg string, args ...interface{})

	// Info emit a message and key/value pairs at the INFO level.
	Info(msg string, args ...interface{})

	// Warn emit a message and key/value pairs at the WARN level.
	Warn(msg string, args ...interface{})

	// Error emit a message and key/value pairs at the ERROR level.
	Error(msg string, args ...interface{})
}

// Make sure that instance is a Logger.
var _ Logger = &instance{}

// sink couples one output with the level floor its handler declared.
// The effective threshold is always the stricter of the floor and the
// root level, so lowering the root level never bypasses a handler level.
type sink struct {
	log   hclog.Logger
	floor Level
}

// instance is a Logger implementation fanning every record out to its
// sinks. There is no parent to propagate to: a record either matches a
// sink threshold and is written, or it is dropped here.
type instance struct {
	sinks []*sink
}

// NewLogger creates a new single-sink logger instance writing JSON records
// to writer at INFO level.
func NewLogger(writer io.Writer) Logger {
	return &instance{
		sinks: []*sink{{
			log: hclog.New(&hclog.LoggerOptions{
				JSONFormat: true,
				Output:     writer,
				TimeFn:     time.Now,
				Level:      INFO.convertedLevel(),
			}),
			floor: TRACE,
		}},
	}
}

func (i instance) WithName(name string) Logger {
	named := &instance{sinks: make([]*sink, 0, len(i.sinks))}
	for _, s := range i.sinks {
		named.sinks = append(named.sinks, &sink{log: s.log.ResetNamed(name), floor: s.floor})
	}

	return named
}

func (i instance) SetLevel(level Level) {
	for _, s := range i.sinks {
		s.log.SetLevel(moreSevere(s.floor, level.normalized()).convertedLevel())
	}
}

func (i instance) Trace(msg string, args ...interface{}) {
	for _, s := range i.sinks {
		s.log.Trace(msg, args...)
	}
}

func (i instance) Debug(msg string, args ...interface{}) {
	for _, s := range i.sinks {
		s.log.Debug(msg, args...)
	}
}

func (i instance) Info(msg string, args ...interface{}) {
	for _, s := range i.sinks {
		s.log.Info(msg, args...)
	}
}

func (i instance) Warn(msg string, args ...interface{}) {
	for _, s := range i.sinks {
		s.log.Warn(msg, args...)
	}
}

func (i instance) Error(msg string, args ...interface{}) {
	for _, s := range i.sinks {
		s.log.Error(msg, args...)
	}
}

// WithContext returns a new context with the provided logger.
func WithContext(ctx context.Context, logger Logger) context.Context {
	return context.WithValue(ctx, contextKey, logger)
}

// FromContext retrieves the logger from the context. If no logger is found, a new null logger is returned.
func FromContext(ctx context.Context) Logger {
	if ctx != nil {
		if logger, ok := ctx.Value(contextKey).(Logger); ok {
			return logger
		}
	}

	return nullLogger
}

// Unexported new type so that our context key never collides with another.
type contextKeyType struct{}

// contextKey is the key used for the context to store the logger.
var contextKey = contextKeyType{}
