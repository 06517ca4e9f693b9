// Copyright Mia srl
// SPDX-License-Identifier: AGPL-3.0-only or Commercial

package logger

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"
)

// Options tunes sink construction during Setup.
type Options struct {
	// Console overrides the writer used by stream handlers. Defaults to
	// standard error.
	Console io.Writer

	// Dir is the base directory that relative file handler paths are
	// resolved against. Defaults to the working directory.
	Dir string

	// TimeFn overrides the record timestamp source.
	TimeFn func() time.Time
}

// Setup builds the root logger described by config. Every handler attached
// to the root entry becomes a sink: file handlers append JSON records to
// their file, stream handlers write text records to the console. A record
// is written to each sink whose threshold it reaches; nothing is forwarded
// anywhere else, so a record below every threshold is dropped for good.
//
// The returned closer releases the files opened for file handlers.
func Setup(config *Config, opts Options) (Logger, func() error, error) {
	if err := config.validate(); err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	root, found := config.Loggers[RootLoggerName]
	if !found {
		return nil, nil, fmt.Errorf("%w: missing root logger entry", ErrInvalidConfig)
	}

	gate := TRACE
	if root.Level != "" {
		gate = LevelFromString(root.Level)
	}

	timeFn := opts.TimeFn
	if timeFn == nil {
		timeFn = time.Now
	}

	console := opts.Console
	if console == nil {
		console = io.Writer(os.Stderr)
	}

	log := &instance{sinks: make([]*sink, 0, len(root.Handlers))}
	closers := []io.Closer{}
	closeAll := func() error {
		errs := make([]error, 0, len(closers))
		for _, closer := range closers {
			errs = append(errs, closer.Close())
		}

		return errors.Join(errs...)
	}

	for _, name := range root.Handlers {
		handler := config.Handlers[name]

		floor := TRACE
		if handler.Level != "" {
			floor = LevelFromString(handler.Level)
		}

		loggerOptions := &hclog.LoggerOptions{
			TimeFn: timeFn,
			Level:  moreSevere(floor, gate).convertedLevel(),
		}

		if handler.Formatter != "" {
			if formatter := config.Formatters[handler.Formatter]; formatter.DateFmt != "" {
				loggerOptions.TimeFormat = timeLayout(formatter.DateFmt)
			}
		}

		switch handler.Class {
		case FileHandlerClass:
			file, err := openLogFile(handler.Filename, opts.Dir)
			if err != nil {
				_ = closeAll()
				return nil, nil, err
			}

			closers = append(closers, file)
			loggerOptions.Output = file
			loggerOptions.JSONFormat = true
		case StreamHandlerClass:
			loggerOptions.Output = console
		}

		log.sinks = append(log.sinks, &sink{log: hclog.New(loggerOptions), floor: floor})
	}

	return log, closeAll, nil
}

// openLogFile opens the handler file for appending, creating it and its
// parent directory on first use.
func openLogFile(filename, dir string) (*os.File, error) {
	path := filename
	if !filepath.IsAbs(path) && dir != "" {
		path = filepath.Join(dir, path)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating log directory: %w", err)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening log file: %w", err)
	}

	return file, nil
}

// timeLayout translates the strftime directives used by configuration
// files into the reference layout. Directives without an equivalent are
// left untouched.
func timeLayout(datefmt string) string {
	replacer := strings.NewReplacer(
		"%Y", "2006", "%y", "06",
		"%m", "01", "%d", "02",
		"%H", "15", "%I", "03",
		"%M", "04", "%S", "05",
		"%f", "000000",
		"%b", "Jan", "%B", "January",
		"%a", "Mon", "%A", "Monday",
		"%p", "PM",
		"%z", "-0700", "%Z", "MST",
		"%%", "%",
	)

	return replacer.Replace(datefmt)
}
