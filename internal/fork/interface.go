// Copyright Mia srl
// SPDX-License-Identifier: AGPL-3.0-only or Commercial

// Package fork executes one training run as a child process and collects
// its artifacts under the run's own directory inside the log dir.
package fork

import (
	"context"
	"time"

	"github.com/mia-platform/furcate/internal/gpu"
	"github.com/mia-platform/furcate/internal/sweep"
)

// Environment variables every fork receives on top of the parent
// environment.
const (
	// EnvRunID carries the run identifier.
	EnvRunID = "FURCATE_RUN_ID"

	// EnvLogDir carries the run's private directory, where fork.log and
	// run.json live and where the child may drop its own artifacts.
	EnvLogDir = "FURCATE_LOG_DIR"

	// EnvConfig carries the path of the JSON file holding the run values.
	EnvConfig = "FURCATE_CONFIG"
)

// Result describes one finished fork.
type Result struct {
	// RunID is the identifier of the run that was forked.
	RunID string

	// ExitCode is the child exit status; -1 when the child was killed by a
	// signal, typically after a cancellation.
	ExitCode int

	// Duration is the wall clock time between spawn and exit.
	Duration time.Duration

	// LogPath is the combined stdout and stderr capture of the child.
	LogPath string
}

// Forker spawns the training process for a run pinned to a device slot. A
// nil slot runs the child without GPU pinning. A non zero child exit is a
// Result, not an error: errors are reserved for failures dispatching the
// child in the first place.
type Forker interface {
	Fork(ctx context.Context, run *sweep.Run, slot *gpu.Device) (Result, error)
}
