// Copyright Mia srl
// SPDX-License-Identifier: AGPL-3.0-only or Commercial

package fork

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"github.com/mia-platform/furcate/internal/command"
	"github.com/mia-platform/furcate/internal/config"
	"github.com/mia-platform/furcate/internal/gpu"
	"github.com/mia-platform/furcate/internal/logger"
	"github.com/mia-platform/furcate/internal/sweep"
)

const (
	runConfigName = "run.json"
	forkLogName   = "fork.log"
)

// Options configures an exec backed Forker.
type Options struct {
	// LogDir is the sweep log directory; each run gets a subdirectory
	// named after its id.
	LogDir string

	// Renderer produces the argv for each run.
	Renderer *command.Renderer

	// Framework selects how a device slot is exposed to the child.
	Framework string

	// Env is the base child environment. Defaults to the parent's.
	Env []string

	// Logger receives fork activity. Defaults to a null logger.
	Logger logger.Logger
}

// New returns a Forker spawning real child processes.
func New(options Options) (Forker, error) {
	if options.Renderer == nil {
		return nil, errors.New("a command renderer is required")
	}
	if options.LogDir == "" {
		return nil, errors.New("a log directory is required")
	}

	log := options.Logger
	if log == nil {
		log = logger.FromContext(context.Background())
	}

	return &execForker{
		logDir:    options.LogDir,
		renderer:  options.Renderer,
		framework: options.Framework,
		env:       options.Env,
		log:       log.WithName("furcate:fork"),
	}, nil
}

var _ Forker = &execForker{}

type execForker struct {
	logDir    string
	renderer  *command.Renderer
	framework string
	env       []string
	log       logger.Logger
}

// Fork renders the run command, prepares the run directory and spawns the
// child. The child joins its own process group so a cancellation kills
// grandchildren too.
func (f *execForker) Fork(ctx context.Context, run *sweep.Run, slot *gpu.Device) (Result, error) {
	argv, err := f.renderer.Render(run)
	if err != nil {
		return Result{}, fmt.Errorf("rendering command for run %q: %w", run.ID, err)
	}

	runDir := filepath.Join(f.logDir, run.ID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return Result{}, fmt.Errorf("creating run directory for run %q: %w", run.ID, err)
	}

	configPath := filepath.Join(runDir, runConfigName)
	if err := writeRunConfig(configPath, run); err != nil {
		return Result{}, fmt.Errorf("writing run values for run %q: %w", run.ID, err)
	}

	env, err := f.childEnv(run, runDir, configPath, slot)
	if err != nil {
		return Result{}, fmt.Errorf("building environment for run %q: %w", run.ID, err)
	}

	logPath := filepath.Join(runDir, forkLogName)
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return Result{}, fmt.Errorf("opening fork log for run %q: %w", run.ID, err)
	}
	defer logFile.Close()

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.Env = env
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}

	f.log.Debug("forking run", "runID", run.ID, "argv", argv)

	start := time.Now()
	runErr := cmd.Run()
	result := Result{
		RunID:    run.ID,
		Duration: time.Since(start),
		LogPath:  logPath,
	}

	exitErr := &exec.ExitError{}
	switch {
	case runErr == nil:
	case errors.As(runErr, &exitErr):
		result.ExitCode = exitErr.ExitCode()
	case ctx.Err() != nil:
		result.ExitCode = -1
	default:
		return Result{}, fmt.Errorf("forking run %q: %w", run.ID, runErr)
	}

	f.log.Debug("fork finished", "runID", run.ID, "exitCode", result.ExitCode, "duration", result.Duration.String())
	return result, nil
}

// childEnv extends the base environment with the furcate variables and
// the device pinning. Nothing is removed from the parent environment.
func (f *execForker) childEnv(run *sweep.Run, runDir, configPath string, slot *gpu.Device) ([]string, error) {
	env := f.env
	if env == nil {
		env = os.Environ()
	}

	env = append(env[:len(env):len(env)],
		EnvRunID+"="+run.ID,
		EnvLogDir+"="+runDir,
		EnvConfig+"="+configPath,
	)

	if slot == nil {
		return env, nil
	}
	return gpu.Assign(env, f.framework, *slot)
}

// writeRunConfig persists the run's values, without the meta section, for
// the child to read back through EnvConfig.
func writeRunConfig(path string, run *sweep.Run) error {
	values := make(map[string]any, len(run.Values))
	for key, value := range run.Values {
		if key == config.MetaKey {
			continue
		}
		values[key] = value
	}

	data, err := json.MarshalIndent(values, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, append(data, '\n'), 0o644)
}
