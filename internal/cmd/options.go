// Copyright Mia srl
// SPDX-License-Identifier: AGPL-3.0-only or Commercial

package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/mia-platform/furcate/internal/command"
	"github.com/mia-platform/furcate/internal/config"
	"github.com/mia-platform/furcate/internal/fork"
	"github.com/mia-platform/furcate/internal/gpu"
	"github.com/mia-platform/furcate/internal/logger"
	"github.com/mia-platform/furcate/internal/rundata"
	"github.com/mia-platform/furcate/internal/runner"
	"github.com/mia-platform/furcate/internal/server"
	"github.com/mia-platform/furcate/internal/sweep"
	"github.com/mia-platform/furcate/internal/watcher"
)

const (
	runLoggerName = "furcate:run"

	// reloadRoutePath is the status server route that forces a replan, for
	// example after a manual run ledger edit.
	reloadRoutePath = "/-/reload"

	emptyPlanMessage = "No pending runs, the sweep is complete."
)

// options configures plan listings and sweep executions.
type options struct {
	configPath       string
	maxForks         int
	seed             int64
	noWatch          bool
	dryRun           bool
	output           string
	includeCompleted bool
	out              io.Writer

	lock sync.Mutex
}

// validate checks the configured values and reports invalid setups.
func (o *options) validate() error {
	if o.configPath == "" {
		return errNoArguments
	}

	if o.output != outputText && o.output != outputJSON {
		return fmt.Errorf("%w: %s", errInvalidOutput, o.output)
	}

	return nil
}

// applyOverrides writes the CLI overrides into the loaded experiment meta.
func (o *options) applyOverrides(cfg *config.Config) {
	if o.maxForks > 0 {
		cfg.Meta.MaxForks = o.maxForks
	}

	if o.seed != 0 {
		cfg.Meta.Seed = o.seed
	}
}

// executePlan prints the runs the configured experiment would fork.
func (o *options) executePlan() error {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return err
	}
	o.applyOverrides(cfg)

	plan, err := loadPlan(cfg, rundata.Open(cfg.LogDir()), o.includeCompleted)
	if err != nil {
		return err
	}

	if o.output == outputJSON {
		return o.printPlanJSON(plan)
	}

	return o.printPlanTable(plan)
}

// executeRun forks the sweep described by the configured experiment and
// blocks until every pending run settles or ctx is cancelled.
func (o *options) executeRun(ctx context.Context) error {
	if o.dryRun {
		return o.executePlan()
	}

	if !o.lock.TryLock() {
		return nil
	}
	defer o.lock.Unlock()

	log := logger.FromContext(ctx).WithName(runLoggerName)

	cfg, err := config.Load(o.configPath)
	if err != nil {
		return err
	}
	o.applyOverrides(cfg)

	renderer, err := command.New(cfg.Meta.Command)
	if err != nil {
		return err
	}

	store := rundata.Open(cfg.LogDir())
	plan, err := loadPlan(cfg, store, false)
	if err != nil {
		return err
	}

	forker, err := fork.New(fork.Options{
		LogDir:    cfg.LogDir(),
		Renderer:  renderer,
		Framework: cfg.Meta.Framework,
		Logger:    log,
	})
	if err != nil {
		return err
	}

	devices := gpu.NewProber().Devices()
	if len(devices) == 0 {
		log.Warn("no GPU detected, forks will run unpinned")
	} else {
		log.Debug("GPU devices detected", "count", len(devices))
	}

	// the reload closure and the runner reference each other: the closure
	// captures the variable, the runner is assigned before the watch starts.
	var sweepRunner *runner.Runner

	var flag runner.ReloadFlag
	var watch *watcher.Watcher
	if !o.noWatch {
		reload := func() error {
			reloaded, err := config.Load(o.configPath)
			if err != nil {
				return err
			}
			o.applyOverrides(reloaded)

			reloadedPlan, err := loadPlan(reloaded, store, false)
			if err != nil {
				return err
			}

			sweepRunner.OfferPlan(reloadedPlan)
			return nil
		}

		watch, err = watcher.New(o.configPath, reload, watcher.Options{
			PollInterval: time.Duration(cfg.Meta.RefreshRate) * time.Second,
			Logger:       log,
		})
		if err != nil {
			return err
		}
		flag = watch
	}

	sweepRunner = runner.New(cfg, plan, forker, store, flag, runner.Options{
		Devices: devices,
		Logger:  log,
	})

	srvConfig, err := serverConfig(cfg)
	if err != nil {
		return err
	}
	if srvConfig != nil {
		srv := server.NewServer(ctx, srvConfig, sweepRunner.Status)
		if watch != nil {
			srv.AddRoute(http.MethodPost, reloadRoutePath, func(context.Context, http.Header, []byte) error {
				watch.ForceReload()
				return nil
			})
		}

		srv.StartAsync(ctx)
		defer func() {
			if err := srv.Stop(); err != nil {
				log.Error("stopping status server", "error", err)
			}
		}()
	}

	if watch != nil {
		watch.Start(ctx)
		defer watch.Stop()
	}

	err = sweepRunner.Run(ctx)

	status := sweepRunner.Status()
	log.Info("sweep finished",
		"completed", status.Completed,
		"failed", status.Failed,
		"elapsed", status.Elapsed,
	)

	if err != nil {
		return err
	}

	if status.Failed > 0 {
		return fmt.Errorf("%w: %d of %d", errRunsFailed, status.Failed, status.Failed+status.Completed)
	}

	return nil
}

// printPlanTable renders the pending runs as an aligned table, one value
// column per experiment key, meta excluded.
func (o *options) printPlanTable(plan *sweep.Plan) error {
	if len(plan.Runs) == 0 {
		_, err := fmt.Fprintln(o.out, emptyPlanMessage)
		return err
	}

	keys := plan.Runs[0].Keys()
	header := make([]string, 0, len(keys)+1)
	header = append(header, "RUN ID")
	for _, key := range keys {
		header = append(header, strings.ToUpper(key))
	}

	table := tabwriter.NewWriter(o.out, 2, 0, 3, ' ', 0)
	fmt.Fprintln(table, strings.Join(header, "\t"))
	for _, run := range plan.Runs {
		row := make([]string, 0, len(keys)+1)
		row = append(row, run.ID)
		for _, key := range keys {
			row = append(row, config.Canonical(run.Values[key]))
		}
		fmt.Fprintln(table, strings.Join(row, "\t"))
	}

	return table.Flush()
}

// planEntry is the JSON rendering of one pending run.
type planEntry struct {
	ID     string         `json:"id"`
	Values map[string]any `json:"values"`
}

// printPlanJSON renders the pending runs as an indented JSON array, the
// meta section excluded from the values.
func (o *options) printPlanJSON(plan *sweep.Plan) error {
	entries := make([]planEntry, 0, len(plan.Runs))
	for _, run := range plan.Runs {
		values := make(map[string]any, len(run.Values))
		for _, key := range run.Keys() {
			values[key] = run.Values[key]
		}
		entries = append(entries, planEntry{ID: run.ID, Values: values})
	}

	encoder := json.NewEncoder(o.out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(entries)
}
