// Copyright Mia srl
// SPDX-License-Identifier: AGPL-3.0-only or Commercial

package runner

import (
	"context"
	"errors"
	"maps"
	"sync"
	"time"

	"github.com/mia-platform/furcate/internal/config"
	"github.com/mia-platform/furcate/internal/fork"
	"github.com/mia-platform/furcate/internal/gpu"
	"github.com/mia-platform/furcate/internal/logger"
	"github.com/mia-platform/furcate/internal/rundata"
	"github.com/mia-platform/furcate/internal/sweep"
)

const (
	loggerName = "furcate:runner"
)

// ReloadFlag is the watcher surface the runner polls between dispatches.
type ReloadFlag interface {
	Flagged() bool
	ResetFlag()
}

// Options tunes a Runner beyond its collaborators.
type Options struct {
	// Devices are the GPU slots forks are pinned to. Workers beyond the
	// device count share devices round robin; with no devices every fork
	// runs unpinned.
	Devices []gpu.Device

	// Logger receives orchestration activity. Defaults to a null logger.
	Logger logger.Logger
}

// Status is a point in time snapshot of the sweep, served by the status
// endpoint.
type Status struct {
	Slots     int            `json:"slots"`
	Queued    int            `json:"queued"`
	Running   map[int]string `json:"running"`
	Completed int            `json:"completed"`
	Failed    int            `json:"failed"`
	Elapsed   string         `json:"elapsed"`
}

// Runner drains a sweep plan through a fixed pool of fork slots, records
// completions on the run ledger and swaps in reloaded plans when the
// watcher flags a configuration change.
type Runner struct {
	plan   *sweep.Plan
	forker fork.Forker
	store  *rundata.Store
	flag   ReloadFlag
	log    logger.Logger

	devices []gpu.Device
	slots   int

	offerLock sync.Mutex
	offered   *sweep.Plan

	// dispatched fingerprints every run handed to a worker, so a reloaded
	// plan never re-queues work already started in this process. Touched
	// only by the feed goroutine.
	dispatched map[string]struct{}

	// forkDone carries one token per settled fork back to the feed, which
	// uses it to outlive the plan while forks are in flight: a reload
	// raised by the last running fork still swaps in fresh runs.
	forkDone chan struct{}

	statusLock sync.Mutex
	queued     int
	running    map[int]string
	completed  int
	failed     int
	started    time.Time
}

// New assembles a Runner. The pool holds meta.max_forks workers when the
// configuration sets it, one per device otherwise, and a single worker on
// a machine without GPUs.
func New(cfg *config.Config, plan *sweep.Plan, forker fork.Forker, store *rundata.Store, flag ReloadFlag, options Options) *Runner {
	slots := cfg.Meta.MaxForks
	if slots <= 0 {
		slots = len(options.Devices)
	}
	if slots <= 0 {
		slots = 1
	}

	log := options.Logger
	if log == nil {
		log = logger.FromContext(context.Background())
	}

	return &Runner{
		plan:       plan,
		forker:     forker,
		store:      store,
		flag:       flag,
		log:        log.WithName(loggerName),
		devices:    options.Devices,
		slots:      slots,
		dispatched: map[string]struct{}{},
		forkDone:   make(chan struct{}, slots),
		queued:     len(plan.Runs),
		running:    map[int]string{},
	}
}

// OfferPlan hands the runner the plan a configuration reload generated.
// The runner swaps it in at the next dispatch boundary, once it sees the
// watcher flag raised.
func (r *Runner) OfferPlan(plan *sweep.Plan) {
	r.offerLock.Lock()
	defer r.offerLock.Unlock()
	r.offered = plan
}

// Run drains the plan and blocks until every dispatched fork has exited.
// Fork dispatch failures do not stop the other workers; they aggregate
// into the returned error. Cancellation stops the feed, waits for the in
// flight forks and surfaces ctx's error.
func (r *Runner) Run(ctx context.Context) error {
	if len(r.plan.Runs) == 0 {
		r.log.Info("nothing to do, every run is already completed")
		return nil
	}

	r.statusLock.Lock()
	r.started = time.Now()
	r.statusLock.Unlock()

	r.log.Info("starting sweep", "runs", len(r.plan.Runs), "slots", r.slots)

	queue := make(chan *sweep.Run)
	go func() {
		defer close(queue)
		r.feed(ctx, queue)
	}()

	workerErrs := make([]error, r.slots)
	var workers sync.WaitGroup
	for slot := range r.slots {
		workers.Add(1)
		go func() {
			defer workers.Done()
			workerErrs[slot] = r.work(ctx, slot, queue)
		}()
	}
	workers.Wait()

	if err := errors.Join(workerErrs...); err != nil {
		return err
	}
	return ctx.Err()
}

// feed hands runs to the workers one at a time. Between dispatches it
// honors a raised reload flag by swapping the pending runs for the
// reloaded plan's, minus everything already dispatched. An exhausted
// plan does not end the feed while forks are still in flight: one of
// them may rewrite the configuration file and flag a reload.
func (r *Runner) feed(ctx context.Context, queue chan<- *sweep.Run) {
	pending := append([]*sweep.Run(nil), r.plan.Runs...)
	inFlight := 0

	for {
		if r.flag != nil && r.flag.Flagged() {
			pending = r.swapPending(pending)
		}

		if len(pending) == 0 {
			if inFlight == 0 {
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-r.forkDone:
				inFlight--
			}
			continue
		}

		select {
		case <-ctx.Done():
			r.log.Debug("sweep cancelled, no further runs will be dispatched", "error", ctx.Err())
			return
		case <-r.forkDone:
			inFlight--
		case queue <- pending[0]:
			inFlight++
			r.dispatched[pending[0].Fingerprint()] = struct{}{}
			pending = pending[1:]
			r.setQueued(len(pending))
		}
	}
}

// swapPending trades the pending runs for the offered plan's, dropping
// every run already dispatched in this process. A raised flag without an
// offer leaves the pending runs alone.
func (r *Runner) swapPending(current []*sweep.Run) []*sweep.Run {
	r.flag.ResetFlag()

	r.offerLock.Lock()
	offered := r.offered
	r.offered = nil
	r.offerLock.Unlock()

	if offered == nil {
		return current
	}

	pending := make([]*sweep.Run, 0, len(offered.Runs))
	for _, run := range offered.Runs {
		if _, done := r.dispatched[run.Fingerprint()]; done {
			continue
		}
		pending = append(pending, run)
	}

	r.log.Info("configurations reloaded, pending runs swapped",
		"pending", len(pending), "alreadyDispatched", len(offered.Runs)-len(pending))
	r.setQueued(len(pending))
	return pending
}

// work executes queued runs on one slot until the queue closes or the
// context is cancelled.
func (r *Runner) work(ctx context.Context, slot int, queue <-chan *sweep.Run) error {
	device := r.deviceFor(slot)

	var errs error
	for {
		select {
		case <-ctx.Done():
			return errors.Join(errs, ctx.Err())
		case run, open := <-queue:
			if !open {
				return errs
			}
			errs = errors.Join(errs, r.execute(ctx, slot, run, device))
			select {
			case r.forkDone <- struct{}{}:
			case <-ctx.Done():
			}
		}
	}
}

// execute forks one run and settles its outcome: successful exits land on
// the run ledger, failed ones only leave their fork log behind and will
// be planned again by the next sweep invocation.
func (r *Runner) execute(ctx context.Context, slot int, run *sweep.Run, device *gpu.Device) error {
	r.setRunning(slot, run.ID)
	defer r.clearRunning(slot)

	result, err := r.forker.Fork(ctx, run, device)
	if err != nil {
		r.markFailed()
		r.log.Error("fork dispatch failed", "runID", run.ID, "slot", slot, "error", err)
		return err
	}

	if result.ExitCode != 0 {
		r.markFailed()
		r.log.Warn("run failed, it will be planned again on the next sweep",
			"runID", run.ID, "slot", slot, "exitCode", result.ExitCode, "forkLog", result.LogPath)
		return nil
	}

	if err := r.store.Append(run.Values, rundata.Result{
		RunID:    run.ID,
		Status:   rundata.StatusCompleted,
		Duration: result.Duration,
	}); err != nil {
		r.markFailed()
		r.log.Error("recording completed run", "runID", run.ID, "error", err)
		return err
	}

	r.markCompleted()
	r.log.Info("run completed", "runID", run.ID, "slot", slot, "duration", result.Duration.String())
	return nil
}

// Status returns a consistent snapshot of the sweep's progress. It is
// safe to call while the run loop is active.
func (r *Runner) Status() Status {
	r.statusLock.Lock()
	defer r.statusLock.Unlock()

	running := make(map[int]string, len(r.running))
	maps.Copy(running, r.running)

	var elapsed time.Duration
	if !r.started.IsZero() {
		elapsed = time.Since(r.started)
	}

	return Status{
		Slots:     r.slots,
		Queued:    r.queued,
		Running:   running,
		Completed: r.completed,
		Failed:    r.failed,
		Elapsed:   elapsed.String(),
	}
}

// deviceFor maps a slot onto a device, sharing devices round robin when
// the pool is larger than the machine.
func (r *Runner) deviceFor(slot int) *gpu.Device {
	if len(r.devices) == 0 {
		return nil
	}

	device := r.devices[slot%len(r.devices)]
	return &device
}

func (r *Runner) setQueued(queued int) {
	r.statusLock.Lock()
	defer r.statusLock.Unlock()
	r.queued = queued
}

func (r *Runner) setRunning(slot int, runID string) {
	r.statusLock.Lock()
	defer r.statusLock.Unlock()
	r.running[slot] = runID
}

func (r *Runner) clearRunning(slot int) {
	r.statusLock.Lock()
	defer r.statusLock.Unlock()
	delete(r.running, slot)
}

func (r *Runner) markCompleted() {
	r.statusLock.Lock()
	defer r.statusLock.Unlock()
	r.completed++
}

func (r *Runner) markFailed() {
	r.statusLock.Lock()
	defer r.statusLock.Unlock()
	r.failed++
}
