// Copyright Mia srl
// SPDX-License-Identifier: AGPL-3.0-only or Commercial

package fake

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/mia-platform/furcate/internal/fork"
	"github.com/mia-platform/furcate/internal/gpu"
	"github.com/mia-platform/furcate/internal/sweep"
)

var _ fork.Forker = &FakeForker{}

// FakeForker records every fork request and answers with scripted
// results. The runner forks from several workers, so captures are guarded
// and read through accessors.
type FakeForker struct {
	tb testing.TB

	// Results and Errors script the outcome for a run id. Populate them
	// before the sweep starts; unscripted runs succeed with exit code 0.
	Results map[string]fork.Result
	Errors  map[string]error

	lock   sync.Mutex
	forked []*sweep.Run
	slots  []*gpu.Device
}

func NewFakeForker(tb testing.TB) *FakeForker {
	tb.Helper()
	return &FakeForker{
		tb:      tb,
		Results: map[string]fork.Result{},
		Errors:  map[string]error{},
	}
}

func (f *FakeForker) Fork(ctx context.Context, run *sweep.Run, slot *gpu.Device) (fork.Result, error) {
	f.tb.Helper()

	if ctx.Err() != nil {
		return fork.Result{}, ctx.Err()
	}

	f.lock.Lock()
	f.forked = append(f.forked, run)
	f.slots = append(f.slots, slot)
	f.lock.Unlock()

	if err, scripted := f.Errors[run.ID]; scripted {
		return fork.Result{}, err
	}
	if result, scripted := f.Results[run.ID]; scripted {
		return result, nil
	}

	return fork.Result{RunID: run.ID, Duration: time.Millisecond}, nil
}

// ForkedRuns returns the runs forked so far, in dispatch order.
func (f *FakeForker) ForkedRuns() []*sweep.Run {
	f.lock.Lock()
	defer f.lock.Unlock()
	return append([]*sweep.Run(nil), f.forked...)
}

// ForkedSlots returns the device slot of each fork, aligned with
// ForkedRuns.
func (f *FakeForker) ForkedSlots() []*gpu.Device {
	f.lock.Lock()
	defer f.lock.Unlock()
	return append([]*gpu.Device(nil), f.slots...)
}
