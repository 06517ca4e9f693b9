// Copyright Mia srl
// SPDX-License-Identifier: AGPL-3.0-only or Commercial

package sweep

import (
	"math/rand/v2"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/mia-platform/furcate/internal/config"
)

// Run is one concrete run configuration: a single value for every top
// level configuration key.
type Run struct {
	ID     string
	Values map[string]any
}

// Plan holds every run left to execute and the keys that generated more
// than one of them.
type Plan struct {
	Runs []*Run

	// PermutableKeys records every configuration key that held a list of
	// values in the source configuration.
	PermutableKeys map[string]struct{}
}

// Generate expands the configuration into the cartesian product of its
// list valued keys, drops the combinations excluded by the meta section
// and shuffles what remains. The meta section rides along on every run as
// a single opaque value.
func Generate(cfg *config.Config) *Plan {
	plan := &Plan{PermutableKeys: map[string]struct{}{}}

	keys := cfg.Keys()
	plan.Runs = permute(cfg, keys, 0, map[string]any{}, plan.PermutableKeys)
	plan.exclude(cfg.Meta.ExcludeConfigs)
	plan.shuffle(cfg.Meta.Seed)

	return plan
}

// permute recursively assigns every value of keys[index] and descends into
// the remaining keys, yielding one run per combination.
func permute(cfg *config.Config, keys []string, index int, current map[string]any, permutable map[string]struct{}) []*Run {
	if index >= len(keys) {
		values := make(map[string]any, len(current))
		for key, value := range current {
			values[key] = value
		}

		return []*Run{{ID: shortID(), Values: values}}
	}

	key := keys[index]
	values := []any{cfg.Value(key)}
	if list, ok := cfg.Value(key).([]any); ok && key != config.MetaKey {
		permutable[key] = struct{}{}
		values = list
	}

	runs := []*Run{}
	for _, value := range values {
		current[key] = value
		runs = append(runs, permute(cfg, keys, index+1, current, permutable)...)
	}
	delete(current, key)

	return runs
}

// exclude removes every run matched by one of the exclude entries. An
// entry matches a run when all of its key/value pairs equal the run's
// values. A plan with a single run is never emptied.
func (p *Plan) exclude(excludes []map[string]any) {
	if len(excludes) == 0 || len(p.Runs) <= 1 {
		return
	}

	remaining := make([]*Run, 0, len(p.Runs))
	for _, run := range p.Runs {
		if !matchesAny(run, excludes) {
			remaining = append(remaining, run)
		}
	}

	p.Runs = remaining
}

func matchesAny(run *Run, excludes []map[string]any) bool {
	for _, exclude := range excludes {
		matched := len(exclude) > 0
		for key, value := range exclude {
			current, found := run.Values[key]
			if !found || config.Canonical(current) != config.Canonical(value) {
				matched = false
				break
			}
		}

		if matched {
			return true
		}
	}

	return false
}

// shuffle randomizes the run order, deterministically when seed is not zero.
func (p *Plan) shuffle(seed int64) {
	swap := func(i, j int) { p.Runs[i], p.Runs[j] = p.Runs[j], p.Runs[i] }

	if seed != 0 {
		source := rand.New(rand.NewPCG(uint64(seed), uint64(seed)))
		source.Shuffle(len(p.Runs), swap)
		return
	}

	rand.Shuffle(len(p.Runs), swap)
}

// RemoveCompleted removes the first run whose values match the completed
// ones and reports whether one was found. Values only found in done, the
// ledger result columns among them, do not affect the match.
func (p *Plan) RemoveCompleted(done map[string]any) bool {
	for index, run := range p.Runs {
		if run.Matches(done) {
			p.Runs = append(p.Runs[:index], p.Runs[index+1:]...)
			return true
		}
	}

	return false
}

// Matches reports whether every value of the run, the meta section aside,
// equals the corresponding one in values. Comparison happens on the
// canonical string form so values survive a trip through the run ledger.
func (r *Run) Matches(values map[string]any) bool {
	for key, value := range r.Values {
		if key == config.MetaKey {
			continue
		}

		other, found := values[key]
		if !found || config.Canonical(other) != config.Canonical(value) {
			return false
		}
	}

	return true
}

// Fingerprint returns a stable identity for the run's values, meta
// excluded. Runs generated by different plans fingerprint equal exactly
// when they would train the same configuration.
func (r *Run) Fingerprint() string {
	keys := r.Keys()
	parts := make([]string, 0, len(keys))
	for _, key := range keys {
		parts = append(parts, key+"="+config.Canonical(r.Values[key]))
	}

	return strings.Join(parts, ";")
}

// Keys returns the run's keys in lexical order, meta excluded.
func (r *Run) Keys() []string {
	keys := make([]string, 0, len(r.Values))
	for key := range r.Values {
		if key == config.MetaKey {
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)

	return keys
}

func shortID() string {
	return uuid.NewString()[:8]
}
