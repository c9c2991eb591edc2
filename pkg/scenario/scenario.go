// Copyright 2024 Alexandre Mahdhaoui
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package scenario drives one shutdown-recovery trial: it builds a mixed VM
// and storage state, shuts the whole cluster down, restarts it and checks
// that the cluster, the VMs and their data recovered.
package scenario

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
	"k8s.io/utils/clock"
)

// cleanupTimeout bounds the best-effort VM teardown after a failed run.
const cleanupTimeout = 15 * time.Minute

// Scenario runs the shutdown-recovery steps against its collaborators.
type Scenario struct {
	col     Collaborators
	opts    Options
	clock   clock.Clock
	rand    *rand.Rand
	metrics *Metrics
	runID   string
}

// Option customizes a Scenario.
type Option func(*Scenario)

// WithClock sets the clock used for timestamps and flat waits.
func WithClock(c clock.Clock) Option {
	return func(s *Scenario) { s.clock = c }
}

// WithRand sets the source used to select VMs.
func WithRand(r *rand.Rand) Option {
	return func(s *Scenario) { s.rand = r }
}

// WithMetrics records step and run metrics.
func WithMetrics(m *Metrics) Option {
	return func(s *Scenario) { s.metrics = m }
}

// WithRunID sets the run identifier. A random one is used otherwise.
func WithRunID(id string) Option {
	return func(s *Scenario) { s.runID = id }
}

// New returns a Scenario.
func New(col Collaborators, opts Options, options ...Option) (*Scenario, error) {
	if err := col.Validate(); err != nil {
		return nil, err
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	s := &Scenario{
		col:   col,
		opts:  opts,
		clock: clock.RealClock{},
	}
	for _, o := range options {
		o(s)
	}
	if s.rand == nil {
		s.rand = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())) //nolint:gosec
	}
	if s.runID == "" {
		s.runID = uuid.NewString()
	}
	return s, nil
}

// RunID returns the run identifier.
func (s *Scenario) RunID() string { return s.runID }

// Run executes every step in order and stops at the first failure. When a
// step fails, every VM tracked so far is stopped on a best-effort basis;
// teardown errors are joined to the step error. The returned Result is never
// nil.
func (s *Scenario) Run(ctx context.Context) (*Result, error) {
	log := slog.With("runID", s.runID, "force", s.opts.Force)
	state := NewState()
	res := newResult(s.runID, s.opts.Force, s.clock.Now())

	var (
		runErr   error
		failedAt string
	)
	for _, step := range s.Steps() {
		if err := ctx.Err(); err != nil {
			runErr, failedAt = err, step.Name
			break
		}

		log.InfoContext(ctx, "step started", "step", step.Name)
		start := s.clock.Now()
		err := step.Run(ctx, state)
		end := s.clock.Now()

		res.record(step.Name, start, end, err)
		s.metrics.observeStep(step.Name, end.Sub(start), err)

		if err != nil {
			log.ErrorContext(ctx, "step failed", "step", step.Name, "err", err.Error())
			runErr, failedAt = fmt.Errorf("step %s: %w", step.Name, err), step.Name
			break
		}
		log.InfoContext(ctx, "step succeeded", "step", step.Name, "duration", end.Sub(start).String())
	}

	if runErr != nil && failedAt != StepStopVMs && len(state.Tracked) > 0 {
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
		start := s.clock.Now()
		cerr := s.stopAll(cctx, state)
		cancel()
		res.recordCleanup(start, s.clock.Now(), cerr)
		if cerr != nil {
			log.ErrorContext(ctx, "cleanup failed", "err", cerr.Error())
			runErr = errors.Join(runErr, fmt.Errorf("cleanup: %w", cerr))
		}
	}

	res.finish(s.clock.Now(), state, runErr)
	s.metrics.observeRun(s.opts.Force, res.Status)
	log.InfoContext(ctx, "scenario finished", "status", res.Status, "duration", res.End.Sub(res.Start).String())
	return res, runErr
}

// sleep blocks for d unless ctx is done first.
func (s *Scenario) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	slog.InfoContext(ctx, "waiting", "duration", d.String())

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.clock.After(d):
		return nil
	}
}
