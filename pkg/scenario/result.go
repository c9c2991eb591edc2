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

package scenario

import (
	"time"

	"github.com/alexandremahdhaoui/shutdown-recovery/pkg/dataio"
	"github.com/alexandremahdhaoui/shutdown-recovery/pkg/health"
	"github.com/alexandremahdhaoui/shutdown-recovery/pkg/nodes"
	"github.com/alexandremahdhaoui/shutdown-recovery/pkg/retry"
)

// Status is the outcome of a run.
type Status string

const (
	// StatusPassed means every step succeeded.
	StatusPassed Status = "passed"
	// StatusFailed means a check did not pass, for instance a checksum
	// mismatch or an exhausted readiness budget.
	StatusFailed Status = "failed"
	// StatusError means a collaborator failed before any assertion could
	// be made.
	StatusError Status = "error"
)

// failureKinds classify an error as StatusFailed.
var failureKinds = retry.Kinds(
	ErrDataIntegrity,
	ErrHealthCheck,
	retry.ErrExhausted,
	retry.ErrAssertion,
	nodes.ErrNodeStatusMismatch,
	dataio.ErrChecksumMismatch,
	health.ErrVMSubsystemNotUp,
)

// StepResult is the outcome of one step.
type StepResult struct {
	Name            string    `json:"name"`
	Start           time.Time `json:"start"`
	End             time.Time `json:"end"`
	DurationSeconds float64   `json:"durationSeconds"`
	Error           string    `json:"error,omitempty"`
}

// Succeeded reports whether the step returned no error.
func (r StepResult) Succeeded() bool { return r.Error == "" }

// Result is the report of one run.
type Result struct {
	RunID           string       `json:"runID"`
	Force           bool         `json:"force"`
	Namespace       string       `json:"namespace,omitempty"`
	Status          Status       `json:"status"`
	Start           time.Time    `json:"start"`
	End             time.Time    `json:"end"`
	DurationSeconds float64      `json:"durationSeconds"`
	Error           string       `json:"error,omitempty"`
	Steps           []StepResult `json:"steps"`
	Cleanup         *StepResult  `json:"cleanup,omitempty"`
	Workers         []string     `json:"workers,omitempty"`
	Masters         []string     `json:"masters,omitempty"`
	Baseline        []Entry      `json:"baseline,omitempty"`
	PostRecovery    []Entry      `json:"postRecovery,omitempty"`
}

func newResult(runID string, force bool, start time.Time) *Result {
	return &Result{RunID: runID, Force: force, Start: start}
}

func stepResult(name string, start, end time.Time, err error) StepResult {
	r := StepResult{
		Name:            name,
		Start:           start,
		End:             end,
		DurationSeconds: end.Sub(start).Seconds(),
	}
	if err != nil {
		r.Error = err.Error()
	}
	return r
}

func (r *Result) record(name string, start, end time.Time, err error) {
	r.Steps = append(r.Steps, stepResult(name, start, end, err))
}

func (r *Result) recordCleanup(start, end time.Time, err error) {
	c := stepResult("cleanup", start, end, err)
	r.Cleanup = &c
}

func (r *Result) finish(end time.Time, state *State, err error) {
	r.End = end
	r.DurationSeconds = end.Sub(r.Start).Seconds()
	r.Namespace = state.Namespace
	r.Baseline = state.Baseline.Entries()
	r.PostRecovery = state.PostRecovery.Entries()
	for _, n := range state.Nodes.Workers {
		r.Workers = append(r.Workers, n.Name)
	}
	for _, n := range state.Nodes.Masters {
		r.Masters = append(r.Masters, n.Name)
	}

	r.Status = Classify(err)
	if err != nil {
		r.Error = err.Error()
	}
}

// Classify maps a run error to its Status.
func Classify(err error) Status {
	switch {
	case err == nil:
		return StatusPassed
	case failureKinds(err):
		return StatusFailed
	default:
		return StatusError
	}
}
