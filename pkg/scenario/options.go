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
	"errors"
	"fmt"
	"time"

	"github.com/alexandremahdhaoui/shutdown-recovery/pkg/retry"
)

const (
	DefaultSourceFile       = "/source_file.txt"
	DefaultNewFile          = "/new_file.txt"
	DefaultShutdownCooldown = 5 * time.Minute
	DefaultPodSettleWait    = 10 * time.Minute
	DefaultNodeReadyTimeout = 1800 * time.Second
	DefaultNodeReadyAttempt = time.Minute
	DefaultRestoreTimeout   = 300 * time.Second
	DefaultHealthCheckTries = 50
)

// DefaultNodeReadyRetry is the readiness retry budget.
var DefaultNodeReadyRetry = retry.Policy{Attempts: 30, Interval: 15 * time.Second}

var ErrInvalidOptions = errors.New("invalid scenario options")

// Timings holds the flat waits and wait bounds of a run.
type Timings struct {
	// ShutdownCooldown is waited between the last node stop and the first
	// node start.
	ShutdownCooldown time.Duration
	// PodSettleWait is waited after the nodes are ready, before the health
	// checks.
	PodSettleWait time.Duration
	// NodeReadyTimeout bounds the whole readiness step.
	NodeReadyTimeout time.Duration
	// NodeReadyAttempt bounds one readiness attempt.
	NodeReadyAttempt time.Duration
	// RestoreTimeout bounds the wait for the restored claim.
	RestoreTimeout time.Duration
}

// Retries holds the retry budgets of a run.
type Retries struct {
	NodeReady        retry.Policy
	HealthCheckTries int
	// HealthClusterCheck extends the cluster health check to every pod of
	// the storage namespace.
	HealthClusterCheck bool
}

// Options configures one scenario run.
type Options struct {
	// Force selects an abrupt node shutdown instead of a graceful one.
	Force bool
	// FilePaths are the baseline file and the post-recovery file.
	FilePaths [2]string
	// SourceURL is the image used when a VM is created from a restored
	// volume.
	SourceURL string
	Timings   Timings
	Retries   Retries
	// UnpauseBeforeVerify resumes the snapshot-source VM before it is
	// verified. The VM stays paused through the shutdown by default and is
	// verified as-is.
	UnpauseBeforeVerify bool
}

// DefaultOptions returns graceful-shutdown options with the default waits
// and budgets.
func DefaultOptions() Options {
	return Options{
		FilePaths: [2]string{DefaultSourceFile, DefaultNewFile},
		Timings: Timings{
			ShutdownCooldown: DefaultShutdownCooldown,
			PodSettleWait:    DefaultPodSettleWait,
			NodeReadyTimeout: DefaultNodeReadyTimeout,
			NodeReadyAttempt: DefaultNodeReadyAttempt,
			RestoreTimeout:   DefaultRestoreTimeout,
		},
		Retries: Retries{
			NodeReady:        DefaultNodeReadyRetry,
			HealthCheckTries: DefaultHealthCheckTries,
		},
	}
}

// Validate reports every invalid field.
func (o Options) Validate() error {
	var errs []error
	if o.FilePaths[0] == "" || o.FilePaths[1] == "" {
		errs = append(errs, errors.New("both file paths must be set"))
	} else if o.FilePaths[0] == o.FilePaths[1] {
		errs = append(errs, fmt.Errorf("file paths must differ, both are %q", o.FilePaths[0]))
	}
	if o.SourceURL == "" {
		errs = append(errs, errors.New("sourceURL must be set"))
	}

	for name, d := range map[string]time.Duration{
		"shutdownCooldown": o.Timings.ShutdownCooldown,
		"podSettleWait":    o.Timings.PodSettleWait,
	} {
		if d < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative, got %s", name, d))
		}
	}
	for name, d := range map[string]time.Duration{
		"nodeReadyTimeout": o.Timings.NodeReadyTimeout,
		"nodeReadyAttempt": o.Timings.NodeReadyAttempt,
		"restoreTimeout":   o.Timings.RestoreTimeout,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", name, d))
		}
	}

	if err := o.Retries.NodeReady.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("nodeReady: %w", err))
	}
	if o.Retries.HealthCheckTries < 1 {
		errs = append(errs, fmt.Errorf("healthCheckTries must be >= 1, got %d", o.Retries.HealthCheckTries))
	}

	if len(errs) > 0 {
		return errors.Join(append([]error{ErrInvalidOptions}, errs...)...)
	}
	return nil
}
