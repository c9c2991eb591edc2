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

// Package retry re-invokes a predicate on a fixed schedule until it succeeds,
// fails with a non-retryable error, or the attempt budget is spent.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"k8s.io/apimachinery/pkg/util/wait"
)

var (
	// ErrCommandFailed marks a failed command against the cluster or a guest.
	ErrCommandFailed = errors.New("command failed")
	// ErrAssertion marks an observed state that did not match the expected one.
	ErrAssertion = errors.New("assertion failed")
	// ErrExhausted is returned when every attempt failed with a retryable error.
	ErrExhausted = errors.New("retry budget exhausted")
	// ErrInvalidPolicy is returned when a Policy cannot be executed.
	ErrInvalidPolicy = errors.New("invalid retry policy")
)

// Policy is a constant-interval retry budget.
type Policy struct {
	// Attempts is the total number of invocations, including the first one.
	Attempts int `json:"attempts" yaml:"attempts"`
	// Interval is the pause between two invocations.
	Interval time.Duration `json:"interval" yaml:"interval"`
}

// Validate reports whether the policy can be executed.
func (p Policy) Validate() error {
	if p.Attempts < 1 {
		return fmt.Errorf("%w: attempts must be >= 1, got %d", ErrInvalidPolicy, p.Attempts)
	}
	if p.Interval < 0 {
		return fmt.Errorf("%w: interval must not be negative, got %s", ErrInvalidPolicy, p.Interval)
	}
	return nil
}

func (p Policy) backoff() wait.Backoff {
	return wait.Backoff{
		Steps:    p.Attempts,
		Duration: p.Interval,
		Factor:   1.0,
	}
}

// Kinds returns a predicate matching any error that wraps one of kinds.
func Kinds(kinds ...error) func(error) bool {
	return func(err error) bool {
		for _, kind := range kinds {
			if errors.Is(err, kind) {
				return true
			}
		}
		return false
	}
}

// Do invokes fn until it returns nil or a non-retryable error, or until the
// policy's attempts are exhausted. A cancelled ctx interrupts the wait between
// attempts; the context error is returned wrapping the last failure.
func Do(
	ctx context.Context,
	p Policy,
	retryable func(error) bool,
	fn func(ctx context.Context) error,
) error {
	if err := p.Validate(); err != nil {
		return err
	}

	var (
		attempt int
		last    error
		fatal   error
	)

	err := wait.ExponentialBackoffWithContext(ctx, p.backoff(), func(ctx context.Context) (bool, error) {
		attempt++
		err := fn(ctx)
		switch {
		case err == nil:
			return true, nil
		case !retryable(err):
			fatal = err
			return false, err
		}

		last = err
		if attempt < p.Attempts {
			slog.DebugContext(ctx, "retrying",
				"attempt", attempt,
				"attempts", p.Attempts,
				"interval", p.Interval.String(),
				"err", err.Error())
		}
		return false, nil
	})

	switch {
	case err == nil:
		return nil
	case fatal != nil:
		return fatal
	case ctx.Err() != nil:
		if last == nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: last error: %w", ctx.Err(), last)
	default:
		return fmt.Errorf("%w after %d attempts: %w", ErrExhausted, attempt, last)
	}
}
