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

//go:build unit

package retry_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/alexandremahdhaoui/shutdown-recovery/pkg/retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errOther = errors.New("other")

func TestDo(t *testing.T) {
	retryable := retry.Kinds(retry.ErrCommandFailed, retry.ErrAssertion, context.DeadlineExceeded)

	tests := []struct {
		name         string
		policy       retry.Policy
		failures     []error
		wantCalls    int
		wantErr      error
		wantNoErr    bool
		wantNotKinds []error
	}{
		{
			name:      "succeeds first try",
			policy:    retry.Policy{Attempts: 3},
			wantCalls: 1,
			wantNoErr: true,
		},
		{
			name:   "succeeds before budget",
			policy: retry.Policy{Attempts: 30},
			failures: []error{
				fmt.Errorf("oc get nodes: %w", retry.ErrCommandFailed),
				fmt.Errorf("node-1 NotReady: %w", retry.ErrAssertion),
				context.DeadlineExceeded,
			},
			wantCalls: 4,
			wantNoErr: true,
		},
		{
			name:   "succeeds on last attempt",
			policy: retry.Policy{Attempts: 3},
			failures: []error{
				retry.ErrCommandFailed,
				retry.ErrCommandFailed,
			},
			wantCalls: 3,
			wantNoErr: true,
		},
		{
			name:   "exhausts budget",
			policy: retry.Policy{Attempts: 3},
			failures: []error{
				retry.ErrAssertion,
				retry.ErrAssertion,
				retry.ErrAssertion,
				retry.ErrAssertion,
			},
			wantCalls: 3,
			wantErr:   retry.ErrExhausted,
		},
		{
			name:         "non-retryable stops immediately",
			policy:       retry.Policy{Attempts: 5},
			failures:     []error{errOther},
			wantCalls:    1,
			wantErr:      errOther,
			wantNotKinds: []error{retry.ErrExhausted},
		},
		{
			name:      "invalid policy",
			policy:    retry.Policy{Attempts: 0},
			wantCalls: 0,
			wantErr:   retry.ErrInvalidPolicy,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			err := retry.Do(context.Background(), tt.policy, retryable, func(context.Context) error {
				calls++
				if calls <= len(tt.failures) {
					return tt.failures[calls-1]
				}
				return nil
			})

			assert.Equal(t, tt.wantCalls, calls)
			if tt.wantNoErr {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.wantErr)
			for _, notKind := range tt.wantNotKinds {
				assert.NotErrorIs(t, err, notKind)
			}
		})
	}
}

func TestDo_ExhaustedKeepsLastError(t *testing.T) {
	calls := 0
	err := retry.Do(
		context.Background(),
		retry.Policy{Attempts: 2},
		retry.Kinds(retry.ErrCommandFailed),
		func(context.Context) error {
			calls++
			return fmt.Errorf("attempt %d: %w", calls, retry.ErrCommandFailed)
		},
	)

	require.ErrorIs(t, err, retry.ErrExhausted)
	assert.ErrorIs(t, err, retry.ErrCommandFailed)
	assert.Contains(t, err.Error(), "attempt 2")
}

func TestDo_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	calls := 0
	err := retry.Do(ctx, retry.Policy{Attempts: 10, Interval: time.Millisecond},
		retry.Kinds(retry.ErrCommandFailed),
		func(context.Context) error {
			calls++
			cancel()
			return retry.ErrCommandFailed
		},
	)

	assert.Equal(t, 1, calls)
	assert.ErrorIs(t, err, context.Canceled)
	assert.ErrorIs(t, err, retry.ErrCommandFailed)
	assert.NotErrorIs(t, err, retry.ErrExhausted)
}

func TestDo_CancelInterruptsInterval(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	calls := 0
	start := time.Now()
	err := retry.Do(ctx, retry.Policy{Attempts: 3, Interval: time.Hour},
		retry.Kinds(retry.ErrAssertion),
		func(context.Context) error {
			calls++
			time.AfterFunc(10*time.Millisecond, cancel)
			return retry.ErrAssertion
		},
	)

	assert.Less(t, time.Since(start), time.Minute)
	assert.Equal(t, 1, calls)
	assert.ErrorIs(t, err, context.Canceled)
	assert.ErrorIs(t, err, retry.ErrAssertion)
	assert.NotErrorIs(t, err, retry.ErrExhausted)
}

func TestDo_CancelledBeforeFirstAttempt(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := retry.Do(ctx, retry.Policy{Attempts: 3}, retry.Kinds(retry.ErrAssertion),
		func(context.Context) error {
			calls++
			return nil
		},
	)

	assert.Zero(t, calls)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPolicy_Validate(t *testing.T) {
	assert.NoError(t, retry.Policy{Attempts: 30, Interval: 15 * time.Second}.Validate())
	assert.ErrorIs(t, retry.Policy{Attempts: 1, Interval: -time.Second}.Validate(), retry.ErrInvalidPolicy)
}

func TestKinds(t *testing.T) {
	match := retry.Kinds(retry.ErrCommandFailed, context.DeadlineExceeded)

	assert.True(t, match(fmt.Errorf("wrapped: %w", retry.ErrCommandFailed)))
	assert.True(t, match(context.DeadlineExceeded))
	assert.False(t, match(retry.ErrAssertion))
	assert.False(t, match(nil))
}
