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
	"context"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
)

// Metrics holds the Prometheus metrics of scenario runs.
type Metrics struct {
	StepDuration *prometheus.HistogramVec // Seconds spent in each step
	StepFailures *prometheus.CounterVec   // Failed steps
	Runs         *prometheus.CounterVec   // Finished runs by force mode and status
}

// NewMetrics creates the scenario metrics and registers them on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	stepDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "shutdown_recovery_step_duration_seconds",
		Help:    "Time spent in each scenario step",
		Buckets: prometheus.ExponentialBuckets(1, 2, 13),
	}, []string{"step"})

	stepFailures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "shutdown_recovery_step_failures_total",
		Help: "Total number of failed scenario steps",
	}, []string{"step"})

	runs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "shutdown_recovery_runs_total",
		Help: "Total number of finished scenario runs",
	}, []string{"force", "status"})

	reg.MustRegister(stepDuration)
	reg.MustRegister(stepFailures)
	reg.MustRegister(runs)

	return &Metrics{
		StepDuration: stepDuration,
		StepFailures: stepFailures,
		Runs:         runs,
	}
}

func (m *Metrics) observeStep(step string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.StepDuration.WithLabelValues(step).Observe(d.Seconds())
	if err != nil {
		m.StepFailures.WithLabelValues(step).Inc()
	}
}

func (m *Metrics) observeRun(force bool, status Status) {
	if m == nil {
		return
	}
	m.Runs.WithLabelValues(strconv.FormatBool(force), string(status)).Inc()
}

// Push sends every metric gathered by g to a Pushgateway.
func Push(ctx context.Context, url, job, runID string, g prometheus.Gatherer) error {
	return push.New(url, job).
		Grouping("run", runID).
		Gatherer(g).
		PushContext(ctx)
}
