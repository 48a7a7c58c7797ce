/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package worker

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/cplabs/cpio/pkg/metrics"
)

const (
	workerSubsystem  = "worker"
	dispositionLabel = "disposition"
)

type MetricsOptions struct {
	// Namespace prefixes every metric name. Defaults to the shared namespace.
	Namespace string
	Enabled   bool
	Registry  prometheus.Registerer
}

// Metrics is constructed at wiring time so the configured namespace applies. A nil
// receiver records nothing, which keeps tests free of registry plumbing.
type Metrics struct {
	enabled         bool
	handlerDuration *prometheus.HistogramVec
	jobs            *prometheus.CounterVec
}

func NewMetrics(opts MetricsOptions) *Metrics {
	if opts.Namespace == "" {
		opts.Namespace = metrics.Namespace
	}
	if opts.Registry == nil {
		opts.Registry = metrics.Registry
	}
	m := &Metrics{
		enabled: opts.Enabled,
		handlerDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: opts.Namespace,
				Subsystem: workerSubsystem,
				Name:      "handler_duration_ms",
				Help:      "Wall time of one handler call in milliseconds.",
				Buckets:   metrics.MillisecondBuckets(),
			},
			[]string{dispositionLabel},
		),
		jobs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: opts.Namespace,
				Subsystem: workerSubsystem,
				Name:      "jobs_total",
				Help:      "Jobs processed, labeled by how they settled.",
			},
			[]string{dispositionLabel},
		),
	}
	if m.enabled {
		opts.Registry.MustRegister(m.handlerDuration, m.jobs)
	}
	return m
}

func (m *Metrics) RecordHandlerCall(disposition string, elapsed time.Duration) {
	if m == nil || !m.enabled {
		return
	}
	m.handlerDuration.WithLabelValues(disposition).Observe(float64(elapsed.Milliseconds()))
	m.jobs.WithLabelValues(disposition).Inc()
}
