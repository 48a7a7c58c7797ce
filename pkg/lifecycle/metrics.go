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

package lifecycle

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/cplabs/cpio/pkg/logging"
	"github.com/cplabs/cpio/pkg/metrics"
	"github.com/cplabs/cpio/pkg/providers/job"
)

const (
	jobSubsystem = "jobs"

	claimModeFresh   = "fresh"
	claimModeReclaim = "reclaim"

	processingTimeMetric = "processing_time_ms"
	waitingTimeMetric    = "waiting_time_ms"
)

type MetricsOptions struct {
	// Namespace prefixes every emitted metric name. Defaults to the application namespace.
	Namespace string
	// Enabled turns emission on. A disabled recorder keeps every Record call a no-op.
	Enabled  bool
	Registry prometheus.Registerer
}

// Recorder emits the lifecycle metrics. It is constructed at wiring time rather than
// package init so the configured namespace applies, and it tolerates a nil receiver so
// collaborators never need to branch on metrics being wired.
type Recorder struct {
	enabled bool

	claims         *prometheus.CounterVec
	completions    *prometheus.CounterVec
	processingTime prometheus.Gauge
	waitingTime    prometheus.Gauge
	timingErrors   *prometheus.CounterVec
	extensions     prometheus.Counter
	abandonments   prometheus.Counter
}

func NewRecorder(opts MetricsOptions) *Recorder {
	if opts.Namespace == "" {
		opts.Namespace = metrics.Namespace
	}
	if opts.Registry == nil {
		opts.Registry = metrics.Registry
	}
	r := &Recorder{
		enabled: opts.Enabled,
		claims: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: opts.Namespace,
			Subsystem: jobSubsystem,
			Name:      "claims_total",
			Help:      "Number of claims this worker registered, split by fresh claims and reclaims of timed-out jobs.",
		}, []string{"mode"}),
		completions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: opts.Namespace,
			Subsystem: jobSubsystem,
			Name:      "completions_total",
			Help:      "Number of jobs this worker moved to a terminal status.",
		}, []string{metrics.StatusLabel}),
		processingTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: opts.Namespace,
			Subsystem: jobSubsystem,
			Name:      processingTimeMetric,
			Help:      "Milliseconds the most recently completed job spent processing.",
		}),
		waitingTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: opts.Namespace,
			Subsystem: jobSubsystem,
			Name:      waitingTimeMetric,
			Help:      "Milliseconds the most recently completed job waited before processing started.",
		}),
		timingErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: opts.Namespace,
			Subsystem: jobSubsystem,
			Name:      "timing_errors_total",
			Help:      "Number of job timings dropped because the computed duration was negative.",
		}, []string{"metric"}),
		extensions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: opts.Namespace,
			Subsystem: jobSubsystem,
			Name:      "visibility_extensions_total",
			Help:      "Number of visibility extensions the background extender issued.",
		}),
		abandonments: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: opts.Namespace,
			Subsystem: jobSubsystem,
			Name:      "abandoned_claims_total",
			Help:      "Number of claims dropped because the job ran over its processing budget.",
		}),
	}
	if r.enabled {
		opts.Registry.MustRegister(r.claims, r.completions, r.processingTime, r.waitingTime, r.timingErrors, r.extensions, r.abandonments)
	}
	return r
}

func (r *Recorder) RecordClaim(reclaimed bool) {
	if r == nil || !r.enabled {
		return
	}
	mode := claimModeFresh
	if reclaimed {
		mode = claimModeReclaim
	}
	r.claims.WithLabelValues(mode).Inc()
}

// RecordCompletion publishes the commit's timings. Negative durations indicate clock skew
// between writers and count as timing errors instead of moving the gauges.
func (r *Recorder) RecordCompletion(ctx context.Context, status job.Status, processing time.Duration, waiting time.Duration) {
	if r == nil || !r.enabled {
		return
	}
	r.completions.WithLabelValues(string(status)).Inc()
	if processing < 0 {
		r.timingErrors.WithLabelValues(processingTimeMetric).Inc()
		logging.FromContext(ctx).With("processing-time", processing).Debugf("dropping negative processing time")
	} else {
		r.processingTime.Set(float64(processing.Milliseconds()))
	}
	if waiting < 0 {
		r.timingErrors.WithLabelValues(waitingTimeMetric).Inc()
		logging.FromContext(ctx).With("waiting-time", waiting).Debugf("dropping negative waiting time")
	} else {
		r.waitingTime.Set(float64(waiting.Milliseconds()))
	}
}

func (r *Recorder) RecordExtension() {
	if r == nil || !r.enabled {
		return
	}
	r.extensions.Inc()
}

func (r *Recorder) RecordAbandonment() {
	if r == nil || !r.enabled {
		return
	}
	r.abandonments.Inc()
}
