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

package async

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/cplabs/cpio/pkg/metrics"
)

const (
	subsystem     = "async"
	executorLabel = "executor"
)

var (
	executedTasks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: subsystem,
			Name:      "tasks_executed_total",
			Help:      "Count of tasks executed. Broken down by executor and priority.",
		},
		[]string{executorLabel, metrics.PriorityLabel},
	)
	queueRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: subsystem,
			Name:      "queue_rejections_total",
			Help:      "Count of tasks rejected because a priority queue was at capacity.",
		},
		[]string{executorLabel, metrics.PriorityLabel},
	)
	queueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: metrics.Namespace,
			Subsystem: subsystem,
			Name:      "queue_depth",
			Help:      "Tasks currently waiting in each priority queue.",
		},
		[]string{executorLabel, metrics.PriorityLabel},
	)
	delayedDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: metrics.Namespace,
			Subsystem: subsystem,
			Name:      "delayed_tasks",
			Help:      "Tasks waiting on a future release time.",
		},
		[]string{executorLabel},
	)
	retryAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: subsystem,
			Name:      "retry_attempts_total",
			Help:      "Count of dispatched work attempts. Broken down by terminal disposition.",
		},
		[]string{"disposition"},
	)
	duplicateResolves = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: subsystem,
			Name:      "duplicate_context_resolves_total",
			Help:      "Count of Finish calls on already-resolved contexts. Always a producer bug.",
		},
	)
)

func init() {
	metrics.Registry.MustRegister(executedTasks, queueRejections, queueDepth, delayedDepth, retryAttempts, duplicateResolves)
}
