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

package auth

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/cplabs/cpio/pkg/metrics"
)

var tokenRefreshes = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: metrics.Namespace,
		Subsystem: "auth",
		Name:      "token_refreshes_total",
		Help:      "Count of session tokens fetched from the metadata server, by kind.",
	},
	[]string{"kind"},
)

func init() {
	metrics.Registry.MustRegister(tokenRefreshes)
}
