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

package cache

import (
	"context"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/cplabs/cpio/pkg/logging"
)

const (
	// TerminationStateTTL bounds how stale the cached drain decision may be. Every
	// job claim consults it, so it has to be short enough that a scale-in is noticed
	// before the next job is accepted.
	TerminationStateTTL = 10 * time.Second
)

// TerminationState remembers the autoscaler's drain decision per instance so the claim
// path does not query the autoscaler on every job.
type TerminationState struct {
	// key: <instance-id>, value: bool (true when the instance is draining)
	cache *cache.Cache
}

func NewTerminationState(c *cache.Cache) *TerminationState {
	return &TerminationState{
		cache: c,
	}
}

// IsTerminating returns the cached decision for the instance and whether one exists.
func (t *TerminationState) IsTerminating(instanceID string) (bool, bool) {
	terminating, found := t.cache.Get(instanceID)
	if !found {
		return false, false
	}
	return terminating.(bool), true
}

// MarkState records the drain decision observed for the instance.
func (t *TerminationState) MarkState(ctx context.Context, instanceID string, terminating bool) {
	logging.FromContext(ctx).With(
		"instance-id", instanceID,
		"terminating", terminating,
		"termination-state-ttl", TerminationStateTTL).Debugf("caching instance drain state")
	t.cache.SetDefault(instanceID, terminating)
}

// Flush clears the cache so the next check consults the autoscaler again.
func (t *TerminationState) Flush() {
	t.cache.Flush()
}
