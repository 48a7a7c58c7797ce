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

	"golang.org/x/sync/errgroup"

	"github.com/cplabs/cpio/pkg/logging"
)

// extensionConcurrency bounds in-flight visibility calls per wake so a large claim set
// cannot pile up ahead of the next tick.
const extensionConcurrency = 4

// extend keeps claimed messages invisible to other workers while the handler runs. It
// wakes every ExtenderSleepTime and pushes each extendable claim's visibility window out
// by VisibilityExtendTime, at most once per claim per wake.
func (h *Helper) extend(ctx context.Context) {
	defer close(h.done)
	ticker := h.clk.NewTicker(h.opts.ExtenderSleepTime)
	defer ticker.Stop()
	for {
		select {
		case <-h.stop:
			return
		case <-ticker.C():
			h.extendClaims(ctx)
		}
	}
}

func (h *Helper) extendClaims(ctx context.Context) {
	var g errgroup.Group
	g.SetLimit(extensionConcurrency)
	for _, id := range h.claimed.Keys() {
		g.Go(func() error {
			h.extendClaim(ctx, id)
			return nil
		})
	}
	_ = g.Wait()
}

func (h *Helper) extendClaim(ctx context.Context, id string) {
	log := logging.FromContext(ctx).With("job-id", id)
	claim, ok := h.claimed.Find(id)
	if !ok || !claim.VisibilityExtendable {
		return
	}
	if claim.Receipt == "" {
		_ = h.claimed.Erase(id)
		log.Errorf("dropping claim with no receipt")
		return
	}
	row, err := h.jobs.GetJobByID(ctx, id)
	if err != nil {
		// One missed extension is not fatal. The queue redelivers once the current
		// window lapses and the claim paths clean up from there.
		log.Errorf("checking claim before extension, %v", err)
		return
	}
	if h.clk.Now().Sub(row.ProcessingStartedTime) >= h.opts.JobProcessingTimeout {
		_ = h.claimed.Erase(id)
		h.recorder.RecordAbandonment()
		log.With("job-processing-timeout", h.opts.JobProcessingTimeout).Infof("abandoning job over its processing budget")
		return
	}
	if err := h.jobs.UpdateJobVisibilityTimeout(ctx, id, h.opts.VisibilityExtendTime, claim.Receipt); err != nil {
		log.Errorf("extending visibility, %v", err)
		return
	}
	h.recorder.RecordExtension()
}
