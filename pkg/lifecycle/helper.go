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

// Package lifecycle drives a job through claim, visibility extension, and completion.
// The helper owns the claimed-jobs map, which holds exactly the jobs this worker may
// act on: an entry is created when a claim succeeds and removed when the job completes,
// is released, or goes over its processing budget.
package lifecycle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"k8s.io/utils/clock"

	"github.com/cplabs/cpio/pkg/async"
	"github.com/cplabs/cpio/pkg/cache/expiring"
	"github.com/cplabs/cpio/pkg/errors"
	"github.com/cplabs/cpio/pkg/logging"
	"github.com/cplabs/cpio/pkg/providers/job"
	"github.com/cplabs/cpio/pkg/providers/scaling"
)

const (
	DefaultRetryLimit           = 3
	DefaultVisibilityExtendTime = 60 * time.Second
	DefaultJobProcessingTimeout = 10 * time.Minute
	DefaultExtenderSleepTime    = 10 * time.Second
)

// Claim is the claimed-jobs map entry for one job held by this worker.
type Claim struct {
	Receipt              string
	VisibilityExtendable bool
}

type Options struct {
	// RetryLimit force-fails a job on the next claim once its retry count reaches it.
	RetryLimit int
	// VisibilityExtendTime is the duration passed to each extender call.
	VisibilityExtendTime time.Duration
	// JobProcessingTimeout is the wall budget for a single job. It governs both reclaim of
	// jobs left in processing and extender abandonment.
	JobProcessingTimeout        time.Duration
	ExtenderSleepTime           time.Duration
	CurrentInstanceResourceName string
	ScaleInHookName             string
	// AttemptsPerOperation bounds the dispatcher's retries of transient collaborator
	// faults within one lifecycle operation.
	AttemptsPerOperation int
	RetryBaseDelay       time.Duration
}

func (o Options) withDefaults() Options {
	if o.RetryLimit <= 0 {
		o.RetryLimit = DefaultRetryLimit
	}
	if o.VisibilityExtendTime <= 0 {
		o.VisibilityExtendTime = DefaultVisibilityExtendTime
	}
	if o.JobProcessingTimeout <= 0 {
		o.JobProcessingTimeout = DefaultJobProcessingTimeout
	}
	if o.ExtenderSleepTime <= 0 {
		o.ExtenderSleepTime = DefaultExtenderSleepTime
	}
	if o.AttemptsPerOperation <= 0 {
		o.AttemptsPerOperation = 3
	}
	return o
}

// PrepareRequest configures one claim attempt.
type PrepareRequest struct {
	// VisibilityExtendable marks the claim for background visibility extension.
	VisibilityExtendable bool
}

type CompleteRequest struct {
	JobID  string
	Status job.Status
}

type ReleaseRequest struct {
	JobID                 string
	DurationBeforeRelease time.Duration
}

type Helper struct {
	jobs       job.Provider
	scaling    scaling.Provider
	dispatcher *async.Dispatcher
	recorder   *Recorder
	claimed    *expiring.Map[string, Claim]
	clk        clock.WithTicker
	opts       Options

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// NewHelper starts the background extender immediately. Stop the helper before stopping
// the executor backing the dispatcher.
func NewHelper(ctx context.Context, jobs job.Provider, scalingProvider scaling.Provider, dispatcher *async.Dispatcher, recorder *Recorder, clk clock.WithTicker, opts Options) *Helper {
	if clk == nil {
		clk = clock.RealClock{}
	}
	h := &Helper{
		jobs:       jobs,
		scaling:    scalingProvider,
		dispatcher: dispatcher,
		recorder:   recorder,
		claimed:    expiring.NewMap(expiring.Options[string, Claim]{Lifetime: expiring.NoExpiration, Clock: clk}),
		clk:        clk,
		opts:       opts.withDefaults(),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	go h.extend(ctx)
	return h
}

// Stop halts the extender. Claims stay in place so a restart can pick them back up
// through the reclaim path.
func (h *Helper) Stop() {
	h.stopOnce.Do(func() { close(h.stop) })
	<-h.done
	h.claimed.Stop()
}

// ClaimedJobs returns the ids this worker currently holds.
func (h *Helper) ClaimedJobs() []string {
	return h.claimed.Keys()
}

// PrepareNextJob claims the next runnable job from the queue and resolves actx with it.
// The claim registers the job in the claimed-jobs map and transitions its row to
// processing, except when reclaiming a job whose previous owner ran out of budget.
func (h *Helper) PrepareNextJob(ctx context.Context, actx *async.Context[PrepareRequest, job.Job]) {
	async.Dispatch(ctx, h.dispatcher, actx, h.prepareNextJob, h.retryOptions(async.PriorityNormal))
}

func (h *Helper) PrepareNextJobSync(ctx context.Context, req PrepareRequest) (job.Job, error) {
	return async.DispatchSync(ctx, h.dispatcher, req, h.prepareNextJob, h.retryOptions(async.PriorityNormal))
}

// MarkJobCompleted moves a claimed job to a terminal status and resolves actx with the
// transition's commit time.
func (h *Helper) MarkJobCompleted(ctx context.Context, actx *async.Context[CompleteRequest, time.Time]) {
	async.Dispatch(ctx, h.dispatcher, actx, h.markJobCompleted, h.retryOptions(async.PriorityHigh))
}

func (h *Helper) MarkJobCompletedSync(ctx context.Context, req CompleteRequest) (time.Time, error) {
	return async.DispatchSync(ctx, h.dispatcher, req, h.markJobCompleted, h.retryOptions(async.PriorityHigh))
}

// ReleaseJobForRetry hands a claimed job back to the queue, making it visible again
// after the requested delay.
func (h *Helper) ReleaseJobForRetry(ctx context.Context, actx *async.Context[ReleaseRequest, time.Time]) {
	async.Dispatch(ctx, h.dispatcher, actx, h.releaseJobForRetry, h.retryOptions(async.PriorityHigh))
}

func (h *Helper) ReleaseJobForRetrySync(ctx context.Context, req ReleaseRequest) (time.Time, error) {
	return async.DispatchSync(ctx, h.dispatcher, req, h.releaseJobForRetry, h.retryOptions(async.PriorityHigh))
}

func (h *Helper) retryOptions(priority async.Priority) async.RetryOptions {
	return async.RetryOptions{
		MaxAttempts: h.opts.AttemptsPerOperation,
		BaseDelay:   h.opts.RetryBaseDelay,
		Priority:    priority,
	}
}

func (h *Helper) prepareNextJob(ctx context.Context, req PrepareRequest) (job.Job, error) {
	terminating, err := h.scaling.TryFinishInstanceTermination(ctx, h.opts.CurrentInstanceResourceName, h.opts.ScaleInHookName)
	if err != nil {
		return job.Job{}, fmt.Errorf("checking scale-in state, %w", err)
	}
	if terminating {
		return job.Job{}, errors.NewCoded(errors.CodeCurrentInstanceTerminating, false,
			"instance %s is draining for scale-in", h.opts.CurrentInstanceResourceName)
	}
	msg, err := h.jobs.GetNextJob(ctx)
	if err != nil {
		return job.Job{}, err
	}
	j := msg.Job
	switch {
	case j.Orphaned():
		if derr := h.jobs.DeleteOrphanedJobMessage(ctx, j.ID, msg.Receipt); derr != nil {
			return job.Job{}, fmt.Errorf("cleaning up orphaned job %s, %w", j.ID, derr)
		}
		return job.Job{}, errors.NewCoded(errors.CodeOrphanedJobFound, false, "job %s has a queue message but no row", j.ID)
	case j.Status == job.StatusProcessing && h.clk.Now().Sub(j.ProcessingStartedTime) < h.opts.JobProcessingTimeout:
		return job.Job{}, errors.NewCoded(errors.CodeJobBeingProcessed, false,
			"job %s is held by another worker until %s", j.ID, j.ProcessingStartedTime.Add(h.opts.JobProcessingTimeout).Format(time.RFC3339))
	case j.Status.Terminal():
		// The terminal state is the caller-facing reason even when dropping the stale
		// message fails. Redelivery lands back here and retries the cleanup.
		if derr := h.jobs.DeleteOrphanedJobMessage(ctx, j.ID, msg.Receipt); derr != nil {
			logging.FromContext(ctx).With("job-id", j.ID).Errorf("dropping message of completed job, %v", derr)
		}
		return job.Job{}, errors.NewCoded(errors.CodeJobAlreadyCompleted, false, "job %s already finished as %s", j.ID, j.Status)
	case j.RetryCount >= h.opts.RetryLimit:
		if _, uerr := h.jobs.UpdateJobStatus(ctx, j.ID, job.StatusFailure, msg.Receipt, j.UpdatedTime); uerr != nil {
			return job.Job{}, fmt.Errorf("failing job %s over its retry limit, %w", j.ID, uerr)
		}
		return job.Job{}, errors.NewCoded(errors.CodeRetriesExhausted, false, "job %s consumed its %d retries", j.ID, h.opts.RetryLimit)
	}
	// A job still in processing past its budget is reclaimed as the previous owner left
	// it; everything else transitions to processing under the updated-time guard.
	reclaimed := j.Status == job.StatusProcessing
	if !reclaimed {
		updated, uerr := h.jobs.UpdateJobStatus(ctx, j.ID, job.StatusProcessing, msg.Receipt, j.UpdatedTime)
		if uerr != nil {
			return job.Job{}, uerr
		}
		j.Status = job.StatusProcessing
		j.ProcessingStartedTime = updated
		j.UpdatedTime = updated
		j.RetryCount++
	}
	// Erase first since the map never overwrites and a stale entry must not block.
	_ = h.claimed.Erase(j.ID)
	if err := h.claimed.Insert(j.ID, Claim{Receipt: msg.Receipt, VisibilityExtendable: req.VisibilityExtendable}); err != nil {
		return job.Job{}, fmt.Errorf("registering claim for job %s, %w", j.ID, err)
	}
	h.recorder.RecordClaim(reclaimed)
	return j, nil
}

func (h *Helper) markJobCompleted(ctx context.Context, req CompleteRequest) (time.Time, error) {
	if req.JobID == "" {
		return time.Time{}, errors.NewCoded(errors.CodeMissingJobID, false, "job id is required")
	}
	if !req.Status.Terminal() {
		return time.Time{}, errors.NewCoded(errors.CodeInvalidJobStatus, false,
			"job %s can only complete as %s or %s, not %q", req.JobID, job.StatusSuccess, job.StatusFailure, req.Status)
	}
	claim, ok := h.claimed.Find(req.JobID)
	if !ok || claim.Receipt == "" {
		return time.Time{}, errors.NewCoded(errors.CodeMissingReceiptInfo, false, "job %s is not claimed by this worker", req.JobID)
	}
	row, err := h.jobs.GetJobByID(ctx, req.JobID)
	if err != nil {
		return time.Time{}, err
	}
	updated, err := h.jobs.UpdateJobStatus(ctx, req.JobID, req.Status, claim.Receipt, row.UpdatedTime)
	if err != nil {
		return time.Time{}, err
	}
	_ = h.claimed.Erase(req.JobID)
	h.recorder.RecordCompletion(ctx, req.Status, updated.Sub(row.ProcessingStartedTime), row.ProcessingStartedTime.Sub(row.CreatedTime))
	return updated, nil
}

func (h *Helper) releaseJobForRetry(ctx context.Context, req ReleaseRequest) (time.Time, error) {
	if req.JobID == "" {
		return time.Time{}, errors.NewCoded(errors.CodeMissingJobID, false, "job id is required")
	}
	if req.DurationBeforeRelease < 0 || req.DurationBeforeRelease > job.MaxVisibilityDuration {
		return time.Time{}, errors.NewCoded(errors.CodeInvalidDurationBeforeRelease, false,
			"release delay %s for job %s is outside [0s, %s]", req.DurationBeforeRelease, req.JobID, job.MaxVisibilityDuration)
	}
	claim, ok := h.claimed.Find(req.JobID)
	if !ok || claim.Receipt == "" {
		return time.Time{}, errors.NewCoded(errors.CodeMissingReceiptInfo, false, "job %s is not claimed by this worker", req.JobID)
	}
	row, err := h.jobs.GetJobByID(ctx, req.JobID)
	if err != nil {
		return time.Time{}, err
	}
	if row.Status != job.StatusCreated && row.Status != job.StatusProcessing {
		_ = h.claimed.Erase(req.JobID)
		return time.Time{}, errors.NewCoded(errors.CodeInvalidJobStatus, false, "job %s cannot be released while %s", req.JobID, row.Status)
	}
	updated, err := h.jobs.UpdateJobStatus(ctx, req.JobID, job.StatusCreated, claim.Receipt, row.UpdatedTime)
	if err != nil {
		return time.Time{}, err
	}
	if err := h.jobs.UpdateJobVisibilityTimeout(ctx, req.JobID, req.DurationBeforeRelease, claim.Receipt); err != nil {
		return time.Time{}, err
	}
	_ = h.claimed.Erase(req.JobID)
	return updated, nil
}
