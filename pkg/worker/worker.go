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

// Package worker runs the claim-process-complete loop. Each iteration claims one job,
// hands its payload to the handler endpoint over HTTP, and settles the job from the
// handler's answer: 2xx completes it, 408 and 5xx release it for redelivery, any other
// status fails it.
package worker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"k8s.io/utils/clock"

	"github.com/cplabs/cpio/pkg/async"
	"github.com/cplabs/cpio/pkg/auth"
	"github.com/cplabs/cpio/pkg/errors"
	"github.com/cplabs/cpio/pkg/lifecycle"
	"github.com/cplabs/cpio/pkg/logging"
	"github.com/cplabs/cpio/pkg/providers/blob"
	"github.com/cplabs/cpio/pkg/providers/job"
)

const (
	DefaultIdleSleepTime = 10 * time.Second
	DefaultReleaseDelay  = 10 * time.Second

	jobIDHeader = "X-Cpio-Job-Id"
	blobScheme  = "s3://"
)

// JobLifecycle is the slice of the lifecycle helper the worker drives.
type JobLifecycle interface {
	PrepareNextJobSync(context.Context, lifecycle.PrepareRequest) (job.Job, error)
	MarkJobCompletedSync(context.Context, lifecycle.CompleteRequest) (time.Time, error)
	ReleaseJobForRetrySync(context.Context, lifecycle.ReleaseRequest) (time.Time, error)
}

// PayloadReader resolves blob-referenced job bodies.
type PayloadReader interface {
	Read(ctx context.Context, actx *async.Context[blob.ReadRequest, []byte])
}

// TokenSource mints audience-scoped identity tokens for the handler endpoint.
type TokenSource interface {
	GetSessionTokenForTargetAudience(ctx context.Context, actx *async.Context[auth.TokenRequest, auth.Token])
}

type Options struct {
	// HandlerEndpoint receives each claimed job's payload as an HTTP POST.
	HandlerEndpoint string
	// HandlerAudience, when set, attaches an identity token for this audience as a bearer
	// token on every handler call.
	HandlerAudience string
	// JobProcessingTimeout bounds a single handler call.
	JobProcessingTimeout time.Duration
	// IdleSleepTime is the pause after a preparation failure before the next claim.
	IdleSleepTime time.Duration
	// ReleaseDelay is how long a released job stays invisible before redelivery.
	ReleaseDelay         time.Duration
	VisibilityExtendable bool
}

func (o Options) withDefaults() Options {
	if o.JobProcessingTimeout <= 0 {
		o.JobProcessingTimeout = lifecycle.DefaultJobProcessingTimeout
	}
	if o.IdleSleepTime <= 0 {
		o.IdleSleepTime = DefaultIdleSleepTime
	}
	if o.ReleaseDelay < 0 || o.ReleaseDelay > job.MaxVisibilityDuration {
		o.ReleaseDelay = DefaultReleaseDelay
	}
	if o.ReleaseDelay == 0 {
		o.ReleaseDelay = DefaultReleaseDelay
	}
	return o
}

type disposition string

const (
	dispositionSuccess disposition = "success"
	dispositionFailure disposition = "failure"
	dispositionRetry   disposition = "retry"
)

type Worker struct {
	lifecycle  JobLifecycle
	payloads   PayloadReader
	tokens     TokenSource
	httpClient *http.Client
	metrics    *Metrics
	clk        clock.Clock
	opts       Options
}

func NewWorker(lc JobLifecycle, payloads PayloadReader, tokens TokenSource, httpClient *http.Client, m *Metrics, clk clock.Clock, opts Options) *Worker {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Worker{
		lifecycle:  lc,
		payloads:   payloads,
		tokens:     tokens,
		httpClient: httpClient,
		metrics:    m,
		clk:        clk,
		opts:       opts.withDefaults(),
	}
}

// Run loops until the context ends or the instance is marked for scale-in. It returns
// nil in both cases so a drain reads as a clean exit.
func (w *Worker) Run(ctx context.Context) error {
	log := logging.FromContext(ctx)
	for {
		if ctx.Err() != nil {
			return nil
		}
		j, err := w.lifecycle.PrepareNextJobSync(ctx, lifecycle.PrepareRequest{VisibilityExtendable: w.opts.VisibilityExtendable})
		switch {
		case err == nil:
			w.process(ctx, j)
		case errors.IsCode(err, errors.CodeCurrentInstanceTerminating):
			log.Infof("instance is draining, exiting")
			return nil
		case ctx.Err() != nil || errors.IsCode(err, errors.CodeCancelled):
			return nil
		default:
			if errors.IsNotFound(err) {
				log.Debugf("no job available, %v", err)
			} else {
				log.Errorf("preparing next job, %v", err)
			}
			w.sleep(ctx, w.opts.IdleSleepTime)
		}
	}
}

func (w *Worker) process(ctx context.Context, j job.Job) {
	log := logging.FromContext(ctx).With("job-id", j.ID)
	disp := w.callHandler(ctx, j)
	var err error
	switch disp {
	case dispositionRetry:
		_, err = w.lifecycle.ReleaseJobForRetrySync(ctx, lifecycle.ReleaseRequest{JobID: j.ID, DurationBeforeRelease: w.opts.ReleaseDelay})
	case dispositionSuccess:
		_, err = w.lifecycle.MarkJobCompletedSync(ctx, lifecycle.CompleteRequest{JobID: j.ID, Status: job.StatusSuccess})
	case dispositionFailure:
		_, err = w.lifecycle.MarkJobCompletedSync(ctx, lifecycle.CompleteRequest{JobID: j.ID, Status: job.StatusFailure})
	}
	if err != nil {
		// The row or claim moved underneath us. The queue redelivers and the claim paths
		// settle the job then.
		log.With("disposition", string(disp)).Errorf("settling job, %v", err)
		return
	}
	log.With("disposition", string(disp)).Infof("settled job")
}

func (w *Worker) callHandler(ctx context.Context, j job.Job) disposition {
	log := logging.FromContext(ctx).With("job-id", j.ID)
	start := w.clk.Now()
	disp, err := w.post(ctx, j)
	if err != nil {
		log.Errorf("calling handler, %v", err)
	}
	w.metrics.RecordHandlerCall(string(disp), w.clk.Since(start))
	return disp
}

func (w *Worker) post(ctx context.Context, j job.Job) (disposition, error) {
	payload, err := w.payload(ctx, j)
	if err != nil {
		return dispositionRetry, fmt.Errorf("resolving payload, %w", err)
	}
	hctx, cancel := context.WithTimeout(ctx, w.opts.JobProcessingTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(hctx, http.MethodPost, w.opts.HandlerEndpoint, bytes.NewReader(payload))
	if err != nil {
		return dispositionRetry, fmt.Errorf("building handler request, %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set(jobIDHeader, j.ID)
	token, err := w.sessionToken(ctx)
	if err != nil {
		return dispositionRetry, fmt.Errorf("minting handler token, %w", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := w.httpClient.Do(req)
	if err != nil {
		return dispositionRetry, fmt.Errorf("posting job, %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	switch {
	case resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices:
		return dispositionSuccess, nil
	case resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode >= http.StatusInternalServerError:
		return dispositionRetry, nil
	default:
		return dispositionFailure, nil
	}
}

// payload returns the job body, streaming it in from the blob store when the body is an
// object reference instead of inline data.
func (w *Worker) payload(ctx context.Context, j job.Job) ([]byte, error) {
	if !strings.HasPrefix(j.Body, blobScheme) {
		return []byte(j.Body), nil
	}
	if w.payloads == nil {
		return nil, fmt.Errorf("job %s references %s but no payload reader is wired", j.ID, j.Body)
	}
	bucket, key, err := blob.ParseURI(j.Body)
	if err != nil {
		return nil, err
	}
	done := make(chan struct{})
	actx := async.NewContext[blob.ReadRequest, []byte](blob.ReadRequest{Bucket: bucket, Key: key}, func(*async.Context[blob.ReadRequest, []byte]) { close(done) })
	w.payloads.Read(ctx, actx)
	select {
	case <-done:
	case <-ctx.Done():
		actx.Cancel()
		<-done
	}
	return actx.Response()
}

func (w *Worker) sessionToken(ctx context.Context) (string, error) {
	if w.opts.HandlerAudience == "" || w.tokens == nil {
		return "", nil
	}
	done := make(chan struct{})
	actx := async.NewContext[auth.TokenRequest, auth.Token](auth.TokenRequest{Audience: w.opts.HandlerAudience}, func(*async.Context[auth.TokenRequest, auth.Token]) { close(done) })
	w.tokens.GetSessionTokenForTargetAudience(ctx, actx)
	<-done
	token, err := actx.Response()
	if err != nil {
		return "", err
	}
	return token.Value, nil
}

func (w *Worker) sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-w.clk.After(d):
	}
}
