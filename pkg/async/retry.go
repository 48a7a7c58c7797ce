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
	"context"
	"fmt"
	"time"

	"k8s.io/utils/clock"

	"github.com/cplabs/cpio/pkg/errors"
)

type Backoff string

const (
	BackoffExponential Backoff = "exponential"
	BackoffLinear      Backoff = "linear"
)

type RetryOptions struct {
	// MaxAttempts counts the first attempt. Zero or negative means a single attempt.
	MaxAttempts int
	BaseDelay   time.Duration
	// MaxDelay caps the computed backoff. Zero means uncapped.
	MaxDelay time.Duration
	Backoff  Backoff
	Priority Priority
}

func (o RetryOptions) withDefaults() RetryOptions {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 1
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = 100 * time.Millisecond
	}
	if o.Backoff == "" {
		o.Backoff = BackoffExponential
	}
	return o
}

// Dispatcher runs work on an executor and re-schedules failed attempts after a backoff
// delay. Only errors classified retriable are retried; everything else resolves the
// caller's context immediately.
type Dispatcher struct {
	executor *Executor
	clock    clock.Clock
}

func NewDispatcher(executor *Executor, clk clock.Clock) *Dispatcher {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Dispatcher{executor: executor, clock: clk}
}

// Dispatch submits work for the async context's request. The context resolves with the
// first successful response, the first fatal error, a retries-exhausted error once
// MaxAttempts failed, or a cancelled error when the context was cancelled between
// attempts. Dispatch itself never blocks.
func Dispatch[Req, Resp any](ctx context.Context, d *Dispatcher, actx *Context[Req, Resp], work func(context.Context, Req) (Resp, error), opts RetryOptions) {
	opts = opts.withDefaults()
	var attempt func(n int)
	attempt = func(n int) {
		if err := ctx.Err(); err != nil {
			retryAttempts.WithLabelValues("cancelled").Inc()
			actx.Finish(errors.WrapCoded(errors.CodeCancelled, false, err))
			return
		}
		if actx.Cancelled() {
			retryAttempts.WithLabelValues("cancelled").Inc()
			actx.Finish(errors.NewCoded(errors.CodeCancelled, false, "operation cancelled after %d attempts", n))
			return
		}
		resp, err := work(ctx, actx.Request)
		if err == nil {
			retryAttempts.WithLabelValues("success").Inc()
			actx.FinishWith(resp)
			return
		}
		if !errors.IsRetriable(err) {
			retryAttempts.WithLabelValues("fatal").Inc()
			actx.Finish(err)
			return
		}
		if n+1 >= opts.MaxAttempts {
			retryAttempts.WithLabelValues("exhausted").Inc()
			actx.Finish(errors.WrapCoded(errors.CodeRetriesExhausted, false,
				fmt.Errorf("giving up after %d attempts, %w", n+1, err)))
			return
		}
		retryAttempts.WithLabelValues("retried").Inc()
		at := d.clock.Now().Add(opts.delay(n))
		if _, serr := d.executor.ScheduleFor(func() { attempt(n + 1) }, at); serr != nil {
			actx.Finish(fmt.Errorf("scheduling retry attempt %d, %w", n+1, serr))
		}
	}
	if err := d.executor.Schedule(func() { attempt(0) }, opts.Priority); err != nil {
		actx.Finish(fmt.Errorf("scheduling work, %w", err))
	}
}

// DispatchSync is the blocking form of Dispatch. It must never be called from an executor
// worker, since waiting on a worker for work that needs a worker deadlocks the pool.
func DispatchSync[Req, Resp any](ctx context.Context, d *Dispatcher, req Req, work func(context.Context, Req) (Resp, error), opts RetryOptions) (Resp, error) {
	done := make(chan struct{})
	actx := NewContext[Req, Resp](req, func(*Context[Req, Resp]) { close(done) })
	Dispatch(ctx, d, actx, work, opts)
	<-done
	return actx.Response()
}

// delay computes the backoff before attempt n+1, where n is zero-based.
func (o RetryOptions) delay(n int) time.Duration {
	var d time.Duration
	switch o.Backoff {
	case BackoffLinear:
		d = o.BaseDelay * time.Duration(n+1)
	default:
		d = o.BaseDelay * time.Duration(1<<uint(n))
	}
	if o.MaxDelay > 0 && d > o.MaxDelay {
		d = o.MaxDelay
	}
	return d
}
