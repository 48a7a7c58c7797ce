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

package async_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	clock "k8s.io/utils/clock/testing"

	"github.com/cplabs/cpio/pkg/async"
	"github.com/cplabs/cpio/pkg/errors"
)

var ctx context.Context
var fakeClock *clock.FakeClock
var executor *async.Executor
var dispatcher *async.Dispatcher

func TestAsync(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Async")
}

var _ = BeforeEach(func() {
	ctx = context.Background()
	fakeClock = clock.NewFakeClock(time.Now())
	executor = async.NewExecutor(async.ExecutorOptions{Name: "test", Workers: 2, QueueCapacity: 16, Clock: fakeClock})
	dispatcher = async.NewDispatcher(executor, fakeClock)
})

var _ = AfterEach(func() {
	_ = executor.Stop(true)
})

var _ = Describe("Context", func() {
	It("should resolve exactly once and ignore later resolves", func() {
		var callbacks atomic.Int32
		actx := async.NewContext[string, string]("req", func(c *async.Context[string, string]) {
			callbacks.Add(1)
		})
		actx.FinishWith("first")
		actx.FinishWith("second")
		actx.Finish(errors.NewCoded(errors.CodeNotFound, false, "late"))
		Expect(callbacks.Load()).To(Equal(int32(1)))
		resp, err := actx.Response()
		Expect(err).ToNot(HaveOccurred())
		Expect(resp).To(Equal("first"))
	})
	It("should report done only after resolving", func() {
		actx := async.NewContext[string, string]("req", nil)
		Expect(actx.Done()).To(BeFalse())
		actx.Finish(errors.NewCoded(errors.CodeNotFound, false, "nothing"))
		Expect(actx.Done()).To(BeTrue())
		_, err := actx.Response()
		Expect(errors.IsCode(err, errors.CodeNotFound)).To(BeTrue())
	})
	It("should correlate children under their parent's activity", func() {
		parent := async.NewContext[string, string]("parent", nil)
		child := async.NewChildContext[int, int](parent, 42, nil)
		Expect(child.ParentActivityID).To(Equal(parent.ActivityID))
		Expect(child.ActivityID).ToNot(Equal(parent.ActivityID))
		Expect(child.ActivityID).ToNot(BeEmpty())
	})
	It("should carry the cancellation flag", func() {
		actx := async.NewContext[string, string]("req", nil)
		Expect(actx.Cancelled()).To(BeFalse())
		actx.Cancel()
		Expect(actx.Cancelled()).To(BeTrue())
	})
})

var _ = Describe("Executor", func() {
	It("should execute scheduled tasks", func() {
		var ran atomic.Int32
		for i := 0; i < 5; i++ {
			Expect(executor.Schedule(func() { ran.Add(1) }, async.PriorityNormal)).To(Succeed())
		}
		Eventually(func() int32 { return ran.Load() }).Should(Equal(int32(5)))
		Eventually(func() uint64 { return executor.Stats().NormalExecuted }).Should(Equal(uint64(5)))
	})
	It("should run urgent tasks before earlier-queued normal tasks", func() {
		single := async.NewExecutor(async.ExecutorOptions{Name: "single", Workers: 1, QueueCapacity: 16, Clock: fakeClock})
		defer func() { _ = single.Stop(false) }()

		started := make(chan struct{})
		release := make(chan struct{})
		var mu sync.Mutex
		var order []string
		record := func(name string) async.Task {
			return func() {
				mu.Lock()
				order = append(order, name)
				mu.Unlock()
			}
		}
		Expect(single.Schedule(func() { close(started); <-release }, async.PriorityNormal)).To(Succeed())
		<-started
		Expect(single.Schedule(record("normal"), async.PriorityNormal)).To(Succeed())
		Expect(single.Schedule(record("high"), async.PriorityHigh)).To(Succeed())
		Expect(single.Schedule(record("urgent"), async.PriorityUrgent)).To(Succeed())
		close(release)
		Eventually(func() int {
			mu.Lock()
			defer mu.Unlock()
			return len(order)
		}).Should(Equal(3))
		mu.Lock()
		defer mu.Unlock()
		Expect(order).To(Equal([]string{"urgent", "high", "normal"}))
	})
	It("should reject tasks when a priority queue is at capacity", func() {
		single := async.NewExecutor(async.ExecutorOptions{Name: "tiny", Workers: 1, QueueCapacity: 1, Clock: fakeClock})
		defer func() { _ = single.Stop(true) }()

		started := make(chan struct{})
		release := make(chan struct{})
		defer close(release)
		Expect(single.Schedule(func() { close(started); <-release }, async.PriorityNormal)).To(Succeed())
		<-started
		Expect(single.Schedule(func() {}, async.PriorityNormal)).To(Succeed())
		err := single.Schedule(func() {}, async.PriorityNormal)
		Expect(err).To(MatchError(ContainSubstring("at capacity")))
		Expect(single.Schedule(func() {}, async.PriorityUrgent)).To(Succeed())
	})
	It("should release delayed tasks when their time arrives", func() {
		var ran atomic.Int32
		_, err := executor.ScheduleFor(func() { ran.Add(1) }, fakeClock.Now().Add(time.Minute))
		Expect(err).To(Succeed())
		Eventually(fakeClock.HasWaiters).Should(BeTrue())
		Consistently(func() int32 { return ran.Load() }, "100ms").Should(Equal(int32(0)))
		fakeClock.Step(time.Minute)
		Eventually(func() int32 { return ran.Load() }).Should(Equal(int32(1)))
	})
	It("should release delayed tasks in deadline order", func() {
		single := async.NewExecutor(async.ExecutorOptions{Name: "ordered", Workers: 1, QueueCapacity: 16, Clock: fakeClock})
		defer func() { _ = single.Stop(false) }()

		var mu sync.Mutex
		var order []string
		schedule := func(name string, delay time.Duration) {
			_, err := single.ScheduleFor(func() {
				mu.Lock()
				order = append(order, name)
				mu.Unlock()
			}, fakeClock.Now().Add(delay))
			Expect(err).To(Succeed())
		}
		schedule("third", 3*time.Minute)
		schedule("first", time.Minute)
		schedule("second", 2*time.Minute)
		Eventually(fakeClock.HasWaiters).Should(BeTrue())
		fakeClock.Step(time.Minute)
		Eventually(func() []string {
			mu.Lock()
			defer mu.Unlock()
			return append([]string{}, order...)
		}).Should(Equal([]string{"first"}))
		fakeClock.Step(2 * time.Minute)
		Eventually(func() []string {
			mu.Lock()
			defer mu.Unlock()
			return append([]string{}, order...)
		}).Should(Equal([]string{"first", "second", "third"}))
	})
	It("should cancel a delayed task that has not started", func() {
		var ran atomic.Int32
		cancel, err := executor.ScheduleFor(func() { ran.Add(1) }, fakeClock.Now().Add(time.Minute))
		Expect(err).To(Succeed())
		Expect(cancel()).To(BeTrue())
		Expect(cancel()).To(BeFalse())
		fakeClock.Step(2 * time.Minute)
		Consistently(func() int32 { return ran.Load() }, "100ms").Should(Equal(int32(0)))
	})
	It("should not cancel a delayed task that already ran", func() {
		var ran atomic.Int32
		cancel, err := executor.ScheduleFor(func() { ran.Add(1) }, fakeClock.Now().Add(time.Minute))
		Expect(err).To(Succeed())
		Eventually(fakeClock.HasWaiters).Should(BeTrue())
		fakeClock.Step(time.Minute)
		Eventually(func() int32 { return ran.Load() }).Should(Equal(int32(1)))
		Expect(cancel()).To(BeFalse())
	})
	It("should drain queued tasks on stop when not dropping", func() {
		single := async.NewExecutor(async.ExecutorOptions{Name: "drain", Workers: 1, QueueCapacity: 16, Clock: fakeClock})
		started := make(chan struct{})
		release := make(chan struct{})
		var ran atomic.Int32
		Expect(single.Schedule(func() { close(started); <-release; ran.Add(1) }, async.PriorityNormal)).To(Succeed())
		<-started
		for i := 0; i < 3; i++ {
			Expect(single.Schedule(func() { ran.Add(1) }, async.PriorityNormal)).To(Succeed())
		}
		stopped := make(chan error)
		go func() { stopped <- single.Stop(false) }()
		close(release)
		Expect(<-stopped).To(Succeed())
		Expect(ran.Load()).To(Equal(int32(4)))
	})
	It("should discard queued tasks on stop when dropping", func() {
		single := async.NewExecutor(async.ExecutorOptions{Name: "drop", Workers: 1, QueueCapacity: 16, Clock: fakeClock})
		started := make(chan struct{})
		release := make(chan struct{})
		var ran atomic.Int32
		Expect(single.Schedule(func() { close(started); <-release; ran.Add(1) }, async.PriorityNormal)).To(Succeed())
		<-started
		for i := 0; i < 3; i++ {
			Expect(single.Schedule(func() { ran.Add(1) }, async.PriorityNormal)).To(Succeed())
		}
		stopped := make(chan error)
		go func() { stopped <- single.Stop(true) }()
		close(release)
		Expect(<-stopped).To(Succeed())
		Expect(ran.Load()).To(Equal(int32(1)))
	})
	It("should reject scheduling after stop", func() {
		single := async.NewExecutor(async.ExecutorOptions{Name: "stopped", Workers: 1, QueueCapacity: 4, Clock: fakeClock})
		Expect(single.Stop(false)).To(Succeed())
		Expect(single.Schedule(func() {}, async.PriorityNormal)).To(MatchError(ContainSubstring("stopped")))
		_, err := single.ScheduleFor(func() {}, fakeClock.Now().Add(time.Second))
		Expect(err).To(MatchError(ContainSubstring("stopped")))
		Expect(single.Stop(false)).To(MatchError(ContainSubstring("already stopped")))
	})
})

var _ = Describe("Dispatcher", func() {
	It("should resolve with the response when work succeeds first try", func() {
		resp, err := async.DispatchSync(ctx, dispatcher, "in", func(_ context.Context, req string) (string, error) {
			return req + "-out", nil
		}, async.RetryOptions{MaxAttempts: 3, BaseDelay: 100 * time.Millisecond})
		Expect(err).ToNot(HaveOccurred())
		Expect(resp).To(Equal("in-out"))
	})
	It("should back off exponentially between retriable failures", func() {
		var attempts atomic.Int32
		var mu sync.Mutex
		var offsets []time.Duration
		start := fakeClock.Now()
		actx := async.NewContext[string, string]("req", nil)
		async.Dispatch(ctx, dispatcher, actx, func(_ context.Context, _ string) (string, error) {
			mu.Lock()
			offsets = append(offsets, fakeClock.Now().Sub(start))
			mu.Unlock()
			if attempts.Add(1) <= 2 {
				return "", errors.NewCoded(errors.CodeBadSessionToken, true, "transient")
			}
			return "ok", nil
		}, async.RetryOptions{MaxAttempts: 3, BaseDelay: 100 * time.Millisecond})

		Eventually(func() int32 { return attempts.Load() }).Should(Equal(int32(1)))
		Eventually(fakeClock.HasWaiters).Should(BeTrue())
		Consistently(func() int32 { return attempts.Load() }, "100ms").Should(Equal(int32(1)))
		fakeClock.Step(100 * time.Millisecond)
		Eventually(func() int32 { return attempts.Load() }).Should(Equal(int32(2)))
		Eventually(fakeClock.HasWaiters).Should(BeTrue())
		fakeClock.Step(200 * time.Millisecond)
		Eventually(actx.Done).Should(BeTrue())

		resp, err := actx.Response()
		Expect(err).ToNot(HaveOccurred())
		Expect(resp).To(Equal("ok"))
		mu.Lock()
		defer mu.Unlock()
		Expect(offsets).To(Equal([]time.Duration{0, 100 * time.Millisecond, 300 * time.Millisecond}))
	})
	It("should scale linear backoff with the attempt number", func() {
		var attempts atomic.Int32
		var mu sync.Mutex
		var offsets []time.Duration
		start := fakeClock.Now()
		actx := async.NewContext[string, string]("req", nil)
		async.Dispatch(ctx, dispatcher, actx, func(_ context.Context, _ string) (string, error) {
			mu.Lock()
			offsets = append(offsets, fakeClock.Now().Sub(start))
			mu.Unlock()
			if attempts.Add(1) <= 2 {
				return "", errors.NewCoded(errors.CodeBadSessionToken, true, "transient")
			}
			return "ok", nil
		}, async.RetryOptions{MaxAttempts: 3, BaseDelay: 100 * time.Millisecond, Backoff: async.BackoffLinear})

		Eventually(func() int32 { return attempts.Load() }).Should(Equal(int32(1)))
		Eventually(fakeClock.HasWaiters).Should(BeTrue())
		fakeClock.Step(100 * time.Millisecond)
		Eventually(func() int32 { return attempts.Load() }).Should(Equal(int32(2)))
		Eventually(fakeClock.HasWaiters).Should(BeTrue())
		fakeClock.Step(200 * time.Millisecond)
		Eventually(actx.Done).Should(BeTrue())
		mu.Lock()
		defer mu.Unlock()
		Expect(offsets).To(Equal([]time.Duration{0, 100 * time.Millisecond, 300 * time.Millisecond}))
	})
	It("should cap the backoff at the max delay", func() {
		var attempts atomic.Int32
		actx := async.NewContext[string, string]("req", nil)
		async.Dispatch(ctx, dispatcher, actx, func(_ context.Context, _ string) (string, error) {
			attempts.Add(1)
			return "", errors.NewCoded(errors.CodeBadSessionToken, true, "transient")
		}, async.RetryOptions{MaxAttempts: 3, BaseDelay: time.Minute, MaxDelay: time.Minute})

		Eventually(func() int32 { return attempts.Load() }).Should(Equal(int32(1)))
		Eventually(fakeClock.HasWaiters).Should(BeTrue())
		fakeClock.Step(time.Minute)
		Eventually(func() int32 { return attempts.Load() }).Should(Equal(int32(2)))
		Eventually(fakeClock.HasWaiters).Should(BeTrue())
		// Uncapped exponential backoff would wait two minutes here.
		fakeClock.Step(time.Minute)
		Eventually(actx.Done).Should(BeTrue())
		Expect(attempts.Load()).To(Equal(int32(3)))
	})
	It("should not retry fatal errors", func() {
		var attempts atomic.Int32
		actx := async.NewContext[string, string]("req", nil)
		async.Dispatch(ctx, dispatcher, actx, func(_ context.Context, _ string) (string, error) {
			attempts.Add(1)
			return "", errors.NewCoded(errors.CodeInvalidJobStatus, false, "job is terminal")
		}, async.RetryOptions{MaxAttempts: 5, BaseDelay: 100 * time.Millisecond})
		Eventually(actx.Done).Should(BeTrue())
		_, err := actx.Response()
		Expect(errors.IsCode(err, errors.CodeInvalidJobStatus)).To(BeTrue())
		Expect(attempts.Load()).To(Equal(int32(1)))
	})
	It("should resolve retries-exhausted after the final retriable failure", func() {
		var attempts atomic.Int32
		actx := async.NewContext[string, string]("req", nil)
		async.Dispatch(ctx, dispatcher, actx, func(_ context.Context, _ string) (string, error) {
			attempts.Add(1)
			return "", errors.NewCoded(errors.CodeBadSessionToken, true, "still failing")
		}, async.RetryOptions{MaxAttempts: 2, BaseDelay: 100 * time.Millisecond})
		Eventually(func() int32 { return attempts.Load() }).Should(Equal(int32(1)))
		Eventually(fakeClock.HasWaiters).Should(BeTrue())
		fakeClock.Step(100 * time.Millisecond)
		Eventually(actx.Done).Should(BeTrue())
		_, err := actx.Response()
		Expect(errors.IsCode(err, errors.CodeRetriesExhausted)).To(BeTrue())
		Expect(attempts.Load()).To(Equal(int32(2)))
	})
	It("should stop retrying when the context is cancelled between attempts", func() {
		var attempts atomic.Int32
		actx := async.NewContext[string, string]("req", nil)
		async.Dispatch(ctx, dispatcher, actx, func(_ context.Context, _ string) (string, error) {
			attempts.Add(1)
			return "", errors.NewCoded(errors.CodeBadSessionToken, true, "still failing")
		}, async.RetryOptions{MaxAttempts: 5, BaseDelay: 100 * time.Millisecond})
		Eventually(func() int32 { return attempts.Load() }).Should(Equal(int32(1)))
		actx.Cancel()
		Eventually(fakeClock.HasWaiters).Should(BeTrue())
		fakeClock.Step(100 * time.Millisecond)
		Eventually(actx.Done).Should(BeTrue())
		_, err := actx.Response()
		Expect(errors.IsCode(err, errors.CodeCancelled)).To(BeTrue())
		Expect(attempts.Load()).To(Equal(int32(1)))
	})
})
