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

package worker_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	clock "k8s.io/utils/clock/testing"

	"github.com/cplabs/cpio/pkg/async"
	"github.com/cplabs/cpio/pkg/auth"
	"github.com/cplabs/cpio/pkg/errors"
	"github.com/cplabs/cpio/pkg/fake"
	"github.com/cplabs/cpio/pkg/lifecycle"
	"github.com/cplabs/cpio/pkg/providers/blob"
	"github.com/cplabs/cpio/pkg/providers/job"
	"github.com/cplabs/cpio/pkg/worker"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var (
	ctx       context.Context
	fakeClock *clock.FakeClock
	lc        *fakeLifecycle
	handler   *handlerRecorder
	server    *httptest.Server
	s3api     *fake.S3API
	executor  *async.Executor
)

func TestWorker(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Worker")
}

var _ = BeforeEach(func() {
	ctx = context.Background()
	fakeClock = clock.NewFakeClock(time.Now())
	lc = &fakeLifecycle{}
	handler = &handlerRecorder{status: http.StatusOK}
	server = httptest.NewServer(handler)
	s3api = &fake.S3API{}
	executor = async.NewExecutor(async.ExecutorOptions{Name: "worker-test", Workers: 2, QueueCapacity: 16, Clock: fakeClock})
})

var _ = AfterEach(func() {
	server.Close()
	Expect(executor.Stop(true)).To(Succeed())
	s3api.Reset()
})

func newWorker(payloads worker.PayloadReader, tokens worker.TokenSource, m *worker.Metrics, opts worker.Options) *worker.Worker {
	if opts.HandlerEndpoint == "" {
		opts.HandlerEndpoint = server.URL
	}
	return worker.NewWorker(lc, payloads, tokens, server.Client(), m, fakeClock, opts)
}

func readyJob(id string) job.Job {
	return job.Job{
		ID:          id,
		ServerJobID: "srv-" + id,
		Status:      job.StatusProcessing,
		Body:        "payload-" + id,
		RetryCount:  1,
	}
}

var _ = Describe("Worker", func() {
	It("should post the job body and complete the job on 2xx", func() {
		lc.push(readyJob("J"))
		Expect(newWorker(nil, nil, nil, worker.Options{}).Run(ctx)).To(Succeed())
		Expect(handler.calls()).To(HaveLen(1))
		Expect(handler.calls()[0].Body).To(Equal("payload-J"))
		Expect(handler.calls()[0].JobID).To(Equal("J"))
		Expect(handler.calls()[0].Auth).To(BeEmpty())
		Expect(lc.completed()).To(Equal([]lifecycle.CompleteRequest{{JobID: "J", Status: job.StatusSuccess}}))
		Expect(lc.released()).To(BeEmpty())
	})
	It("should release the job for retry on 5xx", func() {
		handler.setStatus(http.StatusServiceUnavailable)
		lc.push(readyJob("J"))
		Expect(newWorker(nil, nil, nil, worker.Options{}).Run(ctx)).To(Succeed())
		Expect(lc.released()).To(Equal([]lifecycle.ReleaseRequest{{JobID: "J", DurationBeforeRelease: worker.DefaultReleaseDelay}}))
		Expect(lc.completed()).To(BeEmpty())
	})
	It("should release the job for retry on a handler timeout", func() {
		handler.setStatus(http.StatusRequestTimeout)
		lc.push(readyJob("J"))
		Expect(newWorker(nil, nil, nil, worker.Options{ReleaseDelay: 30 * time.Second}).Run(ctx)).To(Succeed())
		Expect(lc.released()).To(Equal([]lifecycle.ReleaseRequest{{JobID: "J", DurationBeforeRelease: 30 * time.Second}}))
	})
	It("should fail the job on any other 4xx", func() {
		handler.setStatus(http.StatusUnprocessableEntity)
		lc.push(readyJob("J"))
		Expect(newWorker(nil, nil, nil, worker.Options{}).Run(ctx)).To(Succeed())
		Expect(lc.completed()).To(Equal([]lifecycle.CompleteRequest{{JobID: "J", Status: job.StatusFailure}}))
		Expect(lc.released()).To(BeEmpty())
	})
	It("should release the job when the handler is unreachable", func() {
		lc.push(readyJob("J"))
		w := newWorker(nil, nil, nil, worker.Options{HandlerEndpoint: "http://127.0.0.1:1/process"})
		Expect(w.Run(ctx)).To(Succeed())
		Expect(lc.released()).To(HaveLen(1))
		Expect(handler.calls()).To(BeEmpty())
	})
	It("should keep looping when a settlement call fails", func() {
		lc.settle.Set(errors.NewCoded(errors.CodeUpdationConflict, false, "row moved"))
		lc.push(readyJob("J1"))
		lc.push(readyJob("J2"))
		Expect(newWorker(nil, nil, nil, worker.Options{}).Run(ctx)).To(Succeed())
		Expect(lc.completed()).To(HaveLen(2))
		Expect(handler.calls()).To(HaveLen(2))
	})
	It("should exit cleanly when the instance is draining", func() {
		lc.pushErr(errors.NewCoded(errors.CodeCurrentInstanceTerminating, false, "instance is draining"))
		lc.push(readyJob("never"))
		Expect(newWorker(nil, nil, nil, worker.Options{}).Run(ctx)).To(Succeed())
		Expect(handler.calls()).To(BeEmpty())
		Expect(lc.remaining()).To(Equal(1))
	})
	It("should return without claiming when the context is already cancelled", func() {
		cancelled, cancel := context.WithCancel(ctx)
		cancel()
		lc.push(readyJob("never"))
		Expect(newWorker(nil, nil, nil, worker.Options{}).Run(cancelled)).To(Succeed())
		Expect(lc.remaining()).To(Equal(1))
		Expect(handler.calls()).To(BeEmpty())
	})
	It("should sleep after a preparation failure and resume claiming", func() {
		lc.pushErr(errors.NewCoded(errors.CodeNotFound, false, "queue has no visible messages"))
		lc.push(readyJob("J"))
		done := make(chan error, 1)
		go func() { done <- newWorker(nil, nil, nil, worker.Options{}).Run(ctx) }()
		Eventually(fakeClock.HasWaiters).Should(BeTrue())
		Expect(handler.calls()).To(BeEmpty())
		fakeClock.Step(worker.DefaultIdleSleepTime)
		Eventually(done).Should(Receive(Succeed()))
		Expect(handler.calls()).To(HaveLen(1))
		Expect(lc.completed()).To(HaveLen(1))
	})

	Context("bearer tokens", func() {
		It("should attach an identity token scoped to the handler audience", func() {
			tokens := &staticTokens{token: auth.Token{Value: "tok-1"}}
			lc.push(readyJob("J"))
			w := newWorker(nil, tokens, nil, worker.Options{HandlerAudience: "https://handler.cplabs.dev"})
			Expect(w.Run(ctx)).To(Succeed())
			Expect(tokens.requested()).To(Equal([]string{"https://handler.cplabs.dev"}))
			Expect(handler.calls()[0].Auth).To(Equal("Bearer tok-1"))
		})
		It("should release the job when the token cannot be minted", func() {
			tokens := &staticTokens{err: errors.NewCoded(errors.CodeBadSessionToken, true, "metadata service unavailable")}
			lc.push(readyJob("J"))
			w := newWorker(nil, tokens, nil, worker.Options{HandlerAudience: "https://handler.cplabs.dev"})
			Expect(w.Run(ctx)).To(Succeed())
			Expect(handler.calls()).To(BeEmpty())
			Expect(lc.released()).To(HaveLen(1))
		})
	})

	Context("blob payloads", func() {
		It("should stream object-referenced bodies through the blob provider", func() {
			s3api.StoreObject("payloads", "jobs/in", []byte("object-data"))
			payloads := blob.NewDefaultProvider(s3api, executor, fakeClock, blob.Options{})
			j := readyJob("J")
			j.Body = "s3://payloads/jobs/in"
			lc.push(j)
			Expect(newWorker(payloads, nil, nil, worker.Options{}).Run(ctx)).To(Succeed())
			Expect(handler.calls()).To(HaveLen(1))
			Expect(handler.calls()[0].Body).To(Equal("object-data"))
			Expect(lc.completed()).To(HaveLen(1))
		})
		It("should release the job when the object cannot be read", func() {
			payloads := blob.NewDefaultProvider(s3api, executor, fakeClock, blob.Options{})
			j := readyJob("J")
			j.Body = "s3://payloads/jobs/missing"
			lc.push(j)
			Expect(newWorker(payloads, nil, nil, worker.Options{}).Run(ctx)).To(Succeed())
			Expect(handler.calls()).To(BeEmpty())
			Expect(lc.released()).To(HaveLen(1))
		})
		It("should release the job when no payload reader is wired", func() {
			j := readyJob("J")
			j.Body = "s3://payloads/jobs/in"
			lc.push(j)
			Expect(newWorker(nil, nil, nil, worker.Options{}).Run(ctx)).To(Succeed())
			Expect(lc.released()).To(HaveLen(1))
		})
	})

	Context("metrics", func() {
		It("should count settled jobs by disposition", func() {
			registry := prometheus.NewRegistry()
			m := worker.NewMetrics(worker.MetricsOptions{Enabled: true, Registry: registry})
			handler.setStatus(http.StatusServiceUnavailable)
			lc.push(readyJob("J1"))
			lc.push(readyJob("J2"))
			Expect(newWorker(nil, nil, m, worker.Options{}).Run(ctx)).To(Succeed())
			Expect(counterValue(registry, "cpio_worker_jobs_total", "retry")).To(Equal(2.0))
			Expect(counterValue(registry, "cpio_worker_jobs_total", "success")).To(Equal(0.0))
		})
	})
})

func counterValue(registry *prometheus.Registry, name, disposition string) float64 {
	families, err := registry.Gather()
	Expect(err).ToNot(HaveOccurred())
	for _, fam := range families {
		if fam.GetName() != name {
			continue
		}
		for _, m := range fam.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetName() == "disposition" && l.GetValue() == disposition {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

type prepareResult struct {
	job job.Job
	err error
}

// fakeLifecycle replays a script of claim outcomes. When the script runs out it reports
// the instance as draining so Run winds down on its own.
type fakeLifecycle struct {
	mu          sync.Mutex
	script      []prepareResult
	completions []lifecycle.CompleteRequest
	releases    []lifecycle.ReleaseRequest
	settle      fake.AtomicError
}

func (f *fakeLifecycle) push(j job.Job) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.script = append(f.script, prepareResult{job: j})
}

func (f *fakeLifecycle) pushErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.script = append(f.script, prepareResult{err: err})
}

func (f *fakeLifecycle) PrepareNextJobSync(context.Context, lifecycle.PrepareRequest) (job.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.script) == 0 {
		return job.Job{}, errors.NewCoded(errors.CodeCurrentInstanceTerminating, false, "script exhausted")
	}
	next := f.script[0]
	f.script = f.script[1:]
	return next.job, next.err
}

func (f *fakeLifecycle) MarkJobCompletedSync(_ context.Context, req lifecycle.CompleteRequest) (time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completions = append(f.completions, req)
	if err := f.settle.Get(); err != nil {
		return time.Time{}, err
	}
	return time.Now().UTC(), nil
}

func (f *fakeLifecycle) ReleaseJobForRetrySync(_ context.Context, req lifecycle.ReleaseRequest) (time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.releases = append(f.releases, req)
	if err := f.settle.Get(); err != nil {
		return time.Time{}, err
	}
	return time.Now().UTC(), nil
}

func (f *fakeLifecycle) remaining() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.script)
}

func (f *fakeLifecycle) completed() []lifecycle.CompleteRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]lifecycle.CompleteRequest(nil), f.completions...)
}

func (f *fakeLifecycle) released() []lifecycle.ReleaseRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]lifecycle.ReleaseRequest(nil), f.releases...)
}

type staticTokens struct {
	mu        sync.Mutex
	token     auth.Token
	err       error
	audiences []string
}

func (s *staticTokens) GetSessionTokenForTargetAudience(_ context.Context, actx *async.Context[auth.TokenRequest, auth.Token]) {
	s.mu.Lock()
	s.audiences = append(s.audiences, actx.Request.Audience)
	s.mu.Unlock()
	if s.err != nil {
		actx.Finish(s.err)
		return
	}
	actx.FinishWith(s.token)
}

func (s *staticTokens) requested() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.audiences...)
}

type handlerCall struct {
	Body  string
	JobID string
	Auth  string
}

type handlerRecorder struct {
	mu       sync.Mutex
	status   int
	recorded []handlerCall
}

func (h *handlerRecorder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	h.mu.Lock()
	h.recorded = append(h.recorded, handlerCall{
		Body:  string(body),
		JobID: r.Header.Get("X-Cpio-Job-Id"),
		Auth:  r.Header.Get("Authorization"),
	})
	status := h.status
	h.mu.Unlock()
	w.WriteHeader(status)
}

func (h *handlerRecorder) setStatus(status int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.status = status
}

func (h *handlerRecorder) calls() []handlerCall {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]handlerCall(nil), h.recorded...)
}
