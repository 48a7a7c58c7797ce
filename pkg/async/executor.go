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
	"container/heap"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"k8s.io/utils/clock"
)

type Priority int

const (
	PriorityNormal Priority = iota
	PriorityHigh
	PriorityUrgent
)

func (p Priority) String() string {
	switch p {
	case PriorityUrgent:
		return "urgent"
	case PriorityHigh:
		return "high"
	default:
		return "normal"
	}
}

type Task func()

type ExecutorOptions struct {
	Name string
	// Workers defaults to GOMAXPROCS-equivalent parallelism.
	Workers int
	// QueueCapacity bounds each priority queue. Schedule fails once a queue is full.
	QueueCapacity int
	Clock         clock.Clock
}

func (o ExecutorOptions) withDefaults() ExecutorOptions {
	if o.Name == "" {
		o.Name = "default"
	}
	if o.Workers <= 0 {
		o.Workers = runtime.NumCPU()
	}
	if o.QueueCapacity <= 0 {
		o.QueueCapacity = 256
	}
	if o.Clock == nil {
		o.Clock = clock.RealClock{}
	}
	return o
}

// Executor runs tasks on a fixed pool of workers. Each worker prefers urgent tasks over
// high over normal. Tasks scheduled for a future time sit in a min-heap until due, then
// join the normal queue.
type Executor struct {
	name  string
	clock clock.Clock

	urgent chan Task
	high   chan Task
	normal chan Task

	mu      sync.Mutex
	delayed delayedQueue
	stopped bool

	wake     chan struct{}
	done     chan struct{}
	dropping atomic.Bool

	workerWG sync.WaitGroup
	timerWG  sync.WaitGroup

	executed [PriorityUrgent + 1]atomic.Uint64
}

// Stats is a point-in-time snapshot of executor activity. Reads are non-blocking.
type Stats struct {
	UrgentExecuted uint64
	HighExecuted   uint64
	NormalExecuted uint64
	UrgentQueued   int
	HighQueued     int
	NormalQueued   int
	DelayedPending int
}

func NewExecutor(opts ExecutorOptions) *Executor {
	opts = opts.withDefaults()
	e := &Executor{
		name:   opts.Name,
		clock:  opts.Clock,
		urgent: make(chan Task, opts.QueueCapacity),
		high:   make(chan Task, opts.QueueCapacity),
		normal: make(chan Task, opts.QueueCapacity),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	e.workerWG.Add(opts.Workers)
	for i := 0; i < opts.Workers; i++ {
		go e.worker()
	}
	e.timerWG.Add(1)
	go e.runTimer()
	return e
}

// Schedule enqueues the task at the given priority. It fails when the executor has been
// stopped or the priority's queue is at capacity, and never blocks.
func (e *Executor) Schedule(task Task, priority Priority) error {
	if task == nil {
		return fmt.Errorf("scheduling nil task on executor %q", e.name)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return fmt.Errorf("executor %q is stopped", e.name)
	}
	q := e.queue(priority)
	select {
	case q <- task:
		queueDepth.WithLabelValues(e.name, priority.String()).Set(float64(len(q)))
		return nil
	default:
		queueRejections.WithLabelValues(e.name, priority.String()).Inc()
		return fmt.Errorf("executor %q queue %s at capacity", e.name, priority)
	}
}

// ScheduleFor holds the task until the given time, then enqueues it at normal priority.
// The returned cancel reports true when it prevented a task that had not yet started.
// Tasks still pending at Stop are discarded.
func (e *Executor) ScheduleFor(task Task, at time.Time) (func() bool, error) {
	if task == nil {
		return nil, fmt.Errorf("scheduling nil task on executor %q", e.name)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return nil, fmt.Errorf("executor %q is stopped", e.name)
	}
	dt := &delayedTask{task: task, at: at}
	heap.Push(&e.delayed, dt)
	delayedDepth.WithLabelValues(e.name).Set(float64(e.delayed.Len()))
	if e.delayed[0] == dt {
		// The new task is now the earliest, nudge the timer to re-arm.
		select {
		case e.wake <- struct{}{}:
		default:
		}
	}
	return func() bool {
		e.mu.Lock()
		defer e.mu.Unlock()
		if dt.claimed {
			return false
		}
		dt.claimed = true
		return true
	}, nil
}

// Stop shuts the executor down. With dropPending false every queued task still executes;
// with dropPending true queued tasks are discarded. The task currently running on each
// worker always completes.
func (e *Executor) Stop(dropPending bool) error {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return fmt.Errorf("executor %q already stopped", e.name)
	}
	e.stopped = true
	e.dropping.Store(dropPending)
	close(e.done)
	e.mu.Unlock()

	e.timerWG.Wait()
	close(e.urgent)
	close(e.high)
	close(e.normal)
	e.workerWG.Wait()
	return nil
}

func (e *Executor) Stats() Stats {
	e.mu.Lock()
	pending := e.delayed.Len()
	e.mu.Unlock()
	return Stats{
		UrgentExecuted: e.executed[PriorityUrgent].Load(),
		HighExecuted:   e.executed[PriorityHigh].Load(),
		NormalExecuted: e.executed[PriorityNormal].Load(),
		UrgentQueued:   len(e.urgent),
		HighQueued:     len(e.high),
		NormalQueued:   len(e.normal),
		DelayedPending: pending,
	}
}

func (e *Executor) queue(priority Priority) chan Task {
	switch priority {
	case PriorityUrgent:
		return e.urgent
	case PriorityHigh:
		return e.high
	default:
		return e.normal
	}
}

func (e *Executor) run(task Task, priority Priority) {
	if e.dropping.Load() {
		return
	}
	task()
	e.executed[priority].Add(1)
	executedTasks.WithLabelValues(e.name, priority.String()).Inc()
	queueDepth.WithLabelValues(e.name, priority.String()).Set(float64(len(e.queue(priority))))
}

func (e *Executor) worker() {
	defer e.workerWG.Done()
	urgent, high, normal := e.urgent, e.high, e.normal
	for urgent != nil || high != nil || normal != nil {
		// Drain higher priorities before listening on all queues.
		select {
		case t, ok := <-urgent:
			if !ok {
				urgent = nil
				continue
			}
			e.run(t, PriorityUrgent)
			continue
		default:
		}
		select {
		case t, ok := <-urgent:
			if !ok {
				urgent = nil
				continue
			}
			e.run(t, PriorityUrgent)
			continue
		case t, ok := <-high:
			if !ok {
				high = nil
				continue
			}
			e.run(t, PriorityHigh)
			continue
		default:
		}
		select {
		case t, ok := <-urgent:
			if !ok {
				urgent = nil
				continue
			}
			e.run(t, PriorityUrgent)
		case t, ok := <-high:
			if !ok {
				high = nil
				continue
			}
			e.run(t, PriorityHigh)
		case t, ok := <-normal:
			if !ok {
				normal = nil
				continue
			}
			e.run(t, PriorityNormal)
		}
	}
}

// runTimer releases due delayed tasks into the normal queue. It sleeps until the earliest
// deadline and is nudged through wake whenever an earlier task arrives.
func (e *Executor) runTimer() {
	defer e.timerWG.Done()
	for {
		e.mu.Lock()
		now := e.clock.Now()
		var due []Task
		for e.delayed.Len() > 0 {
			next := e.delayed[0]
			if next.at.After(now) {
				break
			}
			heap.Pop(&e.delayed)
			if next.claimed {
				continue
			}
			next.claimed = true
			due = append(due, next.task)
		}
		wait := time.Duration(-1)
		if e.delayed.Len() > 0 {
			wait = e.delayed[0].at.Sub(now)
		}
		delayedDepth.WithLabelValues(e.name).Set(float64(e.delayed.Len()))
		e.mu.Unlock()

		for _, t := range due {
			select {
			case e.normal <- t:
			case <-e.done:
				return
			}
		}

		if wait < 0 {
			select {
			case <-e.done:
				return
			case <-e.wake:
			}
			continue
		}
		timer := e.clock.NewTimer(wait)
		select {
		case <-e.done:
			timer.Stop()
			return
		case <-e.wake:
			timer.Stop()
		case <-timer.C():
		}
	}
}

type delayedTask struct {
	task Task
	at   time.Time
	// claimed marks a task that was cancelled or already released, guarded by Executor.mu.
	claimed bool
}

type delayedQueue []*delayedTask

func (q delayedQueue) Len() int           { return len(q) }
func (q delayedQueue) Less(i, j int) bool { return q[i].at.Before(q[j].at) }
func (q delayedQueue) Swap(i, j int)      { q[i], q[j] = q[j], q[i] }
func (q *delayedQueue) Push(x any)        { *q = append(*q, x.(*delayedTask)) }
func (q *delayedQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return item
}
