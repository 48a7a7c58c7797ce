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

package fake

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"k8s.io/utils/clock"

	"github.com/cplabs/cpio/pkg/errors"
	"github.com/cplabs/cpio/pkg/providers/job"
)

// StatusUpdate captures one UpdateJobStatus call.
type StatusUpdate struct {
	JobID    string
	Status   job.Status
	Receipt  string
	Expected time.Time
}

// VisibilityUpdate captures one UpdateJobVisibilityTimeout call.
type VisibilityUpdate struct {
	JobID    string
	Duration time.Duration
	Receipt  string
}

// JobProvider is a stateful in-memory job.Provider. It keeps the conditional-update and
// stamping semantics of the real provider so lifecycle flows behave end to end: status
// updates compare updated times, transitions to processing stamp the processing start,
// retry counts bump on created and processing, and terminal updates drop the message.
type JobProvider struct {
	GetNextJobError       AtomicError
	GetJobByIDError       AtomicError
	UpdateJobStatusError  AtomicError
	UpdateVisibilityError AtomicError
	DeleteMessageError    AtomicError

	mu                sync.Mutex
	clk               clock.Clock
	rows              map[string]job.Job
	queue             []queuedMessage
	sequence          []string
	statusUpdates     []StatusUpdate
	visibilityUpdates []VisibilityUpdate
	deletedMessages   []string
}

type queuedMessage struct {
	id      string
	receipt string
}

func NewJobProvider(clk clock.Clock) *JobProvider {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &JobProvider{clk: clk, rows: map[string]job.Job{}}
}

// StoreRow seeds or overwrites the table row for a job.
func (p *JobProvider) StoreRow(j job.Job) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rows[j.ID] = j
}

// EnqueueMessage makes the queue yield the given job id next. A message without a stored
// row surfaces as an orphaned job, like the real provider.
func (p *JobProvider) EnqueueMessage(id string, receipt string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.queue = append(p.queue, queuedMessage{id: id, receipt: receipt})
}

func (p *JobProvider) GetNextJob(_ context.Context) (job.Message, error) {
	if err := p.GetNextJobError.Get(); err != nil {
		return job.Message{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sequence = append(p.sequence, "GetNextJob")
	if len(p.queue) == 0 {
		return job.Message{}, errors.NewCoded(errors.CodeNotFound, false, "queue has no visible messages")
	}
	next := p.queue[0]
	p.queue = p.queue[1:]
	row, ok := p.rows[next.id]
	if !ok {
		return job.Message{Job: job.Job{ID: next.id, Status: job.StatusUnknown}, Receipt: next.receipt}, nil
	}
	return job.Message{Job: row, Receipt: next.receipt}, nil
}

func (p *JobProvider) GetJobByID(_ context.Context, id string) (job.Job, error) {
	if err := p.GetJobByIDError.Get(); err != nil {
		return job.Job{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sequence = append(p.sequence, fmt.Sprintf("GetJobByID(%s)", id))
	row, ok := p.rows[id]
	if !ok {
		return job.Job{ID: id, Status: job.StatusUnknown}, errors.NewCoded(errors.CodeNotFound, false, "job %s has no row", id)
	}
	return row, nil
}

func (p *JobProvider) UpdateJobStatus(_ context.Context, id string, status job.Status, receipt string, expected time.Time) (time.Time, error) {
	if err := p.UpdateJobStatusError.Get(); err != nil {
		return time.Time{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sequence = append(p.sequence, fmt.Sprintf("UpdateJobStatus(%s,%s)", id, status))
	p.statusUpdates = append(p.statusUpdates, StatusUpdate{JobID: id, Status: status, Receipt: receipt, Expected: expected})
	row := p.rows[id]
	if !expected.Equal(row.UpdatedTime) {
		return time.Time{}, errors.WrapCoded(errors.CodeUpdationConflict, false, fmt.Errorf("job %s changed underneath the update", id))
	}
	now := p.clk.Now().UTC()
	row.ID = id
	row.Status = status
	row.UpdatedTime = now
	switch status {
	case job.StatusProcessing:
		row.ProcessingStartedTime = now
		row.RetryCount++
	case job.StatusCreated:
		row.RetryCount++
	}
	p.rows[id] = row
	if status.Terminal() && receipt != "" {
		p.deletedMessages = append(p.deletedMessages, id)
	}
	return now, nil
}

func (p *JobProvider) UpdateJobVisibilityTimeout(_ context.Context, id string, d time.Duration, receipt string) error {
	if err := p.UpdateVisibilityError.Get(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sequence = append(p.sequence, fmt.Sprintf("UpdateJobVisibilityTimeout(%s)", id))
	p.visibilityUpdates = append(p.visibilityUpdates, VisibilityUpdate{JobID: id, Duration: d, Receipt: receipt})
	return nil
}

func (p *JobProvider) DeleteOrphanedJobMessage(_ context.Context, id string, receipt string) error {
	if err := p.DeleteMessageError.Get(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sequence = append(p.sequence, fmt.Sprintf("DeleteOrphanedJobMessage(%s)", id))
	p.deletedMessages = append(p.deletedMessages, id)
	return nil
}

// Row returns the current table row for the job id, zero valued when absent.
func (p *JobProvider) Row(id string) job.Job {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rows[id]
}

// Sequence returns the operations invoked so far, in order.
func (p *JobProvider) Sequence() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.sequence...)
}

// Calls counts invocations of the named operation, ignoring arguments.
func (p *JobProvider) Calls(op string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	var n int
	for _, s := range p.sequence {
		if s == op || strings.HasPrefix(s, op+"(") {
			n++
		}
	}
	return n
}

func (p *JobProvider) StatusUpdates() []StatusUpdate {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]StatusUpdate(nil), p.statusUpdates...)
}

func (p *JobProvider) VisibilityUpdates() []VisibilityUpdate {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]VisibilityUpdate(nil), p.visibilityUpdates...)
}

func (p *JobProvider) DeletedMessages() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.deletedMessages...)
}

// Reset must be called between tests otherwise tests will pollute
// each other.
func (p *JobProvider) Reset() {
	p.GetNextJobError.Reset()
	p.GetJobByIDError.Reset()
	p.UpdateJobStatusError.Reset()
	p.UpdateVisibilityError.Reset()
	p.DeleteMessageError.Reset()
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rows = map[string]job.Job{}
	p.queue = nil
	p.sequence = nil
	p.statusUpdates = nil
	p.visibilityUpdates = nil
	p.deletedMessages = nil
}
