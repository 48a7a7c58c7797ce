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

package job

import (
	"time"
)

// Status is the job row's lifecycle state. The server enqueues rows as created; workers
// move them through processing into success or failure.
type Status string

const (
	StatusUnknown    Status = "unknown"
	StatusCreated    Status = "created"
	StatusProcessing Status = "processing"
	StatusSuccess    Status = "success"
	StatusFailure    Status = "failure"
)

// Terminal reports whether the status ends the job's lifecycle.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailure
}

// Job is the database row a queue message points at.
type Job struct {
	ID                    string
	ServerJobID           string
	Status                Status
	Body                  string
	CreatedTime           time.Time
	ProcessingStartedTime time.Time
	UpdatedTime           time.Time
	RetryCount            int
}

// Orphaned reports whether the row behind a queue message was never written: the read
// came back empty, so the status is unknown and the created time is the epoch default.
func (j Job) Orphaned() bool {
	return j.Status == StatusUnknown && j.CreatedTime.IsZero()
}

// Message pairs a claimed job with the queue receipt that proves the claim.
type Message struct {
	Job     Job
	Receipt string
}

// record is the job's wire shape in the table. Times are epoch milliseconds so the
// updated_time condition check compares numbers, not formatted strings.
type record struct {
	JobID                 string `dynamodbav:"job_id"`
	ServerJobID           string `dynamodbav:"server_job_id"`
	Status                string `dynamodbav:"job_status"`
	Body                  string `dynamodbav:"job_body"`
	CreatedTime           int64  `dynamodbav:"created_time"`
	ProcessingStartedTime int64  `dynamodbav:"processing_started_time"`
	UpdatedTime           int64  `dynamodbav:"updated_time"`
	RetryCount            int    `dynamodbav:"retry_count"`
}

func (r record) toJob(id string) Job {
	status := StatusUnknown
	if r.Status != "" {
		status = Status(r.Status)
	}
	if r.JobID != "" {
		id = r.JobID
	}
	return Job{
		ID:                    id,
		ServerJobID:           r.ServerJobID,
		Status:                status,
		Body:                  r.Body,
		CreatedTime:           epochMillisToTime(r.CreatedTime),
		ProcessingStartedTime: epochMillisToTime(r.ProcessingStartedTime),
		UpdatedTime:           epochMillisToTime(r.UpdatedTime),
		RetryCount:            r.RetryCount,
	}
}

// epochMillisToTime maps the table's zero default to Go's zero time so absent timestamps
// stay IsZero instead of becoming 1970-01-01.
func epochMillisToTime(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
