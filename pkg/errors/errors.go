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

package errors

import (
	"errors"
	"fmt"

	"github.com/aws/smithy-go"
	"github.com/samber/lo"
)

// Code identifies a failure class that callers branch on. Codes are stable across
// wrapping and async hops.
type Code string

const (
	CodeCurrentInstanceTerminating   Code = "current-instance-terminating"
	CodeOrphanedJobFound             Code = "orphaned-job-found"
	CodeJobAlreadyCompleted          Code = "job-already-completed"
	CodeJobBeingProcessed            Code = "job-being-processed"
	CodeRetriesExhausted             Code = "retries-exhausted"
	CodeMissingJobID                 Code = "missing-job-id"
	CodeInvalidJobStatus             Code = "invalid-job-status"
	CodeInvalidDurationBeforeRelease Code = "invalid-duration-before-release"
	CodeMissingReceiptInfo           Code = "missing-receipt-info"
	CodeStreamSessionCancelled       Code = "stream-session-cancelled"
	CodeStreamSessionExpired         Code = "stream-session-expired"
	CodeBadSessionToken              Code = "bad-session-token"
	CodeNotFound                     Code = "not-found"
	CodeUpdationConflict             Code = "updation-conflict"
	CodeCancelled                    Code = "cancelled"
)

// This is not an exhaustive list, add to it as needed
var throttlingErrorCodes = []string{
	"Throttling",
	"ThrottlingException",
	"RequestLimitExceeded",
	"RequestThrottled",
	"TooManyRequestsException",
	"ProvisionedThroughputExceededException",
}

// CodedError attaches a Code and a retry classification to an underlying error.
type CodedError struct {
	Code      Code
	Retriable bool
	err       error
}

func NewCoded(code Code, retriable bool, format string, a ...any) *CodedError {
	return &CodedError{Code: code, Retriable: retriable, err: fmt.Errorf(format, a...)}
}

func WrapCoded(code Code, retriable bool, err error) *CodedError {
	return &CodedError{Code: code, Retriable: retriable, err: err}
}

func (e *CodedError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.err)
}

func (e *CodedError) Unwrap() error {
	return e.err
}

// CodeOf returns the Code carried by err, or empty when err carries none.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Code
	}
	return ""
}

func IsCode(err error, code Code) bool {
	return CodeOf(err) == code
}

// IsRetriable reports whether err is worth retrying. Coded errors carry their own
// classification. Service errors retry on server faults and throttling, and transport
// timeouts retry. Everything else is fatal so malformed requests never loop.
func IsRetriable(err error) bool {
	if err == nil {
		return false
	}
	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Retriable
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		if lo.Contains(throttlingErrorCodes, apiErr.ErrorCode()) {
			return true
		}
		return apiErr.ErrorFault() == smithy.FaultServer
	}
	var timeout interface{ Timeout() bool }
	if errors.As(err, &timeout) {
		return timeout.Timeout()
	}
	return false
}

// IsNotFound returns true if the err means the requested entity does not exist
// (as opposed to a more serious or unexpected error)
func IsNotFound(err error) bool {
	return IsCode(err, CodeNotFound)
}

// IsConflict returns true if the err means a compare-and-set lost the race.
func IsConflict(err error) bool {
	return IsCode(err, CodeUpdationConflict)
}
