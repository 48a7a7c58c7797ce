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
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// Context carries a single asynchronous operation: its request, its eventual response or
// error, and the callback fired when the operation resolves. A Context resolves exactly
// once; later Finish or FinishWith calls are ignored. The callback runs on the resolving
// goroutine.
type Context[Req, Resp any] struct {
	Request Req

	// ParentActivityID and ActivityID correlate log lines across the operations a request
	// fans out into. Children carry their parent's ActivityID as ParentActivityID.
	ParentActivityID string
	ActivityID       string

	callback  func(*Context[Req, Resp])
	mu        sync.Mutex
	finished  bool
	response  Resp
	err       error
	cancelled atomic.Bool
}

// NewContext returns an unresolved Context for the request. The callback may be nil when
// the caller polls Done instead.
func NewContext[Req, Resp any](req Req, callback func(*Context[Req, Resp])) *Context[Req, Resp] {
	return &Context[Req, Resp]{
		Request:    req,
		ActivityID: uuid.NewString(),
		callback:   callback,
	}
}

// NewChildContext returns a Context correlated under the parent's activity.
func NewChildContext[Req, Resp, PReq, PResp any](parent *Context[PReq, PResp], req Req, callback func(*Context[Req, Resp])) *Context[Req, Resp] {
	c := NewContext(req, callback)
	c.ParentActivityID = parent.ActivityID
	return c
}

// Finish resolves the context with an error and fires the callback. Resolving twice is a
// bug in the producer; the duplicate is dropped and counted.
func (c *Context[Req, Resp]) Finish(err error) {
	c.mu.Lock()
	if c.finished {
		c.mu.Unlock()
		duplicateResolves.Inc()
		return
	}
	c.finished = true
	c.err = err
	c.mu.Unlock()
	if c.callback != nil {
		c.callback(c)
	}
}

// FinishWith resolves the context successfully with a response and fires the callback.
func (c *Context[Req, Resp]) FinishWith(resp Resp) {
	c.mu.Lock()
	if c.finished {
		c.mu.Unlock()
		duplicateResolves.Inc()
		return
	}
	c.finished = true
	c.response = resp
	c.mu.Unlock()
	if c.callback != nil {
		c.callback(c)
	}
}

// Response returns the resolved response and error. Only meaningful once the context has
// resolved, i.e. from the callback or after Done reports true.
func (c *Context[Req, Resp]) Response() (Resp, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.response, c.err
}

func (c *Context[Req, Resp]) Done() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.finished
}

// Cancel requests that the producer abandon the operation. Producers poll Cancelled
// between steps and resolve with a cancelled error when set.
func (c *Context[Req, Resp]) Cancel() {
	c.cancelled.Store(true)
}

func (c *Context[Req, Resp]) Cancelled() bool {
	return c.cancelled.Load()
}
