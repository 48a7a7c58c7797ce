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
	"sync"
)

// TerminationCheck captures one TryFinishInstanceTermination call.
type TerminationCheck struct {
	ResourceName string
	HookName     string
}

// ScalingProvider is an in-memory scaling.Provider.
type ScalingProvider struct {
	Error AtomicError

	mu          sync.Mutex
	terminating bool
	checks      []TerminationCheck
}

// SetTerminating controls what future termination checks report.
func (p *ScalingProvider) SetTerminating(v bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.terminating = v
}

func (p *ScalingProvider) TryFinishInstanceTermination(_ context.Context, resourceName string, hookName string) (bool, error) {
	if err := p.Error.Get(); err != nil {
		return false, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.checks = append(p.checks, TerminationCheck{ResourceName: resourceName, HookName: hookName})
	return p.terminating, nil
}

func (p *ScalingProvider) Checks() []TerminationCheck {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]TerminationCheck(nil), p.checks...)
}

// Reset must be called between tests otherwise tests will pollute
// each other.
func (p *ScalingProvider) Reset() {
	p.Error.Reset()
	p.mu.Lock()
	defer p.mu.Unlock()
	p.terminating = false
	p.checks = nil
}
