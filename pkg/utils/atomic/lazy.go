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

package atomic

import (
	"context"
	"sync"
)

type Option func(Options) Options

type Options struct {
	ignoreCache bool
}

func IgnoreCacheOption(o Options) Options {
	o.ignoreCache = true
	return o
}

// Lazy persistently stores a value in memory, resolving it on first use
type Lazy[T any] struct {
	value   *T
	mu      sync.RWMutex
	Resolve func(context.Context) (T, error)
}

func (l *Lazy[T]) Set(v T) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.value = &v
}

// TryGet attempts to get a non-nil value from the internal value. If the value is nil, the function
// will attempt to resolve the value by calling Resolve, setting the stored value in-place if found.
func (l *Lazy[T]) TryGet(ctx context.Context, opts ...Option) (T, error) {
	o := resolveOptions(opts)
	l.mu.RLock()
	if l.value != nil && !o.ignoreCache {
		ret := *l.value
		l.mu.RUnlock()
		return ret, nil
	}
	l.mu.RUnlock()
	l.mu.Lock()
	defer l.mu.Unlock()
	// We have to check if the value is set again here in case multiple threads make it past the read-locked section
	if l.value != nil && !o.ignoreCache {
		return *l.value, nil
	}
	if l.Resolve == nil {
		return *new(T), nil
	}
	ret, err := l.Resolve(ctx)
	if err != nil {
		return *new(T), err
	}
	v := ret // copies the value so we don't keep the reference
	l.value = &v
	return ret, nil
}

func resolveOptions(opts []Option) Options {
	o := Options{}
	for _, opt := range opts {
		if opt != nil {
			o = opt(o)
		}
	}
	return o
}
