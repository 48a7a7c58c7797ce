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

// Package clients pools cloud SDK clients per identity. Clients are cheap to recreate,
// so idle entries age out and every lookup extends the lifetime of the entry it hits.
package clients

import (
	"context"
	"fmt"
	"time"

	"github.com/mitchellh/hashstructure/v2"
	"k8s.io/utils/clock"

	"github.com/cplabs/cpio/pkg/cache/expiring"
)

// Identity names the principal and placement a client is built for. Two identities with
// equal fields always derive the same pool key.
type Identity struct {
	Provider string
	Region   string
	RoleARN  string
	Endpoint string
}

// Key derives the pool key. Hashing is field-name based, so adding fields later changes
// keys only for identities that set them.
func (i Identity) Key() (uint64, error) {
	hash, err := hashstructure.Hash(i, hashstructure.FormatV2, &hashstructure.HashOptions{SlicesAsSets: true})
	if err != nil {
		return 0, fmt.Errorf("hashing identity, %w", err)
	}
	return hash, nil
}

// Factory builds a client for an identity on a pool miss.
type Factory[T any] func(ctx context.Context, identity Identity) (T, error)

type PoolOptions struct {
	// TTL is how long an unused client stays pooled.
	TTL time.Duration
	// TickInterval is how often expired clients are swept out.
	TickInterval time.Duration
	Clock        clock.WithTicker
}

// Pool lazily creates and caches one client per identity. Get pins the entry it returns,
// so a client is never torn down while a caller still holds it.
type Pool[T any] struct {
	factory Factory[T]
	clients *expiring.Map[uint64, T]
}

func NewPool[T any](factory Factory[T], opts PoolOptions) *Pool[T] {
	return &Pool[T]{
		factory: factory,
		clients: expiring.NewMap(expiring.Options[uint64, T]{
			Lifetime:        opts.TTL,
			TickInterval:    opts.TickInterval,
			TouchOnAccess:   true,
			BlockWhileInUse: true,
			Clock:           opts.Clock,
		}),
	}
}

// Get returns the pooled client for the identity, creating one on a miss. The release
// func must be called once the caller's operation completes.
func (p *Pool[T]) Get(ctx context.Context, identity Identity) (T, func(), error) {
	var zero T
	key, err := identity.Key()
	if err != nil {
		return zero, nil, err
	}
	if client, release, ok := p.clients.FindAndPin(key); ok {
		return client, release, nil
	}
	client, err := p.factory(ctx, identity)
	if err != nil {
		return zero, nil, fmt.Errorf("creating client for %s/%s, %w", identity.Provider, identity.Region, err)
	}
	if err := p.clients.Insert(key, client); err != nil {
		// Lost a creation race. The winner's client is already pooled, use it and let
		// ours be collected.
		if pooled, release, ok := p.clients.FindAndPin(key); ok {
			return pooled, release, nil
		}
	}
	if pooled, release, ok := p.clients.FindAndPin(key); ok {
		return pooled, release, nil
	}
	// Inserted entry evicted between Insert and FindAndPin. TTLs are minutes, not
	// nanoseconds, so this only happens when the pool is being stopped.
	return client, func() {}, nil
}

func (p *Pool[T]) Len() int {
	return p.clients.Len()
}

func (p *Pool[T]) Stop() {
	p.clients.Stop()
}
