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

package clients_test

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	clock "k8s.io/utils/clock/testing"

	"github.com/cplabs/cpio/pkg/clients"
)

func TestClients(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Clients")
}

type testClient struct {
	id int64
}

var (
	ctx          context.Context
	fakeClock    *clock.FakeClock
	pool         *clients.Pool[*testClient]
	factoryCalls atomic.Int64
	factoryErr   atomic.Bool
)

var _ = BeforeEach(func() {
	ctx = context.Background()
	fakeClock = clock.NewFakeClock(time.Now())
	factoryCalls.Store(0)
	factoryErr.Store(false)
	pool = clients.NewPool(func(_ context.Context, _ clients.Identity) (*testClient, error) {
		if factoryErr.Load() {
			return nil, fmt.Errorf("building test client")
		}
		return &testClient{id: factoryCalls.Add(1)}, nil
	}, clients.PoolOptions{TTL: time.Minute, TickInterval: 10 * time.Second, Clock: fakeClock})
})

var _ = AfterEach(func() {
	pool.Stop()
})

var _ = Describe("Client Pool", func() {
	identity := clients.Identity{Provider: "aws", Region: "us-west-2"}

	It("should derive equal keys for equal identities", func() {
		left, err := clients.Identity{Provider: "aws", Region: "us-west-2", RoleARN: "arn:aws:iam::123456789012:role/worker"}.Key()
		Expect(err).ToNot(HaveOccurred())
		right, err := clients.Identity{Provider: "aws", Region: "us-west-2", RoleARN: "arn:aws:iam::123456789012:role/worker"}.Key()
		Expect(err).ToNot(HaveOccurred())
		Expect(left).To(Equal(right))

		other, err := clients.Identity{Provider: "aws", Region: "us-east-1", RoleARN: "arn:aws:iam::123456789012:role/worker"}.Key()
		Expect(err).ToNot(HaveOccurred())
		Expect(other).ToNot(Equal(left))
	})
	It("should reuse the pooled client for the same identity", func() {
		first, release, err := pool.Get(ctx, identity)
		Expect(err).ToNot(HaveOccurred())
		release()

		second, release, err := pool.Get(ctx, identity)
		Expect(err).ToNot(HaveOccurred())
		release()

		Expect(second).To(BeIdenticalTo(first))
		Expect(factoryCalls.Load()).To(Equal(int64(1)))
	})
	It("should build one client per identity", func() {
		first, release, err := pool.Get(ctx, identity)
		Expect(err).ToNot(HaveOccurred())
		release()

		second, release, err := pool.Get(ctx, clients.Identity{Provider: "aws", Region: "eu-west-1"})
		Expect(err).ToNot(HaveOccurred())
		release()

		Expect(second).ToNot(BeIdenticalTo(first))
		Expect(factoryCalls.Load()).To(Equal(int64(2)))
		Expect(pool.Len()).To(Equal(2))
	})
	It("should recreate a client after its TTL passes", func() {
		_, release, err := pool.Get(ctx, identity)
		Expect(err).ToNot(HaveOccurred())
		release()
		Expect(pool.Len()).To(Equal(1))

		fakeClock.Step(90 * time.Second)
		Eventually(pool.Len).Should(Equal(0))

		_, release, err = pool.Get(ctx, identity)
		Expect(err).ToNot(HaveOccurred())
		release()
		Expect(factoryCalls.Load()).To(Equal(int64(2)))
	})
	It("should not tear down a client while it is held", func() {
		_, release, err := pool.Get(ctx, identity)
		Expect(err).ToNot(HaveOccurred())

		fakeClock.Step(90 * time.Second)
		Consistently(pool.Len).Should(Equal(1))

		release()
		fakeClock.Step(90 * time.Second)
		Eventually(pool.Len).Should(Equal(0))
	})
	It("should propagate factory failures without pooling", func() {
		factoryErr.Store(true)
		_, _, err := pool.Get(ctx, identity)
		Expect(err).To(HaveOccurred())
		Expect(pool.Len()).To(Equal(0))

		factoryErr.Store(false)
		_, release, err := pool.Get(ctx, identity)
		Expect(err).ToNot(HaveOccurred())
		release()
	})
})
