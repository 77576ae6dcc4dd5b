package cluster_test

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vespiary/hive/cluster"
	"github.com/vespiary/hive/identity/inmem"
	"github.com/vespiary/hive/identity/partition"
	"github.com/vespiary/hive/remote"
)

// localProvider only reports the local member; tests wire cross-member
// sightings by hand so churn is fully scripted.
type localProvider struct{}

func (localProvider) StartMember(c *cluster.Cluster) error {
	c.MemberList().SeenAlive(c.Member())
	return nil
}

func (localProvider) StartClient(c *cluster.Cluster) error {
	member := c.Member()
	member.Kinds = nil
	c.MemberList().SeenAlive(member)
	return nil
}

func (localProvider) Shutdown(bool) error { return nil }

type (
	testInc struct{}
	testGet struct{}
	// testCount is the counter grain's reply.
	testCount struct {
		Value int `json:"value"`
	}
)

type counterGrain struct {
	value int
}

func (g *counterGrain) Receive(ctx *cluster.GrainContext) {
	switch ctx.Message().(type) {
	case *testInc:
		g.value++
		ctx.Respond(&testCount{Value: g.value})
	case *testGet:
		ctx.Respond(&testCount{Value: g.value})
	}
}

func init() {
	remote.RegisterType(&testInc{})
	remote.RegisterType(&testGet{})
	remote.RegisterType(&testCount{})
}

func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}

func startMember(t *testing.T, store cluster.IdentityStore, id string) *cluster.Cluster {
	t.Helper()
	addr := freeAddr(t)
	c, err := cluster.New(cluster.NewConfig().
		WithID(id).
		WithListenAddr(addr).
		WithTransport(remote.New(addr, remote.NewConfig())).
		WithProvider(localProvider{}).
		WithIdentityLookup(partition.New(store, partition.NewConfig())).
		WithKinds(cluster.NewKind("counter", func() cluster.Grain { return &counterGrain{} })).
		WithRegisterer(prometheus.NewRegistry()).
		WithMemberHealthTimeout(time.Minute))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
	defer cancel()
	require.NoError(t, c.Start(ctx))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
		defer cancel()
		_ = c.Shutdown(ctx, true)
	})
	return c
}

// join makes every member see every other, the way a shared provider
// back-end would.
func join(members ...*cluster.Cluster) {
	for _, c := range members {
		for _, other := range members {
			if other != c {
				c.MemberList().SeenAlive(other.Member())
			}
		}
	}
}

func TestHappyActivation(t *testing.T) {
	store := inmem.New()
	a := startMember(t, store, "member-a")
	b := startMember(t, store, "member-b")
	join(a, b)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
	defer cancel()

	identity := cluster.NewClusterIdentity("counter", "x")
	pidA, err := a.Get(ctx, identity)
	require.NoError(t, err)
	pidB, err := b.Get(ctx, identity)
	require.NoError(t, err)

	assert.True(t, pidA.Equals(pidB), "both members must resolve the same location")
	assert.Contains(t, []string{a.Address(), b.Address()}, pidA.Address)
	assert.Equal(t, 1, store.Len(), "the store must hold exactly one reservation")
}

func TestRequestRoundTrip(t *testing.T) {
	store := inmem.New()
	a := startMember(t, store, "member-a")
	b := startMember(t, store, "member-b")
	join(a, b)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
	defer cancel()

	identity := cluster.NewClusterIdentity("counter", "hits")
	for want := 1; want <= 3; want++ {
		resp, err := a.Request(ctx, identity, &testInc{})
		require.NoError(t, err)
		count, ok := resp.(*testCount)
		require.True(t, ok)
		assert.Equal(t, want, count.Value)
	}

	// The other member talks to the very same activation.
	resp, err := b.Request(ctx, identity, &testInc{})
	require.NoError(t, err)
	count, ok := resp.(*testCount)
	require.True(t, ok)
	assert.Equal(t, 4, count.Value)
}

func TestConcurrentColdActivationCollapses(t *testing.T) {
	store := inmem.New()
	a := startMember(t, store, "member-a")
	b := startMember(t, store, "member-b")
	join(a, b)

	identity := cluster.NewClusterIdentity("counter", "cold")
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		pids []*cluster.PID
	)
	for i := 0; i < 100; i++ {
		caller := a
		if i%2 == 1 {
			caller = b
		}
		wg.Add(1)
		go func(c *cluster.Cluster) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
			defer cancel()
			pid, err := c.Get(ctx, identity)
			if err != nil {
				return
			}
			mu.Lock()
			pids = append(pids, pid)
			mu.Unlock()
		}(caller)
	}
	wg.Wait()

	require.Len(t, pids, 100)
	for _, pid := range pids {
		assert.True(t, pids[0].Equals(pid), "every caller must observe the same location")
	}
	assert.Equal(t, 1, store.Len())
}

func TestMemberDepartureEvictsCacheAndReplaces(t *testing.T) {
	store := inmem.New()
	a := startMember(t, store, "member-a")
	b := startMember(t, store, "member-b")
	join(a, b)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
	defer cancel()

	// Probe identities until one lands on b, so the departure below
	// actually moves something.
	var identity cluster.ClusterIdentity
	found := false
	for i := 0; i < 64; i++ {
		candidate := cluster.NewClusterIdentity("counter", string(rune('a'+i%26))+string(rune('0'+i/26)))
		pid, err := a.Get(ctx, candidate)
		require.NoError(t, err)
		if pid.Address == b.Address() {
			identity = candidate
			found = true
			break
		}
	}
	require.True(t, found, "no identity hashed onto member-b")

	_, ok := a.PidCache().TryGet(identity)
	require.True(t, ok)

	// b leaves gracefully: reservations released, then a observes the
	// departure.
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), time.Second*5)
	require.NoError(t, b.Shutdown(shutdownCtx, true))
	cancelShutdown()
	a.MemberList().SeenDead("member-b")

	_, ok = a.PidCache().TryGet(identity)
	assert.False(t, ok, "topology change must evict entries owned by the departed member")

	pid, err := a.Get(ctx, identity)
	require.NoError(t, err)
	assert.Equal(t, a.Address(), pid.Address, "the survivor must own the re-placed identity")
	owners := store.Owners()
	assert.Equal(t, a.Address(), owners[identity])
}

func TestGracefulShutdownReleasesReservations(t *testing.T) {
	store := inmem.New()
	a := startMember(t, store, "solo")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
	defer cancel()
	for _, id := range []string{"x", "y", "z"} {
		_, err := a.Request(ctx, cluster.NewClusterIdentity("counter", id), &testInc{})
		require.NoError(t, err)
	}
	require.Equal(t, 3, store.Len())

	require.NoError(t, a.Shutdown(ctx, true))
	assert.Equal(t, 0, store.Len(), "no reservation may survive a graceful shutdown")

	_, err := a.Request(ctx, cluster.NewClusterIdentity("counter", "x"), &testInc{})
	assert.True(t, errors.Is(err, cluster.ErrShutdown))
}

func TestUngracefulShutdownKeepsReservations(t *testing.T) {
	store := inmem.New()
	a := startMember(t, store, "solo")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
	defer cancel()
	_, err := a.Request(ctx, cluster.NewClusterIdentity("counter", "x"), &testInc{})
	require.NoError(t, err)
	require.Equal(t, 1, store.Len())

	require.NoError(t, a.Shutdown(ctx, false))
	// The abrupt path trusts the store TTL to reap the entry.
	assert.Equal(t, 1, store.Len())
}

func TestUnknownKindFailsFast(t *testing.T) {
	store := inmem.New()
	a := startMember(t, store, "solo")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second*2)
	defer cancel()
	_, err := a.Get(ctx, cluster.NewClusterIdentity("ghost", "x"))
	assert.True(t, errors.Is(err, cluster.ErrUnknownKind))
}

func TestCacheHitAfterWarmup(t *testing.T) {
	store := inmem.New()
	a := startMember(t, store, "solo")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
	defer cancel()
	identity := cluster.NewClusterIdentity("counter", "warm")
	first, err := a.Get(ctx, identity)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		pid, err := a.Get(ctx, identity)
		require.NoError(t, err)
		assert.True(t, first.Equals(pid))
	}
}

func TestTopicPubSub(t *testing.T) {
	store := inmem.New()
	a := startMember(t, store, "solo")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
	defer cancel()

	identity := cluster.NewClusterIdentity("counter", "subscriber")
	_, err := a.Request(ctx, identity, &testInc{})
	require.NoError(t, err)
	pid, err := a.Get(ctx, identity)
	require.NoError(t, err)

	require.NoError(t, a.SubscribeTopic(ctx, "news", pid))
	require.NoError(t, a.Publish(ctx, "news", &testInc{}))

	// The publish fans out asynchronously.
	require.Eventually(t, func() bool {
		resp, err := a.Request(ctx, identity, &testGet{})
		if err != nil {
			return false
		}
		count, ok := resp.(*testCount)
		return ok && count.Value == 2
	}, time.Second*3, time.Millisecond*50)
}

func TestGossipStateSpreadsBetweenMembers(t *testing.T) {
	store := inmem.New()
	a := startMember(t, store, "member-a")
	b := startMember(t, store, "member-b")
	join(a, b)

	require.NoError(t, a.Gossiper().SetState("heartbeat", []byte("v1")))

	require.Eventually(t, func() bool {
		value, ok := b.Gossiper().GetState("member-a", "heartbeat")
		return ok && string(value) == "v1"
	}, time.Second*5, time.Millisecond*50)
}

func TestMissingBackEndsAreConfigurationErrors(t *testing.T) {
	_, err := cluster.New(cluster.NewConfig())
	assert.Error(t, err)

	_, err = cluster.New(cluster.NewConfig().
		WithTransport(remote.New("127.0.0.1:0", remote.NewConfig())))
	assert.Error(t, err)
}
