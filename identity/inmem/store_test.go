package inmem

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vespiary/hive/cluster"
)

var identity = cluster.NewClusterIdentity("counter", "x")

func TestTryAcquireIsExclusive(t *testing.T) {
	store := New()
	ctx := context.Background()

	res, err := store.TryAcquire(ctx, identity, "member-a", time.Minute)
	require.NoError(t, err)
	assert.True(t, res.Acquired)

	res, err = store.TryAcquire(ctx, identity, "member-b", time.Minute)
	require.NoError(t, err)
	assert.False(t, res.Acquired)
	assert.Equal(t, "member-a", res.HeldBy)
}

func TestTryAcquireLinearizesConcurrentCallers(t *testing.T) {
	store := New()
	ctx := context.Background()

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		acquired []string
	)
	for i := 0; i < 100; i++ {
		owner := string(rune('a' + i%26))
		wg.Add(1)
		go func(owner string) {
			defer wg.Done()
			res, err := store.TryAcquire(ctx, identity, owner, time.Minute)
			require.NoError(t, err)
			if res.Acquired {
				mu.Lock()
				acquired = append(acquired, owner)
				mu.Unlock()
			}
		}(owner)
	}
	wg.Wait()

	// Several goroutines may share the winning owner string; every
	// winner must agree on it.
	require.NotEmpty(t, acquired)
	winner, _, _ := store.Lookup(ctx, identity)
	for _, owner := range acquired {
		assert.Equal(t, winner, owner)
	}
}

func TestExpiredReservationIsReacquirable(t *testing.T) {
	store := New()
	ctx := context.Background()

	res, err := store.TryAcquire(ctx, identity, "member-a", time.Millisecond*10)
	require.NoError(t, err)
	require.True(t, res.Acquired)

	time.Sleep(time.Millisecond * 20)

	_, ok, err := store.Lookup(ctx, identity)
	require.NoError(t, err)
	assert.False(t, ok, "expired reservation must not resolve")

	res, err = store.TryAcquire(ctx, identity, "member-b", time.Minute)
	require.NoError(t, err)
	assert.True(t, res.Acquired)
}

func TestRefreshExtendsOnlyOwn(t *testing.T) {
	store := New()
	ctx := context.Background()

	_, err := store.TryAcquire(ctx, identity, "member-a", time.Minute)
	require.NoError(t, err)

	assert.NoError(t, store.Refresh(ctx, identity, "member-a", time.Minute))
	assert.ErrorIs(t, store.Refresh(ctx, identity, "member-b", time.Minute), ErrNotHeld)
}

func TestReleaseByOwnerOnly(t *testing.T) {
	store := New()
	ctx := context.Background()

	_, err := store.TryAcquire(ctx, identity, "member-a", time.Minute)
	require.NoError(t, err)

	require.NoError(t, store.Release(ctx, identity, "member-b"))
	owner, ok, err := store.Lookup(ctx, identity)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "member-a", owner)

	require.NoError(t, store.Release(ctx, identity, "member-a"))
	_, ok, err = store.Lookup(ctx, identity)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 0, store.Len())
}

func TestCancelledContextShortCircuits(t *testing.T) {
	store := New()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := store.TryAcquire(ctx, identity, "member-a", time.Minute)
	assert.ErrorIs(t, err, context.Canceled)
	// A cancelled acquire must leave no reservation behind.
	assert.Equal(t, 0, store.Len())
}
