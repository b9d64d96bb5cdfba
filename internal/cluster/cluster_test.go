package cluster

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestCluster starts a miniredis server and returns a Cluster bound to it.
func newTestCluster(t *testing.T, name string) (*Cluster, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return New(rdb, "inferout", name), mr
}

// TestKeyHelpers verifies hierarchical key and channel naming.
func TestKeyHelpers(t *testing.T) {
	c, _ := newTestCluster(t, "test")

	tests := []struct {
		name string
		got  string
		want string
	}{
		{"single part", c.Key("@cluster_info"), "inferout::@cluster_info"},
		{"nested parts", c.Key("ns1", "{m}", "3"), "inferout::ns1::{m}::3"},
		{"channel", c.ChannelKey("@scheduler"), "inferout::channel::@scheduler"},
		{"no parts", c.Key(), "inferout"},
		{"scheduler channel", c.SchedulerChannel(), "inferout::channel::@scheduler"},
		{"worker channel", c.WorkerChannel("w1"), "inferout::channel::{@worker-w1}"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.got)
		})
	}

	assert.Equal(t, []string{"inferout", "ns1", "{m}"}, SplitKey("inferout::ns1::{m}"))
}

// TestBootstrapWritesIdentityOnce verifies that Bootstrap is idempotent and
// never overwrites an existing identity.
func TestBootstrapWritesIdentityOnce(t *testing.T) {
	ctx := context.Background()
	c, mr := newTestCluster(t, "alpha")

	require.NoError(t, c.Bootstrap(ctx))
	assert.Equal(t, "alpha", mr.HGet("inferout::@cluster_info", "name"))
	assert.Equal(t, BootstrapVersion, mr.HGet("inferout::@cluster_info", "version"))

	// A second bootstrap under a different name leaves the record untouched.
	other := New(c.Client(), "inferout", "beta")
	require.NoError(t, other.Bootstrap(ctx))
	assert.Equal(t, "alpha", mr.HGet("inferout::@cluster_info", "name"))

	// The identity lock is released after bootstrap.
	assert.False(t, mr.Exists("inferout::lock::@cluster_info"))
}

// TestBootstrapLockContention verifies that Bootstrap reports contention
// instead of waiting for the lock.
func TestBootstrapLockContention(t *testing.T) {
	ctx := context.Background()
	c, mr := newTestCluster(t, "alpha")

	held := c.Lock(InfoKey)
	ok, err := held.TryAcquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	err = c.Bootstrap(ctx)
	assert.ErrorIs(t, err, ErrLockNotAcquired)
	assert.False(t, mr.Exists("inferout::@cluster_info"))
}

// TestSync covers the identity verification paths.
func TestSync(t *testing.T) {
	ctx := context.Background()

	t.Run("missing identity", func(t *testing.T) {
		c, _ := newTestCluster(t, "alpha")
		err := c.Sync(ctx)
		assert.ErrorIs(t, err, ErrInvalidCluster)
		assert.Empty(t, c.Version())
	})

	t.Run("name mismatch", func(t *testing.T) {
		c, mr := newTestCluster(t, "alpha")
		mr.HSet("inferout::@cluster_info", "name", "other", "version", "0.0")
		assert.ErrorIs(t, c.Sync(ctx), ErrInvalidCluster)
	})

	t.Run("caches version", func(t *testing.T) {
		c, mr := newTestCluster(t, "alpha")
		mr.HSet("inferout::@cluster_info", "name", "alpha", "version", "1.2")
		require.NoError(t, c.Sync(ctx))
		assert.Equal(t, "1.2", c.Version())
		assert.Equal(t, Identity{Name: "alpha", Version: "1.2"}, c.Identity())
	})
}

// TestLockNonBlocking verifies acquire-or-fail semantics and token-guarded
// release.
func TestLockNonBlocking(t *testing.T) {
	ctx := context.Background()
	c, mr := newTestCluster(t, "alpha")

	first := c.Lock("@scheduler")
	second := c.Lock("@scheduler")
	assert.Equal(t, "inferout::lock::@scheduler", first.Key())

	ok, err := first.TryAcquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, LockLease, mr.TTL(first.Key()))

	start := time.Now()
	ok, err = second.TryAcquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "second holder must fail immediately")
	assert.Less(t, time.Since(start), time.Second)

	// Releasing a handle that never acquired is a no-op.
	require.NoError(t, second.Release(ctx))
	assert.True(t, mr.Exists(first.Key()))

	require.NoError(t, first.Release(ctx))
	assert.False(t, mr.Exists(first.Key()))

	ok, err = second.TryAcquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}

// TestLockLeaseExpiry verifies that an expired holder cannot release the
// lock taken over by someone else.
func TestLockLeaseExpiry(t *testing.T) {
	ctx := context.Background()
	c, mr := newTestCluster(t, "alpha")

	stale := c.Lock("@scheduler")
	ok, err := stale.TryAcquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(LockLease + time.Second)

	fresh := c.Lock("@scheduler")
	ok, err = fresh.TryAcquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, stale.Release(ctx))
	assert.True(t, mr.Exists(fresh.Key()), "stale release must not free the new holder's lock")
}
