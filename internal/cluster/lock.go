package cluster

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// LockLease is how long a lock is held before Redis expires it.
const LockLease = 10 * time.Second

// releaseScript deletes the lock only while it still carries our token.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// Lock is a named lease lock with non-blocking acquisition. Acquisition
// either succeeds immediately or fails immediately; it never queues.
//
// A Lock value is single-use per acquisition: TryAcquire, then Release.
type Lock struct {
	client redis.UniversalClient
	key    string
	lease  time.Duration
	token  string
	mu     sync.Mutex
}

// Lock returns a handle for the lock named by parts, stored under
// prefix::lock::parts. The lease is LockLease.
func (c *Cluster) Lock(parts ...string) *Lock {
	return &Lock{
		client: c.client,
		key:    c.Key(append([]string{"lock"}, parts...)...),
		lease:  LockLease,
	}
}

// Key returns the Redis key backing the lock.
func (l *Lock) Key() string { return l.key }

// TryAcquire makes a single attempt to take the lock.
//
// Returns:
//   - true, nil when the lock is now held by this handle
//   - false, nil when another holder owns it (contention, try again later)
//   - false, err on store failure
func (l *Lock) TryAcquire(ctx context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.key, token, l.lease).Result()
	if err != nil {
		return false, fmt.Errorf("cluster: acquire lock %s: %w", l.key, err)
	}
	if !ok {
		return false, nil
	}
	l.token = token
	return true, nil
}

// Release frees the lock if this handle still owns it. Releasing a lock
// that was never acquired, or whose lease already expired, is a no-op.
func (l *Lock) Release(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.token == "" {
		return nil
	}
	token := l.token
	l.token = ""
	if err := releaseScript.Run(ctx, l.client, []string{l.key}, token).Err(); err != nil {
		return fmt.Errorf("cluster: release lock %s: %w", l.key, err)
	}
	return nil
}
