// Package cluster provides the coordination primitives every inferout
// component builds on. See doc.go for complete package documentation.
package cluster

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
)

// BootstrapVersion is the identity version written by Bootstrap.
const BootstrapVersion = "0.0"

// InfoKey names the hash holding the cluster identity.
const InfoKey = "@cluster_info"

// KeySeparator joins hierarchical key segments.
const KeySeparator = "::"

var (
	// ErrInvalidCluster is returned by Sync when the identity record is
	// missing or belongs to a differently named cluster.
	ErrInvalidCluster = errors.New("invalid cluster")

	// ErrLockNotAcquired signals lock contention. It is not a failure;
	// callers should try again later.
	ErrLockNotAcquired = errors.New("lock not acquired")
)

// Identity is the immutable cluster identity record.
type Identity struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Option configures a Cluster.
type Option func(*Cluster)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Cluster) { c.logger = l }
}

// Cluster binds a Redis client to a key prefix and a cluster name. It
// namespaces every key, channel and lock used by the other packages.
//
// Thread-safe: the cached version is guarded by mu; the Redis client is
// safe for concurrent use.
type Cluster struct {
	client  redis.UniversalClient
	logger  *slog.Logger
	prefix  string
	name    string
	version string
	mu      sync.RWMutex
}

// New creates a Cluster handle. The caller owns the Redis client lifecycle.
//
// Parameters:
//   - client: Redis client used for every store operation
//   - prefix: key prefix shared by all processes of the cluster
//   - name: configured cluster name, checked by Sync
//
// Example:
//
//	c := cluster.New(rdb, "inferout", "prod")
//	if err := c.Sync(ctx); err != nil { ... }
func New(client redis.UniversalClient, prefix, name string, opts ...Option) *Cluster {
	c := &Cluster{
		client: client,
		prefix: prefix,
		name:   name,
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Client returns the underlying Redis client.
func (c *Cluster) Client() redis.UniversalClient { return c.client }

// Name returns the configured cluster name.
func (c *Cluster) Name() string { return c.name }

// Prefix returns the key prefix.
func (c *Cluster) Prefix() string { return c.prefix }

// Version returns the version cached by the last successful Sync.
func (c *Cluster) Version() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.version
}

// Key joins parts under the cluster prefix: prefix::a::b.
func (c *Cluster) Key(parts ...string) string {
	return JoinKey(append([]string{c.prefix}, parts...)...)
}

// ChannelKey returns a pub/sub channel name: prefix::channel::a::b.
func (c *Cluster) ChannelKey(parts ...string) string {
	return c.Key(append([]string{"channel"}, parts...)...)
}

// JoinKey joins key segments with KeySeparator.
func JoinKey(parts ...string) string {
	return strings.Join(parts, KeySeparator)
}

// SplitKey is the inverse of JoinKey.
func SplitKey(key string) []string {
	return strings.Split(key, KeySeparator)
}

// Bootstrap writes the cluster identity if none exists yet. An existing
// identity is left untouched and logged; that is not an error.
//
// Returns ErrLockNotAcquired when another process holds the identity lock.
func (c *Cluster) Bootstrap(ctx context.Context) error {
	lock := c.Lock(InfoKey)
	ok, err := lock.TryAcquire(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return ErrLockNotAcquired
	}
	defer func() {
		if rErr := lock.Release(context.WithoutCancel(ctx)); rErr != nil {
			c.logger.Warn("failed to release bootstrap lock", "error", rErr)
		}
	}()

	key := c.Key(InfoKey)
	existing, err := c.client.HGetAll(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("cluster: read identity: %w", err)
	}
	if len(existing) > 0 {
		c.logger.Error("existing cluster found", "name", existing["name"], "version", existing["version"])
		return nil
	}

	if err := c.client.HSet(ctx, key, "name", c.name, "version", BootstrapVersion).Err(); err != nil {
		return fmt.Errorf("cluster: write identity: %w", err)
	}
	c.logger.Info("bootstrapped cluster", "name", c.name, "version", BootstrapVersion)
	return nil
}

// Sync verifies the stored identity against the configured name and caches
// the stored version.
func (c *Cluster) Sync(ctx context.Context) error {
	info, err := c.client.HGetAll(ctx, c.Key(InfoKey)).Result()
	if err != nil {
		return fmt.Errorf("cluster: read identity: %w", err)
	}
	if len(info) == 0 {
		return fmt.Errorf("%w: does not exist", ErrInvalidCluster)
	}
	if info["name"] != c.name {
		return fmt.Errorf("%w: name mismatch (stored %q, configured %q)", ErrInvalidCluster, info["name"], c.name)
	}

	c.mu.Lock()
	c.version = info["version"]
	c.mu.Unlock()
	return nil
}

// Identity returns the name and cached version.
func (c *Cluster) Identity() Identity {
	return Identity{Name: c.name, Version: c.Version()}
}
