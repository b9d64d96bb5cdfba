// Package catalog holds the typed records inferout keeps in Redis: namespaces,
// models, immutable model versions, model instances and worker heartbeats.
//
// Every record is a Redis hash under the cluster prefix. The hierarchical key
// layout only serves prefix scans; the records themselves are explicit Go
// types converted through a fixed field schema.
//
//	<prefix>::{@namespace-<ns>}
//	<prefix>::<ns>::{@model-<model>}
//	<prefix>::<ns>::{<model>}::@model_version-<n>
//	<prefix>::<ns>::{<model>}::<n>::@model_instance-<id>
//	<prefix>::{@worker-<id>}
package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"

	"github.com/redis/go-redis/v9"

	"github.com/dreamware/inferout/internal/cluster"
)

var (
	// ErrNotFound is returned when a record's hash is absent.
	ErrNotFound = errors.New("not found")

	// ErrInvalidID is returned when an id does not match its pattern.
	ErrInvalidID = errors.New("invalid id")

	// ErrInvalidSettings is returned when a namespace settings document
	// cannot be decoded into Settings.
	ErrInvalidSettings = errors.New("invalid settings")
)

var (
	namespaceIDPattern = regexp.MustCompile(`^[a-z][a-z0-9\-_]{2,9}$`)
	modelIDPattern     = regexp.MustCompile(`^[a-z][a-z0-9\-_]{0,19}$`)
)

// ValidateNamespaceID checks id against the namespace pattern (length 3–10).
func ValidateNamespaceID(id string) error {
	if !namespaceIDPattern.MatchString(id) {
		return fmt.Errorf("%w: namespace %q", ErrInvalidID, id)
	}
	return nil
}

// ValidateModelID checks id against the model pattern (length 1–20).
func ValidateModelID(id string) error {
	if !modelIDPattern.MatchString(id) {
		return fmt.Errorf("%w: model %q", ErrInvalidID, id)
	}
	return nil
}

// Option configures the Store.
type Option func(*Store)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// Store reads and writes catalog records for one cluster.
type Store struct {
	cluster *cluster.Cluster
	client  redis.UniversalClient
	logger  *slog.Logger
}

// NewStore creates a Store over the cluster's Redis client.
func NewStore(c *cluster.Cluster, opts ...Option) *Store {
	s := &Store{cluster: c, client: c.Client(), logger: slog.Default()}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Cluster returns the cluster the store is bound to.
func (s *Store) Cluster() *cluster.Cluster { return s.cluster }

// scan collects every key matching pattern. SCAN may yield a key more than
// once; duplicates are dropped and first-seen order is kept.
func (s *Store) scan(ctx context.Context, pattern string) ([]string, error) {
	seen := make(map[string]bool)
	var keys []string
	iter := s.client.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		k := iter.Val()
		if seen[k] {
			continue
		}
		seen[k] = true
		keys = append(keys, k)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("catalog: scan %s: %w", pattern, err)
	}
	return keys, nil
}

// hgetall reads a hash, mapping an empty result to ErrNotFound.
func (s *Store) hgetall(ctx context.Context, key string) (map[string]string, error) {
	vals, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("catalog: read %s: %w", key, err)
	}
	if len(vals) == 0 {
		return nil, fmt.Errorf("catalog: %s: %w", key, ErrNotFound)
	}
	return vals, nil
}

// marshalJSON encodes a record field. Values that cannot be encoded are an
// error; they are never stored as null.
func marshalJSON(field string, v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("catalog: encode %s: %w", field, err)
	}
	return string(b), nil
}

func unmarshalObject(raw string) (map[string]any, error) {
	if raw == "" || raw == "null" {
		return map[string]any{}, nil
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, err
	}
	if out == nil {
		out = map[string]any{}
	}
	return out, nil
}

func unmarshalStrings(raw string) []string {
	var out []string
	if raw == "" {
		return out
	}
	_ = json.Unmarshal([]byte(raw), &out) //nolint:errcheck // best-effort parse from trusted Redis data
	return out
}
