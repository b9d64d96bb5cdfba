package catalog

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"
	"golang.org/x/exp/slices"

	"github.com/dreamware/inferout/internal/cluster"
)

// maxSaveAttempts bounds the optimistic retry loop of SaveModel.
const maxSaveAttempts = 10

// Model is a named artifact within a namespace, tracked by version.
type Model struct {
	ID              string         `json:"id"`
	NamespaceID     string         `json:"namespace_id"`
	Parameters      map[string]any `json:"parameters"`
	LatestVersionID int            `json:"latest_version_id"`
}

// Version is an immutable snapshot of a model's parameters.
type Version struct {
	ID          int            `json:"id"`
	NamespaceID string         `json:"namespace_id"`
	ModelID     string         `json:"model_id"`
	Parameters  map[string]any `json:"parameters"`
}

// ModelRef addresses a model without loading it.
type ModelRef struct {
	NamespaceID string
	ModelID     string
}

// SaveModel stores new parameters for a model and snapshots them as the
// next version. The first save creates version 1; each later save
// increments latest_version_id by exactly one. Concurrent saves of the same
// model are serialized through WATCH so no version number is skipped or
// reused. The namespace must exist.
func (s *Store) SaveModel(ctx context.Context, nsID, modelID string, params map[string]any) (*Model, error) {
	if err := ValidateModelID(modelID); err != nil {
		return nil, err
	}
	if _, err := s.ReadNamespace(ctx, nsID); err != nil {
		return nil, err
	}
	if params == nil {
		params = map[string]any{}
	}

	key := s.modelKey(nsID, modelID)
	raw, err := marshalJSON("parameters", params)
	if err != nil {
		return nil, err
	}
	var next int

	txf := func(tx *redis.Tx) error {
		current, err := tx.HGet(ctx, key, "latest_version_id").Int()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		next = current + 1

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, s.versionKey(nsID, modelID, next), "parameters", raw)
			pipe.HSet(ctx, key, "latest_version_id", next, "parameters", raw)
			return nil
		})
		return err
	}

	for attempt := 0; attempt < maxSaveAttempts; attempt++ {
		err := s.client.Watch(ctx, txf, key)
		if err == nil {
			s.logger.Debug("model saved", "namespace", nsID, "model", modelID, "version", next)
			return &Model{ID: modelID, NamespaceID: nsID, Parameters: params, LatestVersionID: next}, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return nil, fmt.Errorf("catalog: save model %s/%s: %w", nsID, modelID, err)
	}
	return nil, fmt.Errorf("catalog: save model %s/%s: %w", nsID, modelID, redis.TxFailedErr)
}

// ReadModel loads a model record.
func (s *Store) ReadModel(ctx context.Context, nsID, modelID string) (*Model, error) {
	if err := ValidateNamespaceID(nsID); err != nil {
		return nil, err
	}
	if err := ValidateModelID(modelID); err != nil {
		return nil, err
	}
	vals, err := s.hgetall(ctx, s.modelKey(nsID, modelID))
	if err != nil {
		return nil, err
	}
	return modelFromHash(nsID, modelID, vals)
}

// ListModels returns every model of a namespace.
func (s *Store) ListModels(ctx context.Context, nsID string) ([]*Model, error) {
	if err := ValidateNamespaceID(nsID); err != nil {
		return nil, err
	}
	keys, err := s.scan(ctx, s.modelKey(nsID, "*"))
	if err != nil {
		return nil, err
	}

	out := make([]*Model, 0, len(keys))
	for _, key := range keys {
		id, ok := matchID(modelKeyPattern, key)
		if !ok {
			continue
		}
		vals, err := s.hgetall(ctx, key)
		if err != nil {
			continue
		}
		m, err := modelFromHash(nsID, id, vals)
		if err != nil {
			s.logger.Warn("skipping unreadable model", "key", key, "error", err)
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

// ListModelRefs returns the (namespace, model) pair of every model in the
// cluster, in scan order.
func (s *Store) ListModelRefs(ctx context.Context) ([]ModelRef, error) {
	keys, err := s.scan(ctx, s.cluster.Key("*", fmt.Sprintf(modelSegment, "*")))
	if err != nil {
		return nil, err
	}

	refs := make([]ModelRef, 0, len(keys))
	for _, key := range keys {
		id, ok := matchID(modelKeyPattern, key)
		if !ok {
			continue
		}
		// <prefix>::<ns>::{@model-<id>}
		parts := cluster.SplitKey(strings.TrimPrefix(key, s.cluster.Key()+cluster.KeySeparator))
		if len(parts) != 2 {
			continue
		}
		refs = append(refs, ModelRef{NamespaceID: parts[0], ModelID: id})
	}
	return refs, nil
}

// ReadVersion loads one immutable version of a model.
func (s *Store) ReadVersion(ctx context.Context, nsID, modelID string, version int) (*Version, error) {
	if err := ValidateNamespaceID(nsID); err != nil {
		return nil, err
	}
	if err := ValidateModelID(modelID); err != nil {
		return nil, err
	}
	vals, err := s.hgetall(ctx, s.versionKey(nsID, modelID, version))
	if err != nil {
		return nil, err
	}
	params, err := unmarshalObject(vals["parameters"])
	if err != nil {
		return nil, fmt.Errorf("catalog: decode version %s/%s/%d: %w", nsID, modelID, version, err)
	}
	return &Version{ID: version, NamespaceID: nsID, ModelID: modelID, Parameters: params}, nil
}

// ListVersions returns every stored version of a model, newest first.
func (s *Store) ListVersions(ctx context.Context, nsID, modelID string) ([]*Version, error) {
	if err := ValidateNamespaceID(nsID); err != nil {
		return nil, err
	}
	if err := ValidateModelID(modelID); err != nil {
		return nil, err
	}
	keys, err := s.scan(ctx, s.cluster.Key(nsID, modelSlot(modelID), versionSegment+"*"))
	if err != nil {
		return nil, err
	}

	out := make([]*Version, 0, len(keys))
	for _, key := range keys {
		raw, ok := matchID(versionKeyPattern, key)
		if !ok {
			continue
		}
		id, err := strconv.Atoi(raw)
		if err != nil {
			continue
		}
		v, err := s.ReadVersion(ctx, nsID, modelID, id)
		if err != nil {
			continue
		}
		out = append(out, v)
	}
	slices.SortFunc(out, func(a, b *Version) int { return b.ID - a.ID })
	return out, nil
}

func modelFromHash(nsID, modelID string, vals map[string]string) (*Model, error) {
	latest, err := strconv.Atoi(vals["latest_version_id"])
	if err != nil {
		return nil, fmt.Errorf("catalog: decode model %s/%s latest_version_id: %w", nsID, modelID, err)
	}
	params, err := unmarshalObject(vals["parameters"])
	if err != nil {
		return nil, fmt.Errorf("catalog: decode model %s/%s parameters: %w", nsID, modelID, err)
	}
	return &Model{ID: modelID, NamespaceID: nsID, Parameters: params, LatestVersionID: latest}, nil
}
