package catalog

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-viper/mapstructure/v2"
)

// InstancesPerModel bounds the number of instances per model. Only Target
// drives scheduling; Min and Max are stored but not consulted.
type InstancesPerModel struct {
	Min    int `json:"min" mapstructure:"min"`
	Max    int `json:"max" mapstructure:"max"`
	Target int `json:"target" mapstructure:"target"`
}

// Settings is the typed view of a namespace settings document.
type Settings struct {
	StorageEngine     string            `json:"storage_engine" mapstructure:"storage_engine"`
	ServingEngine     string            `json:"serving_engine" mapstructure:"serving_engine"`
	InstancesPerModel InstancesPerModel `json:"instances_per_model" mapstructure:"instances_per_model"`
	MaxVersionHistory int               `json:"max_version_history" mapstructure:"max_version_history"`
}

// Namespace is a tenant scope owning its engine configuration and models.
type Namespace struct {
	ID       string   `json:"id"`
	Settings Settings `json:"settings"`
}

// DefaultSettings returns a fresh copy of the default settings document.
func DefaultSettings() map[string]any {
	return map[string]any{
		"storage_engine": "local_files",
		"serving_engine": "echo",
		"instances_per_model": map[string]any{
			"min":    1,
			"max":    4,
			"target": 2,
		},
		"max_version_history": 10,
	}
}

// DeepMerge copies src over dst recursively and returns dst. Nested objects
// present on both sides are merged key by key; every other value in src
// replaces the one in dst.
func DeepMerge(dst, src map[string]any) map[string]any {
	if dst == nil {
		dst = map[string]any{}
	}
	for k, v := range src {
		if sv, ok := v.(map[string]any); ok {
			dv, _ := dst[k].(map[string]any)
			dst[k] = DeepMerge(dv, sv)
			continue
		}
		dst[k] = v
	}
	return dst
}

// DecodeSettings converts a settings document into Settings.
func DecodeSettings(doc map[string]any) (Settings, error) {
	var out Settings
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &out,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return Settings{}, err
	}
	if err := dec.Decode(doc); err != nil {
		return Settings{}, fmt.Errorf("%w: %v", ErrInvalidSettings, err)
	}
	return out, nil
}

// SaveNamespace upserts a namespace. The stored settings are the defaults
// deep-merged with overrides, so unspecified keys always resolve to their
// default values.
func (s *Store) SaveNamespace(ctx context.Context, id string, overrides map[string]any) (*Namespace, error) {
	if err := ValidateNamespaceID(id); err != nil {
		return nil, err
	}
	settings, err := DecodeSettings(DeepMerge(DefaultSettings(), overrides))
	if err != nil {
		return nil, err
	}

	raw, err := marshalJSON("settings", settings)
	if err != nil {
		return nil, err
	}
	ns := &Namespace{ID: id, Settings: settings}
	if err := s.client.HSet(ctx, s.namespaceKey(id), "settings", raw).Err(); err != nil {
		return nil, fmt.Errorf("catalog: save namespace %s: %w", id, err)
	}
	return ns, nil
}

// ReadNamespace loads a namespace, returning ErrNotFound when it is absent.
func (s *Store) ReadNamespace(ctx context.Context, id string) (*Namespace, error) {
	if err := ValidateNamespaceID(id); err != nil {
		return nil, err
	}
	vals, err := s.hgetall(ctx, s.namespaceKey(id))
	if err != nil {
		return nil, err
	}
	return namespaceFromHash(id, vals)
}

// ListNamespaces returns every namespace in scan order.
func (s *Store) ListNamespaces(ctx context.Context) ([]*Namespace, error) {
	keys, err := s.scan(ctx, s.namespaceKey("*"))
	if err != nil {
		return nil, err
	}

	out := make([]*Namespace, 0, len(keys))
	for _, key := range keys {
		id, ok := matchID(namespaceKeyPattern, key)
		if !ok {
			continue
		}
		vals, err := s.hgetall(ctx, key)
		if err != nil {
			continue
		}
		ns, err := namespaceFromHash(id, vals)
		if err != nil {
			s.logger.Warn("skipping unreadable namespace", "key", key, "error", err)
			continue
		}
		out = append(out, ns)
	}
	return out, nil
}

func namespaceFromHash(id string, vals map[string]string) (*Namespace, error) {
	var settings Settings
	if err := json.Unmarshal([]byte(vals["settings"]), &settings); err != nil {
		return nil, fmt.Errorf("catalog: decode namespace %s settings: %w", id, err)
	}
	return &Namespace{ID: id, Settings: settings}, nil
}
