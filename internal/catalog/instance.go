package catalog

import (
	"context"
	"encoding/base64"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"golang.org/x/exp/slices"

	"github.com/dreamware/inferout/internal/cluster"
)

// Instance lifecycle states.
const (
	StateScheduled                = "scheduled"
	StateInitializing             = "initializing"
	StateFetchValidationError     = "fetch_validation_error"
	StateFetchError               = "fetch_error"
	StateLoading                  = "loading"
	StateLoadModelValidationError = "load_model_validation_error"
	StateLoadModelError           = "load_model_error"
	StateServing                  = "serving"
	StateTerminating              = "terminating"
)

// TerminatingTTL is the grace period after which a terminating instance
// record expires on its own.
const TerminatingTTL = 60 * time.Second

// IsFailed reports whether state is one of the terminal failure states.
func IsFailed(state string) bool {
	switch state {
	case StateFetchValidationError, StateFetchError, StateLoadModelValidationError, StateLoadModelError:
		return true
	}
	return false
}

// Instance is one deployment of a model version on one worker. The
// (namespace, model, version) triple is fixed at creation.
type Instance struct {
	ID             string         `json:"id"`
	NamespaceID    string         `json:"namespace_id"`
	ModelID        string         `json:"model_id"`
	ModelVersionID int            `json:"model_version_id"`
	WorkerID       string         `json:"worker_id"`
	State          string         `json:"state"`
	StorageContext map[string]any `json:"storage_context"`
	ServingContext map[string]any `json:"serving_context"`
	ErrorMessages  []string       `json:"error_messages"`

	// WorkerContext is owned by the worker that loaded the instance and is
	// never written to Redis.
	WorkerContext any `json:"-"`
}

// NewInstanceID returns a random URL-safe id.
func NewInstanceID() string {
	id := uuid.New()
	return base64.RawURLEncoding.EncodeToString(id[:])
}

// CreateInstance writes a new instance record in state scheduled, assigned
// to workerID.
func (s *Store) CreateInstance(ctx context.Context, nsID, modelID string, version int, workerID string) (*Instance, error) {
	inst := &Instance{
		ID:             NewInstanceID(),
		NamespaceID:    nsID,
		ModelID:        modelID,
		ModelVersionID: version,
		WorkerID:       workerID,
		State:          StateScheduled,
	}
	if err := s.SaveInstance(ctx, inst); err != nil {
		return nil, err
	}
	return inst, nil
}

// SaveInstance upserts the mutable fields of an instance. A record saved as
// terminating gets TerminatingTTL unless it already carries a TTL.
func (s *Store) SaveInstance(ctx context.Context, inst *Instance) error {
	if err := ValidateNamespaceID(inst.NamespaceID); err != nil {
		return err
	}
	if err := ValidateModelID(inst.ModelID); err != nil {
		return err
	}
	if inst.StorageContext == nil {
		inst.StorageContext = map[string]any{}
	}
	if inst.ServingContext == nil {
		inst.ServingContext = map[string]any{}
	}

	fields := []any{"worker_id", inst.WorkerID, "state", inst.State}
	for _, f := range []struct {
		name  string
		value any
	}{
		{"storage_context", inst.StorageContext},
		{"serving_context", inst.ServingContext},
		{"error_messages", inst.ErrorMessages},
	} {
		raw, err := marshalJSON(f.name, f.value)
		if err != nil {
			return fmt.Errorf("catalog: save instance %s: %w", inst.ID, err)
		}
		fields = append(fields, f.name, raw)
	}

	key := s.InstanceKey(inst)
	if err := s.client.HSet(ctx, key, fields...).Err(); err != nil {
		return fmt.Errorf("catalog: save instance %s: %w", inst.ID, err)
	}

	if inst.State != StateTerminating {
		return nil
	}
	ttl, err := s.client.TTL(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("catalog: ttl instance %s: %w", inst.ID, err)
	}
	// go-redis reports "no expiry" as -1 (a negative duration).
	if ttl < 0 {
		if err := s.client.Expire(ctx, key, TerminatingTTL).Err(); err != nil {
			return fmt.Errorf("catalog: expire instance %s: %w", inst.ID, err)
		}
	}
	return nil
}

// ReadInstance loads one instance record.
func (s *Store) ReadInstance(ctx context.Context, nsID, modelID string, version int, id string) (*Instance, error) {
	if err := ValidateNamespaceID(nsID); err != nil {
		return nil, err
	}
	if err := ValidateModelID(modelID); err != nil {
		return nil, err
	}
	vals, err := s.hgetall(ctx, s.instanceKey(nsID, modelID, version, id))
	if err != nil {
		return nil, err
	}
	return instanceFromHash(nsID, modelID, version, id, vals)
}

// ListInstances returns the instances of a model, newest version first.
// A version of 0 matches every version.
func (s *Store) ListInstances(ctx context.Context, nsID, modelID string, version int) ([]*Instance, error) {
	if err := ValidateNamespaceID(nsID); err != nil {
		return nil, err
	}
	if err := ValidateModelID(modelID); err != nil {
		return nil, err
	}
	versionPart := "*"
	if version > 0 {
		versionPart = strconv.Itoa(version)
	}
	keys, err := s.scan(ctx, s.cluster.Key(nsID, modelSlot(modelID), versionPart, instanceSegment+"*"))
	if err != nil {
		return nil, err
	}

	out := make([]*Instance, 0, len(keys))
	for _, key := range keys {
		id, ok := matchID(instanceKeyPattern, key)
		if !ok {
			continue
		}
		parts := cluster.SplitKey(key)
		v, err := strconv.Atoi(parts[len(parts)-2])
		if err != nil {
			continue
		}
		vals, err := s.client.HGetAll(ctx, key).Result()
		if err != nil {
			return nil, fmt.Errorf("catalog: read %s: %w", key, err)
		}
		// expired between SCAN and HGETALL
		if len(vals) == 0 {
			continue
		}
		inst, err := instanceFromHash(nsID, modelID, v, id, vals)
		if err != nil {
			s.logger.Warn("skipping unreadable instance", "key", key, "error", err)
			continue
		}
		out = append(out, inst)
	}
	slices.SortStableFunc(out, func(a, b *Instance) int { return b.ModelVersionID - a.ModelVersionID })
	return out, nil
}

func instanceFromHash(nsID, modelID string, version int, id string, vals map[string]string) (*Instance, error) {
	inst := &Instance{
		ID:             id,
		NamespaceID:    nsID,
		ModelID:        modelID,
		ModelVersionID: version,
		WorkerID:       vals["worker_id"],
		State:          vals["state"],
		ErrorMessages:  unmarshalStrings(vals["error_messages"]),
	}
	var err error
	if inst.StorageContext, err = unmarshalObject(vals["storage_context"]); err != nil {
		return nil, fmt.Errorf("catalog: decode instance %s storage_context: %w", id, err)
	}
	if inst.ServingContext, err = unmarshalObject(vals["serving_context"]); err != nil {
		return nil, fmt.Errorf("catalog: decode instance %s serving_context: %w", id, err)
	}
	return inst, nil
}
