package catalog

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"golang.org/x/exp/slices"
)

// Worker states advertised in heartbeat records.
const (
	WorkerInitializing = "initializing"
	WorkerServing      = "serving"
	WorkerShuttingDown = "shutting_down"
)

// WorkerRecord is the heartbeat a live worker keeps refreshing. The record
// expiring is the only signal that a worker is gone.
type WorkerRecord struct {
	ID                      string   `json:"id"`
	State                   string   `json:"state"`
	ServingEndpoint         string   `json:"serving_endpoint"`
	AvailableStorageEngines []string `json:"available_storage_engines"`
	AvailableServingEngines []string `json:"available_serving_engines"`
	ModelInstancesCount     int      `json:"model_instances_count"`
}

// Supports reports whether the worker advertises both engines.
func (w *WorkerRecord) Supports(storageEngine, servingEngine string) bool {
	return slices.Contains(w.AvailableStorageEngines, storageEngine) &&
		slices.Contains(w.AvailableServingEngines, servingEngine)
}

// SaveWorker writes a heartbeat record and resets its TTL in one MULTI/EXEC.
func (s *Store) SaveWorker(ctx context.Context, w *WorkerRecord, ttl time.Duration) error {
	key := s.WorkerKey(w.ID)
	fields, err := workerToMap(w)
	if err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, fields)
	pipe.Expire(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("catalog: save worker %s: %w", w.ID, err)
	}
	return nil
}

// ReadWorker loads the heartbeat record of a worker.
func (s *Store) ReadWorker(ctx context.Context, id string) (*WorkerRecord, error) {
	vals, err := s.hgetall(ctx, s.WorkerKey(id))
	if err != nil {
		return nil, err
	}
	return mapToWorker(id, vals), nil
}

// ListWorkers returns every live heartbeat record in scan order.
func (s *Store) ListWorkers(ctx context.Context) ([]*WorkerRecord, error) {
	keys, err := s.scan(ctx, s.WorkerKey("*"))
	if err != nil {
		return nil, err
	}

	out := make([]*WorkerRecord, 0, len(keys))
	for _, key := range keys {
		id, ok := matchID(workerKeyPattern, key)
		if !ok {
			continue
		}
		vals, err := s.hgetall(ctx, key)
		if err != nil {
			// expired after the scan
			continue
		}
		out = append(out, mapToWorker(id, vals))
	}
	return out, nil
}

func workerToMap(w *WorkerRecord) (map[string]any, error) {
	storage, err := marshalJSON("available_storage_engines", w.AvailableStorageEngines)
	if err != nil {
		return nil, err
	}
	serving, err := marshalJSON("available_serving_engines", w.AvailableServingEngines)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"state":                     w.State,
		"serving_endpoint":          w.ServingEndpoint,
		"available_storage_engines": storage,
		"available_serving_engines": serving,
		"model_instances_count":     strconv.Itoa(w.ModelInstancesCount),
	}, nil
}

func mapToWorker(id string, m map[string]string) *WorkerRecord {
	count, _ := strconv.Atoi(m["model_instances_count"]) //nolint:errcheck // best-effort parse from trusted Redis data
	return &WorkerRecord{
		ID:                      id,
		State:                   m["state"],
		ServingEndpoint:         m["serving_endpoint"],
		AvailableStorageEngines: unmarshalStrings(m["available_storage_engines"]),
		AvailableServingEngines: unmarshalStrings(m["available_serving_engines"]),
		ModelInstancesCount:     count,
	}
}
