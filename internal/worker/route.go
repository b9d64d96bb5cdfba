package worker

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/dreamware/inferout/internal/catalog"
	"github.com/dreamware/inferout/internal/engine"
)

var (
	// ErrUnavailable is returned when no serving instance can take a
	// request.
	ErrUnavailable = errors.New("no serving instance available")

	// ErrInvalidVersion is returned for a version selector that is neither
	// a keyword nor a positive integer.
	ErrInvalidVersion = errors.New("invalid version selector")
)

// ParseVersion resolves a version selector against a model. "latest" and
// "_latest" select the model's latest version; "", "any" and
// "_latest_available" return 0, meaning any version; anything else must
// be a positive integer.
func ParseVersion(selector string, model *catalog.Model) (int, error) {
	switch selector {
	case "latest", "_latest":
		return model.LatestVersionID, nil
	case "", "any", "_latest_available":
		return 0, nil
	}
	v, err := strconv.Atoi(selector)
	if err != nil || v < 1 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidVersion, selector)
	}
	return v, nil
}

// Target is where an inference request should run.
type Target struct {
	Instance *catalog.Instance

	// Local is set when this worker serves the instance itself.
	Local *LocalInstance

	// Endpoint is the remote worker's serving endpoint when Local is nil.
	Endpoint string
}

// Route picks the instance that should answer an inference request for
// (namespace, model, version selector). A serving instance registered on
// this worker always wins. Otherwise one remote serving instance is chosen
// uniformly at random among those whose worker still advertises an
// endpoint. ErrUnavailable means nothing can serve the request.
func (w *Worker) Route(ctx context.Context, nsID, modelID, selector string) (*Target, error) {
	if _, err := w.store.ReadNamespace(ctx, nsID); err != nil {
		return nil, err
	}
	model, err := w.store.ReadModel(ctx, nsID, modelID)
	if err != nil {
		return nil, err
	}
	version, err := ParseVersion(selector, model)
	if err != nil {
		return nil, err
	}

	instances, err := w.store.ListInstances(ctx, nsID, modelID, version)
	if err != nil {
		return nil, err
	}

	var remote []*catalog.Instance
	for _, inst := range instances {
		if inst.State != catalog.StateServing {
			continue
		}
		if inst.WorkerID == w.id {
			local := w.Local(inst)
			if local != nil && local.Snapshot().State == catalog.StateServing {
				return &Target{Instance: inst, Local: local}, nil
			}
			continue
		}
		remote = append(remote, inst)
	}

	w.shuffle(len(remote), func(i, j int) { remote[i], remote[j] = remote[j], remote[i] })
	for _, inst := range remote {
		rec, err := w.store.ReadWorker(ctx, inst.WorkerID)
		if err != nil {
			if !errors.Is(err, catalog.ErrNotFound) {
				w.logger.Warn("reading remote worker failed", "worker", inst.WorkerID, "error", err)
			}
			continue
		}
		if rec.ServingEndpoint == "" {
			continue
		}
		return &Target{Instance: inst, Endpoint: rec.ServingEndpoint}, nil
	}
	return nil, fmt.Errorf("%s/%s/%s: %w", nsID, modelID, selector, ErrUnavailable)
}

// Infer runs input through a locally registered instance on the executor.
// The engine receives its own copy of input.
func (w *Worker) Infer(ctx context.Context, local *LocalInstance, input map[string]any) (map[string]any, error) {
	inst := local.Snapshot()
	if inst.State != catalog.StateServing {
		return nil, fmt.Errorf("instance %s is %s: %w", inst.ID, inst.State, ErrUnavailable)
	}
	serving, ok := w.servingEngine(local.Settings.ServingEngine)
	if !ok {
		return nil, fmt.Errorf("serving engine %q: %w", local.Settings.ServingEngine, engine.ErrUnknownEngine)
	}

	in := make(map[string]any, len(input))
	for k, v := range input {
		in[k] = v
	}

	var out map[string]any
	err := w.exec.Do(ctx, func(ctx context.Context) error {
		var ierr error
		out, ierr = serving.Infer(ctx, local.Params, inst.StorageContext, inst.ServingContext, inst.WorkerContext, in)
		return ierr
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
