package worker

import (
	"context"
	"fmt"

	"github.com/dreamware/inferout/internal/catalog"
	"github.com/dreamware/inferout/internal/engine"
	"github.com/dreamware/inferout/internal/metrics"
)

func (w *Worker) storageEngine(name string) (engine.StorageEngine, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	e, ok := w.storage[name]
	return e, ok
}

func (w *Worker) servingEngine(name string) (engine.ServingEngine, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	e, ok := w.serving[name]
	return e, ok
}

// transition persists a new state for the entry's instance, keeps it
// registered in the local table and advertises the change.
func (w *Worker) transition(ctx context.Context, local *LocalInstance, inst *catalog.Instance, state string, errMsgs ...string) {
	inst.State = state
	if len(errMsgs) > 0 {
		inst.ErrorMessages = errMsgs
	}
	if err := w.store.SaveInstance(ctx, inst); err != nil {
		w.logger.Error("saving instance state failed", "instance", inst.ID, "state", state, "error", err)
	}
	local.set(*inst)
	w.table.Put(local)
	metrics.InstanceTransitions.WithLabelValues(state).Inc()

	if err := w.Report(ctx, true); err != nil {
		w.logger.Warn("status update failed", "instance", inst.ID, "error", err)
	}
}

// Activate drives a scheduled instance to serving, or to the failure state
// of the first step that fails. Every step is persisted and advertised.
// Failure states are terminal; the instance stays registered until it is
// terminated.
//
// State machine:
//
//	scheduled -> initializing -> fetch_validation_error
//	                          -> fetch_error
//	                          -> loading -> load_model_validation_error
//	                                     -> load_model_error
//	                                     -> serving
func (w *Worker) Activate(ctx context.Context, ns *catalog.Namespace, version *catalog.Version, instance *catalog.Instance) {
	inst := *instance
	local := &LocalInstance{
		RedisKey: w.store.InstanceKey(instance),
		Settings: ns.Settings,
		Params:   version.Parameters,
		inst:     inst,
	}
	local.lifecycle.Lock()
	defer local.lifecycle.Unlock()

	if !w.table.PutIfAbsent(local) {
		w.logger.Info("instance already registered, ignoring activation", "instance", inst.ID)
		return
	}

	log := w.logger.With("instance", inst.ID, "namespace", inst.NamespaceID, "model", inst.ModelID, "version", inst.ModelVersionID)
	w.transition(ctx, local, &inst, catalog.StateInitializing)

	storage, ok := w.storageEngine(ns.Settings.StorageEngine)
	if !ok {
		w.transition(ctx, local, &inst, catalog.StateFetchValidationError,
			fmt.Sprintf("storage engine %q not available on this worker", ns.Settings.StorageEngine))
		return
	}
	err := w.exec.Do(ctx, func(context.Context) error {
		return storage.ValidateModelParameters(local.Params)
	})
	if err != nil {
		log.Warn("storage parameters rejected", "error", err)
		w.transition(ctx, local, &inst, catalog.StateFetchValidationError, err.Error())
		return
	}

	var storageCtx engine.Context
	err = w.exec.Do(ctx, func(ctx context.Context) error {
		var ferr error
		storageCtx, ferr = storage.FetchModel(ctx, local.Params)
		return ferr
	})
	if err != nil {
		log.Warn("fetch failed", "error", err)
		w.transition(ctx, local, &inst, catalog.StateFetchError, err.Error())
		return
	}
	inst.StorageContext = storageCtx
	w.transition(ctx, local, &inst, catalog.StateLoading)

	serving, ok := w.servingEngine(ns.Settings.ServingEngine)
	if !ok {
		w.transition(ctx, local, &inst, catalog.StateLoadModelValidationError,
			fmt.Sprintf("serving engine %q not available on this worker", ns.Settings.ServingEngine))
		return
	}
	err = w.exec.Do(ctx, func(context.Context) error {
		return serving.ValidateModelParameters(local.Params)
	})
	if err != nil {
		log.Warn("serving parameters rejected", "error", err)
		w.transition(ctx, local, &inst, catalog.StateLoadModelValidationError, err.Error())
		return
	}

	var servingCtx engine.Context
	var workerCtx any
	err = w.exec.Do(ctx, func(ctx context.Context) error {
		var lerr error
		servingCtx, workerCtx, lerr = serving.LoadModel(ctx, local.Params, storageCtx)
		return lerr
	})
	if err != nil {
		log.Warn("load failed", "error", err)
		w.transition(ctx, local, &inst, catalog.StateLoadModelError, err.Error())
		return
	}
	inst.ServingContext = servingCtx
	inst.WorkerContext = workerCtx
	w.transition(ctx, local, &inst, catalog.StateServing)
	log.Info("instance serving")
}

// Deactivate terminates a registered instance: it persists and advertises
// terminating, then unloads and cleans it on a best-effort basis, and
// finally removes it from the local table. Unload and clean failures are
// logged and never stop the remaining steps.
func (w *Worker) Deactivate(ctx context.Context, local *LocalInstance) {
	local.lifecycle.Lock()
	defer local.lifecycle.Unlock()

	if w.table.Get(local.RedisKey) != local {
		return
	}

	inst := local.Snapshot()
	log := w.logger.With("instance", inst.ID, "namespace", inst.NamespaceID, "model", inst.ModelID, "version", inst.ModelVersionID)
	log.Debug("terminating instance")
	w.transition(ctx, local, &inst, catalog.StateTerminating)

	if serving, ok := w.servingEngine(local.Settings.ServingEngine); ok {
		err := w.exec.Do(ctx, func(ctx context.Context) error {
			return serving.UnloadModel(ctx, local.Params, inst.StorageContext, inst.ServingContext, inst.WorkerContext)
		})
		if err != nil {
			log.Error("unloading model failed", "error", err)
		}
	}
	if storage, ok := w.storageEngine(local.Settings.StorageEngine); ok {
		err := w.exec.Do(ctx, func(ctx context.Context) error {
			return storage.CleanModel(ctx, local.Params, inst.StorageContext)
		})
		if err != nil {
			log.Error("cleaning model storage failed", "error", err)
		}
	}

	w.table.Delete(local.RedisKey)
	if err := w.Report(ctx, true); err != nil {
		log.Warn("status update failed", "error", err)
	}
}
