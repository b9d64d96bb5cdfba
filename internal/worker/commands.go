package worker

import (
	"context"
	"errors"

	"github.com/dreamware/inferout/internal/catalog"
	"github.com/dreamware/inferout/internal/cluster"
)

// commandLoop reads the worker's command channel until ctx ends. Every
// command runs on its own goroutine so a slow activation never delays
// the next command.
func (w *Worker) commandLoop(ctx context.Context, sub *cluster.Subscription) error {
	msgs := sub.Messages()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			w.dispatch(ctx, msg.Payload)
		}
	}
}

// dispatch decodes one envelope and starts its handler. Handlers run with
// a context that survives shutdown so a started lifecycle step is never
// abandoned half way; Shutdown waits for them.
func (w *Worker) dispatch(ctx context.Context, payload string) {
	e, err := cluster.ParseEvent(payload)
	if err != nil {
		w.logger.Warn("dropping malformed command", "error", err)
		return
	}

	var handle func(context.Context, cluster.InstanceCommand)
	switch e.EventType {
	case cluster.EventModelInstanceScheduled:
		handle = w.handleScheduled
	case cluster.EventTerminateModelInstance:
		handle = w.handleTerminate
	default:
		w.logger.Info("unknown event type, skipping", "event_type", e.EventType)
		return
	}

	var cmd cluster.InstanceCommand
	if err := e.Decode(&cmd); err != nil {
		w.logger.Warn("dropping malformed command", "event_type", e.EventType, "error", err)
		return
	}

	w.handlers.Add(1)
	go func() {
		defer w.handlers.Done()
		handle(context.WithoutCancel(ctx), cmd)
	}()
}

// HandleCommand processes one raw command envelope synchronously.
func (w *Worker) HandleCommand(ctx context.Context, payload string) {
	w.dispatch(ctx, payload)
	w.handlers.Wait()
}

func (w *Worker) handleScheduled(ctx context.Context, cmd cluster.InstanceCommand) {
	ns, version, inst, ok := w.resolve(ctx, cmd)
	if !ok {
		return
	}
	if inst.State != catalog.StateScheduled {
		w.logger.Warn("schedule for instance no longer scheduled, ignoring", "instance", inst.ID, "state", inst.State)
		return
	}
	w.Activate(ctx, ns, version, inst)
}

func (w *Worker) handleTerminate(ctx context.Context, cmd cluster.InstanceCommand) {
	_, _, inst, ok := w.resolve(ctx, cmd)
	if !ok {
		return
	}
	local := w.Local(inst)
	if local == nil {
		w.logger.Debug("terminate for unregistered instance, ignoring", "instance", inst.ID)
		return
	}
	w.Deactivate(ctx, local)
}

// resolve re-reads namespace, model, version and instance from the store
// so that a command never acts on a stale payload. A missing link means
// the command is obsolete.
func (w *Worker) resolve(ctx context.Context, cmd cluster.InstanceCommand) (*catalog.Namespace, *catalog.Version, *catalog.Instance, bool) {
	log := w.logger.With("namespace", cmd.NamespaceID, "model", cmd.ModelID, "version", cmd.ModelVersionID, "instance", cmd.ModelInstanceID)
	if cmd.WorkerID != w.id {
		log.Error("command addressed to another worker", "expected", w.id, "found", cmd.WorkerID)
		return nil, nil, nil, false
	}

	skip := func(what string, err error) {
		if errors.Is(err, catalog.ErrNotFound) {
			log.Debug(what+" vanished, dropping command")
			return
		}
		log.Error("resolving command failed", "step", what, "error", err)
	}

	ns, err := w.store.ReadNamespace(ctx, cmd.NamespaceID)
	if err != nil {
		skip("namespace", err)
		return nil, nil, nil, false
	}
	if _, err := w.store.ReadModel(ctx, cmd.NamespaceID, cmd.ModelID); err != nil {
		skip("model", err)
		return nil, nil, nil, false
	}
	version, err := w.store.ReadVersion(ctx, cmd.NamespaceID, cmd.ModelID, cmd.ModelVersionID)
	if err != nil {
		skip("version", err)
		return nil, nil, nil, false
	}
	inst, err := w.store.ReadInstance(ctx, cmd.NamespaceID, cmd.ModelID, cmd.ModelVersionID, cmd.ModelInstanceID)
	if err != nil {
		skip("instance", err)
		return nil, nil, nil, false
	}
	return ns, version, inst, true
}
