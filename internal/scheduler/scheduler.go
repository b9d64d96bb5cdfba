// Package scheduler implements the periodic reconciliation loop that keeps
// every model at its target number of instances.
//
// There is no leader. Every process may run a scheduler; a cycle is only
// executed by the process that wins the cluster-wide scheduler lock for
// it. A cycle:
//
//  1. refreshes the cache of serving workers from their heartbeat records
//  2. walks every (namespace, model) pair in the store
//  3. marks instances on dead workers terminating
//  4. retires outdated instances once enough latest ones are serving
//  5. assigns new latest instances to the least loaded eligible workers
//  6. sleeps for the rest of the interval, still holding the lock
//
// Between cycles a listener keeps the worker cache fresh from
// WORKER_UPDATE events.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/exp/slices"
	"golang.org/x/sync/errgroup"

	"github.com/dreamware/inferout/internal/catalog"
	"github.com/dreamware/inferout/internal/cluster"
	"github.com/dreamware/inferout/internal/metrics"
)

// Config controls the reconciliation pace.
type Config struct {
	// Interval is the wall time budget of one cycle including its sleep.
	Interval time.Duration

	// WarnThreshold: a remaining sleep at or below it is logged as a
	// warning.
	WarnThreshold time.Duration

	// LockRetry is the back-off after losing the lock to another process.
	LockRetry time.Duration

	// AssignDelay paces successive assignments.
	AssignDelay time.Duration
}

// DefaultConfig returns the stock pacing.
func DefaultConfig() Config {
	return Config{
		Interval:      5 * time.Second,
		WarnThreshold: 3 * time.Second,
		LockRetry:     500 * time.Millisecond,
		AssignDelay:   100 * time.Millisecond,
	}
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// Scheduler reconciles desired and actual model instances.
type Scheduler struct {
	store   *catalog.Store
	cluster *cluster.Cluster
	cfg     Config
	lock    *cluster.Lock
	active  *activeWorkers
	logger  *slog.Logger
}

// New returns a scheduler over store.
func New(store *catalog.Store, cfg Config, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:   store,
		cluster: store.Cluster(),
		cfg:     cfg,
		lock:    store.Cluster().Lock(cluster.SchedulerKey),
		active:  newActiveWorkers(),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RefreshActive reloads the worker cache from every heartbeat record in
// state serving.
func (s *Scheduler) RefreshActive(ctx context.Context) error {
	recs, err := s.store.ListWorkers(ctx)
	if err != nil {
		return fmt.Errorf("scheduler: refresh workers: %w", err)
	}
	recs = slices.DeleteFunc(recs, func(r *catalog.WorkerRecord) bool {
		return r.State != catalog.WorkerServing
	})
	s.active.replace(recs)
	return nil
}

// ActiveWorkers returns the ids of the cached serving workers in scan
// order.
func (s *Scheduler) ActiveWorkers() []string {
	recs := s.active.list()
	ids := make([]string, len(recs))
	for i, r := range recs {
		ids[i] = r.ID
	}
	return ids
}

// SelectWorker returns the active worker advertising both engines of
// settings with the fewest model instances. Ties go to the worker seen
// first. ok is false when no worker is eligible.
func (s *Scheduler) SelectWorker(settings catalog.Settings) (id string, ok bool) {
	eligible := slices.DeleteFunc(s.active.list(), func(r catalog.WorkerRecord) bool {
		return !r.Supports(settings.StorageEngine, settings.ServingEngine)
	})
	if len(eligible) == 0 {
		return "", false
	}
	best := slices.MinFunc(eligible, func(a, b catalog.WorkerRecord) int {
		return a.ModelInstancesCount - b.ModelInstancesCount
	})
	return best.ID, true
}

// HandleWorkerUpdate re-reads the heartbeat record of the worker named in
// a WORKER_UPDATE event and adds it to, or drops it from, the cache.
func (s *Scheduler) HandleWorkerUpdate(ctx context.Context, upd cluster.WorkerUpdate) {
	rec, err := s.store.ReadWorker(ctx, upd.WorkerID)
	switch {
	case errors.Is(err, catalog.ErrNotFound):
		s.active.remove(upd.WorkerID)
	case err != nil:
		s.logger.Warn("reading updated worker failed", "worker", upd.WorkerID, "error", err)
	case rec.State == catalog.WorkerServing:
		s.active.upsert(rec)
	default:
		s.active.remove(upd.WorkerID)
	}
}

// Cycle runs one reconciliation pass. The caller must hold the scheduler
// lock. A failure on one model is logged and does not stop the others;
// the returned error reports whether any model failed.
func (s *Scheduler) Cycle(ctx context.Context) error {
	if err := s.RefreshActive(ctx); err != nil {
		return err
	}
	refs, err := s.store.ListModelRefs(ctx)
	if err != nil {
		return fmt.Errorf("scheduler: list models: %w", err)
	}

	var failed int
	for _, ref := range refs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.reconcile(ctx, ref); err != nil {
			failed++
			s.logger.Error("reconciling model failed", "namespace", ref.NamespaceID, "model", ref.ModelID, "error", err)
		}
	}
	if failed > 0 {
		return fmt.Errorf("scheduler: %d of %d models failed to reconcile", failed, len(refs))
	}
	return nil
}

// reconcile brings one model toward its target. Vanished namespaces or
// models are skipped.
func (s *Scheduler) reconcile(ctx context.Context, ref catalog.ModelRef) error {
	ns, err := s.store.ReadNamespace(ctx, ref.NamespaceID)
	if errors.Is(err, catalog.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	model, err := s.store.ReadModel(ctx, ref.NamespaceID, ref.ModelID)
	if errors.Is(err, catalog.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	log := s.logger.With("namespace", ns.ID, "model", model.ID)

	instances, err := s.store.ListInstances(ctx, ns.ID, model.ID, 0)
	if err != nil {
		return err
	}

	var latest, outdated []*catalog.Instance
	for _, inst := range instances {
		if !s.active.has(inst.WorkerID) && inst.State != catalog.StateTerminating {
			log.Info("reclaiming orphaned instance", "instance", inst.ID, "worker", inst.WorkerID)
			inst.State = catalog.StateTerminating
			if err := s.store.SaveInstance(ctx, inst); err != nil {
				return err
			}
			metrics.InstancesTerminated.WithLabelValues("orphaned").Inc()
			continue
		}
		if inst.ModelVersionID == model.LatestVersionID {
			latest = append(latest, inst)
		} else {
			outdated = append(outdated, inst)
		}
	}

	target := ns.Settings.InstancesPerModel.Target
	servingLatest := 0
	for _, inst := range latest {
		if inst.State == catalog.StateServing {
			servingLatest++
		}
	}

	// outdated capacity is only retired once the replacement serves
	if servingLatest >= target {
		for _, inst := range outdated {
			if inst.State == catalog.StateTerminating {
				continue
			}
			log.Info("retiring outdated instance", "instance", inst.ID, "version", inst.ModelVersionID)
			if err := s.command(ctx, cluster.EventTerminateModelInstance, inst); err != nil {
				return err
			}
			metrics.InstancesTerminated.WithLabelValues("outdated").Inc()
		}
	}

	deficit := target - len(latest)
	for i := 0; i < deficit; i++ {
		workerID, ok := s.SelectWorker(ns.Settings)
		if !ok {
			log.Warn("no eligible worker, leaving model short",
				"storage_engine", ns.Settings.StorageEngine,
				"serving_engine", ns.Settings.ServingEngine,
				"missing", deficit-i)
			metrics.SchedulingFailures.Inc()
			return nil
		}
		inst, err := s.store.CreateInstance(ctx, ns.ID, model.ID, model.LatestVersionID, workerID)
		if err != nil {
			return err
		}
		if err := s.command(ctx, cluster.EventModelInstanceScheduled, inst); err != nil {
			return err
		}
		s.active.bump(workerID)
		metrics.InstancesScheduled.Inc()
		log.Info("instance scheduled", "instance", inst.ID, "version", inst.ModelVersionID, "worker", workerID)

		if err := sleep(ctx, s.cfg.AssignDelay); err != nil {
			return err
		}
	}
	return nil
}

// command publishes an instance command on the owning worker's channel.
func (s *Scheduler) command(ctx context.Context, eventType string, inst *catalog.Instance) error {
	return s.cluster.Publish(ctx, s.cluster.WorkerChannel(inst.WorkerID), eventType, cluster.InstanceCommand{
		NamespaceID:     inst.NamespaceID,
		ModelID:         inst.ModelID,
		ModelVersionID:  inst.ModelVersionID,
		ModelInstanceID: inst.ID,
		WorkerID:        inst.WorkerID,
	})
}

// Run subscribes to worker updates and then drives the reconciliation
// loop until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	sub, err := s.cluster.Subscribe(ctx, s.cluster.SchedulerChannel())
	if err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}
	defer sub.Close()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.listen(gctx, sub) })
	g.Go(func() error { return s.loop(gctx) })
	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (s *Scheduler) listen(ctx context.Context, sub *cluster.Subscription) error {
	msgs := sub.Messages()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			e, err := cluster.ParseEvent(msg.Payload)
			if err != nil {
				s.logger.Warn("dropping malformed event", "error", err)
				continue
			}
			if e.EventType != cluster.EventWorkerUpdate {
				s.logger.Info("unknown event type, skipping", "event_type", e.EventType)
				continue
			}
			var upd cluster.WorkerUpdate
			if err := e.Decode(&upd); err != nil {
				s.logger.Warn("dropping malformed event", "event_type", e.EventType, "error", err)
				continue
			}
			s.HandleWorkerUpdate(ctx, upd)
		}
	}
}

// loop competes for the scheduler lock and runs one cycle per interval
// while holding it.
func (s *Scheduler) loop(ctx context.Context) error {
	s.logger.Info("scheduler started", "interval", s.cfg.Interval)
	for {
		ok, err := s.lock.TryAcquire(ctx)
		if err != nil && ctx.Err() == nil {
			s.logger.Warn("acquiring scheduler lock failed", "error", err)
		}
		if !ok {
			if err == nil {
				metrics.SchedulerLockContention.Inc()
			}
			if err := sleep(ctx, s.cfg.LockRetry); err != nil {
				return err
			}
			continue
		}

		err = s.runCycle(ctx)
		if rerr := s.lock.Release(context.WithoutCancel(ctx)); rerr != nil {
			s.logger.Warn("releasing scheduler lock failed", "error", rerr)
		}
		if err != nil {
			return err
		}
	}
}

// runCycle executes one cycle and sleeps out the remainder of the
// interval. It only returns an error when ctx ends.
func (s *Scheduler) runCycle(ctx context.Context) error {
	start := time.Now()
	err := s.Cycle(ctx)
	elapsed := time.Since(start)
	metrics.SchedulerCycleDuration.Observe(elapsed.Seconds())
	if ctx.Err() != nil {
		return ctx.Err()
	}

	status := "ok"
	if err != nil {
		status = "error"
		s.logger.Error("reconciliation cycle failed", "error", err)
	}

	remaining := s.cfg.Interval - elapsed
	switch {
	case remaining <= 0:
		status = "overrun"
		s.logger.Error("reconciliation cycle exceeded its interval", "elapsed", elapsed, "interval", s.cfg.Interval)
	case remaining <= s.cfg.WarnThreshold:
		s.logger.Warn("reconciliation cycle close to its interval", "elapsed", elapsed, "remaining", remaining)
	default:
		s.logger.Debug("reconciliation cycle done", "elapsed", elapsed)
	}
	metrics.SchedulerCycles.WithLabelValues(status).Inc()

	if remaining > 0 {
		return sleep(ctx, remaining)
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
