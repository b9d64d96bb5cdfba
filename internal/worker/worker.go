package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"golang.org/x/exp/slices"
	"golang.org/x/sync/errgroup"

	"github.com/dreamware/inferout/internal/catalog"
	"github.com/dreamware/inferout/internal/cluster"
	"github.com/dreamware/inferout/internal/engine"
	"github.com/dreamware/inferout/internal/metrics"
)

// HeartbeatTTLMultiplier sets the heartbeat record TTL relative to the
// heartbeat interval.
const HeartbeatTTLMultiplier = 2

// ErrNotStarted is returned by Run when Start has not completed.
var ErrNotStarted = errors.New("worker not started")

// Config holds the worker settings taken from process configuration.
type Config struct {
	HeartbeatInterval   time.Duration
	ServingEndpoint     string
	StorageEngines      []string
	ServingEngines      []string
	EngineOptions       map[string]map[string]any
	ExecutorConcurrency int
}

// Option configures a Worker.
type Option func(*Worker)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(w *Worker) { w.logger = l }
}

// WithID overrides the random worker id.
func WithID(id string) Option {
	return func(w *Worker) { w.id = id }
}

// Worker is one member of the inferout fleet. It advertises itself through
// a heartbeat record, executes lifecycle commands addressed to it and
// serves inference for the instances it has loaded.
//
// Lifecycle:
//
//	New -> Start (initializing heartbeat, engine load, serving heartbeat,
//	command subscription) -> Run (heartbeat + command loops) -> Shutdown
//
// Thread-safe: the local instance table and state are guarded; commands
// are handled on their own goroutines and tracked for shutdown.
type Worker struct {
	id       string
	cfg      Config
	store    *catalog.Store
	cluster  *cluster.Cluster
	registry *engine.Registry
	exec     *Executor
	table    *Table
	logger   *slog.Logger

	storage map[string]engine.StorageEngine
	serving map[string]engine.ServingEngine

	mu       sync.RWMutex
	state    string
	sub      *cluster.Subscription
	handlers sync.WaitGroup

	// shuffle orders remote routing candidates; replaced in tests.
	shuffle func(n int, swap func(i, j int))
}

// New creates a worker with a random URL-safe id. Engines are resolved from
// registry by Start.
//
// Parameters:
//   - store: catalog store bound to the joined cluster
//   - registry: engine factories available to this process
//   - cfg: heartbeat, endpoint, engine and executor settings
//
// Example:
//
//	w := worker.New(store, engine.DefaultRegistry(), cfg, worker.WithLogger(logger))
//	if err := w.Start(ctx); err != nil { ... }
//	err := w.Run(ctx)
func New(store *catalog.Store, registry *engine.Registry, cfg Config, opts ...Option) *Worker {
	w := &Worker{
		id:       catalog.NewInstanceID(),
		cfg:      cfg,
		store:    store,
		cluster:  store.Cluster(),
		registry: registry,
		exec:     NewExecutor(cfg.ExecutorConcurrency),
		table:    NewTable(),
		logger:   slog.Default(),
		storage:  map[string]engine.StorageEngine{},
		serving:  map[string]engine.ServingEngine{},
		shuffle:  rand.Shuffle,
	}
	for _, o := range opts {
		o(w)
	}
	w.logger = w.logger.With("worker_id", w.id)
	return w
}

// ID returns the worker id.
func (w *Worker) ID() string { return w.id }

// State returns the advertised worker state.
func (w *Worker) State() string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.state
}

// Store returns the catalog store the worker reads and writes.
func (w *Worker) Store() *catalog.Store { return w.store }

// ServingEndpoint returns the URL other workers proxy inference to.
func (w *Worker) ServingEndpoint() string { return w.cfg.ServingEndpoint }

// LocalInstances returns the number of registered instances.
func (w *Worker) LocalInstances() int { return w.table.Len() }

// Local returns the registered entry for an instance, or nil.
func (w *Worker) Local(inst *catalog.Instance) *LocalInstance {
	return w.table.Get(w.store.InstanceKey(inst))
}

func (w *Worker) setState(s string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.state = s
}

// Start joins the fleet: it advertises the worker as initializing, loads
// and validates every configured engine, advertises serving and subscribes
// to the worker's command channel. Any engine failure aborts startup.
func (w *Worker) Start(ctx context.Context) error {
	w.setState(catalog.WorkerInitializing)
	if err := w.Report(ctx, true); err != nil {
		return err
	}

	storage, err := w.registry.LoadStorage(ctx, w.cfg.StorageEngines, w.cfg.EngineOptions)
	if err != nil {
		return fmt.Errorf("worker: %w", err)
	}
	serving, err := w.registry.LoadServing(ctx, w.cfg.ServingEngines, w.cfg.EngineOptions)
	if err != nil {
		return fmt.Errorf("worker: %w", err)
	}
	w.mu.Lock()
	w.storage = storage
	w.serving = serving
	w.mu.Unlock()
	w.logger.Info("engines loaded", "storage", w.cfg.StorageEngines, "serving", w.cfg.ServingEngines)

	sub, err := w.cluster.Subscribe(ctx, w.cluster.WorkerChannel(w.id))
	if err != nil {
		return fmt.Errorf("worker: %w", err)
	}
	w.mu.Lock()
	w.sub = sub
	w.mu.Unlock()

	w.setState(catalog.WorkerServing)
	if err := w.Report(ctx, true); err != nil {
		return err
	}
	w.logger.Info("worker serving", "endpoint", w.cfg.ServingEndpoint)
	return nil
}

// Run drives the heartbeat and command loops until ctx is cancelled, then
// runs Shutdown. It returns once every loop and in-flight command handler
// has finished.
func (w *Worker) Run(ctx context.Context) error {
	w.mu.RLock()
	sub := w.sub
	w.mu.RUnlock()
	if sub == nil {
		return ErrNotStarted
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return w.heartbeatLoop(gctx) })
	g.Go(func() error { return w.commandLoop(gctx, sub) })
	err := g.Wait()

	w.Shutdown(context.WithoutCancel(ctx))
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Shutdown advertises shutting_down, closes the command subscription and
// waits for in-flight command handlers. Engine calls already running are
// allowed to finish.
func (w *Worker) Shutdown(ctx context.Context) {
	w.setState(catalog.WorkerShuttingDown)
	if err := w.Report(ctx, true); err != nil {
		w.logger.Warn("final heartbeat failed", "error", err)
	}

	w.mu.Lock()
	sub := w.sub
	w.sub = nil
	w.mu.Unlock()
	if sub != nil {
		_ = sub.Close()
	}

	w.handlers.Wait()
	w.logger.Info("worker stopped", "local_instances", w.table.Len())
}

// Report writes the heartbeat record and resets its TTL atomically. With
// event set it also publishes WORKER_UPDATE on the scheduler channel.
func (w *Worker) Report(ctx context.Context, event bool) error {
	w.mu.RLock()
	rec := &catalog.WorkerRecord{
		ID:                      w.id,
		State:                   w.state,
		ServingEndpoint:         w.cfg.ServingEndpoint,
		AvailableStorageEngines: sortedKeys(w.storage),
		AvailableServingEngines: sortedKeys(w.serving),
		ModelInstancesCount:     w.table.Len(),
	}
	w.mu.RUnlock()

	metrics.LocalInstances.Set(float64(rec.ModelInstancesCount))
	if err := w.store.SaveWorker(ctx, rec, HeartbeatTTLMultiplier*w.cfg.HeartbeatInterval); err != nil {
		metrics.Heartbeats.WithLabelValues("error").Inc()
		return fmt.Errorf("worker: heartbeat: %w", err)
	}
	metrics.Heartbeats.WithLabelValues("ok").Inc()

	if !event {
		return nil
	}
	err := w.cluster.Publish(ctx, w.cluster.SchedulerChannel(), cluster.EventWorkerUpdate, cluster.WorkerUpdate{
		WorkerID:            rec.ID,
		State:               rec.State,
		ModelInstancesCount: rec.ModelInstancesCount,
	})
	if err != nil {
		return fmt.Errorf("worker: %w", err)
	}
	return nil
}

// heartbeatLoop refreshes the heartbeat every interval until ctx ends.
// A failed write is logged; the record simply ages toward expiry.
func (w *Worker) heartbeatLoop(ctx context.Context) error {
	ticker := time.NewTicker(w.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := w.Report(ctx, false); err != nil && ctx.Err() == nil {
				w.logger.Warn("heartbeat failed", "error", err)
			}
		}
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
