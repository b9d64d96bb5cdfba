// Package cluster provides the coordination layer for inferout, implementing
// cluster identity, key namespacing, lease locks and the event bus that all
// worker processes share through a single Redis deployment.
//
// # Overview
//
// inferout has no coordinator process. Every worker talks only to Redis, and
// Redis is the single source of truth for cluster membership, the model
// catalog and instance placement. This package is the thin layer that turns a
// Redis client into a named cluster:
//
//	┌──────────────┐ ┌──────────────┐ ┌──────────────┐
//	│  Worker A    │ │  Worker B    │ │  Worker C    │
//	│  scheduler   │ │  scheduler   │ │  scheduler   │
//	└──────┬───────┘ └──────┬───────┘ └──────┬───────┘
//	       │                │                │
//	       └────────────────┼────────────────┘
//	                        │
//	              ┌─────────▼─────────┐
//	              │      Redis        │
//	              │ - hash records    │
//	              │ - TTL heartbeats  │
//	              │ - pub/sub         │
//	              │ - lease locks     │
//	              └───────────────────┘
//
// # Core Components
//
// Cluster: binds a Redis client to a key prefix and a cluster name
//   - Key / ChannelKey build "::"-joined hierarchical names
//   - Bootstrap writes the identity record once, under lock
//   - Sync verifies the identity before a worker joins
//
// Lock: a named lease lock
//   - SET NX PX with a random token, 10 second lease
//   - Non-blocking: TryAcquire never waits, contention returns false
//   - Release is compare-and-delete through a Lua script
//
// Events: the envelope {event_type, event_data}
//   - WORKER_UPDATE on the scheduler channel (worker → scheduler)
//   - MODEL_INSTANCE_SCHEDULED / TERMINATE_MODEL_INSTANCE on a worker's
//     own channel (scheduler → worker)
//
// # Key Layout
//
//	<prefix>::@cluster_info                         cluster identity
//	<prefix>::{@worker-<id>}                        worker heartbeat
//	<prefix>::lock::<name>                          lease locks
//	<prefix>::channel::<name>                       pub/sub channels
//
// The catalog package adds namespace, model, version and instance keys under
// the same prefix.
//
// # Delivery Guarantees
//
// Pub/sub is at-most-once and unordered relative to stored state. Consumers
// re-read the authoritative records before acting on an event.
//
// # Usage Example
//
//	rdb := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	c := cluster.New(rdb, "inferout", "prod")
//	if err := c.Sync(ctx); err != nil {
//	    log.Fatalf("join: %v", err)
//	}
//
//	lock := c.Lock("@scheduler")
//	if ok, _ := lock.TryAcquire(ctx); ok {
//	    defer lock.Release(ctx)
//	    // one reconciliation cycle
//	}
//
// # See Also
//
// Related packages:
//   - internal/catalog: typed records stored under the cluster prefix
//   - internal/worker: heartbeat and lifecycle execution
//   - internal/scheduler: reconciliation under the scheduler lock
package cluster
