// Package worker implements the inferout worker runtime.
//
// A worker is a process that can host model instances. It owns no shared
// state: everything other processes need to know about it is published to
// Redis, and everything it is asked to do arrives as a command on its own
// pub/sub channel.
//
// # Responsibilities
//
//   - Identity: a random URL-safe id chosen at construction.
//   - Heartbeat: the worker record (state, serving endpoint, engine names,
//     instance count) is rewritten together with its TTL every heartbeat
//     interval. An expired record is how the cluster learns the worker died.
//   - Capabilities: storage and serving engines are resolved from the
//     engine registry at startup; any failure aborts the start.
//   - Lifecycle: MODEL_INSTANCE_SCHEDULED and TERMINATE_MODEL_INSTANCE
//     commands drive instances through their state machine (see Activate
//     and Deactivate). Every transition is persisted and followed by a
//     WORKER_UPDATE event.
//   - Inference: Route selects a local or remote serving instance; Infer
//     runs a local one.
//
// # Concurrency
//
// The heartbeat loop and the command reader run under one errgroup. Each
// command is handled on its own goroutine. Engine calls go through the
// Executor, which bounds their parallelism and never cancels a call once
// started. The local instance table is guarded by a single mutex and is
// never touched by any other process.
//
// Shutdown advertises shutting_down, stops the loops and waits for every
// in-flight command handler to finish.
package worker
