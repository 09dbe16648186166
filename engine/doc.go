// Package engine orchestrates task execution for TaskMesh.
//
// The Engine is the central coordination point: it owns the capability
// registry, the dispatch router, the swarm coordinator, and the memory
// router, and it manages the complete lifecycle of submitted tasks.
//
// Core responsibilities:
//   - Admission: goal validation, budget ceilings, and capacity limits are
//     enforced before any state is recorded
//   - Task management: one state machine instance per admitted contract,
//     with status snapshots, cancellation, and result retrieval
//   - Worker management: registration, heartbeats, and health sweeping
//   - Resource management: bounded concurrent tasks with priority bypass
//     for critical work
//
// Concurrency model:
//   - Thread-safe task and worker registration via mutexes
//   - One driving goroutine per admitted task
//   - Cooperative cancellation propagated through contexts
//
// All services have in-memory defaults so the engine is usable without
// external dependencies; production deployments swap in persistent stores
// and real collaborators through functional options.
package engine
