// Package core provides the foundational domain types, interfaces and error
// taxonomy used by TaskMesh. It defines the core abstractions for:
//
//   - TaskContract (the top-level unit of work with goal, budget and plan)
//   - Plans and Steps (the dependency DAG a task executes)
//   - Workers (capability-declaring dispatch targets) and their records
//   - Memory entries and the pluggable shared / episodic / cache stores
//   - External collaborator contracts (planner, validator, redactor)
//   - Retry policies evaluated by the routers
//
// The package intentionally keeps implementation concerns (persistence,
// routing, state machine orchestration, concrete workers) out of scope,
// exposing small interfaces to enable custom backends and extensions.
package core
