// Package planner provides ready-made planning collaborators for common task
// shapes: fixed plans, sequential pipelines with templated inputs, swarm
// fan-outs, and an LLM-backed planner that asks a plan-capable worker to
// decompose the goal into a step DAG.
//
// Every planner implements core.Planner and can be handed to the engine via
// engine.WithPlanner (or taskmesh.Options.Planner). The state machine
// validates whatever a planner returns, so a misbehaving planner fails the
// task rather than the process.
package planner
