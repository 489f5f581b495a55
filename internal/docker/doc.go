// Package docker is a typed client for the container engine API built on
// internal/transport. On top of the raw engine calls it provides the two
// workload paths: Container runs a single container to completion with its
// output demultiplexed, and Orchestrator runs a one-shot swarm service and
// always deletes it before returning.
package docker
