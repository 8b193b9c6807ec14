// Package shutdown releases gateway resources in phases.
//
// Handlers are registered with a phase; lower phases run first and the
// handlers of one phase run concurrently. The gateway uses four phases:
//
//	PhaseListener  stop accepting upgrades
//	PhaseSessions  wait for live sessions and their in-flight handlers
//	PhaseFlush     drain the audit queue, export pending spans
//	PhaseBackends  close the bus and the shared store
//
// A phase that starts after the context ended is skipped and Shutdown
// reports ErrTimeout.
package shutdown
