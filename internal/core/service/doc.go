// Package service contains the control plane: the Manager that owns every
// App and Instance state change, and the Checker that probes instances and
// reports what it sees.
//
// The registry inside the Manager is the only synchronized view of
// runtime state, and the Manager is its only writer.
// Everything else (probe loops, readiness callbacks, the admin API, the
// data plane) reports events in and reads immutable snapshots out. Ready
// snapshots are rebuilt on transition and handed out as-is, so routing
// never contends with a state change.
//
// Durable state lives behind ports.Store, but it is a hint rather than
// truth: after a restart, Recover re-probes everything the store claims is
// alive and fails what cannot answer.
package service
