// Package reconcile owns topology state and turns desired/observed deltas into
// plans that execute one step per scheduling tick.
//
// Ownership boundary:
// - expected, previous and current plan state
//
// - the service and relation diff
//
// - non-blocking mutual exclusion around plan execution
//
// - plan archival into bounded history and an optional Archiver
package reconcile
