// Package topology owns the desired and observed topology data model.
//
// Ownership boundary:
// - desired topology documents (services + relation expressions)
//
// - observed topology snapshots reported by a deployment target
//
// - endpoint parsing and relation normalization/matching
//
// Topology values carry no behavior against a target; they are read by the
// reconciler and never handed to the execution surface whole.
package topology
