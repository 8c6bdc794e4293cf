// Package surface defines the execution surface the reconciler drives.
//
// Ownership boundary:
// - the Surface contract consumed by remedial steps
//
// - an in-process Memory target used by tests and dry runs
//
// - a Command target that drives a deployment CLI through tools.CommandRunner
package surface
