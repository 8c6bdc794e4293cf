// Package plan holds remedial steps and the plans that order them.
//
// Ownership boundary:
// - step state machine and failure capture
//
// - plan advancement, one step per call
//
// - step and plan reports for the status surface
package plan
