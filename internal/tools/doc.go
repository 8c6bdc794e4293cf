// Package tools provides command runners shared by execution surfaces.
//
// Ownership boundary:
// - local command execution
//
// - remote command execution over ssh
package tools
