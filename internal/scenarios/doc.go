// Package scenarios holds named end-to-end checks of the collective layer.
//
// Ownership boundary:
// - scenario registry with id validation and deterministic listing
// - built-in scenarios, one per operation, each verifying its own output
// - local (goroutine ranks) and foreign (one rank per process) runners
//
// Scenarios whose operation does not support the requested dtype are
// reported as skipped, not failed.
package scenarios
