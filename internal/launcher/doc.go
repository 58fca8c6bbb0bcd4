// Package launcher runs one worker function per rank and reports every
// failure once all workers have returned.
//
// Ownership boundary:
// - local mode: one goroutine per rank, panics captured as failures
// - foreign mode: an outside coordinator's rank assignment, run in-process
// - LaunchError/WorkerError reporting in rank order
//
// Workers still blocked in a collective when a peer fails are not released;
// Launch returns only after every worker has returned.
package launcher
