// Package comm owns the per-rank communicator and the collective algorithms.
//
// Ownership boundary:
// - communicator construction: token rendezvous, transport mesh, join barrier
// - buffer validation before any data moves
// - tree broadcast/reduce and ring all-reduce/reduce-scatter/all-gather
// - direct scatter/gather/all-to-all, dissemination barrier, point-to-point
// - optional per-collective sequence check
//
// Every rank must issue the same collectives in the same order. Without the
// sequence check a mismatch is not detected and ranks hang or read wrong data.
// A rank that stops calling collectives leaves its peers blocked.
package comm
