// Package buffer wraps caller memory with a dtype and shape so collectives
// can move and reduce it without copying.
//
// Ownership boundary:
// - aliasing typed Go slices as raw bytes
// - shape bookkeeping and row/element addressing
// - elementwise sum kernels per dtype
package buffer
