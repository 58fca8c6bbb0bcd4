// Package transport gives every rank of a communicator point-to-point
// reachability to every other rank.
//
// Ownership boundary:
// - Endpoint/Connector contract used by the communicator
// - per-peer FIFO mailboxes so sends never wait on the receiver
// - LocalFabric for goroutine ranks in one process
// - TCP full mesh: store address exchange, hello handshake, framed data
package transport
