// Package rendezvous owns the shared key/value blackboard that ranks use to
// find each other before any point-to-point traffic exists.
//
// Ownership boundary:
// - Store contract: write-once Put, blocking Get with timeout
// - in-process MemoryStore
// - HTTP Server (gin) and HTTPStore client for cross-process rendezvous
// - key derivation per communicator group
package rendezvous
