// Package session owns peer-mesh connection helpers.
//
// Ownership boundary:
// - hello/hello.ack control lines exchanged when two ranks connect
// - data and sequence frame encode/decode
// - retry/backoff primitives used while dialing peers
package session
