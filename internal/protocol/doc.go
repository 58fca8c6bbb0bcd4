// Package protocol owns the peer-mesh wire contract.
//
// Ownership boundary:
// - frame: fixed 32-byte header plus payload
// - tlv: typed field encoding inside frame payloads
// - schema: message types and required fields
// - session: hello handshake, data frames, dial backoff
package protocol
