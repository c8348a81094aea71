// Package protocol owns the battlegrounds wire contract.
//
// Ownership boundary:
// - fixed 6-byte header (op code, version, session id)
// - message layouts for AUTH, AUTH_OK, PROP, PROP_OK, MOVE_OP, MOVE_EVENT
// - movement bit packing and prop shape payloads
// - 16-bit sequence comparison
//
// Every multi-byte field, floats included, is big-endian (network order).
// Encode and Decode are pure: no I/O and no state.
package protocol
