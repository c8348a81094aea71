// Package session owns the per-connection protocol state machine.
//
// Ownership boundary:
// - Unauthenticated -> AwaitingWorld -> Active transitions
// - reliable exchanges (AUTH_OK, PROP) via Channel
// - PROP_OK correlation (PropOutbox + AckPolicy)
// - movement sequencing and MOVE_EVENT emission
//
// Authentication, world queries, transport and event routing are
// collaborators supplied through Deps.
package session
