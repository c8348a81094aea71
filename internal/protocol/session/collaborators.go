package session

import (
	"context"

	"github.com/danmuck/battlegrounds/internal/protocol"
)

// AuthRequest is what the engine knows when AUTH arrives: the ticket from the
// header and the transport endpoint it came from.
type AuthRequest struct {
	Ticket   uint32
	Endpoint string
}

// CharacterInit is the character selected at login.
type CharacterInit struct {
	Name     string
	Movement protocol.MovementState
}

// Authenticator validates session-establishment credentials.
type Authenticator interface {
	Authenticate(ctx context.Context, req AuthRequest) (CharacterInit, error)
}

// View is what the world query sees of a session.
type View struct {
	SessionID uint32
	Name      string
	Movement  protocol.MovementState
}

// WorldQuery enumerates static props near a session.
type WorldQuery interface {
	NearbyProps(ctx context.Context, view View) ([]protocol.Prop, error)
}

// Transport sends one encoded datagram to a session's endpoint. It must not block.
type Transport interface {
	Send(sessionID uint32, datagram []byte) error
}

// Broadcaster routes a processed move to interested sessions.
type Broadcaster interface {
	BroadcastMoveEvent(origin uint32, ev protocol.MoveEvent)
}

// Registrar assigns session ids. Unregister only removes id while it still maps to s.
type Registrar interface {
	Register(s *Session) (uint32, error)
	Unregister(id uint32, s *Session)
}
