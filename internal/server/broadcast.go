package server

import (
	"github.com/danmuck/battlegrounds/internal/protocol"
	"github.com/danmuck/battlegrounds/internal/protocol/session"
	"github.com/danmuck/battlegrounds/internal/world"
)

// BroadcastMoveEvent implements session.Broadcaster. The event goes to every
// other Active session, limited to InterestRadius around the new position
// when one is configured. It runs under the origin's session lock and only
// reads other sessions through their atomic accessors.
func (s *Service) BroadcastMoveEvent(origin uint32, ev protocol.MoveEvent) {
	b, err := protocol.Encode(protocol.Packet{SessionID: origin, Message: ev})
	if err != nil {
		s.log.Warn().Uint32("session_id", origin).Err(err).Msg("move event not encodable")
		return
	}
	radius := s.cfg.InterestRadius
	s.reg.Range(func(id uint32, other *session.Session) bool {
		if id == origin || other.State() != session.StateActive {
			return true
		}
		if radius > 0 && world.Distance(other.Movement().Position, ev.Movement.Position) > radius {
			return true
		}
		if err := s.Send(id, b); err != nil {
			s.log.Debug().Uint32("session_id", id).Err(err).Msg("move event not delivered")
		}
		return true
	})
}
