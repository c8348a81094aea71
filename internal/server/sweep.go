package server

import (
	"context"
	"time"

	"github.com/danmuck/battlegrounds/internal/protocol/session"
)

func (s *Service) runSweeper(ctx context.Context) {
	if s.cfg.IdleTimeout <= 0 || s.cfg.SweepInterval <= 0 {
		return
	}
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if n := s.sweepIdle(now); n > 0 {
				s.log.Info().Int("closed", n).Msg("idle sessions swept")
			}
		}
	}
}

// sweepIdle closes every session silent for longer than IdleTimeout.
func (s *Service) sweepIdle(now time.Time) int {
	if s.cfg.IdleTimeout <= 0 {
		return 0
	}
	s.mu.Lock()
	var stale []*conn
	for _, c := range s.conns {
		if now.Sub(c.sess.LastSeen()) > s.cfg.IdleTimeout {
			stale = append(stale, c)
		}
	}
	s.mu.Unlock()
	for _, c := range stale {
		c.sess.Close(session.ErrIdleTimeout)
	}
	return len(stale)
}
