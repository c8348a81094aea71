package server

import (
	"context"
	"errors"
	"hash/fnv"

	"github.com/danmuck/battlegrounds/internal/observability"
	"github.com/danmuck/battlegrounds/internal/protocol"
	"github.com/danmuck/battlegrounds/internal/protocol/session"
)

type inbound struct {
	c *conn
	p peer
	b []byte
}

// startWorkers launches one goroutine per shard. Datagrams from one
// endpoint always land on the same shard, so they are handled in arrival
// order.
func (s *Service) startWorkers(ctx context.Context) {
	s.shardMu.Lock()
	defer s.shardMu.Unlock()
	s.baseCtx = ctx
	s.shards = make([]chan inbound, s.cfg.Workers)
	for i := range s.shards {
		ch := make(chan inbound, s.cfg.QueueDepth)
		s.shards[i] = ch
		s.workers.Add(1)
		go func() {
			defer s.workers.Done()
			for in := range ch {
				s.handle(in)
			}
		}()
	}
}

// context is the serving context, cancelled on shutdown.
func (s *Service) context() context.Context {
	s.shardMu.RLock()
	defer s.shardMu.RUnlock()
	return s.baseCtx
}

func (s *Service) stopWorkers() {
	s.shardMu.Lock()
	for _, ch := range s.shards {
		close(ch)
	}
	s.shards = nil
	s.shardMu.Unlock()
	s.workers.Wait()
}

func shardFor(key string, n int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(n))
}

// receive is called by transports for every inbound datagram. Datagrams that
// cannot belong to a session are dropped here, before any session exists.
// AUTH is routed by endpoint, since it carries no session id yet; every other
// op is routed through the registry by its header session id.
func (s *Service) receive(p peer, b []byte) {
	observability.RecordDatagramReceived(p.Transport())
	h, err := protocol.DecodeHeader(b)
	if err != nil {
		s.drop(p, err)
		return
	}
	if !h.Op.Known() {
		s.drop(p, &protocol.DecodeError{Op: h.Op, Err: protocol.ErrUnknownOpCode})
		return
	}

	var c *conn
	if h.Op == protocol.OpAuth {
		var ok bool
		if c, ok = s.lookupConn(p.Key()); !ok {
			c, err = s.openConn(p)
		}
	} else {
		c, err = s.route(p, h.SessionID)
	}
	if err != nil {
		s.drop(p, err)
		return
	}

	s.shardMu.RLock()
	defer s.shardMu.RUnlock()
	if len(s.shards) == 0 {
		observability.RecordDatagramDropped("stopped")
		return
	}
	select {
	case s.shards[c.shard%len(s.shards)] <- inbound{c: c, p: p, b: b}:
	default:
		observability.RecordDatagramDropped("queue_full")
		s.log.Warn().Str("endpoint", p.Key()).Msg("worker queue full")
	}
}

// route resolves a session id to its conn. A datagram from an endpoint other
// than the session's is dropped or rebinds the session, per EndpointPolicy.
func (s *Service) route(p peer, id uint32) (*conn, error) {
	sess, ok := s.reg.Lookup(id)
	if !ok {
		return nil, ErrUnknownSession
	}
	s.mu.Lock()
	c, ok := s.owners[sess]
	if !ok {
		s.mu.Unlock()
		return nil, ErrUnknownSession
	}
	old := c.peer
	if old.Key() == p.Key() {
		s.mu.Unlock()
		return c, nil
	}
	if s.cfg.EndpointPolicy != EndpointRebind {
		s.mu.Unlock()
		return nil, ErrEndpointMismatch
	}
	if other, taken := s.conns[p.Key()]; taken && other != c {
		s.mu.Unlock()
		return nil, ErrEndpointInUse
	}
	delete(s.conns, old.Key())
	c.peer = p
	s.conns[p.Key()] = c
	s.mu.Unlock()

	sess.Rebind(p.Key())
	_ = old.Close()
	return c, nil
}

func (s *Service) handle(in inbound) {
	err := in.c.sess.HandleDatagram(s.baseCtx, in.b)
	if err == nil {
		return
	}
	s.drop(in.p, err)
	if errors.Is(err, session.ErrAuthFailed) && in.c.sess.State() == session.StateUnauthenticated {
		in.c.sess.Close(err)
	}
}

func (s *Service) drop(p peer, err error) {
	reason := dropReason(err)
	observability.RecordDatagramDropped(reason)
	ev := s.log.Debug()
	if reason == "auth_failed" || reason == "violation" {
		ev = s.log.Warn()
	}
	ev.Str("endpoint", p.Key()).Str("reason", reason).Err(err).Msg("datagram dropped")
}

func dropReason(err error) string {
	switch {
	case errors.Is(err, session.ErrStaleMove):
		return "stale_move"
	case errors.Is(err, session.ErrProtocolViolation):
		return "violation"
	case errors.Is(err, session.ErrAuthFailed):
		return "auth_failed"
	case errors.Is(err, session.ErrSessionClosed):
		return "session_closed"
	case errors.Is(err, ErrUnknownSession):
		return "unknown_session"
	case errors.Is(err, ErrEndpointMismatch):
		return "endpoint_mismatch"
	case errors.Is(err, ErrEndpointInUse):
		return "endpoint_in_use"
	default:
		return protocol.Reason(err)
	}
}

func (s *Service) lookupConn(key string) (*conn, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conns[key]
	return c, ok
}

func (s *Service) openConn(p peer) (*conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.conns[p.Key()]; ok {
		return c, nil
	}
	logger := s.log.With().Str("transport", p.Transport()).Logger()
	sess, err := session.New(p.Key(), s.cfg.Session, session.Deps{
		Auth:        s.deps.Auth,
		World:       s.deps.World,
		Transport:   s,
		Broadcaster: s,
		Registrar:   s.reg,
		Scheduler:   s.deps.Scheduler,
		Observer:    observability.SessionObserver{},
		OnClose:     s.sessionClosed,
		Logger:      &logger,
	})
	if err != nil {
		return nil, err
	}
	c := &conn{peer: p, sess: sess, shard: shardFor(p.Key(), s.cfg.Workers)}
	s.conns[p.Key()] = c
	s.owners[sess] = c
	observability.SessionOpened()
	return c, nil
}

// sessionClosed runs after a session reaches Closed, outside its lock.
func (s *Service) sessionClosed(sess *session.Session, reason error) {
	s.mu.Lock()
	c, ok := s.owners[sess]
	var p peer
	if ok {
		p = c.peer
		delete(s.owners, sess)
		if s.conns[p.Key()] == c {
			delete(s.conns, p.Key())
		}
	}
	s.mu.Unlock()
	observability.SessionClosed()
	// A failed AUTH leaves the transport open so the peer can retry.
	if ok && sess.ID() != 0 {
		_ = p.Close()
	}
	s.log.Debug().Str("endpoint", sess.Endpoint()).Err(reason).Msg("endpoint released")
}

// Send implements session.Transport.
func (s *Service) Send(id uint32, datagram []byte) error {
	sess, ok := s.reg.Lookup(id)
	if !ok {
		return ErrUnknownSession
	}
	s.mu.Lock()
	c, ok := s.owners[sess]
	var p peer
	if ok {
		p = c.peer
	}
	s.mu.Unlock()
	if !ok {
		return ErrUnknownSession
	}
	if err := p.Write(datagram); err != nil {
		return err
	}
	if len(datagram) > 0 {
		observability.RecordDatagramSent(protocol.OpCode(datagram[0]))
	}
	return nil
}

// Kick closes the session registered under id.
func (s *Service) Kick(id uint32, reason error) bool {
	sess, ok := s.reg.Lookup(id)
	if !ok {
		return false
	}
	sess.Close(reason)
	return true
}

// Endpoints returns the number of tracked transport endpoints, including
// sessions that have not authenticated yet.
func (s *Service) Endpoints() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}
