package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/battlegrounds/internal/protocol"
)

// manualScheduler runs timers only when Advance moves its clock.
type manualScheduler struct {
	mu     sync.Mutex
	now    time.Duration
	timers []*manualTimer
}

type manualTimer struct {
	s       *manualScheduler
	at      time.Duration
	f       func()
	stopped bool
	fired   bool
}

func (t *manualTimer) Stop() bool {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	active := !t.stopped && !t.fired
	t.stopped = true
	return active
}

func (s *manualScheduler) AfterFunc(d time.Duration, f func()) Timer {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &manualTimer{s: s, at: s.now + d, f: f}
	s.timers = append(s.timers, t)
	return t
}

// Advance fires due timers in deadline order, including timers armed by
// callbacks that fall inside the window.
func (s *manualScheduler) Advance(d time.Duration) {
	s.mu.Lock()
	target := s.now + d
	s.mu.Unlock()
	for {
		s.mu.Lock()
		var next *manualTimer
		for _, t := range s.timers {
			if t.stopped || t.fired || t.at > target {
				continue
			}
			if next == nil || t.at < next.at {
				next = t
			}
		}
		if next == nil {
			s.now = target
			s.mu.Unlock()
			return
		}
		next.fired = true
		s.now = next.at
		s.mu.Unlock()
		next.f()
	}
}

func (s *manualScheduler) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range s.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

type fakeAuth struct {
	init    CharacterInit
	err     error
	tickets []uint32
}

func (a *fakeAuth) Authenticate(_ context.Context, req AuthRequest) (CharacterInit, error) {
	a.tickets = append(a.tickets, req.Ticket)
	if a.err != nil {
		return CharacterInit{}, a.err
	}
	return a.init, nil
}

type fakeWorld struct {
	props []protocol.Prop
	err   error
}

func (w *fakeWorld) NearbyProps(context.Context, View) ([]protocol.Prop, error) {
	return w.props, w.err
}

type sentDatagram struct {
	id uint32
	b  []byte
}

type fakeTransport struct {
	mu   sync.Mutex
	sent []sentDatagram
	// drop discards the next N sends while still reporting success.
	drop int
}

func (t *fakeTransport) Send(id uint32, b []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.drop > 0 {
		t.drop--
		return nil
	}
	t.sent = append(t.sent, sentDatagram{id: id, b: append([]byte(nil), b...)})
	return nil
}

func (t *fakeTransport) count(op protocol.OpCode) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, d := range t.sent {
		if len(d.b) > 0 && protocol.OpCode(d.b[0]) == op {
			n++
		}
	}
	return n
}

func (t *fakeTransport) last(tb testing.TB, op protocol.OpCode) protocol.Packet {
	tb.Helper()
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := len(t.sent) - 1; i >= 0; i-- {
		if protocol.OpCode(t.sent[i].b[0]) != op {
			continue
		}
		p, err := protocol.Decode(t.sent[i].b)
		if err != nil {
			tb.Fatalf("unexpected decode error: %v", err)
		}
		return p
	}
	tb.Fatalf("no %s sent", op)
	return protocol.Packet{}
}

type broadcast struct {
	origin uint32
	ev     protocol.MoveEvent
}

type fakeBroadcaster struct {
	mu     sync.Mutex
	events []broadcast
}

func (b *fakeBroadcaster) BroadcastMoveEvent(origin uint32, ev protocol.MoveEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, broadcast{origin: origin, ev: ev})
}

func (b *fakeBroadcaster) list() []broadcast {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]broadcast(nil), b.events...)
}

type fakeRegistrar struct {
	mu         sync.Mutex
	next       uint32
	live       map[uint32]*Session
	unregister []uint32
	err        error
}

func (r *fakeRegistrar) Register(s *Session) (uint32, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return 0, r.err
	}
	if r.live == nil {
		r.live = make(map[uint32]*Session)
	}
	r.next++
	r.live[r.next] = s
	return r.next, nil
}

func (r *fakeRegistrar) Unregister(id uint32, s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.live[id] == s {
		delete(r.live, id)
	}
	r.unregister = append(r.unregister, id)
}

type harness struct {
	s        *Session
	sched    *manualScheduler
	auth     *fakeAuth
	world    *fakeWorld
	tr       *fakeTransport
	bc       *fakeBroadcaster
	reg      *fakeRegistrar
	closedMu sync.Mutex
	closed   []error
}

func heroInit() CharacterInit {
	return CharacterInit{
		Name: "Hero",
		Movement: protocol.MovementState{
			Position: protocol.Vector2D{X: 10, Y: 20},
			Forward:  protocol.Vector2F{X: 1, Y: 0},
		},
	}
}

func circleProp(x float64) protocol.Prop {
	return protocol.Prop{
		Position: protocol.Vector2D{X: x, Y: 0},
		Shape:    protocol.Circle{Radius: 1},
	}
}

func newHarness(t *testing.T, cfg Config, props ...protocol.Prop) *harness {
	t.Helper()
	h := &harness{
		sched: &manualScheduler{},
		auth:  &fakeAuth{init: heroInit()},
		world: &fakeWorld{props: props},
		tr:    &fakeTransport{},
		bc:    &fakeBroadcaster{},
		reg:   &fakeRegistrar{next: 41},
	}
	s, err := New("127.0.0.1:5000", cfg, Deps{
		Auth:        h.auth,
		World:       h.world,
		Transport:   h.tr,
		Broadcaster: h.bc,
		Registrar:   h.reg,
		Scheduler:   h.sched,
		OnClose: func(_ *Session, reason error) {
			h.closedMu.Lock()
			h.closed = append(h.closed, reason)
			h.closedMu.Unlock()
		},
	})
	if err != nil {
		t.Fatalf("unexpected new error: %v", err)
	}
	h.s = s
	return h
}

func (h *harness) handle(t *testing.T, msg protocol.Message) error {
	t.Helper()
	return h.s.Handle(context.Background(), protocol.Packet{SessionID: h.s.ID(), Message: msg})
}

func (h *harness) login(t *testing.T) {
	t.Helper()
	err := h.s.Handle(context.Background(), protocol.Packet{SessionID: 7, Message: protocol.Auth{}})
	if err != nil {
		t.Fatalf("unexpected auth error: %v", err)
	}
}

func (h *harness) closeReasons() []error {
	h.closedMu.Lock()
	defer h.closedMu.Unlock()
	return append([]error(nil), h.closed...)
}

func move(sig uint16, x float64) protocol.MoveOp {
	return protocol.MoveOp{
		OpSig: sig,
		Movement: protocol.MovementState{
			Position: protocol.Vector2D{X: x, Y: 20},
			Forward:  protocol.Vector2F{X: 1, Y: 0},
			Bits:     protocol.MovementBits{Movement: protocol.IntentForward},
		},
	}
}

func requireErr(t *testing.T, err, target error) {
	t.Helper()
	if !errors.Is(err, target) {
		t.Fatalf("expected %v, got %v", target, err)
	}
}
