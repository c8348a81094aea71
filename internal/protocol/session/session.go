package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/battlegrounds/internal/protocol"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	ErrProtocolViolation = errors.New("session: protocol violation")
	ErrAuthFailed        = errors.New("session: authentication failed")
	ErrSessionClosed     = errors.New("session: closed")
	ErrStaleMove         = errors.New("session: stale move")
	ErrDisconnected      = errors.New("session: disconnected")
	ErrIdleTimeout       = errors.New("session: idle timeout")
)

// State is the protocol state of one connection.
type State int32

const (
	StateUnauthenticated State = iota
	StateAwaitingWorld
	StateActive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUnauthenticated:
		return "unauthenticated"
	case StateAwaitingWorld:
		return "awaiting_world"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// accepts reports whether op is valid input in state s.
func (s State) accepts(op protocol.OpCode) bool {
	switch s {
	case StateUnauthenticated:
		return op == protocol.OpAuth
	case StateAwaitingWorld:
		return op == protocol.OpAuth || op == protocol.OpPropOK || op == protocol.OpMoveOp
	case StateActive:
		return op == protocol.OpAuth || op == protocol.OpMoveOp
	default:
		return false
	}
}

// Observer receives protocol events for metrics. All methods must be cheap
// and non-blocking.
type Observer interface {
	StateChanged(from, to State)
	Violation(op protocol.OpCode)
	Retransmitted(kind string)
	DeliveryFailed(kind string)
	MoveApplied()
	MoveDropped(reason string)
}

type nopObserver struct{}

func (nopObserver) StateChanged(State, State) {}
func (nopObserver) Violation(protocol.OpCode) {}
func (nopObserver) Retransmitted(string)      {}
func (nopObserver) DeliveryFailed(string)     {}
func (nopObserver) MoveApplied()              {}
func (nopObserver) MoveDropped(string)        {}

// Deps wires a Session to its collaborators.
type Deps struct {
	Auth        Authenticator
	World       WorldQuery
	Transport   Transport
	Broadcaster Broadcaster
	Registrar   Registrar
	Scheduler   Scheduler
	Observer    Observer
	// OnClose runs once, after the session lock is released.
	OnClose func(s *Session, reason error)
	Logger  *zerolog.Logger
}

// Snapshot is a point-in-time view for admin endpoints.
type Snapshot struct {
	ID           uint32            `json:"id"`
	Endpoint     string            `json:"endpoint"`
	Name         string            `json:"name"`
	State        string            `json:"state"`
	Position     protocol.Vector2D `json:"position"`
	PendingProps int               `json:"pending_props"`
	AuthPending  bool              `json:"auth_ok_pending"`
	LastMoveSeq  uint16            `json:"last_move_seq"`
	LastEventSeq uint16            `json:"last_event_seq"`
	Violations   uint64            `json:"violations"`
	LastSeen     time.Time         `json:"last_seen"`
}

// Session is the server-side record of one client connection. Every
// transition happens under mu; state, id and movement are also published
// atomically so other sessions can read them without taking mu.
type Session struct {
	mu sync.Mutex

	cfg      Config
	deps     Deps
	decoder  protocol.Decoder
	policy   AckPolicy
	endpoint atomic.Pointer[string]
	log      zerolog.Logger

	id       atomic.Uint32
	state    atomic.Int32
	movement atomic.Pointer[protocol.MovementState]
	lastSeen atomic.Int64

	violations atomic.Uint64

	name        string
	authOK      *Channel
	props       *PropOutbox
	moves       *MoveBuffer
	haveMoveSeq bool
	lastMoveSeq uint16
	eventSeq    uint16
	closeErr    error
}

// New creates an Unauthenticated session for a transport endpoint.
func New(endpoint string, cfg Config, deps Deps) (*Session, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	policy, err := ParseAckPolicy(cfg.PropAckPolicy)
	if err != nil {
		return nil, err
	}
	if deps.Scheduler == nil {
		deps.Scheduler = RealScheduler
	}
	if deps.Observer == nil {
		deps.Observer = nopObserver{}
	}
	logger := log.Logger
	if deps.Logger != nil {
		logger = *deps.Logger
	}
	s := &Session{
		cfg:      cfg,
		deps:     deps,
		decoder:  cfg.Decoder(),
		policy:   policy,
		log:      logger.With().Str("component", "session").Str("endpoint", endpoint).Logger(),
		props:    NewPropOutbox(policy),
		moves:    NewMoveBuffer(cfg.MoveBuffer),
	}
	s.endpoint.Store(&endpoint)
	s.movement.Store(&protocol.MovementState{})
	s.touch()
	return s, nil
}

func (s *Session) ID() uint32       { return s.id.Load() }
func (s *Session) State() State     { return State(s.state.Load()) }
func (s *Session) Endpoint() string { return *s.endpoint.Load() }
func (s *Session) Violations() uint64 {
	return s.violations.Load()
}

// Rebind records that the peer now sends from endpoint. Routing is by
// session id, so the session itself is unaffected.
func (s *Session) Rebind(endpoint string) {
	old := s.endpoint.Swap(&endpoint)
	s.log.Info().Uint32("session_id", s.ID()).Str("from", *old).Str("to", endpoint).Msg("endpoint rebound")
}

// Movement returns the last applied movement state.
func (s *Session) Movement() protocol.MovementState {
	return *s.movement.Load()
}

// LastSeen returns when the peer last sent a datagram that was processed.
func (s *Session) LastSeen() time.Time {
	return time.Unix(0, s.lastSeen.Load())
}

// Name returns the character name once authenticated.
func (s *Session) Name() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.name
}

// Err returns why the session closed, or nil while open.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeErr
}

func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	authPending := false
	if s.authOK != nil {
		authPending = s.authOK.Pending()
	}
	return Snapshot{
		ID:           s.ID(),
		Endpoint:     s.Endpoint(),
		Name:         s.name,
		State:        s.State().String(),
		Position:     s.Movement().Position,
		PendingProps: s.props.Len(),
		AuthPending:  authPending,
		LastMoveSeq:  s.lastMoveSeq,
		LastEventSeq: s.eventSeq,
		Violations:   s.violations.Load(),
		LastSeen:     s.LastSeen(),
	}
}

// HandleDatagram decodes b with the session's reserved-bit policy and handles it.
func (s *Session) HandleDatagram(ctx context.Context, b []byte) error {
	p, err := s.decoder.Decode(b)
	if err != nil {
		return err
	}
	return s.Handle(ctx, p)
}

// Handle applies one decoded packet. Returned errors never change state; the
// caller drops the datagram and may count the error.
func (s *Session) Handle(ctx context.Context, p protocol.Packet) error {
	if p.Message == nil {
		return fmt.Errorf("%w: packet without message", protocol.ErrInvalidField)
	}
	op := p.Message.OpCode()

	s.mu.Lock()
	state := s.State()
	if state == StateClosed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if !state.accepts(op) {
		s.mu.Unlock()
		return s.violation(op, fmt.Sprintf("%s not valid in %s", op, state))
	}
	if op != protocol.OpAuth && p.SessionID != s.ID() {
		s.mu.Unlock()
		return s.violation(op, fmt.Sprintf("session id %d, expected %d", p.SessionID, s.ID()))
	}
	s.touch()
	if op != protocol.OpAuth && s.authOK != nil && s.authOK.Ack() {
		s.log.Debug().Uint32("session_id", s.ID()).Msg("auth_ok acknowledged")
	}

	var err error
	switch msg := p.Message.(type) {
	case protocol.Auth:
		if state == StateUnauthenticated {
			err = s.authenticateLocked(ctx, p.SessionID)
		} else {
			err = s.resendAuthOKLocked()
		}
	case protocol.PropOK:
		err = s.ackPropLocked(ctx)
	case protocol.MoveOp:
		if state == StateAwaitingWorld {
			if s.moves.Push(msg) {
				s.deps.Observer.MoveDropped("buffer_full")
			}
		} else {
			err = s.applyMoveLocked(msg)
		}
	default:
		err = fmt.Errorf("%w: unexpected %s", ErrProtocolViolation, op)
	}

	// state was not Closed on entry and timers cannot run while mu is held,
	// so a Closed state here was set by this call.
	closed, reason := s.State() == StateClosed, s.closeErr
	s.mu.Unlock()

	if closed {
		s.notifyClosed(reason)
	}
	return err
}

// Close terminates the session, cancels every reliable exchange and releases
// its id. Further calls are no-ops.
func (s *Session) Close(reason error) {
	s.mu.Lock()
	closed := s.closeLocked(reason)
	s.mu.Unlock()
	if closed {
		s.notifyClosed(reason)
	}
}

func (s *Session) closeLocked(reason error) bool {
	if s.State() == StateClosed {
		return false
	}
	if reason == nil {
		reason = ErrDisconnected
	}
	s.closeErr = reason
	if s.authOK != nil {
		s.authOK.Close()
	}
	for _, p := range s.props.Drain() {
		p.Channel.Close()
	}
	s.moves.Drain()
	s.setStateLocked(StateClosed)
	if id := s.ID(); id != 0 && s.deps.Registrar != nil {
		s.deps.Registrar.Unregister(id, s)
	}
	s.log.Info().Uint32("session_id", s.ID()).Err(reason).Msg("session closed")
	return true
}

func (s *Session) notifyClosed(reason error) {
	if s.deps.OnClose != nil {
		s.deps.OnClose(s, reason)
	}
}

func (s *Session) authenticateLocked(ctx context.Context, ticket uint32) error {
	if s.deps.Auth == nil || s.deps.Registrar == nil {
		return fmt.Errorf("%w: no authenticator configured", ErrAuthFailed)
	}
	init, err := s.deps.Auth.Authenticate(ctx, AuthRequest{Ticket: ticket, Endpoint: s.Endpoint()})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAuthFailed, err)
	}
	if len(init.Name) > protocol.MaxNameLen {
		return fmt.Errorf("%w: character name is %d bytes", ErrAuthFailed, len(init.Name))
	}
	if _, err := init.Movement.Bits.Byte(); err != nil {
		return fmt.Errorf("%w: initial movement: %v", ErrAuthFailed, err)
	}

	id, err := s.deps.Registrar.Register(s)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAuthFailed, err)
	}
	s.id.Store(id)
	s.name = init.Name
	mv := init.Movement
	s.movement.Store(&mv)
	s.setStateLocked(StateAwaitingWorld)

	payload, err := protocol.Encode(protocol.Packet{SessionID: id, Message: protocol.AuthOK{Name: init.Name, Movement: init.Movement}})
	if err != nil {
		s.closeLocked(err)
		return err
	}
	s.authOK = NewChannel(s.cfg.Retry, s.deps.Scheduler, s.transmitter("auth_ok"), s.failure("auth_ok"))
	s.authOK.Send(payload)
	s.log.Info().Uint32("session_id", id).Str("character", init.Name).Msg("session authenticated")

	return s.enterAwaitingWorldLocked(ctx)
}

func (s *Session) resendAuthOKLocked() error {
	if s.authOK == nil {
		return s.violation(protocol.OpAuth, "no auth_ok issued")
	}
	payload, pending := s.authOK.Payload()
	if !pending {
		return s.violation(protocol.OpAuth, "auth_ok already acknowledged")
	}
	s.authOK.Send(payload)
	return nil
}

func (s *Session) enterAwaitingWorldLocked(ctx context.Context) error {
	var props []protocol.Prop
	if s.deps.World != nil {
		var err error
		props, err = s.deps.World.NearbyProps(ctx, View{SessionID: s.ID(), Name: s.name, Movement: s.Movement()})
		if err != nil {
			err = fmt.Errorf("session: world query: %w", err)
			s.closeLocked(err)
			return err
		}
	}
	now := time.Now()
	for i, prop := range props {
		payload, err := protocol.Encode(protocol.Packet{SessionID: s.ID(), Message: prop})
		if err != nil {
			s.log.Warn().Uint32("session_id", s.ID()).Int("prop", i).Err(err).Msg("prop skipped")
			continue
		}
		ch := NewChannel(s.cfg.Retry, s.deps.Scheduler, s.transmitter("prop"), s.failure("prop"))
		s.props.Push(PendingProp{Index: i, Prop: prop, Channel: ch, QueuedAt: now})
		ch.Send(payload)
	}
	s.log.Debug().Uint32("session_id", s.ID()).Int("props", s.props.Len()).Msg("world sent")
	if s.props.Len() == 0 {
		s.becomeActiveLocked()
	}
	return nil
}

func (s *Session) ackPropLocked(ctx context.Context) error {
	item, ok := s.props.Ack()
	if !ok {
		return s.violation(protocol.OpPropOK, "no prop outstanding")
	}
	item.Channel.Ack()
	if s.props.Len() == 0 {
		s.becomeActiveLocked()
	}
	return nil
}

func (s *Session) becomeActiveLocked() {
	s.setStateLocked(StateActive)
	for _, op := range s.moves.Drain() {
		if err := s.applyMoveLocked(op); err != nil {
			s.log.Debug().Uint32("session_id", s.ID()).Uint16("op_sig", op.OpSig).Err(err).Msg("buffered move dropped")
		}
	}
}

func (s *Session) applyMoveLocked(op protocol.MoveOp) error {
	if s.haveMoveSeq && !protocol.SeqNewer(op.OpSig, s.lastMoveSeq) {
		s.deps.Observer.MoveDropped("stale")
		return fmt.Errorf("%w: op_sig %d not newer than %d", ErrStaleMove, op.OpSig, s.lastMoveSeq)
	}
	s.haveMoveSeq = true
	s.lastMoveSeq = op.OpSig
	mv := op.Movement
	s.movement.Store(&mv)
	s.eventSeq++
	s.deps.Observer.MoveApplied()
	if s.deps.Broadcaster != nil {
		s.deps.Broadcaster.BroadcastMoveEvent(s.ID(), protocol.MoveEvent{
			OpSig:    op.OpSig,
			EventSig: s.eventSeq,
			Movement: mv,
		})
	}
	return nil
}

func (s *Session) setStateLocked(to State) {
	from := State(s.state.Swap(int32(to)))
	if from == to {
		return
	}
	s.deps.Observer.StateChanged(from, to)
	s.log.Debug().Uint32("session_id", s.ID()).Str("from", from.String()).Str("to", to.String()).Msg("state changed")
}

func (s *Session) violation(op protocol.OpCode, detail string) error {
	s.violations.Add(1)
	s.deps.Observer.Violation(op)
	return fmt.Errorf("%w: %s", ErrProtocolViolation, detail)
}

func (s *Session) touch() {
	s.lastSeen.Store(time.Now().UnixNano())
}

// transmitter sends through the transport and counts retransmissions; the
// first call for each payload is the original transmission.
func (s *Session) transmitter(kind string) func([]byte) error {
	var sent atomic.Int64
	return func(b []byte) error {
		if sent.Add(1) > 1 {
			s.deps.Observer.Retransmitted(kind)
		}
		if s.deps.Transport == nil {
			return nil
		}
		return s.deps.Transport.Send(s.ID(), b)
	}
}

// failure is invoked from a timer goroutine when a reliable exchange exhausts
// its retry budget; it ends the handshake.
func (s *Session) failure(kind string) func(error) {
	return func(err error) {
		s.deps.Observer.DeliveryFailed(kind)
		reason := fmt.Errorf("%s: %w", kind, err)
		s.mu.Lock()
		closed := s.closeLocked(reason)
		s.mu.Unlock()
		if closed {
			s.notifyClosed(reason)
		}
	}
}
