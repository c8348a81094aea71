package auth

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"sync"
	"time"
)

// DefaultTicketTTL bounds how long a login ticket stays redeemable.
const DefaultTicketTTL = 30 * time.Second

var (
	ErrUnknownTicket = errors.New("auth: unknown ticket")
	ErrTicketExpired = errors.New("auth: ticket expired")
)

type ticket struct {
	character Character
	expires   time.Time
}

// TicketStore holds single-use 32-bit login tickets.
type TicketStore struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	tickets map[uint32]ticket
}

func NewTicketStore(ttl time.Duration) *TicketStore {
	if ttl <= 0 {
		ttl = DefaultTicketTTL
	}
	return &TicketStore{
		ttl:     ttl,
		now:     time.Now,
		tickets: make(map[uint32]ticket),
	}
}

// Issue returns a fresh non-zero ticket for ch.
func (s *TicketStore) Issue(ch Character) (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	s.pruneLocked(now)
	var buf [4]byte
	for {
		if _, err := rand.Read(buf[:]); err != nil {
			return 0, err
		}
		id := binary.BigEndian.Uint32(buf[:])
		if id == 0 {
			continue
		}
		if _, taken := s.tickets[id]; taken {
			continue
		}
		s.tickets[id] = ticket{character: ch, expires: now.Add(s.ttl)}
		return id, nil
	}
}

// Redeem consumes a ticket. A ticket can be redeemed once.
func (s *TicketStore) Redeem(id uint32) (Character, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tickets[id]
	if !ok {
		return Character{}, ErrUnknownTicket
	}
	delete(s.tickets, id)
	if s.now().After(t.expires) {
		return Character{}, ErrTicketExpired
	}
	return t.character, nil
}

func (s *TicketStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tickets)
}

func (s *TicketStore) pruneLocked(now time.Time) {
	for id, t := range s.tickets {
		if now.After(t.expires) {
			delete(s.tickets, id)
		}
	}
}
