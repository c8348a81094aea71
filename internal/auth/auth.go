// Package auth checks account credentials and issues the login tickets that
// clients present in the AUTH header.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/danmuck/battlegrounds/internal/config"
	"github.com/danmuck/battlegrounds/internal/protocol"
	"github.com/danmuck/battlegrounds/internal/protocol/session"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrUnauthorized     = errors.New("auth: unauthorized")
	ErrUnknownCharacter = errors.New("auth: unknown character")
)

// Character is the login-selected character handed to the session on AUTH.
type Character struct {
	AccountID uint32
	ID        uint32
	Name      string
	Movement  protocol.MovementState
}

// Credentials is one login attempt.
type Credentials struct {
	Login     string `json:"login"`
	Password  string `json:"password"`
	Character string `json:"character"`
}

// Checker validates credentials and resolves the chosen character.
type Checker interface {
	Check(c Credentials) (Character, error)
}

// FuncChecker adapts a function into a Checker.
type FuncChecker func(c Credentials) (Character, error)

func (f FuncChecker) Check(c Credentials) (Character, error) {
	return f(c)
}

type account struct {
	id         uint32
	hash       []byte
	characters []Character
}

// Accounts is a Checker over a static accounts file.
type Accounts struct {
	mu       sync.RWMutex
	accounts map[string]account
}

func NewAccounts(cfg config.AccountsConfig) (*Accounts, error) {
	a := &Accounts{}
	if err := a.Reload(cfg); err != nil {
		return nil, err
	}
	return a, nil
}

// Reload replaces the account table.
func (a *Accounts) Reload(cfg config.AccountsConfig) error {
	if err := config.ValidateAccountsConfig(cfg); err != nil {
		return err
	}
	next := make(map[string]account, len(cfg.Accounts))
	for _, entry := range cfg.Accounts {
		acct := account{id: entry.ID, hash: []byte(entry.PasswordHash)}
		for _, ch := range entry.Characters {
			mv, err := ch.Movement()
			if err != nil {
				return fmt.Errorf("character %q: %w", ch.Name, err)
			}
			acct.characters = append(acct.characters, Character{
				AccountID: entry.ID,
				ID:        ch.ID,
				Name:      ch.Name,
				Movement:  mv,
			})
		}
		next[strings.TrimSpace(entry.Login)] = acct
	}
	a.mu.Lock()
	a.accounts = next
	a.mu.Unlock()
	return nil
}

// Check accepts the account's first character when c.Character is empty,
// otherwise the character with that name.
func (a *Accounts) Check(c Credentials) (Character, error) {
	a.mu.RLock()
	acct, ok := a.accounts[strings.TrimSpace(c.Login)]
	a.mu.RUnlock()
	if !ok {
		return Character{}, ErrUnauthorized
	}
	if err := bcrypt.CompareHashAndPassword(acct.hash, []byte(c.Password)); err != nil {
		return Character{}, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	want := strings.TrimSpace(c.Character)
	for _, ch := range acct.characters {
		if want == "" || ch.Name == want {
			return ch, nil
		}
	}
	return Character{}, fmt.Errorf("%w: %q", ErrUnknownCharacter, want)
}

// Service issues tickets on login and redeems them on AUTH. It implements
// session.Authenticator.
type Service struct {
	checker Checker
	tickets *TicketStore
	log     zerolog.Logger
}

func NewService(checker Checker, tickets *TicketStore) *Service {
	if tickets == nil {
		tickets = NewTicketStore(DefaultTicketTTL)
	}
	return &Service{
		checker: checker,
		tickets: tickets,
		log:     log.With().Str("component", "auth").Logger(),
	}
}

// Login validates c and returns a ticket for the AUTH header.
func (s *Service) Login(c Credentials) (uint32, Character, error) {
	ch, err := s.checker.Check(c)
	if err != nil {
		s.log.Warn().Str("login", c.Login).Err(err).Msg("login rejected")
		return 0, Character{}, err
	}
	ticket, err := s.tickets.Issue(ch)
	if err != nil {
		return 0, Character{}, err
	}
	s.log.Info().Str("login", c.Login).Str("character", ch.Name).Msg("ticket issued")
	return ticket, ch, nil
}

func (s *Service) Authenticate(_ context.Context, req session.AuthRequest) (session.CharacterInit, error) {
	ch, err := s.tickets.Redeem(req.Ticket)
	if err != nil {
		s.log.Warn().Str("endpoint", req.Endpoint).Uint32("ticket", req.Ticket).Err(err).Msg("auth rejected")
		return session.CharacterInit{}, err
	}
	return session.CharacterInit{Name: ch.Name, Movement: ch.Movement}, nil
}

func (s *Service) Tickets() *TicketStore {
	return s.tickets
}
