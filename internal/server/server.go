// Package server runs the datagram transports, routes datagrams to session
// workers and serves the admin HTTP API.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/battlegrounds/internal/auth"
	"github.com/danmuck/battlegrounds/internal/observability"
	"github.com/danmuck/battlegrounds/internal/protocol/session"
	"github.com/danmuck/battlegrounds/internal/registry"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

var (
	ErrUnknownSession   = errors.New("server: unknown session")
	ErrNotListening     = errors.New("server: not listening")
	ErrEndpointMismatch = errors.New("server: session bound to another endpoint")
	ErrEndpointInUse    = errors.New("server: endpoint bound to another session")
)

// Endpoint policies for a datagram that names a live session but arrives
// from a different transport endpoint.
const (
	// EndpointRebind moves the session to the new endpoint (NAT rebinding,
	// client roaming).
	EndpointRebind = "rebind"
	// EndpointStrict drops the datagram.
	EndpointStrict = "strict"
)

// ServiceConfig configures transports, workers and session defaults.
type ServiceConfig struct {
	ListenUDP      string
	ListenWS       string
	AdminAddr      string
	CORSOrigins    []string
	Workers        int
	QueueDepth     int
	IdleTimeout    time.Duration
	SweepInterval  time.Duration
	InterestRadius float64
	MaxDatagram    int
	EndpointPolicy string
	Session        session.Config
}

func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		ListenUDP:      "0.0.0.0:9999",
		ListenWS:       "",
		AdminAddr:      "127.0.0.1:8080",
		CORSOrigins:    []string{"http://localhost:3000"},
		Workers:        4,
		QueueDepth:     256,
		IdleTimeout:    30 * time.Second,
		InterestRadius: 0,
		MaxDatagram:    65507,
		EndpointPolicy: EndpointRebind,
		Session:        session.DefaultConfig(),
	}
}

// WithDefaults fills unset fields from DefaultServiceConfig.
func (c ServiceConfig) WithDefaults() ServiceConfig {
	def := DefaultServiceConfig()
	if c.Workers <= 0 {
		c.Workers = def.Workers
	}
	if c.QueueDepth <= 0 {
		c.QueueDepth = def.QueueDepth
	}
	if c.MaxDatagram <= 0 {
		c.MaxDatagram = def.MaxDatagram
	}
	if strings.TrimSpace(c.EndpointPolicy) == "" {
		c.EndpointPolicy = def.EndpointPolicy
	}
	if c.SweepInterval <= 0 && c.IdleTimeout > 0 {
		c.SweepInterval = c.IdleTimeout / 4
	}
	c.Session = c.Session.WithDefaults()
	return c
}

func (c ServiceConfig) Validate() error {
	if strings.TrimSpace(c.ListenUDP) == "" && strings.TrimSpace(c.ListenWS) == "" {
		return fmt.Errorf("server config needs listen_udp or listen_ws")
	}
	if c.InterestRadius < 0 {
		return fmt.Errorf("interest_radius must not be negative")
	}
	if c.IdleTimeout < 0 {
		return fmt.Errorf("idle_timeout must not be negative")
	}
	switch c.EndpointPolicy {
	case EndpointRebind, EndpointStrict:
	default:
		return fmt.Errorf("endpoint_policy %q must be rebind or strict", c.EndpointPolicy)
	}
	return c.Session.Validate()
}

// LoginIssuer exchanges credentials for an AUTH ticket.
type LoginIssuer interface {
	Login(c auth.Credentials) (uint32, auth.Character, error)
}

// Deps are the collaborators sessions are wired to.
type Deps struct {
	Auth      session.Authenticator
	World     session.WorldQuery
	Login     LoginIssuer
	Scheduler session.Scheduler
}

// conn binds a session to the endpoint it currently sends from. peer is
// guarded by Service.mu; shard is fixed at creation so a rebound session
// keeps its worker.
type conn struct {
	peer  peer
	sess  *session.Session
	shard int
}

// Service owns the registry, the endpoint table and the worker shards.
type Service struct {
	cfg  ServiceConfig
	deps Deps
	reg  *registry.Registry
	log  zerolog.Logger

	started time.Time
	baseCtx context.Context

	mu     sync.Mutex
	conns  map[string]*conn
	owners map[*session.Session]*conn

	shardMu sync.RWMutex
	shards  []chan inbound
	workers sync.WaitGroup

	udp     *net.UDPConn
	wsLn    net.Listener
	adminLn net.Listener
	router  *gin.Engine
}

func NewService(cfg ServiceConfig, deps Deps) (*Service, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Scheduler == nil {
		deps.Scheduler = session.RealScheduler
	}
	observability.RegisterMetrics()
	s := &Service{
		cfg:     cfg,
		deps:    deps,
		reg:     registry.New(),
		log:     observability.Component("server"),
		started: time.Now(),
		baseCtx: context.Background(),
		conns:   make(map[string]*conn),
		owners:  make(map[*session.Session]*conn),
	}
	s.router = s.newRouter()
	return s, nil
}

func (s *Service) Config() ServiceConfig {
	return s.cfg
}

func (s *Service) Registry() *registry.Registry {
	return s.reg
}

// Router exposes the admin HTTP handler.
func (s *Service) Router() http.Handler {
	return s.router
}

// UDPAddr returns the bound UDP address after Listen.
func (s *Service) UDPAddr() net.Addr {
	if s.udp == nil {
		return nil
	}
	return s.udp.LocalAddr()
}

// WSAddr returns the bound WebSocket listener address after Listen.
func (s *Service) WSAddr() net.Addr {
	if s.wsLn == nil {
		return nil
	}
	return s.wsLn.Addr()
}

// Listen binds every configured socket without serving.
func (s *Service) Listen() error {
	if addr := strings.TrimSpace(s.cfg.ListenUDP); addr != "" {
		udpAddr, err := net.ResolveUDPAddr("udp", addr)
		if err != nil {
			return fmt.Errorf("resolve udp %q: %w", addr, err)
		}
		s.udp, err = net.ListenUDP("udp", udpAddr)
		if err != nil {
			return fmt.Errorf("listen udp %q: %w", addr, err)
		}
	}
	if addr := strings.TrimSpace(s.cfg.ListenWS); addr != "" {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			s.closeListeners()
			return fmt.Errorf("listen ws %q: %w", addr, err)
		}
		s.wsLn = ln
	}
	if addr := strings.TrimSpace(s.cfg.AdminAddr); addr != "" {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			s.closeListeners()
			return fmt.Errorf("listen admin %q: %w", addr, err)
		}
		s.adminLn = ln
	}
	return nil
}

// Run listens and serves until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve(ctx)
}

// Serve processes traffic on the sockets bound by Listen until ctx is
// cancelled, then closes every session.
func (s *Service) Serve(ctx context.Context) error {
	if s.udp == nil && s.wsLn == nil {
		return ErrNotListening
	}
	s.startWorkers(ctx)
	go s.runSweeper(ctx)

	errCh := make(chan error, 3)
	var servers []*http.Server
	if s.udp != nil {
		s.log.Info().Str("addr", s.udp.LocalAddr().String()).Msg("udp listening")
		go func() { errCh <- s.serveUDP(ctx, s.udp) }()
	}
	if s.wsLn != nil {
		srv := &http.Server{Handler: s.wsRouter(), ReadHeaderTimeout: 5 * time.Second}
		servers = append(servers, srv)
		s.log.Info().Str("addr", s.wsLn.Addr().String()).Msg("websocket listening")
		go func() { errCh <- serveHTTP(srv, s.wsLn) }()
	}
	if s.adminLn != nil {
		srv := &http.Server{Handler: s.router, ReadHeaderTimeout: 5 * time.Second}
		servers = append(servers, srv)
		s.log.Info().Str("addr", s.adminLn.Addr().String()).Msg("admin listening")
		go func() { errCh <- serveHTTP(srv, s.adminLn) }()
	}

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, srv := range servers {
		_ = srv.Shutdown(shutdownCtx)
	}
	if s.udp != nil {
		_ = s.udp.Close()
	}
	s.closeAll(session.ErrDisconnected)
	s.stopWorkers()
	s.log.Info().Msg("server stopped")
	return runErr
}

func serveHTTP(srv *http.Server, ln net.Listener) error {
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Service) closeListeners() {
	if s.udp != nil {
		_ = s.udp.Close()
	}
	if s.wsLn != nil {
		_ = s.wsLn.Close()
	}
	if s.adminLn != nil {
		_ = s.adminLn.Close()
	}
}

// closeAll closes every tracked session. Sessions are closed outside s.mu.
func (s *Service) closeAll(reason error) {
	s.mu.Lock()
	all := make([]*conn, 0, len(s.conns))
	for _, c := range s.conns {
		all = append(all, c)
	}
	s.mu.Unlock()
	for _, c := range all {
		c.sess.Close(reason)
	}
}
