package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/battlegrounds/internal/auth"
	"github.com/danmuck/battlegrounds/internal/config"
	"github.com/danmuck/battlegrounds/internal/protocol"
	"github.com/danmuck/battlegrounds/internal/protocol/session"
	"github.com/danmuck/battlegrounds/internal/testutil/testlog"
	"github.com/danmuck/battlegrounds/internal/world"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"golang.org/x/crypto/bcrypt"
)

type fakePeer struct {
	key    string
	mu     sync.Mutex
	writes [][]byte
	closed bool
}

func (p *fakePeer) Key() string       { return p.key }
func (p *fakePeer) Transport() string { return "fake" }

func (p *fakePeer) Write(b []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writes = append(p.writes, append([]byte(nil), b...))
	return nil
}

func (p *fakePeer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *fakePeer) state() (writes int, closed bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.writes), p.closed
}

func (p *fakePeer) packets(t *testing.T, op protocol.OpCode) []protocol.Packet {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []protocol.Packet
	for _, b := range p.writes {
		if protocol.OpCode(b[0]) != op {
			continue
		}
		pkt, err := protocol.Decode(b)
		if err != nil {
			t.Fatalf("unexpected decode error: %v", err)
		}
		out = append(out, pkt)
	}
	return out
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func encode(t *testing.T, id uint32, msg protocol.Message) []byte {
	t.Helper()
	b, err := protocol.Encode(protocol.Packet{SessionID: id, Message: msg})
	if err != nil {
		t.Fatalf("unexpected encode error: %v", err)
	}
	return b
}

type testEnv struct {
	svc  *Service
	auth *auth.Service
}

var pwHash = func() string {
	hash, err := config.HashPassword("pw", bcrypt.MinCost)
	if err != nil {
		panic(err)
	}
	return hash
}()

func character(name string, x float64) config.AccountEntry {
	return config.AccountEntry{
		Login:        strings.ToLower(name),
		PasswordHash: pwHash,
		Characters:   []config.CharacterEntry{{Name: name, Position: []float64{x, 0}}},
	}
}

func newTestEnv(t *testing.T, cfg ServiceConfig, props []protocol.Prop, accounts ...config.AccountEntry) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)
	checker, err := auth.NewAccounts(config.AccountsConfig{Accounts: accounts})
	if err != nil {
		t.Fatalf("unexpected accounts error: %v", err)
	}
	authSvc := auth.NewService(checker, nil)
	svc, err := NewService(cfg, Deps{
		Auth:  authSvc,
		World: world.New("test", props, cfg.InterestRadius),
		Login: authSvc,
	})
	if err != nil {
		t.Fatalf("unexpected service error: %v", err)
	}
	return &testEnv{svc: svc, auth: authSvc}
}

// start runs workers without sockets, for tests that inject datagrams.
func (e *testEnv) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	e.svc.startWorkers(ctx)
	t.Cleanup(func() {
		cancel()
		e.svc.closeAll(session.ErrDisconnected)
		e.svc.stopWorkers()
	})
}

func (e *testEnv) ticket(t *testing.T, login string) uint32 {
	t.Helper()
	ticket, _, err := e.auth.Login(auth.Credentials{Login: login, Password: "pw"})
	if err != nil {
		t.Fatalf("unexpected login error: %v", err)
	}
	return ticket
}

// join authenticates a fake peer and returns its assigned session id.
func (e *testEnv) join(t *testing.T, login string) (*fakePeer, uint32) {
	t.Helper()
	p := &fakePeer{key: "fake:" + login}
	e.svc.receive(p, encode(t, e.ticket(t, login), protocol.Auth{}))
	eventually(t, login+" auth_ok", func() bool { return len(p.packets(t, protocol.OpAuthOK)) > 0 })
	id := p.packets(t, protocol.OpAuthOK)[0].SessionID
	eventually(t, login+" active", func() bool {
		s, ok := e.svc.reg.Lookup(id)
		return ok && s.State() == session.StateActive
	})
	return p, id
}

func testConfig() ServiceConfig {
	cfg := DefaultServiceConfig()
	cfg.ListenUDP = "127.0.0.1:0"
	cfg.AdminAddr = ""
	cfg.IdleTimeout = 0
	return cfg
}

func TestReceiveDropsDatagramsWithoutSession(t *testing.T) {
	testlog.Start(t)
	env := newTestEnv(t, testConfig(), nil, character("Hero", 0))
	env.start(t)
	p := &fakePeer{key: "fake:stranger"}

	env.svc.receive(p, []byte{0x00, 0x00})
	env.svc.receive(p, encode(t, 1, protocol.PropOK{}))
	env.svc.receive(p, []byte{0x09, 0x00, 0, 0, 0, 1})
	env.svc.receive(p, []byte{0x00, 0x01, 0, 0, 0, 1})
	if n := env.svc.Endpoints(); n != 0 {
		t.Fatalf("dropped datagrams created %d endpoints", n)
	}
}

func TestAuthFailureReleasesEndpoint(t *testing.T) {
	testlog.Start(t)
	env := newTestEnv(t, testConfig(), nil, character("Hero", 0))
	env.start(t)
	p := &fakePeer{key: "fake:hero"}

	env.svc.receive(p, encode(t, 12345, protocol.Auth{}))
	eventually(t, "endpoint release", func() bool { return env.svc.Endpoints() == 0 })
	if writes, closed := p.state(); closed || writes != 0 {
		t.Fatalf("failed auth must not reply or close: writes=%d closed=%v", writes, closed)
	}

	env.svc.receive(p, encode(t, env.ticket(t, "hero"), protocol.Auth{}))
	eventually(t, "auth_ok after retry", func() bool { return len(p.packets(t, protocol.OpAuthOK)) > 0 })
}

func TestHandshakeWithPropsOverFakePeer(t *testing.T) {
	testlog.Start(t)
	props := []protocol.Prop{
		{Position: protocol.Vector2D{X: 1}, Shape: protocol.Circle{Radius: 1}},
		{Position: protocol.Vector2D{X: 2}, Shape: protocol.Polygon{Vertices: []protocol.Vector2F{{X: 0}, {X: 1}, {Y: 1}}}},
	}
	env := newTestEnv(t, testConfig(), props, character("Hero", 0))
	env.start(t)
	p := &fakePeer{key: "fake:hero"}

	env.svc.receive(p, encode(t, env.ticket(t, "hero"), protocol.Auth{}))
	eventually(t, "props", func() bool { return len(p.packets(t, protocol.OpProp)) >= 2 })
	id := p.packets(t, protocol.OpAuthOK)[0].SessionID
	sess, ok := env.svc.reg.Lookup(id)
	if !ok || sess.State() != session.StateAwaitingWorld {
		t.Fatalf("expected awaiting world session")
	}
	env.svc.receive(p, encode(t, id, protocol.PropOK{}))
	env.svc.receive(p, encode(t, id, protocol.PropOK{}))
	eventually(t, "active", func() bool { return sess.State() == session.StateActive })
	if sess.Name() != "Hero" {
		t.Fatalf("unexpected name: %q", sess.Name())
	}
}

func TestBroadcastHonorsInterestRadius(t *testing.T) {
	testlog.Start(t)
	cfg := testConfig()
	cfg.InterestRadius = 5
	env := newTestEnv(t, cfg, nil, character("Alpha", 0), character("Bravo", 100), character("Charlie", 3))
	env.start(t)

	alpha, alphaID := env.join(t, "alpha")
	bravo, _ := env.join(t, "bravo")
	charlie, _ := env.join(t, "charlie")

	move := protocol.MoveOp{OpSig: 1, Movement: protocol.MovementState{
		Position: protocol.Vector2D{X: 1},
		Forward:  protocol.Vector2F{X: 1},
	}}
	env.svc.receive(alpha, encode(t, alphaID, move))
	eventually(t, "move event", func() bool { return len(charlie.packets(t, protocol.OpMoveEvent)) == 1 })

	ev := charlie.packets(t, protocol.OpMoveEvent)[0]
	if ev.SessionID != alphaID {
		t.Fatalf("move event must carry the origin id, got %d", ev.SessionID)
	}
	if got := ev.Message.(protocol.MoveEvent); got.OpSig != 1 || got.EventSig != 1 {
		t.Fatalf("unexpected event: %+v", got)
	}
	if n := len(bravo.packets(t, protocol.OpMoveEvent)); n != 0 {
		t.Fatalf("out of range session received %d events", n)
	}
	if n := len(alpha.packets(t, protocol.OpMoveEvent)); n != 0 {
		t.Fatalf("origin received its own event")
	}
}

func TestSweepIdleClosesSessions(t *testing.T) {
	testlog.Start(t)
	cfg := testConfig()
	cfg.IdleTimeout = time.Second
	env := newTestEnv(t, cfg, nil, character("Hero", 0))
	env.start(t)
	p, _ := env.join(t, "hero")

	if n := env.svc.sweepIdle(time.Now()); n != 0 {
		t.Fatalf("fresh session swept")
	}
	if n := env.svc.sweepIdle(time.Now().Add(time.Minute)); n != 1 {
		t.Fatalf("expected one idle session, got %d", n)
	}
	if env.svc.reg.Len() != 0 || env.svc.Endpoints() != 0 {
		t.Fatalf("idle session not released")
	}
	if _, closed := p.state(); !closed {
		t.Fatalf("authenticated peer should be closed")
	}
}

func TestAdminRoutes(t *testing.T) {
	testlog.Start(t)
	env := newTestEnv(t, testConfig(), nil, character("Hero", 0))
	env.start(t)
	router := env.svc.Router()

	do := func(method, path, body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		return rec
	}

	if rec := do(http.MethodGet, "/health", ""); rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"status":"ok"`) {
		t.Fatalf("unexpected health: %d %s", rec.Code, rec.Body.String())
	}
	if rec := do(http.MethodPost, "/login", `{"login":"hero","password":"nope"}`); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	if rec := do(http.MethodPost, "/login", `{"login":"hero","password":"pw","character":"Villain"}`); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if rec := do(http.MethodPost, "/login", `not json`); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}

	rec := do(http.MethodPost, "/login", `{"login":"hero","password":"pw"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected login status: %d %s", rec.Code, rec.Body.String())
	}
	var login struct {
		Ticket    uint32 `json:"ticket"`
		Character string `json:"character"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &login); err != nil {
		t.Fatalf("unexpected login body: %v", err)
	}
	if login.Ticket == 0 || login.Character != "Hero" {
		t.Fatalf("unexpected login response: %+v", login)
	}

	p := &fakePeer{key: "fake:hero"}
	env.svc.receive(p, encode(t, login.Ticket, protocol.Auth{}))
	eventually(t, "session registered", func() bool { return env.svc.reg.Len() == 1 })
	id := env.svc.reg.Sessions()[0].ID()

	rec = do(http.MethodGet, "/sessions", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"name":"Hero"`) {
		t.Fatalf("unexpected sessions: %d %s", rec.Code, rec.Body.String())
	}
	path := "/sessions/" + strconv.FormatUint(uint64(id), 10)
	if rec := do(http.MethodGet, path, ""); rec.Code != http.StatusOK {
		t.Fatalf("unexpected session lookup: %d", rec.Code)
	}
	if rec := do(http.MethodGet, "/sessions/abc", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if rec := do(http.MethodDelete, path, ""); rec.Code != http.StatusOK {
		t.Fatalf("unexpected kick status: %d", rec.Code)
	}
	if rec := do(http.MethodGet, path, ""); rec.Code != http.StatusNotFound {
		t.Fatalf("kicked session still visible: %d", rec.Code)
	}
	if rec := do(http.MethodGet, "/metrics", ""); rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "battlegrounds_datagrams_received_total") {
		t.Fatalf("metrics missing protocol counters")
	}
}

func readPacket(t *testing.T, c *net.UDPConn, op protocol.OpCode) protocol.Packet {
	t.Helper()
	buf := make([]byte, 65535)
	deadline := time.Now().Add(3 * time.Second)
	for {
		_ = c.SetReadDeadline(deadline)
		n, err := c.Read(buf)
		if err != nil {
			t.Fatalf("waiting for %s: %v", op, err)
		}
		p, err := protocol.Decode(buf[:n])
		if err != nil {
			t.Fatalf("unexpected decode error: %v", err)
		}
		if p.Message.OpCode() == op {
			return p
		}
	}
}

func TestUDPLoopbackHandshake(t *testing.T) {
	testlog.Start(t)
	props := []protocol.Prop{{Position: protocol.Vector2D{X: 4, Y: 2}, Shape: protocol.Circle{Radius: 2}}}
	env := newTestEnv(t, testConfig(), props, character("Hero", 0))
	if err := env.svc.Listen(); err != nil {
		t.Fatalf("unexpected listen error: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- env.svc.Serve(ctx) }()
	defer func() {
		cancel()
		if err := <-done; err != nil {
			t.Fatalf("unexpected serve error: %v", err)
		}
	}()

	client, err := net.DialUDP("udp", nil, env.svc.UDPAddr().(*net.UDPAddr))
	if err != nil {
		t.Fatalf("unexpected dial error: %v", err)
	}
	defer client.Close()

	if _, err := client.Write(encode(t, env.ticket(t, "hero"), protocol.Auth{})); err != nil {
		t.Fatalf("unexpected write error: %v", err)
	}
	authOK := readPacket(t, client, protocol.OpAuthOK)
	if authOK.Message.(protocol.AuthOK).Name != "Hero" {
		t.Fatalf("unexpected auth_ok: %+v", authOK)
	}
	prop := readPacket(t, client, protocol.OpProp)
	if prop.Message.(protocol.Prop).Position != (protocol.Vector2D{X: 4, Y: 2}) {
		t.Fatalf("unexpected prop: %+v", prop)
	}
	if _, err := client.Write(encode(t, authOK.SessionID, protocol.PropOK{})); err != nil {
		t.Fatalf("unexpected write error: %v", err)
	}
	eventually(t, "active over udp", func() bool {
		s, ok := env.svc.reg.Lookup(authOK.SessionID)
		return ok && s.State() == session.StateActive
	})
}

func TestWebSocketHandshake(t *testing.T) {
	testlog.Start(t)
	env := newTestEnv(t, testConfig(), nil, character("Hero", 0))
	env.start(t)
	srv := httptest.NewServer(env.svc.wsRouter())
	defer srv.Close()

	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatalf("unexpected dial error: %v", err)
	}
	defer ws.Close()

	if err := ws.WriteMessage(websocket.BinaryMessage, encode(t, env.ticket(t, "hero"), protocol.Auth{})); err != nil {
		t.Fatalf("unexpected write error: %v", err)
	}
	_ = ws.SetReadDeadline(time.Now().Add(3 * time.Second))
	kind, payload, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("unexpected read error: %v", err)
	}
	if kind != websocket.BinaryMessage {
		t.Fatalf("unexpected message kind: %d", kind)
	}
	p, err := protocol.Decode(payload)
	if err != nil || p.Message.OpCode() != protocol.OpAuthOK {
		t.Fatalf("unexpected reply: %+v %v", p, err)
	}

	ws.Close()
	eventually(t, "session closed on disconnect", func() bool { return env.svc.reg.Len() == 0 })
}

func TestServiceConfigValidate(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultServiceConfig()
	cfg.ListenUDP = ""
	if _, err := NewService(cfg, Deps{}); err == nil {
		t.Fatalf("expected missing listener error")
	}
	cfg = DefaultServiceConfig()
	cfg.InterestRadius = -1
	if err := cfg.WithDefaults().Validate(); err == nil {
		t.Fatalf("expected negative radius error")
	}
	got := ServiceConfig{ListenUDP: ":0", IdleTimeout: 8 * time.Second}.WithDefaults()
	if got.SweepInterval != 2*time.Second || got.Workers != 4 || got.Session.Retry.MaxRetries != 10 {
		t.Fatalf("unexpected defaults: %+v", got)
	}
}

func awaitWorld(t *testing.T, env *testEnv, p *fakePeer) (*session.Session, uint32) {
	t.Helper()
	env.svc.receive(p, encode(t, env.ticket(t, "hero"), protocol.Auth{}))
	eventually(t, "prop", func() bool { return len(p.packets(t, protocol.OpProp)) > 0 })
	id := p.packets(t, protocol.OpAuthOK)[0].SessionID
	sess, ok := env.svc.reg.Lookup(id)
	if !ok || sess.State() != session.StateAwaitingWorld {
		t.Fatalf("expected awaiting world session")
	}
	return sess, id
}

func TestDatagramFromNewEndpointRebindsSession(t *testing.T) {
	testlog.Start(t)
	props := []protocol.Prop{{Position: protocol.Vector2D{X: 1}, Shape: protocol.Circle{Radius: 1}}}
	env := newTestEnv(t, testConfig(), props, character("Hero", 0))
	env.start(t)
	home := &fakePeer{key: "fake:hero"}
	sess, id := awaitWorld(t, env, home)

	rebound := &fakePeer{key: "fake:hero-rebound"}
	env.svc.receive(rebound, encode(t, id, protocol.PropOK{}))
	eventually(t, "active after rebind", func() bool { return sess.State() == session.StateActive })

	if got := sess.Endpoint(); got != rebound.key {
		t.Fatalf("session not rebound: %q", got)
	}
	if _, closed := home.state(); !closed {
		t.Fatalf("previous endpoint should be released")
	}
	if _, ok := env.svc.lookupConn(home.key); ok {
		t.Fatalf("previous endpoint still routed")
	}
	if n := env.svc.Endpoints(); n != 1 {
		t.Fatalf("unexpected endpoints: %d", n)
	}
	before, _ := rebound.state()
	if err := env.svc.Send(id, encode(t, id, protocol.PropOK{})); err != nil {
		t.Fatalf("unexpected send error: %v", err)
	}
	if after, _ := rebound.state(); after != before+1 {
		t.Fatalf("outbound datagrams not following the new endpoint")
	}
}

func TestStrictEndpointPolicyDropsForeignDatagram(t *testing.T) {
	testlog.Start(t)
	cfg := testConfig()
	cfg.EndpointPolicy = EndpointStrict
	props := []protocol.Prop{{Position: protocol.Vector2D{X: 1}, Shape: protocol.Circle{Radius: 1}}}
	env := newTestEnv(t, cfg, props, character("Hero", 0))
	env.start(t)
	home := &fakePeer{key: "fake:hero"}
	sess, id := awaitWorld(t, env, home)

	// Routing rejects the datagram before it is queued.
	env.svc.receive(&fakePeer{key: "fake:spoofed"}, encode(t, id, protocol.PropOK{}))
	if sess.Snapshot().PendingProps != 1 || sess.Endpoint() != home.key {
		t.Fatalf("foreign datagram reached the session: %+v", sess.Snapshot())
	}

	env.svc.receive(home, encode(t, id, protocol.PropOK{}))
	eventually(t, "active", func() bool { return sess.State() == session.StateActive })
}

func TestRebindRefusesEndpointOfAnotherSession(t *testing.T) {
	testlog.Start(t)
	env := newTestEnv(t, testConfig(), nil, character("Alpha", 0), character("Bravo", 1))
	env.start(t)
	alpha, _ := env.join(t, "alpha")
	bravo, bravoID := env.join(t, "bravo")

	env.svc.receive(alpha, encode(t, bravoID, protocol.MoveOp{OpSig: 1, Movement: protocol.MovementState{Forward: protocol.Vector2F{X: 1}}}))
	sess, _ := env.svc.reg.Lookup(bravoID)
	if sess.Endpoint() != bravo.key {
		t.Fatalf("session moved onto an endpoint already in use: %q", sess.Endpoint())
	}
	if _, closed := bravo.state(); closed {
		t.Fatalf("bravo transport closed")
	}
}

func TestServiceConfigEndpointPolicy(t *testing.T) {
	testlog.Start(t)
	cfg := testConfig()
	cfg.EndpointPolicy = ""
	if got := cfg.WithDefaults().EndpointPolicy; got != EndpointRebind {
		t.Fatalf("unexpected default policy: %q", got)
	}
	cfg.EndpointPolicy = "sticky"
	if err := cfg.WithDefaults().Validate(); err == nil {
		t.Fatalf("expected invalid endpoint policy error")
	}
}
