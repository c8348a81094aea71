// Command bgclient is a scripted peer: it logs in over the admin API, opens
// a UDP session, acknowledges the world props and sends a run of moves.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/danmuck/battlegrounds/internal/auth"
	"github.com/danmuck/battlegrounds/internal/logging"
	"github.com/danmuck/battlegrounds/internal/observability"
	"github.com/danmuck/battlegrounds/internal/protocol"
	"github.com/rs/zerolog"
)

type options struct {
	Admin     string
	UDP       string
	Login     string
	Password  string
	Character string
	Moves     int
	Interval  time.Duration
	Timeout   time.Duration
}

type loginResponse struct {
	Ticket    uint32 `json:"ticket"`
	Account   uint32 `json:"account"`
	Character string `json:"character"`
	UDP       string `json:"udp"`
}

// summary reports what one scripted run observed.
type summary struct {
	SessionID uint32
	Character string
	Props     int
	Events    int
	Final     protocol.MovementState
}

func main() {
	var opts options
	flag.StringVar(&opts.Admin, "admin", "http://127.0.0.1:8080", "admin API base URL")
	flag.StringVar(&opts.UDP, "udp", "", "UDP server address (defaults to the address returned by /login)")
	flag.StringVar(&opts.Login, "login", "hero", "account login")
	flag.StringVar(&opts.Password, "password", "change-me", "account password")
	flag.StringVar(&opts.Character, "character", "", "character name (defaults to the first)")
	flag.IntVar(&opts.Moves, "moves", 10, "number of MOVE_OP datagrams to send")
	flag.DurationVar(&opts.Interval, "interval", 100*time.Millisecond, "delay between moves")
	flag.DurationVar(&opts.Timeout, "timeout", 10*time.Second, "overall run timeout")
	flag.Parse()

	logging.ConfigureRuntime("")
	logger := observability.InitLogger("bgclient")

	ctx, cancel := context.WithTimeout(context.Background(), opts.Timeout)
	defer cancel()
	sum, err := run(ctx, opts, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "bgclient: %v\n", err)
		os.Exit(1)
	}
	logger.Info().
		Uint32("session_id", sum.SessionID).
		Str("character", sum.Character).
		Int("props", sum.Props).
		Int("events", sum.Events).
		Float64("x", sum.Final.Position.X).
		Float64("y", sum.Final.Position.Y).
		Msg("run complete")
}

func login(ctx context.Context, base string, creds auth.Credentials) (loginResponse, error) {
	body, err := json.Marshal(creds)
	if err != nil {
		return loginResponse{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(base, "/")+"/login", bytes.NewReader(body))
	if err != nil {
		return loginResponse{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return loginResponse{}, fmt.Errorf("login: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&e)
		return loginResponse{}, fmt.Errorf("login: %s: %s", resp.Status, e.Error)
	}
	var out loginResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return loginResponse{}, fmt.Errorf("login: decode response: %w", err)
	}
	return out, nil
}

// peer wraps the UDP socket with the session id learned from AUTH_OK.
type peer struct {
	conn *net.UDPConn
	id   uint32
	log  zerolog.Logger
	sum  summary
	buf  []byte
}

func run(ctx context.Context, opts options, logger zerolog.Logger) (summary, error) {
	lr, err := login(ctx, opts.Admin, auth.Credentials{Login: opts.Login, Password: opts.Password, Character: opts.Character})
	if err != nil {
		return summary{}, err
	}
	addr := opts.UDP
	if addr == "" {
		addr = lr.UDP
	}
	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return summary{}, fmt.Errorf("resolve %q: %w", addr, err)
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return summary{}, err
	}
	defer conn.Close()

	p := &peer{conn: conn, log: logger, buf: make([]byte, 65535)}
	p.sum.Character = lr.Character

	if err := p.send(lr.Ticket, protocol.Auth{}); err != nil {
		return summary{}, err
	}
	// Collect AUTH_OK and the world props until the server goes quiet.
	for {
		if err := ctx.Err(); err != nil {
			return summary{}, fmt.Errorf("waiting for auth_ok: %w", err)
		}
		quiet, err := p.poll(250 * time.Millisecond)
		if err != nil {
			return summary{}, err
		}
		if quiet && p.id != 0 {
			break
		}
		if quiet {
			// AUTH_OK is retransmitted by the server; a repeated AUTH
			// from this endpoint also re-sends it.
			if err := p.send(lr.Ticket, protocol.Auth{}); err != nil {
				return summary{}, err
			}
		}
	}

	mv := p.sum.Final
	for i := 1; i <= opts.Moves; i++ {
		if err := ctx.Err(); err != nil {
			return p.sum, err
		}
		mv.Position.X++
		mv.Bits = protocol.MovementBits{Movement: protocol.IntentForward}
		if err := p.send(p.id, protocol.MoveOp{OpSig: uint16(i), Movement: mv}); err != nil {
			return p.sum, err
		}
		p.sum.Final = mv
		if _, err := p.poll(opts.Interval); err != nil {
			return p.sum, err
		}
	}
	return p.sum, nil
}

func (p *peer) send(id uint32, msg protocol.Message) error {
	b, err := protocol.Encode(protocol.Packet{SessionID: id, Message: msg})
	if err != nil {
		return err
	}
	_, err = p.conn.Write(b)
	return err
}

// poll handles datagrams until none arrive for wait. It reports whether the
// wait elapsed without traffic.
func (p *peer) poll(wait time.Duration) (bool, error) {
	quiet := true
	for {
		if err := p.conn.SetReadDeadline(time.Now().Add(wait)); err != nil {
			return false, err
		}
		n, err := p.conn.Read(p.buf)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				return quiet, nil
			}
			return false, err
		}
		quiet = false
		pkt, err := protocol.Decode(p.buf[:n])
		if err != nil {
			p.log.Warn().Err(err).Msg("bad datagram from server")
			continue
		}
		if err := p.handle(pkt); err != nil {
			return false, err
		}
	}
}

func (p *peer) handle(pkt protocol.Packet) error {
	switch m := pkt.Message.(type) {
	case protocol.AuthOK:
		if p.id == 0 {
			p.id = pkt.SessionID
			p.sum.SessionID = pkt.SessionID
			p.sum.Final = m.Movement
			p.log.Info().Uint32("session_id", p.id).Str("name", m.Name).Msg("authenticated")
		}
	case protocol.Prop:
		p.sum.Props++
		p.log.Debug().Uint8("shape", uint8(m.Shape.ShapeType())).Float64("x", m.Position.X).Float64("y", m.Position.Y).Msg("prop")
		return p.send(p.id, protocol.PropOK{})
	case protocol.MoveEvent:
		p.sum.Events++
		p.log.Debug().
			Uint32("origin", pkt.SessionID).
			Uint16("event_sig", m.EventSig).
			Float64("x", m.Movement.Position.X).
			Msg("move event")
	}
	return nil
}
