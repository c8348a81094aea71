package server

import (
	"errors"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/battlegrounds/internal/protocol/session"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const (
	wsSendQueue    = 64
	wsWriteTimeout = 5 * time.Second
	wsPongWait     = 60 * time.Second
	wsPingPeriod   = wsPongWait * 9 / 10
)

var errPeerClosed = errors.New("server: peer closed")

var wsSeq atomic.Uint64

// wsPeer carries one datagram per binary WebSocket message.
type wsPeer struct {
	ws   *websocket.Conn
	key  string
	send chan []byte

	closeOnce sync.Once
	done      chan struct{}
}

func newWSPeer(ws *websocket.Conn) *wsPeer {
	return &wsPeer{
		ws:   ws,
		key:  "ws:" + ws.RemoteAddr().String() + "#" + strconv.FormatUint(wsSeq.Add(1), 10),
		send: make(chan []byte, wsSendQueue),
		done: make(chan struct{}),
	}
}

func (p *wsPeer) Key() string       { return p.key }
func (p *wsPeer) Transport() string { return "ws" }

// Write enqueues b, dropping it when the queue is full; datagram semantics
// allow loss.
func (p *wsPeer) Write(b []byte) error {
	select {
	case <-p.done:
		return errPeerClosed
	default:
	}
	select {
	case p.send <- b:
	default:
	}
	return nil
}

func (p *wsPeer) Close() error {
	p.closeOnce.Do(func() {
		close(p.done)
		_ = p.ws.Close()
	})
	return nil
}

func (p *wsPeer) writePump() {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	defer p.Close()
	for {
		select {
		case <-p.done:
			return
		case msg := <-p.send:
			_ = p.ws.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := p.ws.WriteMessage(websocket.BinaryMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = p.ws.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := p.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Service) readPump(p *wsPeer) {
	defer func() {
		if c, ok := s.lookupConn(p.Key()); ok {
			c.sess.Close(session.ErrDisconnected)
		}
		p.Close()
	}()
	p.ws.SetReadLimit(int64(s.cfg.MaxDatagram))
	_ = p.ws.SetReadDeadline(time.Now().Add(wsPongWait))
	p.ws.SetPongHandler(func(string) error {
		return p.ws.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		kind, payload, err := p.ws.ReadMessage()
		if err != nil {
			return
		}
		if kind != websocket.BinaryMessage {
			continue
		}
		_ = p.ws.SetReadDeadline(time.Now().Add(wsPongWait))
		s.receive(p, payload)
	}
}

func (s *Service) upgrader() websocket.Upgrader {
	origins := normalizeOrigins(s.cfg.CORSOrigins)
	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			for _, o := range origins {
				if o == "*" || o == origin {
					return true
				}
			}
			return false
		},
	}
}

func (s *Service) handleWS(c *gin.Context) {
	up := s.upgrader()
	ws, err := up.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	p := newWSPeer(ws)
	s.log.Debug().Str("endpoint", p.Key()).Msg("websocket connected")
	go p.writePump()
	go func() {
		select {
		case <-s.context().Done():
			p.Close()
		case <-p.done:
		}
	}()
	s.readPump(p)
}

func (s *Service) wsRouter() http.Handler {
	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/ws", s.handleWS)
	return r
}
