package server

import (
	"context"
	"errors"
	"net"
)

// peer is one remote transport endpoint.
type peer interface {
	// Key identifies the endpoint for the lifetime of its session.
	Key() string
	Transport() string
	// Write must not block on the network.
	Write(b []byte) error
	Close() error
}

type udpPeer struct {
	conn *net.UDPConn
	addr *net.UDPAddr
	key  string
}

func newUDPPeer(conn *net.UDPConn, addr *net.UDPAddr) udpPeer {
	return udpPeer{conn: conn, addr: addr, key: "udp:" + addr.String()}
}

func (p udpPeer) Key() string       { return p.key }
func (p udpPeer) Transport() string { return "udp" }
func (p udpPeer) Close() error      { return nil }

func (p udpPeer) Write(b []byte) error {
	_, err := p.conn.WriteToUDP(b, p.addr)
	return err
}

// serveUDP reads datagrams until the socket closes.
func (s *Service) serveUDP(ctx context.Context, conn *net.UDPConn) error {
	buf := make([]byte, s.cfg.MaxDatagram)
	for {
		n, addr, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		b := make([]byte, n)
		copy(b, buf[:n])
		s.receive(newUDPPeer(conn, addr), b)
	}
}
