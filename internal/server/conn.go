package server

import (
	"log/slog"
	"net"
	"sync"

	"github.com/gobwas/ws/wsutil"
)

// peer adapts one accepted websocket connection to presence.Conn: a
// buffered outgoing queue drained by a single write pump, so relay
// code holding registry locks never blocks on a socket write.
type peer struct {
	conn net.Conn
	log  *slog.Logger

	outgoing  chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func newPeer(conn net.Conn, log *slog.Logger, buffer int) *peer {
	return &peer{
		conn:     conn,
		log:      log,
		outgoing: make(chan []byte, buffer),
		closed:   make(chan struct{}),
	}
}

// Send enqueues a frame without blocking. A consumer whose queue is
// full is disconnected rather than allowed to back-pressure the relay.
func (p *peer) Send(data []byte) bool {
	select {
	case <-p.closed:
		return false
	default:
	}
	select {
	case p.outgoing <- data:
		return true
	case <-p.closed:
		return false
	default:
		p.log.Warn("slow consumer, disconnecting", "addr", p.RemoteAddr())
		p.Terminate()
		return false
	}
}

// Terminate force-closes the connection. No close handshake: a
// takeover or a slow consumer must free the socket immediately.
func (p *peer) Terminate() {
	p.closeOnce.Do(func() {
		close(p.closed)
		_ = p.conn.Close()
	})
}

func (p *peer) Alive() bool {
	select {
	case <-p.closed:
		return false
	default:
		return true
	}
}

func (p *peer) RemoteAddr() string {
	return p.conn.RemoteAddr().String()
}

// writeLoop drains the outgoing queue onto the socket until the peer
// is terminated or a write fails.
func (p *peer) writeLoop() {
	for {
		select {
		case <-p.closed:
			return
		case data := <-p.outgoing:
			if err := wsutil.WriteServerText(p.conn, data); err != nil {
				p.Terminate()
				return
			}
		}
	}
}
