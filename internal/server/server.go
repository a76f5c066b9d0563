// Package server implements the relay: it tracks which identities are
// reachable and forwards identity, relationship and message events
// between them. Delivery is best-effort and ephemeral; the server
// stores no message history.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/ephone/linkchat/internal/presence"
	"github.com/ephone/linkchat/pkg/protocol"
)

// Server multiplexes many websocket connections over one Presence
// Registry and one Group Membership Store.
type Server struct {
	cfg      Config
	log      *slog.Logger
	registry *presence.Registry
	groups   *presence.Groups

	listener  net.Listener
	httpSrv   *http.Server
	startedAt time.Time

	mu    sync.Mutex
	peers map[*peer]struct{}

	quit     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a Server. Call Start to begin accepting connections.
func New(cfg Config, log *slog.Logger) *Server {
	return &Server{
		cfg:      cfg,
		log:      log,
		registry: presence.NewRegistry(cfg.MaxUsers, log),
		groups:   presence.NewGroups(log),
		peers:    make(map[*peer]struct{}),
		quit:     make(chan struct{}),
	}
}

// Start listens on cfg.Addr and begins serving in the background.
// Websocket upgrades and the HTTP status page share the port.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("start server: %w", err)
	}
	s.listener = listener
	s.startedAt = time.Now()

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleRoot)
	s.httpSrv = &http.Server{Handler: mux}

	s.wg.Add(1)
	go s.sweepLoop()

	s.log.Info("server started", "addr", listener.Addr().String(), "maxUsers", s.cfg.MaxUsers)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpSrv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("serve", "err", err)
		}
	}()
	return nil
}

// Stop notifies every session, closes all connections and waits for
// the per-connection goroutines to finish. Safe to call more than
// once.
func (s *Server) Stop() {
	s.stopOnce.Do(s.stop)
}

func (s *Server) stop() {
	close(s.quit)

	if data, err := protocol.Encode(protocol.ServerShutdown{
		Type:    protocol.TypeServerShutdown,
		Message: "server is shutting down, please reconnect later",
	}); err == nil {
		for _, sess := range s.registry.Snapshot() {
			sess.Conn.Send(data)
		}
	}
	// Give the write pumps a moment to flush the shutdown notice.
	time.Sleep(100 * time.Millisecond)

	s.mu.Lock()
	for p := range s.peers {
		p.Terminate()
	}
	s.mu.Unlock()

	if s.httpSrv != nil {
		_ = s.httpSrv.Shutdown(context.Background())
	}
	s.wg.Wait()
	s.log.Info("server stopped")
}

// Addr returns the bound listen address.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}

// OnlineCount returns the number of registered sessions.
func (s *Server) OnlineCount() int {
	return s.registry.Count()
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		conn, _, _, err := ws.UpgradeHTTP(r, w)
		if err != nil {
			s.log.Warn("websocket upgrade failed", "addr", r.RemoteAddr, "err", err)
			return
		}
		s.serveConn(conn)
		return
	}
	s.serveStatus(w, r)
}

// serveStatus is the plain HTTP status page, useful for checking a
// deployment from a browser.
func (s *Server) serveStatus(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintf(w, "linkchat relay\nonline: %d / %d\ngroups: %d\nuptime: %s\n",
		s.registry.Count(), s.cfg.MaxUsers, s.groups.Count(),
		time.Since(s.startedAt).Round(time.Second))
}

// serveConn owns one websocket connection: a write pump goroutine plus
// this read loop. It returns when the connection dies, unregistering
// the identity only if this connection still owns it.
func (s *Server) serveConn(conn net.Conn) {
	p := newPeer(conn, s.log, s.cfg.OutgoingBuffer)
	s.trackPeer(p)
	s.log.Info("client connected", "addr", p.RemoteAddr())

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		p.writeLoop()
	}()

	c := &client{conn: p}
	defer func() {
		p.Terminate()
		s.untrackPeer(p)
		if c.identity != "" {
			if s.registry.Remove(c.identity, p) {
				s.log.Info("identity offline", "identity", c.identity, "online", s.registry.Count())
			} else {
				// A newer connection has taken over this identity;
				// the stale close must not unregister it.
				s.log.Info("stale connection closed, identity already taken over", "identity", c.identity)
			}
		} else {
			s.log.Info("unregistered client disconnected", "addr", p.RemoteAddr())
		}
	}()

	// The frame cap is enforced from the announced header length,
	// before any payload is buffered. A peer exceeding it loses the
	// connection.
	controlHandler := wsutil.ControlFrameHandler(conn, ws.StateServerSide)
	rd := &wsutil.Reader{
		Source:         conn,
		State:          ws.StateServerSide,
		CheckUTF8:      true,
		MaxFrameSize:   protocol.MaxFrameBytes,
		OnIntermediate: controlHandler,
	}

	for {
		if err := conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout)); err != nil {
			return
		}
		hdr, err := rd.NextFrame()
		if err != nil {
			if errors.Is(err, wsutil.ErrFrameTooLarge) {
				s.log.Warn("closing connection on oversized frame", "addr", p.RemoteAddr())
			}
			return
		}
		if hdr.OpCode.IsControl() {
			if err := controlHandler(hdr, rd); err != nil {
				return
			}
			continue
		}
		if hdr.OpCode != ws.OpText {
			if err := rd.Discard(); err != nil {
				return
			}
			continue
		}
		// A message fragmented into many small frames can still exceed
		// the cap in total.
		data, err := io.ReadAll(io.LimitReader(rd, protocol.MaxFrameBytes+1))
		if err != nil {
			return
		}
		if len(data) > protocol.MaxFrameBytes {
			s.log.Warn("closing connection on oversized message", "addr", p.RemoteAddr())
			return
		}
		s.dispatch(c, data)
	}
}

func (s *Server) trackPeer(p *peer) {
	s.mu.Lock()
	s.peers[p] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) untrackPeer(p *peer) {
	s.mu.Lock()
	delete(s.peers, p)
	s.mu.Unlock()
}

// sweepLoop periodically reaps sessions whose connection died without
// a close event reaching us.
func (s *Server) sweepLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.quit:
			return
		case <-ticker.C:
			if dropped := s.registry.Sweep(); dropped > 0 {
				s.log.Info("swept dead sessions", "dropped", dropped)
			}
		}
	}
}
