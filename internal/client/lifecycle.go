// Package client implements the device-side half of the relay
// protocol: one outbound connection at a time with registration,
// heartbeat and reconnect handling, plus the local relationship and
// chat state the UI layer reads.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/ephone/linkchat/pkg/protocol"
)

// State is the connection lifecycle state.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	ReconnectWaiting
	ManuallyClosed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case ReconnectWaiting:
		return "reconnect_waiting"
	case ManuallyClosed:
		return "manually_closed"
	default:
		return "unknown"
	}
}

var (
	ErrNotConnected     = errors.New("not connected")
	ErrAlreadyConnected = errors.New("already connected or connecting")
	ErrNoRequest        = errors.New("no such friend request")
)

// Profile is the identity a Manager registers under.
type Profile struct {
	Identity    string
	DisplayName string
	Avatar      string
}

// Handlers are optional callbacks into the embedding application.
type Handlers struct {
	OnStateChange  func(State)
	OnSearchResult func(protocol.SearchResult)
	// OnOperationError receives registration and delivery failures,
	// which require explicit user action to resolve; transport
	// failures never reach it (they feed the reconnect policy
	// instead).
	OnOperationError func(reason string)
}

// Manager owns one outbound connection at a time and drives the
// Disconnected / Connecting / Connected / ReconnectWaiting /
// ManuallyClosed state machine. All timers belong to the Manager and
// are cancelled by a manual Close; every connection callback is
// guarded by an epoch check so an old connection can never mutate
// state after a newer one has replaced it.
type Manager struct {
	opts     Options
	log      *slog.Logger
	chat     *ChatState
	handlers Handlers

	mu             sync.Mutex
	state          State
	epoch          int
	conn           net.Conn
	autoReconnect  bool
	attempts       int
	missed         int
	reconnectTimer *time.Timer
	profile        Profile

	writeMu sync.Mutex
}

// NewManager creates a Manager. chat may not be nil; handlers fields
// may be.
func NewManager(opts Options, log *slog.Logger, chat *ChatState, handlers Handlers) *Manager {
	return &Manager{
		opts:     opts,
		log:      log,
		chat:     chat,
		handlers: handlers,
		state:    Disconnected,
	}
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Connect is the explicit user-initiated connect. It loads the
// profile's local data set and starts a connection attempt.
func (m *Manager) Connect(profile Profile) error {
	m.mu.Lock()
	if m.state == Connecting || m.state == Connected {
		m.mu.Unlock()
		return ErrAlreadyConnected
	}
	m.cancelReconnectLocked()
	m.profile = profile
	m.attempts = 0
	m.mu.Unlock()

	// Switching identity loads a disjoint data set. On failure the
	// machine settles in Disconnected; the pending timer is already
	// cancelled and must not leave it stranded in ReconnectWaiting.
	if err := m.chat.SetIdentity(profile.Identity); err != nil {
		m.mu.Lock()
		m.setStateLocked(Disconnected)
		m.mu.Unlock()
		return fmt.Errorf("load local state: %w", err)
	}

	m.mu.Lock()
	m.startAttemptLocked()
	m.mu.Unlock()
	return nil
}

// Close is the explicit user-initiated disconnect: it clears the
// auto-reconnect flag, cancels any pending backoff timer and closes
// the connection. No further reconnection occurs until Connect is
// called again.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.autoReconnect = false
	m.attempts = 0
	m.cancelReconnectLocked()
	m.epoch++ // invalidate every in-flight callback for the old connection
	if m.conn != nil {
		_ = m.conn.Close()
		m.conn = nil
	}
	m.setStateLocked(ManuallyClosed)
	m.log.Info("manually disconnected")
}

// NotifyVisible tells the Manager the application resumed from a
// suspended or background state. If a reconnect is pending, the
// remaining backoff delay is bypassed once; if connected, a heartbeat
// checks the link is still healthy.
func (m *Manager) NotifyVisible() {
	m.mu.Lock()
	if m.state == Connected {
		m.mu.Unlock()
		_ = m.writeEvent(protocol.Heartbeat{Type: protocol.TypeHeartbeat})
		return
	}
	if !m.autoReconnect || m.state == ManuallyClosed || m.state == Connecting {
		m.mu.Unlock()
		return
	}
	m.log.Info("visibility resume, reconnecting immediately")
	m.cancelReconnectLocked()
	m.attempts = 0
	m.startAttemptLocked()
	m.mu.Unlock()
}

func (m *Manager) setStateLocked(s State) {
	if m.state == s {
		return
	}
	m.state = s
	if m.handlers.OnStateChange != nil {
		go m.handlers.OnStateChange(s)
	}
}

func (m *Manager) cancelReconnectLocked() {
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
}

// startAttemptLocked moves to Connecting and dials on a fresh epoch.
func (m *Manager) startAttemptLocked() {
	m.epoch++
	m.setStateLocked(Connecting)
	epoch := m.epoch
	go m.dial(epoch)
}

func (m *Manager) dial(epoch int) {
	ctx, cancel := context.WithTimeout(context.Background(), m.opts.DialTimeout)
	conn, _, _, err := ws.Dial(ctx, m.opts.ServerURL)
	cancel()

	m.mu.Lock()
	if m.epoch != epoch {
		m.mu.Unlock()
		if err == nil {
			_ = conn.Close()
		}
		return
	}
	if err != nil {
		m.log.Warn("dial failed", "url", m.opts.ServerURL, "err", err)
		m.transportDownLocked()
		m.mu.Unlock()
		return
	}
	m.conn = conn
	profile := m.profile
	m.mu.Unlock()

	go m.readLoop(epoch, conn)

	if err := m.writeEvent(protocol.Register{
		Type:        protocol.TypeRegister,
		Identity:    profile.Identity,
		DisplayName: profile.DisplayName,
		Avatar:      profile.Avatar,
	}); err != nil {
		m.log.Warn("send register failed", "err", err)
		_ = conn.Close()
	}
}

// readLoop consumes server frames until the connection dies, then
// feeds the closure into the reconnect policy.
func (m *Manager) readLoop(epoch int, conn net.Conn) {
	for {
		data, err := wsutil.ReadServerText(conn)
		if err != nil {
			m.onTransportClosed(epoch)
			return
		}
		m.routeEvent(epoch, data)
	}
}

// onTransportClosed handles an unexpected connection closure. Stale
// epochs (a manual close or a newer connection) are ignored.
func (m *Manager) onTransportClosed(epoch int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.epoch != epoch {
		return
	}
	m.log.Info("connection closed", "state", m.state.String())
	m.transportDownLocked()
}

// transportDownLocked invalidates the current connection and either
// schedules a reconnect or settles in Disconnected.
func (m *Manager) transportDownLocked() {
	m.epoch++
	m.conn = nil
	m.missed = 0
	if m.autoReconnect {
		m.scheduleReconnectLocked()
		return
	}
	m.setStateLocked(Disconnected)
}

func (m *Manager) scheduleReconnectLocked() {
	if m.attempts >= m.opts.MaxAttempts {
		m.log.Error("giving up reconnecting", "attempts", m.attempts)
		m.setStateLocked(Disconnected)
		return
	}
	m.cancelReconnectLocked()
	m.attempts++
	delay := reconnectDelay(m.attempts, m.opts)
	m.setStateLocked(ReconnectWaiting)
	m.log.Info("reconnect scheduled", "attempt", m.attempts, "delay", delay)

	epoch := m.epoch
	m.reconnectTimer = time.AfterFunc(delay, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.epoch != epoch || m.state != ReconnectWaiting {
			return
		}
		m.startAttemptLocked()
	})
}

// onRegistered completes the handshake: the machine reaches Connected,
// auto-reconnect arms, the heartbeat starts, and every locally cached
// group is re-synced so the server can rebuild rosters it lost.
func (m *Manager) onRegistered(epoch int) {
	m.mu.Lock()
	if m.epoch != epoch {
		m.mu.Unlock()
		return
	}
	m.setStateLocked(Connected)
	m.autoReconnect = true
	m.attempts = 0
	m.missed = 0
	m.mu.Unlock()

	m.log.Info("registered", "identity", m.chat.Identity())
	go m.heartbeatLoop(epoch)
	m.SyncGroups()
}

// onRegisterError is terminal for this connection attempt: the error
// is surfaced for user action and no reconnect is scheduled, though
// the auto-reconnect flag itself is retained.
func (m *Manager) onRegisterError(epoch int, reason string) {
	m.mu.Lock()
	if m.epoch != epoch {
		m.mu.Unlock()
		return
	}
	m.log.Warn("registration rejected", "reason", reason)
	m.epoch++
	if m.conn != nil {
		_ = m.conn.Close()
		m.conn = nil
	}
	m.setStateLocked(Disconnected)
	m.mu.Unlock()

	if m.handlers.OnOperationError != nil {
		m.handlers.OnOperationError(reason)
	}
}

// heartbeatLoop pings while Connected. Too many unanswered pings mean
// a half-open connection: the manager closes the socket itself to
// force the reconnect path instead of waiting forever.
func (m *Manager) heartbeatLoop(epoch int) {
	ticker := time.NewTicker(m.opts.HeartbeatInterval)
	defer ticker.Stop()
	for range ticker.C {
		m.mu.Lock()
		if m.epoch != epoch || m.state != Connected {
			m.mu.Unlock()
			return
		}
		if m.missed >= m.opts.MaxMissedHeartbeats {
			m.log.Warn("heartbeat lost, closing connection", "missed", m.missed)
			conn := m.conn
			m.mu.Unlock()
			if conn != nil {
				_ = conn.Close()
			}
			return
		}
		m.missed++
		m.mu.Unlock()

		if err := m.writeEvent(protocol.Heartbeat{Type: protocol.TypeHeartbeat}); err != nil {
			return
		}
	}
}

// onHeartbeatAck resets the missed counter.
func (m *Manager) onHeartbeatAck(epoch int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.epoch != epoch {
		return
	}
	m.missed = 0
}

// writeEvent encodes and writes one frame on the current connection.
func (m *Manager) writeEvent(v any) error {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	data, err := protocol.Encode(v)
	if err != nil {
		return err
	}
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	return wsutil.WriteClientText(conn, data)
}
