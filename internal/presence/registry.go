// Package presence tracks which identities are currently reachable and
// which groups exist, for the lifetime of the server process. Nothing
// here is durable: sessions die with their connection and groups die
// with the process (clients rebuild them via sync).
package presence

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ephone/linkchat/pkg/protocol"
)

// Registration failure reasons, mirrored verbatim onto the wire.
const (
	ReasonInvalidFormat = "invalid_format"
	ReasonServerFull    = "server_full"
)

// RegistrationError rejects a Register call.
type RegistrationError struct {
	Reason string
}

func (e *RegistrationError) Error() string {
	return fmt.Sprintf("registration rejected: %s", e.Reason)
}

// Conn is the handle the registry keeps per session. Send must never
// block: a saturated consumer is disconnected rather than allowed to
// stall a relay holding the registry lock.
type Conn interface {
	// Send enqueues a frame best-effort and reports whether it was
	// accepted.
	Send(data []byte) bool

	// Terminate force-closes the connection without a close handshake.
	Terminate()

	// Alive reports whether the connection has not been terminated.
	Alive() bool

	RemoteAddr() string
}

// Session binds an identity to one live connection.
type Session struct {
	Identity    string
	DisplayName string
	Avatar      string
	Conn        Conn
	ConnectedAt time.Time
}

// Registry is the identity -> Session table. At most one live Session
// exists per identity at any instant; a newer registration for the
// same identity displaces the older one (takeover).
type Registry struct {
	capacity int
	log      *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry creates a Registry holding at most capacity sessions.
func NewRegistry(capacity int, log *slog.Logger) *Registry {
	return &Registry{
		capacity: capacity,
		log:      log,
		sessions: make(map[string]*Session),
	}
}

// Register inserts a Session for identity. An existing session for the
// same identity is terminated and removed before the new one is
// inserted, so no two live connections ever share an identity, even
// momentarily.
func (r *Registry) Register(identity, displayName, avatar string, conn Conn) (*Session, error) {
	if !protocol.ValidIdentity(identity) {
		return nil, &RegistrationError{Reason: ReasonInvalidFormat}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.sessions) >= r.capacity {
		if _, taken := r.sessions[identity]; !taken {
			return nil, &RegistrationError{Reason: ReasonServerFull}
		}
	}

	if old, ok := r.sessions[identity]; ok {
		if old.Conn == conn {
			// Same connection re-registering to refresh its profile.
			old.DisplayName = truncateRunes(displayName, 20)
			old.Avatar = avatar
			return old, nil
		}
		r.log.Info("identity takeover, terminating old connection",
			"identity", identity, "oldAddr", old.Conn.RemoteAddr())
		old.Conn.Terminate()
		delete(r.sessions, identity)
	}

	sess := &Session{
		Identity:    identity,
		DisplayName: truncateRunes(displayName, 20),
		Avatar:      avatar,
		Conn:        conn,
		ConnectedAt: time.Now(),
	}
	r.sessions[identity] = sess
	return sess, nil
}

// Lookup returns the live Session for identity, if any.
func (r *Registry) Lookup(identity string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, ok := r.sessions[identity]
	return sess, ok
}

// Remove deletes the entry for identity only if it still belongs to
// conn. A slow-closing old connection therefore cannot delete the
// entry of a newer connection that has taken over the identity.
func (r *Registry) Remove(identity string, conn Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[identity]
	if !ok || sess.Conn != conn {
		return false
	}
	delete(r.sessions, identity)
	return true
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Snapshot returns the current sessions. The slice is a copy; the
// Session values are shared.
func (r *Registry) Snapshot() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		out = append(out, sess)
	}
	return out
}

// Sweep drops sessions whose connection is no longer alive and returns
// how many were dropped. Transport-level close handling removes
// sessions promptly; the sweep is a backstop for leaked connections.
func (r *Registry) Sweep() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	dropped := 0
	for identity, sess := range r.sessions {
		if !sess.Conn.Alive() {
			delete(r.sessions, identity)
			dropped++
		}
	}
	return dropped
}

func truncateRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
