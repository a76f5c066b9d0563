package server

import "time"

// Config controls the relay server. Field defaults match the deployed
// service.
type Config struct {
	// Addr is the listen address for both the websocket endpoint and
	// the HTTP status page.
	Addr string `env:"LINKCHAT_ADDR,default=:8080"`

	// MaxUsers caps simultaneously registered identities.
	MaxUsers int `env:"LINKCHAT_MAX_USERS,default=1000"`

	// IdleTimeout terminates a connection that has sent nothing for
	// this long. The in-band heartbeat keeps healthy clients well
	// under it; this is the transport-level second line of defense.
	IdleTimeout time.Duration `env:"LINKCHAT_IDLE_TIMEOUT,default=30m"`

	// SweepInterval is how often sessions with dead connections are
	// reaped.
	SweepInterval time.Duration `env:"LINKCHAT_SWEEP_INTERVAL,default=5m"`

	// OutgoingBuffer is the per-connection write queue depth. A client
	// that falls this far behind is disconnected.
	OutgoingBuffer int `env:"LINKCHAT_OUTGOING_BUFFER,default=32"`
}

// DefaultConfig returns the configuration used when no environment is
// present.
func DefaultConfig() Config {
	return Config{
		Addr:           ":8080",
		MaxUsers:       1000,
		IdleTimeout:    30 * time.Minute,
		SweepInterval:  5 * time.Minute,
		OutgoingBuffer: 32,
	}
}
