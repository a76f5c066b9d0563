package client

import "time"

// Options controls the Connection Lifecycle Manager. Defaults match
// the deployed client.
type Options struct {
	// ServerURL is the websocket endpoint, e.g. ws://host:8080/.
	ServerURL string `env:"LINKCHAT_SERVER_URL"`

	// DataDir is where the local store keeps per-identity state.
	DataDir string `env:"LINKCHAT_DATA_DIR,default=.linkchat"`

	DialTimeout time.Duration `env:"LINKCHAT_DIAL_TIMEOUT,default=10s"`

	// Reconnect backoff: wait = min(BaseDelay + attempts*DelayIncrement, MaxDelay).
	BaseDelay      time.Duration `env:"LINKCHAT_BASE_DELAY,default=3s"`
	DelayIncrement time.Duration `env:"LINKCHAT_DELAY_INCREMENT,default=2s"`
	MaxDelay       time.Duration `env:"LINKCHAT_MAX_DELAY,default=30s"`

	// MaxAttempts bounds consecutive reconnect attempts. The default
	// is effectively unbounded retry.
	MaxAttempts int `env:"LINKCHAT_MAX_ATTEMPTS,default=999"`

	HeartbeatInterval time.Duration `env:"LINKCHAT_HEARTBEAT_INTERVAL,default=60s"`

	// MaxMissedHeartbeats is how many unanswered pings are tolerated
	// before the manager closes the socket itself rather than waiting
	// on a half-open connection.
	MaxMissedHeartbeats int `env:"LINKCHAT_MAX_MISSED_HEARTBEATS,default=3"`
}

// DefaultOptions returns the options used when no environment is
// present.
func DefaultOptions() Options {
	return Options{
		DataDir:             ".linkchat",
		DialTimeout:         10 * time.Second,
		BaseDelay:           3 * time.Second,
		DelayIncrement:      2 * time.Second,
		MaxDelay:            30 * time.Second,
		MaxAttempts:         999,
		HeartbeatInterval:   60 * time.Second,
		MaxMissedHeartbeats: 3,
	}
}

// reconnectDelay computes the backoff before the attempt-th reconnect
// (1-based): non-decreasing and capped.
func reconnectDelay(attempt int, o Options) time.Duration {
	d := o.BaseDelay + time.Duration(attempt)*o.DelayIncrement
	if d > o.MaxDelay {
		return o.MaxDelay
	}
	return d
}
