package bsup

import (
	"context"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"github.com/gordian-engine/bitcomm/bquic"
)

// Closer is the part of a connection the Supervisor needs
// in order to evict it.
type Closer interface {
	CloseWithError(code bquic.ApplicationErrorCode, msg string) error
}

// Config is the configuration for a [Supervisor].
type Config struct {
	Policy Policy

	// Maximum number of connections that may be handshaking at once.
	// Zero means no limit.
	InflightHandshakeLimit int

	// Source of evaluation timestamps.
	// Defaults to time.Now.
	NowFn func() time.Time
}

// DefaultConfig returns the default supervisor configuration.
func DefaultConfig() Config {
	return Config{
		Policy:                 DefaultPolicy(),
		InflightHandshakeLimit: 100,
	}
}

// Supervisor tracks process-wide connection state
// and evaluates each live connection against the [Policy].
type Supervisor struct {
	log *slog.Logger

	policy         Policy
	handshakeLimit int64
	nowFn          func() time.Time

	live        atomic.Int64
	handshaking atomic.Int64

	evicted  atomic.Uint64
	rejected atomic.Uint64
}

// Stats is a point-in-time view of a [Supervisor]'s counters.
type Stats struct {
	LiveConnections    int    `json:"liveConnections"`
	InflightHandshakes int    `json:"inflightHandshakes"`
	Evicted            uint64 `json:"evicted"`
	RejectedHandshakes uint64 `json:"rejectedHandshakes"`

	ConnectionThreshold  int     `json:"connectionThreshold"`
	MinThroughputPerSec  uint64  `json:"minThroughputPerSec"`
	SupervisionIntervalS float64 `json:"supervisionIntervalSeconds"`
}

// New returns a new Supervisor.
// It panics if the policy interval is not positive.
func New(log *slog.Logger, cfg Config) *Supervisor {
	if cfg.Policy.Interval <= 0 {
		panic("BUG: supervision interval must be positive")
	}
	if cfg.NowFn == nil {
		cfg.NowFn = time.Now
	}

	return &Supervisor{
		log: log,

		policy:         cfg.Policy,
		handshakeLimit: int64(cfg.InflightHandshakeLimit),
		nowFn:          cfg.NowFn,
	}
}

// Policy returns the supervisor's policy.
func (s *Supervisor) Policy() Policy {
	return s.policy
}

// AdmitHandshake reserves an in-flight handshake slot.
// It reports false if the limit is already reached,
// in which case the caller must reject the connection.
// A successful admission must be paired with [*Supervisor.HandshakeDone].
func (s *Supervisor) AdmitHandshake() bool {
	if s.handshakeLimit <= 0 {
		s.handshaking.Add(1)
		return true
	}

	for {
		cur := s.handshaking.Load()
		if cur >= s.handshakeLimit {
			s.rejected.Add(1)
			return false
		}
		if s.handshaking.CompareAndSwap(cur, cur+1) {
			return true
		}
	}
}

// HandshakeDone releases a slot reserved by [*Supervisor.AdmitHandshake].
func (s *Supervisor) HandshakeDone() {
	if s.handshaking.Add(-1) < 0 {
		panic("BUG: HandshakeDone called more times than AdmitHandshake")
	}
}

// VerifySourceAddress is suitable for [quic.Transport.VerifySourceAddress].
// While the handshake limit is saturated,
// new clients must prove their address with a Retry round trip
// before the server commits any handshake state to them.
func (s *Supervisor) VerifySourceAddress(net.Addr) bool {
	return s.handshakeLimit > 0 && s.handshaking.Load() >= s.handshakeLimit
}

// Track registers a new live connection and returns its accounting context.
// Every call to Track must be paired with a call to [*Supervisor.Untrack].
func (s *Supervisor) Track() *Context {
	s.live.Add(1)
	return NewContext(s.nowFn())
}

// Untrack removes a connection registered through [*Supervisor.Track].
func (s *Supervisor) Untrack() {
	if s.live.Add(-1) < 0 {
		panic("BUG: Untrack called more times than Track")
	}
}

// ConnectionCount returns the number of tracked connections.
func (s *Supervisor) ConnectionCount() int {
	return int(s.live.Load())
}

// Stats returns the current counters.
func (s *Supervisor) Stats() Stats {
	return Stats{
		LiveConnections:      int(s.live.Load()),
		InflightHandshakes:   int(s.handshaking.Load()),
		Evicted:              s.evicted.Load(),
		RejectedHandshakes:   s.rejected.Load(),
		ConnectionThreshold:  s.policy.ConnectionCountThreshold,
		MinThroughputPerSec:  s.policy.MinThroughput,
		SupervisionIntervalS: s.policy.Interval.Seconds(),
	}
}

// Supervise evaluates cc every policy interval until ctx is done
// or the connection is evicted.
// The ctx should be the connection's own context,
// so that supervision stops when the connection closes for any reason.
//
// handshakeDone is closed once the connection's handshake completes;
// until then, the connection is exempt from the throughput check.
//
// Eviction closes the connection immediately
// with [bquic.ThroughputTooLow] and no reason text.
func (s *Supervisor) Supervise(
	ctx context.Context, conn Closer, cc *Context, handshakeDone <-chan struct{},
) {
	ticker := time.NewTicker(s.policy.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-ticker.C:
			handshaking := true
			select {
			case <-handshakeDone:
				handshaking = false
			default:
			}

			out := cc.OnTimeoutEval(s.policy, EvalInput{
				Now:             s.nowFn(),
				Handshaking:     handshaking,
				ConnectionCount: s.ConnectionCount(),
			})
			if !out.Close {
				continue
			}

			s.evicted.Add(1)
			s.log.Info(
				"Evicting connection",
				"reason", out.Reason,
				"throughput", out.Throughput,
				"min_throughput", s.policy.MinThroughput,
			)

			// The peer is deliberately not told why.
			if err := conn.CloseWithError(bquic.ThroughputTooLow, ""); err != nil {
				s.log.Debug("Error closing evicted connection", "err", err)
			}
			return
		}
	}
}
