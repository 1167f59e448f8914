// Package bwatch contains the watchdog role,
// which periodically sweeps the client registry.
package bwatch

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/gordian-engine/bitcomm/bpool"
	"github.com/gordian-engine/bitcomm/bqueue"
)

// Config is the configuration for a [Watchdog].
type Config struct {
	Registry *bpool.Registry

	// Optional; when set, queue depth is logged with every sweep.
	Queue interface{ Stats() bqueue.Stats }

	// Time between sweeps.
	// If zero, a reasonable default will be used.
	Interval time.Duration

	// Sessions with no activity for this long are marked offline.
	// If zero, a reasonable default will be used.
	IdleTimeout time.Duration

	// Optional; defaults to time.Now.
	NowFn func() time.Time
}

// Watchdog removes sessions whose connections have ended
// and marks idle sessions offline.
type Watchdog struct {
	log *slog.Logger

	reg   *bpool.Registry
	queue interface{ Stats() bqueue.Stats }

	interval time.Duration
	idle     time.Duration
	nowFn    func() time.Time
}

// SweepResult summarizes a single [*Watchdog.Sweep].
type SweepResult struct {
	// Sessions removed because their connection had closed.
	Reaped int

	// Sessions newly marked offline.
	WentOffline int

	// Sessions remaining in the registry.
	Live int
}

// New returns a Watchdog; start it with [*Watchdog.Run].
func New(log *slog.Logger, cfg Config) *Watchdog {
	if cfg.Registry == nil {
		panic(errors.New("BUG: Config.Registry may not be nil"))
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = time.Minute
	}
	if cfg.NowFn == nil {
		cfg.NowFn = time.Now
	}

	return &Watchdog{
		log: log,

		reg:   cfg.Registry,
		queue: cfg.Queue,

		interval: cfg.Interval,
		idle:     cfg.IdleTimeout,
		nowFn:    cfg.NowFn,
	}
}

// Run sweeps every interval until ctx is canceled.
func (w *Watchdog) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.log.Info("Watchdog stopping", "cause", context.Cause(ctx))
			return nil
		case <-ticker.C:
			res := w.Sweep()

			attrs := []any{
				"live", res.Live,
				"reaped", res.Reaped,
				"went_offline", res.WentOffline,
			}
			if w.queue != nil {
				qs := w.queue.Stats()
				attrs = append(attrs, "queue_len", qs.Len, "queue_dropped", qs.Dropped)
			}

			if res.Reaped > 0 || res.WentOffline > 0 {
				w.log.Info("Watchdog sweep", attrs...)
			} else {
				w.log.Debug("Watchdog sweep", attrs...)
			}
		}
	}
}

// Sweep inspects every session once.
func (w *Watchdog) Sweep() SweepResult {
	now := w.nowFn()

	var res SweepResult
	for _, sess := range w.reg.Snapshot() {
		if sess.Conn != nil && sess.Conn.Context().Err() != nil {
			// Only removes the entry if it still belongs to the dead connection.
			if w.reg.DeregisterConn(sess.ID, sess.Conn) {
				res.Reaped++
			}
			continue
		}

		if sess.Online && now.Sub(sess.LastSeen) > w.idle {
			if err := w.reg.SetPresence(sess.ID, false); err == nil {
				res.WentOffline++
			}
		}
	}

	res.Live = w.reg.Len()
	return res
}
