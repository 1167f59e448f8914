// Package bmq routes queued message events to their destinations.
//
// The [Dispatcher] is the single consumer of the node's event queue.
// An event addressed to a connected client is written to that client
// on a fresh unidirectional stream.
// Every other event, and any event whose delivery fails,
// is offered to the configured [Sink] values.
package bmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/gordian-engine/bitcomm/bevent"
	"github.com/gordian-engine/bitcomm/bframe"
	"github.com/gordian-engine/bitcomm/bpool"
	"github.com/gordian-engine/bitcomm/bqueue"
	"github.com/gordian-engine/bitcomm/bquic"
)

// Sink receives events that could not be delivered directly.
type Sink interface {
	Publish(ctx context.Context, ev bevent.Event) error
}

// DispatcherConfig is the configuration for a [Dispatcher].
type DispatcherConfig struct {
	Registry *bpool.Registry
	Events   *bevent.Receiver

	Sinks []Sink

	// Upper bound on opening and writing a single delivery stream,
	// and on each sink's Publish call.
	// If zero, a reasonable default will be used.
	DeliveryTimeout time.Duration

	// Delivered payloads longer than this are snappy-compressed
	// when that makes them smaller,
	// unless the sender already compressed them.
	// Zero disables compression.
	CompressAbove int
}

// Dispatcher consumes the event queue.
type Dispatcher struct {
	log *slog.Logger

	reg    *bpool.Registry
	events *bevent.Receiver
	sinks  []Sink

	deliveryTimeout time.Duration
	compressAbove   int

	delivered, published, dropped, failed atomic.Uint64
}

// DispatcherStats is a point-in-time view of a [Dispatcher]'s counters.
type DispatcherStats struct {
	// Written to a connected client.
	Delivered uint64 `json:"delivered"`

	// Accepted by at least one sink.
	Published uint64 `json:"published"`

	// Neither delivered nor published.
	Dropped uint64 `json:"dropped"`

	// Delivery attempts that failed mid-write.
	Failed uint64 `json:"failed"`
}

// NewDispatcher returns a Dispatcher; start it with [*Dispatcher.Run].
// It panics if cfg is missing required fields.
func NewDispatcher(log *slog.Logger, cfg DispatcherConfig) *Dispatcher {
	var panicErrs error
	if cfg.Registry == nil {
		panicErrs = errors.Join(panicErrs, errors.New("DispatcherConfig.Registry may not be nil"))
	}
	if cfg.Events == nil {
		panicErrs = errors.Join(panicErrs, errors.New("DispatcherConfig.Events may not be nil"))
	}
	if panicErrs != nil {
		panic(panicErrs)
	}

	if cfg.DeliveryTimeout <= 0 {
		cfg.DeliveryTimeout = 5 * time.Second
	}

	return &Dispatcher{
		log: log,

		reg:    cfg.Registry,
		events: cfg.Events,
		sinks:  cfg.Sinks,

		deliveryTimeout: cfg.DeliveryTimeout,
		compressAbove:   cfg.CompressAbove,
	}
}

// Run consumes events until every producer has closed the queue.
//
// Canceling ctx only switches the dispatcher to draining:
// every event the queue accepts before its last producer closes it
// is still delivered or published,
// each attempt bounded by the delivery timeout.
func (d *Dispatcher) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		d.log.Info("Draining event queue", "cause", context.Cause(ctx))
	})
	defer stop()

	drainCtx := context.WithoutCancel(ctx)
	for {
		ev, err := d.events.Receive(drainCtx)
		if err != nil {
			if errors.Is(err, bqueue.ErrClosed) {
				d.log.Info("Event queue closed; dispatcher stopping")
				return nil
			}
			return fmt.Errorf("failed to receive event: %w", err)
		}

		d.dispatch(drainCtx, ev)
	}
}

// Stats returns the dispatcher's current counters.
func (d *Dispatcher) Stats() DispatcherStats {
	return DispatcherStats{
		Delivered: d.delivered.Load(),
		Published: d.published.Load(),
		Dropped:   d.dropped.Load(),
		Failed:    d.failed.Load(),
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, ev bevent.Event) {
	log := d.log.With("event_id", ev.ID, "sender", ev.Sender.String())

	if ev.HasDestination {
		sess, ok := d.reg.Lookup(ev.Destination)
		if ok && sess.Conn != nil {
			err := d.deliver(ctx, sess, ev)
			if err == nil {
				d.delivered.Add(1)
				return
			}

			d.failed.Add(1)
			log.Info(
				"Failed to deliver event to client",
				"destination", ev.Destination.String(),
				"err", err,
			)
		}
	}

	if d.publish(ctx, log, ev) {
		d.published.Add(1)
		return
	}

	d.dropped.Add(1)
	log.Debug("Dropping undeliverable event", "has_destination", ev.HasDestination)
}

// deliver writes the event's message to the session's connection
// on a new unidirectional stream.
// The forwarded frame carries the originating client as its sender,
// and every byte written counts as progress for the destination.
func (d *Dispatcher) deliver(ctx context.Context, sess bpool.Session, ev bevent.Event) error {
	ctx, cancel := context.WithTimeout(ctx, d.deliveryTimeout)
	defer cancel()

	us, err := sess.Conn.OpenUniStreamSync(ctx)
	if err != nil {
		return fmt.Errorf("failed to open delivery stream: %w", err)
	}

	onProgress := sess.OnProgress
	if onProgress == nil {
		onProgress = func(int) {}
	}
	s := bquic.MeterSend(us, onProgress)

	if deadline, ok := ctx.Deadline(); ok {
		if err := s.SetWriteDeadline(deadline); err != nil {
			s.CancelWrite(bquic.DeliveryCanceled)
			return fmt.Errorf("failed to set write deadline: %w", err)
		}
	}

	msg := ev.Message
	msg.Sender = bframe.Address(ev.Sender)
	if d.compressAbove > 0 && len(msg.Payload) > d.compressAbove {
		if c := msg.CompressPayload(); len(c.Payload) < len(msg.Payload) {
			msg = c
		}
	}

	if _, err := s.Write(msg.Encode()); err != nil {
		s.CancelWrite(bquic.DeliveryCanceled)
		return fmt.Errorf("failed to write delivery: %w", err)
	}

	if err := s.Close(); err != nil {
		return fmt.Errorf("failed to close delivery stream: %w", err)
	}
	return nil
}

// publish offers ev to every sink,
// reporting whether at least one accepted it.
func (d *Dispatcher) publish(ctx context.Context, log *slog.Logger, ev bevent.Event) bool {
	ctx, cancel := context.WithTimeout(ctx, d.deliveryTimeout)
	defer cancel()

	ok := false
	for i, s := range d.sinks {
		if err := s.Publish(ctx, ev); err != nil {
			log.Info("Sink rejected event", "sink", i, "err", err)
			continue
		}
		ok = true
	}
	return ok
}
