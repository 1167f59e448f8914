package bitcomm

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/gordian-engine/bitcomm/bevent"
	"github.com/gordian-engine/bitcomm/bframe"
	"github.com/gordian-engine/bitcomm/bpool"
	"github.com/gordian-engine/bitcomm/bqueue"
	"github.com/gordian-engine/bitcomm/bquic"
	"github.com/gordian-engine/bitcomm/bsup"
	"github.com/gordian-engine/bitcomm/internal/btrace"
)

// streamPeer is the per-connection state shared by its streams.
type streamPeer struct {
	id     bpool.ClientID
	remote net.Addr
	cc     *bsup.Context
}

// handleStream reads frames from qs and writes a reply for each,
// until the peer finishes the stream, the stream fails,
// or ctx is canceled.
func (s *Server) handleStream(
	ctx context.Context, log *slog.Logger, peer streamPeer, qs bquic.Stream,
) {
	ds := newDrainingStream(ctx, bquic.Meter(qs, peer.cc.OnProgress))
	defer ds.Stop()

	sc := bframe.NewScanner(ds, s.scannerCfg)

	var out []byte
	for {
		chunk, err := sc.Next()
		if err != nil {
			var de *bframe.DecodeError
			if errors.As(err, &de) {
				s.stats.decodeErrors.Add(1)
				log.Info(
					"Discarding malformed frame",
					"kind", de.Kind.String(),
					"size", len(chunk.Bytes),
					"err", err,
				)
				continue
			}

			if errors.Is(err, io.EOF) {
				// Peer finished sending; finish our side too.
				_ = ds.Close()
				return
			}

			if ctx.Err() == nil {
				log.Debug("Stream ended", "err", err)
			}
			return
		}

		if err := s.reg.Touch(peer.id, s.nowFn()); err != nil {
			log.Debug("Failed to record client activity", "err", err)
		}

		var keep bool
		out, keep = s.handleChunk(ctx, log, peer, ds, chunk, out[:0])
		if !keep {
			return
		}
	}
}

// handleChunk handles a single scanned chunk,
// appending any reply to out and writing it.
// It reports whether the stream should continue.
func (s *Server) handleChunk(
	ctx context.Context,
	log *slog.Logger,
	peer streamPeer,
	qs bquic.Stream,
	chunk bframe.Chunk,
	out []byte,
) ([]byte, bool) {
	ctx, span := s.tracer.Start(
		ctx, "handle frame",
		btrace.WithAttributes(
			btrace.FrameKindAttr(chunk.Kind.String()),
			btrace.FrameSizeAttr(len(chunk.Bytes)),
			btrace.ClientAttr(peer.id),
			btrace.RemoteAddrAttr(peer.remote),
		),
	)
	defer span.End()

	from := peer.id

	switch chunk.Kind {
	case bframe.CommandKind:
		cmd, err := bframe.DecodeCommand(chunk.Bytes)
		if err != nil {
			s.stats.decodeErrors.Add(1)
			btrace.SpanError(span, err)
			log.Info("Discarding invalid command frame", "err", err)
			return out, true
		}
		s.stats.commands.Add(1)
		span.SetAttributes(btrace.FrameCodeAttr(cmd.Code))

		reply, err := s.handler.HandleCommand(ctx, from, cmd)
		if err != nil {
			if !errors.Is(err, ErrNoReply) {
				btrace.SpanError(span, err)
				log.Info("Command handler failed", "code", cmd.Code, "err", err)
			}
			return out, true
		}
		out = reply.AppendEncode(out)

	case bframe.MessageKind:
		msg, err := s.scannerCfg.Limits.DecodeMessage(chunk.Bytes)
		if err != nil {
			s.stats.decodeErrors.Add(1)
			btrace.SpanError(span, err)
			log.Info("Discarding invalid message frame", "err", err)
			return out, true
		}
		s.stats.messages.Add(1)
		span.SetAttributes(btrace.FrameCodeAttr(msg.Type))

		if err := s.enqueue(ctx, log, bevent.New(from, msg, s.nowFn())); err != nil {
			span.AddEvent("message not routed", btrace.WithAttributes(btrace.ErrorAttr(err)))
		}

		reply, err := s.handler.HandleMessage(ctx, from, msg)
		if err != nil {
			if !errors.Is(err, ErrNoReply) {
				btrace.SpanError(span, err)
				log.Info("Message handler failed", "type", msg.Type, "err", err)
			}
			return out, true
		}
		out = reply.AppendEncode(out)

	default:
		s.stats.unrecognized.Add(1)

		switch s.unrecognized {
		case UnrecognizedDrop:
			log.Debug("Dropping unrecognized bytes", "size", len(chunk.Bytes))
			return out, true

		case UnrecognizedReset:
			log.Info("Resetting stream after unrecognized bytes", "size", len(chunk.Bytes))
			qs.CancelRead(bquic.UnrecognizedFrame)
			qs.CancelWrite(bquic.UnrecognizedFrame)
			return out, false
		}

		out = append(out, chunk.Bytes...)
	}

	if err := qs.SetWriteDeadline(s.nowFn().Add(s.writeTimeout)); err != nil {
		log.Debug("Failed to set write deadline", "err", err)
		return out, false
	}
	if _, err := qs.Write(out); err != nil {
		btrace.SpanError(span, err)
		log.Debug("Failed to write reply", "err", err)
		return out, false
	}
	return out, true
}

// enqueue hands ev to the event queue.
// Failures are logged and returned, but do not affect the reply.
func (s *Server) enqueue(ctx context.Context, log *slog.Logger, ev bevent.Event) error {
	err := s.events.Send(ctx, ev)
	if err == nil {
		return nil
	}

	s.stats.enqueueFailures.Add(1)
	switch {
	case errors.Is(err, bqueue.ErrClosed):
		log.Warn("Event queue closed; message not routed", "event_id", ev.ID)
	case errors.Is(err, bqueue.ErrFull):
		log.Warn("Event queue full; message not routed", "event_id", ev.ID)
	default:
		log.Debug("Failed to enqueue event", "event_id", ev.ID, "err", err)
	}
	return err
}

// drainingStream unblocks reads once the server begins shutting down.
//
// Scanners set and clear their own read deadlines,
// so a single deadline set at shutdown would be overwritten.
// Instead, every deadline set after shutdown begins
// is replaced with one in the past.
type drainingStream struct {
	bquic.Stream

	mu       sync.Mutex
	stopping bool

	stop func() bool
}

var pastDeadline = time.Unix(1, 0)

func newDrainingStream(ctx context.Context, s bquic.Stream) *drainingStream {
	ds := &drainingStream{Stream: s}
	ds.stop = context.AfterFunc(ctx, func() {
		ds.mu.Lock()
		defer ds.mu.Unlock()
		ds.stopping = true
		_ = ds.Stream.SetReadDeadline(pastDeadline)
	})
	return ds
}

func (ds *drainingStream) SetReadDeadline(t time.Time) error {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	if ds.stopping {
		t = pastDeadline
	}
	return ds.Stream.SetReadDeadline(t)
}

// Stop releases the shutdown hook.
func (ds *drainingStream) Stop() {
	ds.stop()
}
