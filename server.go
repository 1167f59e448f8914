package bitcomm

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gordian-engine/bitcomm/bevent"
	"github.com/gordian-engine/bitcomm/bframe"
	"github.com/gordian-engine/bitcomm/bpool"
	"github.com/gordian-engine/bitcomm/bquic"
	"github.com/gordian-engine/bitcomm/bsup"
	"github.com/gordian-engine/bitcomm/internal/btrace"
	"github.com/quic-go/quic-go"
)

// Server is the QUIC ingress role of a bitcomm node.
type Server struct {
	log *slog.Logger

	wg   sync.WaitGroup
	done chan struct{}

	quicTransport *quic.Transport
	quicListener  *quic.EarlyListener

	reg    *bpool.Registry
	events *bevent.Sender
	sup    *bsup.Supervisor

	handler      Handler
	unrecognized UnrecognizedPolicy

	scannerCfg   bframe.ScannerConfig
	writeTimeout time.Duration

	tracer btrace.Tracer
	nowFn  func() time.Time

	stats serverCounters
}

// ServerConfig is the configuration for a [Server].
type ServerConfig struct {
	// The socket to serve on.
	// The Server does not close it.
	UDPConn net.PacketConn

	QUIC *quic.Config

	// The TLS configuration presented to clients.
	// The Server clones it before use.
	TLS *tls.Config

	// Clients are registered here once their handshake completes,
	// and removed when their connection ends.
	Registry *bpool.Registry

	// Every valid message frame is sent here.
	// The Server takes its own clone and closes that clone on shutdown;
	// the caller still owns (and must close) this handle.
	Events *bevent.Sender

	Supervisor *bsup.Supervisor

	// Builds replies. Defaults to [EchoHandler].
	Handler Handler

	Unrecognized UnrecognizedPolicy

	// Limits applied to incoming message frames.
	// If zero, [bframe.DefaultLimits] is used.
	Limits bframe.Limits

	// How long a partially received frame may take to complete.
	// If zero, a reasonable default will be used.
	FrameTimeout time.Duration

	// How long writing a single reply may block.
	// If zero, a reasonable default will be used.
	WriteTimeout time.Duration

	// Number of goroutines accepting new connections.
	// If zero, a reasonable default will be used.
	AcceptWorkers int

	// Optional; defaults to a no-op provider.
	TracerProvider btrace.TracerProvider

	// Optional; defaults to time.Now.
	NowFn func() time.Time
}

// validate panics if there are any illegal settings in the configuration.
// It also warns about any suspect settings.
func (c ServerConfig) validate(log *slog.Logger) {
	var panicErrs error

	if c.UDPConn == nil {
		panicErrs = errors.Join(panicErrs, errors.New("ServerConfig.UDPConn may not be nil"))
	}
	if c.QUIC == nil {
		panicErrs = errors.Join(panicErrs, errors.New("ServerConfig.QUIC may not be nil (use bquic.DefaultConfig)"))
	}
	if c.Registry == nil {
		panicErrs = errors.Join(panicErrs, errors.New("ServerConfig.Registry may not be nil"))
	}
	if c.Events == nil {
		panicErrs = errors.Join(panicErrs, errors.New("ServerConfig.Events may not be nil"))
	}
	if c.Supervisor == nil {
		panicErrs = errors.Join(panicErrs, errors.New("ServerConfig.Supervisor may not be nil"))
	}
	if c.Unrecognized > UnrecognizedReset {
		panicErrs = errors.Join(panicErrs, fmt.Errorf("ServerConfig.Unrecognized has unknown value %d", c.Unrecognized))
	}
	if c.FrameTimeout < 0 || c.WriteTimeout < 0 || c.AcceptWorkers < 0 {
		panicErrs = errors.Join(panicErrs, errors.New("ServerConfig timeouts and worker count must not be negative"))
	}

	if c.TLS == nil {
		panicErrs = errors.Join(panicErrs, errors.New("ServerConfig.TLS may not be nil"))
	} else {
		if len(c.TLS.Certificates) == 0 && c.TLS.GetCertificate == nil {
			panicErrs = errors.Join(panicErrs, errors.New("ServerConfig.TLS must provide a certificate"))
		}

		if len(c.TLS.Certificates) > 0 && c.TLS.Certificates[0].Leaf != nil {
			leaf := c.TLS.Certificates[0].Leaf
			now := time.Now()
			if leaf.NotBefore.After(now) {
				log.Error("Certificate's not before field is in the future", "not_before", leaf.NotBefore)
			}
			if leaf.NotAfter.Before(now) {
				log.Error("Certificate's not after field is in the past", "not_after", leaf.NotAfter)
			}
		}

		if len(c.TLS.NextProtos) > 0 && !slices.Contains(c.TLS.NextProtos, bquic.ALPN) {
			log.Warn(
				"TLS configuration does not offer the bitcomm protocol; it will be added",
				"next_protos", c.TLS.NextProtos,
			)
		}
	}

	if c.QUIC != nil && c.QUIC.HandshakeIdleTimeout == 0 {
		log.Warn("QUIC handshake timeout is unset; the quic-go default will apply")
	}

	if panicErrs != nil {
		panic(panicErrs)
	}
}

// NewServer starts a Server with the given configuration.
// The ctx parameter controls the lifecycle of the Server;
// cancel the context to stop it,
// and then use [*Server.Wait] to block until all connections have drained.
//
// NewServer returns runtime errors that happen during initialization.
// Configuration errors cause a panic.
func NewServer(ctx context.Context, log *slog.Logger, cfg ServerConfig) (*Server, error) {
	cfg.validate(log)

	if cfg.Handler == nil {
		cfg.Handler = EchoHandler{NowFn: cfg.NowFn}
	}
	if cfg.Limits == (bframe.Limits{}) {
		cfg.Limits = bframe.DefaultLimits()
	}
	if cfg.FrameTimeout == 0 {
		cfg.FrameTimeout = time.Second
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.AcceptWorkers == 0 {
		cfg.AcceptWorkers = 4
	}
	if cfg.TracerProvider == nil {
		cfg.TracerProvider = btrace.NopTracerProvider()
	}
	if cfg.NowFn == nil {
		cfg.NowFn = time.Now
	}

	tlsConf := cfg.TLS.Clone()
	if !slices.Contains(tlsConf.NextProtos, bquic.ALPN) {
		tlsConf.NextProtos = append(tlsConf.NextProtos, bquic.ALPN)
	}

	// Saturating the handshake limit forces address validation
	// before any more handshake state is allocated.
	qt := bquic.MakeTransport(cfg.UDPConn, cfg.Supervisor.VerifySourceAddress)

	ql, err := bquic.StartListener(tlsConf, cfg.QUIC, qt)
	if err != nil {
		_ = qt.Close()
		return nil, fmt.Errorf("failed to start server: %w", err)
	}

	s := &Server{
		log: log,

		done: make(chan struct{}),

		quicTransport: qt,
		quicListener:  ql,

		reg:    cfg.Registry,
		events: cfg.Events.Clone(),
		sup:    cfg.Supervisor,

		handler:      cfg.Handler,
		unrecognized: cfg.Unrecognized,

		scannerCfg: bframe.ScannerConfig{
			Limits:       cfg.Limits,
			FrameTimeout: cfg.FrameTimeout,
			NowFn:        cfg.NowFn,
		},
		writeTimeout: cfg.WriteTimeout,

		tracer: cfg.TracerProvider.Tracer("bitcomm"),
		nowFn:  cfg.NowFn,
	}

	s.wg.Add(cfg.AcceptWorkers)
	for range cfg.AcceptWorkers {
		go s.acceptConnections(ctx)
	}

	go s.shutdown()

	return s, nil
}

// Addr returns the address the server is listening on.
func (s *Server) Addr() net.Addr {
	return s.quicListener.Addr()
}

// Wait blocks until the server has finished all background work.
func (s *Server) Wait() {
	<-s.done
}

// shutdown releases the server's resources
// once every connection goroutine has returned.
func (s *Server) shutdown() {
	defer close(s.done)

	s.wg.Wait()

	if err := s.quicListener.Close(); err != nil {
		s.log.Debug("Error closing listener", "err", err)
	}
	if err := s.quicTransport.Close(); err != nil {
		s.log.Debug("Error closing transport", "err", err)
	}
	s.events.Close()
}

// acceptConnections accepts incoming connections
// and starts a handler goroutine for each.
//
// This runs in multiple, independent goroutines.
func (s *Server) acceptConnections(ctx context.Context) {
	defer s.wg.Done()

	for {
		qc, err := s.quicListener.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				s.log.Info(
					"Accept loop quitting due to context cancellation",
					"cause", context.Cause(ctx),
				)
				return
			}

			if errors.Is(err, quic.ErrServerClosed) {
				s.log.Info("Accept loop quitting due to closed listener")
				return
			}

			// Debug-level because this could be spammy if we are getting a lot of garbage connections.
			s.log.Debug("Failed to accept incoming connection", "err", err)
			continue
		}

		conn := bquic.WrapConn(qc)

		if !s.sup.AdmitHandshake() {
			s.log.Debug(
				"Rejecting connection over in-flight handshake limit",
				"remote_addr", conn.RemoteAddr().String(),
			)
			_ = conn.CloseWithError(bquic.HandshakeLimit, "")
			continue
		}

		s.stats.accepted.Add(1)
		s.wg.Add(1)
		go s.handleConn(ctx, conn)
	}
}

// handleConn owns a single connection from acceptance until it closes.
// The caller must have reserved a handshake slot for it.
func (s *Server) handleConn(ctx context.Context, conn bquic.Conn) {
	defer s.wg.Done()

	log := s.log.With("remote_addr", conn.RemoteAddr().String())

	cc := s.sup.Track()
	defer s.sup.Untrack()

	connCtx := conn.Context()
	supervised := make(chan struct{})
	go func() {
		defer close(supervised)
		s.sup.Supervise(connCtx, conn, cc, conn.HandshakeComplete())
	}()

	// Deferred first, so it runs last:
	// by now every stream has finished,
	// so closing the connection cannot cut off a reply.
	defer func() {
		if connCtx.Err() == nil {
			_ = conn.CloseWithError(bquic.ServerShutdown, "server shutting down")
		}
		<-supervised
	}()

	select {
	case <-conn.HandshakeComplete():
		s.sup.HandshakeDone()
	case <-connCtx.Done():
		s.sup.HandshakeDone()
		log.Debug("Connection closed during handshake", "cause", context.Cause(connCtx))
		return
	case <-ctx.Done():
		s.sup.HandshakeDone()
		return
	}

	id := ClientIDFor(conn)
	log = log.With("client", id.String())

	now := s.nowFn()
	if err := s.reg.Register(bpool.Session{
		ID:          id,
		Conn:        conn,
		OnProgress:  cc.OnProgress,
		RemoteAddr:  conn.RemoteAddr(),
		ConnectedAt: now,
		LastSeen:    now,
		Online:      true,
	}); err != nil {
		var are bpool.AlreadyRegisteredError
		if !errors.As(err, &are) {
			panic(fmt.Errorf("BUG: unexpected registry error: %w", err))
		}

		s.stats.duplicate.Add(1)
		log.Info("Rejecting duplicate connection for registered client")
		_ = conn.CloseWithError(bquic.AlreadyConnected, "")
		return
	}
	defer s.reg.DeregisterConn(id, conn)

	log.Debug("Client registered")

	var streams sync.WaitGroup
	defer streams.Wait()

	for {
		qs, err := conn.AcceptStream(ctx)
		if err != nil {
			if ctx.Err() == nil {
				log.Debug("Connection ended", "err", err)
			}
			return
		}

		streams.Add(1)
		go func() {
			defer streams.Done()
			s.handleStream(ctx, log, streamPeer{id: id, remote: conn.RemoteAddr(), cc: cc}, qs)
		}()
	}
}

// ServerStats is a point-in-time view of a [Server]'s counters.
type ServerStats struct {
	AcceptedConnections  uint64
	DuplicateConnections uint64

	Commands     uint64
	Messages     uint64
	Unrecognized uint64
	DecodeErrors uint64

	EnqueueFailures uint64
}

type serverCounters struct {
	accepted, duplicate atomic.Uint64

	commands, messages, unrecognized, decodeErrors atomic.Uint64

	enqueueFailures atomic.Uint64
}

// Stats returns the server's current counters.
func (s *Server) Stats() ServerStats {
	return ServerStats{
		AcceptedConnections:  s.stats.accepted.Load(),
		DuplicateConnections: s.stats.duplicate.Load(),

		Commands:     s.stats.commands.Load(),
		Messages:     s.stats.messages.Load(),
		Unrecognized: s.stats.unrecognized.Load(),
		DecodeErrors: s.stats.decodeErrors.Load(),

		EnqueueFailures: s.stats.enqueueFailures.Load(),
	}
}
