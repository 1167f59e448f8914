// Package bweb serves the node's read-only administration API.
package bweb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/gordian-engine/bitcomm/bmq"
	"github.com/gordian-engine/bitcomm/bpool"
	"github.com/gordian-engine/bitcomm/bqueue"
	"github.com/gordian-engine/bitcomm/bsup"
	"github.com/julienschmidt/httprouter"
)

// Stat sources are optional; a nil source is omitted from /api/stats.
type (
	QueueStatser      interface{ Stats() bqueue.Stats }
	SupervisorStatser interface{ Stats() bsup.Stats }
	DispatcherStatser interface{ Stats() bmq.DispatcherStats }
)

// Config is the configuration for a [Server].
type Config struct {
	Registry *bpool.Registry

	Queue      QueueStatser
	Supervisor SupervisorStatser
	Dispatcher DispatcherStatser

	// Reported by /healthz.
	Version string

	// How often /ws/sessions pushes a snapshot.
	// If zero, a reasonable default will be used.
	SnapshotInterval time.Duration

	// Optional; defaults to time.Now.
	NowFn func() time.Time
}

// Server is the web administration role.
type Server struct {
	log *slog.Logger

	router *httprouter.Router

	reg        *bpool.Registry
	queue      QueueStatser
	supervisor SupervisorStatser
	dispatcher DispatcherStatser

	version  string
	interval time.Duration
	nowFn    func() time.Time
	started  time.Time
}

// NewServer returns a Server. Start it with [*Server.Run].
func NewServer(log *slog.Logger, cfg Config) *Server {
	if cfg.Registry == nil {
		panic(errors.New("BUG: Config.Registry may not be nil"))
	}
	if cfg.SnapshotInterval <= 0 {
		cfg.SnapshotInterval = time.Second
	}
	if cfg.NowFn == nil {
		cfg.NowFn = time.Now
	}

	s := &Server{
		log: log,

		router: httprouter.New(),

		reg:        cfg.Registry,
		queue:      cfg.Queue,
		supervisor: cfg.Supervisor,
		dispatcher: cfg.Dispatcher,

		version:  cfg.Version,
		interval: cfg.SnapshotInterval,
		nowFn:    cfg.NowFn,
		started:  cfg.NowFn(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.GET("/healthz", s.handleHealth)

	s.router.GET("/api/sessions", s.handleSessions)
	s.router.GET("/api/sessions/:id", s.handleSession)
	s.router.GET("/api/stats", s.handleStats)

	s.router.GET("/ws/sessions", s.handleSessionFeed)
}

// Handler returns the server's routes.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves on ln until ctx is canceled,
// then shuts down gracefully.
func (s *Server) Run(ctx context.Context, ln net.Listener) error {
	hs := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- hs.Serve(ln)
	}()

	s.log.Info("Web admin listening", "addr", ln.Addr().String())

	select {
	case err := <-errCh:
		return fmt.Errorf("web admin server failed: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := hs.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down web admin server: %w", err)
	}

	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("web admin server failed: %w", err)
	}
	return nil
}

// SessionView is the JSON form of a [bpool.Session].
type SessionView struct {
	ID          string    `json:"id"`
	RemoteAddr  string    `json:"remoteAddr,omitempty"`
	ConnectedAt time.Time `json:"connectedAt"`
	LastSeen    time.Time `json:"lastSeen"`
	Online      bool      `json:"online"`
}

func newSessionView(sess bpool.Session) SessionView {
	v := SessionView{
		ID:          sess.ID.String(),
		ConnectedAt: sess.ConnectedAt,
		LastSeen:    sess.LastSeen,
		Online:      sess.Online,
	}
	if sess.RemoteAddr != nil {
		v.RemoteAddr = sess.RemoteAddr.String()
	}
	return v
}

func (s *Server) sessionViews() []SessionView {
	snap := s.reg.Snapshot()
	out := make([]SessionView, len(snap))
	for i, sess := range snap {
		out[i] = newSessionView(sess)
	}
	return out
}

// Health is the body of /healthz.
type Health struct {
	Status  string  `json:"status"`
	Version string  `json:"version,omitempty"`
	Uptime  float64 `json:"uptimeSeconds"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	s.writeJSON(w, http.StatusOK, Health{
		Status:  "ok",
		Version: s.version,
		Uptime:  s.nowFn().Sub(s.started).Seconds(),
	})
}

func (s *Server) handleSessions(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	s.writeJSON(w, http.StatusOK, s.sessionViews())
}

func (s *Server) handleSession(w http.ResponseWriter, _ *http.Request, ps httprouter.Params) {
	id, err := bpool.ParseClientID(ps.ByName("id"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	sess, ok := s.reg.Lookup(id)
	if !ok {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	s.writeJSON(w, http.StatusOK, newSessionView(sess))
}

// Stats is the body of /api/stats.
type Stats struct {
	Sessions int `json:"sessions"`

	Queue      *bqueue.Stats        `json:"queue,omitempty"`
	Supervisor *bsup.Stats          `json:"supervisor,omitempty"`
	Dispatcher *bmq.DispatcherStats `json:"dispatcher,omitempty"`
}

func (s *Server) stats() Stats {
	st := Stats{Sessions: s.reg.Len()}
	if s.queue != nil {
		q := s.queue.Stats()
		st.Queue = &q
	}
	if s.supervisor != nil {
		sup := s.supervisor.Stats()
		st.Supervisor = &sup
	}
	if s.dispatcher != nil {
		d := s.dispatcher.Stats()
		st.Dispatcher = &d
	}
	return st
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	s.writeJSON(w, http.StatusOK, s.stats())
}

// handleSessionFeed pushes a session snapshot over a websocket
// whenever the registry changes, and at least every interval,
// until the client goes away.
func (s *Server) handleSessionFeed(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	c, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.log.Debug("Failed to accept websocket", "err", err)
		return
	}
	defer c.CloseNow()

	// The feed is one-directional; anything the client sends is discarded.
	ctx := c.CloseRead(r.Context())

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	changes := s.reg.Changes()
	for {
		if err := wsjson.Write(ctx, c, s.sessionViews()); err != nil {
			if ctx.Err() == nil {
				s.log.Debug("Session feed write failed", "err", err)
			}
			return
		}

		select {
		case <-ctx.Done():
			_ = c.Close(websocket.StatusGoingAway, "")
			return
		case <-ticker.C:
		case <-changes.Ready:
			// Coalesce everything already published into one snapshot.
			changes = changes.Next
			for ready(changes.Ready) {
				changes = changes.Next
			}
		}
	}
}

func ready(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Debug("Failed to write response", "err", err)
	}
}
