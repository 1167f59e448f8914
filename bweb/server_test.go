package bweb_test

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/gordian-engine/bitcomm/bevent"
	"github.com/gordian-engine/bitcomm/bpool"
	"github.com/gordian-engine/bitcomm/bqueue"
	"github.com/gordian-engine/bitcomm/bquic/bquictest"
	"github.com/gordian-engine/bitcomm/bsup"
	"github.com/gordian-engine/bitcomm/bweb"
	"github.com/gordian-engine/bitcomm/internal/btest"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, snapshotInterval time.Duration) (*httptest.Server, *bpool.Registry) {
	t.Helper()

	log := btest.NewLogger(t)
	reg := bpool.NewRegistry(0)
	send, _ := bevent.NewQueue(bqueue.Config{Capacity: 8, Overflow: bqueue.OverflowReject})
	t.Cleanup(send.Close)

	s := bweb.NewServer(log, bweb.Config{
		Registry:   reg,
		Queue:      send,
		Supervisor: bsup.New(log, bsup.DefaultConfig()),

		Version:          "v0.0.0-test",
		SnapshotInterval: snapshotInterval,
	})

	hs := httptest.NewServer(s.Handler())
	t.Cleanup(hs.Close)
	return hs, reg
}

func getJSON(t *testing.T, url string, wantStatus int, v any) {
	t.Helper()

	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, wantStatus, resp.StatusCode)
	if v != nil {
		require.Equal(t, "application/json", resp.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
	}
}

func TestServer_health(t *testing.T) {
	t.Parallel()

	hs, _ := newTestServer(t, 10*time.Millisecond)

	var h bweb.Health
	getJSON(t, hs.URL+"/healthz", http.StatusOK, &h)
	require.Equal(t, "ok", h.Status)
	require.Equal(t, "v0.0.0-test", h.Version)
}

func TestServer_sessions(t *testing.T) {
	t.Parallel()

	hs, reg := newTestServer(t, 10*time.Millisecond)

	conn := bquictest.NewStubConn()
	now := time.Unix(1_700_000_000, 0).UTC()
	id := bpool.ClientID{0x10, 0x20}
	require.NoError(t, reg.Register(bpool.Session{
		ID:          id,
		Conn:        conn,
		RemoteAddr:  conn.RemoteAddr(),
		ConnectedAt: now,
		Online:      true,
	}))

	var list []bweb.SessionView
	getJSON(t, hs.URL+"/api/sessions", http.StatusOK, &list)
	require.Len(t, list, 1)
	require.Equal(t, id.String(), list[0].ID)
	require.Equal(t, "192.0.2.1:4433", list[0].RemoteAddr)
	require.True(t, list[0].Online)
	require.True(t, now.Equal(list[0].LastSeen))

	var one bweb.SessionView
	getJSON(t, hs.URL+"/api/sessions/"+id.String(), http.StatusOK, &one)
	require.Equal(t, list[0], one)

	getJSON(t, hs.URL+"/api/sessions/"+bpool.ClientID{0xff}.String(), http.StatusNotFound, nil)
	getJSON(t, hs.URL+"/api/sessions/not-hex", http.StatusBadRequest, nil)
}

func TestServer_stats(t *testing.T) {
	t.Parallel()

	hs, reg := newTestServer(t, 10*time.Millisecond)
	require.NoError(t, reg.Register(bpool.Session{ID: bpool.ClientID{1}}))

	var st bweb.Stats
	getJSON(t, hs.URL+"/api/stats", http.StatusOK, &st)
	require.Equal(t, 1, st.Sessions)
	require.NotNil(t, st.Queue)
	require.Equal(t, 8, st.Queue.Capacity)
	require.Equal(t, "reject", st.Queue.Overflow)
	require.NotNil(t, st.Supervisor)
	require.Equal(t, 1000, st.Supervisor.ConnectionThreshold)
	require.Nil(t, st.Dispatcher)
}

func TestServer_sessionFeed(t *testing.T) {
	t.Parallel()

	hs, reg := newTestServer(t, 10*time.Millisecond)

	ctx := t.Context()
	wsURL := "ws" + strings.TrimPrefix(hs.URL, "http") + "/ws/sessions"
	c, _, err := websocket.Dial(ctx, wsURL, nil)
	require.NoError(t, err)
	defer func() { _ = c.Close(websocket.StatusNormalClosure, "") }()

	var snap []bweb.SessionView
	require.NoError(t, wsjson.Read(ctx, c, &snap))
	require.Empty(t, snap)

	require.NoError(t, reg.Register(bpool.Session{ID: bpool.ClientID{7}}))

	// Later snapshots pick up the new session.
	deadline := time.Now().Add(btest.ScheduleTimeout)
	for len(snap) == 0 {
		require.True(t, time.Now().Before(deadline), "new session never appeared in feed")
		require.NoError(t, wsjson.Read(ctx, c, &snap))
	}
	require.Equal(t, bpool.ClientID{7}.String(), snap[0].ID)
}

func TestServer_Run(t *testing.T) {
	t.Parallel()

	log := btest.NewLogger(t)
	s := bweb.NewServer(log, bweb.Config{Registry: bpool.NewRegistry(0)})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx, ln) }()

	var h bweb.Health
	getJSON(t, "http://"+ln.Addr().String()+"/healthz", http.StatusOK, &h)

	cancel()
	require.NoError(t, btest.ReceiveSoon(t, done))
}

func TestServer_sessionFeed_pushesOnChange(t *testing.T) {
	t.Parallel()

	// Long enough that only a registry change can trigger the second snapshot.
	hs, reg := newTestServer(t, time.Hour)

	ctx := t.Context()
	wsURL := "ws" + strings.TrimPrefix(hs.URL, "http") + "/ws/sessions"
	c, _, err := websocket.Dial(ctx, wsURL, nil)
	require.NoError(t, err)
	defer func() { _ = c.Close(websocket.StatusNormalClosure, "") }()

	var snap []bweb.SessionView
	require.NoError(t, wsjson.Read(ctx, c, &snap))
	require.Empty(t, snap)

	require.NoError(t, reg.Register(bpool.Session{ID: bpool.ClientID{9}}))

	readCtx, cancel := context.WithTimeout(ctx, btest.ScheduleTimeout)
	defer cancel()
	require.NoError(t, wsjson.Read(readCtx, c, &snap))
	require.Len(t, snap, 1)
	require.Equal(t, bpool.ClientID{9}.String(), snap[0].ID)
}
