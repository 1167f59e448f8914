package bsup_test

import (
	"sync"
	"testing"
	"time"

	"github.com/gordian-engine/bitcomm/bquic"
	"github.com/gordian-engine/bitcomm/bquic/bquictest"
	"github.com/gordian-engine/bitcomm/bsup"
	"github.com/gordian-engine/bitcomm/internal/btest"
	"github.com/stretchr/testify/require"
)

func TestSupervisor_handshakeLimit(t *testing.T) {
	t.Parallel()

	cfg := bsup.DefaultConfig()
	cfg.InflightHandshakeLimit = 2
	s := bsup.New(btest.NewLogger(t), cfg)

	require.False(t, s.VerifySourceAddress(nil))

	require.True(t, s.AdmitHandshake())
	require.True(t, s.AdmitHandshake())

	// Saturated: reject, and demand address validation.
	require.False(t, s.AdmitHandshake())
	require.True(t, s.VerifySourceAddress(nil))

	s.HandshakeDone()
	require.False(t, s.VerifySourceAddress(nil))
	require.True(t, s.AdmitHandshake())

	st := s.Stats()
	require.Equal(t, 2, st.InflightHandshakes)
	require.Equal(t, uint64(1), st.RejectedHandshakes)
}

func TestSupervisor_handshakeLimitConcurrent(t *testing.T) {
	t.Parallel()

	cfg := bsup.DefaultConfig()
	cfg.InflightHandshakeLimit = 10
	s := bsup.New(btest.NewLogger(t), cfg)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		admitted int
	)
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if s.AdmitHandshake() {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Equal(t, 10, admitted)
}

func TestSupervisor_trackCounts(t *testing.T) {
	t.Parallel()

	s := bsup.New(btest.NewLogger(t), bsup.DefaultConfig())
	s.Track()
	s.Track()
	require.Equal(t, 2, s.ConnectionCount())
	s.Untrack()
	require.Equal(t, 1, s.ConnectionCount())

	s.Untrack()
	require.Panics(t, func() { s.Untrack() })
}

func TestSupervisor_Supervise_evictsSlowConnection(t *testing.T) {
	t.Parallel()

	cfg := bsup.DefaultConfig()
	cfg.Policy = bsup.Policy{
		// Any live connection is over the threshold.
		ConnectionCountThreshold: 0,
		MinThroughput:            500,
		Interval:                 20 * time.Millisecond,
	}
	s := bsup.New(btest.NewLogger(t), cfg)

	conn := bquictest.NewStubConn()
	conn.CompleteHandshake()

	cc := s.Track()
	defer s.Untrack()

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Supervise(t.Context(), conn, cc, conn.HandshakeComplete())
	}()

	_ = btest.ReceiveSoon(t, done)

	code, msg, ok := conn.Closed()
	require.True(t, ok)
	require.Equal(t, bquic.ThroughputTooLow, code)
	require.Empty(t, msg)
	require.Equal(t, uint64(1), s.Stats().Evicted)
}

func TestSupervisor_Supervise_keepsHandshakingConnection(t *testing.T) {
	t.Parallel()

	cfg := bsup.DefaultConfig()
	cfg.Policy = bsup.Policy{
		ConnectionCountThreshold: 0,
		MinThroughput:            500,
		Interval:                 10 * time.Millisecond,
	}
	s := bsup.New(btest.NewLogger(t), cfg)

	conn := bquictest.NewStubConn()

	cc := s.Track()
	defer s.Untrack()

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Supervise(conn.Context(), conn, cc, conn.HandshakeComplete())
	}()

	// Several intervals pass without the handshake completing.
	time.Sleep(80 * time.Millisecond)
	_, _, ok := conn.Closed()
	require.False(t, ok)

	// Once the connection closes for some other reason, supervision ends.
	require.NoError(t, conn.CloseWithError(0, "bye"))
	_ = btest.ReceiveSoon(t, done)
	require.Zero(t, s.Stats().Evicted)
}

func TestSupervisor_Supervise_keepsFastConnection(t *testing.T) {
	t.Parallel()

	cfg := bsup.DefaultConfig()
	cfg.Policy = bsup.Policy{
		ConnectionCountThreshold: 0,
		MinThroughput:            1,
		Interval:                 10 * time.Millisecond,
	}
	s := bsup.New(btest.NewLogger(t), cfg)

	conn := bquictest.NewStubConn()
	conn.CompleteHandshake()

	cc := s.Track()
	defer s.Untrack()

	go s.Supervise(conn.Context(), conn, cc, conn.HandshakeComplete())

	deadline := time.After(80 * time.Millisecond)
	tick := time.NewTicker(2 * time.Millisecond)
	defer tick.Stop()
loop:
	for {
		select {
		case <-deadline:
			break loop
		case <-tick.C:
			cc.OnProgress(1024)
		}
	}

	_, _, ok := conn.Closed()
	require.False(t, ok)
	require.NoError(t, conn.CloseWithError(0, ""))
}
