package bsup_test

import (
	"sync"
	"testing"
	"time"

	"github.com/gordian-engine/bitcomm/bsup"
	"github.com/stretchr/testify/require"
)

func TestContext_OnTimeoutEval(t *testing.T) {
	t.Parallel()

	p := bsup.DefaultPolicy()
	start := time.Unix(1_700_000_000, 0)

	for _, tc := range []struct {
		name string

		transferred int
		elapsed     time.Duration
		handshaking bool
		count       int

		wantClose bool
	}{
		{
			name:        "below threshold is never policed",
			transferred: 0, elapsed: time.Second, count: 1000,
		},
		{
			name:        "handshaking is exempt",
			transferred: 0, elapsed: time.Second, handshaking: true, count: 1001,
		},
		{
			name:        "slow connection above threshold",
			transferred: 100, elapsed: time.Second, count: 1001,
			wantClose: true,
		},
		{
			name:        "exactly the minimum is kept",
			transferred: 500, elapsed: time.Second, count: 1001,
		},
		{
			name:        "rate accounts for elapsed time",
			transferred: 900, elapsed: 2 * time.Second, count: 5000,
			wantClose: true,
		},
		{
			name:        "zero elapsed time continues",
			transferred: 0, elapsed: 0, count: 5000,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			c := bsup.NewContext(start)
			c.OnProgress(tc.transferred)

			out := c.OnTimeoutEval(p, bsup.EvalInput{
				Now:             start.Add(tc.elapsed),
				Handshaking:     tc.handshaking,
				ConnectionCount: tc.count,
			})
			require.Equal(t, tc.wantClose, out.Close)

			if tc.wantClose {
				require.NotEmpty(t, out.Reason)
				require.Equal(t, uint64(tc.transferred), c.Transferred(), "counter must not reset on close")
			} else {
				require.Zero(t, c.Transferred(), "counter must reset on continue")
			}
		})
	}
}

func TestContext_windowAdvances(t *testing.T) {
	t.Parallel()

	p := bsup.DefaultPolicy()
	start := time.Unix(1_700_000_000, 0)
	c := bsup.NewContext(start)

	// Plenty of bytes in the first window.
	c.OnProgress(10_000)
	out := c.OnTimeoutEval(p, bsup.EvalInput{Now: start.Add(time.Second), ConnectionCount: 2000})
	require.False(t, out.Close)
	require.Equal(t, uint64(10_000), out.Throughput)

	// The next window is measured from the previous evaluation,
	// so the earlier bytes do not carry over.
	c.OnProgress(100)
	out = c.OnTimeoutEval(p, bsup.EvalInput{Now: start.Add(2 * time.Second), ConnectionCount: 2000})
	require.True(t, out.Close)
	require.Equal(t, uint64(100), out.Throughput)
}

func TestContext_OnProgressConcurrent(t *testing.T) {
	t.Parallel()

	c := bsup.NewContext(time.Now())

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 1000 {
				c.OnProgress(3)
			}
		}()
	}
	wg.Wait()

	c.OnProgress(0)
	c.OnProgress(-5)

	require.Equal(t, uint64(8*1000*3), c.Transferred())
}
