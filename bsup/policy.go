package bsup

import (
	"sync"
	"time"
)

// Policy is the fixed supervision policy.
// It is passed by value and never modified after startup.
type Policy struct {
	// Throughput policing only applies while
	// more than this many connections are live.
	ConnectionCountThreshold int

	// Minimum sustained bytes per second,
	// summed across both directions of every stream on the connection.
	MinThroughput uint64

	// How often each connection is evaluated.
	Interval time.Duration
}

// DefaultPolicy returns the default supervision policy.
func DefaultPolicy() Policy {
	return Policy{
		ConnectionCountThreshold: 1000,
		MinThroughput:            500,
		Interval:                 time.Second,
	}
}

// Context is the per-connection accounting state.
//
// OnProgress may be called concurrently from every stream on the connection,
// and concurrently with OnTimeoutEval.
type Context struct {
	mu sync.Mutex

	transferred uint64
	lastUpdate  time.Time
}

// NewContext returns a Context with no transferred bytes,
// last evaluated at now.
func NewContext(now time.Time) *Context {
	return &Context{lastUpdate: now}
}

// OnProgress records n bytes of forward progress
// in either direction on any stream of the connection.
func (c *Context) OnProgress(n int) {
	if n <= 0 {
		return
	}

	c.mu.Lock()
	c.transferred += uint64(n)
	c.mu.Unlock()
}

// Transferred returns the bytes recorded since the last evaluation.
func (c *Context) Transferred() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transferred
}

// EvalInput is the connection and process state observed at an evaluation.
type EvalInput struct {
	Now time.Time

	// Whether the connection has not yet completed its handshake.
	Handshaking bool

	// Number of live connections on the node, including this one.
	ConnectionCount int
}

// Outcome is the result of [*Context.OnTimeoutEval].
type Outcome struct {
	// Close is set when the connection must be closed immediately.
	Close bool

	Reason string

	// Observed throughput in bytes per second.
	// Only set when the throughput check actually ran.
	Throughput uint64
}

// OnTimeoutEval applies p to the bytes transferred since the previous evaluation.
//
// Unless the outcome is to close the connection,
// the transferred count is reset and the evaluation timestamp advances to in.Now.
func (c *Context) OnTimeoutEval(p Policy, in EvalInput) Outcome {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out Outcome
	if !in.Handshaking && in.ConnectionCount > p.ConnectionCountThreshold {
		elapsed := in.Now.Sub(c.lastUpdate)

		// With no elapsed time there is no meaningful rate,
		// so the window is simply restarted.
		if elapsed > 0 {
			out.Throughput = uint64(float64(c.transferred) / elapsed.Seconds())
			if out.Throughput < p.MinThroughput {
				out.Close = true
				out.Reason = "connection throughput was below minimum"
				return out
			}
		}
	}

	c.transferred = 0
	c.lastUpdate = in.Now
	return out
}
