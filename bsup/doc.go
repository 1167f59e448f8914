// Package bsup contains connection admission and supervision.
//
// A [Context] holds the accounting for a single connection,
// and is driven through exactly two transitions:
// [*Context.OnProgress] whenever stream bytes move,
// and [*Context.OnTimeoutEval] once per supervision interval.
// Keeping the policy in a plain state object
// means it can be tested without a live transport.
//
// The [Supervisor] owns the process-wide counters
// (live connections and in-flight handshakes)
// and runs the per-connection evaluation loop.
//
// The policy is the slowloris mitigation described in RFC 9000 section 21.6:
// once the node is above a connection threshold,
// connections sustaining less than a minimum throughput are closed.
package bsup
