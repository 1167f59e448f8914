// Package bitcomm contains the QUIC ingress server for a bitcomm node.
//
// A bitcomm node terminates QUIC connections from clients.
// Each bidirectional stream carries a sequence of binary frames
// (see package bframe): fixed-size commands and variable-length messages.
// Every valid frame is answered with a reply frame on the same stream,
// and every valid message is also handed to the node's event queue
// for routing to its destination.
//
// Connections are supervised (see package bsup) so that
// slow or stalled peers cannot exhaust the node,
// and registered clients are visible to the other roles
// through the shared registry in package bpool.
package bitcomm
