// Package bquic narrows quic-go to the connection and stream surface
// that the bitcomm node uses,
// so that the rest of the node can be tested against stubs.
package bquic

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"

	"github.com/quic-go/quic-go"
)

// Conn is the interface representing a QUIC connection.
//
// This is a subset of [quic.EarlyConnection].
type Conn interface {
	AcceptStream(context.Context) (Stream, error)
	AcceptUniStream(context.Context) (ReceiveStream, error)

	OpenStreamSync(context.Context) (Stream, error)
	OpenUniStreamSync(context.Context) (SendStream, error)

	CloseWithError(code ApplicationErrorCode, msg string) error

	// Closed when the TLS handshake completes.
	HandshakeComplete() <-chan struct{}

	// Canceled when the connection is closed, for any reason.
	Context() context.Context

	TLSConnectionState() tls.ConnectionState

	LocalAddr() net.Addr
	RemoteAddr() net.Addr
}

var _ Conn = ConnAdapter{}

// ConnAdapter wraps a [quic.Connection], implementing the [Conn] interface.
//
// Create an instance with [WrapConn].
type ConnAdapter struct {
	qc quic.Connection

	handshakeComplete <-chan struct{}
}

var closedCh = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

// WrapConn wraps the given connection.
// Connections accepted from an early listener
// report their real handshake progress;
// any other connection is already past its handshake.
func WrapConn(qc quic.Connection) ConnAdapter {
	a := ConnAdapter{qc: qc, handshakeComplete: closedCh}
	if ec, ok := qc.(quic.EarlyConnection); ok {
		a.handshakeComplete = ec.HandshakeComplete()
	}
	return a
}

func (c ConnAdapter) AcceptStream(ctx context.Context) (Stream, error) {
	s, err := c.qc.AcceptStream(ctx)
	if err != nil {
		return nil, err
	}
	return WrapStream(s), nil
}

func (c ConnAdapter) AcceptUniStream(ctx context.Context) (ReceiveStream, error) {
	s, err := c.qc.AcceptUniStream(ctx)
	if err != nil {
		return nil, err
	}
	return WrapReceiveStream(s), nil
}

func (c ConnAdapter) OpenStreamSync(ctx context.Context) (Stream, error) {
	s, err := c.qc.OpenStreamSync(ctx)
	if err != nil {
		return nil, err
	}
	return WrapStream(s), nil
}

func (c ConnAdapter) OpenUniStreamSync(ctx context.Context) (SendStream, error) {
	s, err := c.qc.OpenUniStreamSync(ctx)
	if err != nil {
		return nil, err
	}
	return WrapSendStream(s), nil
}

func (c ConnAdapter) CloseWithError(code ApplicationErrorCode, msg string) error {
	if (code >> 62) > 0 {
		panic(fmt.Errorf(
			"BUG: application error code must fit in 62 bits (got 0x%x)", code,
		))
	}
	return c.qc.CloseWithError(quic.ApplicationErrorCode(code), msg)
}

func (c ConnAdapter) HandshakeComplete() <-chan struct{} { return c.handshakeComplete }

func (c ConnAdapter) Context() context.Context { return c.qc.Context() }

func (c ConnAdapter) TLSConnectionState() tls.ConnectionState {
	return c.qc.ConnectionState().TLS
}

func (c ConnAdapter) LocalAddr() net.Addr { return c.qc.LocalAddr() }

func (c ConnAdapter) RemoteAddr() net.Addr { return c.qc.RemoteAddr() }
