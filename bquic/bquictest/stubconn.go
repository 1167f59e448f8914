package bquictest

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"sync"

	"github.com/gordian-engine/bitcomm/bquic"
)

// StubConn is an in-memory [bquic.Conn].
//
// Streams sent on IncomingStreams are returned from AcceptStream,
// and those sent on IncomingUniStreams from AcceptUniStream.
// Every stream opened through OpenUniStreamSync
// is also sent on OpenedUniStreams, if that channel is not nil.
type StubConn struct {
	IncomingStreams    chan bquic.Stream
	IncomingUniStreams chan bquic.ReceiveStream

	OpenedUniStreams chan *StubSendStream

	TLSConnectionStateValue tls.ConnectionState

	LocalAddrValue, RemoteAddrValue StubNetAddr

	handshake     chan struct{}
	handshakeOnce sync.Once

	ctx    context.Context
	cancel context.CancelCauseFunc

	mu        sync.Mutex
	closed    bool
	closeCode bquic.ApplicationErrorCode
	closeMsg  string
}

var _ bquic.Conn = (*StubConn)(nil)

// ErrStubClosed is the cause of a [StubConn]'s context
// after CloseWithError.
var ErrStubClosed = errors.New("stub connection closed")

// NewStubConn returns a StubConn whose handshake is still in progress.
func NewStubConn() *StubConn {
	ctx, cancel := context.WithCancelCause(context.Background())
	return &StubConn{
		IncomingStreams:    make(chan bquic.Stream),
		IncomingUniStreams: make(chan bquic.ReceiveStream),

		RemoteAddrValue: StubNetAddr{NetworkValue: "udp", StringValue: "192.0.2.1:4433"},
		LocalAddrValue:  StubNetAddr{NetworkValue: "udp", StringValue: "127.0.0.1:4433"},

		handshake: make(chan struct{}),

		ctx:    ctx,
		cancel: cancel,
	}
}

// CompleteHandshake closes the HandshakeComplete channel.
// It is safe to call more than once.
func (c *StubConn) CompleteHandshake() {
	c.handshakeOnce.Do(func() { close(c.handshake) })
}

// Closed reports whether CloseWithError has been called,
// and the arguments of the first call.
func (c *StubConn) Closed() (code bquic.ApplicationErrorCode, msg string, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCode, c.closeMsg, c.closed
}

func (c *StubConn) AcceptStream(ctx context.Context) (bquic.Stream, error) {
	select {
	case <-ctx.Done():
		return nil, context.Cause(ctx)
	case <-c.ctx.Done():
		return nil, context.Cause(c.ctx)
	case s := <-c.IncomingStreams:
		return s, nil
	}
}

func (c *StubConn) AcceptUniStream(ctx context.Context) (bquic.ReceiveStream, error) {
	select {
	case <-ctx.Done():
		return nil, context.Cause(ctx)
	case <-c.ctx.Done():
		return nil, context.Cause(c.ctx)
	case s := <-c.IncomingUniStreams:
		return s, nil
	}
}

func (c *StubConn) OpenStreamSync(context.Context) (bquic.Stream, error) {
	panic("stub does not support OpenStreamSync")
}

func (c *StubConn) OpenUniStreamSync(ctx context.Context) (bquic.SendStream, error) {
	if err := context.Cause(c.ctx); err != nil {
		return nil, err
	}

	s := NewStubSendStream()
	if c.OpenedUniStreams != nil {
		select {
		case <-ctx.Done():
			return nil, context.Cause(ctx)
		case c.OpenedUniStreams <- s:
		}
	}
	return s, nil
}

func (c *StubConn) CloseWithError(code bquic.ApplicationErrorCode, msg string) error {
	c.mu.Lock()
	if !c.closed {
		c.closed = true
		c.closeCode = code
		c.closeMsg = msg
	}
	c.mu.Unlock()

	c.cancel(ErrStubClosed)
	return nil
}

func (c *StubConn) HandshakeComplete() <-chan struct{} { return c.handshake }

func (c *StubConn) Context() context.Context { return c.ctx }

func (c *StubConn) TLSConnectionState() tls.ConnectionState {
	return c.TLSConnectionStateValue
}

func (c *StubConn) LocalAddr() net.Addr { return c.LocalAddrValue }

func (c *StubConn) RemoteAddr() net.Addr { return c.RemoteAddrValue }

// StubNetAddr holds the return values for
// [*StubConn.LocalAddr] and [*StubConn.RemoteAddr].
type StubNetAddr struct {
	NetworkValue string
	StringValue  string
}

func (a StubNetAddr) Network() string { return a.NetworkValue }
func (a StubNetAddr) String() string  { return a.StringValue }
