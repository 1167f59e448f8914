package bquic

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"time"

	"github.com/quic-go/quic-go"
)

// ALPN is the application protocol negotiated on every bitcomm connection.
const ALPN = "bitcomm"

// DefaultConfig returns the QUIC configuration for a bitcomm endpoint.
func DefaultConfig() *quic.Config {
	return &quic.Config{
		// Connections that cannot finish a handshake in this window are dropped.
		HandshakeIdleTimeout: 5 * time.Second,

		// Skip: MaxIdleTimeout: the 30s default is fine,
		// and the watchdog reaps whatever the transport leaves behind.

		// Initial size of stream-level flow control window.
		InitialStreamReceiveWindow: 64 * 1024,
		MaxStreamReceiveWindow:     2 * 1024 * 1024,

		InitialConnectionReceiveWindow: 4 * 64 * 1024,
		MaxConnectionReceiveWindow:     8 * 1024 * 1024,

		// Clients may multiplex several request streams,
		// and receive routed messages on uni streams the server opens.
		MaxIncomingStreams:    32,
		MaxIncomingUniStreams: 4,

		// Keeps idle but registered clients reachable for routed messages.
		KeepAlivePeriod: 15 * time.Second,
	}
}

// MakeTransport returns a transport over pc.
// verifySourceAddress may be nil;
// see [quic.Transport.VerifySourceAddress].
//
// The caller owns the transport and must close it
// after every connection on it has finished.
func MakeTransport(
	pc net.PacketConn,
	verifySourceAddress func(net.Addr) bool,
) *quic.Transport {
	return &quic.Transport{
		Conn: pc,

		// Skip: StatelessResetKey: a restarted node simply lets
		// stale clients time out.

		VerifySourceAddress: verifySourceAddress,
	}
}

// ServerTLSConfig returns a TLS configuration presenting cert,
// negotiating [ALPN].
//
// If clientCAs is nil, clients may connect without a certificate.
// Otherwise any client certificate must chain to clientCAs.
func ServerTLSConfig(cert tls.Certificate, clientCAs *x509.CertPool) *tls.Config {
	conf := &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{ALPN},
		MinVersion:   tls.VersionTLS13,
	}
	if clientCAs != nil {
		conf.ClientCAs = clientCAs
		conf.ClientAuth = tls.VerifyClientCertIfGiven
	}
	return conf
}

// StartListener begins an early listener on qt.
// Accepted connections are returned before their handshake completes,
// so that the caller can account for in-flight handshakes.
func StartListener(
	tlsConf *tls.Config, quicConf *quic.Config, qt *quic.Transport,
) (*quic.EarlyListener, error) {
	if len(tlsConf.NextProtos) == 0 {
		tlsConf = tlsConf.Clone()
		tlsConf.NextProtos = []string{ALPN}
	}

	ql, err := qt.ListenEarly(tlsConf, quicConf)
	if err != nil {
		return nil, fmt.Errorf("failed to listen: %w", err)
	}
	return ql, nil
}
