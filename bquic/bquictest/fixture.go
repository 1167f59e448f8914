// Package bquictest contains live and stub QUIC fixtures for tests.
package bquictest

import (
	"context"
	"crypto/tls"
	"net"
	"testing"

	"github.com/gordian-engine/bitcomm/bcert/bcerttest"
	"github.com/gordian-engine/bitcomm/bquic"
	"github.com/quic-go/quic-go"
	"github.com/stretchr/testify/require"
)

// Fixture holds everything needed to run a server on loopback
// and dial it with verified TLS.
// The server side is left to the test;
// pass [Fixture.UDPConn] and [Fixture.ServerTLS] to whatever is being tested.
type Fixture struct {
	CA         *bcerttest.CA
	ServerCert *bcerttest.LeafCert

	ServerTLS *tls.Config

	UDPConn *net.UDPConn
}

// NewFixture generates a fresh CA and server certificate
// and opens a UDP socket on an ephemeral loopback port.
//
// The UDP connection is closed as part of [*testing.T.Cleanup].
func NewFixture(t *testing.T) *Fixture {
	t.Helper()

	ca, err := bcerttest.GenerateCA(bcerttest.FastConfig())
	require.NoError(t, err)

	leaf, err := ca.CreateLeafCert(bcerttest.LeafConfig{
		DNSNames:    []string{"localhost"},
		IPAddresses: []net.IP{net.IPv4(127, 0, 0, 1)},
	})
	require.NoError(t, err)

	uc, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { _ = uc.Close() })

	return &Fixture{
		CA:         ca,
		ServerCert: leaf,

		ServerTLS: bquic.ServerTLSConfig(leaf.TLSCert, ca.CertPool()),

		UDPConn: uc,
	}
}

// Addr is the address the server socket is bound to.
func (f *Fixture) Addr() net.Addr {
	return f.UDPConn.LocalAddr()
}

// ClientCert returns a new client certificate signed by the fixture's CA.
func (f *Fixture) ClientCert(t *testing.T) tls.Certificate {
	t.Helper()

	leaf, err := f.CA.CreateLeafCert(bcerttest.LeafConfig{})
	require.NoError(t, err)
	return leaf.TLSCert
}

// Dial connects to the fixture's address,
// presenting clientCert if it is not nil.
// The connection is closed as part of [*testing.T.Cleanup].
func (f *Fixture) Dial(
	t *testing.T, ctx context.Context, clientCert *tls.Certificate,
) bquic.Conn {
	t.Helper()

	tlsConf := &tls.Config{
		RootCAs:    f.CA.CertPool(),
		NextProtos: []string{bquic.ALPN},
	}
	if clientCert != nil {
		tlsConf.Certificates = []tls.Certificate{*clientCert}
	}

	qc, err := quic.DialAddr(ctx, f.Addr().String(), tlsConf, bquic.DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = qc.CloseWithError(0, "") })

	return bquic.WrapConn(qc)
}
