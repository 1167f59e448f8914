// Package bcert loads and inspects the TLS material used by the QUIC endpoint.
package bcert

import (
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
)

// LoadKeyPair loads a PEM certificate chain and its private key.
// The parsed leaf is populated on the returned certificate.
func LoadKeyPair(certPath, keyPath string) (tls.Certificate, error) {
	c, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf(
			"failed to load key pair (cert=%q key=%q): %w", certPath, keyPath, err,
		)
	}

	if c.Leaf == nil {
		c.Leaf, err = x509.ParseCertificate(c.Certificate[0])
		if err != nil {
			return tls.Certificate{}, fmt.Errorf("failed to parse leaf certificate: %w", err)
		}
	}

	return c, nil
}

// LoadCertPool reads a PEM bundle of CA certificates.
func LoadCertPool(path string) (*x509.CertPool, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA bundle: %w", err)
	}

	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(b) {
		return nil, fmt.Errorf("no certificates found in CA bundle %q", path)
	}
	return pool, nil
}

// ErrNoPeerCertificate is returned from [PeerFingerprint]
// when the peer did not present a certificate.
var ErrNoPeerCertificate = errors.New("peer presented no certificate")

// Fingerprint returns the SHA-256 hash of cert's SubjectPublicKeyInfo.
// Reissuing a certificate for the same key keeps the fingerprint stable.
func Fingerprint(cert *x509.Certificate) [sha256.Size]byte {
	return sha256.Sum256(cert.RawSubjectPublicKeyInfo)
}

// PeerFingerprint returns the [Fingerprint] of the peer's leaf certificate.
func PeerFingerprint(cs tls.ConnectionState) ([sha256.Size]byte, error) {
	if len(cs.PeerCertificates) == 0 {
		return [sha256.Size]byte{}, ErrNoPeerCertificate
	}
	return Fingerprint(cs.PeerCertificates[0]), nil
}
