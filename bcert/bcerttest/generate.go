// Package bcerttest generates throwaway certificate authorities
// and leaf certificates for tests.
package bcerttest

import (
	"crypto/ed25519"
	crand "crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"
)

// CAConfig is the configuration for generating a CA.
type CAConfig struct {
	ValidFor time.Duration

	// Optional subject for CA template,
	// will use a reasonable default otherwise.
	Subject *pkix.Name
}

// LeafConfig is the configuration for generating a leaf.
type LeafConfig struct {
	ValidFor time.Duration

	Subject *pkix.Name

	DNSNames    []string
	IPAddresses []net.IP
}

// CA is a self-signed certificate authority.
type CA struct {
	CertPEM []byte
	KeyPEM  []byte

	Cert *x509.Certificate

	PubKey  ed25519.PublicKey
	PrivKey ed25519.PrivateKey
}

// LeafCert is a certificate signed by a [CA],
// usable by either a server or a client.
type LeafCert struct {
	CertPEM []byte
	KeyPEM  []byte

	Cert *x509.Certificate

	TLSCert tls.Certificate

	PubKey  ed25519.PublicKey
	PrivKey ed25519.PrivateKey
}

// FastConfig returns a config that is cheap to generate,
// suitable for heavy use in tests.
func FastConfig() CAConfig {
	return CAConfig{
		ValidFor: time.Hour,
	}
}

// GenerateCA generates a new ed25519 CA from the given config.
func GenerateCA(cfg CAConfig) (*CA, error) {
	tmpl := baseTemplate(cfg.Subject, "bitcomm test root", cfg.ValidFor)
	tmpl.KeyUsage |= x509.KeyUsageCertSign
	tmpl.IsCA = true

	// Self-signed: the template is its own parent.
	is, err := issue(tmpl, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create CA: %w", err)
	}

	return &CA{
		CertPEM: is.certPEM,
		KeyPEM:  is.keyPEM,

		Cert: is.cert,

		PubKey:  is.pub,
		PrivKey: is.priv,
	}, nil
}

// CreateLeafCert returns a new leaf certificate signed by ca.
func (ca *CA) CreateLeafCert(cfg LeafConfig) (*LeafCert, error) {
	tmpl := baseTemplate(cfg.Subject, "bitcomm test leaf", cfg.ValidFor)
	tmpl.DNSNames = cfg.DNSNames
	tmpl.IPAddresses = cfg.IPAddresses

	is, err := issue(tmpl, ca.Cert, ca.PrivKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create leaf: %w", err)
	}

	return &LeafCert{
		CertPEM: is.certPEM,
		KeyPEM:  is.keyPEM,

		Cert: is.cert,
		TLSCert: tls.Certificate{
			Certificate: [][]byte{is.cert.Raw},
			PrivateKey:  is.priv,
			Leaf:        is.cert,
		},

		PubKey:  is.pub,
		PrivKey: is.priv,
	}, nil
}

// CertPool returns a pool trusting only ca.
func (ca *CA) CertPool() *x509.CertPool {
	p := x509.NewCertPool()
	p.AddCert(ca.Cert)
	return p
}

// WriteFiles writes the leaf's certificate and key PEM files into dir,
// returning their paths.
func (l *LeafCert) WriteFiles(dir string) (certPath, keyPath string, err error) {
	certPath = filepath.Join(dir, "cert.pem")
	keyPath = filepath.Join(dir, "key.pem")

	if err := os.WriteFile(certPath, l.CertPEM, 0o600); err != nil {
		return "", "", fmt.Errorf("failed to write certificate: %w", err)
	}
	if err := os.WriteFile(keyPath, l.KeyPEM, 0o600); err != nil {
		return "", "", fmt.Errorf("failed to write key: %w", err)
	}
	return certPath, keyPath, nil
}

// baseTemplate returns a template valid for both server and client auth.
// A CA needs every extended key usage its leaves will carry,
// so CAs and leaves share the same set.
func baseTemplate(subject *pkix.Name, commonName string, validFor time.Duration) *x509.Certificate {
	name := pkix.Name{
		Organization: []string{"bitcomm test"},
		CommonName:   commonName,
	}
	if subject != nil {
		name = *subject
	}
	if validFor == 0 {
		validFor = 24 * time.Hour
	}

	now := time.Now()
	return &x509.Certificate{
		SerialNumber: randomSerial(),

		Subject:   name,
		NotBefore: now.Add(-15 * time.Second),
		NotAfter:  now.Add(validFor),

		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
	}
}

type issued struct {
	cert            *x509.Certificate
	certPEM, keyPEM []byte
	pub             ed25519.PublicKey
	priv            ed25519.PrivateKey
}

// issue generates a fresh key for tmpl and signs it with parentKey.
// A nil parent means tmpl is self-signed.
func issue(tmpl, parent *x509.Certificate, parentKey ed25519.PrivateKey) (issued, error) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return issued{}, fmt.Errorf("failed to generate ed25519 key: %w", err)
	}
	if parent == nil {
		parent, parentKey = tmpl, priv
	}

	der, err := x509.CreateCertificate(nil, tmpl, parent, pub, parentKey)
	if err != nil {
		return issued{}, fmt.Errorf("failed to create certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return issued{}, fmt.Errorf("failed to parse certificate from DER: %w", err)
	}

	pkcs8, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return issued{}, fmt.Errorf("failed to marshal private key: %w", err)
	}

	return issued{
		cert:    cert,
		certPEM: pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
		keyPEM:  pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: pkcs8}),
		pub:     pub,
		priv:    priv,
	}, nil
}

func randomSerial() *big.Int {
	num, err := crand.Int(crand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		panic(fmt.Errorf("failed to create random serial: %w", err))
	}
	return num
}
