// Package testutil holds helpers shared by the transport and server tests.
package testutil

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// SelfSignedCert is a freshly minted test certificate, available both as
// files (for the server configuration) and as PEM (for a client trust
// pool).
type SelfSignedCert struct {
	CertFile string
	KeyFile  string
	CertPEM  []byte
}

// NewSelfSignedCert mints an ECDSA P-256 certificate valid for localhost
// and 127.0.0.1, plus host when it names anything else, and writes the PEM
// pair under t.TempDir. Any failure fails the test.
func NewSelfSignedCert(t *testing.T, host string) SelfSignedCert {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generating test key: %v", err)
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		t.Fatalf("generating serial number: %v", err)
	}

	tmpl := x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{Organization: []string{"bridge tests"}},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              []string{"localhost"},
		IPAddresses:           []net.IP{net.ParseIP("127.0.0.1")},
	}
	switch ip := net.ParseIP(host); {
	case host == "" || host == "localhost":
	case ip != nil:
		if !ip.IsLoopback() {
			tmpl.IPAddresses = append(tmpl.IPAddresses, ip)
		}
	default:
		tmpl.DNSNames = append(tmpl.DNSNames, host)
	}

	der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("creating test certificate: %v", err)
	}
	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		t.Fatalf("marshalling test key: %v", err)
	}

	cert := SelfSignedCert{
		CertPEM: pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER})

	dir := t.TempDir()
	cert.CertFile = filepath.Join(dir, "cert.pem")
	cert.KeyFile = filepath.Join(dir, "key.pem")
	if err := os.WriteFile(cert.CertFile, cert.CertPEM, 0600); err != nil {
		t.Fatalf("writing test certificate: %v", err)
	}
	if err := os.WriteFile(cert.KeyFile, keyPEM, 0600); err != nil {
		t.Fatalf("writing test key: %v", err)
	}
	return cert
}

// Pool returns a certificate pool trusting only this certificate.
func (c SelfSignedCert) Pool(t *testing.T) *x509.CertPool {
	t.Helper()
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(c.CertPEM) {
		t.Fatal("test certificate PEM did not parse")
	}
	return pool
}
