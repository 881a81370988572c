// Package certs generates self-signed ECDSA P-256 certificates for the
// local TLS origins used by loader tests and the serve-hls tool.
package certs

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"net"
	"time"
)

const defaultValidity = 24 * time.Hour

// Info holds a generated certificate and its expiry.
type Info struct {
	TLSCert  tls.Certificate
	NotAfter time.Time
}

// ServerTLS returns a TLS config that serves the certificate with the given
// ALPN protocols.
func (i *Info) ServerTLS(alpn ...string) *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{i.TLSCert},
		NextProtos:   alpn,
	}
}

// Generate creates a self-signed ECDSA P-256 certificate for localhost and
// the loopback addresses. A non-positive validity gets 24 hours.
func Generate(validity time.Duration) (*Info, error) {
	if validity <= 0 {
		validity = defaultValidity
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate private key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("generate serial number: %w", err)
	}

	notBefore := time.Now().Add(-1 * time.Minute) // slight backdate for clock skew
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: "refract"},
		NotBefore:    notBefore,
		NotAfter:     notBefore.Add(validity),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback},
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("create certificate: %w", err)
	}

	return &Info{
		TLSCert: tls.Certificate{
			Certificate: [][]byte{certDER},
			PrivateKey:  key,
		},
		NotAfter: template.NotAfter,
	}, nil
}
