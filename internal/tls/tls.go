// Package tls provides the certificate the inbound MX offers on STARTTLS:
// a provisioned key pair, or a self-signed certificate for the MX hostname.
package tls

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"strings"
	"time"
)

// selfSignedValidity is how long a generated certificate is valid.
const selfSignedValidity = 365 * 24 * time.Hour

// mxNames returns the normalized MX hostname and the DNS SANs for it.
// localhost is always included so local test clients can connect.
func mxNames(hostname string) (string, []string) {
	hostname = strings.ToLower(strings.TrimSuffix(strings.TrimSpace(hostname), "."))
	if hostname == "" || hostname == "localhost" {
		return "localhost", []string{"localhost"}
	}
	return hostname, []string{hostname, "localhost"}
}

// GenerateSelfSignedCert returns an in-memory ECDSA P-256 certificate for
// the MX hostname, also valid for localhost and 127.0.0.1. An empty hostname
// means localhost. Nothing is written to disk.
func GenerateSelfSignedCert(hostname string) (*tls.Certificate, error) {
	cn, dnsNames := mxNames(hostname)

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate ECDSA key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("failed to generate serial number: %w", err)
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: cn},
		NotBefore:             now,
		NotAfter:              now.Add(selfSignedValidity),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              dnsNames,
		IPAddresses:           []net.IP{net.ParseIP("127.0.0.1")},
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("failed to create certificate for %s: %w", cn, err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal private key: %w", err)
	}

	cert, err := tls.X509KeyPair(
		pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER}),
		pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create X509 key pair: %w", err)
	}
	return &cert, nil
}

// LoadOrGenerateTLS returns the STARTTLS configuration for the MX. The key
// pair is loaded from certFile and keyFile when both are set; otherwise a
// self-signed certificate for hostname is generated.
func LoadOrGenerateTLS(certFile, keyFile, hostname string) (*tls.Config, error) {
	cert, err := mxCertificate(certFile, keyFile, hostname)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}

func mxCertificate(certFile, keyFile, hostname string) (tls.Certificate, error) {
	if certFile == "" || keyFile == "" {
		generated, err := GenerateSelfSignedCert(hostname)
		if err != nil {
			return tls.Certificate{}, fmt.Errorf("failed to generate self-signed cert: %w", err)
		}
		return *generated, nil
	}

	for _, f := range []string{certFile, keyFile} {
		if _, err := os.Stat(f); err != nil {
			return tls.Certificate{}, fmt.Errorf("TLS file not found: %w", err)
		}
	}
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to load TLS key pair: %w", err)
	}
	return cert, nil
}
