package kvswebrtc

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
	"time"
)

// DTLSFingerprint is the algorithm+digest pair advertised in SDP and
// compared against the remote DTLS certificate at handshake completion
// (spec section 4.3).
type DTLSFingerprint struct {
	Algorithm string
	Value     string
}

// Equal compares fingerprints case-insensitively, as required by the
// "Fingerprint" invariant in spec section 8.
func (f DTLSFingerprint) Equal(other DTLSFingerprint) bool {
	return strings.EqualFold(f.Algorithm, other.Algorithm) && strings.EqualFold(f.Value, other.Value)
}

func (f DTLSFingerprint) String() string { return f.Algorithm + " " + f.Value }

// Certificate wraps the self-signed ECDSA credential each Endpoint generates
// for DTLS. Certificates are never persisted: spec section 6 requires every
// identifier, including this one, to be regenerated at process start.
type Certificate struct {
	PrivateKey *ecdsa.PrivateKey
	X509Cert   *x509.Certificate
}

// GenerateCertificate creates a self-signed ECDSA (P-256) certificate with
// ten-year validity and a random 20-byte serial, per spec section 4.3.
func GenerateCertificate() (*Certificate, error) {
	privateKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, &ProtocolFailureError{Err: fmt.Errorf("generate ecdsa key: %w", err)}
	}

	serial := make([]byte, certificateSerialLen)
	if _, err := rand.Read(serial); err != nil {
		return nil, &ProtocolFailureError{Err: fmt.Errorf("generate serial: %w", err)}
	}

	now := time.Now()
	tpl := &x509.Certificate{
		SerialNumber:          new(big.Int).SetBytes(serial),
		Subject:               pkix.Name{CommonName: generatedCertificateOrigin},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(certificateValidity),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}

	der, err := x509.CreateCertificate(rand.Reader, tpl, tpl, &privateKey.PublicKey, privateKey)
	if err != nil {
		return nil, &ProtocolFailureError{Err: fmt.Errorf("create certificate: %w", err)}
	}

	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, &ProtocolFailureError{Err: fmt.Errorf("parse certificate: %w", err)}
	}

	return &Certificate{PrivateKey: privateKey, X509Cert: cert}, nil
}

// Fingerprint returns the SHA-256 fingerprint of the DER-encoded certificate
// as colon-separated uppercase hex, matching the form SDP carries on the
// wire (e.g. "AB:CD:...").
func (c *Certificate) Fingerprint() DTLSFingerprint {
	sum := sha256.Sum256(c.X509Cert.Raw)
	parts := make([]string, len(sum))
	for i, b := range sum {
		parts[i] = strings.ToUpper(hex.EncodeToString([]byte{b}))
	}
	return DTLSFingerprint{Algorithm: fingerprintAlgorithm, Value: strings.Join(parts, ":")}
}

// ParseFingerprint splits the "algorithm hex-digest" form embedded in an SDP
// a=fingerprint line.
func ParseFingerprint(algorithm, value string) DTLSFingerprint {
	return DTLSFingerprint{Algorithm: algorithm, Value: value}
}
