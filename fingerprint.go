package quecho

import (
	"bytes"
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/sha3"
)

const (
	DefaultFingerprintSuite = "sha3-256"
	niPrefix                = "ni:///"
)

// Fingerprint identifies a peer by the hash of its public key. Two
// certificates carrying the same key have the same fingerprint.
type Fingerprint struct {
	digest [32]byte
}

// FingerprintIsEqual checks whether two fingerprints are identical.
func FingerprintIsEqual(a, b *Fingerprint) bool {
	if a == nil || b == nil {
		return a == b
	}
	return bytes.Equal(a.digest[:], b.digest[:])
}

// FingerprintFromCertificate transforms a DER encoded certificate to a DER
// encoded public key and calls FingerprintFromPublicKey.
func FingerprintFromCertificate(cert []byte) (*Fingerprint, error) {
	parsedCert, err := x509.ParseCertificate(cert)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCertificate, err)
	}

	pubkeyDer, err := x509.MarshalPKIXPublicKey(parsedCert.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCertificate, err)
	}

	return FingerprintFromPublicKey(pubkeyDer), nil
}

// FingerprintFromPublicKey hashes a DER encoded public key.
func FingerprintFromPublicKey(pubKey []byte) *Fingerprint {
	return &Fingerprint{digest: sha3.Sum256(pubKey)}
}

// FingerprintFromNIString parses the string form produced by String, e.g.
// ni:///sha3-256;<base64url>.
func FingerprintFromNIString(raw string) (*Fingerprint, error) {
	raw = strings.TrimSpace(raw)
	if !strings.HasPrefix(raw, niPrefix) {
		return nil, fmt.Errorf("fingerprint: not an ni URI: %q", raw)
	}

	alg, val, ok := strings.Cut(strings.TrimPrefix(raw, niPrefix), ";")
	if !ok {
		return nil, fmt.Errorf("fingerprint: missing digest value: %q", raw)
	}
	if alg != DefaultFingerprintSuite {
		return nil, fmt.Errorf("fingerprint: suite '%s' is not implemented", alg)
	}

	d, err := base64.RawURLEncoding.DecodeString(val)
	if err != nil {
		return nil, fmt.Errorf("fingerprint: %w", err)
	}
	if len(d) != 32 {
		return nil, fmt.Errorf("fingerprint: invalid digest length %d", len(d))
	}

	var fp Fingerprint
	copy(fp.digest[:], d)

	return &fp, nil
}

// Bytes returns the raw digest.
func (fp *Fingerprint) Bytes() []byte {
	return append([]byte(nil), fp.digest[:]...)
}

func (fp *Fingerprint) String() string {
	return niPrefix + DefaultFingerprintSuite + ";" + base64.RawURLEncoding.EncodeToString(fp.digest[:])
}

// Short returns a short string describing the peer. Useful for logs.
func (fp *Fingerprint) Short() string {
	return base64.RawURLEncoding.EncodeToString(fp.digest[:])[:8]
}

func fingerprintOrNone(fp *Fingerprint) string {
	if fp == nil {
		return "<none>"
	}
	return fp.Short()
}
