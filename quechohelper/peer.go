package quechohelper

import (
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"git.sr.ht/~rumpelsepp/quecho"
)

// LoadTrustedPeer returns the DER encoded certificate stored as trusted peer
// in ns. A missing file is not an error; nil is returned instead.
func LoadTrustedPeer(ns Namespace) ([]byte, error) {
	path, err := ns.path(peerFile)
	if err != nil {
		return nil, err
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			Logger.Info().Str("path", path).Msg("no trusted peer certificate")
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %w", quecho.ErrStorage, err)
	}

	der, err := decodeCertificate(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	Logger.Debug().Str("path", path).Msg("loaded trusted peer certificate")

	return der, nil
}

// StoreTrustedPeer saves der as the trusted peer of ns, replacing any
// previous one.
func StoreTrustedPeer(ns Namespace, der []byte) error {
	if _, err := x509.ParseCertificate(der); err != nil {
		return fmt.Errorf("%w: %w", quecho.ErrCertificate, err)
	}

	path, err := ns.path(peerFile)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("%w: %w", quecho.ErrStorage, err)
	}

	return writeFile(path, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0644)
}

// RememberPeer returns a first use hook which stores the certificate as
// trusted peer of ns.
func RememberPeer(ns Namespace) quecho.FirstUseFunc {
	return func(serverName string, cert []byte) error {
		Logger.Info().Str("server", serverName).Msg("storing peer certificate")
		return StoreTrustedPeer(ns, cert)
	}
}

// ReadCertificateFile reads a PEM or DER encoded certificate and returns it
// DER encoded.
func ReadCertificateFile(path string) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", quecho.ErrStorage, err)
	}

	der, err := decodeCertificate(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return der, nil
}

func decodeCertificate(raw []byte) ([]byte, error) {
	der := raw
	if block, _ := pem.Decode(raw); block != nil {
		if block.Type != "CERTIFICATE" {
			return nil, fmt.Errorf("%w: unexpected PEM block %q", quecho.ErrCertificate, block.Type)
		}
		der = block.Bytes
	}

	if _, err := x509.ParseCertificate(der); err != nil {
		return nil, fmt.Errorf("%w: %w", quecho.ErrCertificate, err)
	}
	return der, nil
}
