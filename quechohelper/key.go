package quechohelper

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"math/big"
	"os"
	"path/filepath"
	"time"

	"git.sr.ht/~rumpelsepp/quecho"
)

const (
	certFile = "cert.pem"
	keyFile  = "key.pem"
	peerFile = "peer.pem"
)

// Namespace selects where the files of one application role live.
type Namespace struct {
	// Root overrides the user configuration directory.
	Root         string
	Organization string
	Application  string
}

var (
	ServerNamespace = Namespace{Organization: "server", Application: "quecho"}
	ClientNamespace = Namespace{Organization: "client", Application: "quecho"}
)

// Dir returns <root>/<application>/<organization>.
func (ns Namespace) Dir() (string, error) {
	root := ns.Root
	if root == "" {
		dir, err := os.UserConfigDir()
		if err != nil {
			return "", fmt.Errorf("%w: %w", quecho.ErrStorage, err)
		}
		root = dir
	}
	return filepath.Join(root, ns.Application, ns.Organization), nil
}

func (ns Namespace) path(name string) (string, error) {
	dir, err := ns.Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, name), nil
}

// Identity is a certificate together with its private key. CertPEM and
// KeyPEM are the bytes as stored on disk.
type Identity struct {
	Certificate tls.Certificate
	CertPEM     []byte
	KeyPEM      []byte
}

// DER returns the encoded certificate.
func (id *Identity) DER() []byte {
	return id.Certificate.Certificate[0]
}

func (id *Identity) Fingerprint() *quecho.Fingerprint {
	fp, err := quecho.FingerprintFromCertificate(id.DER())
	if err != nil {
		return nil
	}
	return fp
}

// GenIdentity generates a fresh ed25519 key and a self-signed certificate
// for quecho.DefaultServerName.
func GenIdentity() (*Identity, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate private key: %w", err)
	}

	serialNumberLimit := new(big.Int).Lsh(big.NewInt(1), 128)
	serialNumber, err := rand.Int(rand.Reader, serialNumberLimit)
	if err != nil {
		return nil, fmt.Errorf("generate serial number: %w", err)
	}

	template := x509.Certificate{
		SerialNumber:          serialNumber,
		Subject:               pkix.Name{CommonName: quecho.DefaultServerName},
		DNSNames:              []string{quecho.DefaultServerName},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Date(9999, 12, 31, 23, 59, 59, 0, time.UTC),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, priv.Public(), priv)
	if err != nil {
		return nil, fmt.Errorf("create certificate: %w", err)
	}

	privDER, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, err
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privDER})

	return ParseIdentity(certPEM, keyPEM)
}

// ParseIdentity parses PEM encoded certificate and key.
func ParseIdentity(certPEM, keyPEM []byte) (*Identity, error) {
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", quecho.ErrCertificate, err)
	}

	return &Identity{
		Certificate: cert,
		CertPEM:     certPEM,
		KeyPEM:      keyPEM,
	}, nil
}

// LoadOrCreateIdentity returns the identity stored in ns. If there is none,
// a new one is generated and stored first. Stored files are never
// modified; if only one of them exists, ErrCertificate is returned.
func LoadOrCreateIdentity(ns Namespace) (*Identity, error) {
	certPath, err := ns.path(certFile)
	if err != nil {
		return nil, err
	}
	keyPath, err := ns.path(keyFile)
	if err != nil {
		return nil, err
	}

	certPEM, certErr := os.ReadFile(certPath)
	keyPEM, keyErr := os.ReadFile(keyPath)

	for _, err := range []error{certErr, keyErr} {
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %w", quecho.ErrStorage, err)
		}
	}

	switch {
	case certErr == nil && keyErr == nil:
		Logger.Debug().Str("path", certPath).Msg("loading identity")
		return ParseIdentity(certPEM, keyPEM)
	case certErr == nil || keyErr == nil:
		// Half an identity is never replaced behind the operator's back.
		Logger.Warn().Str("dir", filepath.Dir(certPath)).Msg("incomplete identity found")
		return nil, fmt.Errorf("%w: incomplete identity in %s, remove %s and %s to generate a new one",
			quecho.ErrCertificate, filepath.Dir(certPath), certFile, keyFile)
	}

	Logger.Info().Str("dir", filepath.Dir(certPath)).Msg("no identity found, generating a new one")

	id, err := GenIdentity()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(certPath), 0700); err != nil {
		return nil, fmt.Errorf("%w: %w", quecho.ErrStorage, err)
	}
	if err := writeFile(keyPath, id.KeyPEM, 0600); err != nil {
		return nil, err
	}
	if err := writeFile(certPath, id.CertPEM, 0644); err != nil {
		return nil, err
	}

	return id, nil
}

// LoadIdentity reads the identity stored in ns. A missing identity is an
// error matching fs.ErrNotExist.
func LoadIdentity(ns Namespace) (*Identity, error) {
	certPath, err := ns.path(certFile)
	if err != nil {
		return nil, err
	}
	keyPath, err := ns.path(keyFile)
	if err != nil {
		return nil, err
	}

	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", quecho.ErrStorage, err)
	}
	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", quecho.ErrStorage, err)
	}

	return ParseIdentity(certPEM, keyPEM)
}

// RemoveIdentity deletes the stored identity of ns, so that the next
// LoadOrCreateIdentity generates a new one.
func RemoveIdentity(ns Namespace) error {
	for _, name := range []string{certFile, keyFile} {
		path, err := ns.path(name)
		if err != nil {
			return err
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %w", quecho.ErrStorage, err)
		}
	}
	return nil
}

// ExportCertificate writes the certificate of id to path, e.g. for copying
// it to a client as trusted peer.
func ExportCertificate(id *Identity, path string) error {
	return writeFile(path, id.CertPEM, 0644)
}

// writeFile replaces path atomically.
func writeFile(path string, data []byte, perm os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("%w: %w", quecho.ErrStorage, err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: %w", quecho.ErrStorage, err)
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: %w", quecho.ErrStorage, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("%w: %w", quecho.ErrStorage, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("%w: %w", quecho.ErrStorage, err)
	}

	return nil
}
