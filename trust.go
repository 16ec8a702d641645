package quecho

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
)

// TrustPolicy decides which server certificates a client accepts.
// ConfigureTLS is called on a fresh tls.Config for every dial.
type TrustPolicy interface {
	ConfigureTLS(conf *tls.Config, serverName string) error
}

// TrustPolicyFunc adapts a function to the TrustPolicy interface.
type TrustPolicyFunc func(conf *tls.Config, serverName string) error

func (f TrustPolicyFunc) ConfigureTLS(conf *tls.Config, serverName string) error {
	return f(conf, serverName)
}

type Verifier func(rawCerts [][]byte, verifiedChains [][]*x509.Certificate) error

func VerifierAllowAll(rawCerts [][]byte, verifiedChains [][]*x509.Certificate) error {
	if len(rawCerts) > 0 {
		if fp, err := FingerprintFromCertificate(rawCerts[0]); err == nil {
			trustLogger.Debug().Str("peer", fp.String()).Msg("accepting any peer")
		}
	}
	return nil
}

// TrustAny accepts every peer certificate.
func TrustAny() TrustPolicy {
	return TrustPolicyFunc(func(conf *tls.Config, serverName string) error {
		conf.InsecureSkipVerify = true
		conf.VerifyPeerCertificate = VerifierAllowAll
		return nil
	})
}

// TrustSystem verifies the server against the system certificate pool.
func TrustSystem() TrustPolicy {
	return TrustPolicyFunc(func(conf *tls.Config, serverName string) error {
		conf.RootCAs = nil
		conf.InsecureSkipVerify = false
		return nil
	})
}

// PinCertificates trusts exactly the given DER encoded certificates. They
// act as roots, so the usual name verification against serverName applies.
func PinCertificates(certs ...[]byte) (TrustPolicy, error) {
	pool := x509.NewCertPool()
	for _, der := range certs {
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			return nil, fmt.Errorf("%w: pinned certificate: %w", ErrCertificate, err)
		}
		pool.AddCert(cert)
	}

	return TrustPolicyFunc(func(conf *tls.Config, serverName string) error {
		conf.RootCAs = pool
		conf.InsecureSkipVerify = false
		return nil
	}), nil
}

// PinFingerprints trusts peers whose public key hashes to one of allowed.
// Names are not checked; the key is the identity.
func PinFingerprints(allowed ...*Fingerprint) TrustPolicy {
	verify := makeVerifyCallback(allowed)

	return TrustPolicyFunc(func(conf *tls.Config, serverName string) error {
		conf.InsecureSkipVerify = true
		conf.VerifyPeerCertificate = verify
		return nil
	})
}

func makeVerifyCallback(allowed []*Fingerprint) Verifier {
	return func(rawCerts [][]byte, verifiedChains [][]*x509.Certificate) error {
		if len(rawCerts) == 0 {
			return fmt.Errorf("%w: no certificate presented", ErrUntrustedPeer)
		}

		remote, err := FingerprintFromCertificate(rawCerts[0])
		if err != nil {
			return err
		}

		for _, fp := range allowed {
			if FingerprintIsEqual(remote, fp) {
				return nil
			}
		}

		trustLogger.Warn().Str("peer", remote.String()).Msg("rejecting unpinned peer")
		return fmt.Errorf("%w: %s", ErrUntrustedPeer, remote.Short())
	}
}

// FirstUseFunc is called when a server name is seen for the first time.
// It usually persists the certificate.
type FirstUseFunc func(serverName string, cert []byte) error

// TrustOnFirstUse accepts the first certificate seen for a server name and
// afterwards only certificates with the same key. Known pins live in db.
func TrustOnFirstUse(db TrustDatabase, onFirstUse FirstUseFunc) TrustPolicy {
	return TrustPolicyFunc(func(conf *tls.Config, serverName string) error {
		conf.InsecureSkipVerify = true
		conf.VerifyPeerCertificate = func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			if len(rawCerts) == 0 {
				return fmt.Errorf("%w: no certificate presented", ErrUntrustedPeer)
			}

			remote, err := FingerprintFromCertificate(rawCerts[0])
			if err != nil {
				return err
			}

			known, added := db.LookupOrAdd(serverName, remote, 0)
			if !added {
				if !FingerprintIsEqual(known, remote) {
					trustLogger.Warn().
						Str("server", serverName).
						Str("known", known.String()).
						Str("presented", remote.String()).
						Msg("peer key changed")
					return fmt.Errorf("%w: key of %s changed", ErrUntrustedPeer, serverName)
				}
				return nil
			}

			trustLogger.Info().Str("server", serverName).Str("peer", remote.String()).Msg("trusting peer on first use")

			if onFirstUse != nil {
				if err := onFirstUse(serverName, rawCerts[0]); err != nil {
					trustLogger.Warn().Err(err).Str("server", serverName).Msg("could not remember peer")
				}
			}
			return nil
		}
		return nil
	})
}
