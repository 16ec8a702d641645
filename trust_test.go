package quecho

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newCert(t *testing.T) ([]byte, *Fingerprint) {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	der := selfSigned(t, priv)
	fp, err := FingerprintFromCertificate(der)
	require.NoError(t, err)

	return der, fp
}

func configure(t *testing.T, p TrustPolicy) *tls.Config {
	t.Helper()

	conf := &tls.Config{ServerName: DefaultServerName}
	require.NoError(t, p.ConfigureTLS(conf, DefaultServerName))
	return conf
}

func TestPinFingerprints(t *testing.T) {
	known, knownFp := newCert(t)
	unknown, _ := newCert(t)

	conf := configure(t, PinFingerprints(knownFp))
	assert.True(t, conf.InsecureSkipVerify)

	assert.NoError(t, conf.VerifyPeerCertificate([][]byte{known}, nil))
	assert.ErrorIs(t, conf.VerifyPeerCertificate([][]byte{unknown}, nil), ErrUntrustedPeer)
	assert.ErrorIs(t, conf.VerifyPeerCertificate(nil, nil), ErrUntrustedPeer)
}

func TestPinCertificates(t *testing.T) {
	known, _ := newCert(t)

	p, err := PinCertificates(known)
	require.NoError(t, err)

	conf := configure(t, p)
	assert.False(t, conf.InsecureSkipVerify)
	require.NotNil(t, conf.RootCAs)

	_, err = PinCertificates([]byte("garbage"))
	assert.ErrorIs(t, err, ErrCertificate)
}

func TestTrustAnyAndSystem(t *testing.T) {
	der, _ := newCert(t)

	conf := configure(t, TrustAny())
	assert.True(t, conf.InsecureSkipVerify)
	assert.NoError(t, conf.VerifyPeerCertificate([][]byte{der}, nil))

	conf = configure(t, TrustSystem())
	assert.False(t, conf.InsecureSkipVerify)
	assert.Nil(t, conf.RootCAs)
	assert.Nil(t, conf.VerifyPeerCertificate)
}

func TestTrustOnFirstUse(t *testing.T) {
	first, firstFp := newCert(t)
	second, _ := newCert(t)

	var remembered [][]byte
	db := NewMemoryDB()
	p := TrustOnFirstUse(db, func(serverName string, cert []byte) error {
		assert.Equal(t, DefaultServerName, serverName)
		remembered = append(remembered, cert)
		return nil
	})

	conf := configure(t, p)
	require.NoError(t, conf.VerifyPeerCertificate([][]byte{first}, nil))

	fp, ok := db.Lookup(DefaultServerName)
	require.True(t, ok)
	assert.True(t, FingerprintIsEqual(firstFp, fp))
	assert.Equal(t, [][]byte{first}, remembered)

	// Known now, so neither recorded again nor replaced.
	conf = configure(t, p)
	require.NoError(t, conf.VerifyPeerCertificate([][]byte{first}, nil))
	assert.ErrorIs(t, conf.VerifyPeerCertificate([][]byte{second}, nil), ErrUntrustedPeer)
	assert.Len(t, remembered, 1)
}

func TestTrustOnFirstUsePerName(t *testing.T) {
	a, _ := newCert(t)
	b, _ := newCert(t)

	p := TrustOnFirstUse(NewMemoryDB(), nil)

	confA := &tls.Config{}
	require.NoError(t, p.ConfigureTLS(confA, "a.example"))
	confB := &tls.Config{}
	require.NoError(t, p.ConfigureTLS(confB, "b.example"))

	assert.NoError(t, confA.VerifyPeerCertificate([][]byte{a}, nil))
	assert.NoError(t, confB.VerifyPeerCertificate([][]byte{b}, nil))
	assert.Error(t, confA.VerifyPeerCertificate([][]byte{b}, nil))
}

func TestTrustOnFirstUseConcurrent(t *testing.T) {
	cert, fp := newCert(t)
	other, _ := newCert(t)

	var remembered atomic.Int32
	db := NewMemoryDB()
	p := TrustOnFirstUse(db, func(serverName string, cert []byte) error {
		remembered.Add(1)
		return nil
	})

	const n = 32
	var (
		wg    sync.WaitGroup
		start = make(chan struct{})
		errs  = make([]error, n)
	)
	for i := 0; i < n; i++ {
		conf := configure(t, p)
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			errs[i] = conf.VerifyPeerCertificate([][]byte{cert}, nil)
		}()
	}
	close(start)
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, int32(1), remembered.Load())

	known, ok := db.Lookup(DefaultServerName)
	require.True(t, ok)
	assert.True(t, FingerprintIsEqual(fp, known))

	conf := configure(t, p)
	assert.ErrorIs(t, conf.VerifyPeerCertificate([][]byte{other}, nil), ErrUntrustedPeer)
}

func TestMemoryDBLookupOrAdd(t *testing.T) {
	db := NewMemoryDB()
	fp := FingerprintFromPublicKey([]byte("a"))
	other := FingerprintFromPublicKey([]byte("b"))

	known, added := db.LookupOrAdd("peer", fp, 0)
	assert.True(t, added)
	assert.True(t, FingerprintIsEqual(fp, known))

	known, added = db.LookupOrAdd("peer", other, 0)
	assert.False(t, added)
	assert.True(t, FingerprintIsEqual(fp, known))

	require.NoError(t, db.DelPeer("peer"))
	known, added = db.LookupOrAdd("peer", other, 0)
	assert.True(t, added)
	assert.True(t, FingerprintIsEqual(other, known))
}

func TestMemoryDB(t *testing.T) {
	db := NewMemoryDB()
	fp := FingerprintFromPublicKey([]byte("a"))
	other := FingerprintFromPublicKey([]byte("b"))

	_, ok := db.Lookup("peer")
	assert.False(t, ok)

	require.NoError(t, db.AddPeer("peer", fp, 0))
	assert.Error(t, db.AddPeer("peer", other, 0))

	got, ok := db.Lookup("peer")
	require.True(t, ok)
	assert.True(t, FingerprintIsEqual(fp, got))

	require.NoError(t, db.DelPeer("peer"))
	_, ok = db.Lookup("peer")
	assert.False(t, ok)
}

func TestMemoryDBExpiry(t *testing.T) {
	db := NewMemoryDB()
	fp := FingerprintFromPublicKey([]byte("a"))

	require.NoError(t, db.AddPeer("peer", fp, 20*time.Millisecond))
	_, ok := db.Lookup("peer")
	require.True(t, ok)

	assert.Eventually(t, func() bool {
		_, ok := db.Lookup("peer")
		return !ok
	}, time.Second, 5*time.Millisecond)

	// An expired entry can be replaced.
	assert.NoError(t, db.AddPeer("peer", FingerprintFromPublicKey([]byte("b")), 0))
}
