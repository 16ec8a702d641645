package quecho

import (
	"fmt"
	"sync"
	"time"
)

// TrustDatabase remembers which key belongs to which server name.
type TrustDatabase interface {
	AddPeer(name string, fingerprint *Fingerprint, ttl time.Duration) error
	DelPeer(name string) error
	Lookup(name string) (*Fingerprint, bool)
	// LookupOrAdd returns the fingerprint known for name. If there is
	// none, fingerprint is stored in the same step and added is true.
	LookupOrAdd(name string, fingerprint *Fingerprint, ttl time.Duration) (known *Fingerprint, added bool)
}

type MemoryDB struct {
	data  map[string]entry
	mutex sync.Mutex
}

type entry struct {
	fingerprint *Fingerprint
	timestamp   time.Time
	ttl         time.Duration
}

func NewMemoryDB() *MemoryDB {
	return &MemoryDB{
		data: make(map[string]entry),
	}
}

// AddPeer pins fingerprint for name. A ttl of zero never expires.
func (db *MemoryDB) AddPeer(name string, fingerprint *Fingerprint, ttl time.Duration) error {
	db.mutex.Lock()
	defer db.mutex.Unlock()

	if e, ok := db.data[name]; ok && !e.expired() {
		return fmt.Errorf("%s is already known as %s", name, e.fingerprint.Short())
	}

	db.data[name] = entry{fingerprint: fingerprint, timestamp: time.Now(), ttl: ttl}
	trustLogger.Debug().Str("name", name).Str("peer", fingerprint.String()).Msg("new trusted peer")

	return nil
}

func (db *MemoryDB) LookupOrAdd(name string, fingerprint *Fingerprint, ttl time.Duration) (*Fingerprint, bool) {
	db.mutex.Lock()
	defer db.mutex.Unlock()

	if e, ok := db.data[name]; ok && !e.expired() {
		return e.fingerprint, false
	}

	db.data[name] = entry{fingerprint: fingerprint, timestamp: time.Now(), ttl: ttl}
	trustLogger.Debug().Str("name", name).Str("peer", fingerprint.String()).Msg("new trusted peer")

	return fingerprint, true
}

func (db *MemoryDB) DelPeer(name string) error {
	db.mutex.Lock()
	defer db.mutex.Unlock()

	delete(db.data, name)
	return nil
}

func (db *MemoryDB) Lookup(name string) (*Fingerprint, bool) {
	db.mutex.Lock()
	defer db.mutex.Unlock()

	e, ok := db.data[name]
	if !ok {
		return nil, false
	}
	if e.expired() {
		delete(db.data, name)
		trustLogger.Debug().Str("name", name).Msg("trusted peer timed out")
		return nil, false
	}
	return e.fingerprint, true
}

func (e entry) expired() bool {
	return e.ttl > 0 && time.Since(e.timestamp) > e.ttl
}
