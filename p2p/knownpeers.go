package p2p

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
)

const knownPeerKeyPrefix = "peer:"

// KnownPeerRecord tracks an address the node may attempt to (re)connect to,
// independent of current connection status. A zero Nonce means the peer's
// identity has not been observed yet.
type KnownPeerRecord struct {
	Addr     PeerAddress `json:"addr"`
	LastSeen time.Time   `json:"lastSeen"`
	Nonce    uint64      `json:"nonce,omitempty"`
}

// KnownPeers is the keyed store of known-peer records. It is owned by the
// manager goroutine; all access is serialized through the manager's event
// loop, so the store itself carries no lock. When opened with a path the
// records are mirrored into LevelDB and reloaded on start.
type KnownPeers struct {
	residence time.Duration
	records   map[PeerAddress]*KnownPeerRecord
	db        *leveldb.DB
}

// NewKnownPeers opens a known-peer store. An empty path keeps the store
// memory-only.
func NewKnownPeers(path string, residence time.Duration) (*KnownPeers, error) {
	if residence <= 0 {
		residence = defaultPeersResidence
	}
	store := &KnownPeers{
		residence: residence,
		records:   make(map[PeerAddress]*KnownPeerRecord),
	}
	if strings.TrimSpace(path) == "" {
		return store, nil
	}
	db, err := leveldb.OpenFile(filepath.Clean(path), nil)
	if err != nil {
		return nil, fmt.Errorf("open known peers store: %w", err)
	}
	store.db = db
	if err := store.load(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Close flushes and closes the backing database, if any.
func (kp *KnownPeers) Close() error {
	if kp.db == nil {
		return nil
	}
	err := kp.db.Close()
	kp.db = nil
	return err
}

// Upsert refreshes the record for addr, stamping the last-seen time and,
// when non-zero, the declared nonce.
func (kp *KnownPeers) Upsert(addr PeerAddress, nonce uint64, now time.Time) {
	if addr.IsZero() {
		return
	}
	rec := kp.records[addr]
	if rec == nil {
		rec = &KnownPeerRecord{Addr: addr}
		kp.records[addr] = rec
	}
	rec.LastSeen = now
	if nonce != 0 {
		rec.Nonce = nonce
	}
	kp.persist(rec)
}

// Get returns the record for addr, if present.
func (kp *KnownPeers) Get(addr PeerAddress) (KnownPeerRecord, bool) {
	rec := kp.records[addr]
	if rec == nil {
		return KnownPeerRecord{}, false
	}
	return *rec, true
}

// Remove drops the record for addr.
func (kp *KnownPeers) Remove(addr PeerAddress) {
	if _, ok := kp.records[addr]; !ok {
		return
	}
	delete(kp.records, addr)
	if kp.db != nil {
		_ = kp.db.Delete(kp.key(addr), nil)
	}
}

// Prune ages out records whose residence time has elapsed without a refresh.
func (kp *KnownPeers) Prune(now time.Time) {
	cutoff := now.Add(-kp.residence)
	for addr, rec := range kp.records {
		if rec.LastSeen.Before(cutoff) {
			delete(kp.records, addr)
			if kp.db != nil {
				_ = kp.db.Delete(kp.key(addr), nil)
			}
		}
	}
}

// Snapshot returns copies of all records in unspecified order.
func (kp *KnownPeers) Snapshot() []KnownPeerRecord {
	out := make([]KnownPeerRecord, 0, len(kp.records))
	for _, rec := range kp.records {
		out = append(out, *rec)
	}
	return out
}

// Len returns the number of records.
func (kp *KnownPeers) Len() int {
	return len(kp.records)
}

func (kp *KnownPeers) key(addr PeerAddress) []byte {
	return []byte(knownPeerKeyPrefix + addr.String())
}

func (kp *KnownPeers) persist(rec *KnownPeerRecord) {
	if kp.db == nil {
		return
	}
	blob, err := json.Marshal(rec)
	if err != nil {
		return
	}
	_ = kp.db.Put(kp.key(rec.Addr), blob, nil)
}

func (kp *KnownPeers) load() error {
	iter := kp.db.NewIterator(nil, nil)
	defer iter.Release()
	for iter.Next() {
		key := string(iter.Key())
		if !strings.HasPrefix(key, knownPeerKeyPrefix) {
			continue
		}
		var rec KnownPeerRecord
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			return fmt.Errorf("decode known peer %s: %w", key, err)
		}
		if rec.Addr.IsZero() {
			continue
		}
		cp := rec
		kp.records[rec.Addr] = &cp
	}
	return iter.Error()
}
