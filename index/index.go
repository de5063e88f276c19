// Package index implements the calendar server's digest→offset lookup
// table (spec §4.B): an ordered, persistent key-value store keyed by
// 32-byte digest, supporting point lookups and, via bbolt's
// byte-ordered keys, prefix scans for the future prefix-query support
// spec §9 anticipates.
package index

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"

	bolt "go.etcd.io/bbolt"
)

var (
	entriesBucket = []byte("entries")
	metaBucket    = []byte("meta")
	processedKey  = []byte("processed_offset")
)

// Entry is the value half of the digest→offset mapping. Offset
// addresses the journal record that carries the digest's outward path;
// SubIndex is the position within that record's stored Path at which
// the digest's own sub-path begins (spec §3 invariant (b): digests
// reachable from a commitment along its stored outward path are also
// indexed, each to the point in that path where their remaining
// journey starts).
type Entry struct {
	Offset   int64
	SubIndex int
}

// Index is a crash-consistent digest→Entry store backed by bbolt.
// Deletions are never exercised (spec §4.B); Put always either inserts
// a new key or deliberately overwrites an existing one (upgrading a
// commitment's entry to point at its final-attestation record).
type Index struct {
	db *bolt.DB
}

// Open opens (creating if absent) the index database at path.
func Open(path string) (*Index, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating index db directory: %w", err)
		}
	}
	db, err := bolt.Open(path, 0o644, nil)
	if err != nil {
		return nil, fmt.Errorf("opening index db: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(entriesBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(metaBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing index buckets: %w", err)
	}
	return &Index{db: db}, nil
}

// Close closes the underlying database.
func (ix *Index) Close() error { return ix.db.Close() }

func encodeEntry(e Entry) []byte {
	buf := make([]byte, 12)
	binary.BigEndian.PutUint64(buf[:8], uint64(e.Offset))
	binary.BigEndian.PutUint32(buf[8:], uint32(e.SubIndex))
	return buf
}

func decodeEntry(b []byte) (Entry, error) {
	if len(b) != 12 {
		return Entry{}, fmt.Errorf("malformed index entry: %d bytes", len(b))
	}
	return Entry{
		Offset:   int64(binary.BigEndian.Uint64(b[:8])),
		SubIndex: int(binary.BigEndian.Uint32(b[8:])),
	}, nil
}

// Get performs a point lookup (spec §4.B).
func (ix *Index) Get(digest [32]byte) (Entry, bool, error) {
	var (
		e     Entry
		found bool
	)
	err := ix.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(entriesBucket).Get(digest[:])
		if v == nil {
			return nil
		}
		var err error
		e, err = decodeEntry(v)
		found = err == nil
		return err
	})
	return e, found, err
}

// Put inserts or overwrites the entry for digest.
func (ix *Index) Put(digest [32]byte, e Entry) error {
	return ix.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(entriesBucket).Put(digest[:], encodeEntry(e))
	})
}

// PutBatch inserts many entries in one durable transaction. The
// Calendar store indexes a commitment's intermediate digests with
// CommitRecord instead, which also advances the processed-offset
// marker in the same transaction.
func (ix *Index) PutBatch(entries map[[32]byte]Entry) error {
	return ix.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(entriesBucket)
		for d, e := range entries {
			if err := b.Put(d[:], encodeEntry(e)); err != nil {
				return err
			}
		}
		return nil
	})
}

// CommitRecord atomically applies the index entries produced by one
// journal record together with the new processed-offset marker, so a
// crash between the two can never happen (spec §4.B crash-consistency
// rule).
func (ix *Index) CommitRecord(entries map[[32]byte]Entry, processedThrough int64) error {
	return ix.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(entriesBucket)
		for d, e := range entries {
			if err := b.Put(d[:], encodeEntry(e)); err != nil {
				return err
			}
		}
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], uint64(processedThrough))
		return tx.Bucket(metaBucket).Put(processedKey, buf[:])
	})
}

// PrefixScan returns up to limit digests whose bytes begin with prefix,
// in ascending order. bbolt stores keys in byte order, so this is a
// plain cursor seek-and-walk; it exists to satisfy spec §4.B's
// "optionally prefix scans for future prefix-query support" and §9's
// note that the protocol reserves room for prefix queries, even though
// no operation in this spec yet calls it from the HTTP surface.
func (ix *Index) PrefixScan(prefix []byte, limit int) ([][32]byte, error) {
	var out [][32]byte
	err := ix.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(entriesBucket).Cursor()
		for k, _ := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, _ = c.Next() {
			var d [32]byte
			copy(d[:], k)
			out = append(out, d)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
		return nil
	})
	return out, err
}

func hasPrefix(k, prefix []byte) bool {
	if len(k) < len(prefix) {
		return false
	}
	for i := range prefix {
		if k[i] != prefix[i] {
			return false
		}
	}
	return true
}

// ProcessedOffset returns the journal offset up to which this index is
// known to be caught up, or 0 if never set. The Calendar store uses
// this on startup to decide how much of the journal tail to replay
// (spec §4.B crash-consistency option (b)).
func (ix *Index) ProcessedOffset() (int64, error) {
	var off int64
	err := ix.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(metaBucket).Get(processedKey)
		if v == nil {
			return nil
		}
		if len(v) != 8 {
			return fmt.Errorf("malformed processed-offset marker: %d bytes", len(v))
		}
		off = int64(binary.BigEndian.Uint64(v))
		return nil
	})
	return off, err
}

// SetProcessedOffset records that the index has ingested every journal
// record up to (but not including) off.
func (ix *Index) SetProcessedOffset(off int64) error {
	return ix.db.Update(func(tx *bolt.Tx) error {
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], uint64(off))
		return tx.Bucket(metaBucket).Put(processedKey, buf[:])
	})
}
