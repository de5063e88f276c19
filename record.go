package calendar

import (
	"bytes"
	"fmt"
	"log"
	"sync"

	"github.com/bobg/multichan"

	"github.com/chaintimestamp/calendar/index"
	"github.com/chaintimestamp/calendar/journal"
)

// Store is the calendar store of spec §4.C: a thin composition of a
// Journal and an Index that exposes add_commitment, upgrade_commitment,
// and get. It is the only place that writes journal records or index
// entries; the Aggregator's round closer and the Stamper's finalizer
// both reach it only through these exported methods, so the
// append-then-index-then-notify ordering is never bypassed.
type Store struct {
	mu sync.Mutex // serializes add/upgrade against each other and against the startup replay

	j  *journal.Journal
	ix *index.Index

	// w fans out the offset of every newly durable record. The
	// stamper's "a new commitment exists" waiter reads from it,
	// generalizing the teacher's multichan of new blocks; the backup
	// feed streams from the journal directly.
	w *multichan.W

	// tip holds the most recently added commitment and its path, for
	// GET /tip (spec §6). Only AddCommitment ever sets it; an upgrade
	// leaves the tip's reported path as it was when last added.
	hasTip    bool
	tipDigest Digest
	tipPath   Path
}

// OpenStore opens the journal and index under journalDir and
// indexPath, replaying any journal tail the index hasn't ingested yet
// (spec §4.B crash-consistency option (b)).
func OpenStore(journalDir, indexPath string, maxSegmentSize int64) (*Store, error) {
	j, err := journal.Open(journalDir, maxSegmentSize)
	if err != nil {
		return nil, fmt.Errorf("opening journal: %w", err)
	}
	ix, err := index.Open(indexPath)
	if err != nil {
		j.Close()
		return nil, fmt.Errorf("opening index: %w", err)
	}

	s := &Store{j: j, ix: ix, w: multichan.New(int64(0))}
	if err := s.catchUp(); err != nil {
		return nil, err
	}
	return s, nil
}

// catchUp replays journal records the index has not yet ingested. This
// is the only path by which an index entry can lag its journal record;
// once it returns, the index's processed-offset marker equals the
// journal's end.
func (s *Store) catchUp() error {
	processed, err := s.ix.ProcessedOffset()
	if err != nil {
		return fmt.Errorf("reading index processed-offset marker: %w", err)
	}
	end := s.j.End()
	if processed >= end {
		return nil
	}

	log.Printf("calendar: replaying journal from offset %d to %d to catch up the index", processed, end)
	it := s.j.Iter(processed)
	for {
		rec, ok, err := it.Next()
		if err != nil {
			return fmt.Errorf("replaying journal during startup: %w", err)
		}
		if !ok {
			break
		}
		start, path, err := decodeRecord(rec.Payload)
		if err != nil {
			return fmt.Errorf("decoding journal record at offset %d during replay: %w", rec.Offset, err)
		}
		entries := indexEntriesFor(start, path, rec.Offset)
		if err := s.ix.CommitRecord(entries, it.Offset()); err != nil {
			return fmt.Errorf("reindexing record at offset %d: %w", rec.Offset, err)
		}
	}
	return nil
}

func encodeRecord(start Digest, path Path) ([]byte, error) {
	pb, err := path.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("encoding path: %w", err)
	}
	buf := make([]byte, DigestSize+len(pb))
	copy(buf, start[:])
	copy(buf[DigestSize:], pb)
	return buf, nil
}

func decodeRecord(b []byte) (Digest, Path, error) {
	if len(b) < DigestSize {
		return Digest{}, nil, fmt.Errorf("record too short: %d bytes", len(b))
	}
	start, err := DigestFromBytes(b[:DigestSize])
	if err != nil {
		return Digest{}, nil, err
	}
	var p Path
	if err := p.UnmarshalBinary(b[DigestSize:]); err != nil {
		return Digest{}, nil, fmt.Errorf("decoding record path: %w", err)
	}
	return start, p, nil
}

// indexEntriesFor computes the digest→Entry mapping spec §3's invariant
// requires for one journal record: the start digest itself, plus every
// intermediate digest reached by partially applying path's
// non-terminal operations.
func indexEntriesFor(start Digest, path Path, offset int64) map[[32]byte]index.Entry {
	entries := map[[32]byte]index.Entry{
		[32]byte(start): {Offset: offset, SubIndex: 0},
	}
	d := start
	for i, op := range path {
		if op.Tag.isAttest() {
			break
		}
		d, _ = op.apply(d)
		entries[[32]byte(d)] = index.Entry{Offset: offset, SubIndex: i + 1}
	}
	return entries
}

// AddCommitment appends the initial journal record for a newly closed
// round's commitment and indexes it (spec §4.C add_commitment). path
// must terminate in a Pending attestation.
func (s *Store) AddCommitment(commitment Digest, path Path) error {
	if err := path.Validate(); err != nil {
		return fmt.Errorf("add_commitment: %w", err)
	}
	last := path[len(path)-1]
	if last.Tag != OpAttestPending {
		return fmt.Errorf("add_commitment: path must terminate in a Pending attestation, got tag %#x", last.Tag)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	payload, err := encodeRecord(commitment, path)
	if err != nil {
		return err
	}
	offset, err := s.j.Append(payload)
	if err != nil {
		return fmt.Errorf("add_commitment: appending journal record: %w", err)
	}
	entries := indexEntriesFor(commitment, path, offset)
	if err := s.ix.CommitRecord(entries, s.j.End()); err != nil {
		return fatalf("add_commitment: indexing commitment %s: %v", commitment, err)
	}
	s.hasTip = true
	s.tipDigest = commitment
	s.tipPath = path
	s.w.Write(offset)
	return nil
}

// Tip returns the most recently added round commitment and its path
// (spec §6 GET /tip). found is false if no round has closed yet.
func (s *Store) Tip() (digest Digest, path Path, found bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tipDigest, s.tipPath, s.hasTip
}

// UpgradeCommitment appends a second journal record attaching a final
// BitcoinBlock attestation to an already-committed digest (spec §4.C
// upgrade_commitment). It is idempotent under exact re-execution and
// fails loudly (a *FatalError) on a conflicting upgrade.
func (s *Store) UpgradeCommitment(commitment Digest, extendedPath Path) error {
	if err := extendedPath.Validate(); err != nil {
		return fmt.Errorf("upgrade_commitment: %w", err)
	}
	last := extendedPath[len(extendedPath)-1]
	if last.Tag != OpAttestBitcoinBlock {
		return fmt.Errorf("upgrade_commitment: path must terminate in a BitcoinBlock attestation, got tag %#x", last.Tag)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, found, err := s.ix.Get([32]byte(commitment))
	if err != nil {
		return fmt.Errorf("upgrade_commitment: %w", err)
	}
	if !found {
		return fatalf("upgrade_commitment: commitment %s is not a known commitment", commitment)
	}

	existingPayload, err := s.j.Read(existing.Offset)
	if err != nil {
		return fatalf("upgrade_commitment: reading existing record for %s: %v", commitment, err)
	}
	_, existingPath, err := decodeRecord(existingPayload)
	if err != nil {
		return fatalf("upgrade_commitment: decoding existing record for %s: %v", commitment, err)
	}
	if existingLast := existingPath[len(existingPath)-1]; existingLast.Tag == OpAttestBitcoinBlock {
		newBytes, err := extendedPath.MarshalBinary()
		if err != nil {
			return err
		}
		oldBytes, err := existingPath.MarshalBinary()
		if err != nil {
			return err
		}
		if bytes.Equal(newBytes, oldBytes) {
			return nil // exact re-execution: no-op
		}
		return fatalf("upgrade_commitment: conflicting upgrade for %s: already attested at block %d, new attempt at block %d",
			commitment, existingLast.Height, last.Height)
	}

	payload, err := encodeRecord(commitment, extendedPath)
	if err != nil {
		return err
	}
	offset, err := s.j.Append(payload)
	if err != nil {
		return fmt.Errorf("upgrade_commitment: appending journal record: %w", err)
	}
	entries := indexEntriesFor(commitment, extendedPath, offset)
	if err := s.ix.CommitRecord(entries, s.j.End()); err != nil {
		return fatalf("upgrade_commitment: indexing commitment %s: %v", commitment, err)
	}
	s.w.Write(offset)
	return nil
}

// Get returns the currently best known outward path from digest to its
// attestation (spec §4.C get). It returns ErrNotFound if digest is
// neither a stored commitment nor an intermediate digest on a stored
// path. A submitted client digest is itself indexed only when it is its
// round's commitment, that is, in a single-submission round.
func (s *Store) Get(digest Digest) (Path, error) {
	entry, found, err := s.ix.Get([32]byte(digest))
	if err != nil {
		return nil, fmt.Errorf("get: %w", err)
	}
	if !found {
		return nil, ErrNotFound
	}
	payload, err := s.j.Read(entry.Offset)
	if err != nil {
		return nil, fatalf("get: reading record for %s at offset %d: %v", digest, entry.Offset, err)
	}
	_, path, err := decodeRecord(payload)
	if err != nil {
		return nil, fatalf("get: decoding record for %s: %v", digest, err)
	}
	if entry.SubIndex > len(path) {
		return nil, fatalf("get: index entry for %s points past its record's path", digest)
	}
	return path[entry.SubIndex:], nil
}

// NewReader returns a reader over the store's new-commitment-offset
// feed. The stamper uses it to wait for the next commitment without
// polling.
func (s *Store) NewReader() *multichan.R { return s.w.Reader() }

// Journal exposes the underlying journal for the backup feed (spec
// §4.F), which streams raw records rather than decoded ones.
func (s *Store) Journal() *journal.Journal { return s.j }

// Close closes the journal and index.
func (s *Store) Close() error {
	if err := s.j.Close(); err != nil {
		return err
	}
	return s.ix.Close()
}
