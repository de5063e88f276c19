// Package journal implements the calendar server's append-only record
// log (spec §4.A): a single writer, many lock-free readers, crash
// recovery by truncation to the last good record boundary, and a
// mandatory per-record checksum.
package journal

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/minio/highwayhash"
)

// recordHeaderLen is len(uint32 length) + len(uint64 checksum).
const recordHeaderLen = 4 + 8

// checksumKey is a fixed 32-byte HighwayHash key. It need not be secret;
// it only needs to be fixed so every reader checksums the same way,
// exactly as estuary-flow fixes its own HighwayHash key for packed-key
// hashing (go/flow/mapping.go).
var checksumKey = [32]byte{
	0x4a, 0x6f, 0x75, 0x72, 0x6e, 0x61, 0x6c, 0x20,
	0x63, 0x68, 0x65, 0x63, 0x6b, 0x73, 0x75, 0x6d,
	0x20, 0x6b, 0x65, 0x79, 0x2c, 0x20, 0x66, 0x69,
	0x78, 0x65, 0x64, 0x2c, 0x20, 0x6e, 0x6f, 0x74,
}

// DefaultMaxSegmentSize is the segment rotation threshold (SPEC_FULL.md
// "Journal segment rotation").
const DefaultMaxSegmentSize = 64 << 20 // 64 MiB

// Journal is an append-only log of length-framed, checksummed records,
// split across one or more segment files under dir. Offsets are global:
// they address a byte position in the logical concatenation of all
// segments in base-offset order.
type Journal struct {
	dir            string
	maxSegmentSize int64

	mu       sync.Mutex // serializes appends; see spec §5 "single writer"
	segments []*segment // sorted by baseOffset, ascending
	cur      *os.File
	curBase  int64
	curSize  int64
}

type segment struct {
	baseOffset int64
	path       string
	size       int64 // size as of last known-good boundary
}

// Open opens or creates the journal rooted at dir, running crash
// recovery (spec §4.A "Recovery on startup") on the last segment file.
// maxSegmentSize <= 0 selects DefaultMaxSegmentSize.
func Open(dir string, maxSegmentSize int64) (*Journal, error) {
	if maxSegmentSize <= 0 {
		maxSegmentSize = DefaultMaxSegmentSize
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating journal dir: %w", err)
	}

	j := &Journal{dir: dir, maxSegmentSize: maxSegmentSize}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading journal dir: %w", err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && filepath.Ext(e.Name()) == ".seg" {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		base, err := baseOffsetFromName(name)
		if err != nil {
			return nil, fmt.Errorf("parsing segment filename %s: %w", name, err)
		}
		path := filepath.Join(dir, name)
		info, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("stating segment %s: %w", name, err)
		}
		j.segments = append(j.segments, &segment{baseOffset: base, path: path, size: info.Size()})
	}

	if len(j.segments) == 0 {
		seg, err := j.createSegment(0)
		if err != nil {
			return nil, err
		}
		j.segments = append(j.segments, seg)
	}

	last := j.segments[len(j.segments)-1]
	goodSize, err := recoverSegment(last.path)
	if err != nil {
		return nil, fmt.Errorf("recovering segment %s: %w", last.path, err)
	}
	if goodSize != last.size {
		if err := os.Truncate(last.path, goodSize); err != nil {
			return nil, fmt.Errorf("truncating segment %s to %d: %w", last.path, goodSize, err)
		}
		last.size = goodSize
	}

	f, err := os.OpenFile(last.path, os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening segment %s for append: %w", last.path, err)
	}
	j.cur = f
	j.curBase = last.baseOffset
	j.curSize = last.size

	return j, nil
}

func baseOffsetFromName(name string) (int64, error) {
	var base int64
	_, err := fmt.Sscanf(name, "%020d.seg", &base)
	return base, err
}

func segmentName(base int64) string {
	return fmt.Sprintf("%020d.seg", base)
}

func (j *Journal) createSegment(base int64) (*segment, error) {
	path := filepath.Join(j.dir, segmentName(base))
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, fmt.Errorf("creating segment %s: %w", path, err)
	}
	f.Close()
	return &segment{baseOffset: base, path: path, size: 0}, nil
}

// recoverSegment scans path from the start, verifying each record's
// framing and checksum, and returns the size of the file up to (and
// including) the last fully-valid record. A trailing partial or
// corrupt record is the crash signature spec §4.A describes and is
// silently dropped by truncation.
func recoverSegment(path string) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	var good int64
	hdr := make([]byte, recordHeaderLen)
	for {
		if _, err := io.ReadFull(f, hdr); err != nil {
			break // EOF or short read: nothing more, or a truncated header
		}
		length := binary.LittleEndian.Uint32(hdr[:4])
		wantSum := binary.LittleEndian.Uint64(hdr[4:12])

		payload := make([]byte, length)
		if _, err := io.ReadFull(f, payload); err != nil {
			break // truncated payload
		}
		if highwayhash.Sum64(payload, checksumKey[:]) != wantSum {
			break // checksum mismatch: corrupt trailing record
		}
		good += int64(recordHeaderLen) + int64(length)
	}
	return good, nil
}

// Append atomically writes a length-framed, checksummed record,
// fsyncs, and returns the record's global starting offset. Concurrent
// Append calls are serialized (spec §4.A, §5).
func (j *Journal) Append(payload []byte) (int64, error) {
	if len(payload) > 0xffffffff {
		return 0, fmt.Errorf("record too large: %d bytes", len(payload))
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	recLen := int64(recordHeaderLen) + int64(len(payload))
	if j.curSize > 0 && j.curSize+recLen > j.maxSegmentSize {
		if err := j.rotate(); err != nil {
			return 0, err
		}
	}

	var hdr [recordHeaderLen]byte
	binary.LittleEndian.PutUint32(hdr[:4], uint32(len(payload)))
	binary.LittleEndian.PutUint64(hdr[4:12], highwayhash.Sum64(payload, checksumKey[:]))

	offset := j.curBase + j.curSize

	if _, err := j.cur.Write(hdr[:]); err != nil {
		return 0, fmt.Errorf("writing record header: %w", err)
	}
	if _, err := j.cur.Write(payload); err != nil {
		return 0, fmt.Errorf("writing record payload: %w", err)
	}
	if err := j.cur.Sync(); err != nil {
		return 0, fmt.Errorf("fsyncing journal: %w", err)
	}

	j.curSize += recLen
	j.segments[len(j.segments)-1].size = j.curSize
	return offset, nil
}

func (j *Journal) rotate() error {
	if err := j.cur.Close(); err != nil {
		return fmt.Errorf("closing segment before rotation: %w", err)
	}
	newBase := j.curBase + j.curSize
	seg, err := j.createSegment(newBase)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(seg.path, os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("opening new segment for append: %w", err)
	}
	j.segments = append(j.segments, seg)
	j.cur = f
	j.curBase = newBase
	j.curSize = 0
	return nil
}

// segmentFor returns the segment covering offset, via binary search
// over segments sorted by baseOffset. It takes j.mu only to snapshot
// the segments slice; since Append holds j.mu across its write and
// fsync, segmentFor waits for an Append in progress to finish.
func (j *Journal) segmentFor(offset int64) (*segment, error) {
	j.mu.Lock()
	segs := j.segments
	j.mu.Unlock()

	i := sort.Search(len(segs), func(i int) bool { return segs[i].baseOffset > offset })
	if i == 0 {
		return nil, fmt.Errorf("offset %d precedes first segment", offset)
	}
	return segs[i-1], nil
}

// Read returns the record written at offset (spec §4.A "read"). It
// reads through its own file handle, only bytes that a prior,
// already-returned Append call guarantees are durable. It is not
// lock-free with respect to Append: the segment lookup briefly takes
// the journal mutex, so a Read issued during an Append waits until
// that Append has written and fsynced its record.
func (j *Journal) Read(offset int64) ([]byte, error) {
	seg, err := j.segmentFor(offset)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(seg.path)
	if err != nil {
		return nil, fmt.Errorf("opening segment %s: %w", seg.path, err)
	}
	defer f.Close()

	local := offset - seg.baseOffset
	if _, err := f.Seek(local, io.SeekStart); err != nil {
		return nil, fmt.Errorf("seeking to offset %d: %w", offset, err)
	}

	hdr := make([]byte, recordHeaderLen)
	if _, err := io.ReadFull(f, hdr); err != nil {
		return nil, fmt.Errorf("reading record header at offset %d: %w", offset, err)
	}
	length := binary.LittleEndian.Uint32(hdr[:4])
	wantSum := binary.LittleEndian.Uint64(hdr[4:12])

	payload := make([]byte, length)
	if _, err := io.ReadFull(f, payload); err != nil {
		return nil, fmt.Errorf("reading record payload at offset %d: %w", offset, err)
	}
	if highwayhash.Sum64(payload, checksumKey[:]) != wantSum {
		return nil, fmt.Errorf("checksum mismatch at offset %d", offset)
	}
	return payload, nil
}

// End returns the current logical end of the journal (the offset the
// next Append would return), used by the backup feed (spec §4.F) to
// report "up to current end".
func (j *Journal) End() int64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.curBase + j.curSize
}

// Close closes the journal's current segment file.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.cur.Close()
}

// WriteRecordsTo streams every record from offset from to the
// journal's current end to w, each re-framed with the same
// length+checksum header Append wrote it with (spec §4.F: "content is
// exactly the concatenation of journal records"). A consumer appends
// the bytes it receives directly onto the tail of its own copy of the
// journal. It returns the new end offset reached.
func (j *Journal) WriteRecordsTo(w io.Writer, from int64) (int64, error) {
	it := j.Iter(from)
	for {
		rec, ok, err := it.Next()
		if err != nil {
			return it.Offset(), err
		}
		if !ok {
			return it.Offset(), nil
		}
		var hdr [recordHeaderLen]byte
		binary.LittleEndian.PutUint32(hdr[:4], uint32(len(rec.Payload)))
		binary.LittleEndian.PutUint64(hdr[4:12], highwayhash.Sum64(rec.Payload, checksumKey[:]))
		if _, err := w.Write(hdr[:]); err != nil {
			return it.Offset(), fmt.Errorf("writing backup record header: %w", err)
		}
		if _, err := w.Write(rec.Payload); err != nil {
			return it.Offset(), fmt.Errorf("writing backup record payload: %w", err)
		}
	}
}

// Record pairs a payload with the offset it was read from, as yielded
// by an Iterator.
type Record struct {
	Offset  int64
	Payload []byte
}

// Iterator yields journal records in file order starting at a given
// offset. It is lazy and restartable (spec §4.A "iter"): each call to
// Next reads exactly one record and advances; an Iterator may be
// abandoned and a fresh one opened at the last-seen offset to resume.
type Iterator struct {
	j      *Journal
	offset int64
	end    int64 // snapshot of End() at iterator creation; re-taken on Refresh
}

// Iter returns an Iterator starting at from. It does not block and
// makes no guarantee about observing records appended after it was
// created (spec §4.A).
func (j *Journal) Iter(from int64) *Iterator {
	return &Iterator{j: j, offset: from, end: j.End()}
}

// Next returns the next record, or ok=false if the iterator has
// reached the snapshot end taken at Iter (or Refresh) time.
func (it *Iterator) Next() (rec Record, ok bool, err error) {
	if it.offset >= it.end {
		return Record{}, false, nil
	}
	payload, err := it.j.Read(it.offset)
	if err != nil {
		return Record{}, false, err
	}
	rec = Record{Offset: it.offset, Payload: payload}
	it.offset += int64(recordHeaderLen) + int64(len(payload))
	return rec, true, nil
}

// Refresh extends the iterator's horizon to the journal's current end,
// letting a long-lived consumer keep pulling records as the writer
// appends more.
func (it *Iterator) Refresh() {
	it.end = it.j.End()
}

// Offset reports the iterator's current position.
func (it *Iterator) Offset() int64 { return it.offset }
