package calendar

import (
	"encoding/binary"
	"fmt"
)

// OpTag distinguishes the three Operation variants (spec §3). The format
// reserves the tag byte's upper half for future hash algorithms (spec
// Open Questions) by never using values above 0x0f here.
type OpTag byte

const (
	OpAppendLeft         OpTag = 0x01 // output = H(prefix ∥ input)
	OpAppendRight        OpTag = 0x02 // output = H(input ∥ suffix)
	OpAttestPending      OpTag = 0x03 // terminal: "enqueued at calendar URI"
	OpAttestBitcoinBlock OpTag = 0x04 // terminal: "appears in the Merkle root of block height"
)

func (t OpTag) isAttest() bool {
	return t == OpAttestPending || t == OpAttestBitcoinBlock
}

// Op is one step of a Path: a tagged variant over the three kinds in
// spec §3. Only the fields relevant to Tag are meaningful.
type Op struct {
	Tag     OpTag
	Sibling Digest // AppendLeft: prefix: AppendRight: suffix
	URI     string // AttestPending
	Height  uint32 // AttestBitcoinBlock
}

// AppendLeft returns the operation output = H(sibling ∥ input).
func AppendLeft(sibling Digest) Op { return Op{Tag: OpAppendLeft, Sibling: sibling} }

// AppendRight returns the operation output = H(input ∥ sibling).
func AppendRight(sibling Digest) Op { return Op{Tag: OpAppendRight, Sibling: sibling} }

// AttestPending returns a provisional terminal attestation at the given
// calendar URI.
func AttestPending(uri string) Op { return Op{Tag: OpAttestPending, URI: uri} }

// AttestBitcoinBlock returns a final terminal attestation at the given
// block height.
func AttestBitcoinBlock(height uint32) Op { return Op{Tag: OpAttestBitcoinBlock, Height: height} }

// apply advances the fold by one step. ok is false only when op is a
// terminal Attest; next is meaningless in that case.
func (op Op) apply(input Digest) (next Digest, ok bool) {
	switch op.Tag {
	case OpAppendLeft:
		return HashConcat(op.Sibling, input), true
	case OpAppendRight:
		return HashConcat(input, op.Sibling), true
	default:
		return Digest{}, false
	}
}

// Attestation is the terminal assertion a Path resolves to.
type Attestation struct {
	Pending bool   // true: Pending(URI); false: BitcoinBlock(Height)
	URI     string
	Height  uint32
}

func (a Attestation) String() string {
	if a.Pending {
		return fmt.Sprintf("pending(%s)", a.URI)
	}
	return fmt.Sprintf("bitcoin-block(%d)", a.Height)
}

// Path is a non-empty ordered sequence of Operations terminating in
// exactly one Attest, which must be last (spec §3 invariant).
type Path []Op

// Validate checks the Path invariant: non-empty, exactly one Attest, and
// it is the final element.
func (p Path) Validate() error {
	if len(p) == 0 {
		return fmt.Errorf("empty path")
	}
	for i, op := range p {
		if op.Tag.isAttest() && i != len(p)-1 {
			return fmt.Errorf("attest operation at position %d of %d, must be last", i, len(p))
		}
	}
	if !p[len(p)-1].Tag.isAttest() {
		return fmt.Errorf("path does not terminate in an attestation")
	}
	return nil
}

// Apply folds the path's operations over input, in order, and returns
// the terminal Attestation. Apply does not itself call Validate; callers
// that build paths internally already guarantee the invariant, and
// Apply will simply fail to reach an Attestation if it's violated.
func (p Path) Apply(input Digest) (Attestation, error) {
	d := input
	for i, op := range p {
		if op.Tag.isAttest() {
			if i != len(p)-1 {
				return Attestation{}, fmt.Errorf("attest operation at position %d of %d, must be last", i, len(p))
			}
			if op.Tag == OpAttestPending {
				return Attestation{Pending: true, URI: op.URI}, nil
			}
			return Attestation{Height: op.Height}, nil
		}
		d, _ = op.apply(d)
	}
	return Attestation{}, fmt.Errorf("path of %d operations never reaches an attestation", len(p))
}

// Concat returns the path formed by applying p then tail to an input
// digest — the read-time stitching of an Aggregator's per-round path to
// the Calendar store's stored outward path (spec §3 invariants, §4.D
// step 5).
func Concat(p, tail Path) Path {
	out := make(Path, 0, len(p)+len(tail))
	out = append(out, p...)
	out = append(out, tail...)
	return out
}

// Encoding of a Path, used for the journal record payload (spec §3
// "journal record"). This is an internal framing format, not the
// external proof serialization spec §1 treats as provided by another
// library: a varint op count, then each op as
// tag(1) + sibling(32, AppendLeft/AppendRight only) + uri-length(varint)+uri(AttestPending only) + height(4, AttestBitcoinBlock only).

// MarshalBinary encodes a Path for storage in a journal record.
func (p Path) MarshalBinary() ([]byte, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	buf := make([]byte, 0, 64)
	var scratch [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(scratch[:], uint64(len(p)))
	buf = append(buf, scratch[:n]...)
	for _, op := range p {
		buf = append(buf, byte(op.Tag))
		switch op.Tag {
		case OpAppendLeft, OpAppendRight:
			buf = append(buf, op.Sibling[:]...)
		case OpAttestPending:
			n = binary.PutUvarint(scratch[:], uint64(len(op.URI)))
			buf = append(buf, scratch[:n]...)
			buf = append(buf, op.URI...)
		case OpAttestBitcoinBlock:
			var h [4]byte
			binary.BigEndian.PutUint32(h[:], op.Height)
			buf = append(buf, h[:]...)
		default:
			return nil, fmt.Errorf("unknown op tag %#x", op.Tag)
		}
	}
	return buf, nil
}

// UnmarshalBinary decodes a Path encoded by MarshalBinary.
func (p *Path) UnmarshalBinary(b []byte) error {
	count, n := binary.Uvarint(b)
	if n <= 0 {
		return fmt.Errorf("decoding path op count")
	}
	b = b[n:]
	out := make(Path, 0, count)
	for i := uint64(0); i < count; i++ {
		if len(b) < 1 {
			return fmt.Errorf("truncated path at op %d", i)
		}
		tag := OpTag(b[0])
		b = b[1:]
		var op Op
		op.Tag = tag
		switch tag {
		case OpAppendLeft, OpAppendRight:
			if len(b) < DigestSize {
				return fmt.Errorf("truncated sibling digest at op %d", i)
			}
			copy(op.Sibling[:], b[:DigestSize])
			b = b[DigestSize:]
		case OpAttestPending:
			ulen, un := binary.Uvarint(b)
			if un <= 0 {
				return fmt.Errorf("decoding uri length at op %d", i)
			}
			b = b[un:]
			if uint64(len(b)) < ulen {
				return fmt.Errorf("truncated uri at op %d", i)
			}
			op.URI = string(b[:ulen])
			b = b[ulen:]
		case OpAttestBitcoinBlock:
			if len(b) < 4 {
				return fmt.Errorf("truncated height at op %d", i)
			}
			op.Height = binary.BigEndian.Uint32(b[:4])
			b = b[4:]
		default:
			return fmt.Errorf("unknown op tag %#x at op %d", tag, i)
		}
		out = append(out, op)
	}
	*p = out
	return nil
}
