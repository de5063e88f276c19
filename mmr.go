package calendar

import "fmt"

// peakFrame is one peak of the in-progress Merkle mountain range: a
// perfect binary tree of height covering the contiguous leaf range
// [lo, hi).
type peakFrame struct {
	height int
	digest Digest
	lo, hi int
}

// BuildMMR combines an ordered sequence of leaf digests into a single top
// digest by the Merkle mountain range rule of spec §4.D step 1 and §4.E
// step 2 (Stamper uses the identical rule to combine round commitments
// into an anchor's top digest T). It returns, for every leaf, the exact
// sequence of Append-left/Append-right operations that carries that leaf
// up to the returned top digest — deterministic in the leaves' order,
// as required by spec §8's MMR determinism property.
//
// BuildMMR panics if leaves is empty; callers (the Aggregator's round
// closer, the Stamper's anchor builder) are responsible for skipping the
// empty case before calling in (spec §4.D "Empty rounds").
func BuildMMR(leaves []Digest) (top Digest, paths []Path) {
	if len(leaves) == 0 {
		panic("calendar: BuildMMR called with no leaves")
	}

	paths = make([]Path, len(leaves))
	var stack []peakFrame

	for i, leaf := range leaves {
		stack = append(stack, peakFrame{height: 0, digest: leaf, lo: i, hi: i + 1})
		for len(stack) >= 2 && stack[len(stack)-1].height == stack[len(stack)-2].height {
			right := stack[len(stack)-1]
			left := stack[len(stack)-2]
			stack = stack[:len(stack)-2]

			for j := left.lo; j < left.hi; j++ {
				paths[j] = append(paths[j], AppendRight(right.digest))
			}
			for j := right.lo; j < right.hi; j++ {
				paths[j] = append(paths[j], AppendLeft(left.digest))
			}

			stack = append(stack, peakFrame{
				height: left.height + 1,
				digest: HashConcat(left.digest, right.digest),
				lo:     left.lo,
				hi:     right.hi,
			})
		}
	}

	// Bag the remaining peaks left to right into one top digest.
	acc := stack[0]
	for k := 1; k < len(stack); k++ {
		next := stack[k]
		for j := acc.lo; j < acc.hi; j++ {
			paths[j] = append(paths[j], AppendRight(next.digest))
		}
		for j := next.lo; j < next.hi; j++ {
			paths[j] = append(paths[j], AppendLeft(acc.digest))
		}
		acc = peakFrame{digest: HashConcat(acc.digest, next.digest), lo: acc.lo, hi: next.hi}
	}

	return acc.digest, paths
}

// VerifyMMRPath is a convenience wrapper that applies the append
// operations of an MMR path, as returned by BuildMMR, and checks the
// result equals want. The ops must carry no attestation: an attest
// operation anywhere in ops is reported as an error.
func VerifyMMRPath(leaf Digest, ops []Op, want Digest) error {
	d := leaf
	for _, op := range ops {
		if op.Tag.isAttest() {
			return fmt.Errorf("VerifyMMRPath: unexpected attest operation among MMR ops")
		}
		d, _ = op.apply(d)
	}
	if d != want {
		return fmt.Errorf("VerifyMMRPath: got %s want %s", d, want)
	}
	return nil
}
