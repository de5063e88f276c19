package aggregator

import (
	"sync"
	"testing"
	"time"

	"github.com/chaintimestamp/calendar"
)

func pendingTail() calendar.Path {
	return calendar.Path{calendar.AttestPending("file:///tmp/cal")}
}

func mustDigest(b byte) calendar.Digest {
	var d calendar.Digest
	d[0] = b
	return d
}

func TestSingleSubmissionRound(t *testing.T) {
	var added []calendar.Digest
	a := New(20*time.Millisecond, 10, pendingTail, func(c calendar.Digest, p calendar.Path) error {
		added = append(added, c)
		return nil
	})

	d := mustDigest(0x11)
	path, err := a.Submit(d)
	if err != nil {
		t.Fatal(err)
	}
	if len(path) != 1 || path[0].Tag != calendar.OpAttestPending {
		t.Fatalf("expected a lone Pending attestation for a single-digest round, got %+v", path)
	}
	if len(added) != 1 || added[0] != d {
		t.Fatalf("expected add_commitment called once with %s, got %v", d, added)
	}
}

func TestTwoSubmissionsSameRound(t *testing.T) {
	a := New(30*time.Millisecond, 10, pendingTail, func(c calendar.Digest, p calendar.Path) error { return nil })

	da := mustDigest(0xaa)
	db := mustDigest(0xbb)

	var wg sync.WaitGroup
	var pathA, pathB calendar.Path
	var errA, errB error
	wg.Add(2)
	go func() { defer wg.Done(); pathA, errA = a.Submit(da) }()
	time.Sleep(10 * time.Millisecond) // let aa take the first leaf before bb is submitted
	go func() { defer wg.Done(); pathB, errB = a.Submit(db) }()
	wg.Wait()

	if errA != nil || errB != nil {
		t.Fatalf("errA=%v errB=%v", errA, errB)
	}

	// Both paths must fold (via their append operations only) to the
	// same commitment.
	ca := applyAppendOps(pathA, da)
	cb := applyAppendOps(pathB, db)
	if ca != cb {
		t.Fatalf("expected both submitters to reach the same commitment, got %s and %s", ca, cb)
	}
	if ca != calendar.HashConcat(da, db) {
		t.Fatalf("expected commitment H(aa||bb)=%s, got %s", calendar.HashConcat(da, db), ca)
	}
}

func applyAppendOps(path calendar.Path, d calendar.Digest) calendar.Digest {
	for _, op := range path {
		switch op.Tag {
		case calendar.OpAppendLeft:
			d = calendar.HashConcat(op.Sibling, d)
		case calendar.OpAppendRight:
			d = calendar.HashConcat(d, op.Sibling)
		default:
			return d
		}
	}
	return d
}

func TestEmptyRoundProducesNoCommitment(t *testing.T) {
	called := false
	a := New(20*time.Millisecond, 10, pendingTail, func(c calendar.Digest, p calendar.Path) error {
		called = true
		return nil
	})
	time.Sleep(60 * time.Millisecond)
	a.Close()
	if called {
		t.Fatal("add_commitment should not be called for an empty round")
	}
}

func TestBackPressure(t *testing.T) {
	a := New(time.Hour, 1, pendingTail, func(c calendar.Digest, p calendar.Path) error { return nil })

	go a.Submit(mustDigest(0x01))
	time.Sleep(10 * time.Millisecond) // let the first submission claim the only slot

	_, err := a.Submit(mustDigest(0x02))
	if err != calendar.ErrOverloaded {
		t.Fatalf("expected ErrOverloaded, got %v", err)
	}
	a.Close()
}
