package calendar

import "testing"

func leaves(words ...string) []Digest {
	out := make([]Digest, len(words))
	for i, w := range words {
		out[i] = Hash([]byte(w))
	}
	return out
}

func TestBuildMMRSingleLeaf(t *testing.T) {
	ls := leaves("only")
	top, paths := BuildMMR(ls)
	if len(paths[0]) != 0 {
		t.Fatalf("single leaf should need no append ops, got %d", len(paths[0]))
	}
	if top != ls[0] {
		t.Fatalf("single-leaf top should equal the leaf itself")
	}
}

func TestBuildMMREveryLeafResolvesToTop(t *testing.T) {
	ls := leaves("a", "b", "c", "d", "e")
	top, paths := BuildMMR(ls)
	for i, leaf := range ls {
		if err := VerifyMMRPath(leaf, paths[i], top); err != nil {
			t.Fatalf("leaf %d: %s", i, err)
		}
	}
}

func TestBuildMMRDeterministic(t *testing.T) {
	ls := leaves("x", "y", "z")
	top1, _ := BuildMMR(ls)
	top2, _ := BuildMMR(ls)
	if top1 != top2 {
		t.Fatal("BuildMMR must be deterministic for the same input order")
	}
}

func TestBuildMMROrderSensitive(t *testing.T) {
	top1, _ := BuildMMR(leaves("x", "y"))
	top2, _ := BuildMMR(leaves("y", "x"))
	if top1 == top2 {
		t.Fatal("BuildMMR should be sensitive to leaf order")
	}
}

func TestBuildMMRTwoLeavesIsSingleHashConcat(t *testing.T) {
	ls := leaves("left", "right")
	top, _ := BuildMMR(ls)
	want := HashConcat(ls[0], ls[1])
	if top != want {
		t.Fatalf("got %s want %s", top, want)
	}
}

func TestBuildMMRPanicsOnEmpty(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic for empty leaf set")
		}
	}()
	BuildMMR(nil)
}
