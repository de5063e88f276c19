package index

import (
	"path/filepath"
	"testing"
)

func openTest(t *testing.T) *Index {
	t.Helper()
	ix, err := Open(filepath.Join(t.TempDir(), "index.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ix.Close() })
	return ix
}

func TestPutGet(t *testing.T) {
	ix := openTest(t)

	var d [32]byte
	d[0] = 0xaa
	want := Entry{Offset: 1234, SubIndex: 2}
	if err := ix.Put(d, want); err != nil {
		t.Fatal(err)
	}

	got, found, err := ix.Get(d)
	if err != nil {
		t.Fatal(err)
	}
	if !found {
		t.Fatal("expected entry to be found")
	}
	if got != want {
		t.Fatalf("got %+v want %+v", got, want)
	}
}

func TestGetMissing(t *testing.T) {
	ix := openTest(t)
	var d [32]byte
	_, found, err := ix.Get(d)
	if err != nil {
		t.Fatal(err)
	}
	if found {
		t.Fatal("expected entry to be absent")
	}
}

func TestProcessedOffsetDefault(t *testing.T) {
	ix := openTest(t)
	off, err := ix.ProcessedOffset()
	if err != nil {
		t.Fatal(err)
	}
	if off != 0 {
		t.Fatalf("got %d want 0", off)
	}
}

func TestCommitRecordAtomicity(t *testing.T) {
	ix := openTest(t)

	var d1, d2 [32]byte
	d1[0], d2[0] = 1, 2
	err := ix.CommitRecord(map[[32]byte]Entry{
		d1: {Offset: 10},
		d2: {Offset: 10, SubIndex: 1},
	}, 50)
	if err != nil {
		t.Fatal(err)
	}

	off, err := ix.ProcessedOffset()
	if err != nil {
		t.Fatal(err)
	}
	if off != 50 {
		t.Fatalf("got %d want 50", off)
	}
	if _, found, _ := ix.Get(d1); !found {
		t.Fatal("d1 should be indexed")
	}
	if _, found, _ := ix.Get(d2); !found {
		t.Fatal("d2 should be indexed")
	}
}

func TestPrefixScan(t *testing.T) {
	ix := openTest(t)

	var d1, d2, d3 [32]byte
	d1[0], d1[1] = 0xaa, 0x01
	d2[0], d2[1] = 0xaa, 0x02
	d3[0], d3[1] = 0xbb, 0x01
	for _, d := range [][32]byte{d1, d2, d3} {
		if err := ix.Put(d, Entry{Offset: 1}); err != nil {
			t.Fatal(err)
		}
	}

	got, err := ix.PrefixScan([]byte{0xaa}, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d matches, want 2", len(got))
	}
}
