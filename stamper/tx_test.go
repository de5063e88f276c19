package stamper

import (
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/chaintimestamp/calendar"
)

func txid(b byte) chainhash.Hash {
	var h chainhash.Hash
	h[0] = b
	return h
}

func applyAppendOps(path calendar.Path, d calendar.Digest) calendar.Digest {
	for _, op := range path {
		if op.Tag == calendar.OpAppendLeft {
			d = calendar.HashConcat(op.Sibling, d)
		} else {
			d = calendar.HashConcat(d, op.Sibling)
		}
	}
	return d
}

func TestBitcoinMerklePathTwoTx(t *testing.T) {
	txids := []chainhash.Hash{txid(0x01), txid(0x02)}
	path, err := bitcoinMerklePath(txids, 0)
	if err != nil {
		t.Fatal(err)
	}
	got := applyAppendOps(path, calendar.Digest(txids[0]))
	want := calendar.HashConcat(calendar.Digest(txids[0]), calendar.Digest(txids[1]))
	if got != want {
		t.Fatalf("got %s want %s", got, want)
	}
}

func TestBitcoinMerklePathOddCount(t *testing.T) {
	txids := []chainhash.Hash{txid(0x01), txid(0x02), txid(0x03)}
	// The odd level duplicates the last element: pairs are (1,2) and (3,3).
	for i := range txids {
		path, err := bitcoinMerklePath(txids, i)
		if err != nil {
			t.Fatal(err)
		}
		got := applyAppendOps(path, calendar.Digest(txids[i]))

		d1 := calendar.Digest(txids[0])
		d2 := calendar.Digest(txids[1])
		d3 := calendar.Digest(txids[2])
		left := calendar.HashConcat(d1, d2)
		right := calendar.HashConcat(d3, d3)
		want := calendar.HashConcat(left, right)

		if got != want {
			t.Fatalf("leaf %d: got %s want %s", i, got, want)
		}
	}
}

func TestBitcoinMerklePathOutOfRange(t *testing.T) {
	txids := []chainhash.Hash{txid(0x01)}
	if _, err := bitcoinMerklePath(txids, 5); err == nil {
		t.Fatal("expected error for out-of-range index")
	}
}
