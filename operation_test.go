package calendar

import "testing"

func TestPathApplyPending(t *testing.T) {
	leaf := Hash([]byte("leaf"))
	sibling := Hash([]byte("sibling"))
	path := Path{AppendRight(sibling), AttestPending("https://cal.example.com")}

	att, err := path.Apply(leaf)
	if err != nil {
		t.Fatal(err)
	}
	if !att.Pending || att.URI != "https://cal.example.com" {
		t.Fatalf("got %s", att)
	}
}

func TestPathApplyBitcoinBlock(t *testing.T) {
	leaf := Hash([]byte("leaf"))
	path := Path{AppendLeft(Hash([]byte("prefix"))), AttestBitcoinBlock(800000)}

	att, err := path.Apply(leaf)
	if err != nil {
		t.Fatal(err)
	}
	if att.Pending || att.Height != 800000 {
		t.Fatalf("got %s", att)
	}
}

func TestPathValidateRejectsEmpty(t *testing.T) {
	if err := (Path{}).Validate(); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestPathValidateRejectsMissingAttest(t *testing.T) {
	p := Path{AppendLeft(Hash([]byte("x")))}
	if err := p.Validate(); err == nil {
		t.Fatal("expected error for path with no attestation")
	}
}

func TestPathValidateRejectsAttestNotLast(t *testing.T) {
	p := Path{AttestPending("uri"), AppendLeft(Hash([]byte("x")))}
	if err := p.Validate(); err == nil {
		t.Fatal("expected error for attest not in final position")
	}
}

func TestPathMarshalUnmarshalRoundTrip(t *testing.T) {
	orig := Path{
		AppendLeft(Hash([]byte("left"))),
		AppendRight(Hash([]byte("right"))),
		AttestBitcoinBlock(12345),
	}
	bits, err := orig.MarshalBinary()
	if err != nil {
		t.Fatal(err)
	}
	var got Path
	if err := got.UnmarshalBinary(bits); err != nil {
		t.Fatal(err)
	}
	if len(got) != len(orig) {
		t.Fatalf("got %d ops, want %d", len(got), len(orig))
	}
	for i := range orig {
		if got[i] != orig[i] {
			t.Fatalf("op %d: got %+v want %+v", i, got[i], orig[i])
		}
	}
}

func TestPathMarshalUnmarshalPendingURI(t *testing.T) {
	orig := Path{AttestPending("https://cal.example.com/v1")}
	bits, err := orig.MarshalBinary()
	if err != nil {
		t.Fatal(err)
	}
	var got Path
	if err := got.UnmarshalBinary(bits); err != nil {
		t.Fatal(err)
	}
	if got[0].URI != orig[0].URI {
		t.Fatalf("got %q want %q", got[0].URI, orig[0].URI)
	}
}

func TestConcat(t *testing.T) {
	p := Path{AppendLeft(Hash([]byte("a")))}
	tail := Path{AttestPending("uri")}
	full := Concat(p, tail)
	if len(full) != 2 {
		t.Fatalf("got %d ops, want 2", len(full))
	}
	leaf := Hash([]byte("leaf"))
	att, err := full.Apply(leaf)
	if err != nil {
		t.Fatal(err)
	}
	if !att.Pending {
		t.Fatal("expected pending attestation")
	}
}
