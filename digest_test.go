package calendar

import "testing"

func TestDigestHexRoundTrip(t *testing.T) {
	d := Hash([]byte("round trip me"))
	got, err := DigestFromHex(d.String())
	if err != nil {
		t.Fatal(err)
	}
	if got != d {
		t.Fatalf("got %s want %s", got, d)
	}
}

func TestDigestFromHexWrongLength(t *testing.T) {
	if _, err := DigestFromHex("abcd"); err == nil {
		t.Fatal("expected error for short hex")
	}
}

func TestDigestFromBytesWrongLength(t *testing.T) {
	if _, err := DigestFromBytes([]byte{1, 2, 3}); err == nil {
		t.Fatal("expected error for wrong-length bytes")
	}
}

func TestHashConcatOrderSensitive(t *testing.T) {
	a := Hash([]byte("a"))
	b := Hash([]byte("b"))
	if HashConcat(a, b) == HashConcat(b, a) {
		t.Fatal("HashConcat(a, b) should differ from HashConcat(b, a)")
	}
}
