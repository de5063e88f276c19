package calendar

import (
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T, dir string) *Store {
	t.Helper()
	s, err := OpenStore(filepath.Join(dir, "journal"), filepath.Join(dir, "index", "index.db"), 1<<20)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestAddCommitmentThenGet(t *testing.T) {
	dir := t.TempDir()
	s := openTestStore(t, dir)
	defer s.Close()

	c := Hash([]byte("commitment"))
	path := Path{AttestPending("https://cal.example.com")}
	if err := s.AddCommitment(c, path); err != nil {
		t.Fatal(err)
	}

	got, err := s.Get(c)
	if err != nil {
		t.Fatal(err)
	}
	att, err := got.Apply(c)
	if err != nil {
		t.Fatal(err)
	}
	if !att.Pending {
		t.Fatalf("expected pending attestation, got %s", att)
	}
}

func TestGetUnknownDigest(t *testing.T) {
	dir := t.TempDir()
	s := openTestStore(t, dir)
	defer s.Close()

	if _, err := s.Get(Hash([]byte("never added"))); err != ErrNotFound {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}

func TestUpgradeCommitmentResolvesToFinalAttestation(t *testing.T) {
	dir := t.TempDir()
	s := openTestStore(t, dir)
	defer s.Close()

	c := Hash([]byte("commitment"))
	if err := s.AddCommitment(c, Path{AttestPending("https://cal.example.com")}); err != nil {
		t.Fatal(err)
	}

	full := Path{AppendLeft(Hash([]byte("sibling"))), AttestBitcoinBlock(800000)}
	if err := s.UpgradeCommitment(c, full); err != nil {
		t.Fatal(err)
	}

	got, err := s.Get(c)
	if err != nil {
		t.Fatal(err)
	}
	att, err := got.Apply(c)
	if err != nil {
		t.Fatal(err)
	}
	if att.Pending || att.Height != 800000 {
		t.Fatalf("got %s", att)
	}
}

func TestUpgradeCommitmentIdempotentUnderExactReExecution(t *testing.T) {
	dir := t.TempDir()
	s := openTestStore(t, dir)
	defer s.Close()

	c := Hash([]byte("commitment"))
	if err := s.AddCommitment(c, Path{AttestPending("https://cal.example.com")}); err != nil {
		t.Fatal(err)
	}
	full := Path{AttestBitcoinBlock(800000)}
	if err := s.UpgradeCommitment(c, full); err != nil {
		t.Fatal(err)
	}
	if err := s.UpgradeCommitment(c, full); err != nil {
		t.Fatalf("re-execution should be a no-op, got %s", err)
	}
}

func TestUpgradeCommitmentConflictIsFatal(t *testing.T) {
	dir := t.TempDir()
	s := openTestStore(t, dir)
	defer s.Close()

	c := Hash([]byte("commitment"))
	if err := s.AddCommitment(c, Path{AttestPending("https://cal.example.com")}); err != nil {
		t.Fatal(err)
	}
	if err := s.UpgradeCommitment(c, Path{AttestBitcoinBlock(800000)}); err != nil {
		t.Fatal(err)
	}
	err := s.UpgradeCommitment(c, Path{AttestBitcoinBlock(800001)})
	if err == nil {
		t.Fatal("expected error for conflicting upgrade")
	}
	if _, ok := err.(*FatalError); !ok {
		t.Fatalf("expected *FatalError, got %T: %s", err, err)
	}
}

func TestUpgradeUnknownCommitmentIsFatal(t *testing.T) {
	dir := t.TempDir()
	s := openTestStore(t, dir)
	defer s.Close()

	err := s.UpgradeCommitment(Hash([]byte("never added")), Path{AttestBitcoinBlock(1)})
	if _, ok := err.(*FatalError); !ok {
		t.Fatalf("expected *FatalError, got %T: %s", err, err)
	}
}

func TestStoreSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	s := openTestStore(t, dir)

	c := Hash([]byte("commitment"))
	if err := s.AddCommitment(c, Path{AttestPending("https://cal.example.com")}); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	reopened := openTestStore(t, dir)
	defer reopened.Close()
	if _, err := reopened.Get(c); err != nil {
		t.Fatalf("digest acknowledged before the crash must resolve after restart: %s", err)
	}
}

func TestTipReflectsMostRecentCommitment(t *testing.T) {
	dir := t.TempDir()
	s := openTestStore(t, dir)
	defer s.Close()

	if _, _, found := s.Tip(); found {
		t.Fatal("expected no tip before any commitment is added")
	}

	c := Hash([]byte("commitment"))
	if err := s.AddCommitment(c, Path{AttestPending("https://cal.example.com")}); err != nil {
		t.Fatal(err)
	}

	gotDigest, _, found := s.Tip()
	if !found || gotDigest != c {
		t.Fatalf("got digest %s found %v, want %s true", gotDigest, found, c)
	}
}
