package server

import (
	"bytes"
	"io/ioutil"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/chaintimestamp/calendar"
	"github.com/chaintimestamp/calendar/aggregator"
)

func newTestAggregator(cal *calendar.Store) *aggregator.Aggregator {
	tail := func() calendar.Path { return calendar.Path{calendar.AttestPending("https://cal.example.com")} }
	return aggregator.New(20*time.Millisecond, 1000, tail, cal.AddCommitment)
}

// newTestServer assembles a Server directly instead of through Open, so
// no blockchain node is dialed and no Stamper is built; these tests
// never run the Stamper's background loop.
func newTestServer(t *testing.T) *Server {
	t.Helper()
	dir := t.TempDir()
	if err := ioutil.WriteFile(filepath.Join(dir, "uri"), []byte("https://cal.example.com\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := ioutil.WriteFile(filepath.Join(dir, "donation_addr"), []byte("bc1qexampleaddress\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	cal, err := calendar.OpenStore(filepath.Join(dir, "journal"), filepath.Join(dir, "index", "index.db"), 1<<20)
	if err != nil {
		t.Fatalf("opening calendar store: %s", err)
	}
	t.Cleanup(func() { cal.Close() })

	var hmacKey [32]byte
	copy(hmacKey[:], []byte("0123456789abcdef0123456789abcdef"))
	if err := os.WriteFile(filepath.Join(dir, "hmac-key"), hmacKey[:], 0o600); err != nil {
		t.Fatal(err)
	}

	s := &Server{
		cal:          cal,
		uri:          "https://cal.example.com",
		donationAddr: "bc1qexampleaddress",
		hmacKey:      hmacKey,
	}
	s.agg = newTestAggregator(cal)
	return s
}

func TestHandleSubmitAndGet(t *testing.T) {
	s := newTestServer(t)
	defer s.agg.Close()

	d := calendar.Hash([]byte("hello world"))

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/digest", bytes.NewReader(d[:]))
	s.handleSubmit(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("submit: got status %d, body %s", w.Code, w.Body)
	}

	w2 := httptest.NewRecorder()
	req2 := httptest.NewRequest(http.MethodGet, "/timestamp/"+d.String(), nil)
	s.handleGet(w2, req2)
	if w2.Code != http.StatusOK {
		t.Fatalf("get: got status %d, body %s", w2.Code, w2.Body)
	}

	var path calendar.Path
	if err := path.UnmarshalBinary(w2.Body.Bytes()); err != nil {
		t.Fatalf("decoding path: %s", err)
	}
	att, err := path.Apply(d)
	if err != nil {
		t.Fatalf("applying path: %s", err)
	}
	if !att.Pending {
		t.Fatalf("expected a Pending attestation, got %s", att)
	}
}

func TestHandleSubmitBadLength(t *testing.T) {
	s := newTestServer(t)
	defer s.agg.Close()

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/digest", bytes.NewReader([]byte("too short")))
	s.handleSubmit(w, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("got status %d, want 400", w.Code)
	}
}

func TestHandleGetUnknownDigest(t *testing.T) {
	s := newTestServer(t)
	defer s.agg.Close()

	d := calendar.Hash([]byte("never submitted"))
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/timestamp/"+d.String(), nil)
	s.handleGet(w, req)
	if w.Code != http.StatusNotFound {
		t.Fatalf("got status %d, want 404", w.Code)
	}
}

func TestHandleTipBeforeAnyRound(t *testing.T) {
	s := newTestServer(t)
	defer s.agg.Close()

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/tip", nil)
	s.handleTip(w, req)
	if w.Code != http.StatusNoContent {
		t.Fatalf("got status %d, want 204", w.Code)
	}
}

func TestHandleBackupRequiresToken(t *testing.T) {
	s := newTestServer(t)
	defer s.agg.Close()

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/backup/0", nil)
	s.handleBackup(w, req)
	if w.Code != http.StatusForbidden {
		t.Fatalf("got status %d, want 403", w.Code)
	}

	w2 := httptest.NewRecorder()
	req2 := httptest.NewRequest(http.MethodGet, "/backup/0?token="+s.backupToken(0), nil)
	s.handleBackup(w2, req2)
	if w2.Code != http.StatusOK {
		t.Fatalf("got status %d, want 200", w2.Code)
	}
}

func TestHandleRoot(t *testing.T) {
	s := newTestServer(t)
	defer s.agg.Close()

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	s.handleRoot(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("got status %d, want 200", w.Code)
	}
	if !bytes.Contains(w.Body.Bytes(), []byte(s.uri)) {
		t.Fatalf("root response missing uri: %s", w.Body)
	}
}
