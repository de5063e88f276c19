package server

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
)

// backupToken derives the access token for a given start_offset from
// the server's hmac-key (spec §4.F "a short HMAC-derived token gates
// access"). A client that knows the shared key can compute it itself
// out-of-band; this is not a capability token handed out by the
// server, only a shared-secret check.
func (s *Server) backupToken(startOffset int64) string {
	mac := hmac.New(sha256.New, s.hmacKey[:])
	mac.Write([]byte(strconv.FormatInt(startOffset, 10)))
	return hex.EncodeToString(mac.Sum(nil))[:16]
}

// handleBackup implements GET /backup/{start_offset} (spec §6 HTTP
// API, spec §4.F Backup Feed).
func (s *Server) handleBackup(w http.ResponseWriter, req *http.Request) {
	offsetStr := strings.TrimPrefix(req.URL.Path, "/backup/")
	startOffset, err := strconv.ParseInt(offsetStr, 10, 64)
	if err != nil || startOffset < 0 {
		httpErrf(w, http.StatusBadRequest, "parsing start_offset: %s", offsetStr)
		return
	}

	want := s.backupToken(startOffset)
	got := req.URL.Query().Get("token")
	if subtle.ConstantTimeCompare([]byte(got), []byte(want)) != 1 {
		httpErrf(w, http.StatusForbidden, "invalid or missing backup token")
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	cw := &countingWriter{w: w}
	_, err = s.cal.Journal().WriteRecordsTo(cw, startOffset)
	backupBytesCounter.Add(float64(cw.n))
	if err != nil {
		log.Printf("server: backup stream from offset %d failed partway: %s", startOffset, err)
	}
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
