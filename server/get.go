package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/chaintimestamp/calendar"
)

// handleGet implements GET /timestamp/{hex_digest} (spec §6 HTTP API).
func (s *Server) handleGet(w http.ResponseWriter, req *http.Request) {
	hex := strings.TrimPrefix(req.URL.Path, "/timestamp/")
	digest, err := calendar.DigestFromHex(hex)
	if err != nil {
		getCounter.WithLabelValues("bad_request").Inc()
		httpErrf(w, http.StatusBadRequest, "parsing digest: %s", err)
		return
	}

	path, err := s.cal.Get(digest)
	if err != nil {
		if errors.Is(err, calendar.ErrNotFound) {
			getCounter.WithLabelValues("not_found").Inc()
			httpErrf(w, http.StatusNotFound, "digest %s not found", digest)
			return
		}
		getCounter.WithLabelValues("error").Inc()
		httpErrf(w, http.StatusInternalServerError, "getting digest %s: %s", digest, err)
		return
	}

	bits, err := path.MarshalBinary()
	if err != nil {
		getCounter.WithLabelValues("error").Inc()
		httpErrf(w, http.StatusInternalServerError, "serializing path: %s", err)
		return
	}
	getCounter.WithLabelValues("ok").Inc()
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Write(bits)
}
