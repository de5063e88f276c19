package server

import (
	"errors"
	"io"
	"net/http"

	"github.com/chaintimestamp/calendar"
)

// handleSubmit implements POST /digest (spec §6 HTTP API).
func (s *Server) handleSubmit(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		submitCounter.WithLabelValues("bad_method").Inc()
		httpErrf(w, http.StatusMethodNotAllowed, "method %s not allowed", req.Method)
		return
	}

	body, err := io.ReadAll(io.LimitReader(req.Body, calendar.DigestSize+1))
	if err != nil {
		submitCounter.WithLabelValues("bad_request").Inc()
		httpErrf(w, http.StatusBadRequest, "reading request body: %s", err)
		return
	}
	digest, err := calendar.DigestFromBytes(body)
	if err != nil {
		submitCounter.WithLabelValues("bad_request").Inc()
		httpErrf(w, http.StatusBadRequest, "parsing digest: %s", err)
		return
	}

	path, err := s.agg.Submit(digest)
	if err != nil {
		if errors.Is(err, calendar.ErrOverloaded) {
			submitCounter.WithLabelValues("overloaded").Inc()
			httpErrf(w, http.StatusServiceUnavailable, "aggregator overloaded, try again next round")
			return
		}
		submitCounter.WithLabelValues("error").Inc()
		httpErrf(w, http.StatusInternalServerError, "submitting digest: %s", err)
		return
	}

	bits, err := path.MarshalBinary()
	if err != nil {
		submitCounter.WithLabelValues("error").Inc()
		httpErrf(w, http.StatusInternalServerError, "serializing path: %s", err)
		return
	}
	submitCounter.WithLabelValues("ok").Inc()
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Write(bits)
}
