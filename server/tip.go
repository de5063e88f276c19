package server

import "net/http"

// handleTip implements GET /tip (spec §6 HTTP API): the latest
// commitment and its Pending attestation.
func (s *Server) handleTip(w http.ResponseWriter, req *http.Request) {
	digest, path, found := s.cal.Tip()
	if !found {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	bits, err := path.MarshalBinary()
	if err != nil {
		httpErrf(w, http.StatusInternalServerError, "serializing tip path: %s", err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("X-Commitment", digest.String())
	w.Write(bits)
}
