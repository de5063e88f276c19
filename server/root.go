package server

import (
	"fmt"
	"net/http"
)

// handleRoot implements GET / (spec §6 HTTP API): server identity,
// URI, donation address, and basic stats.
func (s *Server) handleRoot(w http.ResponseWriter, req *http.Request) {
	if req.URL.Path != "/" {
		httpErrf(w, http.StatusNotFound, "not found: %s", req.URL.Path)
		return
	}

	end := s.cal.Journal().End()
	_, _, hasTip := s.cal.Tip()

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintf(w, "calendar server\n")
	fmt.Fprintf(w, "uri: %s\n", s.uri)
	fmt.Fprintf(w, "donation address: %s\n", s.donationAddr)
	fmt.Fprintf(w, "journal end offset: %d\n", end)
	fmt.Fprintf(w, "has closed a round: %t\n", hasTip)
}
