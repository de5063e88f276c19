package server

import (
	"net/http"

	calnet "github.com/chaintimestamp/calendar/net"
)

// httpErrf mirrors the teacher's httpErrf: reply with code and a
// formatted diagnostic, logging it too (spec §7 "errors at the API
// boundary are mapped to HTTP status and a short text diagnostic").
func httpErrf(w http.ResponseWriter, code int, msgfmt string, args ...interface{}) {
	calnet.Errorf(w, code, msgfmt, args...)
}
