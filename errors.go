package calendar

import "fmt"

// FatalError wraps an invariant violation (spec §7 "Invariant
// violation"): a corrupt journal checksum mid-file, an index entry
// pointing past the journal's end, or a conflicting upgrade attempt.
// cmd/calendard checks for this type at the top level and aborts with
// diagnostics rather than continuing to serve requests.
type FatalError struct {
	Detail string
	Err    error
}

func (e *FatalError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s", e.Detail, e.Err)
	}
	return e.Detail
}

func (e *FatalError) Unwrap() error { return e.Err }

func fatalf(format string, args ...interface{}) error {
	return &FatalError{Detail: fmt.Sprintf(format, args...)}
}

// ErrNotFound is returned by Store.Get when a digest is not indexed:
// it is neither a stored commitment nor a digest on a stored path.
var ErrNotFound = fmt.Errorf("digest not found")

// ErrOverloaded is returned by the Aggregator when its buffer is full
// (spec §4.D "Back-pressure").
var ErrOverloaded = fmt.Errorf("aggregator overloaded")
