// Package aggregator implements the calendar server's per-round batcher
// (spec §4.D): it turns a stream of client digest submissions into a
// single per-round commitment, computing each submitter's deterministic
// Merkle mountain range path up to that commitment, and hands closed
// rounds to the calendar store.
package aggregator

import (
	"log"
	"sync"
	"time"

	"github.com/chaintimestamp/calendar"
)

// PendingTailFunc returns the path segment from a round's commitment
// digest to its Pending attestation — in the simplest case, a single
// Attest(Pending, uri) operation (spec §4.D step 3). The Stamper
// supplies this; the Aggregator itself knows nothing about calendar
// URIs.
type PendingTailFunc func() calendar.Path

// AddCommitmentFunc persists a round's commitment with its Pending tail
// (spec §4.C add_commitment). Satisfied by (*calendar.Store).AddCommitment.
type AddCommitmentFunc func(commitment calendar.Digest, path calendar.Path) error

// round holds the state of one open or just-closed batching round: the
// digests submitted so far, and, once closed, the outcome every
// submitter in it is waiting for.
type round struct {
	digests []calendar.Digest

	done  bool
	paths []calendar.Path // paths[i] is the path for digests[i]
	err   error
}

// Aggregator batches concurrent Submit calls into timer-delimited
// rounds, generalizing the teacher's block-builder-per-timer pattern (a
// single in-flight round, collected under a mutex, flushed by a
// time.AfterFunc) from blockchain transactions to raw digests.
type Aggregator struct {
	interval  time.Duration
	bufferCap int
	tail      PendingTailFunc
	add       AddCommitmentFunc

	mu    sync.Mutex
	cond  sync.Cond
	cur   *round // the round currently accepting submissions; nil between a close and the next Submit
	timer *time.Timer
}

// New creates an Aggregator that closes a round every interval and
// rejects submissions once bufferCap digests are pending in the
// current round (spec §4.D "Back-pressure").
func New(interval time.Duration, bufferCap int, tail PendingTailFunc, add AddCommitmentFunc) *Aggregator {
	a := &Aggregator{
		interval:  interval,
		bufferCap: bufferCap,
		tail:      tail,
		add:       add,
	}
	a.cond.L = &a.mu
	return a
}

// Submit adds digest to the currently open round and suspends until
// that round closes, returning the path from digest to the round's
// commitment, followed by the Pending attestation tail (spec §4.D
// contract). It returns calendar.ErrOverloaded if the round's buffer is
// already full.
//
// Two submissions of the same digest within one round both succeed and
// both receive valid paths to the same commitment (spec §4.D
// "Idempotency"); this implementation gives each its own leaf.
func (a *Aggregator) Submit(digest calendar.Digest) (calendar.Path, error) {
	a.mu.Lock()

	if a.cur == nil {
		a.cur = &round{}
		a.timer = time.AfterFunc(a.interval, a.closeRound)
		log.Printf("aggregator: opening round, will close in %s", a.interval)
	}
	if len(a.cur.digests) >= a.bufferCap {
		a.mu.Unlock()
		overloadedSubmitCounter.Inc()
		return nil, calendar.ErrOverloaded
	}

	r := a.cur
	idx := len(r.digests)
	r.digests = append(r.digests, digest)

	for !r.done {
		a.cond.Wait()
	}
	a.mu.Unlock()

	if r.err != nil {
		return nil, r.err
	}
	return r.paths[idx], nil
}

// closeRound runs the round-close procedure of spec §4.D: snapshot the
// pending digests, build the round's Merkle mountain range, persist the
// commitment, and release every waiting submitter.
func (a *Aggregator) closeRound() {
	a.mu.Lock()
	r := a.cur
	a.cur = nil
	a.timer = nil
	a.mu.Unlock()

	if len(r.digests) == 0 {
		// Empty round: no commitment, no journal write (spec §4.D
		// "Empty rounds"). There is nothing to wake: a round is only
		// created by a Submit call, so an empty round has no waiters.
		roundsClosedCounter.WithLabelValues("empty").Inc()
		log.Printf("aggregator: round closed with no submissions")
		return
	}

	commitment, mmrPaths := calendar.BuildMMR(r.digests)
	tail := a.tail()

	if err := a.add(commitment, tail); err != nil {
		a.mu.Lock()
		r.err = err
		r.done = true
		a.mu.Unlock()
		a.cond.Broadcast()
		roundsClosedCounter.WithLabelValues("error").Inc()
		log.Printf("aggregator: round close failed: %s", err)
		return
	}

	paths := make([]calendar.Path, len(mmrPaths))
	for i, p := range mmrPaths {
		paths[i] = calendar.Concat(p, tail)
	}

	a.mu.Lock()
	r.paths = paths
	r.done = true
	a.mu.Unlock()
	a.cond.Broadcast()

	roundsClosedCounter.WithLabelValues("ok").Inc()
	roundSizeGauge.Set(float64(len(r.digests)))
	log.Printf("aggregator: round closed with %d submission(s), commitment %s", len(r.digests), commitment)
}

// Close stops the aggregator's round timer, if one is armed. Any round
// currently open is abandoned without being closed; callers should stop
// accepting new Submit calls before calling Close.
func (a *Aggregator) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.timer != nil {
		a.timer.Stop()
	}
}
