// Package stamper implements the calendar server's anchoring state
// machine (spec §4.E): periodically batches outstanding commitments
// into a single top digest, pays for and broadcasts a Bitcoin
// transaction carrying it, waits for confirmation, and upgrades every
// member commitment's stored path once confirmed.
package stamper

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/chaintimestamp/calendar"
)

// Config carries the Stamper's configurable policy (spec §6
// "Configuration (enumerated)").
type Config struct {
	Network               string // mainnet, testnet, regtest
	MinAnchorInterval     time.Duration
	MinFeeRate            float64 // satoshi/vbyte
	MaxFeeSat             int64   // absolute cap
	ConfirmTarget         int32   // blocks, for fee estimation
	RequiredConfirmations int64
	ReplacementTimeout    time.Duration // how long Broadcast may sit unconfirmed before a fee bump is considered
	ServerURI             string        // embedded in the Pending attestation tail
}

// Stamper runs the anchoring loop of spec §4.E as a single goroutine
// (spec §5 task 3: "Stamper (1)").
type Stamper struct {
	cfg    Config
	wallet Wallet
	store  *Store
	cal    *calendar.Store

	mu                 sync.Mutex
	pendingCommitments []calendar.Digest
	lastAnchorTime     time.Time

	// knownUtxos and spentByUs implement the wallet activity guard (spec
	// §5 "the server aborts on wallet activity it did not initiate"):
	// knownUtxos is the Stamper's last-observed view of the wallet's
	// unspent outputs, and spentByUs marks the outpoints it has itself
	// consumed building an anchor tx. An output vanishing from one
	// ListUnspent call to the next without being in spentByUs means
	// something outside the Stamper spent it.
	knownUtxos map[wire.OutPoint]int64
	spentByUs  map[wire.OutPoint]bool
}

// New constructs a Stamper. The anchor tx's change output pays back to
// the address of the wallet output that funds it (see build).
func New(cfg Config, wallet Wallet, store *Store, cal *calendar.Store) *Stamper {
	return &Stamper{
		cfg:        cfg,
		wallet:     wallet,
		store:      store,
		cal:        cal,
		knownUtxos: make(map[wire.OutPoint]int64),
		spentByUs:  make(map[wire.OutPoint]bool),
	}
}

// PendingTail is the Aggregator's PendingTailFunc: every round's
// commitment resolves, until anchored, to this single Pending
// attestation naming the server's own URI (spec §4.D step 3).
func (s *Stamper) PendingTail() calendar.Path {
	return calendar.Path{calendar.AttestPending(s.cfg.ServerURI)}
}

// Run drives the Stamper until ctx is canceled. It first performs
// startup recovery (spec §4.E "Crash semantics"), then alternates
// between collecting newly committed digests and, on its own timer,
// attempting to advance the in-flight anchor (or start a new one). A
// tick error is logged and retried on the next tick, except a
// *calendar.FatalError, which Run returns.
func (s *Stamper) Run(ctx context.Context) error {
	if err := s.recover(ctx); err != nil {
		return fmt.Errorf("stamper startup recovery: %w", err)
	}

	go s.collectCommitments(ctx)

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.tick(ctx); err != nil {
				var fatal *calendar.FatalError
				if errors.As(err, &fatal) {
					return err
				}
				log.Printf("stamper: tick failed: %s", err)
			}
		}
	}
}

// recover implements spec §4.E's two-part crash-discovery rule: any
// anchor already durable in the Stamper's own store is resumed from
// its recorded state; any commitment in the calendar journal with no
// BitcoinBlock record becomes a candidate for the next anchor.
func (s *Stamper) recover(ctx context.Context) error {
	if anchor, found, err := s.store.InFlightAnchor(ctx); err != nil {
		return err
	} else if found {
		log.Printf("stamper: resuming in-flight anchor %d in state %s", anchor.ID, anchor.State)
		switch anchor.State {
		case StateBroadcast:
			if err := s.store.SetConfirming(ctx, anchor.ID); err != nil {
				return err
			}
		case StateConfirming, StateBuilding:
			// Building anchors were never signed or broadcast; nothing on
			// the wire references them, so they're simply retried from
			// scratch on the next tick by leaving them as-is — Building is
			// re-entered directly.
		}
	}

	leftover, err := s.store.ConfirmedAnchorsAwaitingFinalize(ctx)
	if err != nil {
		return err
	}
	for _, anchor := range leftover {
		log.Printf("stamper: resuming finalize for confirmed anchor %d", anchor.ID)
		if err := s.finalize(ctx, anchor); err != nil {
			return fmt.Errorf("resuming finalize for anchor %d: %w", anchor.ID, err)
		}
	}
	return nil
}

// collectCommitments reads the calendar store's new-record feed and
// records every freshly Pending commitment as a candidate for the next
// anchor (spec §4.E "at least one unconfirmed commitment has been
// produced since [the last anchor]"). It runs until ctx is canceled.
func (s *Stamper) collectCommitments(ctx context.Context) {
	r := s.cal.NewReader()
	for {
		val, ok := r.Read(ctx)
		if !ok {
			return
		}
		offset := val.(int64)
		payload, err := s.cal.Journal().Read(offset)
		if err != nil {
			log.Printf("stamper: reading journal record at offset %d: %s", offset, err)
			continue
		}
		commitment, path, err := decodeStampedRecord(payload)
		if err != nil {
			log.Printf("stamper: decoding journal record at offset %d: %s", offset, err)
			continue
		}
		if len(path) == 0 || path[len(path)-1].Tag != calendar.OpAttestPending {
			continue // an upgrade record, not a fresh commitment
		}

		s.mu.Lock()
		s.pendingCommitments = append(s.pendingCommitments, commitment)
		s.mu.Unlock()
	}
}

// tick is called periodically: if no anchor is in flight, it considers
// starting one; if one is in flight past Building, it advances its
// confirmation state.
func (s *Stamper) tick(ctx context.Context) error {
	anchor, found, err := s.store.InFlightAnchor(ctx)
	if err != nil {
		return err
	}
	if !found {
		setAnchorState("idle")
		return s.maybeStartAnchor(ctx)
	}
	setAnchorState(anchor.State)
	switch anchor.State {
	case StateBuilding:
		return s.build(ctx, anchor)
	case StateBroadcast, StateConfirming:
		return s.checkConfirmation(ctx, anchor)
	}
	return nil
}

// maybeStartAnchor implements the Idle → Building transition (spec
// §4.E).
func (s *Stamper) maybeStartAnchor(ctx context.Context) error {
	s.mu.Lock()
	due := time.Since(s.lastAnchorTime) >= s.cfg.MinAnchorInterval && len(s.pendingCommitments) > 0
	members := s.pendingCommitments
	s.mu.Unlock()
	if !due {
		return nil
	}

	top, _ := calendar.BuildMMR(members)
	id, err := s.store.CreateAnchor(ctx, top, members)
	if err != nil {
		return fmt.Errorf("creating anchor: %w", err)
	}
	log.Printf("stamper: opened anchor %d over %d commitment(s), top %s", id, len(members), top)

	s.mu.Lock()
	// Keep any commitment collectCommitments appended after the snapshot.
	s.pendingCommitments = s.pendingCommitments[len(members):]
	s.mu.Unlock()

	anchor, _, err := s.store.InFlightAnchor(ctx)
	if err != nil {
		return err
	}
	return s.build(ctx, anchor)
}

// build implements the Building state (spec §4.E steps 3-4): fund,
// construct, and sign the anchor transaction.
func (s *Stamper) build(ctx context.Context, anchor Anchor) error {
	utxos, err := s.wallet.ListUnspent()
	if err != nil {
		return fmt.Errorf("listing unspent outputs: %w", err)
	}
	if err := s.guardWalletActivity(utxos); err != nil {
		return err
	}
	if len(utxos) == 0 {
		return fmt.Errorf("no spendable outputs available to fund anchor %d", anchor.ID)
	}
	input := utxos[0]

	feeRate, err := s.wallet.EstimateFeeRate(s.cfg.ConfirmTarget)
	if err != nil || feeRate < s.cfg.MinFeeRate {
		feeRate = s.cfg.MinFeeRate
	}

	vsize := estimateVirtualSize(input.Value > dustLimit)
	feeSat := int64(feeRate * float64(vsize))
	if feeSat > s.cfg.MaxFeeSat {
		return fmt.Errorf("estimated fee %d exceeds maximum %d for anchor %d", feeSat, s.cfg.MaxFeeSat, anchor.ID)
	}

	changeScript, err := txscript.PayToAddrScript(input.Address)
	if err != nil {
		return fmt.Errorf("building change script: %w", err)
	}

	tx, err := buildAnchorTx(anchor.Top, input, changeScript, feeSat)
	if err != nil {
		return fmt.Errorf("building anchor tx: %w", err)
	}
	if err := s.wallet.SignTransaction(tx); err != nil {
		return fmt.Errorf("signing anchor tx: %w", err)
	}

	s.mu.Lock()
	s.spentByUs[wire.OutPoint{Hash: input.Hash, Index: input.Index}] = true
	s.mu.Unlock()

	return s.broadcast(ctx, anchor, tx, feeSat, feeRate, input.Value)
}

// broadcast implements Building → Broadcast (spec §4.E).
func (s *Stamper) broadcast(ctx context.Context, anchor Anchor, tx *wire.MsgTx, feeSat int64, feeRate float64, inputValue int64) error {
	txid, err := s.wallet.SendTransaction(tx)
	if err != nil {
		return fmt.Errorf("broadcasting anchor %d: %w", anchor.ID, err)
	}
	raw, err := serializeTx(tx)
	if err != nil {
		return err
	}
	if err := s.store.SetBroadcast(ctx, anchor.ID, raw, txid[:], feeSat, feeRate, inputValue); err != nil {
		return fmt.Errorf("recording broadcast for anchor %d: %w", anchor.ID, err)
	}
	log.Printf("stamper: broadcast anchor %d as tx %s (fee %d sat, %.2f sat/vB)", anchor.ID, txid, feeSat, feeRate)
	return nil
}

// guardWalletActivity implements spec §5's wallet activity guard: the
// Stamper is the wallet's sole writer (spec §5 "Shared resource
// policy"), so if a previously-seen unspent output is gone and the
// Stamper didn't spend it itself, something else used the wallet
// concurrently, and the Stamper cannot safely trust its own
// accounting of funds or in-flight inputs anymore.
func (s *Stamper) guardWalletActivity(utxos []Utxo) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current := make(map[wire.OutPoint]int64, len(utxos))
	for _, u := range utxos {
		current[wire.OutPoint{Hash: u.Hash, Index: u.Index}] = u.Value
	}

	for op, value := range s.knownUtxos {
		if _, stillThere := current[op]; stillThere {
			continue
		}
		if s.spentByUs[op] {
			delete(s.spentByUs, op)
			continue
		}
		return &calendar.FatalError{Detail: fmt.Sprintf("wallet output %s:%d (%d sat) disappeared without the stamper spending it", op.Hash, op.Index, value)}
	}

	s.knownUtxos = current
	return nil
}

// checkConfirmation polls confirmation status and, if warranted,
// performs a fee-bump replacement (spec §4.E "Broadcast → Confirming").
func (s *Stamper) checkConfirmation(ctx context.Context, anchor Anchor) error {
	var txid chainhash.Hash
	copy(txid[:], anchor.TxID)

	confs, blockHash, err := s.wallet.GetTransactionConfirmations(txid)
	if err != nil {
		return fmt.Errorf("checking confirmations for anchor %d: %w", anchor.ID, err)
	}
	if confs < s.cfg.RequiredConfirmations || blockHash == nil {
		if anchor.State == StateBroadcast {
			if err := s.store.SetConfirming(ctx, anchor.ID); err != nil {
				return err
			}
		}
		return s.maybeReplace(ctx, anchor)
	}

	height, txids, err := s.wallet.GetBlockTxids(*blockHash)
	if err != nil {
		return fmt.Errorf("fetching confirming block for anchor %d: %w", anchor.ID, err)
	}
	idx := indexOfTxid(txids, txid)
	if idx < 0 {
		return fmt.Errorf("anchor %d's tx %s not found in its own confirming block", anchor.ID, txid)
	}

	if err := s.store.SetConfirmed(ctx, anchor.ID, height, blockHash[:]); err != nil {
		return fmt.Errorf("recording confirmation for anchor %d: %w", anchor.ID, err)
	}
	anchor.Height = height
	anchor.BlockHash = blockHash[:]
	log.Printf("stamper: anchor %d confirmed at height %d", anchor.ID, height)

	return s.finalize(ctx, anchor)
}

// maybeReplace implements spec §4.E's Broadcast → Confirming
// replacement rule: once anchor has sat unconfirmed past
// ReplacementTimeout, re-estimate the feerate, and only replace if the
// new estimate is strictly higher than what the anchor already paid.
func (s *Stamper) maybeReplace(ctx context.Context, anchor Anchor) error {
	if s.cfg.ReplacementTimeout <= 0 || anchor.BroadcastAt.IsZero() {
		return nil
	}
	if time.Since(anchor.BroadcastAt) < s.cfg.ReplacementTimeout {
		return nil
	}

	feeRate, err := s.wallet.EstimateFeeRate(s.cfg.ConfirmTarget)
	if err != nil {
		return fmt.Errorf("estimating replacement feerate for anchor %d: %w", anchor.ID, err)
	}
	if feeRate <= anchor.FeeRate {
		return nil
	}
	return s.replace(ctx, anchor, feeRate)
}

// replace builds, signs, and broadcasts a replacement for anchor's
// in-flight transaction at feeRate, spending the same input with a
// strictly higher total fee and feerate (spec §4.E "Fee policy":
// "Replacement requires a strict improvement in both feerate and
// absolute fee"). The commitment payload top is unchanged.
func (s *Stamper) replace(ctx context.Context, anchor Anchor, feeRate float64) error {
	prior, err := deserializeTx(anchor.RawTx)
	if err != nil {
		return fmt.Errorf("deserializing anchor %d's tx for replacement: %w", anchor.ID, err)
	}
	outpoint := originalInputPoint(prior)
	changeScript := originalChangeScript(prior)

	vsize := estimateVirtualSize(changeScript != nil)
	feeSat := int64(feeRate * float64(vsize))
	if feeSat <= anchor.FeeSat {
		feeSat = anchor.FeeSat + 1
	}
	if feeSat > s.cfg.MaxFeeSat {
		return fmt.Errorf("replacement fee %d for anchor %d exceeds maximum %d, leaving it unconfirmed", feeSat, anchor.ID, s.cfg.MaxFeeSat)
	}

	input := Utxo{Hash: outpoint.Hash, Index: outpoint.Index, Value: anchor.InputValue}
	replacement, err := buildAnchorTx(anchor.Top, input, changeScript, feeSat)
	if err != nil {
		return fmt.Errorf("building replacement tx for anchor %d: %w", anchor.ID, err)
	}
	if err := s.wallet.SignTransaction(replacement); err != nil {
		return fmt.Errorf("signing replacement tx for anchor %d: %w", anchor.ID, err)
	}
	txid, err := s.wallet.SendTransaction(replacement)
	if err != nil {
		return fmt.Errorf("broadcasting replacement tx for anchor %d: %w", anchor.ID, err)
	}
	raw, err := serializeTx(replacement)
	if err != nil {
		return err
	}
	if err := s.store.SetReplaced(ctx, anchor.ID, raw, txid[:], feeSat, feeRate); err != nil {
		return fmt.Errorf("recording replacement for anchor %d: %w", anchor.ID, err)
	}
	log.Printf("stamper: replaced anchor %d's tx with %s (fee %d sat, %.2f sat/vB, was %d sat/%.2f sat/vB)",
		anchor.ID, txid, feeSat, feeRate, anchor.FeeSat, anchor.FeeRate)
	return nil
}

// finalize implements spec §4.E's Finalize step: for every member
// commitment, build the full path to a BitcoinBlock attestation and
// call upgrade_commitment. All members must succeed before the anchor
// row is deleted and the Stamper returns to Idle.
func (s *Stamper) finalize(ctx context.Context, anchor Anchor) error {
	var txid, blockHash chainhash.Hash
	copy(txid[:], anchor.TxID)
	copy(blockHash[:], anchor.BlockHash)

	_, txids, err := s.wallet.GetBlockTxids(blockHash)
	if err != nil {
		return fmt.Errorf("re-fetching confirming block for anchor %d: %w", anchor.ID, err)
	}
	idx := indexOfTxid(txids, txid)
	if idx < 0 {
		return fmt.Errorf("anchor %d's tx not found while finalizing", anchor.ID)
	}

	tx, err := deserializeTx(anchor.RawTx)
	if err != nil {
		return fmt.Errorf("deserializing anchor %d's tx: %w", anchor.ID, err)
	}
	embed, err := embedTopPath(tx)
	if err != nil {
		return fmt.Errorf("building embedding path for anchor %d: %w", anchor.ID, err)
	}
	toBlock, err := bitcoinMerklePath(txids, idx)
	if err != nil {
		return fmt.Errorf("building block merkle path for anchor %d: %w", anchor.ID, err)
	}

	_, mmrPaths := calendar.BuildMMR(anchor.Members)
	attest := calendar.Path{calendar.AttestBitcoinBlock(uint32(anchor.Height))}

	for i, member := range anchor.Members {
		full := calendar.Concat(calendar.Concat(calendar.Concat(mmrPaths[i], embed), toBlock), attest)
		if err := s.cal.UpgradeCommitment(member, full); err != nil {
			return fmt.Errorf("upgrading commitment %s for anchor %d: %w", member, anchor.ID, err)
		}
	}

	log.Printf("stamper: finalized anchor %d, upgraded %d commitment(s)", anchor.ID, len(anchor.Members))
	anchorsFinalizedCounter.Inc()
	setAnchorState("idle")
	s.mu.Lock()
	s.lastAnchorTime = time.Now()
	s.mu.Unlock()
	return s.store.DeleteAnchor(ctx, anchor.ID)
}

func indexOfTxid(txids []chainhash.Hash, want chainhash.Hash) int {
	for i, h := range txids {
		if h == want {
			return i
		}
	}
	return -1
}

// decodeStampedRecord mirrors the calendar package's internal journal
// record framing (digest ∥ encoded path) without importing its
// unexported helpers.
func decodeStampedRecord(b []byte) (calendar.Digest, calendar.Path, error) {
	if len(b) < calendar.DigestSize {
		return calendar.Digest{}, nil, fmt.Errorf("record too short: %d bytes", len(b))
	}
	d, err := calendar.DigestFromBytes(b[:calendar.DigestSize])
	if err != nil {
		return calendar.Digest{}, nil, err
	}
	var p calendar.Path
	if err := p.UnmarshalBinary(b[calendar.DigestSize:]); err != nil {
		return calendar.Digest{}, nil, fmt.Errorf("decoding record path: %w", err)
	}
	return d, p, nil
}
