package stamper

import (
	"bytes"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/chaintimestamp/calendar"
)

// dustLimit is the smallest output value the node's relay policy will
// accept; the anchor tx's single non-commitment output (returning
// change to the wallet) must clear it.
const dustLimit = 546

// commitmentOutputIndex is the well-defined position of the
// provably-unspendable commitment output within the anchor tx (spec
// §4.E building step 3, "a well-defined position").
const commitmentOutputIndex = 0

// buildCommitmentScript embeds top inside an OP_RETURN output: spendable
// by nobody, parseable by anyone watching the chain for calendar
// anchors.
func buildCommitmentScript(top calendar.Digest) ([]byte, error) {
	script, err := txscript.NullDataScript(top[:])
	if err != nil {
		return nil, fmt.Errorf("building commitment output script: %w", err)
	}
	return script, nil
}

// buildAnchorTx constructs the single-input anchor transaction of spec
// §4.E building step 3: one provably-unspendable output at
// commitmentOutputIndex carrying top and, when the remainder of the
// input (minus fee) is at least dustLimit, one change output paying it
// to changeScript. feeSat is the absolute fee the Stamper has already
// chosen to pay.
func buildAnchorTx(top calendar.Digest, input Utxo, changeScript []byte, feeSat int64) (*wire.MsgTx, error) {
	if feeSat < 0 {
		return nil, fmt.Errorf("negative fee %d", feeSat)
	}
	change := input.Value - feeSat
	if change < 0 {
		return nil, fmt.Errorf("input value %d insufficient to cover fee %d", input.Value, feeSat)
	}

	commitScript, err := buildCommitmentScript(top)
	if err != nil {
		return nil, err
	}

	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxIn(wire.NewTxIn(&wire.OutPoint{Hash: input.Hash, Index: input.Index}, nil, nil))
	tx.AddTxOut(wire.NewTxOut(0, commitScript))
	if change >= dustLimit {
		tx.AddTxOut(wire.NewTxOut(change, changeScript))
	}
	// If change falls below the dust limit it is folded into the fee
	// instead of creating an unspendable or policy-rejected output.
	return tx, nil
}

// estimateVirtualSize approximates the anchor tx's size in vbytes for
// fee-policy purposes. One P2WPKH input plus a NullData output plus an
// optional P2WPKH change output covers the shapes buildAnchorTx
// produces.
func estimateVirtualSize(hasChange bool) int64 {
	const baseInputVBytes = 68   // P2WPKH input, witness discounted
	const commitOutVBytes = 43   // OP_RETURN(32) output
	const changeOutVBytes = 31   // P2WPKH output
	const overheadVBytes = 11
	size := int64(overheadVBytes + baseInputVBytes + commitOutVBytes)
	if hasChange {
		size += changeOutVBytes
	}
	return size
}

// embedTopPath returns the operations embedding top into the serialized
// anchor transaction's byte string, expressed in the calendar's own
// AppendLeft/AppendRight vocabulary (spec §4.E Finalize,
// "operations-embedding-T-into-tx-bytes"): the serialized transaction
// is modeled as top sandwiched between the bytes preceding and
// following its commitment output, each folded in as a single sibling.
func embedTopPath(tx *wire.MsgTx) (calendar.Path, error) {
	raw, err := serializeTx(tx)
	if err != nil {
		return nil, err
	}
	script, err := txscript.NullDataScript(make([]byte, calendar.DigestSize))
	if err != nil {
		return nil, fmt.Errorf("locating commitment output in serialized tx: %w", err)
	}
	// txscript.NullDataScript prefixes the payload with a push opcode;
	// the payload itself starts len(script)-DigestSize bytes into the
	// serialized output script.
	payloadOff := len(script) - calendar.DigestSize
	idx := indexOfOutputPayload(raw, tx, payloadOff)
	if idx < 0 {
		return nil, fmt.Errorf("commitment output not found in serialized anchor tx")
	}

	prefix := raw[:idx]
	suffix := raw[idx+calendar.DigestSize:]
	return calendar.Path{
		calendar.AppendLeft(calendar.Hash(prefix)),
		calendar.AppendRight(calendar.Hash(suffix)),
	}, nil
}

// originalInputPoint returns the outpoint tx's sole input spends, so a
// fee-bump replacement (spec §4.E "Broadcast → Confirming" replacement
// rule) can spend the identical input.
func originalInputPoint(tx *wire.MsgTx) wire.OutPoint {
	return tx.TxIn[0].PreviousOutPoint
}

// originalChangeScript returns tx's change output script, if it has
// one, so a replacement preserves the same change address. buildAnchorTx
// places the change output (if any) immediately after the commitment
// output.
func originalChangeScript(tx *wire.MsgTx) []byte {
	for i, out := range tx.TxOut {
		if i != commitmentOutputIndex {
			return out.PkScript
		}
	}
	return nil
}

func deserializeTx(raw []byte) (*wire.MsgTx, error) {
	tx := wire.NewMsgTx(wire.TxVersion)
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("deserializing tx: %w", err)
	}
	return tx, nil
}

func serializeTx(tx *wire.MsgTx) ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(tx.SerializeSize())
	if err := tx.Serialize(&buf); err != nil {
		return nil, fmt.Errorf("serializing anchor tx: %w", err)
	}
	return buf.Bytes(), nil
}

// indexOfOutputPayload finds the byte offset of tx's
// commitmentOutputIndex-th output's script payload (payloadOff bytes
// into that output's script) within the fully serialized transaction.
func indexOfOutputPayload(raw []byte, tx *wire.MsgTx, payloadOff int) int {
	target := tx.TxOut[commitmentOutputIndex]
	script := target.PkScript
	needle := script[payloadOff:]
	for i := 0; i+len(needle) <= len(raw); i++ {
		if string(raw[i:i+len(needle)]) == string(needle) {
			return i
		}
	}
	return -1
}

// bitcoinMerklePath returns, for the transaction at index in an
// ordered block txid list, the AppendLeft/AppendRight operations that
// fold its txid up to the block's merkle root (spec §4.E Finalize,
// "merkle-path-from-tx-to-block-header-merkle-root"). It follows
// Bitcoin's own pairing rule — duplicate the last node of an odd
// level — but folds pairs with the calendar's own HashConcat rather
// than Bitcoin's native double-SHA256, consistent with this
// implementation's single-hash-algorithm design decision (see
// DESIGN.md).
func bitcoinMerklePath(txids []chainhash.Hash, index int) (calendar.Path, error) {
	if index < 0 || index >= len(txids) {
		return nil, fmt.Errorf("transaction index %d out of range for %d-transaction block", index, len(txids))
	}
	level := make([]calendar.Digest, len(txids))
	for i, h := range txids {
		level[i] = calendar.Digest(h)
	}

	var path calendar.Path
	idx := index
	for len(level) > 1 {
		if len(level)%2 == 1 {
			level = append(level, level[len(level)-1])
		}
		var next []calendar.Digest
		for i := 0; i < len(level); i += 2 {
			next = append(next, calendar.HashConcat(level[i], level[i+1]))
		}
		if idx%2 == 0 {
			path = append(path, calendar.AppendRight(level[idx+1]))
		} else {
			path = append(path, calendar.AppendLeft(level[idx-1]))
		}
		idx /= 2
		level = next
	}
	return path, nil
}
