package stamper

import (
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/rpcclient"
	"github.com/btcsuite/btcd/wire"
)

// Utxo is a spendable output the wallet offers the Stamper for an
// anchor transaction's sole input (spec §4.E building step 3).
type Utxo struct {
	Hash    chainhash.Hash
	Index   uint32
	Value   int64 // satoshis
	Address btcutil.Address
}

// Wallet is the external blockchain node/wallet RPC surface the
// Stamper needs (spec §6 "Blockchain node"): list spendable outputs,
// sign, broadcast, and query transaction/block inclusion and fee
// estimates. It is exclusively used by the Stamper (spec §5 "Shared
// resource policy").
type Wallet interface {
	ListUnspent() ([]Utxo, error)
	SignTransaction(tx *wire.MsgTx) error
	SendTransaction(tx *wire.MsgTx) (chainhash.Hash, error)
	GetTransactionConfirmations(txid chainhash.Hash) (int64, *chainhash.Hash, error)
	GetBlockTxids(blockHash chainhash.Hash) (height int64, txids []chainhash.Hash, err error)
	EstimateFeeRate(confTarget int32) (satPerVByte float64, err error)
}

// RPCWallet is a Wallet backed by a running node's JSON-RPC interface,
// the same way the teacher's custodian talks to horizon, generalized
// from the Stellar network to a Bitcoin-family node/wallet.
type RPCWallet struct {
	client *rpcclient.Client
	params *chaincfg.Params
}

// DialRPCWallet connects to host using user/pass basic auth. network
// selects the chain params (spec §6 configuration "Chain selection").
func DialRPCWallet(host, user, pass string, network string) (*RPCWallet, error) {
	params, err := chainParams(network)
	if err != nil {
		return nil, err
	}
	cfg := &rpcclient.ConnConfig{
		Host:         host,
		User:         user,
		Pass:         pass,
		HTTPPostMode: true,
		DisableTLS:   true,
	}
	client, err := rpcclient.New(cfg, nil)
	if err != nil {
		return nil, fmt.Errorf("connecting to node at %s: %w", host, err)
	}
	return &RPCWallet{client: client, params: params}, nil
}

func chainParams(network string) (*chaincfg.Params, error) {
	switch network {
	case "mainnet":
		return &chaincfg.MainNetParams, nil
	case "testnet":
		return &chaincfg.TestNet3Params, nil
	case "regtest":
		return &chaincfg.RegressionNetParams, nil
	default:
		return nil, fmt.Errorf("unknown chain selection %q", network)
	}
}

func (w *RPCWallet) ListUnspent() ([]Utxo, error) {
	results, err := w.client.ListUnspent()
	if err != nil {
		return nil, fmt.Errorf("listing unspent outputs: %w", err)
	}
	out := make([]Utxo, 0, len(results))
	for _, r := range results {
		hash, err := chainhash.NewHashFromStr(r.TxID)
		if err != nil {
			return nil, fmt.Errorf("parsing utxo txid %s: %w", r.TxID, err)
		}
		addr, err := btcutil.DecodeAddress(r.Address, w.params)
		if err != nil {
			return nil, fmt.Errorf("parsing utxo address %s: %w", r.Address, err)
		}
		amount, err := btcutil.NewAmount(r.Amount)
		if err != nil {
			return nil, fmt.Errorf("parsing utxo amount %v: %w", r.Amount, err)
		}
		out = append(out, Utxo{
			Hash:    *hash,
			Index:   r.Vout,
			Value:   int64(amount),
			Address: addr,
		})
	}
	return out, nil
}

func (w *RPCWallet) SignTransaction(tx *wire.MsgTx) error {
	signed, complete, err := w.client.SignRawTransactionWithWallet(tx)
	if err != nil {
		return fmt.Errorf("signing anchor tx: %w", err)
	}
	if !complete {
		return fmt.Errorf("wallet could not fully sign anchor tx")
	}
	*tx = *signed
	return nil
}

func (w *RPCWallet) SendTransaction(tx *wire.MsgTx) (chainhash.Hash, error) {
	hash, err := w.client.SendRawTransaction(tx, false)
	if err != nil {
		return chainhash.Hash{}, fmt.Errorf("broadcasting anchor tx: %w", err)
	}
	return *hash, nil
}

func (w *RPCWallet) GetTransactionConfirmations(txid chainhash.Hash) (int64, *chainhash.Hash, error) {
	result, err := w.client.GetTransaction(&txid)
	if err != nil {
		return 0, nil, fmt.Errorf("querying anchor tx %s: %w", txid, err)
	}
	var blockHash *chainhash.Hash
	if result.BlockHash != "" {
		blockHash, err = chainhash.NewHashFromStr(result.BlockHash)
		if err != nil {
			return 0, nil, fmt.Errorf("parsing confirming block hash: %w", err)
		}
	}
	return result.Confirmations, blockHash, nil
}

func (w *RPCWallet) GetBlockTxids(blockHash chainhash.Hash) (int64, []chainhash.Hash, error) {
	block, err := w.client.GetBlockVerbose(&blockHash)
	if err != nil {
		return 0, nil, fmt.Errorf("fetching block %s: %w", blockHash, err)
	}
	txids := make([]chainhash.Hash, len(block.Tx))
	for i, s := range block.Tx {
		h, err := chainhash.NewHashFromStr(s)
		if err != nil {
			return 0, nil, fmt.Errorf("parsing txid %s in block %s: %w", s, blockHash, err)
		}
		txids[i] = *h
	}
	return block.Height, txids, nil
}

func (w *RPCWallet) EstimateFeeRate(confTarget int32) (float64, error) {
	est, err := w.client.EstimateSmartFee(int64(confTarget), nil)
	if err != nil {
		return 0, fmt.Errorf("estimating fee rate: %w", err)
	}
	if est.FeeRate == nil {
		return 0, fmt.Errorf("node returned no fee estimate for target %d", confTarget)
	}
	// EstimateSmartFee reports BTC/kvB; convert to sat/vByte.
	return *est.FeeRate * 1e8 / 1000, nil
}

// pollInterval is how often the Stamper checks transaction confirmation
// status while in the Confirming state (spec §4.E "Broadcast → Confirming").
const pollInterval = 30 * time.Second
