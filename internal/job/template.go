// Package job turns node block templates into minable stratum jobs and
// replays miner submissions against them.
package job

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// Template is the node-supplied block template, immutable once fetched.
type Template struct {
	Version       int32
	Bits          uint32
	PrevHash      chainhash.Hash
	Height        int64
	CoinbaseValue int64
	CurTime       uint32
	Transactions  []*wire.MsgTx
	FetchedAt     time.Time

	// txWeight is the summed weight of Transactions.
	txWeight int64
}

// NewTemplate builds a Template from already decoded transactions.
func NewTemplate(version int32, bits uint32, prev chainhash.Hash, height, coinbaseValue int64, curTime uint32, txs []*wire.MsgTx) *Template {
	t := &Template{
		Version:       version,
		Bits:          bits,
		PrevHash:      prev,
		Height:        height,
		CoinbaseValue: coinbaseValue,
		CurTime:       curTime,
		Transactions:  txs,
		FetchedAt:     time.Now(),
	}
	for _, tx := range txs {
		t.txWeight += blockchain.GetTransactionWeight(btcutil.NewTx(tx))
	}
	return t
}

// FromBlockTemplateResult converts a getblocktemplate response.
func FromBlockTemplateResult(r *btcjson.GetBlockTemplateResult) (*Template, error) {
	if r == nil {
		return nil, fmt.Errorf("nil block template")
	}
	if r.CoinbaseValue == nil {
		return nil, fmt.Errorf("block template has no coinbasevalue")
	}

	bits, err := strconv.ParseUint(r.Bits, 16, 32)
	if err != nil {
		return nil, fmt.Errorf("invalid bits %q: %w", r.Bits, err)
	}

	prev, err := chainhash.NewHashFromStr(r.PreviousHash)
	if err != nil {
		return nil, fmt.Errorf("invalid previousblockhash: %w", err)
	}

	txs := make([]*wire.MsgTx, 0, len(r.Transactions))
	for i, entry := range r.Transactions {
		raw, err := hex.DecodeString(entry.Data)
		if err != nil {
			return nil, fmt.Errorf("transaction %d: invalid hex: %w", i, err)
		}
		tx := &wire.MsgTx{}
		if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
			return nil, fmt.Errorf("transaction %d: %w", i, err)
		}
		txs = append(txs, tx)
	}

	return NewTemplate(r.Version, uint32(bits), *prev, r.Height, *r.CoinbaseValue, uint32(r.CurTime), txs), nil
}
