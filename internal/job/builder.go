package job

import (
	"bytes"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/bardlex/stratumpool/internal/difficulty"
	"github.com/bardlex/stratumpool/pkg/log"
)

const (
	// ExtranonceSize is extranonce1 (4 bytes) plus extranonce2 (4 bytes).
	ExtranonceSize = 8
	// Extranonce2Size is the miner-chosen part advertised on subscribe.
	Extranonce2Size = 4

	maxCoinbaseScript = 100
	// version(4) + input count(1) + prevout(36) + script length varint(1)
	coinbaseScriptOffset = 42
)

var witnessCommitmentHeader = []byte{0x6a, 0x24, 0xaa, 0x21, 0xa9, 0xed}

// Builder synthesizes coinbase transactions and jobs. It holds no job state.
type Builder struct {
	logger         *log.Logger
	maxBlockWeight int64
}

// NewBuilder creates a Builder enforcing the consensus block weight limit.
func NewBuilder(logger *log.Logger) *Builder {
	return &Builder{
		logger:         logger.WithComponent("job_builder"),
		maxBlockWeight: blockchain.MaxBlockWeight,
	}
}

// BuildJob synthesizes the coinbase for tpl, paying split, and derives the
// merkle branch. CleanJobs is set when there is no previous job or the
// previous job built on a different block. The tag is dropped, with a
// warning, when it does not fit the coinbase script or would push the
// block over the weight limit.
//
// The returned Job carries no identifiers; the registry assigns them.
func (b *Builder) BuildJob(tpl *Template, split PayoutSplit, tag string, prev *Job) (*Job, error) {
	heightPush, err := txscript.NewScriptBuilder().AddInt64(tpl.Height).Script()
	if err != nil {
		return nil, fmt.Errorf("height script: %w", err)
	}

	tagBytes := []byte(tag)
	if room := maxCoinbaseScript - len(heightPush) - ExtranonceSize; len(tagBytes) > room {
		b.logger.Warn("pool tag dropped", "reason", "coinbase script too long",
			"tag_len", len(tagBytes), "room", room)
		tagBytes = nil
	}

	commitment := witnessCommitment(tpl.Transactions)
	amounts := split.Amounts(tpl.CoinbaseValue)
	for i, p := range split {
		if len(p.Script) == 0 {
			b.logger.Warn("payout has no output script, its value is unspendable",
				"address", p.Address, "amount", amounts[i])
		}
	}

	coinbase := newCoinbase(heightPush, tagBytes, split, amounts, commitment)
	if len(tagBytes) > 0 && b.blockWeight(coinbase, tpl) > b.maxBlockWeight {
		b.logger.Warn("pool tag dropped", "reason", "block weight limit",
			"height", tpl.Height)
		tagBytes = nil
		coinbase = newCoinbase(heightPush, nil, split, amounts, commitment)
	}

	var buf bytes.Buffer
	buf.Grow(coinbase.SerializeSizeStripped())
	if err := coinbase.SerializeNoWitness(&buf); err != nil {
		return nil, fmt.Errorf("serialize coinbase: %w", err)
	}
	raw := buf.Bytes()
	split1 := coinbaseScriptOffset + len(heightPush)

	txids := make([]chainhash.Hash, 0, len(tpl.Transactions)+1)
	txids = append(txids, coinbase.TxHash())
	for _, tx := range tpl.Transactions {
		txids = append(txids, tx.TxHash())
	}

	return &Job{
		Height:            tpl.Height,
		Version:           tpl.Version,
		Bits:              tpl.Bits,
		PrevHash:          tpl.PrevHash,
		CurTime:           tpl.CurTime,
		CoinbasePart1:     append([]byte(nil), raw[:split1]...),
		CoinbasePart2:     append([]byte(nil), raw[split1+ExtranonceSize:]...),
		MerkleBranch:      MerkleBranch(txids),
		MerkleRoot:        MerkleRoot(txids),
		NetworkDifficulty: difficulty.NetworkDifficultyFromBits(tpl.Bits),
		CleanJobs:         prev == nil || prev.PrevHash != tpl.PrevHash,
		Tag:               string(tagBytes),
		Transactions:      tpl.Transactions,
		CreatedAt:         time.Now(),
	}, nil
}

func newCoinbase(heightPush, tag []byte, split PayoutSplit, amounts []int64, commitment chainhash.Hash) *wire.MsgTx {
	script := make([]byte, 0, len(heightPush)+ExtranonceSize+len(tag))
	script = append(script, heightPush...)
	script = append(script, make([]byte, ExtranonceSize)...)
	script = append(script, tag...)

	tx := wire.NewMsgTx(1)
	tx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: wire.OutPoint{Hash: chainhash.Hash{}, Index: wire.MaxPrevOutIndex},
		SignatureScript:  script,
		Witness:          wire.TxWitness{make([]byte, 32)},
		Sequence:         wire.MaxTxInSequenceNum,
	})
	for i, p := range split {
		tx.AddTxOut(wire.NewTxOut(amounts[i], p.Script))
	}

	commitScript := make([]byte, 0, len(witnessCommitmentHeader)+chainhash.HashSize)
	commitScript = append(commitScript, witnessCommitmentHeader...)
	commitScript = append(commitScript, commitment[:]...)
	tx.AddTxOut(wire.NewTxOut(0, commitScript))
	return tx
}

// witnessCommitment is dSHA256(witness root || reserved value), where the
// coinbase wtxid and the reserved value are both zero.
func witnessCommitment(txs []*wire.MsgTx) chainhash.Hash {
	wtxids := make([]chainhash.Hash, 0, len(txs)+1)
	wtxids = append(wtxids, chainhash.Hash{})
	for _, tx := range txs {
		wtxids = append(wtxids, tx.WitnessHash())
	}
	root := MerkleRoot(wtxids)

	var preimage [64]byte
	copy(preimage[:32], root[:])
	return chainhash.Hash(difficulty.DoubleSHA256(preimage[:]))
}

func (b *Builder) blockWeight(coinbase *wire.MsgTx, tpl *Template) int64 {
	base := int64(wire.MaxBlockHeaderPayload + wire.VarIntSerializeSize(uint64(len(tpl.Transactions)+1)))
	cb := blockchain.GetTransactionWeight(btcutil.NewTx(coinbase))
	return base*blockchain.WitnessScaleFactor + cb + tpl.txWeight
}
