package job

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/bardlex/stratumpool/internal/difficulty"
)

// ParseWord parses an 8-character big-endian hex word as sent in
// mining.submit (ntime, nonce, version mask).
func ParseWord(s string) (uint32, error) {
	if len(s) != 8 {
		return 0, fmt.Errorf("expected 8 hex characters, got %d", len(s))
	}
	v, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid hex word %q: %w", s, err)
	}
	return uint32(v), nil
}

// Coinbase returns part1 + extranonce1 + extranonce2 + part2.
func (j *Job) Coinbase(extranonce1, extranonce2 []byte) []byte {
	cb := make([]byte, 0, len(j.CoinbasePart1)+len(extranonce1)+len(extranonce2)+len(j.CoinbasePart2))
	cb = append(cb, j.CoinbasePart1...)
	cb = append(cb, extranonce1...)
	cb = append(cb, extranonce2...)
	return append(cb, j.CoinbasePart2...)
}

// ReconstructHeader rebuilds the 80-byte header a miner hashed. The
// extranonces are substituted into the coinbase, which is hashed and folded
// with the stored branch. A nonzero versionMask is XORed into the version.
// The personalized coinbase is returned alongside for block assembly.
func (j *Job) ReconstructHeader(extranonce1, extranonce2 []byte, nonce, versionMask, ntime uint32) (header, coinbase []byte, err error) {
	if len(extranonce1)+len(extranonce2) != ExtranonceSize {
		return nil, nil, fmt.Errorf("extranonces are %d bytes, want %d",
			len(extranonce1)+len(extranonce2), ExtranonceSize)
	}

	coinbase = j.Coinbase(extranonce1, extranonce2)
	root := FoldBranch(chainhash.Hash(difficulty.DoubleSHA256(coinbase)), j.MerkleBranch)

	version := uint32(j.Version)
	if versionMask != 0 {
		version ^= versionMask
	}

	h := wire.BlockHeader{
		Version:    int32(version),
		PrevBlock:  j.PrevHash,
		MerkleRoot: root,
		Timestamp:  time.Unix(int64(ntime), 0),
		Bits:       j.Bits,
		Nonce:      nonce,
	}
	var buf bytes.Buffer
	buf.Grow(wire.MaxBlockHeaderPayload)
	if err := h.Serialize(&buf); err != nil {
		return nil, nil, fmt.Errorf("serialize header: %w", err)
	}
	return buf.Bytes(), coinbase, nil
}

// AssembleBlock builds the full block from a reconstructed header and
// personalized coinbase, restoring the coinbase witness reserved value.
func (j *Job) AssembleBlock(header, coinbase []byte) (*wire.MsgBlock, error) {
	var h wire.BlockHeader
	if err := h.Deserialize(bytes.NewReader(header)); err != nil {
		return nil, fmt.Errorf("decode header: %w", err)
	}

	cb := &wire.MsgTx{}
	if err := cb.DeserializeNoWitness(bytes.NewReader(coinbase)); err != nil {
		return nil, fmt.Errorf("decode coinbase: %w", err)
	}
	if len(cb.TxIn) != 1 {
		return nil, fmt.Errorf("coinbase has %d inputs", len(cb.TxIn))
	}
	cb.TxIn[0].Witness = wire.TxWitness{make([]byte, 32)}

	block := wire.NewMsgBlock(&h)
	block.Transactions = make([]*wire.MsgTx, 0, len(j.Transactions)+1)
	block.Transactions = append(block.Transactions, cb)
	block.Transactions = append(block.Transactions, j.Transactions...)
	return block, nil
}

// BlockHex serializes a block for submitblock.
func BlockHex(block *wire.MsgBlock) (string, error) {
	var buf bytes.Buffer
	buf.Grow(block.SerializeSize())
	if err := block.Serialize(&buf); err != nil {
		return "", fmt.Errorf("serialize block: %w", err)
	}
	return hex.EncodeToString(buf.Bytes()), nil
}
