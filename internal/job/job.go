package job

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// Job is the minable packaging of a Template. It is never mutated after the
// registry publishes it, so sessions read it without locking.
type Job struct {
	ID         string
	TemplateID string
	// Seq is the registry's publication order. ID is its hex form.
	Seq uint64

	Height   int64
	Version  int32
	Bits     uint32
	PrevHash chainhash.Hash
	CurTime  uint32

	// Coinbase fragments around the 8 extranonce bytes.
	CoinbasePart1 []byte
	CoinbasePart2 []byte
	MerkleBranch  []chainhash.Hash
	// MerkleRoot is computed with zeroed extranonces. It is never sent.
	MerkleRoot chainhash.Hash

	NetworkDifficulty float64
	CleanJobs         bool
	Tag               string

	Transactions []*wire.MsgTx
	CreatedAt    time.Time

	branchHex []string
}

// PrevHashStratum returns the previous block hash as mining.notify expects
// it: the display hex with its 8-character words in reverse order.
func PrevHashStratum(h chainhash.Hash) string {
	display := h.String()
	out := make([]byte, 0, len(display))
	for i := len(display); i > 0; i -= 8 {
		out = append(out, display[i-8:i]...)
	}
	return string(out)
}

// NotifyParams returns the positional mining.notify parameters.
func (j *Job) NotifyParams(clean bool) []any {
	branch := j.branchHex
	if branch == nil {
		branch = BranchHex(j.MerkleBranch)
	}
	return []any{
		j.ID,
		PrevHashStratum(j.PrevHash),
		hex.EncodeToString(j.CoinbasePart1),
		hex.EncodeToString(j.CoinbasePart2),
		branch,
		fmt.Sprintf("%08x", uint32(j.Version)),
		fmt.Sprintf("%08x", j.Bits),
		fmt.Sprintf("%08x", j.CurTime),
		clean,
	}
}

// withIDs returns a copy of j carrying registry-assigned identifiers.
func (j *Job) withIDs(seq uint64, templateID string, clean bool) *Job {
	c := *j
	c.Seq = seq
	c.ID = strconv.FormatUint(seq, 16)
	c.TemplateID = templateID
	c.CleanJobs = clean
	c.branchHex = BranchHex(j.MerkleBranch)
	return &c
}
