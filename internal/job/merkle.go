package job

import (
	"encoding/hex"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/bardlex/stratumpool/internal/difficulty"
)

func hashPair(left, right chainhash.Hash) chainhash.Hash {
	var concat [64]byte
	copy(concat[:32], left[:])
	copy(concat[32:], right[:])
	return chainhash.Hash(difficulty.DoubleSHA256(concat[:]))
}

// nextLevel pairs adjacent nodes, duplicating the last one on odd counts.
func nextLevel(level []chainhash.Hash) []chainhash.Hash {
	out := make([]chainhash.Hash, 0, (len(level)+1)/2)
	for i := 0; i < len(level); i += 2 {
		right := level[i]
		if i+1 < len(level) {
			right = level[i+1]
		}
		out = append(out, hashPair(level[i], right))
	}
	return out
}

// MerkleRoot computes the Bitcoin merkle root of the given leaves.
func MerkleRoot(leaves []chainhash.Hash) chainhash.Hash {
	if len(leaves) == 0 {
		return chainhash.Hash{}
	}
	level := append([]chainhash.Hash(nil), leaves...)
	for len(level) > 1 {
		level = nextLevel(level)
	}
	return level[0]
}

// MerkleBranch returns the authentication path for the coinbase leaf
// (index 0), excluding the leaf itself and the root. Because the coinbase
// is always the left-most leaf the branch does not depend on its hash.
func MerkleBranch(leaves []chainhash.Hash) []chainhash.Hash {
	if len(leaves) <= 1 {
		return []chainhash.Hash{}
	}

	level := append([]chainhash.Hash(nil), leaves...)
	var branch []chainhash.Hash
	for len(level) > 1 {
		branch = append(branch, level[1])
		level = nextLevel(level)
	}
	return branch
}

// FoldBranch recomputes the merkle root from the coinbase hash.
func FoldBranch(coinbase chainhash.Hash, branch []chainhash.Hash) chainhash.Hash {
	root := coinbase
	for _, h := range branch {
		root = hashPair(root, h)
	}
	return root
}

// BranchHex encodes branch hashes in internal byte order, the form miners
// concatenate directly.
func BranchHex(branch []chainhash.Hash) []string {
	out := make([]string, len(branch))
	for i, h := range branch {
		out[i] = hex.EncodeToString(h[:])
	}
	return out
}
