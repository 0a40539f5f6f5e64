// Package difficulty scores block headers against the Bitcoin difficulty-1
// target and expands compact nBits into network difficulty.
package difficulty

import (
	"encoding/hex"
	"math"
	"math/big"

	"github.com/minio/sha256-simd"
)

// truediffone is the difficulty-1 target, 0xffff * 2^208.
var truediffone = new(big.Int).Lsh(big.NewInt(0xffff), 208)

// DoubleSHA256 returns sha256(sha256(b)).
func DoubleSHA256(b []byte) [32]byte {
	first := sha256.Sum256(b)
	return sha256.Sum256(first[:])
}

// TargetFromBits expands a compact nBits value. The mantissa is the low 23
// bits and the exponent the top byte; the sign bit is ignored.
func TargetFromBits(bits uint32) *big.Int {
	mantissa := big.NewInt(int64(bits & 0x007fffff))
	exponent := int(bits >> 24)
	if exponent <= 3 {
		return mantissa.Rsh(mantissa, uint(8*(3-exponent)))
	}
	return mantissa.Lsh(mantissa, uint(8*(exponent-3)))
}

// NetworkDifficultyFromBits returns 2^208 * 65535 / target. A zero target
// yields +Inf.
func NetworkDifficultyFromBits(bits uint32) float64 {
	return ratio(truediffone, TargetFromBits(bits))
}

// ShareDifficulty double-hashes an 80-byte header, reads the digest as a
// little-endian integer and divides truediffone by it. The hash is returned
// in display (big-endian) hex.
func ShareDifficulty(header []byte) (float64, string) {
	digest := DoubleSHA256(header)
	reversed := reverse(digest[:])
	value := new(big.Int).SetBytes(reversed)
	return ratio(truediffone, value), hex.EncodeToString(reversed)
}

// Meets reports whether a scored share satisfies the required difficulty.
func Meets(shareDifficulty, required float64) bool {
	return shareDifficulty >= required
}

// HeaderMeetsBits reports whether the proof of work of an 80-byte header
// satisfies the compact target bits. Block detection uses this exact
// comparison rather than Meets.
func HeaderMeetsBits(header []byte, bits uint32) bool {
	digest := DoubleSHA256(header)
	return HashMeetsBits(reverse(digest[:]), bits)
}

// HashMeetsBits compares a big-endian hash with the target for bits.
func HashMeetsBits(hash []byte, bits uint32) bool {
	target := TargetFromBits(bits)
	return target.Sign() > 0 && new(big.Int).SetBytes(hash).Cmp(target) <= 0
}

// ratio computes num/den exactly and rounds once to the nearest float64.
func ratio(num, den *big.Int) float64 {
	if den.Sign() == 0 {
		return math.Inf(1)
	}
	f, _ := new(big.Rat).SetFrac(num, den).Float64()
	return f
}

func reverse(b []byte) []byte {
	out := make([]byte, len(b))
	for i := range b {
		out[len(b)-1-i] = b[i]
	}
	return out
}
