package job

import (
	"bytes"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/bardlex/stratumpool/pkg/log"
)

const (
	genesisAddress = "1A1zP1eP5QGefi2DMPTfTL5SLmv7DivfNa"
	segwitAddress  = "bc1qw508d6qejxtdg4y5r3zarvary0c5xw7kv8f3t4"
	regtestAddress = "bcrt1qw508d6qejxtdg4y5r3zarvary0c5xw7kygt080"

	// one-input one-output version 2 transaction paying P2WPKH
	synTxHex = "02000000" + "01" +
		"1111111111111111111111111111111111111111111111111111111111111111" + "00000000" +
		"00" + "fdffffff" + "01" + "e803000000000000" +
		"16" + "0014" + "2222222222222222222222222222222222222222" + "00000000"
	synTxID     = "00205e95ad0130cf5c2ad9edf40b81223a12d4d9963b846ec8a79526dc754482"
	synBranch   = "824475dc2695a7c86e843b96d9d4123a22810bf4edd92a5ccf3001ad955e2000"
	synWitRoot  = "88f3e1dccd4adb643198ae567737730392fbcdcb47dd0891d360ba86ec282fc1"
	regtestPrev = "0f9188f13cb7b2c71f2a335e3a4fc328bf5beb436012afca590b1a11466e2206"

	regtestPart1 = "01000000010000000000000000000000000000000000000000000000000000000000000000ffffffff0a0165"
	regtestPart2 = "ffffffff0200f2052a01000000160014751e76e8199196d454941c45d1b3a323f1433bd6" +
		"0000000000000000266a24aa21a9ed" + synWitRoot + "00000000"
)

func mustDecodeHex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	if err != nil {
		t.Fatalf("decode %q: %v", s, err)
	}
	return b
}

func synTx(t *testing.T) *wire.MsgTx {
	t.Helper()
	tx := &wire.MsgTx{}
	if err := tx.Deserialize(bytes.NewReader(mustDecodeHex(t, synTxHex))); err != nil {
		t.Fatalf("deserialize synthetic tx: %v", err)
	}
	return tx
}

func mustHash(t *testing.T, display string) chainhash.Hash {
	t.Helper()
	h, err := chainhash.NewHashFromStr(display)
	if err != nil {
		t.Fatal(err)
	}
	return *h
}

func mustSplit(t *testing.T, params *chaincfg.Params, entries ...Payout) PayoutSplit {
	t.Helper()
	split, err := ResolvePayouts(entries, params)
	if err != nil {
		t.Fatalf("ResolvePayouts() error = %v", err)
	}
	return split
}

// regtestTemplate is the template behind the end-to-end fixture.
func regtestTemplate(t *testing.T) *Template {
	t.Helper()
	return NewTemplate(0x20000000, 0x207fffff, mustHash(t, regtestPrev), 101, 5000000000, 1700000000,
		[]*wire.MsgTx{synTx(t)})
}

func regtestBlockHex(t *testing.T) string {
	t.Helper()
	raw, err := os.ReadFile(filepath.Join("testdata", "regtest_block.hex"))
	if err != nil {
		t.Fatal(err)
	}
	return strings.TrimSpace(string(raw))
}

func newTestBuilder() *Builder {
	return NewBuilder(log.Nop())
}
