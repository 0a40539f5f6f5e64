package job

import (
	"errors"
	"fmt"
	"math"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
)

// Payout is one coinbase recipient. Script is filled by ResolvePayouts.
type Payout struct {
	Address string
	Percent float64
	Script  []byte
}

// PayoutSplit is the ordered recipient list. The first entry receives the
// rounding remainder.
type PayoutSplit []Payout

// ErrUnsupportedAddress is returned for addresses that decode but have no
// standard output script this pool pays to (e.g. bare P2PK).
var ErrUnsupportedAddress = errors.New("unsupported address type")

// ResolveAddress decodes addr for the given network and returns the output
// script paying it. P2PKH, P2SH, P2WPKH, P2WSH and P2TR are supported.
func ResolveAddress(addr string, params *chaincfg.Params) (btcutil.Address, []byte, error) {
	decoded, err := btcutil.DecodeAddress(addr, params)
	if err != nil {
		return nil, nil, fmt.Errorf("decode %q: %w", addr, err)
	}
	if !decoded.IsForNet(params) {
		return nil, nil, fmt.Errorf("address %q is not for %s", addr, params.Name)
	}

	switch decoded.(type) {
	case *btcutil.AddressPubKeyHash, *btcutil.AddressScriptHash,
		*btcutil.AddressWitnessPubKeyHash, *btcutil.AddressWitnessScriptHash,
		*btcutil.AddressTaproot:
	default:
		return nil, nil, fmt.Errorf("%w: %q", ErrUnsupportedAddress, addr)
	}

	script, err := txscript.PayToAddrScript(decoded)
	if err != nil {
		return nil, nil, fmt.Errorf("script for %q: %w", addr, err)
	}
	return decoded, script, nil
}

// ResolvePayouts validates a configured split and attaches output scripts.
// Percentages must be positive and sum to at most 100.
func ResolvePayouts(entries []Payout, params *chaincfg.Params) (PayoutSplit, error) {
	if len(entries) == 0 {
		return nil, fmt.Errorf("payout split is empty")
	}

	split := make(PayoutSplit, 0, len(entries))
	var total float64
	for _, e := range entries {
		if e.Percent <= 0 || math.IsNaN(e.Percent) {
			return nil, fmt.Errorf("payout %q: percent must be positive, got %v", e.Address, e.Percent)
		}
		total += e.Percent

		_, script, err := ResolveAddress(e.Address, params)
		if err != nil {
			return nil, fmt.Errorf("payout: %w", err)
		}
		split = append(split, Payout{Address: e.Address, Percent: e.Percent, Script: script})
	}

	if total > 100+1e-9 {
		return nil, fmt.Errorf("payout percentages sum to %v, above 100", total)
	}
	return split, nil
}

// Amounts divides value by percentage, flooring each share. Whatever is
// left, rounding dust and any unallocated percentage, goes to the first
// recipient so the outputs sum to value.
func (s PayoutSplit) Amounts(value int64) []int64 {
	if len(s) == 0 {
		return nil
	}

	amounts := make([]int64, len(s))
	var allocated int64
	for i, p := range s {
		amounts[i] = int64(math.Floor(float64(value) * p.Percent / 100))
		allocated += amounts[i]
	}
	amounts[0] += value - allocated
	return amounts
}
