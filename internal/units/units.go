// Package units provides fixed-point amount conversion and asset identifier
// normalization for the lending client.
package units

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

var (
	// WAD is the 1e18 fixed-point scale
	WAD = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
	// RAY is the 1e27 fixed-point scale
	RAY = new(big.Int).Exp(big.NewInt(10), big.NewInt(27), nil)

	// BpsDenominator is the basis-point denominator
	BpsDenominator = big.NewInt(10_000)
)

// Pow10 returns 10^decimals as a big integer
func Pow10(decimals int) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
}

// ToHuman converts a raw fixed-point integer to a human-readable decimal
// string. The conversion is exact; the only transformation beyond placing the
// decimal point is trimming trailing zeros.
func ToHuman(raw *big.Int, decimals int) string {
	if raw == nil || raw.Sign() == 0 {
		return "0"
	}

	value := raw
	negative := false
	if raw.Sign() < 0 {
		negative = true
		value = new(big.Int).Neg(raw)
	}

	divisor := Pow10(decimals)
	intPart := new(big.Int).Div(value, divisor)
	remainder := new(big.Int).Mod(value, divisor)

	result := intPart.String()
	if remainder.Sign() != 0 {
		decimalStr := remainder.String()
		for len(decimalStr) < decimals {
			decimalStr = "0" + decimalStr
		}
		decimalStr = strings.TrimRight(decimalStr, "0")
		if decimalStr != "" {
			result = result + "." + decimalStr
		}
	}

	if negative {
		result = "-" + result
	}
	return result
}

// ToRaw converts a human-readable decimal string to a raw fixed-point
// integer. Digits beyond the asset's decimals are truncated, never rounded.
func ToRaw(human string, decimals int) (*big.Int, error) {
	human = strings.TrimSpace(human)
	if human == "" {
		return nil, fmt.Errorf("empty amount")
	}

	negative := false
	if strings.HasPrefix(human, "-") {
		negative = true
		human = human[1:]
	}

	intStr := human
	fracStr := ""
	if idx := strings.Index(human, "."); idx >= 0 {
		intStr = human[:idx]
		fracStr = human[idx+1:]
		if strings.Contains(fracStr, ".") {
			return nil, fmt.Errorf("malformed amount %q", human)
		}
	}
	if intStr == "" {
		intStr = "0"
	}

	// Truncate fractional digits beyond the asset's precision
	if len(fracStr) > decimals {
		fracStr = fracStr[:decimals]
	}
	for len(fracStr) < decimals {
		fracStr += "0"
	}

	combined := intStr + fracStr
	raw, ok := new(big.Int).SetString(combined, 10)
	if !ok {
		return nil, fmt.Errorf("malformed amount %q", human)
	}

	if negative {
		raw.Neg(raw)
	}
	return raw, nil
}

// NormalizeAssetID canonicalizes an asset identifier to its fixed-width
// lowercase hex form so syntactically different but semantically equal
// identifiers compare equal. Malformed identifiers pass through unchanged so
// callers see a clearer downstream error. Idempotent.
func NormalizeAssetID(id string) string {
	trimmed := strings.TrimSpace(id)
	if !common.IsHexAddress(trimmed) {
		return id
	}
	return strings.ToLower(common.HexToAddress(trimmed).Hex())
}

// ApplyBps scales an amount by (10000 + bps) / 10000, rounding up. Used for
// safety buffers on flash-loan sizing where undershooting would break the
// repayment invariant.
func ApplyBps(amount *big.Int, bps int64) *big.Int {
	if amount == nil {
		return nil
	}
	numerator := new(big.Int).Mul(amount, big.NewInt(10_000+bps))
	return ceilDiv(numerator, BpsDenominator)
}

// MulDiv computes amount * numerator / denominator with full precision,
// truncating the result
func MulDiv(amount, numerator, denominator *big.Int) *big.Int {
	if denominator.Sign() == 0 {
		return new(big.Int)
	}
	out := new(big.Int).Mul(amount, numerator)
	return out.Div(out, denominator)
}

// MulDivCeil computes amount * numerator / denominator, rounding up
func MulDivCeil(amount, numerator, denominator *big.Int) *big.Int {
	if denominator.Sign() == 0 {
		return new(big.Int)
	}
	return ceilDiv(new(big.Int).Mul(amount, numerator), denominator)
}

func ceilDiv(numerator, denominator *big.Int) *big.Int {
	quo, rem := new(big.Int).QuoRem(numerator, denominator, new(big.Int))
	if rem.Sign() > 0 {
		quo.Add(quo, big.NewInt(1))
	}
	return quo
}

// ValueUSD converts a raw amount to its USD value at the given price
func ValueUSD(raw *big.Int, decimals int, priceUSD float64) float64 {
	if raw == nil || raw.Sign() == 0 {
		return 0
	}
	f := new(big.Float).SetInt(raw)
	f.Quo(f, new(big.Float).SetInt(Pow10(decimals)))
	f.Mul(f, big.NewFloat(priceUSD))
	out, _ := f.Float64()
	return out
}

// FromUSD converts a USD value to a raw amount at the given price, truncating
func FromUSD(valueUSD float64, decimals int, priceUSD float64) *big.Int {
	if priceUSD <= 0 || valueUSD <= 0 {
		return new(big.Int)
	}
	f := big.NewFloat(valueUSD)
	f.Quo(f, big.NewFloat(priceUSD))
	f.Mul(f, new(big.Float).SetInt(Pow10(decimals)))
	out, _ := f.Int(nil)
	return out
}
