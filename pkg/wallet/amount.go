// Package wallet implements the payment gate: balance queries, CHI/wei
// conversion by string arithmetic, EIP-155 transaction construction and
// submission with the network's retry policy, and local transaction
// metadata used to enrich on-chain history.
package wallet

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
)

// weiPerCHI is 10^18.
var weiPerCHI = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

// maxWei caps amounts at the 128-bit range the wire format assumes.
var maxWei = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 128), big.NewInt(1))

// ErrAmountOverflow indicates an amount outside the representable range.
var ErrAmountOverflow = errors.New("amount overflow")

// ParseCHIToWei converts a decimal CHI amount string to wei using string
// arithmetic; floating point would lose the smallest denominations.
// Fractional digits beyond 18 are truncated. Accepts forms like "1", ".5"
// and "0.000000000000000001".
func ParseCHIToWei(amount string) (*big.Int, error) {
	amount = strings.TrimSpace(amount)
	parts := strings.Split(amount, ".")
	if len(parts) > 2 {
		return nil, fmt.Errorf("invalid amount format %q", amount)
	}

	whole := big.NewInt(0)
	if parts[0] != "" {
		var ok bool
		whole, ok = new(big.Int).SetString(parts[0], 10)
		if !ok || whole.Sign() < 0 {
			return nil, fmt.Errorf("invalid amount %q", amount)
		}
	}

	frac := big.NewInt(0)
	if len(parts) == 2 && parts[1] != "" {
		fracStr := parts[1]
		if len(fracStr) > 18 {
			fracStr = fracStr[:18]
		} else {
			fracStr = fracStr + strings.Repeat("0", 18-len(fracStr))
		}
		var ok bool
		frac, ok = new(big.Int).SetString(fracStr, 10)
		if !ok || frac.Sign() < 0 {
			return nil, fmt.Errorf("invalid amount %q", amount)
		}
	}

	wei := new(big.Int).Mul(whole, weiPerCHI)
	wei.Add(wei, frac)
	if wei.Cmp(maxWei) > 0 {
		return nil, ErrAmountOverflow
	}
	return wei, nil
}

// FormatWeiAsCHI renders wei as a decimal CHI string, again without
// floating point. Trailing fractional zeros are trimmed; whole amounts
// render without a dot.
func FormatWeiAsCHI(wei *big.Int) string {
	if wei == nil || wei.Sign() == 0 {
		return "0"
	}
	q, r := new(big.Int).QuoRem(wei, weiPerCHI, new(big.Int))
	if r.Sign() == 0 {
		return q.String()
	}
	frac := fmt.Sprintf("%018s", r.String())
	frac = strings.TrimRight(frac, "0")
	return q.String() + "." + frac
}
