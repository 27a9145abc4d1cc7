package btc

import (
	"math/big"

	"github.com/shopspring/decimal"
)

// Decimals is the number of decimal places of one BTC in satoshis.
const Decimals = 8

// SatoshiToBTC converts an amount in satoshis to BTC.
func SatoshiToBTC(sat uint64) decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(sat), -Decimals)
}

// FormatBTC renders sat as BTC with at most maxDecimals decimal places,
// rounding down and dropping trailing zeros.
func FormatBTC(sat uint64, maxDecimals int32) string {
	if maxDecimals < 0 || maxDecimals > Decimals {
		maxDecimals = Decimals
	}
	return SatoshiToBTC(sat).Truncate(maxDecimals).String()
}
