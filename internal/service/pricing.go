package service

import (
	"fmt"
	"math"
	"math/big"
)

// Dollar amounts are stored as NUMERIC(20, 2)
const (
	MinAmountUSD = 0.01
	MaxAmountUSD = 1e15
)

const weiPrecision = 256

var weiPerEth = new(big.Float).SetPrec(weiPrecision).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))

// USDToWei converts a dollar amount to wei at ethUSDRate dollars per ETH, rounding down
func USDToWei(usd, ethUSDRate float64) *big.Int {
	if usd <= 0 || ethUSDRate <= 0 {
		return new(big.Int)
	}
	v := new(big.Float).SetPrec(weiPrecision).SetFloat64(usd)
	v.Quo(v, new(big.Float).SetPrec(weiPrecision).SetFloat64(ethUSDRate))
	v.Mul(v, weiPerEth)
	wei, _ := v.Int(nil)
	return wei
}

// WeiToUSD converts wei to dollars at ethUSDRate dollars per ETH
func WeiToUSD(wei *big.Int, ethUSDRate float64) float64 {
	if wei == nil {
		return 0
	}
	eth := new(big.Float).SetPrec(weiPrecision).SetInt(wei)
	eth.Quo(eth, weiPerEth)
	usd, _ := eth.Mul(eth, new(big.Float).SetPrec(weiPrecision).SetFloat64(ethUSDRate)).Float64()
	return usd
}

// DepositWei is the premium for coverageUSD: the pool secures multiplier times the deposit
func DepositWei(coverageUSD, multiplier, ethUSDRate float64) *big.Int {
	if multiplier <= 0 {
		return new(big.Int)
	}
	return USDToWei(coverageUSD/multiplier, ethUSDRate)
}

// NormalizeUSD rounds a dollar amount to cents and checks it fits the stored range
func NormalizeUSD(v float64) (float64, error) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("must be a number")
	}
	cents := math.Round(v * 100)
	if cents < MinAmountUSD*100 {
		return 0, fmt.Errorf("must be at least %.2f", MinAmountUSD)
	}
	if cents > MaxAmountUSD*100 {
		return 0, fmt.Errorf("must not exceed %.0f", MaxAmountUSD)
	}
	return cents / 100, nil
}
