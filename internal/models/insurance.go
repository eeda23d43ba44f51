package models

import (
	"math/big"
	"time"
)

// InsuranceRecord is the on-chain state of one policy in the insurance pool
type InsuranceRecord struct {
	ID             *big.Int
	Holder         string
	DepositWei     *big.Int
	SecuredWei     *big.Int
	ActivationTime time.Time
	Exists         bool
}

// PolicySummary is one row of the insurance metrics view
type PolicySummary struct {
	ID         string  `json:"id"`
	Name       string  `json:"name"`
	PaidUSD    float64 `json:"paidUsd"`
	CoveredUSD float64 `json:"coveredUsd"`
	Expiry     string  `json:"expiry"`
}

// InsuranceMetrics aggregates a holder's policies
type InsuranceMetrics struct {
	TotalPaidUSD      float64         `json:"totalPaidUsd"`
	TotalCoverableUSD float64         `json:"totalCoverableUsd"`
	Contracts         []PolicySummary `json:"contracts"`
}
