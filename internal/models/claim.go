package models

import (
	"time"

	"github.com/eigensurance/internal/types"
)

// Claim is an insurance claim moving through approval and payout.
// Every status transition is written back so a restarted worker can resume it.
type Claim struct {
	ID              string            `json:"id" db:"id"`
	UserID          string            `json:"userId" db:"user_id"`
	ChatID          *string           `json:"chatId,omitempty" db:"chat_id"`
	Description     string            `json:"description" db:"description"`
	AmountUSD       float64           `json:"amountUsd" db:"amount_usd"`
	IPFSHash        string            `json:"ipfsHash" db:"ipfs_hash"`
	TaskID          string            `json:"taskId,omitempty" db:"task_id"`
	Status          types.ClaimStatus `json:"status" db:"status"`
	Attempts        int               `json:"attempts" db:"attempts"`
	ApprovalRate    *float64          `json:"approvalRate,omitempty" db:"approval_rate"`
	ReimbursementTx *string           `json:"reimbursementTx,omitempty" db:"reimbursement_tx"`
	Error           *string           `json:"error,omitempty" db:"error"`
	CreatedAt       time.Time         `json:"createdAt" db:"created_at"`
	UpdatedAt       time.Time         `json:"updatedAt" db:"updated_at"`
}

// Fail moves the claim to status and records reason
func (c *Claim) Fail(status types.ClaimStatus, reason string) {
	c.Status = status
	c.Error = &reason
}

// Purchase is an insurance purchase. The server prepares the transaction and
// the user's wallet signs and sends it; Confirm promotes it once mined.
type Purchase struct {
	ID          string               `json:"id" db:"id"`
	UserID      string               `json:"userId" db:"user_id"`
	ChatID      *string              `json:"chatId,omitempty" db:"chat_id"`
	Description string               `json:"description" db:"description"`
	CoverageUSD float64              `json:"coverageUsd" db:"coverage_usd"`
	DepositWei  string               `json:"depositWei" db:"deposit_wei"`
	IPFSHash    string               `json:"ipfsHash" db:"ipfs_hash"`
	Status      types.PurchaseStatus `json:"status" db:"status"`
	TxHash      *string              `json:"txHash,omitempty" db:"tx_hash"`
	InsuranceID *string              `json:"insuranceId,omitempty" db:"insurance_id"`
	Error       *string              `json:"error,omitempty" db:"error"`
	CreatedAt   time.Time            `json:"createdAt" db:"created_at"`
	UpdatedAt   time.Time            `json:"updatedAt" db:"updated_at"`
}
