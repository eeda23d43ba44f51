// Package types provides wire-level type definitions shared across the service.
package types

import (
	"encoding/json"
	"time"
)

// Role identifies the author of a chat message
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Message is one entry of a conversation, in the shape the chat UI sends it
type Message struct {
	ID        string     `json:"id,omitempty"`
	Role      Role       `json:"role"`
	Content   string     `json:"content"`
	CreatedAt *time.Time `json:"createdAt,omitempty"`
}

// ToolName names an action the assistant can ask the backend to perform
type ToolName string

const (
	// ToolBuyInsurance takes (homeDescription string, coverageAmountUSD number)
	ToolBuyInsurance ToolName = "buyInsurance"
	// ToolClaimInsurance takes (claimDescription string, claimAmount number)
	ToolClaimInsurance ToolName = "claimInsurance"
)

// ToolCall is the structured side-effect request embedded in an assistant reply.
// Arguments are kept raw because the model emits numbers both as JSON numbers
// and as numeric strings.
type ToolCall struct {
	Name      ToolName          `json:"name"`
	Arguments []json.RawMessage `json:"arguments"`
}

// AssistantReply is the {text, toolCall} contract the generation endpoint answers with
type AssistantReply struct {
	Text     string    `json:"text"`
	ToolCall *ToolCall `json:"toolCall"`
}

// DocumentType is the kind of file attached to a chat
type DocumentType string

const (
	DocumentImage DocumentType = "image"
	DocumentPDF   DocumentType = "pdf"
)

// ClaimStatus tracks a claim through submission, approval polling and payout
type ClaimStatus string

const (
	ClaimSubmitted           ClaimStatus = "submitted"
	ClaimPolling             ClaimStatus = "polling"
	ClaimApproved            ClaimStatus = "approved"
	ClaimDenied              ClaimStatus = "denied"
	ClaimTimedOut            ClaimStatus = "timed_out"
	ClaimFailed              ClaimStatus = "failed"
	ClaimReimbursed          ClaimStatus = "reimbursed"
	ClaimReimbursementFailed ClaimStatus = "reimbursement_failed"
)

// IsTerminal reports whether no further processing happens for the status.
// Approved is terminal only when reimbursement is disabled; the claim
// processor decides that, so approved is not listed here.
func (s ClaimStatus) IsTerminal() bool {
	switch s {
	case ClaimDenied, ClaimTimedOut, ClaimFailed, ClaimReimbursed, ClaimReimbursementFailed:
		return true
	}
	return false
}

// PurchaseStatus tracks an insurance purchase
type PurchaseStatus string

const (
	PurchaseAwaitingSignature PurchaseStatus = "awaiting_signature"
	PurchaseActive            PurchaseStatus = "active"
	PurchaseFailed            PurchaseStatus = "failed"
)

// ActionStatus is the outcome of dispatching a tool call
type ActionStatus string

const (
	ActionPending   ActionStatus = "pending"
	ActionSubmitted ActionStatus = "submitted"
	ActionFailed    ActionStatus = "failed"
)

// ServiceError represents a structured error response
type ServiceError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func (e *ServiceError) Error() string {
	return e.Message
}
