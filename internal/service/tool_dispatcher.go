package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	apperrors "github.com/eigensurance/internal/errors"
	"github.com/eigensurance/internal/logging"
	"github.com/eigensurance/internal/models"
	"github.com/eigensurance/internal/types"
)

// ToolInvocation is a validated tool call
type ToolInvocation struct {
	Tool        types.ToolName
	Description string
	AmountUSD   float64
}

// ParseToolCall validates the assistant's tool call. Both tools take a
// non-empty description and a positive dollar amount; the amount may arrive as
// a JSON number or a numeric string and is rounded to cents.
func ParseToolCall(call types.ToolCall) (*ToolInvocation, error) {
	var descParam, amountParam string
	switch call.Name {
	case types.ToolBuyInsurance:
		descParam, amountParam = "homeDescription", "coverageAmountUSD"
	case types.ToolClaimInsurance:
		descParam, amountParam = "claimDescription", "claimAmount"
	default:
		return nil, apperrors.NewInvalidInputError(fmt.Sprintf("unknown tool %q", call.Name))
	}

	if len(call.Arguments) != 2 {
		return nil, apperrors.NewInvalidInputError(fmt.Sprintf("%s expects 2 arguments, got %d", call.Name, len(call.Arguments)))
	}

	var description string
	if err := json.Unmarshal(call.Arguments[0], &description); err != nil {
		return nil, apperrors.NewInvalidParameterError(descParam, "must be a string")
	}
	description = strings.TrimSpace(description)
	if description == "" {
		return nil, apperrors.NewInvalidParameterError(descParam, "must not be empty")
	}

	amount, err := parseAmount(call.Arguments[1])
	if err != nil {
		return nil, apperrors.NewInvalidParameterError(amountParam, err.Error())
	}

	return &ToolInvocation{Tool: call.Name, Description: description, AmountUSD: amount}, nil
}

func parseAmount(raw json.RawMessage) (float64, error) {
	raw = bytes.TrimSpace(raw)
	var text string
	if len(raw) > 0 && raw[0] == '"' {
		if err := json.Unmarshal(raw, &text); err != nil {
			return 0, fmt.Errorf("must be a number")
		}
		text = strings.TrimPrefix(strings.ReplaceAll(strings.TrimSpace(text), ",", ""), "$")
	} else {
		var n json.Number
		if err := json.Unmarshal(raw, &n); err != nil {
			return 0, fmt.Errorf("must be a number")
		}
		text = n.String()
	}

	v, err := strconv.ParseFloat(text, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("must be a number")
	}
	if v <= 0 {
		return 0, fmt.Errorf("must be positive")
	}
	return NormalizeUSD(v)
}

// Action reports what dispatching a tool call did
type Action struct {
	Tool     types.ToolName     `json:"tool"`
	Status   types.ActionStatus `json:"status"`
	Claim    *models.Claim      `json:"claim,omitempty"`
	Purchase *PurchaseResult    `json:"purchase,omitempty"`
	Error    string             `json:"error,omitempty"`
}

// Purchaser interface for starting an insurance purchase
type Purchaser interface {
	Purchase(ctx context.Context, in PurchaseInput) (*PurchaseResult, error)
}

// ClaimSubmitter interface for filing a claim
type ClaimSubmitter interface {
	Submit(ctx context.Context, in ClaimInput) (*models.Claim, error)
}

// ToolDispatcher executes validated tool calls
type ToolDispatcher struct {
	purchases Purchaser
	claims    ClaimSubmitter
	audit     *AuditLog
}

// NewToolDispatcher creates a new tool dispatcher
func NewToolDispatcher(purchases Purchaser, claims ClaimSubmitter, audit *AuditLog) *ToolDispatcher {
	return &ToolDispatcher{purchases: purchases, claims: claims, audit: audit}
}

// Dispatch runs call on behalf of user. Failures are reported in the returned
// action rather than as an error so the chat reply is still delivered.
func (d *ToolDispatcher) Dispatch(ctx context.Context, user, chatID string, call types.ToolCall) *Action {
	logger := logging.FromContext(ctx).WithFields(map[string]interface{}{
		"tool":   call.Name,
		"chatId": chatID,
	})
	action := &Action{Tool: call.Name}

	inv, err := ParseToolCall(call)
	if err != nil {
		d.audit.Record(ctx, models.AuditEvent{
			UserID: user, ChatID: chatID, Tool: string(call.Name),
			Stage: models.StageParse, Status: AuditFailed, Detail: err.Error(),
		})
		return d.failed(action, err)
	}

	switch inv.Tool {
	case types.ToolBuyInsurance:
		result, err := d.purchases.Purchase(ctx, PurchaseInput{
			User:        user,
			ChatID:      chatID,
			Description: inv.Description,
			CoverageUSD: inv.AmountUSD,
		})
		if err != nil {
			logger.WithError(err).Warn("Insurance purchase failed")
			return d.failed(action, err)
		}
		action.Status = types.ActionPending
		action.Purchase = result

	case types.ToolClaimInsurance:
		claim, err := d.claims.Submit(ctx, ClaimInput{
			User:        user,
			ChatID:      chatID,
			Description: inv.Description,
			AmountUSD:   inv.AmountUSD,
		})
		if err != nil {
			logger.WithError(err).Warn("Claim submission failed")
			return d.failed(action, err)
		}
		action.Status = types.ActionSubmitted
		action.Claim = claim
	}

	return action
}

// failed reports err without leaking internal causes
func (d *ToolDispatcher) failed(action *Action, err error) *Action {
	action.Status = types.ActionFailed
	action.Error = apperrors.Categorize(err).Message
	return action
}
