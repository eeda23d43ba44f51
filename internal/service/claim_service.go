package service

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"time"

	"github.com/eigensurance/internal/adapter"
	"github.com/eigensurance/internal/config"
	apperrors "github.com/eigensurance/internal/errors"
	"github.com/eigensurance/internal/logging"
	"github.com/eigensurance/internal/models"
	"github.com/eigensurance/internal/retry"
	"github.com/eigensurance/internal/storage"
	"github.com/eigensurance/internal/types"
	"github.com/ethereum/go-ethereum/common"
)

// ClaimRepository interface for claim data operations
type ClaimRepository interface {
	Create(ctx context.Context, claim *models.Claim) error
	Update(ctx context.Context, claim *models.Claim) error
	GetByID(ctx context.Context, userID, id string) (*models.Claim, error)
	ListByUser(ctx context.Context, userID string) ([]*models.Claim, error)
	ListUnfinished(ctx context.Context) ([]*models.Claim, error)
}

// ApprovalVoting interface for the claim approval AVS
type ApprovalVoting interface {
	CreateTask(ctx context.Context, ipfsHash string, voteThreshold int) (string, error)
	AwaitApproval(ctx context.Context, ipfsHash string, onAttempt func(attempt int)) (*adapter.ClaimApproval, error)
}

// Reimburser interface for paying out approved claims
type Reimburser interface {
	Reimburse(ctx context.Context, holder common.Address, amountWei *big.Int) (common.Hash, error)
}

// ClaimEnqueuer hands a submitted claim to background processing
type ClaimEnqueuer interface {
	Enqueue(claim *models.Claim) error
}

// ClaimService files claims and drives them through approval and payout
type ClaimService struct {
	claims            ClaimRepository
	pinner            JSONPinner
	avs               ApprovalVoting
	reimburser        Reimburser
	audit             *AuditLog
	queue             ClaimEnqueuer
	voteThreshold     int
	approvalThreshold float64
	ethUSDRate        float64
	awaitPoll         *retry.RetryConfig
}

// NewClaimService creates a new claim service. reimburser is nil when payouts
// are disabled; approved claims then stay approved.
func NewClaimService(
	claims ClaimRepository,
	pinner JSONPinner,
	avs ApprovalVoting,
	reimburser Reimburser,
	audit *AuditLog,
	avsCfg *config.AVSConfig,
	pricing config.PricingConfig,
) *ClaimService {
	return &ClaimService{
		claims:            claims,
		pinner:            pinner,
		avs:               avs,
		reimburser:        reimburser,
		audit:             audit,
		voteThreshold:     avsCfg.VoteThreshold,
		approvalThreshold: avsCfg.ApprovalThreshold,
		ethUSDRate:        pricing.EthUSDRate,
		awaitPoll:         retry.PollConfig(250*time.Millisecond, 2*time.Second, 600),
	}
}

// SetQueue wires the processing queue; the queue itself depends on the service
func (s *ClaimService) SetQueue(q ClaimEnqueuer) {
	s.queue = q
}

// ClaimInput represents input for filing a claim
type ClaimInput struct {
	User        string
	ChatID      string
	Description string
	AmountUSD   float64
}

// Submit pins the claim, opens an approval task and stores the claim as
// submitted. Polling and payout continue in the background.
func (s *ClaimService) Submit(ctx context.Context, in ClaimInput) (*models.Claim, error) {
	if strings.TrimSpace(in.Description) == "" {
		return nil, apperrors.NewInvalidParameterError("claimDescription", "must not be empty")
	}
	amount, err := NormalizeUSD(in.AmountUSD)
	if err != nil {
		return nil, apperrors.NewInvalidParameterError("claimAmount", err.Error())
	}
	in.AmountUSD = amount

	user := strings.ToLower(in.User)
	logger := logging.FromContext(ctx).WithField("chatId", in.ChatID)
	event := models.AuditEvent{UserID: user, ChatID: in.ChatID, Tool: string(types.ToolClaimInsurance)}

	ipfsHash, err := s.pinner.PinJSON(ctx, ClaimDocumentName, pinnedRecord{
		Name:        ClaimDocumentName,
		Description: in.Description,
		Amount:      in.AmountUSD,
	})
	if err != nil {
		s.audit.Record(ctx, withStage(event, models.StagePin, AuditFailed, "", err.Error()))
		return nil, err
	}
	s.audit.Record(ctx, withStage(event, models.StagePin, AuditOK, ipfsHash, ""))

	taskID, err := s.avs.CreateTask(ctx, ipfsHash, s.voteThreshold)
	if err != nil {
		s.audit.Record(ctx, withStage(event, models.StageTask, AuditFailed, ipfsHash, err.Error()))
		return nil, err
	}

	claim := &models.Claim{
		UserID:      user,
		ChatID:      optional(in.ChatID),
		Description: in.Description,
		AmountUSD:   in.AmountUSD,
		IPFSHash:    ipfsHash,
		TaskID:      taskID,
		Status:      types.ClaimSubmitted,
	}
	if err := s.claims.Create(ctx, claim); err != nil {
		return nil, apperrors.NewDatabaseError("create claim", err)
	}
	s.audit.Record(ctx, withStage(event, models.StageTask, AuditOK, claim.ID, taskID))

	logger.WithFields(map[string]interface{}{
		"claimId":  claim.ID,
		"ipfsHash": ipfsHash,
		"taskId":   taskID,
	}).Info("Claim submitted")

	if s.queue != nil {
		// the worker mutates its claim while the caller still reads this one
		queued := *claim
		if err := s.queue.Enqueue(&queued); err != nil {
			// the claim stays submitted and is picked up when the queue restarts
			logger.WithError(err).WithField("claimId", claim.ID).Warn("Failed to enqueue claim")
		}
	}
	return claim, nil
}

// Process advances a claim as far as it can go: poll the vote, decide, pay out.
// Every transition is persisted before the next step starts. Cancelling ctx
// leaves the claim in its current state for a later run to resume.
func (s *ClaimService) Process(ctx context.Context, claim *models.Claim) error {
	logger := logging.FromContext(ctx).WithFields(map[string]interface{}{
		"claimId":  claim.ID,
		"ipfsHash": claim.IPFSHash,
	})
	ctx = logging.WithLogger(ctx, logger)
	// writes after cancellation must still land
	persist := context.WithoutCancel(ctx)

	event := models.AuditEvent{UserID: claim.UserID, Tool: string(types.ToolClaimInsurance), RefID: claim.ID}
	if claim.ChatID != nil {
		event.ChatID = *claim.ChatID
	}

	if claim.Status == types.ClaimSubmitted || claim.Status == types.ClaimPolling {
		claim.Status = types.ClaimPolling
		if err := s.claims.Update(persist, claim); err != nil {
			return apperrors.NewDatabaseError("update claim", err)
		}

		approval, err := s.avs.AwaitApproval(ctx, claim.IPFSHash, func(attempt int) {
			claim.Attempts = attempt
		})
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("Claim processing interrupted")
				return ctx.Err()
			}
			status := types.ClaimFailed
			if apperrors.HasCode(err, apperrors.CodeClaimPollTimeout) {
				status = types.ClaimTimedOut
			}
			claim.Fail(status, apperrors.Categorize(err).Message)
			s.audit.Record(ctx, withStage(event, models.StagePoll, AuditFailed, claim.IPFSHash, string(status)))
			logger.WithError(err).WithField("status", status).Warn("Claim approval failed")
			return s.save(persist, claim)
		}

		rate := approval.ApprovalRate
		claim.ApprovalRate = &rate
		if rate > s.approvalThreshold {
			claim.Status = types.ClaimApproved
		} else {
			claim.Status = types.ClaimDenied
		}
		s.audit.Record(ctx, withStage(event, models.StagePoll, AuditOK, claim.IPFSHash, string(claim.Status)))
		logger.WithFields(map[string]interface{}{
			"approvalRate": rate,
			"status":       claim.Status,
		}).Info("Claim vote completed")
		if err := s.save(persist, claim); err != nil {
			return err
		}
	}

	if claim.Status != types.ClaimApproved || s.reimburser == nil {
		return nil
	}

	amount := USDToWei(claim.AmountUSD, s.ethUSDRate)
	tx, err := s.reimburser.Reimburse(ctx, common.HexToAddress(claim.UserID), amount)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		claim.Fail(types.ClaimReimbursementFailed, apperrors.Categorize(err).Message)
		s.audit.Record(ctx, withStage(event, models.StageReimburse, AuditFailed, claim.ID, err.Error()))
		logger.WithError(err).Error("Reimbursement failed")
		return s.save(persist, claim)
	}

	hash := tx.Hex()
	claim.Status = types.ClaimReimbursed
	claim.ReimbursementTx = &hash
	s.audit.Record(ctx, withStage(event, models.StageReimburse, AuditOK, hash, amount.String()))
	return s.save(persist, claim)
}

func (s *ClaimService) save(ctx context.Context, claim *models.Claim) error {
	if err := s.claims.Update(ctx, claim); err != nil {
		return apperrors.NewDatabaseError("update claim", err)
	}
	return nil
}

// IsFinished reports whether Process has nothing left to do for the claim
func (s *ClaimService) IsFinished(claim *models.Claim) bool {
	if claim.Status.IsTerminal() {
		return true
	}
	return claim.Status == types.ClaimApproved && s.reimburser == nil
}

// Unfinished returns every claim a worker still has to process
func (s *ClaimService) Unfinished(ctx context.Context) ([]*models.Claim, error) {
	claims, err := s.claims.ListUnfinished(ctx)
	if err != nil {
		return nil, apperrors.NewDatabaseError("list unfinished claims", err)
	}
	pending := claims[:0]
	for _, c := range claims {
		if !s.IsFinished(c) {
			pending = append(pending, c)
		}
	}
	return pending, nil
}

// AwaitClaim blocks until the claim is finished or ctx ends
func (s *ClaimService) AwaitClaim(ctx context.Context, user, id string) (*models.Claim, error) {
	claim, result := retry.Poll(ctx, s.awaitPoll, func(ctx context.Context, attempt int) (*models.Claim, bool, error) {
		c, err := s.Get(ctx, user, id)
		if err != nil {
			return nil, false, err
		}
		return c, s.IsFinished(c), nil
	})
	if result.Success {
		return claim, nil
	}
	if err := ctx.Err(); err != nil {
		return claim, err
	}
	if errors.Is(result.LastError, retry.ErrNotReady) {
		return claim, apperrors.NewClaimPollTimeoutError(claim.IPFSHash, result.Attempts)
	}
	return nil, result.LastError
}

// Get returns one of the user's claims
func (s *ClaimService) Get(ctx context.Context, user, id string) (*models.Claim, error) {
	claim, err := s.claims.GetByID(ctx, user, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, apperrors.NewNotFoundError("claim", id)
		}
		return nil, apperrors.NewDatabaseError("get claim", err)
	}
	return claim, nil
}

// List returns the user's claims, newest first
func (s *ClaimService) List(ctx context.Context, user string) ([]*models.Claim, error) {
	claims, err := s.claims.ListByUser(ctx, user)
	if err != nil {
		return nil, apperrors.NewDatabaseError("list claims", err)
	}
	return claims, nil
}
