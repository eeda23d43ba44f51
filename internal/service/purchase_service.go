package service

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"regexp"
	"strings"

	"github.com/eigensurance/internal/adapter"
	"github.com/eigensurance/internal/config"
	apperrors "github.com/eigensurance/internal/errors"
	"github.com/eigensurance/internal/logging"
	"github.com/eigensurance/internal/models"
	"github.com/eigensurance/internal/storage"
	"github.com/eigensurance/internal/types"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Pinned document names
const (
	PurchaseDocumentName = "EigenInsure Insurance Purchase"
	ClaimDocumentName    = "EigenInsure Insurance Claim"
)

var txHashPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{64}$`)

// PurchaseRepository interface for purchase data operations
type PurchaseRepository interface {
	Create(ctx context.Context, p *models.Purchase) error
	Update(ctx context.Context, p *models.Purchase) error
	GetByID(ctx context.Context, userID, id string) (*models.Purchase, error)
	ListByUser(ctx context.Context, userID string) ([]*models.Purchase, error)
}

// JSONPinner interface for pinning JSON documents to IPFS
type JSONPinner interface {
	PinJSON(ctx context.Context, name string, v interface{}) (string, error)
}

// PolicyContract interface for the purchase side of the insurance pool
type PolicyContract interface {
	Address() common.Address
	BuyInsuranceCalldata(ipfsHash string) ([]byte, error)
	PurchaseReceipt(ctx context.Context, txHash common.Hash, expect adapter.PurchaseExpectation) (*adapter.PurchaseOutcome, error)
}

// pinnedRecord is the IPFS document of a purchase or claim
type pinnedRecord struct {
	Name        string  `json:"name"`
	Description string  `json:"description"`
	Amount      float64 `json:"amount"`
}

// PurchaseService prepares insurance purchases for the user's wallet and
// confirms them once the transaction is mined
type PurchaseService struct {
	purchases PurchaseRepository
	pinner    JSONPinner
	contract  PolicyContract
	cache     Cache
	audit     *AuditLog
	pricing   config.PricingConfig
	chainID   int64
}

// NewPurchaseService creates a new purchase service. contract may be nil when
// no insurance pool is configured; purchases are then refused.
func NewPurchaseService(
	purchases PurchaseRepository,
	pinner JSONPinner,
	contract PolicyContract,
	cache Cache,
	audit *AuditLog,
	pricing config.PricingConfig,
	chainID int64,
) *PurchaseService {
	return &PurchaseService{
		purchases: purchases,
		pinner:    pinner,
		contract:  contract,
		cache:     cache,
		audit:     audit,
		pricing:   pricing,
		chainID:   chainID,
	}
}

// PurchaseInput represents input for buying a policy
type PurchaseInput struct {
	User        string
	ChatID      string
	Description string
	CoverageUSD float64
}

// UnsignedTx is the transaction the user's wallet must sign and send
type UnsignedTx struct {
	ChainID int64  `json:"chainId"`
	To      string `json:"to"`
	Value   string `json:"value"`
	Data    string `json:"data"`
}

// PurchaseResult is a prepared purchase
type PurchaseResult struct {
	Purchase    *models.Purchase `json:"purchase"`
	Transaction *UnsignedTx      `json:"transaction"`
}

// Purchase pins the purchase record, prices the deposit and prepares the
// buyInsurance call. The policy becomes active once Confirm sees the mined transaction.
func (s *PurchaseService) Purchase(ctx context.Context, in PurchaseInput) (*PurchaseResult, error) {
	if s.contract == nil {
		return nil, apperrors.NewServiceUnavailableError("insurance pool")
	}
	if strings.TrimSpace(in.Description) == "" {
		return nil, apperrors.NewInvalidParameterError("homeDescription", "must not be empty")
	}
	coverage, err := NormalizeUSD(in.CoverageUSD)
	if err != nil {
		return nil, apperrors.NewInvalidParameterError("coverageAmountUSD", err.Error())
	}
	in.CoverageUSD = coverage
	deposit := DepositWei(in.CoverageUSD, s.pricing.CoverageMultiplier, s.pricing.EthUSDRate)
	if deposit.Sign() == 0 {
		return nil, apperrors.NewInvalidParameterError("coverageAmountUSD", "too small to price")
	}

	user := strings.ToLower(in.User)
	event := models.AuditEvent{UserID: user, ChatID: in.ChatID, Tool: string(types.ToolBuyInsurance)}

	ipfsHash, err := s.pinner.PinJSON(ctx, PurchaseDocumentName, pinnedRecord{
		Name:        PurchaseDocumentName,
		Description: in.Description,
		Amount:      in.CoverageUSD,
	})
	if err != nil {
		s.audit.Record(ctx, withStage(event, models.StagePin, AuditFailed, "", err.Error()))
		return nil, err
	}
	s.audit.Record(ctx, withStage(event, models.StagePin, AuditOK, ipfsHash, ""))

	data, err := s.contract.BuyInsuranceCalldata(ipfsHash)
	if err != nil {
		return nil, apperrors.NewInternalError("failed to encode purchase call", err)
	}

	purchase := &models.Purchase{
		UserID:      user,
		ChatID:      optional(in.ChatID),
		Description: in.Description,
		CoverageUSD: in.CoverageUSD,
		DepositWei:  deposit.String(),
		IPFSHash:    ipfsHash,
		Status:      types.PurchaseAwaitingSignature,
	}
	if err := s.purchases.Create(ctx, purchase); err != nil {
		return nil, apperrors.NewDatabaseError("create purchase", err)
	}
	s.audit.Record(ctx, withStage(event, models.StagePrepare, AuditOK, purchase.ID, deposit.String()))

	logging.FromContext(ctx).WithFields(map[string]interface{}{
		"purchaseId": purchase.ID,
		"ipfsHash":   ipfsHash,
		"depositWei": purchase.DepositWei,
	}).Info("Insurance purchase prepared")

	return &PurchaseResult{
		Purchase: purchase,
		Transaction: &UnsignedTx{
			ChainID: s.chainID,
			To:      s.contract.Address().Hex(),
			Value:   hexutil.EncodeBig(deposit),
			Data:    hexutil.Encode(data),
		},
	}, nil
}

// Confirm checks the transaction the wallet sent for a purchase. An unmined
// transaction leaves the purchase awaiting; a confirmed one activates it.
func (s *PurchaseService) Confirm(ctx context.Context, user, purchaseID, txHash string) (*models.Purchase, error) {
	if !txHashPattern.MatchString(txHash) {
		return nil, apperrors.NewInvalidParameterError("txHash", "must be a 32-byte hex hash")
	}
	if s.contract == nil {
		return nil, apperrors.NewServiceUnavailableError("insurance pool")
	}

	purchase, err := s.Get(ctx, user, purchaseID)
	if err != nil {
		return nil, err
	}
	if purchase.Status != types.PurchaseAwaitingSignature {
		return purchase, nil
	}
	if purchase.TxHash != nil && !strings.EqualFold(*purchase.TxHash, txHash) {
		return nil, apperrors.NewConflictError("purchase is already bound to another transaction").WithDetail("txHash", *purchase.TxHash)
	}

	event := models.AuditEvent{UserID: purchase.UserID, Tool: string(types.ToolBuyInsurance), RefID: purchase.ID}
	if purchase.ChatID != nil {
		event.ChatID = *purchase.ChatID
	}

	deposit, ok := new(big.Int).SetString(purchase.DepositWei, 10)
	if !ok {
		return nil, apperrors.NewInternalError("stored deposit is not a number", fmt.Errorf("purchase %s: %q", purchase.ID, purchase.DepositWei))
	}
	outcome, err := s.contract.PurchaseReceipt(ctx, common.HexToHash(txHash), adapter.PurchaseExpectation{
		Holder:     common.HexToAddress(purchase.UserID),
		IPFSHash:   purchase.IPFSHash,
		DepositWei: deposit,
	})
	hash := strings.ToLower(txHash)
	purchase.TxHash = &hash
	switch {
	case errors.Is(err, adapter.ErrReceiptPending):
		// keep the hash so the next confirm cannot bind another transaction
	case err != nil:
		return nil, err
	case outcome.Success:
		id := outcome.InsuranceID.String()
		purchase.Status = types.PurchaseActive
		purchase.InsuranceID = &id
		s.audit.Record(ctx, withStage(event, models.StageConfirm, AuditOK, txHash, "insurance "+id))
	default:
		reason := outcome.Reason
		purchase.Status = types.PurchaseFailed
		purchase.Error = &reason
		s.audit.Record(ctx, withStage(event, models.StageConfirm, AuditFailed, txHash, reason))
	}

	if err := s.purchases.Update(ctx, purchase); err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			return nil, apperrors.NewConflictError("transaction already confirms another purchase").WithDetail("txHash", txHash)
		}
		return nil, apperrors.NewDatabaseError("update purchase", err)
	}
	if purchase.Status == types.PurchaseActive {
		if err := s.cache.Invalidate(ctx, storage.MetricsKey(purchase.UserID)); err != nil {
			logging.FromContext(ctx).WithError(err).Warn("Metrics cache invalidation failed")
		}
	}
	return purchase, nil
}

// Get returns one of the user's purchases
func (s *PurchaseService) Get(ctx context.Context, user, id string) (*models.Purchase, error) {
	p, err := s.purchases.GetByID(ctx, user, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, apperrors.NewNotFoundError("purchase", id)
		}
		return nil, apperrors.NewDatabaseError("get purchase", err)
	}
	return p, nil
}

// List returns the user's purchases, newest first
func (s *PurchaseService) List(ctx context.Context, user string) ([]*models.Purchase, error) {
	list, err := s.purchases.ListByUser(ctx, user)
	if err != nil {
		return nil, apperrors.NewDatabaseError("list purchases", err)
	}
	return list, nil
}

func withStage(e models.AuditEvent, stage, status, ref, detail string) models.AuditEvent {
	e.Stage = stage
	e.Status = status
	if ref != "" {
		e.RefID = ref
	}
	e.Detail = detail
	return e
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

