package service

import (
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/eigensurance/internal/adapter"
	"github.com/eigensurance/internal/config"
	apperrors "github.com/eigensurance/internal/errors"
	"github.com/eigensurance/internal/models"
	"github.com/eigensurance/internal/storage"
	"github.com/eigensurance/internal/types"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPricing() config.PricingConfig {
	return config.PricingConfig{
		EthUSDRate:         3333,
		CoverageMultiplier: 2,
		PolicyTerm:         365 * 24 * time.Hour,
	}
}

type purchaseFixture struct {
	svc       *PurchaseService
	purchases *mockPurchaseRepository
	pinner    *mockPinner
	contract  *mockContract
	audit     *mockAuditRecorder
	cache     *storage.CacheService
}

func newPurchaseFixture(t *testing.T) *purchaseFixture {
	t.Helper()
	cache, _ := newTestCache(t)
	f := &purchaseFixture{
		purchases: newMockPurchaseRepository(),
		pinner:    newMockPinner("QmPurchase"),
		contract:  &mockContract{},
		audit:     &mockAuditRecorder{},
		cache:     cache,
	}
	f.svc = NewPurchaseService(f.purchases, f.pinner, f.contract, cache, NewAuditLog(f.audit), testPricing(), 17000)
	return f
}

func (f *purchaseFixture) prepare(t *testing.T) *PurchaseResult {
	t.Helper()
	result, err := f.svc.Purchase(testCtx(t), PurchaseInput{
		User:        testUser,
		ChatID:      "chat-1",
		Description: "2br house in Austin",
		CoverageUSD: 10000,
	})
	require.NoError(t, err)
	return result
}

func TestPurchaseService_Prepare(t *testing.T) {
	f := newPurchaseFixture(t)
	result := f.prepare(t)

	p := result.Purchase
	assert.Equal(t, types.PurchaseAwaitingSignature, p.Status)
	assert.Equal(t, "QmPurchase", p.IPFSHash)
	assert.Equal(t, "1500150015001500150", p.DepositWei)

	tx := result.Transaction
	assert.Equal(t, int64(17000), tx.ChainID)
	assert.True(t, strings.EqualFold(testPool, tx.To))
	value, err := hexutil.DecodeBig(tx.Value)
	require.NoError(t, err)
	assert.Equal(t, p.DepositWei, value.String())
	assert.Equal(t, hexutil.Encode(append([]byte{0xde, 0xad}, []byte("QmPurchase")...)), tx.Data)

	require.Len(t, f.pinner.pinned, 1)
	record := f.pinner.pinned[0].(pinnedRecord)
	assert.Equal(t, PurchaseDocumentName, record.Name)
	assert.Equal(t, 10000.0, record.Amount)

	assert.Equal(t, []string{"pin:ok", "prepare:ok"}, f.audit.stages())
}

func TestPurchaseService_PinFailure(t *testing.T) {
	f := newPurchaseFixture(t)
	f.pinner.err = apperrors.NewProviderStatusError("pinata", 401, "bad jwt")

	_, err := f.svc.Purchase(testCtx(t), PurchaseInput{User: testUser, Description: "house", CoverageUSD: 100})
	require.Error(t, err)
	assert.Empty(t, f.purchases.purchases)
	assert.Equal(t, []string{"pin:failed"}, f.audit.stages())
}

func TestPurchaseService_RejectsInvalid(t *testing.T) {
	f := newPurchaseFixture(t)

	_, err := f.svc.Purchase(testCtx(t), PurchaseInput{User: testUser, Description: " ", CoverageUSD: 100})
	assert.True(t, apperrors.IsUserError(err))

	_, err = f.svc.Purchase(testCtx(t), PurchaseInput{User: testUser, Description: "house", CoverageUSD: -1})
	assert.True(t, apperrors.IsUserError(err))

	noPool := NewPurchaseService(f.purchases, f.pinner, nil, nil, nil, testPricing(), 17000)
	_, err = noPool.Purchase(testCtx(t), PurchaseInput{User: testUser, Description: "house", CoverageUSD: 100})
	assert.True(t, apperrors.HasCode(err, apperrors.CodeServiceUnavailable))
}

func TestPurchaseService_ConfirmActivates(t *testing.T) {
	f := newPurchaseFixture(t)
	ctx := testCtx(t)
	p := f.prepare(t).Purchase

	require.NoError(t, f.cache.Set(ctx, storage.MetricsKey(testUser), models.InsuranceMetrics{TotalPaidUSD: 1}))

	f.contract.outcome = &adapter.PurchaseOutcome{Success: true, InsuranceID: big.NewInt(7), BlockNumber: 100}
	confirmed, err := f.svc.Confirm(ctx, testUser, p.ID, testTxHash)
	require.NoError(t, err)
	assert.Equal(t, types.PurchaseActive, confirmed.Status)
	require.NotNil(t, confirmed.InsuranceID)
	assert.Equal(t, "7", *confirmed.InsuranceID)

	require.Len(t, f.contract.expected, 1)
	expect := f.contract.expected[0]
	assert.Equal(t, "QmPurchase", expect.IPFSHash)
	assert.Equal(t, p.DepositWei, expect.DepositWei.String())
	assert.Equal(t, strings.ToLower(testUser), strings.ToLower(expect.Holder.Hex()))

	var cached models.InsuranceMetrics
	hit, err := f.cache.Get(ctx, storage.MetricsKey(testUser), &cached)
	require.NoError(t, err)
	assert.False(t, hit, "metrics cache is dropped on activation")

	// confirming again is a no-op
	again, err := f.svc.Confirm(ctx, testUser, p.ID, testTxHash)
	require.NoError(t, err)
	assert.Equal(t, types.PurchaseActive, again.Status)
	assert.Equal(t, 1, f.contract.receipts)
}

func TestPurchaseService_ConfirmPendingBindsHash(t *testing.T) {
	f := newPurchaseFixture(t)
	ctx := testCtx(t)
	p := f.prepare(t).Purchase

	f.contract.err = adapter.ErrReceiptPending
	pending, err := f.svc.Confirm(ctx, testUser, p.ID, testTxHash)
	require.NoError(t, err)
	assert.Equal(t, types.PurchaseAwaitingSignature, pending.Status)
	require.NotNil(t, pending.TxHash)

	_, err = f.svc.Confirm(ctx, testUser, p.ID, testTxHash2)
	assert.True(t, apperrors.HasCode(err, apperrors.CodeConflict))
	assert.Equal(t, *pending.TxHash, apperrors.Categorize(err).Details["txHash"])
}

func TestPurchaseService_ConfirmFailedTransaction(t *testing.T) {
	f := newPurchaseFixture(t)
	p := f.prepare(t).Purchase

	f.contract.outcome = &adapter.PurchaseOutcome{Reason: "transaction reverted"}
	failed, err := f.svc.Confirm(testCtx(t), testUser, p.ID, testTxHash)
	require.NoError(t, err)
	assert.Equal(t, types.PurchaseFailed, failed.Status)
	require.NotNil(t, failed.Error)
	assert.Equal(t, "transaction reverted", *failed.Error)
	assert.Contains(t, f.audit.stages(), "confirm:failed")
}

func TestPurchaseService_ConfirmScopedToOwner(t *testing.T) {
	f := newPurchaseFixture(t)
	p := f.prepare(t).Purchase

	_, err := f.svc.Confirm(testCtx(t), testOther, p.ID, testTxHash)
	assert.True(t, apperrors.HasCode(err, apperrors.CodeNotFound))

	_, err = f.svc.Confirm(testCtx(t), testUser, p.ID, "0x1234")
	assert.True(t, apperrors.IsUserError(err))
}

func TestPurchaseService_ConfirmRejectsReusedTransaction(t *testing.T) {
	f := newPurchaseFixture(t)
	ctx := testCtx(t)
	first := f.prepare(t).Purchase
	second := f.prepare(t).Purchase

	f.contract.outcome = &adapter.PurchaseOutcome{Success: true, InsuranceID: big.NewInt(1), BlockNumber: 10}
	_, err := f.svc.Confirm(ctx, testUser, first.ID, testTxHash)
	require.NoError(t, err)

	_, err = f.svc.Confirm(ctx, testUser, second.ID, testTxHash)
	assert.True(t, apperrors.HasCode(err, apperrors.CodeConflict), "got %v", err)
	assert.Equal(t, testTxHash, apperrors.Categorize(err).Details["txHash"])

	stored, err := f.svc.Get(ctx, testUser, second.ID)
	require.NoError(t, err)
	assert.Equal(t, types.PurchaseAwaitingSignature, stored.Status)
}

func TestPurchaseService_CoverageOutOfRange(t *testing.T) {
	f := newPurchaseFixture(t)

	for _, coverage := range []float64{0.004, 2e15} {
		_, err := f.svc.Purchase(testCtx(t), PurchaseInput{User: testUser, Description: "shed", CoverageUSD: coverage})
		assert.True(t, apperrors.IsUserError(err), "coverage %v: %v", coverage, err)
	}
	assert.Empty(t, f.pinner.pinned, "nothing is pinned for a rejected amount")
}
