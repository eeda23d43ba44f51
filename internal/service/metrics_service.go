package service

import (
	"context"
	"math"
	"strings"

	"github.com/eigensurance/internal/config"
	apperrors "github.com/eigensurance/internal/errors"
	"github.com/eigensurance/internal/logging"
	"github.com/eigensurance/internal/models"
	"github.com/eigensurance/internal/storage"
	"github.com/ethereum/go-ethereum/common"
)

// PolicyReader interface for reading a holder's policies from the insurance pool
type PolicyReader interface {
	Insurances(ctx context.Context, holder common.Address) ([]*models.InsuranceRecord, error)
}

// MetricsService summarizes a holder's on-chain policies
type MetricsService struct {
	policies PolicyReader
	cache    Cache
	pricing  config.PricingConfig
}

// NewMetricsService creates a new metrics service. cache may be nil.
func NewMetricsService(policies PolicyReader, cache Cache, pricing config.PricingConfig) *MetricsService {
	return &MetricsService{
		policies: policies,
		cache:    cache,
		pricing:  pricing,
	}
}

// Summary returns the holder's paid and coverable totals with one row per policy
func (s *MetricsService) Summary(ctx context.Context, address string) (*models.InsuranceMetrics, error) {
	if s.policies == nil {
		return nil, apperrors.NewServiceUnavailableError("insurance pool")
	}
	if !common.IsHexAddress(address) {
		return nil, apperrors.NewInvalidAddressError(address)
	}
	address = strings.ToLower(address)
	logger := logging.FromContext(ctx).WithField("address", address)
	key := storage.MetricsKey(address)

	if s.cache != nil {
		var cached models.InsuranceMetrics
		hit, err := s.cache.Get(ctx, key, &cached)
		if err != nil {
			logger.WithError(err).Warn("Metrics cache read failed")
		} else if hit {
			return &cached, nil
		}
	}

	records, err := s.policies.Insurances(ctx, common.HexToAddress(address))
	if err != nil {
		return nil, err
	}

	metrics := s.summarize(records)
	if s.cache != nil {
		if err := s.cache.Set(ctx, key, metrics); err != nil {
			logger.WithError(err).Warn("Metrics cache write failed")
		}
	}
	return metrics, nil
}

func (s *MetricsService) summarize(records []*models.InsuranceRecord) *models.InsuranceMetrics {
	metrics := &models.InsuranceMetrics{Contracts: []models.PolicySummary{}}
	for _, r := range records {
		paid := WeiToUSD(r.DepositWei, s.pricing.EthUSDRate)
		covered := paid * s.pricing.CoverageMultiplier
		metrics.TotalPaidUSD += paid
		metrics.TotalCoverableUSD += covered
		metrics.Contracts = append(metrics.Contracts, models.PolicySummary{
			ID:         r.ID.String(),
			Name:       "Insurance #" + r.ID.String(),
			PaidUSD:    cents(paid),
			CoveredUSD: cents(covered),
			Expiry:     r.ActivationTime.Add(s.pricing.PolicyTerm).UTC().Format("2006-01-02"),
		})
	}
	metrics.TotalPaidUSD = cents(metrics.TotalPaidUSD)
	metrics.TotalCoverableUSD = cents(metrics.TotalCoverableUSD)
	return metrics
}

func cents(v float64) float64 {
	return math.Round(v*100) / 100
}
