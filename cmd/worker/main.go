// Package main provides the standalone claim worker. It drives submitted
// claims through approval polling and reimbursement, resuming any claim a
// previous run left unfinished.
package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/eigensurance/internal/adapter"
	"github.com/eigensurance/internal/circuitbreaker"
	"github.com/eigensurance/internal/config"
	"github.com/eigensurance/internal/job"
	"github.com/eigensurance/internal/logging"
	"github.com/eigensurance/internal/service"
	"github.com/eigensurance/internal/storage"
)

const statusInterval = time.Minute

func main() {
	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	logging.InitGlobalLogger(logging.ParseLogLevel(cfg.Logging.Level), logging.ParseLogFormat(cfg.Logging.Format))
	logger := logging.GetGlobalLogger()
	logger.Info("EigenSurance claim worker starting")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	postgres, err := storage.NewPostgresDB(ctx, &cfg.Database.Postgres)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to Postgres")
	}
	defer postgres.Close()

	var auditRecorder service.AuditRecorder
	if cfg.Database.ClickHouse.Host != "" {
		clickhouse, err := storage.NewClickHouseDB(ctx, &cfg.Database.ClickHouse)
		if err != nil {
			logger.WithError(err).Fatal("Failed to connect to ClickHouse")
		}
		defer clickhouse.Close()
		auditRecorder = storage.NewAuditRepository(clickhouse)
	}

	breakers := circuitbreaker.NewRegistry()
	avs := adapter.NewAVSClient(&cfg.AVS, breakers.Get("avs"))

	// Reimbursement needs the pool and the server-held signer
	var reimburser service.Reimburser
	if cfg.Chain.ReimbursementEnabled && cfg.Chain.InsurancePool != "" {
		pool, err := adapter.NewRPCPool(ctx, &adapter.RPCPoolConfig{
			Endpoints: []string{cfg.Chain.RPCPrimary, cfg.Chain.RPCSecondary},
		})
		if err != nil {
			logger.WithError(err).Fatal("Failed to connect to chain RPC")
		}
		defer pool.Close()

		client := adapter.NewPooledChainClient(pool)
		signer, err := adapter.NewSigner(cfg.Chain.ReimbursementKey, client)
		if err != nil {
			logger.WithError(err).Fatal("Failed to load reimbursement signer")
		}
		contract, err := adapter.NewInsuranceContract(client, &cfg.Chain, signer)
		if err != nil {
			logger.WithError(err).Fatal("Failed to bind insurance pool")
		}
		reimburser = contract
		logger.WithField("signer", signer.Address().Hex()).Info("Reimbursement enabled")
	} else {
		logger.Warn("Reimbursement disabled - approved claims are not paid out")
	}

	// The worker never submits claims, so it needs no pinner
	claimService := service.NewClaimService(
		storage.NewClaimRepository(postgres),
		nil,
		avs,
		reimburser,
		service.NewAuditLog(auditRecorder),
		&cfg.AVS,
		cfg.Pricing,
	)

	queue := job.NewClaimQueue(claimService, cfg.ClaimQueue.Workers)
	queue.SetRescanInterval(cfg.ClaimQueue.Rescan)
	if err := queue.Start(ctx); err != nil {
		logger.WithError(err).Fatal("Failed to start claim queue")
	}

	ticker := time.NewTicker(statusInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("Shutting down worker...")
			if err := queue.Stop(); err != nil {
				logger.WithError(err).Warn("Failed to stop claim queue")
			}
			logger.WithField("breakers", breakers.Stats()).Info("Worker exited")
			return
		case <-ticker.C:
			logger.WithFields(map[string]interface{}{
				"queued": queue.QueueSize(),
				"active": len(queue.Active()),
			}).Info("Claim queue status")
		}
	}
}
