// Package main provides the API server entry point for the EigenSurance backend.
package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/eigensurance/internal/adapter"
	"github.com/eigensurance/internal/api"
	"github.com/eigensurance/internal/auth"
	"github.com/eigensurance/internal/circuitbreaker"
	"github.com/eigensurance/internal/config"
	"github.com/eigensurance/internal/job"
	"github.com/eigensurance/internal/logging"
	"github.com/eigensurance/internal/service"
	"github.com/eigensurance/internal/storage"
)

const noncePurgeInterval = time.Hour

func main() {
	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	// Initialize structured logging
	logging.InitGlobalLogger(logging.ParseLogLevel(cfg.Logging.Level), logging.ParseLogFormat(cfg.Logging.Format))
	logger := logging.GetGlobalLogger()
	logger.WithFields(map[string]interface{}{
		"level":  cfg.Logging.Level,
		"format": cfg.Logging.Format,
	}).Info("EigenSurance API server starting")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Connect to Postgres
	postgres, err := storage.NewPostgresDB(ctx, &cfg.Database.Postgres)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to Postgres")
	}
	defer postgres.Close()

	// Connect to Redis
	redis, err := storage.NewRedisCache(ctx, &cfg.Database.Redis)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to Redis")
	}
	defer redis.Close()

	health := storage.NewHealthChecker()
	health.Register("postgres", postgres)
	health.Register("redis", redis)

	// ClickHouse is optional; without it the audit log is a no-op
	var auditRecorder service.AuditRecorder
	if cfg.Database.ClickHouse.Host != "" {
		clickhouse, err := storage.NewClickHouseDB(ctx, &cfg.Database.ClickHouse)
		if err != nil {
			logger.WithError(err).Fatal("Failed to connect to ClickHouse")
		}
		defer clickhouse.Close()
		health.Register("clickhouse", clickhouse)
		auditRecorder = storage.NewAuditRepository(clickhouse)
	} else {
		logger.Warn("CLICKHOUSE_HOST not set - tool-call audit log disabled")
	}

	// S3 is optional; without it only the IPFS copy of a document is kept
	var objects service.ObjectStorage
	objectStore, err := storage.NewObjectStore(ctx, &cfg.ObjectStore)
	if err != nil {
		logger.WithError(err).Fatal("Failed to configure object store")
	}
	if objectStore != nil {
		objects = objectStore
	} else {
		logger.Warn("S3_BUCKET not set - original document bytes are not stored")
	}

	logger.Info("Storage connections established")

	// Outbound collaborators, each behind its own circuit breaker
	breakers := circuitbreaker.NewRegistry()
	pinata := adapter.NewPinataClient(&cfg.IPFS, breakers.Get("pinata"))
	avs := adapter.NewAVSClient(&cfg.AVS, breakers.Get("avs"))
	generator, err := adapter.NewGenerationClient(&cfg.Generation, breakers.Get("generation"))
	if err != nil {
		logger.WithError(err).Fatal("Failed to configure generation client")
	}

	var parser service.PDFParser
	if cfg.PDF.APIKey != "" {
		parser = adapter.NewLlamaParseClient(&cfg.PDF, breakers.Get("llamaparse"))
	} else {
		logger.Warn("LLAMA_PARSE_API_KEY not set - PDF previews disabled")
	}

	contract, pool := connectInsurancePool(ctx, cfg)
	if pool != nil {
		defer pool.Close()
	}

	// Repositories and cache
	cache := storage.NewCacheService(redis, cfg.Cache.TTL)
	userRepo := storage.NewUserRepository(postgres)
	nonceRepo := storage.NewNonceRepository(postgres)
	chatRepo := storage.NewChatRepository(postgres)
	documentRepo := storage.NewDocumentRepository(postgres)
	claimRepo := storage.NewClaimRepository(postgres)
	purchaseRepo := storage.NewPurchaseRepository(postgres)

	// Services
	auditLog := service.NewAuditLog(auditRecorder)
	sessions := auth.NewSessionManager(cfg.Auth.SessionSecret, cfg.Auth.SessionTTL)
	authService := service.NewAuthService(userRepo, nonceRepo, sessions, cache, &cfg.Auth, cfg.Server.Domain)

	var (
		policyContract service.PolicyContract
		policyReader   service.PolicyReader
		reimburser     service.Reimburser
	)
	if contract != nil {
		policyContract = contract
		policyReader = contract
		if cfg.Chain.ReimbursementEnabled {
			reimburser = contract
		}
	}

	purchaseService := service.NewPurchaseService(purchaseRepo, pinata, policyContract, cache, auditLog, cfg.Pricing, cfg.Auth.ChainID)
	claimService := service.NewClaimService(claimRepo, pinata, avs, reimburser, auditLog, &cfg.AVS, cfg.Pricing)
	dispatcher := service.NewToolDispatcher(purchaseService, claimService, auditLog)
	chatService := service.NewChatService(chatRepo, generator, dispatcher, cache)
	documentService := service.NewDocumentService(documentRepo, chatRepo, pinata, parser, objects)
	documentService.SetParseTimeouts(cfg.PDF.PreviewTimeout, cfg.PDF.ParseTimeout)
	metricsService := service.NewMetricsService(policyReader, cache, cfg.Pricing)

	// Claim queue
	var claimQueue *job.ClaimQueue
	if cfg.ClaimQueue.Embedded {
		claimQueue = job.NewClaimQueue(claimService, cfg.ClaimQueue.Workers)
		claimService.SetQueue(claimQueue)
		if err := claimQueue.Start(ctx); err != nil {
			logger.WithError(err).Fatal("Failed to start claim queue")
		}
	} else {
		logger.Info("Claim queue disabled - claims are processed by the worker")
	}

	go purgeNonces(ctx, authService)

	serverConfig := &api.ServerConfig{
		Host:            cfg.Server.Host,
		Port:            cfg.Server.Port,
		Origin:          cfg.Server.Origin,
		SecureCookie:    cfg.Server.SecureCookie,
		SessionTTL:      sessions.TTL(),
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    writeTimeout(cfg),
		IdleTimeout:     60 * time.Second,
		ShutdownTimeout: 15 * time.Second,
		AnonymousRPS:    cfg.RateLimit.Anonymous,
		AuthedRPS:       cfg.RateLimit.Authenticated,
	}

	server := api.NewServer(serverConfig, api.Services{
		Auth:      authService,
		Chats:     chatService,
		Documents: documentService,
		Claims:    claimService,
		Purchases: purchaseService,
		Metrics:   metricsService,
		Audit:     auditLog,
		Health:    health,
	})

	// Start server in a goroutine
	serverErr := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-serverErr:
		logger.WithError(err).Error("Server failed")
	}

	logger.Info("Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), serverConfig.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Server forced to shutdown")
	}
	if claimQueue != nil {
		if err := claimQueue.Stop(); err != nil {
			logger.WithError(err).Warn("Failed to stop claim queue")
		}
	}

	logger.WithField("breakers", breakers.Stats()).Info("Server exited")
}

// connectInsurancePool dials the chain and binds the pool contract. Both are
// nil when no pool address is configured.
func connectInsurancePool(ctx context.Context, cfg *config.Config) (*adapter.InsuranceContract, *adapter.RPCPool) {
	logger := logging.GetGlobalLogger()
	if cfg.Chain.InsurancePool == "" {
		logger.Warn("INSURANCE_POOL_ADDRESS not set - purchases and metrics disabled")
		return nil, nil
	}

	pool, err := adapter.NewRPCPool(ctx, &adapter.RPCPoolConfig{
		Endpoints: []string{cfg.Chain.RPCPrimary, cfg.Chain.RPCSecondary},
	})
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to chain RPC")
	}
	client := adapter.NewPooledChainClient(pool)

	var signer *adapter.Signer
	if cfg.Chain.ReimbursementEnabled {
		signer, err = adapter.NewSigner(cfg.Chain.ReimbursementKey, client)
		if err != nil {
			logger.WithError(err).Fatal("Failed to load reimbursement signer")
		}
		logger.WithField("signer", signer.Address().Hex()).Info("Reimbursement signer loaded")
	}

	contract, err := adapter.NewInsuranceContract(client, &cfg.Chain, signer)
	if err != nil {
		logger.WithError(err).Fatal("Failed to bind insurance pool")
	}
	logger.WithFields(map[string]interface{}{
		"pool":      contract.Address().Hex(),
		"endpoints": pool.EndpointCount(),
	}).Info("Insurance pool connected")
	return contract, pool
}

// purgeNonces deletes expired sign-in nonces until ctx is done
func purgeNonces(ctx context.Context, authService *service.AuthService) {
	ticker := time.NewTicker(noncePurgeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := authService.PurgeExpiredNonces(ctx)
			if err != nil {
				logging.WithError(err).Warn("Failed to purge expired nonces")
				continue
			}
			if n > 0 {
				logging.WithField("purged", n).Info("Purged expired nonces")
			}
		}
	}
}

// writeTimeout leaves room for the slowest synchronous upstream call a handler makes
func writeTimeout(cfg *config.Config) time.Duration {
	longest := cfg.Generation.Timeout
	for _, d := range []time.Duration{cfg.PDF.PreviewTimeout, cfg.PDF.ParseTimeout} {
		if d > longest {
			longest = d
		}
	}
	return longest + 15*time.Second
}
