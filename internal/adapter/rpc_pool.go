package adapter

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/eigensurance/internal/logging"
	"github.com/ethereum/go-ethereum/ethclient"
)

// RPCPool spreads chain reads over several RPC endpoints.
// It sticks to the current endpoint until it is rate limited or unreachable,
// then moves to the next one that is not cooling down.
type RPCPool struct {
	endpoints    []string
	clients      []*ethclient.Client
	currentIndex int
	mu           sync.RWMutex
	cooldowns    map[int]time.Time
	cooldownTime time.Duration
	now          func() time.Time
}

// RPCPoolConfig holds configuration for creating an RPC pool
type RPCPoolConfig struct {
	Endpoints []string
	// CooldownTime is how long a failed endpoint is skipped. Default: 60 seconds
	CooldownTime time.Duration
}

// NewRPCPool creates a pool and connects to the first endpoint; the others are dialed on first use
func NewRPCPool(ctx context.Context, cfg *RPCPoolConfig) (*RPCPool, error) {
	var endpoints []string
	if cfg != nil {
		for _, ep := range cfg.Endpoints {
			if ep = strings.TrimSpace(ep); ep != "" {
				endpoints = append(endpoints, ep)
			}
		}
	}
	if len(endpoints) == 0 {
		return nil, fmt.Errorf("at least one RPC endpoint is required")
	}

	cooldownTime := cfg.CooldownTime
	if cooldownTime == 0 {
		cooldownTime = 60 * time.Second
	}

	pool := &RPCPool{
		endpoints:    endpoints,
		clients:      make([]*ethclient.Client, len(endpoints)),
		cooldowns:    make(map[int]time.Time),
		cooldownTime: cooldownTime,
		now:          time.Now,
	}

	client, err := ethclient.DialContext(ctx, endpoints[0])
	if err != nil {
		return nil, fmt.Errorf("failed to connect to primary RPC endpoint: %w", err)
	}
	pool.clients[0] = client

	logging.WithField("endpoints", len(endpoints)).Info("RPC pool initialized")
	return pool, nil
}

// current returns the active client and its index
func (p *RPCPool) current() (*ethclient.Client, int) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.clients[p.currentIndex], p.currentIndex
}

// EndpointCount returns the number of endpoints in the pool
func (p *RPCPool) EndpointCount() int {
	return len(p.endpoints)
}

// Do runs fn against the current endpoint, failing over to the next endpoint
// when the error looks like rate limiting or a transport failure.
func (p *RPCPool) Do(ctx context.Context, fn func(client *ethclient.Client) error) error {
	p.tryResetToPrimary()

	var lastErr error
	for i := 0; i < len(p.endpoints); i++ {
		client, index := p.current()
		err := fn(client)
		if err == nil {
			return nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !shouldFailover(err) {
			return err
		}
		if ferr := p.markFailed(ctx, index); ferr != nil {
			return fmt.Errorf("%v: %w", ferr, err)
		}
	}
	return lastErr
}

// markFailed puts the endpoint at index into cooldown and switches to the next
// available one. A stale index (another caller already moved on) is ignored.
func (p *RPCPool) markFailed(ctx context.Context, index int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if index != p.currentIndex {
		return nil
	}

	logger := logging.FromContext(ctx)
	p.cooldowns[index] = p.now()
	logger.WithField("endpoint", index).Warn("RPC endpoint failed, marking cooldown")

	for i := 1; i < len(p.endpoints); i++ {
		next := (index + i) % len(p.endpoints)
		if p.inCooldown(next) {
			continue
		}
		if err := p.switchToEndpoint(ctx, next); err != nil {
			logger.WithError(err).WithField("endpoint", next).Warn("Failed to switch RPC endpoint")
			continue
		}
		logger.WithFields(map[string]interface{}{
			"from": index,
			"to":   next,
		}).Info("Switched RPC endpoint")
		return nil
	}

	return fmt.Errorf("all %d RPC endpoints are unavailable", len(p.endpoints))
}

// inCooldown reports whether index is still cooling down (must hold lock)
func (p *RPCPool) inCooldown(index int) bool {
	since, exists := p.cooldowns[index]
	if !exists {
		return false
	}
	if p.now().Sub(since) < p.cooldownTime {
		return true
	}
	delete(p.cooldowns, index)
	return false
}

// switchToEndpoint dials lazily and makes index current (must hold lock)
func (p *RPCPool) switchToEndpoint(ctx context.Context, index int) error {
	if p.clients[index] == nil {
		client, err := ethclient.DialContext(ctx, p.endpoints[index])
		if err != nil {
			return fmt.Errorf("failed to connect to endpoint %d: %w", index, err)
		}
		p.clients[index] = client
	}
	p.currentIndex = index
	return nil
}

// tryResetToPrimary goes back to endpoint 0 once its cooldown has expired
func (p *RPCPool) tryResetToPrimary() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.currentIndex == 0 || p.inCooldown(0) {
		return
	}
	if err := p.switchToEndpoint(context.Background(), 0); err == nil {
		logging.GetGlobalLogger().Debug("Reset to primary RPC endpoint")
	}
}

// IsRateLimitError checks if an error indicates rate limiting (429)
func IsRateLimitError(err error) bool {
	if err == nil {
		return false
	}
	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "429") ||
		strings.Contains(errStr, "rate limit") ||
		strings.Contains(errStr, "too many requests") ||
		strings.Contains(errStr, "throttl")
}

func shouldFailover(err error) bool {
	if IsRateLimitError(err) {
		return true
	}
	errStr := strings.ToLower(err.Error())
	for _, s := range []string{
		"timeout",
		"deadline exceeded",
		"connection refused",
		"connection reset",
		"no such host",
		"eof",
		"502 bad gateway",
		"503 service unavailable",
	} {
		if strings.Contains(errStr, s) {
			return true
		}
	}
	return false
}

// Close closes all client connections
func (p *RPCPool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i, client := range p.clients {
		if client != nil {
			client.Close()
			p.clients[i] = nil
		}
	}
}

// Status returns the current status of the pool
func (p *RPCPool) Status() *RPCPoolStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()

	status := &RPCPoolStatus{
		TotalEndpoints: len(p.endpoints),
		CurrentIndex:   p.currentIndex,
		EndpointStatus: make([]EndpointStatus, len(p.endpoints)),
	}

	for i := range p.endpoints {
		es := EndpointStatus{
			Index:     i,
			Connected: p.clients[i] != nil,
			IsCurrent: i == p.currentIndex,
		}
		if since, exists := p.cooldowns[i]; exists {
			if remaining := p.cooldownTime - p.now().Sub(since); remaining > 0 {
				es.InCooldown = true
				es.CooldownRemaining = remaining
			}
		}
		status.EndpointStatus[i] = es
	}

	return status
}

// RPCPoolStatus represents the current status of the RPC pool
type RPCPoolStatus struct {
	TotalEndpoints int
	CurrentIndex   int
	EndpointStatus []EndpointStatus
}

// EndpointStatus represents the status of a single endpoint
type EndpointStatus struct {
	Index             int
	Connected         bool
	IsCurrent         bool
	InCooldown        bool
	CooldownRemaining time.Duration
}
