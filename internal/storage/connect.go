package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/eigensurance/internal/logging"
	"github.com/eigensurance/internal/retry"
)

const (
	connectTimeout = 5 * time.Second
	pingTimeout    = 2 * time.Second
)

// connect runs dial until it succeeds or attempts are used up. Databases
// started alongside the service are often not accepting connections yet.
func connect(ctx context.Context, name string, attempts int, dial func(ctx context.Context) error) error {
	if attempts < 1 {
		attempts = 1
	}
	cfg := &retry.RetryConfig{
		MaxAttempts:  attempts,
		InitialDelay: time.Second,
		MaxDelay:     10 * time.Second,
		Multiplier:   2,
		Jitter:       0.2,
		ShouldRetry:  func(error) bool { return true },
	}

	logger := logging.FromContext(ctx).WithField("store", name)
	result := retry.WithExponentialBackoff(ctx, cfg, func(ctx context.Context, attempt int) error {
		dialCtx, cancel := context.WithTimeout(ctx, connectTimeout)
		defer cancel()

		err := dial(dialCtx)
		if err != nil && attempt < attempts {
			logger.WithError(err).WithField("attempt", attempt).Warn("Store not reachable yet")
		}
		return err
	})
	if err := result.Err(); err != nil {
		return fmt.Errorf("connect to %s: %w", name, err)
	}
	return nil
}

// Pinger is a store that can report whether it is reachable
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthChecker pings every registered store
type HealthChecker struct {
	mu     sync.RWMutex
	stores map[string]Pinger
}

// NewHealthChecker creates an empty checker
func NewHealthChecker() *HealthChecker {
	return &HealthChecker{stores: make(map[string]Pinger)}
}

// Register adds a store under name
func (h *HealthChecker) Register(name string, store Pinger) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stores[name] = store
}

// Check pings all stores concurrently and returns "ok" or the error text per store
func (h *HealthChecker) Check(ctx context.Context) (map[string]string, bool) {
	h.mu.RLock()
	names := make([]string, 0, len(h.stores))
	for name := range h.stores {
		names = append(names, name)
	}
	h.mu.RUnlock()
	sort.Strings(names)

	results := make([]string, len(names))
	var wg sync.WaitGroup
	for i, name := range names {
		h.mu.RLock()
		store := h.stores[name]
		h.mu.RUnlock()

		wg.Add(1)
		go func(i int, store Pinger) {
			defer wg.Done()
			pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
			defer cancel()
			if err := store.Ping(pingCtx); err != nil {
				results[i] = err.Error()
				return
			}
			results[i] = "ok"
		}(i, store)
	}
	wg.Wait()

	healthy := true
	status := make(map[string]string, len(names))
	for i, name := range names {
		status[name] = results[i]
		if results[i] != "ok" {
			healthy = false
		}
	}
	return status, healthy
}
