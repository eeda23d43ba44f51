// Package job runs claim processing in the background.
package job

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/eigensurance/internal/logging"
	"github.com/eigensurance/internal/models"
	"github.com/eigensurance/internal/types"
)

// ErrQueueStopped is returned by Enqueue after Stop
var ErrQueueStopped = errors.New("claim queue stopped")

// ClaimProcessor drives a claim forward and lists the claims left to drive
type ClaimProcessor interface {
	Process(ctx context.Context, claim *models.Claim) error
	Unfinished(ctx context.Context) ([]*models.Claim, error)
}

// ClaimQueue processes claims on a bounded worker pool, oldest claim first.
// Claims interrupted by Stop stay in the database in their last persisted
// state and are reloaded by the next Start.
type ClaimQueue struct {
	mu sync.RWMutex

	queue   *claimHeap
	pending map[string]bool
	active  map[string]*ClaimProgress

	processor ClaimProcessor
	workers   int
	workerSem chan struct{}
	wake      chan struct{}
	interval  time.Duration

	// rescan > 0 periodically reloads unfinished claims written by other processes
	rescan   time.Duration
	finished map[string]time.Time

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
	stopped bool
}

// ClaimProgress describes a claim a worker is currently processing
type ClaimProgress struct {
	ClaimID   string            `json:"claimId"`
	UserID    string            `json:"userId"`
	Status    types.ClaimStatus `json:"status"`
	StartedAt time.Time         `json:"startedAt"`
}

// NewClaimQueue creates a new claim queue
func NewClaimQueue(processor ClaimProcessor, workers int) *ClaimQueue {
	if workers <= 0 {
		workers = 4
	}

	return &ClaimQueue{
		queue:     &claimHeap{},
		pending:   make(map[string]bool),
		active:    make(map[string]*ClaimProgress),
		processor: processor,
		workers:   workers,
		workerSem: make(chan struct{}, workers),
		wake:      make(chan struct{}, 1),
		interval:  time.Second,
		finished:  make(map[string]time.Time),
	}
}

// SetRescanInterval makes a started queue reload unfinished claims every d.
// Used when claims are submitted by a process that does not run a queue.
func (q *ClaimQueue) SetRescanInterval(d time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.rescan = d
}

// Start reloads unfinished claims and begins processing them
func (q *ClaimQueue) Start(ctx context.Context) error {
	q.mu.Lock()
	if q.started {
		q.mu.Unlock()
		return fmt.Errorf("queue already started")
	}
	q.started = true
	ctx, q.cancel = context.WithCancel(ctx)
	q.mu.Unlock()

	if err := q.loadUnfinished(ctx); err != nil {
		q.cancel()
		return fmt.Errorf("failed to load unfinished claims: %w", err)
	}

	q.wg.Add(1)
	go q.run(ctx)

	q.mu.RLock()
	rescan := q.rescan
	q.mu.RUnlock()
	if rescan > 0 {
		q.wg.Add(1)
		go q.rescanLoop(ctx, rescan)
	}

	logging.WithFields(map[string]interface{}{
		"workers": q.workers,
		"rescan":  rescan.String(),
	}).Info("Claim queue started")
	return nil
}

// Stop cancels in-flight processing and waits for the workers to return
func (q *ClaimQueue) Stop() error {
	q.mu.Lock()
	if !q.started || q.stopped {
		q.mu.Unlock()
		return fmt.Errorf("queue not running")
	}
	q.stopped = true
	q.cancel()
	q.mu.Unlock()

	q.wg.Wait()
	logging.Info("Claim queue stopped")
	return nil
}

// Enqueue schedules a claim. A claim already queued or running is ignored.
func (q *ClaimQueue) Enqueue(claim *models.Claim) error {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return ErrQueueStopped
	}
	q.push(claim)
	q.mu.Unlock()

	q.signal()
	return nil
}

// push must be called with q.mu held
func (q *ClaimQueue) push(claim *models.Claim) {
	if q.pending[claim.ID] {
		return
	}
	q.pending[claim.ID] = true
	heap.Push(q.queue, claim)
}

func (q *ClaimQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// run is the dispatch loop. The ticker is a safety net for missed wakeups.
func (q *ClaimQueue) run(ctx context.Context) {
	defer q.wg.Done()

	ticker := time.NewTicker(q.interval)
	defer ticker.Stop()

	for {
		for q.dispatchNext(ctx) {
		}

		select {
		case <-ctx.Done():
			return
		case <-q.wake:
		case <-ticker.C:
		}
	}
}

// dispatchNext hands the oldest queued claim to a free worker and reports
// whether it did
func (q *ClaimQueue) dispatchNext(ctx context.Context) bool {
	if ctx.Err() != nil {
		return false
	}

	select {
	case q.workerSem <- struct{}{}:
	default:
		return false
	}

	q.mu.Lock()
	if q.queue.Len() == 0 {
		q.mu.Unlock()
		<-q.workerSem
		return false
	}
	claim := heap.Pop(q.queue).(*models.Claim)
	q.active[claim.ID] = &ClaimProgress{
		ClaimID:   claim.ID,
		UserID:    claim.UserID,
		Status:    claim.Status,
		StartedAt: time.Now(),
	}
	q.wg.Add(1)
	q.mu.Unlock()

	go q.work(ctx, claim)
	return true
}

func (q *ClaimQueue) work(ctx context.Context, claim *models.Claim) {
	defer q.wg.Done()
	defer func() {
		q.mu.Lock()
		delete(q.active, claim.ID)
		delete(q.pending, claim.ID)
		q.finished[claim.ID] = time.Now()
		q.mu.Unlock()
		<-q.workerSem
		q.signal()
	}()

	logger := logging.WithField("claimId", claim.ID)
	ctx = logging.WithLogger(ctx, logger)

	defer func() {
		if r := recover(); r != nil {
			logger.WithField("panic", r).Error("Claim processing panicked")
		}
	}()

	if err := q.processor.Process(ctx, claim); err != nil {
		if ctx.Err() != nil {
			logger.Info("Claim processing interrupted by shutdown")
			return
		}
		logger.WithError(err).Error("Claim processing failed")
	}
}

func (q *ClaimQueue) loadUnfinished(ctx context.Context) error {
	listedAt := time.Now()
	claims, err := q.processor.Unfinished(ctx)
	if err != nil {
		return err
	}

	added := 0
	q.mu.Lock()
	for _, c := range claims {
		// a worker may have finished this claim after the list was read
		if doneAt, ok := q.finished[c.ID]; ok && !doneAt.Before(listedAt) {
			continue
		}
		if !q.pending[c.ID] {
			added++
		}
		q.push(c)
	}
	for id, doneAt := range q.finished {
		if doneAt.Before(listedAt) {
			delete(q.finished, id)
		}
	}
	q.mu.Unlock()

	if added > 0 {
		logging.WithField("claims", added).Info("Loaded unfinished claims")
		q.signal()
	}
	return nil
}

func (q *ClaimQueue) rescanLoop(ctx context.Context, every time.Duration) {
	defer q.wg.Done()

	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := q.loadUnfinished(ctx); err != nil && ctx.Err() == nil {
				logging.WithError(err).Warn("Failed to reload unfinished claims")
			}
		}
	}
}

// QueueSize returns the number of claims waiting for a worker
func (q *ClaimQueue) QueueSize() int {
	q.mu.RLock()
	defer q.mu.RUnlock()

	return q.queue.Len()
}

// Active returns the claims currently being processed
func (q *ClaimQueue) Active() []*ClaimProgress {
	q.mu.RLock()
	defer q.mu.RUnlock()

	progress := make([]*ClaimProgress, 0, len(q.active))
	for _, p := range q.active {
		cp := *p
		progress = append(progress, &cp)
	}
	return progress
}

// claimHeap implements heap.Interface, oldest claim first
type claimHeap []*models.Claim

func (h claimHeap) Len() int { return len(h) }

func (h claimHeap) Less(i, j int) bool {
	return h[i].CreatedAt.Before(h[j].CreatedAt)
}

func (h claimHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *claimHeap) Push(x interface{}) {
	*h = append(*h, x.(*models.Claim))
}

func (h *claimHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}
