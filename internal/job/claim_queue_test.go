package job

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/eigensurance/internal/models"
	"github.com/eigensurance/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeProcessor records processed claims. When block is set, Process waits
// for cancellation.
type fakeProcessor struct {
	mu         sync.Mutex
	unfinished []*models.Claim
	processed  []string
	running    int
	maxRunning int
	block      bool
	delay      time.Duration
	started    chan string
}

func (p *fakeProcessor) Process(ctx context.Context, claim *models.Claim) error {
	p.mu.Lock()
	p.running++
	if p.running > p.maxRunning {
		p.maxRunning = p.running
	}
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.running--
		p.mu.Unlock()
	}()

	if p.started != nil {
		p.started <- claim.ID
	}
	if p.block {
		<-ctx.Done()
		return ctx.Err()
	}
	if p.delay > 0 {
		time.Sleep(p.delay)
	}

	p.mu.Lock()
	p.processed = append(p.processed, claim.ID)
	remaining := []*models.Claim{}
	for _, c := range p.unfinished {
		if c.ID != claim.ID {
			remaining = append(remaining, c)
		}
	}
	p.unfinished = remaining
	p.mu.Unlock()
	return nil
}

func (p *fakeProcessor) Unfinished(ctx context.Context) ([]*models.Claim, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*models.Claim(nil), p.unfinished...), nil
}

func (p *fakeProcessor) processedIDs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.processed...)
}

func claimAt(id string, created time.Time) *models.Claim {
	return &models.Claim{ID: id, Status: types.ClaimSubmitted, CreatedAt: created}
}

func TestClaimQueue_ResumesUnfinishedOldestFirst(t *testing.T) {
	base := time.Now()
	proc := &fakeProcessor{unfinished: []*models.Claim{
		claimAt("newer", base.Add(time.Minute)),
		claimAt("oldest", base),
		claimAt("middle", base.Add(30*time.Second)),
	}}
	q := NewClaimQueue(proc, 1)

	require.NoError(t, q.Start(context.Background()))
	defer q.Stop()

	require.Eventually(t, func() bool { return len(proc.processedIDs()) == 3 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"oldest", "middle", "newer"}, proc.processedIDs())
}

func TestClaimQueue_BoundedWorkers(t *testing.T) {
	proc := &fakeProcessor{delay: 20 * time.Millisecond}
	q := NewClaimQueue(proc, 2)
	require.NoError(t, q.Start(context.Background()))
	defer q.Stop()

	for i := 0; i < 6; i++ {
		require.NoError(t, q.Enqueue(claimAt(string(rune('a'+i)), time.Now())))
	}

	require.Eventually(t, func() bool { return len(proc.processedIDs()) == 6 }, 2*time.Second, 5*time.Millisecond)
	proc.mu.Lock()
	assert.LessOrEqual(t, proc.maxRunning, 2)
	proc.mu.Unlock()
}

func TestClaimQueue_DeduplicatesQueuedClaims(t *testing.T) {
	proc := &fakeProcessor{}
	q := NewClaimQueue(proc, 1)

	claim := claimAt("dup", time.Now())
	require.NoError(t, q.Enqueue(claim))
	require.NoError(t, q.Enqueue(claim))
	assert.Equal(t, 1, q.QueueSize())

	proc.unfinished = []*models.Claim{claim}
	require.NoError(t, q.Start(context.Background()))
	defer q.Stop()

	require.Eventually(t, func() bool { return len(proc.processedIDs()) == 1 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, []string{"dup"}, proc.processedIDs())
}

func TestClaimQueue_StopCancelsInFlight(t *testing.T) {
	proc := &fakeProcessor{block: true, started: make(chan string, 1)}
	q := NewClaimQueue(proc, 1)
	require.NoError(t, q.Start(context.Background()))

	require.NoError(t, q.Enqueue(claimAt("slow", time.Now())))
	select {
	case id := <-proc.started:
		assert.Equal(t, "slow", id)
	case <-time.After(2 * time.Second):
		t.Fatal("claim was never dispatched")
	}
	require.Len(t, q.Active(), 1)

	stopped := make(chan struct{})
	go func() {
		_ = q.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not wait for the worker to return")
	}

	assert.Empty(t, q.Active())
	assert.ErrorIs(t, q.Enqueue(claimAt("late", time.Now())), ErrQueueStopped)
	assert.Error(t, q.Stop())
}

type failingProcessor struct{ fakeProcessor }

func (p *failingProcessor) Unfinished(ctx context.Context) ([]*models.Claim, error) {
	return nil, errors.New("db down")
}

func TestClaimQueue_StartFailsWhenReloadFails(t *testing.T) {
	q := NewClaimQueue(&failingProcessor{}, 1)
	assert.Error(t, q.Start(context.Background()))
}

func TestClaimQueue_RescanPicksUpExternalClaims(t *testing.T) {
	proc := &fakeProcessor{}
	q := NewClaimQueue(proc, 2)
	q.SetRescanInterval(10 * time.Millisecond)
	require.NoError(t, q.Start(context.Background()))
	defer q.Stop()

	// written by another process after Start
	proc.mu.Lock()
	proc.unfinished = []*models.Claim{{ID: "external", Status: types.ClaimSubmitted, CreatedAt: time.Now()}}
	proc.mu.Unlock()

	require.Eventually(t, func() bool {
		return len(proc.processedIDs()) == 1
	}, time.Second, 5*time.Millisecond)

	// later rescans find nothing left to do
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, []string{"external"}, proc.processedIDs())
}
