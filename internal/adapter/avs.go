package adapter

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/eigensurance/internal/circuitbreaker"
	"github.com/eigensurance/internal/config"
	apperrors "github.com/eigensurance/internal/errors"
	"github.com/eigensurance/internal/logging"
	"github.com/eigensurance/internal/retry"
)

// ClaimStatusCompleted is the AVS status that ends approval polling
const ClaimStatusCompleted = "completed"

// ErrClaimNotFound is returned by GetClaim before the operators have picked the task up
var ErrClaimNotFound = errors.New("claim not known to the AVS yet")

// AVSClient talks to the claim approval voting service
type AVSClient struct {
	rest *restClient
	poll *retry.RetryConfig
}

type createTaskRequest struct {
	IPFSHash      string `json:"ipfsHash"`
	VoteThreshold int    `json:"voteThreshold"`
}

// TaskResponse is returned by task creation
type TaskResponse struct {
	TaskID string `json:"taskId"`
}

// ClaimApproval is the AVS view of a claim's vote
type ClaimApproval struct {
	Status       string  `json:"status"`
	ApprovalRate float64 `json:"approvalRate"`
	Votes        int     `json:"votes,omitempty"`
}

// NewAVSClient creates an AVS client using the configured poll schedule
func NewAVSClient(cfg *config.AVSConfig, breaker *circuitbreaker.CircuitBreaker) *AVSClient {
	return &AVSClient{
		rest: newRESTClient("avs", cfg.URL, cfg.Timeout, breaker),
		poll: retry.PollConfig(cfg.PollInterval, cfg.PollMaxInterval, cfg.PollMaxAttempts),
	}
}

// CreateTask opens a voting task for the claim document pinned at ipfsHash.
// Task creation is not idempotent and is never retried.
func (c *AVSClient) CreateTask(ctx context.Context, ipfsHash string, voteThreshold int) (string, error) {
	req, err := jsonRequest(http.MethodPost, "/tasks", createTaskRequest{
		IPFSHash:      ipfsHash,
		VoteThreshold: voteThreshold,
	})
	if err != nil {
		return "", err
	}

	var resp TaskResponse
	if err := c.rest.doJSON(ctx, req, &resp); err != nil {
		return "", err
	}
	return resp.TaskID, nil
}

// GetClaim fetches the current vote state of a claim
func (c *AVSClient) GetClaim(ctx context.Context, ipfsHash string) (*ClaimApproval, error) {
	var approval ClaimApproval
	req := &request{method: http.MethodGet, path: "/claims/" + url.PathEscape(ipfsHash), missingOK: true}
	if err := c.rest.doJSON(ctx, req, &approval); err != nil {
		if errors.Is(err, errMissing) {
			return nil, ErrClaimNotFound
		}
		return nil, err
	}
	return &approval, nil
}

// AwaitApproval polls the claim with exponential backoff until its status is
// completed. onAttempt, when set, observes each attempt number. Exhausting the
// attempt budget returns a CLAIM_POLL_TIMEOUT error; cancelling ctx stops
// polling and returns ctx.Err().
func (c *AVSClient) AwaitApproval(ctx context.Context, ipfsHash string, onAttempt func(attempt int)) (*ClaimApproval, error) {
	logger := logging.FromContext(ctx).WithField("ipfsHash", ipfsHash)

	approval, result := retry.Poll(ctx, c.poll, func(ctx context.Context, attempt int) (*ClaimApproval, bool, error) {
		if onAttempt != nil {
			onAttempt(attempt)
		}
		a, err := c.GetClaim(ctx, ipfsHash)
		if errors.Is(err, ErrClaimNotFound) {
			return nil, false, nil
		}
		if err != nil {
			return nil, false, err
		}
		logger.WithFields(map[string]interface{}{
			"attempt": attempt,
			"status":  a.Status,
		}).Debug("Polled claim approval")
		return a, a.Status == ClaimStatusCompleted, nil
	})

	if result.Success {
		return approval, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if errors.Is(result.LastError, retry.ErrNotReady) || apperrors.IsRetryable(result.LastError) {
		logger.WithField("attempts", result.Attempts).Warn("Claim approval did not complete in time")
		timeout := apperrors.NewClaimPollTimeoutError(ipfsHash, result.Attempts)
		timeout.Cause = result.LastError
		return nil, timeout
	}
	return nil, fmt.Errorf("claim approval polling failed: %w", result.LastError)
}
