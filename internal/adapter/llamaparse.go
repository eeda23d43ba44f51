package adapter

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/eigensurance/internal/circuitbreaker"
	"github.com/eigensurance/internal/config"
	apperrors "github.com/eigensurance/internal/errors"
	"github.com/eigensurance/internal/retry"
)

// LlamaParse job states
const (
	ParseJobPending = "PENDING"
	ParseJobSuccess = "SUCCESS"
	ParseJobError   = "ERROR"
)

// LlamaParseClient converts PDF documents to markdown
type LlamaParseClient struct {
	rest *restClient
	poll *retry.RetryConfig
}

// ParseJob is the state of a LlamaParse job
type ParseJob struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Error  string `json:"error_message,omitempty"`
}

type markdownResult struct {
	Markdown string `json:"markdown"`
}

// NewLlamaParseClient creates a LlamaParse client
func NewLlamaParseClient(cfg *config.PDFConfig, breaker *circuitbreaker.CircuitBreaker) *LlamaParseClient {
	rest := newRESTClient("llamaparse", cfg.BaseURL, 60*time.Second, breaker)
	apiKey := cfg.APIKey
	rest.authorize = func(req *http.Request) {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
	return &LlamaParseClient{
		rest: rest,
		poll: retry.PollConfig(time.Second, 5*time.Second, 60),
	}
}

// Parse uploads a PDF, waits for the job and returns the document as markdown
func (c *LlamaParseClient) Parse(ctx context.Context, filename string, data []byte) (string, error) {
	job, err := c.upload(ctx, filename, data)
	if err != nil {
		return "", err
	}

	jobPath := "/api/parsing/job/" + url.PathEscape(job.ID)
	_, result := retry.Poll(ctx, c.poll, func(ctx context.Context, attempt int) (*ParseJob, bool, error) {
		var status ParseJob
		if err := c.rest.doJSON(ctx, &request{method: http.MethodGet, path: jobPath}, &status); err != nil {
			return nil, false, err
		}
		switch status.Status {
		case ParseJobSuccess:
			return &status, true, nil
		case ParseJobError:
			return nil, false, c.jobFailed(job.ID, status.Error)
		default:
			return &status, false, nil
		}
	})
	if !result.Success {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		return "", result.LastError
	}

	var md markdownResult
	if err := c.rest.doJSON(ctx, &request{method: http.MethodGet, path: jobPath + "/result/markdown"}, &md); err != nil {
		return "", err
	}
	return md.Markdown, nil
}

func (c *LlamaParseClient) upload(ctx context.Context, filename string, data []byte) (*ParseJob, error) {
	req, err := fileRequest("/api/parsing/upload", filename, "application/pdf", data, nil)
	if err != nil {
		return nil, err
	}

	var job ParseJob
	if err := c.rest.doJSON(ctx, req, &job); err != nil {
		return nil, err
	}
	if job.ID == "" {
		return nil, apperrors.NewProviderError("llamaparse", fmt.Errorf("upload returned no job id"))
	}
	return &job, nil
}

func (c *LlamaParseClient) jobFailed(id, reason string) error {
	no := false
	e := apperrors.NewProviderError("llamaparse", fmt.Errorf("parse job %s failed: %s", id, reason))
	e.Retryable = &no
	return e
}
