// Package adapter provides the outbound clients the EigenSurance backend talks to:
// the generation endpoint, Pinata, the claim approval AVS, LlamaParse and the
// insurance pool contract.
package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"github.com/eigensurance/internal/circuitbreaker"
	apperrors "github.com/eigensurance/internal/errors"
	"github.com/eigensurance/internal/logging"
)

// maxErrorBody bounds how much of an upstream error body is read
const maxErrorBody = 4096

// restClient is the shared plumbing of the JSON-over-HTTP collaborators
type restClient struct {
	name       string
	baseURL    string
	httpClient *http.Client
	breaker    *circuitbreaker.CircuitBreaker
	authorize  func(req *http.Request)
}

func newRESTClient(name, baseURL string, timeout time.Duration, breaker *circuitbreaker.CircuitBreaker) *restClient {
	if breaker == nil {
		breaker = circuitbreaker.NewCircuitBreaker(circuitbreaker.DefaultConfig(name))
	}
	return &restClient{
		name:       name,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		breaker:    breaker,
	}
}

// errMissing is returned by doJSON for a 404 on a request with missingOK set
var errMissing = errors.New("upstream resource not found")

// request describes one outbound call. Body is kept as bytes so the call can be replayed by a retry.
type request struct {
	method      string
	path        string
	body        []byte
	contentType string
	// missingOK marks a 404 as an expected answer rather than a collaborator failure
	missingOK bool
}

func jsonRequest(method, path string, v interface{}) (*request, error) {
	req := &request{method: method, path: path}
	if v != nil {
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request: %w", err)
		}
		req.body = data
		req.contentType = "application/json"
	}
	return req, nil
}

// doJSON performs r through the circuit breaker and decodes a 2xx body into out
func (c *restClient) doJSON(ctx context.Context, r *request, out interface{}) error {
	missing := false
	err := c.breaker.Execute(ctx, func(ctx context.Context) error {
		body, err := c.send(ctx, r)
		if err != nil && r.missingOK && apperrors.Categorize(err).Details["status"] == http.StatusNotFound {
			missing = true
			return nil
		}
		if err != nil {
			return err
		}
		if out == nil {
			return nil
		}
		if err := json.Unmarshal(body, out); err != nil {
			return apperrors.NewProviderError(c.name, fmt.Errorf("failed to decode response: %w", err))
		}
		return nil
	})
	if err != nil {
		return err
	}
	if missing {
		return errMissing
	}
	return nil
}

func (c *restClient) send(ctx context.Context, r *request) ([]byte, error) {
	var reader io.Reader
	if r.body != nil {
		reader = bytes.NewReader(r.body)
	}

	req, err := http.NewRequestWithContext(ctx, r.method, c.baseURL+r.path, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if r.contentType != "" {
		req.Header.Set("Content-Type", r.contentType)
	}
	if c.authorize != nil {
		c.authorize(req)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, c.classifyTransportError(ctx, err)
	}
	defer resp.Body.Close()

	logging.FromContext(ctx).WithFields(map[string]interface{}{
		"provider": c.name,
		"method":   r.method,
		"path":     r.path,
		"status":   resp.StatusCode,
		"duration": time.Since(start).String(),
	}).Debug("Upstream call completed")

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, apperrors.NewProviderStatusError(c.name, resp.StatusCode, string(body))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperrors.NewProviderError(c.name, fmt.Errorf("failed to read response: %w", err))
	}
	return body, nil
}

// classifyTransportError keeps caller cancellation visible and maps timeouts to 504
func (c *restClient) classifyTransportError(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.Canceled) {
		return ctx.Err()
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		timeout := apperrors.NewProviderTimeoutError(c.name)
		timeout.Cause = err
		return timeout
	}
	return apperrors.NewProviderError(c.name, err)
}

// fileRequest builds a multipart request carrying data in the "file" field plus any extra form fields
func fileRequest(path, filename, contentType string, data []byte, fields map[string]string) (*request, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, filename))
	h.Set("Content-Type", contentType)
	part, err := w.CreatePart(h)
	if err != nil {
		return nil, fmt.Errorf("failed to create file part: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return nil, fmt.Errorf("failed to write file part: %w", err)
	}
	for k, v := range fields {
		if err := w.WriteField(k, v); err != nil {
			return nil, fmt.Errorf("failed to write field %s: %w", k, err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("failed to close multipart body: %w", err)
	}

	return &request{
		method:      http.MethodPost,
		path:        path,
		body:        buf.Bytes(),
		contentType: w.FormDataContentType(),
	}, nil
}
