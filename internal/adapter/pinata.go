package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/eigensurance/internal/circuitbreaker"
	"github.com/eigensurance/internal/config"
	apperrors "github.com/eigensurance/internal/errors"
	"github.com/eigensurance/internal/retry"
)

// PinataClient pins JSON documents and files to IPFS through Pinata
type PinataClient struct {
	rest  *restClient
	retry *retry.RetryConfig
}

type pinataMetadata struct {
	Name string `json:"name"`
}

type pinJSONRequest struct {
	PinataContent  interface{}    `json:"pinataContent"`
	PinataMetadata pinataMetadata `json:"pinataMetadata"`
}

// PinResponse is Pinata's answer to a pin request
type PinResponse struct {
	IpfsHash  string `json:"IpfsHash"`
	PinSize   int64  `json:"PinSize"`
	Timestamp string `json:"Timestamp"`
}

// NewPinataClient creates a Pinata client authenticated with the configured JWT
func NewPinataClient(cfg *config.IPFSConfig, breaker *circuitbreaker.CircuitBreaker) *PinataClient {
	rest := newRESTClient("pinata", cfg.BaseURL, cfg.Timeout, breaker)
	jwt := cfg.JWT
	rest.authorize = func(req *http.Request) {
		req.Header.Set("Authorization", "Bearer "+jwt)
	}
	return &PinataClient{rest: rest, retry: retry.DefaultRetryConfig()}
}

// PinJSON pins v under the given display name and returns its content hash.
// Pinning is content addressed, so a retried pin yields the same hash.
func (c *PinataClient) PinJSON(ctx context.Context, name string, v interface{}) (string, error) {
	req, err := jsonRequest(http.MethodPost, "/pinning/pinJSONToIPFS", pinJSONRequest{
		PinataContent:  v,
		PinataMetadata: pinataMetadata{Name: name},
	})
	if err != nil {
		return "", err
	}
	return c.pin(ctx, req)
}

// PinFile pins raw file bytes and returns their content hash
func (c *PinataClient) PinFile(ctx context.Context, name, contentType string, data []byte) (string, error) {
	meta, err := json.Marshal(pinataMetadata{Name: name})
	if err != nil {
		return "", fmt.Errorf("failed to encode metadata: %w", err)
	}
	req, err := fileRequest("/pinning/pinFileToIPFS", name, contentType, data, map[string]string{
		"pinataMetadata": string(meta),
	})
	if err != nil {
		return "", err
	}
	return c.pin(ctx, req)
}

func (c *PinataClient) pin(ctx context.Context, req *request) (string, error) {
	var resp PinResponse
	result := retry.WithExponentialBackoff(ctx, c.retry, func(ctx context.Context, attempt int) error {
		return c.rest.doJSON(ctx, req, &resp)
	})
	if !result.Success {
		return "", result.LastError
	}
	if resp.IpfsHash == "" {
		return "", apperrors.NewProviderError("pinata", fmt.Errorf("response carried no IpfsHash"))
	}
	return resp.IpfsHash, nil
}
