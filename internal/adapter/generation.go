package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/eigensurance/internal/circuitbreaker"
	"github.com/eigensurance/internal/config"
	apperrors "github.com/eigensurance/internal/errors"
	"github.com/eigensurance/internal/types"
)

// GenerateRequest is the body posted to the generation endpoint
type GenerateRequest struct {
	Messages []types.Message `json:"messages"`
	System   string          `json:"system"`
}

// GenerationClient asks the assistant model for the next reply
type GenerationClient struct {
	rest *restClient
	path string
}

// NewGenerationClient creates a client for the configured generation URL
func NewGenerationClient(cfg *config.GenerationConfig, breaker *circuitbreaker.CircuitBreaker) (*GenerationClient, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid generation URL %q", cfg.URL)
	}
	path := u.EscapedPath()
	if u.RawQuery != "" {
		path += "?" + u.RawQuery
	}
	base := u.Scheme + "://" + u.Host
	return &GenerationClient{
		rest: newRESTClient("generation", base, cfg.Timeout, breaker),
		path: path,
	}, nil
}

// Generate sends the conversation and returns the structured {text, toolCall} reply.
// Generation is not retried: a second call could produce a different reply.
func (c *GenerationClient) Generate(ctx context.Context, in GenerateRequest) (*types.AssistantReply, error) {
	req, err := jsonRequest(http.MethodPost, c.path, in)
	if err != nil {
		return nil, err
	}

	var raw map[string]json.RawMessage
	if err := c.rest.doJSON(ctx, req, &raw); err != nil {
		return nil, err
	}
	return decodeAssistantReply(raw)
}

func decodeAssistantReply(raw map[string]json.RawMessage) (*types.AssistantReply, error) {
	invalid := func(reason string) error {
		return apperrors.NewProviderError("generation", fmt.Errorf("invalid generation response: %s", reason))
	}

	textRaw, ok := raw["text"]
	if !ok {
		return nil, invalid("missing text")
	}
	reply := &types.AssistantReply{}
	if err := json.Unmarshal(textRaw, &reply.Text); err != nil {
		return nil, invalid("text is not a string")
	}

	if callRaw, ok := raw["toolCall"]; ok && string(callRaw) != "null" {
		var call types.ToolCall
		if err := json.Unmarshal(callRaw, &call); err != nil {
			return nil, invalid("malformed toolCall")
		}
		if call.Name == "" {
			return nil, invalid("toolCall without name")
		}
		reply.ToolCall = &call
	}
	return reply, nil
}
