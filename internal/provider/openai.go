package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// OpenAIProvider talks to an OpenAI-compatible chat completions endpoint.
type OpenAIProvider struct {
	name    string
	baseURL string
	apiKey  string
	client  *http.Client
	// maxRetries bounds the backoff loop for transient failures.
	maxRetries uint64
}

// NewOpenAIProvider creates a provider for an OpenAI-compatible endpoint.
func NewOpenAIProvider(name, baseURL, apiKey string) *OpenAIProvider {
	return &OpenAIProvider{
		name:       name,
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		client:     &http.Client{Timeout: 60 * time.Second},
		maxRetries: 3,
	}
}

// Name implements Provider.
func (p *OpenAIProvider) Name() string { return p.name }

type chatCompletionRequest struct {
	Model     string    `json:"model"`
	Messages  []Message `json:"messages"`
	MaxTokens int       `json:"max_tokens,omitempty"`
}

type chatCompletionResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// Chat implements Provider. Transient failures (network, 429, 5xx) are
// retried with exponential backoff; auth and request errors are not.
func (p *OpenAIProvider) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	var resp *ChatResponse

	operation := func() error {
		r, err := p.chatOnce(ctx, req)
		if err != nil {
			if IsRetryable(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		resp = r
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), p.maxRetries), ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		return nil, err
	}
	return resp, nil
}

func (p *OpenAIProvider) chatOnce(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	body, err := json.Marshal(chatCompletionRequest{
		Model:     req.Model,
		Messages:  req.Messages,
		MaxTokens: req.MaxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

	httpResp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, NewProviderError(ErrCodeNetworkError, err.Error(), p.name, true)
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(httpResp.Body, 1<<20))
	if err != nil {
		return nil, NewProviderError(ErrCodeNetworkError, err.Error(), p.name, true)
	}

	if httpResp.StatusCode != http.StatusOK {
		return nil, p.statusError(httpResp.StatusCode, data)
	}

	var parsed chatCompletionResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, NewProviderError(ErrCodeUnknown, fmt.Sprintf("decode response: %v", err), p.name, false)
	}
	if parsed.Error != nil {
		return nil, NewProviderError(ErrCodeUnknown, parsed.Error.Message, p.name, false)
	}
	if len(parsed.Choices) == 0 {
		return nil, NewProviderError(ErrCodeUnknown, "empty choices in response", p.name, true)
	}

	return &ChatResponse{
		Content: parsed.Choices[0].Message.Content,
		Model:   parsed.Model,
	}, nil
}

func (p *OpenAIProvider) statusError(status int, body []byte) *ProviderError {
	message := strings.TrimSpace(string(body))
	var parsed chatCompletionResponse
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Error != nil {
		message = parsed.Error.Message
	}

	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return NewProviderError(ErrCodeAuthFailed, message, p.name, false)
	case status == http.StatusNotFound:
		return NewProviderError(ErrCodeModelNotFound, message, p.name, false)
	case status == http.StatusTooManyRequests:
		return NewProviderError(ErrCodeRateLimited, message, p.name, true)
	case status >= 500:
		return NewProviderError(ErrCodeServiceUnavailable, message, p.name, true)
	default:
		return NewProviderError(ErrCodeInvalidRequest, message, p.name, false)
	}
}
