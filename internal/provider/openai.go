package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

const (
	DefaultModel       = "gpt-4o-mini"
	DefaultTemperature = 0.7
	DefaultMaxTokens   = 500
)

// OpenAIOptions configures an OpenAI-compatible completion endpoint.
type OpenAIOptions struct {
	Name        string
	BaseURL     string
	APIKey      string
	Model       string
	Temperature float64
	MaxTokens   int
	Timeout     time.Duration
	MaxRetries  int
	RetryBase   time.Duration
}

// OpenAIProvider calls any OpenAI-compatible chat completions API.
type OpenAIProvider struct {
	name        string
	client      *openai.Client
	model       string
	temperature float64
	maxTokens   int
	timeout     time.Duration
	maxRetries  int
	retryBase   time.Duration
}

// NewOpenAIProvider creates a provider from options, applying defaults.
func NewOpenAIProvider(opts OpenAIOptions) *OpenAIProvider {
	cfg := openai.DefaultConfig(opts.APIKey)
	if opts.BaseURL != "" {
		cfg.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	}

	p := &OpenAIProvider{
		name:        opts.Name,
		client:      openai.NewClientWithConfig(cfg),
		model:       opts.Model,
		temperature: opts.Temperature,
		maxTokens:   opts.MaxTokens,
		timeout:     opts.Timeout,
		maxRetries:  opts.MaxRetries,
		retryBase:   opts.RetryBase,
	}
	if p.name == "" {
		p.name = "openai"
	}
	if p.model == "" {
		p.model = DefaultModel
	}
	if p.temperature == 0 {
		p.temperature = DefaultTemperature
	}
	if p.maxTokens == 0 {
		p.maxTokens = DefaultMaxTokens
	}
	if p.timeout == 0 {
		p.timeout = 2 * time.Minute
	}
	if p.maxRetries < 0 {
		p.maxRetries = 0
	}
	if p.retryBase == 0 {
		p.retryBase = time.Second
	}
	return p
}

// Name returns the provider identifier.
func (p *OpenAIProvider) Name() string { return p.name }

// Complete sends the request, retrying transient failures with exponential backoff.
func (p *OpenAIProvider) Complete(ctx context.Context, req Request) (string, error) {
	for attempt := 0; attempt <= p.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(math.Pow(2, float64(attempt-1))) * p.retryBase
			slog.Info("Retrying completion after backoff",
				"provider", p.name,
				"attempt", attempt+1,
				"max_attempts", p.maxRetries+1,
				"backoff", backoff,
			)

			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}

		reply, err := p.completeOnce(ctx, req)
		if err == nil {
			return reply, nil
		}

		if !isRetriable(err) {
			return "", err
		}

		if attempt == p.maxRetries {
			slog.Error("Completion failed after all retries",
				"provider", p.name,
				"attempts", attempt+1,
				"error", err,
			)
			return "", fmt.Errorf("failed after %d attempts: %w", attempt+1, err)
		}

		slog.Warn("Completion failed, will retry",
			"provider", p.name,
			"attempt", attempt+1,
			"error", err,
		)
	}

	return "", fmt.Errorf("unexpected retry loop exit")
}

func (p *OpenAIProvider) completeOnce(ctx context.Context, req Request) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	model := req.Model
	if model == "" {
		model = p.model
	}
	temperature := float32(p.temperature)
	if req.Temperature != nil {
		temperature = float32(*req.Temperature)
	}
	// The client omits a zero temperature from the request body.
	if temperature == 0 {
		temperature = math.SmallestNonzeroFloat32
	}
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = p.maxTokens
	}

	messages := make([]openai.ChatCompletionMessage, 0, len(req.Turns)+1)
	if req.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.System,
		})
	}
	for _, t := range req.Turns {
		role := openai.ChatMessageRoleUser
		if t.Role == RoleAssistant {
			role = openai.ChatMessageRoleAssistant
		}
		messages = append(messages, openai.ChatCompletionMessage{Role: role, Content: t.Content})
	}

	resp, err := p.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       model,
		Messages:    messages,
		Temperature: temperature,
		MaxTokens:   maxTokens,
	})
	if err != nil {
		return "", p.wrapError(model, err)
	}

	if len(resp.Choices) == 0 {
		return "", &ProviderError{Provider: p.name, Model: model, Message: "no choices returned", Err: ErrEmptyReply}
	}
	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	if content == "" {
		return "", &ProviderError{Provider: p.name, Model: model, Message: "blank content", Err: ErrEmptyReply}
	}
	return content, nil
}

func (p *OpenAIProvider) wrapError(model string, err error) error {
	pe := &ProviderError{Provider: p.name, Model: model, Message: "request failed", Err: err}

	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case errors.As(err, &apiErr):
		pe.StatusCode = apiErr.HTTPStatusCode
		pe.Message = apiErr.Message
	case errors.As(err, &reqErr):
		pe.StatusCode = reqErr.HTTPStatusCode
		pe.Message = "http request failed"
	case errors.Is(err, context.DeadlineExceeded):
		pe.Message = "request timed out"
	}
	return pe
}

// HealthCheck performs a minimal completion against the endpoint, without retries.
func (p *OpenAIProvider) HealthCheck(ctx context.Context) HealthStatus {
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	_, err := p.completeOnce(ctx, Request{
		Turns:     []Turn{{Role: RoleUser, Content: "Reply with OK."}},
		MaxTokens: 5,
	})
	status := HealthStatus{
		Available:    err == nil,
		ResponseTime: time.Since(start),
		CheckedAt:    time.Now(),
	}
	if err != nil {
		status.Error = err.Error()
	}
	return status
}

// isRetriable reports whether an error is worth retrying.
func isRetriable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var pe *ProviderError
	if !errors.As(err, &pe) {
		return false
	}
	return pe.StatusCode == http.StatusTooManyRequests || pe.StatusCode >= http.StatusInternalServerError
}
