// Package api is the transport layer for OpenAI-compatible completion
// endpoints. It issues exactly one request per call and classifies failures
// into typed outcomes; retry and backoff policy live in the gateway, not
// here, so every call site shares one retry implementation.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/avetel/proplens/internal/config"
)

// Kind classifies a transport failure.
type Kind string

const (
	KindTimeout         Kind = "timeout"
	KindTransport       Kind = "transport"
	KindRateLimited     Kind = "rate_limited"
	KindHTTP            Kind = "http"
	KindInvalidResponse Kind = "invalid_response"
)

// Error is a typed failure from the completion service.
type Error struct {
	Kind       Kind
	StatusCode int
	Message    string
	Retryable  bool
}

func (e *Error) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("completion service error (%s, status %d): %s", e.Kind, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("completion service error (%s): %s", e.Kind, e.Message)
}

// Client issues single chat completion requests. The caller controls the
// per-attempt timeout through the context deadline.
type Client struct {
	httpClient      *http.Client
	rateLimiterPool *RateLimiterPool
	logger          *slog.Logger
}

// NewClient creates a transport client. No timeout is set on the underlying
// http.Client; per-attempt deadlines come from the request context.
func NewClient(logger *slog.Logger) *Client {
	return &Client{
		httpClient:      &http.Client{},
		rateLimiterPool: NewRateLimiterPool(),
		logger:          logger.With("component", "api"),
	}
}

// ChatCompletion sends one completion request after waiting for the model's
// rate limiter. All failures come back as *Error so the gateway can decide
// what to do with them.
func (c *Client) ChatCompletion(
	ctx context.Context,
	modelCfg config.ModelConfig,
	apiKey string,
	messages []Message,
) (*ChatCompletionResponse, error) {
	modelID := fmt.Sprintf("%s:%s", modelCfg.BaseURL, modelCfg.ModelName)
	waitStart := time.Now()
	if err := c.rateLimiterPool.Wait(ctx, modelID, modelCfg.RateLimitPerMinute); err != nil {
		return nil, classifyErr(fmt.Errorf("rate limiter wait: %w", err))
	}
	if wait := time.Since(waitStart); wait > time.Second {
		c.logger.Debug("rate limiter delayed request", "model", modelCfg.ModelName, "wait", wait)
	}

	req := ChatCompletionRequest{
		Model:       modelCfg.ModelName,
		Messages:    messages,
		Temperature: modelCfg.Temperature,
		TopP:        modelCfg.TopP,
		MaxTokens:   modelCfg.MaxOutputTokens,
		N:           1,
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	endpoint := strings.TrimSuffix(modelCfg.BaseURL, "/") + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+apiKey)
	}

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, classifyErr(err)
	}
	defer func() {
		if err := httpResp.Body.Close(); err != nil {
			c.logger.Warn("failed to close response body", "error", err)
		}
	}()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, classifyErr(err)
	}

	if httpResp.StatusCode != http.StatusOK {
		return nil, classifyStatus(httpResp.StatusCode, respBody)
	}

	var resp ChatCompletionResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, &Error{
			Kind:      KindInvalidResponse,
			Message:   fmt.Sprintf("failed to parse response: %v", err),
			Retryable: false,
		}
	}
	if len(resp.Choices) == 0 {
		return nil, &Error{
			Kind:      KindInvalidResponse,
			Message:   "no choices returned in response",
			Retryable: false,
		}
	}

	return &resp, nil
}

// classifyErr maps low-level request failures to typed outcomes. Context
// deadline hits count as timeouts; everything else is a transport failure.
func classifyErr(err error) *Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindTimeout, Message: err.Error(), Retryable: true}
	}
	if errors.Is(err, context.Canceled) {
		return &Error{Kind: KindTransport, Message: err.Error(), Retryable: false}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &Error{Kind: KindTimeout, Message: err.Error(), Retryable: true}
	}
	return &Error{Kind: KindTransport, Message: err.Error(), Retryable: true}
}

func classifyStatus(statusCode int, body []byte) *Error {
	kind := KindHTTP
	if statusCode == http.StatusTooManyRequests {
		kind = KindRateLimited
	}

	retryable := statusCode == http.StatusTooManyRequests ||
		statusCode == http.StatusInternalServerError ||
		statusCode == http.StatusBadGateway ||
		statusCode == http.StatusServiceUnavailable ||
		statusCode == http.StatusGatewayTimeout

	var errResp ErrorResponse
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error.Message != "" {
		return &Error{Kind: kind, StatusCode: statusCode, Message: errResp.Error.Message, Retryable: retryable}
	}
	return &Error{
		Kind:       kind,
		StatusCode: statusCode,
		Message:    fmt.Sprintf("request failed with status %d: %s", statusCode, string(body)),
		Retryable:  retryable,
	}
}
