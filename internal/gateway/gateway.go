// Package gateway wraps single completion calls in the full safety net: a
// per-attempt timeout, exponential backoff between attempts, an overall
// deadline, and a deterministic heuristic fallback when every attempt is
// exhausted. Callers always get a structured result back; upstream failures
// never escape as errors.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/avetel/proplens/internal/api"
	"github.com/avetel/proplens/internal/config"
	"github.com/avetel/proplens/internal/metrics"
	"github.com/avetel/proplens/internal/util"
)

// Transport issues one completion request. Satisfied by *api.Client;
// tests inject fault-injecting fakes.
type Transport interface {
	ChatCompletion(ctx context.Context, modelCfg config.ModelConfig, apiKey string, messages []api.Message) (*api.ChatCompletionResponse, error)
}

// PromptSpec is a fully-formed request for one completion: the prompt text,
// the shape the payload must validate against, and the heuristic generator
// used when the service cannot deliver. Validate and Fallback operate on the
// same wire shape, so downstream consumers cannot tell the two paths apart
// except by the fallback tag.
type PromptSpec struct {
	Stage    string // stage name, for logging and metrics
	System   string
	User     string
	Model    string // model config key; empty means "main"
	Validate func(payload []byte) error
	Fallback func() ([]byte, error)
}

// Budget bounds one Complete call.
type Budget struct {
	MaxAttempts     int
	AttemptTimeout  time.Duration
	OverallDeadline time.Duration
	BaseBackoff     time.Duration
	MaxBackoff      time.Duration
}

// BudgetFor derives the gateway budget from a model's configuration.
func BudgetFor(m config.ModelConfig) Budget {
	return Budget{
		MaxAttempts:     m.MaxAttempts,
		AttemptTimeout:  time.Duration(m.AttemptTimeoutSeconds) * time.Second,
		OverallDeadline: time.Duration(m.OverallDeadlineSeconds) * time.Second,
		BaseBackoff:     time.Duration(m.BaseBackoffMs) * time.Millisecond,
		MaxBackoff:      time.Duration(m.MaxBackoffSeconds) * time.Second,
	}
}

func (b Budget) withDefaults() Budget {
	if b.MaxAttempts <= 0 {
		b.MaxAttempts = 3
	}
	if b.AttemptTimeout <= 0 {
		b.AttemptTimeout = 60 * time.Second
	}
	if b.OverallDeadline <= 0 {
		b.OverallDeadline = 240 * time.Second
	}
	if b.BaseBackoff <= 0 {
		b.BaseBackoff = 2 * time.Second
	}
	if b.MaxBackoff <= 0 {
		b.MaxBackoff = 30 * time.Second
	}
	return b
}

// backoff returns the delay before retry n (n starts at 0): base·2^n capped.
func (b Budget) backoff(n int) time.Duration {
	d := b.BaseBackoff
	for i := 0; i < n; i++ {
		d *= 2
		if d >= b.MaxBackoff {
			return b.MaxBackoff
		}
	}
	if d > b.MaxBackoff {
		return b.MaxBackoff
	}
	return d
}

// CompletionAttempt records one attempt for logging and telemetry. Not
// persisted anywhere.
type CompletionAttempt struct {
	Number         int
	StartedAt      time.Time
	Outcome        string // success|timeout|error
	BackoffApplied time.Duration
}

// CompletionResult is what Complete always returns on the happy path and on
// exhaustion alike. Fallback marks heuristic output.
type CompletionResult struct {
	Stage    string
	Payload  []byte
	Fallback bool
	Attempts int
	Backoffs int
	Model    string
}

// Gateway is the single choke point for completion calls.
type Gateway struct {
	cfg       *config.Config
	secrets   *config.Secrets
	transport Transport
	metrics   *metrics.Collector
	logger    *slog.Logger
}

// New creates a gateway.
func New(cfg *config.Config, secrets *config.Secrets, transport Transport, collector *metrics.Collector, logger *slog.Logger) *Gateway {
	return &Gateway{
		cfg:       cfg,
		secrets:   secrets,
		transport: transport,
		metrics:   collector,
		logger:    logger.With("component", "gateway"),
	}
}

// Complete runs one completion under the budget. It returns an error only
// for malformed requests or a broken fallback generator; every upstream
// failure resolves into either a real or a fallback-tagged result.
func (g *Gateway) Complete(ctx context.Context, spec PromptSpec, budget Budget) (*CompletionResult, error) {
	if spec.User == "" {
		return nil, fmt.Errorf("gateway: empty prompt for stage %q", spec.Stage)
	}
	if spec.Validate == nil || spec.Fallback == nil {
		return nil, fmt.Errorf("gateway: prompt spec for stage %q is missing its output contract", spec.Stage)
	}

	budget = budget.withDefaults()
	modelCfg := g.resolveModel(spec.Model)
	apiKey := g.secrets.GetAPIKey(modelCfg.BaseURL)
	deadline := time.Now().Add(budget.OverallDeadline)

	messages := make([]api.Message, 0, 2)
	if spec.System != "" {
		messages = append(messages, api.Message{Role: "system", Content: spec.System})
	}
	messages = append(messages, api.Message{Role: "user", Content: spec.User})

	logger := g.logger.With("stage", spec.Stage, "model", modelCfg.ModelName)

	var (
		attempts []CompletionAttempt
		backoffs int
		lastErr  error
	)

	for n := 0; n < budget.MaxAttempts; n++ {
		if n > 0 {
			wait := budget.backoff(n - 1)
			if time.Now().Add(wait).After(deadline) {
				logger.Warn("overall deadline leaves no room for another attempt", "attempt", n)
				break
			}
			logger.Warn("retrying completion",
				"attempt", n,
				"max_attempts", budget.MaxAttempts,
				"backoff", wait,
				"error", lastErr)
			select {
			case <-ctx.Done():
				lastErr = ctx.Err()
			case <-time.After(wait):
			}
			if ctx.Err() != nil {
				break
			}
			backoffs++
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}
		perAttempt := budget.AttemptTimeout
		if perAttempt > remaining {
			perAttempt = remaining
		}

		attempt := CompletionAttempt{Number: n, StartedAt: time.Now()}
		if n > 0 {
			attempt.BackoffApplied = budget.backoff(n - 1)
		}

		attemptCtx, cancel := context.WithTimeout(ctx, perAttempt)
		resp, err := g.transport.ChatCompletion(attemptCtx, modelCfg, apiKey, messages)
		cancel()

		duration := time.Since(attempt.StartedAt)

		if err != nil {
			attempt.Outcome = "error"
			var apiErr *api.Error
			if errors.As(err, &apiErr) && apiErr.Kind == api.KindTimeout {
				attempt.Outcome = "timeout"
			}
			attempts = append(attempts, attempt)
			g.metrics.RecordCompletionAttempt(spec.Stage, attempt.Outcome, duration)
			lastErr = err

			if ctx.Err() != nil {
				break
			}
			if errors.As(err, &apiErr) && !apiErr.Retryable {
				logger.Warn("non-retryable completion failure", "attempt", n, "error", err)
				break
			}
			continue
		}

		attempt.Outcome = "success"
		attempts = append(attempts, attempt)
		g.metrics.RecordCompletionAttempt(spec.Stage, attempt.Outcome, duration)

		if len(resp.Choices) == 0 {
			// *api.Client never returns this, but the transport is an
			// interface and a choiceless response must not panic the worker.
			logger.Warn("completion response carried no choices", "attempt", n)
			lastErr = fmt.Errorf("response carried no choices")
			break
		}

		payload := util.RepairJSON(util.ExtractJSON(resp.Choices[0].Message.Content))
		if err := g.validatePayload(spec, payload); err != nil {
			// The provider is responding but not in the agreed shape.
			// Retrying the transport does not fix that, so go straight
			// to the heuristic result.
			logger.Warn("completion payload failed validation", "attempt", n, "error", err)
			lastErr = err
			break
		}

		logger.Debug("completion succeeded",
			"attempts", len(attempts),
			"backoffs", backoffs,
			"payload_bytes", len(payload))
		return &CompletionResult{
			Stage:    spec.Stage,
			Payload:  []byte(payload),
			Attempts: len(attempts),
			Backoffs: backoffs,
			Model:    modelCfg.ModelName,
		}, nil
	}

	payload, err := spec.Fallback()
	if err != nil {
		return nil, fmt.Errorf("gateway: fallback generator failed for stage %q: %w", spec.Stage, err)
	}

	g.metrics.RecordFallback(spec.Stage)
	logger.Warn("completion exhausted, using heuristic result",
		"attempts", len(attempts),
		"last_error", lastErr)

	return &CompletionResult{
		Stage:    spec.Stage,
		Payload:  payload,
		Fallback: true,
		Attempts: len(attempts),
		Backoffs: backoffs,
		Model:    modelCfg.ModelName,
	}, nil
}

// BudgetForStage resolves the budget for a prompt spec from its model config.
func (g *Gateway) BudgetForStage(spec PromptSpec) Budget {
	return BudgetFor(g.resolveModel(spec.Model))
}

func (g *Gateway) validatePayload(spec PromptSpec, payload string) error {
	if !json.Valid([]byte(payload)) {
		return fmt.Errorf("payload is not valid JSON")
	}
	return spec.Validate([]byte(payload))
}

// resolveModel looks up the requested model config, falling back to main for
// unknown keys. Config validation guarantees main exists.
func (g *Gateway) resolveModel(key string) config.ModelConfig {
	if key != "" {
		if m, ok := g.cfg.Models[key]; ok {
			return m
		}
		g.logger.Warn("unknown model key, using main", "model", key)
	}
	return g.cfg.Models["main"]
}
