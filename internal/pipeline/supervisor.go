package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/avetel/proplens/internal/session"
	"github.com/avetel/proplens/pkg/models"
)

// ErrBusy is returned when admission would exceed the configured concurrent
// session limit. Callers surface it as back-pressure, not failure.
var ErrBusy = errors.New("analysis capacity reached, try again later")

// ErrEmptyDocument is returned when a start request carries no usable text.
var ErrEmptyDocument = errors.New("document text is empty")

// Supervisor admits analysis runs, enforces the per-session deadline, and
// tracks in-flight workers for graceful shutdown.
type Supervisor struct {
	pipeline *Pipeline
	registry *session.Registry
	slots    chan struct{}
	deadline time.Duration
	logger   *slog.Logger
	wg       sync.WaitGroup
}

// NewSupervisor creates a supervisor with the given admission limit and
// per-session deadline.
func NewSupervisor(
	p *Pipeline,
	registry *session.Registry,
	maxConcurrent int,
	deadline time.Duration,
	logger *slog.Logger,
) *Supervisor {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &Supervisor{
		pipeline: p,
		registry: registry,
		slots:    make(chan struct{}, maxConcurrent),
		deadline: deadline,
		logger:   logger.With("component", "supervisor"),
	}
}

// Start validates the request, admits it against the concurrency limit, and
// launches the worker. It returns the session ID immediately; the caller
// polls or streams for progress. The parent context should outlive the run:
// cancelling it aborts every in-flight session.
func (s *Supervisor) Start(ctx context.Context, documentText string, opts models.AnalysisOptions) (string, error) {
	if strings.TrimSpace(documentText) == "" {
		return "", ErrEmptyDocument
	}

	select {
	case s.slots <- struct{}{}:
	default:
		return "", ErrBusy
	}

	sess := s.registry.Create()
	s.logger.Info("session admitted", "session_id", sess.ID, "in_flight", len(s.slots))

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() { <-s.slots }()

		runCtx := ctx
		cancel := context.CancelFunc(func() {})
		if s.deadline > 0 {
			runCtx, cancel = context.WithTimeout(ctx, s.deadline)
		}
		defer cancel()

		s.pipeline.Run(runCtx, sess.ID, documentText, opts)
	}()

	return sess.ID, nil
}

// Running reports the number of in-flight sessions.
func (s *Supervisor) Running() int {
	return len(s.slots)
}

// Wait blocks until every in-flight worker has finished. Used during
// shutdown after the parent context has been cancelled.
func (s *Supervisor) Wait() {
	s.wg.Wait()
}
