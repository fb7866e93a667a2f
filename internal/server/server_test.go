package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avetel/proplens/internal/config"
	"github.com/avetel/proplens/internal/gateway"
	"github.com/avetel/proplens/internal/metrics"
	"github.com/avetel/proplens/internal/pipeline"
	"github.com/avetel/proplens/internal/server"
	"github.com/avetel/proplens/internal/session"
	"github.com/avetel/proplens/internal/stream"
	"github.com/avetel/proplens/pkg/models"
)

const testDocument = `Commercial proposal for the Harbor Gate office complex.
Budget of 2.8M EUR itemized by trade, 14 month schedule, ISO 9001 certified team.`

// cannedCompleter answers every stage with a valid payload. block, when set,
// holds calls until the channel is closed.
type cannedCompleter struct {
	block chan struct{}
}

func (f *cannedCompleter) BudgetForStage(spec gateway.PromptSpec) gateway.Budget {
	return gateway.Budget{MaxAttempts: 1, AttemptTimeout: time.Second, OverallDeadline: time.Second}
}

func (f *cannedCompleter) Complete(ctx context.Context, spec gateway.PromptSpec, budget gateway.Budget) (*gateway.CompletionResult, error) {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	var payload []byte
	if spec.Stage == pipeline.StagePrescan {
		payload = []byte(`{"documentKind":"construction proposal","summary":"Harbor Gate bid.","requirements":[],"sections":[]}`)
	} else {
		payload = []byte(fmt.Sprintf(`{"score":75,"summary":"evaluation of %s"}`, spec.Stage))
	}
	return &gateway.CompletionResult{Stage: spec.Stage, Payload: payload, Attempts: 1, Model: "test-model"}, nil
}

type env struct {
	srv      *server.Server
	registry *session.Registry
	ts       *httptest.Server
}

func newEnv(t *testing.T, gw pipeline.Completer, maxConcurrent int) *env {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := &config.Config{}
	config.ApplyDefaults(cfg)
	cfg.Analysis.StageDelayMs = 1

	registry := session.NewRegistry(logger, 0)
	t.Cleanup(registry.Close)
	hub := stream.NewHub(logger, metrics.NewCollector(logger), 0)
	t.Cleanup(hub.Close)

	p := pipeline.New(cfg, gw, registry, hub, metrics.NewCollector(logger), logger)
	sup := pipeline.NewSupervisor(p, registry, maxConcurrent, time.Minute, logger)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		sup.Wait()
	})

	srv := server.New(ctx, cfg, sup, registry, hub, logger)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)

	return &env{srv: srv, registry: registry, ts: ts}
}

func startAnalysis(t *testing.T, e *env, body string) string {
	t.Helper()
	resp, err := http.Post(e.ts.URL+"/api/v1/analyses", "application/json", bytes.NewBufferString(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var out struct {
		SessionID string `json:"sessionId"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.NotEmpty(t, out.SessionID)
	return out.SessionID
}

func waitTerminal(t *testing.T, e *env, id string) *models.AnalysisSession {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		sess, err := e.registry.Get(id)
		require.NoError(t, err)
		if sess.Status.Terminal() {
			return sess
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("session %s never reached a terminal status", id)
	return nil
}

func TestStartPollAndFetchResult(t *testing.T) {
	e := newEnv(t, &cannedCompleter{}, 2)

	id := startAnalysis(t, e, fmt.Sprintf(`{"documentText":%q,"title":"Harbor Gate"}`, testDocument))
	waitTerminal(t, e, id)

	resp, err := http.Get(e.ts.URL + "/api/v1/analyses/" + id + "/progress")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var progress struct {
		Status      string `json:"status"`
		Progress    int    `json:"progress"`
		TimeElapsed string `json:"timeElapsed"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&progress))
	assert.Equal(t, "completed", progress.Status)
	assert.Equal(t, 100, progress.Progress)
	assert.NotEmpty(t, progress.TimeElapsed)

	resp, err = http.Get(e.ts.URL + "/api/v1/analyses/" + id + "/result")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var result struct {
		Result *models.AnalysisResult `json:"result"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	require.NotNil(t, result.Result)
	assert.Equal(t, "Harbor Gate", result.Result.DocumentTitle)
	assert.Len(t, result.Result.Sections, len(models.Criteria()))
	assert.Equal(t, 75, result.Result.OverallScore)
}

func TestStartRejectsEmptyDocument(t *testing.T) {
	e := newEnv(t, &cannedCompleter{}, 2)

	resp, err := http.Post(e.ts.URL+"/api/v1/analyses", "application/json",
		strings.NewReader(`{"documentText":"   "}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStartRejectsMalformedBody(t *testing.T) {
	e := newEnv(t, &cannedCompleter{}, 2)

	resp, err := http.Post(e.ts.URL+"/api/v1/analyses", "application/json",
		strings.NewReader(`{"documentText": 12`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStartReturnsBusyAtCapacity(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	e := newEnv(t, &cannedCompleter{block: block}, 1)

	startAnalysis(t, e, fmt.Sprintf(`{"documentText":%q}`, testDocument))

	resp, err := http.Post(e.ts.URL+"/api/v1/analyses", "application/json",
		strings.NewReader(fmt.Sprintf(`{"documentText":%q}`, testDocument)))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}

func TestUnknownSessionIs404(t *testing.T) {
	e := newEnv(t, &cannedCompleter{}, 2)

	for _, path := range []string{"/progress", "/result", "/stream"} {
		resp, err := http.Get(e.ts.URL + "/api/v1/analyses/no-such-id" + path)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode, "path %s", path)
	}
}

func TestResultBeforeCompletionIs409(t *testing.T) {
	e := newEnv(t, &cannedCompleter{}, 2)
	sess := e.registry.Create()

	resp, err := http.Get(e.ts.URL + "/api/v1/analyses/" + sess.ID + "/result")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestHealthz(t *testing.T) {
	e := newEnv(t, &cannedCompleter{}, 2)

	resp, err := http.Get(e.ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	e := newEnv(t, &cannedCompleter{}, 2)

	resp, err := http.Get(e.ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "proplens_")
}

func TestStreamDeliversTerminalEvent(t *testing.T) {
	e := newEnv(t, &cannedCompleter{}, 2)

	id := startAnalysis(t, e, fmt.Sprintf(`{"documentText":%q}`, testDocument))

	wsURL := "ws" + strings.TrimPrefix(e.ts.URL, "http") + "/api/v1/analyses/" + id + "/stream"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	last := -1
	for {
		var ev models.Event
		err := conn.ReadJSON(&ev)
		require.NoError(t, err)
		require.GreaterOrEqual(t, ev.Progress, last, "progress went backwards")
		last = ev.Progress

		if ev.Type == models.EventCompleted {
			assert.Equal(t, 100, ev.Progress)
			require.NotNil(t, ev.Result)
			assert.Len(t, ev.Result.Sections, len(models.Criteria()))
			return
		}
		require.NotEqual(t, models.EventError, ev.Type, "unexpected error event: %s", ev.Error)
	}
}

func TestStreamAnswersPing(t *testing.T) {
	e := newEnv(t, &cannedCompleter{}, 2)
	sess := e.registry.Create() // pending, no worker attached

	wsURL := "ws" + strings.TrimPrefix(e.ts.URL, "http") + "/api/v1/analyses/" + sess.ID + "/stream"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	// First frame is the snapshot of the pending session.
	var snapshot models.Event
	require.NoError(t, conn.ReadJSON(&snapshot))
	assert.Equal(t, models.EventProgress, snapshot.Type)

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "ping"}))
	// Unknown frames are ignored, not answered and not fatal.
	require.NoError(t, conn.WriteJSON(map[string]string{"type": "subscribe"}))

	var reply struct {
		Type string `json:"type"`
	}
	require.NoError(t, conn.ReadJSON(&reply))
	assert.Equal(t, "pong", reply.Type)
}
