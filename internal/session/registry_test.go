package session

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/avetel/proplens/pkg/models"
)

func testRegistry() *Registry {
	return NewRegistry(slog.New(slog.NewTextHandler(io.Discard, nil)), 0)
}

func TestCreateStartsPending(t *testing.T) {
	r := testRegistry()
	defer r.Close()

	sess := r.Create()
	if sess.ID == "" {
		t.Fatal("empty session id")
	}
	if sess.Status != models.StatusPending {
		t.Errorf("Status = %s, want pending", sess.Status)
	}
	if sess.Progress != 0 {
		t.Errorf("Progress = %d, want 0", sess.Progress)
	}
	if sess.StartedAt.IsZero() {
		t.Error("StartedAt not set")
	}

	// A session never advanced by a worker stays pending at 0.
	got, err := r.Get(sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != models.StatusPending || got.Progress != 0 {
		t.Errorf("got (%s, %d), want (pending, 0)", got.Status, got.Progress)
	}
}

func TestGetUnknownID(t *testing.T) {
	r := testRegistry()
	defer r.Close()

	if _, err := r.Get("no-such-session"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
	if err := r.Update("no-such-session", Patch{Status: models.StatusRunning}); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestProgressNeverDecreases(t *testing.T) {
	r := testRegistry()
	defer r.Close()
	sess := r.Create()

	if err := r.Update(sess.ID, Patch{Status: models.StatusRunning, Stage: "technical", Progress: 50, Message: "halfway"}); err != nil {
		t.Fatal(err)
	}
	// A stale lower progress write must not move the bar backwards.
	if err := r.Update(sess.ID, Patch{Status: models.StatusRunning, Stage: "technical", Progress: 20, Message: "stale"}); err != nil {
		t.Fatal(err)
	}

	got, _ := r.Get(sess.ID)
	if got.Progress != 50 {
		t.Errorf("Progress = %d, want 50", got.Progress)
	}
	if got.Message != "stale" {
		t.Errorf("Message = %q, want replaced", got.Message)
	}
}

func TestTerminalInvariant(t *testing.T) {
	r := testRegistry()
	defer r.Close()

	completed := r.Create()
	result := &models.AnalysisResult{OverallScore: 80, ComplianceLevel: models.BandGood}
	if err := r.Update(completed.ID, Patch{Status: models.StatusCompleted, Stage: "compile", Progress: 90, Result: result}); err != nil {
		t.Fatal(err)
	}
	got, _ := r.Get(completed.ID)
	if got.Result == nil || got.Error != "" {
		t.Error("completed session must carry result and no error")
	}
	if got.Progress != 100 {
		t.Errorf("terminal Progress = %d, want 100", got.Progress)
	}

	failed := r.Create()
	if err := r.Update(failed.ID, Patch{Status: models.StatusFailed, Progress: 10, Error: "document empty"}); err != nil {
		t.Fatal(err)
	}
	got, _ = r.Get(failed.ID)
	if got.Result != nil || got.Error == "" {
		t.Error("failed session must carry error and no result")
	}
	if got.Progress != 100 {
		t.Errorf("terminal Progress = %d, want 100", got.Progress)
	}

	// Terminal reads are idempotent.
	again, _ := r.Get(failed.ID)
	if again.Status != got.Status || again.Error != got.Error || again.Progress != got.Progress {
		t.Error("subsequent Get returned a different terminal state")
	}
}

func TestGetReturnsSnapshot(t *testing.T) {
	r := testRegistry()
	defer r.Close()
	sess := r.Create()

	result := &models.AnalysisResult{
		OverallScore: 70,
		Sections: map[models.Criterion]models.SectionResult{
			models.CriterionBudget: {Key: models.CriterionBudget, Score: 70},
		},
	}
	if err := r.Update(sess.ID, Patch{Status: models.StatusCompleted, Result: result}); err != nil {
		t.Fatal(err)
	}

	snap, _ := r.Get(sess.ID)
	snap.Result.Sections[models.CriterionBudget] = models.SectionResult{Score: 1}
	snap.Progress = 7

	fresh, _ := r.Get(sess.ID)
	if fresh.Result.Sections[models.CriterionBudget].Score != 70 {
		t.Error("mutating a snapshot leaked into the registry")
	}
	if fresh.Progress != 100 {
		t.Error("mutating a snapshot changed stored progress")
	}
}

func TestConcurrentReadersAndWriter(t *testing.T) {
	r := testRegistry()
	defer r.Close()
	sess := r.Create()

	var wg sync.WaitGroup
	done := make(chan struct{})

	wg.Add(1)
	go func() {
		defer wg.Done()
		for p := 1; p <= 100; p++ {
			_ = r.Update(sess.ID, Patch{Status: models.StatusRunning, Stage: "technical", Progress: p, Message: "working"})
		}
		_ = r.Update(sess.ID, Patch{Status: models.StatusCompleted, Progress: 100, Result: &models.AnalysisResult{}})
		close(done)
	}()

	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			last := 0
			for {
				got, err := r.Get(sess.ID)
				if err != nil {
					t.Errorf("Get() error = %v", err)
					return
				}
				if got.Progress < last {
					t.Errorf("observed progress decrease: %d -> %d", last, got.Progress)
					return
				}
				last = got.Progress
				select {
				case <-done:
					return
				default:
				}
			}
		}()
	}

	wg.Wait()
}

func TestEviction(t *testing.T) {
	r := NewRegistry(slog.New(slog.NewTextHandler(io.Discard, nil)), 10*time.Millisecond)
	defer r.Close()

	terminal := r.Create()
	running := r.Create()
	_ = r.Update(terminal.ID, Patch{Status: models.StatusCompleted, Result: &models.AnalysisResult{}})
	_ = r.Update(running.ID, Patch{Status: models.StatusRunning, Progress: 10})

	// Drive eviction directly instead of waiting on the janitor tick.
	r.evictExpired(time.Now().Add(time.Hour))

	if _, err := r.Get(terminal.ID); !errors.Is(err, ErrNotFound) {
		t.Error("terminal session not evicted after retention")
	}
	if _, err := r.Get(running.ID); err != nil {
		t.Error("running session must never be evicted")
	}
}
