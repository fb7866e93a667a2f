// Package session is the authoritative in-memory store for analysis runs.
// Workers write through Update, observers read snapshots through Get; nobody
// ever sees a half-written session.
package session

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/avetel/proplens/pkg/models"
	"github.com/google/uuid"
)

// ErrNotFound is returned for session ids the registry does not know.
// Distinct from any in-progress state: an unknown id is never "still running".
var ErrNotFound = errors.New("session not found")

// Patch replaces the mutable fields of a session in one atomic write.
// Progress is clamped so it never decreases.
type Patch struct {
	Status   models.Status
	Stage    string
	Progress int
	Message  string
	Result   *models.AnalysisResult
	Error    string
}

type entry struct {
	session    *models.AnalysisSession
	finishedAt time.Time // zero until terminal
}

// Registry keys live and completed sessions by id. With a positive retention
// it runs a janitor that evicts terminal sessions after their TTL; running
// sessions are never evicted.
type Registry struct {
	mu        sync.RWMutex
	sessions  map[string]*entry
	logger    *slog.Logger
	retention time.Duration

	stopOnce sync.Once
	stop     chan struct{}
}

// NewRegistry creates a registry. retention <= 0 disables eviction.
func NewRegistry(logger *slog.Logger, retention time.Duration) *Registry {
	r := &Registry{
		sessions:  make(map[string]*entry),
		logger:    logger.With("component", "registry"),
		retention: retention,
		stop:      make(chan struct{}),
	}
	if retention > 0 {
		go r.janitor()
	}
	return r
}

// Create allocates a new pending session and returns a snapshot of it.
func (r *Registry) Create() *models.AnalysisSession {
	sess := &models.AnalysisSession{
		ID:        uuid.NewString(),
		Status:    models.StatusPending,
		Progress:  0,
		Message:   "Analysis queued",
		StartedAt: time.Now(),
	}

	r.mu.Lock()
	r.sessions[sess.ID] = &entry{session: sess}
	r.mu.Unlock()

	return sess.Clone()
}

// Update atomically replaces the mutable fields of a session. The terminal
// invariant is enforced here: a completed session carries a result and no
// error, a failed one the reverse.
func (r *Registry) Update(id string, p Patch) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.sessions[id]
	if !ok {
		return ErrNotFound
	}

	sess := e.session
	sess.Status = p.Status
	sess.Stage = p.Stage
	sess.Message = p.Message
	if p.Progress > sess.Progress {
		sess.Progress = p.Progress
	}

	switch p.Status {
	case models.StatusCompleted:
		sess.Result = p.Result
		sess.Error = ""
		sess.Progress = 100
	case models.StatusFailed:
		sess.Result = nil
		sess.Error = p.Error
		sess.Progress = 100
	default:
		sess.Result = nil
		sess.Error = ""
	}

	if p.Status.Terminal() && e.finishedAt.IsZero() {
		e.finishedAt = time.Now()
	}

	return nil
}

// Get returns a snapshot of a session, or ErrNotFound.
func (r *Registry) Get(id string) (*models.AnalysisSession, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return e.session.Clone(), nil
}

// Len reports how many sessions the registry currently holds.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Close stops the janitor. Idempotent.
func (r *Registry) Close() {
	r.stopOnce.Do(func() { close(r.stop) })
}

func (r *Registry) janitor() {
	interval := r.retention / 4
	if interval > time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			r.evictExpired(time.Now())
		}
	}
}

func (r *Registry) evictExpired(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, e := range r.sessions {
		if e.finishedAt.IsZero() {
			continue
		}
		if now.Sub(e.finishedAt) >= r.retention {
			delete(r.sessions, id)
			r.logger.Debug("evicted expired session", "session_id", id, "status", e.session.Status)
		}
	}
}
