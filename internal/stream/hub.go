// Package stream fans session events out to live observers. Events are
// fire-and-forget: nothing is queued for sessions nobody watches, and a slow
// observer drops events instead of stalling the pipeline. Late attachers
// recover current state from the session registry, not from here.
package stream

import (
	"log/slog"
	"sync"
	"time"

	"github.com/avetel/proplens/internal/metrics"
	"github.com/avetel/proplens/pkg/models"
)

// observerBuffer is the per-observer channel depth. Big enough to absorb a
// burst of stage transitions; overflow is dropped.
const observerBuffer = 16

// Observer is one live subscriber to a session's events.
type Observer struct {
	ch     chan models.Event
	closed bool // guarded by the hub mutex
}

// Events returns the observer's receive channel. It is closed on detach.
func (o *Observer) Events() <-chan models.Event {
	return o.ch
}

// Hub routes events to whoever is attached to a session and emits periodic
// heartbeats so transports can detect half-open connections.
type Hub struct {
	mu        sync.Mutex
	observers map[string]map[*Observer]struct{}
	logger    *slog.Logger
	metrics   *metrics.Collector

	stopOnce sync.Once
	stop     chan struct{}
}

// NewHub creates a hub and starts its heartbeat loop. heartbeat <= 0
// disables heartbeats (useful in tests).
func NewHub(logger *slog.Logger, collector *metrics.Collector, heartbeat time.Duration) *Hub {
	h := &Hub{
		observers: make(map[string]map[*Observer]struct{}),
		logger:    logger.With("component", "stream"),
		metrics:   collector,
		stop:      make(chan struct{}),
	}
	if heartbeat > 0 {
		go h.heartbeatLoop(heartbeat)
	}
	return h
}

// Attach subscribes a new observer to a session's events.
func (h *Hub) Attach(sessionID string) *Observer {
	obs := &Observer{ch: make(chan models.Event, observerBuffer)}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.observers[sessionID] == nil {
		h.observers[sessionID] = make(map[*Observer]struct{})
	}
	h.observers[sessionID][obs] = struct{}{}

	return obs
}

// Detach removes an observer and closes its channel. Idempotent: detaching
// an observer twice, or one that was never attached, is a no-op.
func (h *Hub) Detach(sessionID string, obs *Observer) {
	if obs == nil {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if set, ok := h.observers[sessionID]; ok {
		delete(set, obs)
		if len(set) == 0 {
			delete(h.observers, sessionID)
		}
	}
	if !obs.closed {
		obs.closed = true
		close(obs.ch)
	}
}

// Notify delivers an event to every observer of a session. No observers, no
// work. Delivery is non-blocking; a full observer buffer drops the event.
func (h *Hub) Notify(sessionID string, ev models.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	set, ok := h.observers[sessionID]
	if !ok {
		return
	}
	for obs := range set {
		h.send(obs, ev)
	}
}

// Close detaches every observer and stops the heartbeat loop.
func (h *Hub) Close() {
	h.stopOnce.Do(func() { close(h.stop) })

	h.mu.Lock()
	defer h.mu.Unlock()

	for sessionID, set := range h.observers {
		for obs := range set {
			if !obs.closed {
				obs.closed = true
				close(obs.ch)
			}
		}
		delete(h.observers, sessionID)
	}
}

// send must be called with the hub mutex held.
func (h *Hub) send(obs *Observer, ev models.Event) {
	if obs.closed {
		return
	}
	select {
	case obs.ch <- ev:
	default:
		h.metrics.EventDropped()
		h.logger.Debug("dropping event for slow observer", "type", ev.Type)
	}
}

func (h *Hub) heartbeatLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-h.stop:
			return
		case <-ticker.C:
			h.broadcastHeartbeat()
		}
	}
}

func (h *Hub) broadcastHeartbeat() {
	h.mu.Lock()
	defer h.mu.Unlock()

	ev := models.Event{Type: models.EventHeartbeat}
	for _, set := range h.observers {
		for obs := range set {
			h.send(obs, ev)
		}
	}
}
