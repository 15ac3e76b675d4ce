// Package stream fans live simulation events out to websocket clients and
// Redis subscribers.
package stream

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"equity-backtest/services/events"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Hub delivers each run's events to the websocket clients watching it. A
// client that falls behind by more than the buffer loses events rather than
// slowing the simulation.
type Hub struct {
	buffer int
	logger *zap.Logger

	mu   sync.Mutex
	subs map[string]map[chan events.Envelope]struct{}
	done map[string]bool
}

func NewHub(buffer int, logger *zap.Logger) *Hub {
	if buffer <= 0 {
		buffer = 256
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		buffer: buffer,
		logger: logger,
		subs:   make(map[string]map[chan events.Envelope]struct{}),
		done:   make(map[string]bool),
	}
}

// ForRun returns the listener that feeds runID's subscribers. The terminal
// state event closes every subscription of the run.
func (h *Hub) ForRun(runID string) events.Listener {
	return events.ListenerFunc(func(e events.Event) {
		env := events.Wrap(runID, e)
		h.mu.Lock()
		defer h.mu.Unlock()
		for ch := range h.subs[runID] {
			select {
			case ch <- env:
			default:
				h.logger.Debug("stream subscriber behind, event dropped", zap.String("run_id", runID))
			}
		}
		if _, terminal := e.(events.SimulationStateEvent); terminal {
			h.finish(runID)
		}
	})
}

// Finish closes every subscription of runID and marks it done. It covers runs
// that end without a terminal state event, such as those that fail to start.
func (h *Hub) Finish(runID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.finish(runID)
}

func (h *Hub) finish(runID string) {
	for ch := range h.subs[runID] {
		close(ch)
	}
	delete(h.subs, runID)
	h.done[runID] = true
}

// Subscribe returns a channel of runID's events and a cancel func. The
// channel is closed when the run completes, immediately if it already has.
func (h *Hub) Subscribe(runID string) (<-chan events.Envelope, func()) {
	ch := make(chan events.Envelope, h.buffer)
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.done[runID] {
		close(ch)
		return ch, func() {}
	}
	if h.subs[runID] == nil {
		h.subs[runID] = make(map[chan events.Envelope]struct{})
	}
	h.subs[runID][ch] = struct{}{}
	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if _, ok := h.subs[runID][ch]; ok {
			delete(h.subs[runID], ch)
			close(ch)
		}
	}
}

// Subscribers is the number of open subscriptions to runID.
func (h *Hub) Subscribers(runID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[runID])
}

// Handler upgrades GET /.../:id/stream and writes the run's events as JSON.
func (h *Hub) Handler(c *gin.Context) {
	runID := c.Param("id")
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("ws upgrade error", zap.Error(err))
		return
	}
	defer conn.Close()

	stream, unsubscribe := h.Subscribe(runID)
	defer unsubscribe()

	// Clients send nothing; a read error means they went away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				unsubscribe()
				return
			}
		}
	}()

	for env := range stream {
		conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := conn.WriteJSON(env); err != nil {
			h.logger.Debug("ws write error", zap.String("run_id", runID), zap.Error(err))
			return
		}
	}
	select {
	case <-gone:
		h.logger.Debug("ws client disconnected", zap.String("run_id", runID))
		return
	default:
	}
	_ = conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "run complete"))
}
