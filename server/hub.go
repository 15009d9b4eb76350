package server

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/engage/logger"
	"github.com/teranos/engage/pulse/executor"
	"github.com/teranos/engage/pulse/run"
	"github.com/teranos/engage/pulse/schedule"
)

// Event types pushed over /ws.
const (
	EventRunProgress  = "run_progress"
	EventRunState     = "run_state"
	EventNotification = "notification"
	EventHello        = "hello"
)

// MaxClients bounds concurrent dashboard connections.
const MaxClients = 64

// Event is one message on the dashboard socket.
type Event struct {
	Type      string     `json:"type"`
	Family    run.Family `json:"family,omitempty"`
	Data      any        `json:"data,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}

// RunStateData is the payload of run_state.
type RunStateData struct {
	State   executor.State `json:"state"`
	Session *run.Session   `json:"session,omitempty"`
}

// Hub fans events out to WebSocket clients. Only the Run goroutine touches
// the client set and closes send channels.
type Hub struct {
	logger *zap.SugaredLogger

	register   chan *Client
	unregister chan *Client
	broadcast  chan Event

	mu      sync.RWMutex
	clients map[*Client]bool
	// last run_state per family, replayed to clients that connect mid-run
	lastState map[run.Family]Event

	drops atomic.Int64
	now   func() time.Time
}

// NewHub creates a hub. Call Run to start delivering.
func NewHub(logger *zap.SugaredLogger) *Hub {
	return &Hub{
		logger:     logger,
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan Event, 256),
		clients:    make(map[*Client]bool),
		lastState:  make(map[run.Family]Event),
		now:        time.Now,
	}
}

// Run is the hub event loop; it returns when ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				delete(h.clients, c)
				c.close()
			}
			h.mu.Unlock()
			h.logger.Debugw("Event hub stopping due to context cancellation")
			return
		case c := <-h.register:
			h.handleRegister(c)
		case c := <-h.unregister:
			h.handleUnregister(c)
		case ev := <-h.broadcast:
			h.deliver(ev)
		}
	}
}

func (h *Hub) handleRegister(c *Client) {
	h.mu.Lock()
	if len(h.clients) >= MaxClients {
		h.mu.Unlock()
		h.logger.Warnw("Max clients reached, rejecting connection", logger.FieldClientID, c.id, "max_clients", MaxClients)
		c.close()
		return
	}
	h.clients[c] = true
	total := len(h.clients)
	replay := make([]Event, 0, len(h.lastState))
	for _, f := range run.Families {
		if ev, ok := h.lastState[f]; ok {
			replay = append(replay, ev)
		}
	}
	h.mu.Unlock()

	for _, ev := range replay {
		select {
		case c.send <- ev:
		default:
		}
	}
	h.logger.Infow("Client connected", logger.FieldClientID, c.id, "total_clients", total)
}

func (h *Hub) handleUnregister(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c)
	total := len(h.clients)
	h.mu.Unlock()

	c.close()
	h.logger.Infow("Client disconnected", logger.FieldClientID, c.id, "total_clients", total)
}

func (h *Hub) deliver(ev Event) {
	h.mu.Lock()
	if ev.Type == EventRunState {
		h.lastState[ev.Family] = ev
	}
	var slow []*Client
	for c := range h.clients {
		select {
		case c.send <- ev:
		default:
			slow = append(slow, c)
		}
	}
	for _, c := range slow {
		delete(h.clients, c)
	}
	h.mu.Unlock()

	for _, c := range slow {
		c.close()
		h.logger.Warnw("Client send channel full, removing client", logger.FieldClientID, c.id, "total_drops", h.drops.Load())
	}
}

// publish queues ev without blocking the caller (an executor or scheduler).
func (h *Hub) publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = h.now()
	}
	select {
	case h.broadcast <- ev:
	default:
		h.drops.Add(1)
		h.logger.Warnw("Event queue full, dropping event", "type", ev.Type, logger.FieldFamily, ev.Family)
	}
}

// ClientCount is the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// EmitProgress implements executor.ProgressEmitter.
func (h *Hub) EmitProgress(family run.Family, p executor.Progress) {
	h.publish(Event{Type: EventRunProgress, Family: family, Data: p})
}

// EmitState implements executor.ProgressEmitter.
func (h *Hub) EmitState(family run.Family, state executor.State, session *run.Session) {
	h.publish(Event{Type: EventRunState, Family: family, Data: RunStateData{State: state, Session: session}})
}

// Notify implements schedule.Notifier.
func (h *Hub) Notify(n schedule.Notification) {
	h.publish(Event{Type: EventNotification, Family: n.Family, Data: n, Timestamp: n.Time})
}

var (
	_ executor.ProgressEmitter = (*Hub)(nil)
	_ schedule.Notifier        = (*Hub)(nil)
)
