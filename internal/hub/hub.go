// Package hub fans out transcript and status lines to observer sockets.
//
// The hub is process-wide: every observer dashboard subscribes once and
// receives each broadcast at most once. A subscriber whose send fails is
// evicted on the spot so one dead dashboard cannot stall the rest.
package hub

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"
)

// Sender labels used on broadcast payloads.
const (
	SenderUser      = "User"
	SenderAssistant = "Assistant"
	SenderSystem    = "System"
)

const sendTimeout = 2 * time.Second

// Subscriber is one observer connection.
type Subscriber interface {
	// ID uniquely identifies the subscriber within the hub.
	ID() string

	// Send delivers one JSON payload. An error marks the subscriber dead.
	Send(ctx context.Context, payload []byte) error
}

// Message is the observer wire payload.
type Message struct {
	Message string `json:"message"`
	Sender  string `json:"sender"`
}

// Hub is the process-wide observer set. Safe for concurrent use.
type Hub struct {
	log *slog.Logger

	mu   sync.Mutex
	subs map[string]Subscriber
}

// New creates an empty Hub.
func New(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		log:  log,
		subs: map[string]Subscriber{},
	}
}

// Add registers a subscriber, replacing any previous one with the same id.
func (h *Hub) Add(s Subscriber) {
	h.mu.Lock()
	h.subs[s.ID()] = s
	h.mu.Unlock()
}

// Remove unregisters a subscriber by id.
func (h *Hub) Remove(id string) {
	h.mu.Lock()
	delete(h.subs, id)
	h.mu.Unlock()
}

// Len reports the current subscriber count.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Broadcast delivers {"message","sender"} to every current subscriber.
// Sends happen outside the lock on a copied subscriber list, so a slow
// subscriber never blocks Add/Remove. Failed subscribers are logged and
// evicted. Returns the number of evictions.
func (h *Hub) Broadcast(ctx context.Context, text, sender string) int {
	payload, err := json.Marshal(Message{Message: text, Sender: sender})
	if err != nil {
		h.log.Error("hub: encode broadcast", "err", err)
		return 0
	}

	h.mu.Lock()
	targets := make([]Subscriber, 0, len(h.subs))
	for _, s := range h.subs {
		targets = append(targets, s)
	}
	h.mu.Unlock()

	evicted := 0
	for _, s := range targets {
		sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
		err := s.Send(sendCtx, payload)
		cancel()
		if err != nil {
			h.log.Warn("hub: subscriber send failed, evicting", "subscriber", s.ID(), "err", err)
			h.Remove(s.ID())
			evicted++
		}
	}
	return evicted
}
