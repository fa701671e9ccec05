package gateway

import (
	"context"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/xymz/voicegate/internal/hub"
)

// observerSubscriber relays hub broadcasts onto one observer socket.
type observerSubscriber struct {
	id   string
	conn *websocket.Conn
	mu   sync.Mutex
}

var _ hub.Subscriber = (*observerSubscriber)(nil)

// ID implements hub.Subscriber.
func (o *observerSubscriber) ID() string { return o.id }

// Send implements hub.Subscriber.
func (o *observerSubscriber) Send(ctx context.Context, payload []byte) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.conn.Write(ctx, websocket.MessageText, payload)
}

// handleObserverSocket subscribes a dashboard connection to the hub until it
// disconnects. Observers are read-only; inbound messages are discarded.
func (s *Server) handleObserverSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.ObserverOrigins,
	})
	if err != nil {
		s.log.Warn("observer socket accept failed", "err", err)
		return
	}

	sub := &observerSubscriber{id: uuid.NewString(), conn: conn}
	s.cfg.Hub.Add(sub)
	s.log.Info("observer subscribed", "observer_id", sub.id)

	if s.cfg.Metrics != nil {
		s.cfg.Metrics.ActiveObservers.Add(r.Context(), 1)
	}
	defer func() {
		s.cfg.Hub.Remove(sub.id)
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.ActiveObservers.Add(context.WithoutCancel(r.Context()), -1)
		}
		_ = conn.Close(websocket.StatusNormalClosure, "observer done")
		s.log.Info("observer unsubscribed", "observer_id", sub.id)
	}()

	// Drain inbound frames so pings are answered; exit on close.
	for {
		if _, _, err := conn.Read(r.Context()); err != nil {
			return
		}
	}
}
