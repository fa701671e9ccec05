// Package callcontrol processes the telephony provider's call-automation
// events and drives the call lifecycle: DTMF validation, transcription
// recovery, play tracking and teardown.
package callcontrol

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/xymz/voicegate/internal/hub"
	"github.com/xymz/voicegate/internal/session"
)

// Call-automation event types from the provider's fixed set.
const (
	EventCallConnected      = "Microsoft.Communication.CallConnected"
	EventCallDisconnected   = "Microsoft.Communication.CallDisconnected"
	EventCreateCallFailed   = "Microsoft.Communication.CreateCallFailed"
	EventAnswerFailed       = "Microsoft.Communication.AnswerFailed"
	EventParticipantsUpdate = "Microsoft.Communication.ParticipantsUpdated"

	EventDTMFToneReceived = "Microsoft.Communication.ContinuousDtmfRecognitionToneReceived"
	EventDTMFToneFailed   = "Microsoft.Communication.ContinuousDtmfRecognitionToneFailed"
	EventDTMFStopped      = "Microsoft.Communication.ContinuousDtmfRecognitionStopped"

	EventPlayCompleted = "Microsoft.Communication.PlayCompleted"
	EventPlayFailed    = "Microsoft.Communication.PlayFailed"
	EventPlayCanceled  = "Microsoft.Communication.PlayCanceled"

	EventRecognizeCompleted = "Microsoft.Communication.RecognizeCompleted"
	EventRecognizeFailed    = "Microsoft.Communication.RecognizeFailed"
	EventRecognizeCanceled  = "Microsoft.Communication.RecognizeCanceled"

	EventTranscriptionFailed = "Microsoft.Communication.TranscriptionFailed"
)

// SubcodeTranscriptionLost is the provider subcode indicating the media
// transcription stream dropped and can be restarted.
const SubcodeTranscriptionLost = 8581

// ResultInformation is the provider's error detail blob.
type ResultInformation struct {
	Code    int    `json:"code"`
	SubCode int    `json:"subCode"`
	Message string `json:"message"`
}

// Event is one cloud-event envelope from the call-control webhook.
type Event struct {
	Type string `json:"type"`
	Data struct {
		CallConnectionID  string             `json:"callConnectionId"`
		Tone              string             `json:"tone,omitempty"`
		SequenceID        int                `json:"sequenceId,omitempty"`
		ResultInformation *ResultInformation `json:"resultInformation,omitempty"`

		// Raw retains event-specific payload fields for handlers that need
		// more than the common ones.
		Raw json.RawMessage `json:"-"`
	} `json:"data"`
}

// EventContext carries one event plus the shared collaborators into handlers.
type EventContext struct {
	Event  Event
	CallID string
	Store  session.Store
	Hub    *hub.Hub
	Client Client
	Log    *slog.Logger
}

// Handler processes one event. A handler error is logged and does not stop
// the remaining handlers for the event.
type Handler func(ctx context.Context, ec *EventContext) error

// Processor dispatches webhook events to registered handlers and tracks the
// set of active call ids.
type Processor struct {
	store  session.Store
	hub    *hub.Hub
	client Client
	log    *slog.Logger

	mu       sync.Mutex
	handlers map[string][]Handler
	active   map[string]bool
}

// NewProcessor creates a Processor with no handlers registered.
func NewProcessor(store session.Store, h *hub.Hub, client Client, log *slog.Logger) *Processor {
	if log == nil {
		log = slog.Default()
	}
	return &Processor{
		store:    store,
		hub:      h,
		client:   client,
		log:      log,
		handlers: map[string][]Handler{},
		active:   map[string]bool{},
	}
}

// Register appends a handler for the given event type. Call during startup;
// registration is not synchronized against Process.
func (p *Processor) Register(eventType string, h Handler) {
	p.handlers[eventType] = append(p.handlers[eventType], h)
}

// Active reports whether the call id is currently connected.
func (p *Processor) Active(callID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active[callID]
}

// ActiveCount reports the number of connected calls.
func (p *Processor) ActiveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.active)
}

// ProcessBatch decodes a webhook body (a JSON array of envelopes) and
// processes each event in order.
func (p *Processor) ProcessBatch(ctx context.Context, body []byte) error {
	var events []Event
	if err := json.Unmarshal(body, &events); err != nil {
		return fmt.Errorf("callcontrol: decode webhook body: %w", err)
	}
	for i := range events {
		p.Process(ctx, events[i])
	}
	return nil
}

// Process dispatches one event. Handlers run sequentially and isolated: a
// failing handler logs and the rest still run. Unknown types log a warning
// and are dropped.
func (p *Processor) Process(ctx context.Context, ev Event) {
	callID := ev.Data.CallConnectionID
	log := p.log.With("call_id", callID, "event_type", ev.Type)

	switch ev.Type {
	case EventCallConnected:
		p.mu.Lock()
		p.active[callID] = true
		p.mu.Unlock()
	case EventCallDisconnected:
		p.mu.Lock()
		delete(p.active, callID)
		p.mu.Unlock()
	}

	handlers, ok := p.handlers[ev.Type]
	if !ok {
		log.Warn("unhandled call-control event type")
		return
	}

	ec := &EventContext{
		Event:  ev,
		CallID: callID,
		Store:  p.store,
		Hub:    p.hub,
		Client: p.client,
		Log:    log,
	}
	for _, h := range handlers {
		if err := h(ctx, ec); err != nil {
			log.Error("call event handler failed", "err", err)
		}
	}
}
