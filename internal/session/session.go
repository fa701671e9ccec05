// Package session holds the per-call conversation state and the Store that
// persists it in a shared key-value service.
//
// A Session is exclusively owned by one turn controller. External writers
// (the call event processor updating live flags) go through the Store's
// field-level SetContextKey and never mutate the owner's in-memory copy.
package session

import (
	"fmt"
	"time"
)

// Turn entry kinds. A history is an ordered list of these.
const (
	KindSystem      = "system"
	KindUser        = "user"
	KindAssistant   = "assistant"
	KindToolRequest = "tool_request"
	KindToolResult  = "tool_result"
)

// Context keys for hot cross-goroutine flags.
const (
	KeyAuthenticated   = "authenticated"
	KeyCallerName      = "caller_name"
	KeyPolicyID        = "policy_id"
	KeyCallerPhone     = "caller_phone"
	KeyTTSInterrupted  = "tts_interrupted"
	KeyBotSpeaking     = "bot_speaking"
	KeyInterruptCount  = "interrupt_count"
	KeyGreeted         = "greeted"
	KeyCallActive      = "call_active"
	KeyIntakeCompleted = "intake_completed"
	KeySlots           = "slots"
	KeyToolOutputs     = "tool_outputs"
	KeyValidationState = "validation_state"
)

// Turn is one entry in an agent's history. Kind selects which fields are
// meaningful: text kinds use Content; tool_request carries ToolCallID,
// ToolName and Arguments; tool_result carries ToolCallID, ToolName and Result.
type Turn struct {
	Kind    string `json:"kind"`
	Content string `json:"content,omitempty"`

	ToolCallID string `json:"tool_call_id,omitempty"`
	ToolName   string `json:"tool_name,omitempty"`

	// Arguments is the opaque JSON argument string of a tool_request.
	Arguments string `json:"arguments,omitempty"`

	// Result is the stringified outcome of a tool_result.
	Result string `json:"result,omitempty"`
}

// Utterance is one pending outbound message with synthesis parameters.
type Utterance struct {
	Text     string `json:"text"`
	Language string `json:"language,omitempty"`
	Voice    string `json:"voice,omitempty"`
}

// LatencySample records one timed stage execution.
type LatencySample struct {
	Start    time.Time     `json:"start"`
	End      time.Time     `json:"end"`
	Duration time.Duration `json:"duration"`
}

// Session is the full per-call state.
type Session struct {
	// ID is the call connection id for telephony, or a random token for
	// browser sessions.
	ID string `json:"id"`

	// ActiveAgent names the agent whose history receives the next user turn.
	ActiveAgent string `json:"active_agent,omitempty"`

	// Histories maps agent name to that agent's ordered history.
	Histories map[string][]Turn `json:"histories"`

	// Context is the session's key-value context: identity fields, slots,
	// tool outputs and live flags.
	Context map[string]any `json:"context"`

	// MessageQueue holds pending outbound utterances, drained in order while
	// playback is not interrupted.
	MessageQueue []Utterance `json:"message_queue,omitempty"`

	// LatencySamples collects per-stage timings keyed by stage name
	// ("stt", "llm", "tts", "tool").
	LatencySamples map[string][]LatencySample `json:"latency_samples,omitempty"`
}

// New returns an empty session with invariants established.
func New(id string) *Session {
	return &Session{
		ID:        id,
		Histories: map[string][]Turn{},
		Context:   map[string]any{},
	}
}

// History returns the named agent's history (possibly nil).
func (s *Session) History(agent string) []Turn {
	return s.Histories[agent]
}

// EnsureSystem guarantees the agent history starts with the given system
// prompt. A missing system entry is inserted at index 0; a differing one is
// replaced in place. Returns true when the history changed.
func (s *Session) EnsureSystem(agent, prompt string) bool {
	h := s.Histories[agent]
	if len(h) > 0 && h[0].Kind == KindSystem {
		if h[0].Content == prompt {
			return false
		}
		h[0].Content = prompt
		return true
	}
	s.Histories[agent] = append([]Turn{{Kind: KindSystem, Content: prompt}}, h...)
	return true
}

// AppendUser appends a user turn to the agent history.
func (s *Session) AppendUser(agent, text string) {
	s.Histories[agent] = append(s.Histories[agent], Turn{Kind: KindUser, Content: text})
}

// AppendAssistant appends an assistant text turn to the agent history.
func (s *Session) AppendAssistant(agent, text string) {
	s.Histories[agent] = append(s.Histories[agent], Turn{Kind: KindAssistant, Content: text})
}

// AppendToolRequest records an assistant tool invocation request.
func (s *Session) AppendToolRequest(agent, callID, name, arguments string) {
	s.Histories[agent] = append(s.Histories[agent], Turn{
		Kind:       KindToolRequest,
		ToolCallID: callID,
		ToolName:   name,
		Arguments:  arguments,
	})
}

// AppendToolResult records a tool outcome. It returns an error when no prior
// tool_request with the same call id exists in the agent's history, keeping
// request/result pairing intact.
func (s *Session) AppendToolResult(agent, callID, name, result string) error {
	found := false
	for _, t := range s.Histories[agent] {
		if t.Kind == KindToolRequest && t.ToolCallID == callID {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("session: tool result %q has no matching request in agent %q history", callID, agent)
	}
	s.Histories[agent] = append(s.Histories[agent], Turn{
		Kind:       KindToolResult,
		ToolCallID: callID,
		ToolName:   name,
		Result:     result,
	})
	return nil
}

// Enqueue appends a pending outbound utterance.
func (s *Session) Enqueue(u Utterance) {
	s.MessageQueue = append(s.MessageQueue, u)
}

// Dequeue pops the oldest pending utterance. ok is false when empty.
func (s *Session) Dequeue() (u Utterance, ok bool) {
	if len(s.MessageQueue) == 0 {
		return Utterance{}, false
	}
	u = s.MessageQueue[0]
	s.MessageQueue = s.MessageQueue[1:]
	return u, true
}

// DrainQueue discards all pending utterances. Called on barge-in.
func (s *Session) DrainQueue() {
	s.MessageQueue = nil
}

// RecordLatency appends a timed sample for the given stage.
func (s *Session) RecordLatency(stage string, start, end time.Time) {
	if s.LatencySamples == nil {
		s.LatencySamples = map[string][]LatencySample{}
	}
	s.LatencySamples[stage] = append(s.LatencySamples[stage], LatencySample{
		Start:    start,
		End:      end,
		Duration: end.Sub(start),
	})
}

// ContextBool reads a boolean context value, tolerating JSON round-trips that
// leave it as bool or absent.
func (s *Session) ContextBool(key string) bool {
	v, ok := s.Context[key]
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

// ContextString reads a string context value.
func (s *Session) ContextString(key string) string {
	v, ok := s.Context[key]
	if !ok {
		return ""
	}
	str, _ := v.(string)
	return str
}

// ContextInt reads a numeric context value. JSON decoding yields float64 for
// numbers, so both int and float64 are accepted.
func (s *Session) ContextInt(key string) int {
	switch v := s.Context[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	default:
		return 0
	}
}

// Snapshot returns a deep copy of the session. Histories, context, queue and
// samples are copied; nested context values are shared (treat them as
// immutable).
func (s *Session) Snapshot() *Session {
	cp := &Session{
		ID:          s.ID,
		ActiveAgent: s.ActiveAgent,
		Histories:   make(map[string][]Turn, len(s.Histories)),
		Context:     make(map[string]any, len(s.Context)),
	}
	for agent, h := range s.Histories {
		turns := make([]Turn, len(h))
		copy(turns, h)
		cp.Histories[agent] = turns
	}
	for k, v := range s.Context {
		cp.Context[k] = v
	}
	if len(s.MessageQueue) > 0 {
		cp.MessageQueue = make([]Utterance, len(s.MessageQueue))
		copy(cp.MessageQueue, s.MessageQueue)
	}
	if len(s.LatencySamples) > 0 {
		cp.LatencySamples = make(map[string][]LatencySample, len(s.LatencySamples))
		for stage, samples := range s.LatencySamples {
			dup := make([]LatencySample, len(samples))
			copy(dup, samples)
			cp.LatencySamples[stage] = dup
		}
	}
	return cp
}

// Validate checks the structural invariants: at most one system entry per
// history and only at index 0, and every tool_result paired with an earlier
// tool_request.
func (s *Session) Validate() error {
	for agent, h := range s.Histories {
		requests := map[string]bool{}
		for i, t := range h {
			if t.Kind == KindSystem && i != 0 {
				return fmt.Errorf("session: agent %q has a system entry at index %d", agent, i)
			}
			switch t.Kind {
			case KindToolRequest:
				requests[t.ToolCallID] = true
			case KindToolResult:
				if !requests[t.ToolCallID] {
					return fmt.Errorf("session: agent %q tool result %q precedes its request", agent, t.ToolCallID)
				}
			}
		}
	}
	return nil
}
