// Package dialog consumes streaming LLM output for one turn: it aggregates
// token deltas into sentence-bounded utterances for TTS, assembles tool calls,
// dispatches them through the registry, and drains the follow-up stream.
package dialog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/xymz/voicegate/internal/session"
	"github.com/xymz/voicegate/internal/tools"
	"github.com/xymz/voicegate/pkg/provider/llm"
)

// DefaultBoundaryRunes are the sentence terminators that trigger a TTS flush.
const DefaultBoundaryRunes = ".!?;。！？；\n"

const (
	defaultStreamTimeout = 30 * time.Second
	defaultTemperature   = 0.5
	defaultTopP          = 1.0
	defaultMaxTokens     = 4096
)

// ToolStatus values reported on tool_end events.
const (
	ToolStatusOK    = "ok"
	ToolStatusError = "error"
)

// Events receives the consumer's outward-facing signals. Sentence is called
// once per committed sentence, in order; it is never called after the turn is
// cancelled. Tool events mirror the socket lifecycle frames.
type Events interface {
	Sentence(ctx context.Context, text string)
	ToolStart(ctx context.Context, callID, tool, args string)
	ToolEnd(ctx context.Context, callID, tool, status string, elapsed time.Duration, payload string)
}

// Option is a functional option for Consumer.
type Option func(*Consumer)

// WithBoundaryRunes overrides the sentence terminator set.
func WithBoundaryRunes(runes string) Option {
	return func(c *Consumer) {
		c.boundary = runes
	}
}

// WithSampling overrides temperature and top-p.
func WithSampling(temperature, topP float64) Option {
	return func(c *Consumer) {
		c.temperature = temperature
		c.topP = topP
	}
}

// WithMaxTokens caps completion length per stream.
func WithMaxTokens(n int) Option {
	return func(c *Consumer) {
		c.maxTokens = n
	}
}

// WithStreamTimeout bounds each streaming completion.
func WithStreamTimeout(d time.Duration) Option {
	return func(c *Consumer) {
		c.streamTimeout = d
	}
}

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(c *Consumer) {
		c.log = log
	}
}

// Consumer drives streaming completions for turns. Safe for concurrent use
// across sessions; each Run call owns its session exclusively.
type Consumer struct {
	provider llm.Provider
	registry *tools.Registry

	boundary      string
	temperature   float64
	topP          float64
	maxTokens     int
	streamTimeout time.Duration
	log           *slog.Logger
}

// NewConsumer creates a Consumer over the given provider and tool registry.
func NewConsumer(provider llm.Provider, registry *tools.Registry, opts ...Option) (*Consumer, error) {
	if provider == nil {
		return nil, errors.New("dialog: provider must not be nil")
	}
	if registry == nil {
		return nil, errors.New("dialog: registry must not be nil")
	}
	c := &Consumer{
		provider:      provider,
		registry:      registry,
		boundary:      DefaultBoundaryRunes,
		temperature:   defaultTemperature,
		topP:          defaultTopP,
		maxTokens:     defaultMaxTokens,
		streamTimeout: defaultStreamTimeout,
		log:           slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// Run streams one assistant turn for the agent's history, committing text and
// tool entries to sess. cancelled is polled before each outward emission:
// once it reports true no further sentences are emitted, but the stream is
// still drained so history stays coherent. Run returns after the follow-up
// stream (if a tool round happened) completes.
func (c *Consumer) Run(ctx context.Context, sess *session.Session, agent string, cancelled func() bool, ev Events) error {
	if cancelled == nil {
		cancelled = func() bool { return false }
	}

	toolCalls, err := c.streamOnce(ctx, sess, agent, c.registry.Definitions(), cancelled, ev)
	if err != nil {
		return err
	}
	if len(toolCalls) == 0 {
		return nil
	}

	for _, call := range toolCalls {
		c.dispatchTool(ctx, sess, agent, call, ev)
	}

	// Follow-up round over the updated history, without tools so the model
	// cannot recurse.
	if _, err := c.streamOnce(ctx, sess, agent, nil, cancelled, ev); err != nil {
		return err
	}
	return nil
}

// streamOnce opens a single streaming completion over the agent's current
// history and consumes it fully. Committed text is appended to history;
// assembled tool calls are recorded as tool_request entries and returned.
func (c *Consumer) streamOnce(ctx context.Context, sess *session.Session, agent string, defs []llm.ToolDefinition, cancelled func() bool, ev Events) ([]llm.ToolCall, error) {
	req := llm.CompletionRequest{
		Messages:    MessagesFromHistory(sess.History(agent)),
		Tools:       defs,
		Temperature: c.temperature,
		TopP:        c.topP,
		MaxTokens:   c.maxTokens,
	}

	streamCtx, cancel := context.WithTimeout(ctx, c.streamTimeout)
	defer cancel()

	start := time.Now()
	chunks, err := c.provider.StreamCompletion(streamCtx, req)
	if err != nil {
		return nil, fmt.Errorf("dialog: start stream: %w", err)
	}

	var (
		acc       strings.Builder
		committed []string
		toolCalls []llm.ToolCall
		streamErr error
	)

	for chunk := range chunks {
		if chunk.FinishReason == "error" {
			streamErr = fmt.Errorf("dialog: stream: %s", chunk.Text)
			continue
		}

		if chunk.Text != "" {
			acc.WriteString(chunk.Text)
			if endsAtBoundary(chunk.Text, c.boundary) {
				sentence := strings.TrimSpace(acc.String())
				acc.Reset()
				if sentence != "" {
					committed = append(committed, sentence)
					if !cancelled() {
						ev.Sentence(ctx, sentence)
					}
				}
			}
		}

		if len(chunk.ToolCalls) > 0 {
			toolCalls = append(toolCalls, chunk.ToolCalls...)
		}
	}
	sess.RecordLatency("llm", start, time.Now())

	// End-of-stream flush. A cancelled turn drops the partial sentence.
	if rest := strings.TrimSpace(acc.String()); rest != "" && !cancelled() {
		committed = append(committed, rest)
		ev.Sentence(ctx, rest)
	}

	if text := strings.Join(committed, " "); text != "" {
		sess.AppendAssistant(agent, text)
	}
	for _, call := range toolCalls {
		sess.AppendToolRequest(agent, call.ID, call.Name, call.Arguments)
	}

	if streamErr != nil {
		return toolCalls, streamErr
	}
	return toolCalls, nil
}

// dispatchTool validates, executes and records one tool call. Failures become
// an error tool-result so the follow-up stream can explain them; they never
// abort the turn.
func (c *Consumer) dispatchTool(ctx context.Context, sess *session.Session, agent string, call llm.ToolCall, ev Events) {
	ev.ToolStart(ctx, call.ID, call.Name, call.Arguments)
	start := time.Now()

	result, err := c.registry.Execute(ctx, call.Name, call.Arguments)
	elapsed := time.Since(start)
	sess.RecordLatency("tool", start, start.Add(elapsed))

	if err != nil {
		c.log.Warn("tool call failed", "session_id", sess.ID, "tool", call.Name, "err", err)
		errPayload, _ := json.Marshal(map[string]string{"error": err.Error()})
		ev.ToolEnd(ctx, call.ID, call.Name, ToolStatusError, elapsed, string(errPayload))
		if aerr := sess.AppendToolResult(agent, call.ID, call.Name, string(errPayload)); aerr != nil {
			c.log.Error("record tool error result", "session_id", sess.ID, "err", aerr)
		}
		c.recordToolOutput(sess, call.Name, string(errPayload))
		return
	}

	ev.ToolEnd(ctx, call.ID, call.Name, ToolStatusOK, elapsed, result)
	if aerr := sess.AppendToolResult(agent, call.ID, call.Name, result); aerr != nil {
		c.log.Error("record tool result", "session_id", sess.ID, "err", aerr)
	}
	c.recordToolOutput(sess, call.Name, result)
}

// recordToolOutput keeps the last result per tool under context.tool_outputs.
func (c *Consumer) recordToolOutput(sess *session.Session, tool, result string) {
	outputs, _ := sess.Context[session.KeyToolOutputs].(map[string]any)
	if outputs == nil {
		outputs = map[string]any{}
	}
	outputs[tool] = result
	sess.Context[session.KeyToolOutputs] = outputs
}

// endsAtBoundary reports whether the chunk's last non-space rune is a
// sentence terminator. Trailing newlines count as terminators themselves.
func endsAtBoundary(chunk, boundary string) bool {
	runes := []rune(chunk)
	for i := len(runes) - 1; i >= 0; i-- {
		r := runes[i]
		if r == ' ' || r == '\t' {
			continue
		}
		return strings.ContainsRune(boundary, r)
	}
	return false
}

// MessagesFromHistory converts session turns into provider messages.
func MessagesFromHistory(turns []session.Turn) []llm.Message {
	msgs := make([]llm.Message, 0, len(turns))
	for _, t := range turns {
		switch t.Kind {
		case session.KindSystem:
			msgs = append(msgs, llm.Message{Role: "system", Content: t.Content})
		case session.KindUser:
			msgs = append(msgs, llm.Message{Role: "user", Content: t.Content})
		case session.KindAssistant:
			msgs = append(msgs, llm.Message{Role: "assistant", Content: t.Content})
		case session.KindToolRequest:
			msgs = append(msgs, llm.Message{
				Role: "assistant",
				ToolCalls: []llm.ToolCall{{
					ID:        t.ToolCallID,
					Name:      t.ToolName,
					Arguments: t.Arguments,
				}},
			})
		case session.KindToolResult:
			msgs = append(msgs, llm.Message{
				Role:       "tool",
				Content:    t.Result,
				ToolCallID: t.ToolCallID,
			})
		}
	}
	return msgs
}

// SplitSentences applies the boundary policy to a complete text, yielding the
// same chunking the streaming path produces for equivalent input.
func SplitSentences(text, boundary string) []string {
	var out []string
	var acc strings.Builder
	for _, r := range text {
		acc.WriteRune(r)
		if strings.ContainsRune(boundary, r) {
			if s := strings.TrimSpace(acc.String()); s != "" {
				out = append(out, s)
			}
			acc.Reset()
		}
	}
	if s := strings.TrimSpace(acc.String()); s != "" {
		out = append(out, s)
	}
	return out
}
