package dialog

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/xymz/voicegate/internal/session"
	"github.com/xymz/voicegate/internal/tools"
	"github.com/xymz/voicegate/pkg/provider/llm"
	llmmock "github.com/xymz/voicegate/pkg/provider/llm/mock"
)

type eventRecorder struct {
	mu        sync.Mutex
	sentences []string
	starts    []string
	ends      []struct {
		tool, status, payload string
	}
}

func (e *eventRecorder) Sentence(_ context.Context, text string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sentences = append(e.sentences, text)
}

func (e *eventRecorder) ToolStart(_ context.Context, _, tool, _ string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.starts = append(e.starts, tool)
}

func (e *eventRecorder) ToolEnd(_ context.Context, _, tool, status string, _ time.Duration, payload string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ends = append(e.ends, struct{ tool, status, payload string }{tool, status, payload})
}

func newConsumer(t *testing.T, p llm.Provider) *Consumer {
	t.Helper()
	reg := tools.NewRegistry()
	if err := tools.RegisterBuiltins(reg); err != nil {
		t.Fatalf("RegisterBuiltins: %v", err)
	}
	reg.Seal()
	c, err := NewConsumer(p, reg)
	if err != nil {
		t.Fatalf("NewConsumer: %v", err)
	}
	return c
}

func never() bool { return false }

func TestRunEmitsSentencesAtBoundaries(t *testing.T) {
	t.Parallel()

	p := &llmmock.Provider{StreamChunks: []llm.Chunk{
		{Text: "Hello "},
		{Text: "there."},
		{Text: " How"},
		{Text: " are you?"},
		{Text: " One more thing"},
		{FinishReason: "stop"},
	}}
	c := newConsumer(t, p)
	sess := session.New("s1")
	sess.AppendUser("intake", "hi")
	ev := &eventRecorder{}

	if err := c.Run(context.Background(), sess, "intake", never, ev); err != nil {
		t.Fatalf("Run: %v", err)
	}

	want := []string{"Hello there.", "How are you?", "One more thing"}
	if len(ev.sentences) != len(want) {
		t.Fatalf("sentences = %q, want %q", ev.sentences, want)
	}
	for i := range want {
		if ev.sentences[i] != want[i] {
			t.Errorf("sentence[%d] = %q, want %q", i, ev.sentences[i], want[i])
		}
	}

	h := sess.History("intake")
	last := h[len(h)-1]
	if last.Kind != session.KindAssistant {
		t.Fatalf("last turn kind = %q", last.Kind)
	}
	if last.Content != strings.Join(want, " ") {
		t.Errorf("assistant text = %q", last.Content)
	}
}

func TestRunToolRoundAndFollowUp(t *testing.T) {
	t.Parallel()

	p := &llmmock.Provider{Scripts: [][]llm.Chunk{
		{
			{FinishReason: "tool_calls", ToolCalls: []llm.ToolCall{{
				ID:        "tc-1",
				Name:      "authenticate_user",
				Arguments: `{"first_name":"Alice","last_name":"Brown","ssn_last_four":"1234"}`,
			}}},
		},
		{
			{Text: "Thanks Alice, you're verified."},
			{FinishReason: "stop"},
		},
	}}
	c := newConsumer(t, p)
	sess := session.New("s1")
	sess.AppendUser("auth", "My name is Alice Brown, SSN last four 1234")
	ev := &eventRecorder{}

	if err := c.Run(context.Background(), sess, "auth", never, ev); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(ev.starts) != 1 || ev.starts[0] != "authenticate_user" {
		t.Fatalf("tool starts = %v", ev.starts)
	}
	if len(ev.ends) != 1 || ev.ends[0].status != ToolStatusOK {
		t.Fatalf("tool ends = %+v", ev.ends)
	}
	if !strings.Contains(ev.ends[0].payload, `"authenticated":true`) {
		t.Errorf("tool end payload = %s", ev.ends[0].payload)
	}

	// History: user, tool_request, tool_result, assistant.
	h := sess.History("auth")
	kinds := make([]string, len(h))
	for i, turn := range h {
		kinds[i] = turn.Kind
	}
	want := []string{session.KindUser, session.KindToolRequest, session.KindToolResult, session.KindAssistant}
	if len(kinds) != len(want) {
		t.Fatalf("history kinds = %v, want %v", kinds, want)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Errorf("history[%d] = %q, want %q", i, kinds[i], want[i])
		}
	}
	if err := sess.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}

	// Follow-up request must not offer tools again.
	if len(p.StreamCalls) != 2 {
		t.Fatalf("stream calls = %d, want 2", len(p.StreamCalls))
	}
	if len(p.StreamCalls[1].Req.Tools) != 0 {
		t.Error("follow-up stream carried tools")
	}
}

func TestRunMalformedToolArguments(t *testing.T) {
	t.Parallel()

	p := &llmmock.Provider{Scripts: [][]llm.Chunk{
		{
			{FinishReason: "tool_calls", ToolCalls: []llm.ToolCall{{
				ID:        "tc-bad",
				Name:      "authenticate_user",
				Arguments: `{"first_name":`,
			}}},
		},
		{
			{Text: "Sorry, I could not verify you just now."},
			{FinishReason: "stop"},
		},
	}}
	c := newConsumer(t, p)
	sess := session.New("s1")
	sess.AppendUser("auth", "hi")
	ev := &eventRecorder{}

	if err := c.Run(context.Background(), sess, "auth", never, ev); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(ev.ends) != 1 || ev.ends[0].status != ToolStatusError {
		t.Fatalf("tool ends = %+v, want one error", ev.ends)
	}

	// The error is recorded as a tool result so the model can apologise.
	var sawErrResult bool
	for _, turn := range sess.History("auth") {
		if turn.Kind == session.KindToolResult && strings.Contains(turn.Result, "error") {
			sawErrResult = true
		}
	}
	if !sawErrResult {
		t.Error("no error tool-result in history")
	}
	if len(ev.sentences) == 0 {
		t.Error("follow-up apology not emitted")
	}
	if err := sess.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

// After cancellation no further sentences are emitted, but committed text is
// still appended to history and the stream is drained.
func TestRunCancellationDropsPartial(t *testing.T) {
	t.Parallel()

	p := &llmmock.Provider{StreamChunks: []llm.Chunk{
		{Text: "First sentence."},
		{Text: " Second sentence."},
		{Text: " Trailing partial"},
		{FinishReason: "stop"},
	}}
	c := newConsumer(t, p)
	sess := session.New("s1")
	sess.AppendUser("intake", "hi")

	var mu sync.Mutex
	cancelledNow := false
	ev := &cancellingEvents{rec: &eventRecorder{}, after: 1, flip: func() {
		mu.Lock()
		cancelledNow = true
		mu.Unlock()
	}}
	cancelled := func() bool {
		mu.Lock()
		defer mu.Unlock()
		return cancelledNow
	}

	if err := c.Run(context.Background(), sess, "intake", cancelled, ev); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(ev.rec.sentences) != 1 {
		t.Fatalf("sentences after cancel = %q, want just the first", ev.rec.sentences)
	}

	// Committed sentences (including the second, which was never emitted)
	// land in history; the trailing partial does not.
	h := sess.History("intake")
	last := h[len(h)-1]
	if !strings.Contains(last.Content, "Second sentence.") {
		t.Errorf("committed text missing: %q", last.Content)
	}
	if strings.Contains(last.Content, "Trailing partial") {
		t.Errorf("partial sentence leaked into history: %q", last.Content)
	}
}

// cancellingEvents flips the cancel flag after n sentences.
type cancellingEvents struct {
	rec   *eventRecorder
	after int
	flip  func()
}

func (c *cancellingEvents) Sentence(ctx context.Context, text string) {
	c.rec.Sentence(ctx, text)
	if len(c.rec.sentences) >= c.after {
		c.flip()
	}
}

func (c *cancellingEvents) ToolStart(ctx context.Context, id, tool, args string) {
	c.rec.ToolStart(ctx, id, tool, args)
}

func (c *cancellingEvents) ToolEnd(ctx context.Context, id, tool, status string, d time.Duration, p string) {
	c.rec.ToolEnd(ctx, id, tool, status, d, p)
}

// Re-chunking the concatenation of produced sentences yields the same result.
func TestSplitSentencesIdempotent(t *testing.T) {
	t.Parallel()

	input := "Hello there. How are you? I'm fine; thanks! 你好。再见！"
	first := SplitSentences(input, DefaultBoundaryRunes)
	second := SplitSentences(strings.Join(first, " "), DefaultBoundaryRunes)

	if len(first) != len(second) {
		t.Fatalf("chunk counts differ: %d vs %d\n%q\n%q", len(first), len(second), first, second)
	}
	for i := range first {
		if first[i] != second[i] {
			t.Errorf("chunk %d: %q vs %q", i, first[i], second[i])
		}
	}
}

func TestEndsAtBoundary(t *testing.T) {
	t.Parallel()

	tests := []struct {
		chunk string
		want  bool
	}{
		{"Hello.", true},
		{"Hello. ", true},
		{"Hello", false},
		{"", false},
		{"line\n", true},
		{"好。", true},
		{"wait;", true},
		{"  ", false},
	}
	for _, tt := range tests {
		if got := endsAtBoundary(tt.chunk, DefaultBoundaryRunes); got != tt.want {
			t.Errorf("endsAtBoundary(%q) = %v, want %v", tt.chunk, got, tt.want)
		}
	}
}
