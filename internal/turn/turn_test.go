package turn_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/xymz/voicegate/internal/dialog"
	"github.com/xymz/voicegate/internal/hub"
	"github.com/xymz/voicegate/internal/orchestrator"
	"github.com/xymz/voicegate/internal/session"
	"github.com/xymz/voicegate/internal/tools"
	"github.com/xymz/voicegate/internal/turn"
	"github.com/xymz/voicegate/pkg/provider/llm"
	llmmock "github.com/xymz/voicegate/pkg/provider/llm/mock"
	sttmock "github.com/xymz/voicegate/pkg/provider/stt/mock"
	ttsmock "github.com/xymz/voicegate/pkg/provider/tts/mock"
)

// mockSocket records everything the controller writes.
type mockSocket struct {
	mu          sync.Mutex
	audio       [][]byte
	frames      []turn.Frame
	closed      bool
	closeReason string
}

func (s *mockSocket) SendAudio(_ context.Context, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	buf := make([]byte, len(payload))
	copy(buf, payload)
	s.audio = append(s.audio, buf)
	return nil
}

func (s *mockSocket) SendFrame(_ context.Context, f turn.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, f)
	return nil
}

func (s *mockSocket) Close(reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.closeReason = reason
	return nil
}

func (s *mockSocket) audioCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.audio)
}

func (s *mockSocket) hasStopAudio() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.audio {
		if strings.Contains(string(p), "StopAudio") {
			return true
		}
	}
	return false
}

func (s *mockSocket) framesOf(typ string) []turn.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []turn.Frame
	for _, f := range s.frames {
		if f.Type == typ {
			out = append(out, f)
		}
	}
	return out
}

func (s *mockSocket) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *mockSocket) frameCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

// env holds one running controller and its collaborators.
type env struct {
	store    *session.MemoryStore
	provider *llmmock.Provider
	synth    *ttsmock.Synthesizer
	sttf     *sttmock.Factory
	sock     *mockSocket
	cancel   context.CancelFunc
	done     chan error
}

type envOption func(*turn.Config)

func withGreetWait(d time.Duration) envOption {
	return func(c *turn.Config) { c.GreetWait = d }
}

func withGreeting(text string) envOption {
	return func(c *turn.Config) { c.Greeting = text }
}

func newOrchestrator(t *testing.T, provider llm.Provider) *orchestrator.Orchestrator {
	t.Helper()
	reg := tools.NewRegistry()
	if err := tools.RegisterBuiltins(reg); err != nil {
		t.Fatalf("RegisterBuiltins: %v", err)
	}
	reg.Seal()
	consumer, err := dialog.NewConsumer(provider, reg)
	if err != nil {
		t.Fatalf("NewConsumer: %v", err)
	}
	orch, err := orchestrator.New(consumer)
	if err != nil {
		t.Fatalf("orchestrator.New: %v", err)
	}
	return orch
}

// startController spins up a controller on a fresh pipeline and returns once
// the recognizer is live.
func startController(t *testing.T, store *session.MemoryStore, id string, scripts [][]llm.Chunk, opts ...envOption) *env {
	t.Helper()

	e := &env{
		store:    store,
		provider: &llmmock.Provider{Scripts: scripts},
		synth:    &ttsmock.Synthesizer{},
		sttf:     &sttmock.Factory{},
		sock:     &mockSocket{},
		done:     make(chan error, 1),
	}

	cfg := turn.Config{
		SessionID:    id,
		Store:        store,
		Orchestrator: newOrchestrator(t, e.provider),
		Recognizers:  e.sttf,
		Synth:        e.synth,
		Hub:          hub.New(nil),
		StopWords:    []string{"goodbye"},
		GreetWait:    time.Hour, // tests opt in to greeting explicitly
	}
	for _, o := range opts {
		o(&cfg)
	}

	ctrl, err := turn.New(cfg)
	if err != nil {
		t.Fatalf("turn.New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	t.Cleanup(cancel)
	go func() { e.done <- ctrl.Run(ctx, e.sock) }()

	waitFor(t, time.Second, func() bool {
		r := e.sttf.Last()
		return r != nil && r.Started()
	}, "recognizer never started")
	return e
}

func waitFor(t *testing.T, limit time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(limit)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func (e *env) stop(t *testing.T) {
	t.Helper()
	e.cancel()
	select {
	case err := <-e.done:
		if err != nil {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestGreetingSpokenExactlyOnce(t *testing.T) {
	t.Parallel()

	store := session.NewMemoryStore()
	e := startController(t, store, "sess-greet", nil,
		withGreetWait(10*time.Millisecond), withGreeting("Welcome aboard."))

	waitFor(t, time.Second, func() bool {
		for _, text := range e.synth.Texts() {
			if text == "Welcome aboard." {
				return true
			}
		}
		return false
	}, "greeting never synthesized")
	e.stop(t)

	// Same session id reconnects: the persisted greeted flag suppresses a
	// second greeting.
	e2 := startController(t, store, "sess-greet", nil,
		withGreetWait(10*time.Millisecond), withGreeting("Welcome aboard."))
	time.Sleep(100 * time.Millisecond)
	if n := len(e2.synth.Texts()); n != 0 {
		t.Errorf("reconnect synthesized %d utterances, want 0 (texts=%v)", n, e2.synth.Texts())
	}
	e2.stop(t)
}

func TestFinalTranscriptCommitsTurn(t *testing.T) {
	t.Parallel()

	store := session.NewMemoryStore()
	scripts := [][]llm.Chunk{{
		{Text: "Happy to help. "},
		{FinishReason: "stop"},
	}}
	e := startController(t, store, "sess-commit", scripts)

	e.sttf.Last().EmitFinal("I need to refill a prescription", "en-US")

	waitFor(t, 2*time.Second, func() bool {
		return len(e.sock.framesOf(turn.FrameAssistant)) > 0 && e.sock.audioCount() > 0
	}, "assistant response never reached the socket")

	frames := e.sock.framesOf(turn.FrameAssistant)
	if frames[0].Message != "Happy to help." {
		t.Errorf("assistant frame = %q, want %q", frames[0].Message, "Happy to help.")
	}
	streamed := e.sock.framesOf(turn.FrameAssistantStreaming)
	if len(streamed) != 1 || streamed[0].Message != "Happy to help." {
		t.Errorf("streaming frames = %+v, want one with %q", streamed, "Happy to help.")
	}

	waitFor(t, 2*time.Second, func() bool {
		sess, err := store.Load(context.Background(), "sess-commit")
		if err != nil {
			return false
		}
		return len(sess.History(orchestrator.AgentAuth)) >= 3
	}, "turn never persisted")

	sess, err := store.Load(context.Background(), "sess-commit")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	history := sess.History(orchestrator.AgentAuth)
	var sawUser, sawAssistant bool
	for _, entry := range history {
		if entry.Kind == session.KindUser && entry.Content == "I need to refill a prescription" {
			sawUser = true
		}
		if entry.Kind == session.KindAssistant && entry.Content == "Happy to help." {
			sawAssistant = true
		}
	}
	if !sawUser || !sawAssistant {
		t.Errorf("history missing committed turns (user=%v assistant=%v)", sawUser, sawAssistant)
	}
	e.stop(t)
}

func TestMultiSentenceReplyStreamsThenCommits(t *testing.T) {
	t.Parallel()

	store := session.NewMemoryStore()
	scripts := [][]llm.Chunk{{
		{Text: "One moment please. "},
		{Text: "Let me check your file. "},
		{Text: "All set."},
		{FinishReason: "stop"},
	}}
	e := startController(t, store, "sess-stream", scripts)

	e.sttf.Last().EmitFinal("where is my claim", "en-US")

	waitFor(t, 2*time.Second, func() bool {
		return len(e.sock.framesOf(turn.FrameAssistant)) > 0
	}, "committed reply never reached the socket")

	streamed := e.sock.framesOf(turn.FrameAssistantStreaming)
	if len(streamed) != 3 {
		t.Fatalf("streaming frames = %d, want 3 (%+v)", len(streamed), streamed)
	}
	want := []string{"One moment please.", "Let me check your file.", "All set."}
	for i, frame := range streamed {
		if frame.Message != want[i] {
			t.Errorf("streaming frame %d = %q, want %q", i, frame.Message, want[i])
		}
	}

	committed := e.sock.framesOf(turn.FrameAssistant)
	if len(committed) != 1 {
		t.Fatalf("assistant frames = %d, want 1", len(committed))
	}
	if got, want := committed[0].Message, "One moment please. Let me check your file. All set."; got != want {
		t.Errorf("committed reply = %q, want %q", got, want)
	}
	e.stop(t)
}

func TestCommitWhileSpeakingKeepsSessionConsistent(t *testing.T) {
	t.Parallel()

	store := session.NewMemoryStore()
	// First reply spans many sentences so playback, latency bookkeeping and
	// the second commit's persist all overlap.
	first := make([]llm.Chunk, 0, 7)
	for i := 0; i < 6; i++ {
		first = append(first, llm.Chunk{Text: strings.Repeat("ab ", 60) + "done. "})
	}
	first = append(first, llm.Chunk{FinishReason: "stop"})
	scripts := [][]llm.Chunk{
		first,
		{{Text: "Second answer. "}, {FinishReason: "stop"}},
	}
	e := startController(t, store, "sess-overlap", scripts,
		withGreetWait(time.Millisecond), withGreeting("Hello there."))

	e.sttf.Last().EmitFinal("first question", "en-US")

	waitFor(t, 2*time.Second, func() bool { return e.sock.audioCount() > 0 },
		"playback never started")

	e.sttf.Last().EmitFinal("second question", "en-US")

	waitFor(t, 4*time.Second, func() bool {
		sess, err := store.Load(context.Background(), "sess-overlap")
		if err != nil {
			return false
		}
		var users int
		for _, entry := range sess.History(orchestrator.AgentAuth) {
			if entry.Kind == session.KindUser {
				users++
			}
		}
		return users >= 2
	}, "second turn never persisted")
	e.stop(t)

	sess, err := store.Load(context.Background(), "sess-overlap")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	var sawFirst, sawSecond bool
	for _, entry := range sess.History(orchestrator.AgentAuth) {
		if entry.Kind == session.KindUser && entry.Content == "first question" {
			sawFirst = true
		}
		if entry.Kind == session.KindUser && entry.Content == "second question" {
			sawSecond = true
		}
	}
	if !sawFirst || !sawSecond {
		t.Errorf("history missing user turns (first=%v second=%v)", sawFirst, sawSecond)
	}
}

func TestPipelineFailureClosesConnection(t *testing.T) {
	t.Parallel()

	store := session.NewMemoryStore()
	e := startController(t, store, "sess-fail", nil)
	e.provider.StreamErr = errors.New("backend unavailable")

	e.sttf.Last().EmitFinal("hello there", "en-US")

	select {
	case err := <-e.done:
		if err == nil {
			t.Error("Run returned nil, want pipeline error")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not end after pipeline failure")
	}

	if frames := e.sock.framesOf(turn.FrameError); len(frames) != 1 {
		t.Errorf("error frames = %d, want 1", len(frames))
	}
	if !e.sock.isClosed() {
		t.Error("socket was not closed after pipeline failure")
	}

	// The failed turn's user text was still persisted before hangup.
	sess, err := store.Load(context.Background(), "sess-fail")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	var sawUser bool
	for _, entry := range sess.History(orchestrator.AgentAuth) {
		if entry.Kind == session.KindUser && entry.Content == "hello there" {
			sawUser = true
		}
	}
	if !sawUser {
		t.Error("failed turn's user entry missing from persisted history")
	}
}

func TestBargeInStopsPlayback(t *testing.T) {
	t.Parallel()

	store := session.NewMemoryStore()
	// 400 runes * 32 B/rune = 12800 B = 40 frames at 16 kHz, so playback
	// spans several interrupt polls.
	long := strings.Repeat("a", 399) + "."
	scripts := [][]llm.Chunk{{
		{Text: long},
		{FinishReason: "stop"},
	}}
	e := startController(t, store, "sess-barge", scripts)

	e.sttf.Last().EmitFinal("tell me everything", "en-US")

	waitFor(t, 2*time.Second, func() bool { return e.sock.audioCount() > 0 },
		"playback never started")

	e.sttf.Last().EmitPartial("actually wait", "en-US")

	waitFor(t, 2*time.Second, e.sock.hasStopAudio,
		"StopAudio never emitted after barge-in")

	waitFor(t, time.Second, func() bool {
		v, ok, err := store.GetContextKey(context.Background(), "sess-barge", session.KeyTTSInterrupted)
		if err != nil || !ok {
			return false
		}
		b, _ := v.(bool)
		return b
	}, "tts_interrupted flag never persisted")

	v, ok, err := store.GetContextKey(context.Background(), "sess-barge", session.KeyInterruptCount)
	if err != nil || !ok {
		t.Fatalf("interrupt_count missing: %v", err)
	}
	if n, _ := v.(float64); int(n) != 1 {
		t.Errorf("interrupt_count = %v, want 1", v)
	}
	e.stop(t)
}

func TestStopWordEndsConversation(t *testing.T) {
	t.Parallel()

	store := session.NewMemoryStore()
	e := startController(t, store, "sess-stop", nil)

	e.sttf.Last().EmitFinal("okay GOODBYE then", "en-US")

	select {
	case err := <-e.done:
		if err != nil {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not end after stop word")
	}

	if exits := e.sock.framesOf(turn.FrameExit); len(exits) != 1 {
		t.Errorf("exit frames = %d, want 1", len(exits))
	}
	if !e.sock.isClosed() {
		t.Error("socket was not closed")
	}
	if e.sock.audioCount() == 0 {
		t.Error("farewell audio never sent")
	}
}

func TestSessionsAreIsolated(t *testing.T) {
	t.Parallel()

	store := session.NewMemoryStore()
	scriptsA := [][]llm.Chunk{{
		{Text: "Noted, session-b is not something I act on. "},
		{FinishReason: "stop"},
	}}
	a := startController(t, store, "session-a", scriptsA)
	b := startController(t, store, "session-b", nil)

	a.sttf.Last().EmitFinal("please write this into session-b", "en-US")

	waitFor(t, 2*time.Second, func() bool {
		return len(a.sock.framesOf(turn.FrameAssistant)) > 0
	}, "session A never answered")

	if n := b.sock.frameCount() - len(b.sock.framesOf(turn.FrameStatus)); n != 0 {
		t.Errorf("session B received %d non-status frames, want 0", n)
	}
	if b.sock.audioCount() != 0 {
		t.Errorf("session B received %d audio payloads, want 0", b.sock.audioCount())
	}

	sessB, err := store.Load(context.Background(), "session-b")
	if err != nil {
		t.Fatalf("Load session-b: %v", err)
	}
	for _, agent := range []string{orchestrator.AgentAuth, orchestrator.AgentIntake} {
		for _, entry := range sessB.History(agent) {
			if strings.Contains(entry.Content, "session-b") || strings.Contains(entry.Content, "please write") {
				t.Errorf("session B history contaminated: %q", entry.Content)
			}
		}
	}
	a.stop(t)
	b.stop(t)
}
