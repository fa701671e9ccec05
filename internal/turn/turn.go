// Package turn owns a session's main loop: it consumes transcripts from the
// recognizer, preempts in-flight speech on barge-in, commits finals through
// the orchestrator and paces synthesized audio back out over the socket.
package turn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/xymz/voicegate/internal/hub"
	"github.com/xymz/voicegate/internal/observe"
	"github.com/xymz/voicegate/internal/orchestrator"
	"github.com/xymz/voicegate/internal/session"
	"github.com/xymz/voicegate/pkg/audio"
	"github.com/xymz/voicegate/pkg/provider/stt"
	"github.com/xymz/voicegate/pkg/provider/tts"
)

// Controller states, exposed for observability.
const (
	StateIdle       = "idle"
	StateListening  = "listening"
	StateSpeaking   = "speaking"
	StateCommitting = "committing"
	StateCancelled  = "cancelled"
)

// Frame type values on the caller socket.
const (
	FrameStatus             = "status"
	FrameAssistant          = "assistant"
	FrameAssistantStreaming = "assistant_streaming"
	FrameToolStart          = "tool_start"
	FrameToolEnd            = "tool_end"
	FrameClaimSubmitted     = "claim_submitted"
	FrameExit               = "exit"
	FrameError              = "error"
)

const (
	defaultGreetWait    = 2 * time.Second
	defaultGreeting     = "Thank you for calling. To get started, may I have your full name?"
	defaultFarewell     = "Thank you for calling. Goodbye."
	utteranceQueueDepth = 64
	sttEventQueueDepth  = 32
	updateQueueDepth    = 256
)

// Frame is one JSON control message on the caller socket. Audio travels as
// separate AudioData payloads.
type Frame struct {
	Type    string `json:"type"`
	Message string `json:"message,omitempty"`
	Tool    string `json:"tool,omitempty"`
	CallID  string `json:"call_id,omitempty"`
	Status  string `json:"status,omitempty"`
	Payload string `json:"payload,omitempty"`
}

// Socket is the caller-facing connection surface the controller writes to.
type Socket interface {
	// SendAudio delivers one marshalled audio wire payload.
	SendAudio(ctx context.Context, payload []byte) error

	// SendFrame delivers one control frame.
	SendFrame(ctx context.Context, f Frame) error

	// Close tears the connection down. Safe to call more than once.
	Close(reason string) error
}

// Config wires a Controller's collaborators. Store, Orchestrator, Recognizers,
// Synth and Hub are required.
type Config struct {
	SessionID    string
	Store        session.Store
	Orchestrator *orchestrator.Orchestrator
	Recognizers  stt.Factory
	Synth        tts.Synthesizer
	Hub          *hub.Hub
	Metrics      *observe.Metrics
	Log          *slog.Logger

	STT   stt.Config
	Voice tts.Voice

	// StopWords end the conversation on a case-insensitive substring match
	// against final transcripts.
	StopWords []string

	// Greeting is spoken once per session, GreetWait after the loop starts.
	Greeting  string
	Farewell  string
	GreetWait time.Duration
}

type sttEventKind int

const (
	evPartial sttEventKind = iota
	evFinal
	evCancel
	evGreet
)

type sttEvent struct {
	kind     sttEventKind
	text     string
	language string
}

// Controller runs one session. Create one per socket with New and call Run
// exactly once.
type Controller struct {
	cfg Config
	log *slog.Logger

	events     chan sttEvent
	utterances chan session.Utterance

	// updates carries session bookkeeping closures from the speaker onto the
	// event loop. The session is mutated only on the event-loop goroutine;
	// every other goroutine posts a closure instead of touching it.
	updates chan func(*session.Session)

	// interrupted is the barge-in flag the pacer polls between frames.
	interrupted atomic.Bool

	// speaking mirrors the bot_speaking context flag for fast local reads.
	speaking atomic.Bool

	state atomic.Value // string

	recognizer stt.Recognizer
	sess       *session.Session
}

// New creates a Controller for one session.
func New(cfg Config) (*Controller, error) {
	if cfg.SessionID == "" {
		return nil, errors.New("turn: session id must not be empty")
	}
	if cfg.Store == nil || cfg.Orchestrator == nil || cfg.Recognizers == nil || cfg.Synth == nil || cfg.Hub == nil {
		return nil, errors.New("turn: store, orchestrator, recognizers, synth and hub are required")
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	if cfg.GreetWait <= 0 {
		cfg.GreetWait = defaultGreetWait
	}
	if cfg.Greeting == "" {
		cfg.Greeting = defaultGreeting
	}
	if cfg.Farewell == "" {
		cfg.Farewell = defaultFarewell
	}
	c := &Controller{
		cfg:        cfg,
		log:        cfg.Log.With("session_id", cfg.SessionID),
		events:     make(chan sttEvent, sttEventQueueDepth),
		utterances: make(chan session.Utterance, utteranceQueueDepth),
		updates:    make(chan func(*session.Session), updateQueueDepth),
	}
	c.state.Store(StateIdle)
	return c, nil
}

// State reports the controller's current lifecycle state.
func (c *Controller) State() string {
	return c.state.Load().(string)
}

// WriteAudio feeds inbound PCM into the session's recognizer. It satisfies
// the audio demux's writer contract.
func (c *Controller) WriteAudio(pcm []byte) error {
	if c.recognizer == nil {
		return errors.New("turn: recognizer not started")
	}
	return c.recognizer.WriteBytes(pcm)
}

// ─── stt.Sink ───

var _ stt.Sink = (*Controller)(nil)

// OnPartial posts a partial transcript into the loop. Never blocks: when the
// event queue is full the partial is dropped, which only delays barge-in to
// the next partial.
func (c *Controller) OnPartial(text, language string) {
	select {
	case c.events <- sttEvent{kind: evPartial, text: text, language: language}:
	default:
	}
}

// OnFinal posts a final transcript into the loop.
func (c *Controller) OnFinal(text, language string) {
	c.events <- sttEvent{kind: evFinal, text: text, language: language}
}

// OnCancel posts a recognizer cancellation into the loop.
func (c *Controller) OnCancel(reason string) {
	select {
	case c.events <- sttEvent{kind: evCancel, text: reason}:
	default:
	}
}

// ─── main loop ───

// Run executes the session until the socket closes, the context ends, or a
// stop word terminates the conversation. It owns the session exclusively for
// its lifetime.
func (c *Controller) Run(ctx context.Context, sock Socket) error {
	sess, err := c.cfg.Store.Load(ctx, c.cfg.SessionID)
	if err != nil {
		return fmt.Errorf("turn: load session: %w", err)
	}
	c.sess = sess

	pacer, err := audio.NewPacer(c.cfg.Synth.SampleRate(), sock.SendAudio, c.interrupted.Load)
	if err != nil {
		return fmt.Errorf("turn: %w", err)
	}

	rec, err := c.cfg.Recognizers.NewRecognizer(c.cfg.STT, c)
	if err != nil {
		return fmt.Errorf("turn: new recognizer: %w", err)
	}
	c.recognizer = rec
	if err := rec.Start(ctx); err != nil {
		return fmt.Errorf("turn: start recognizer: %w", err)
	}
	defer func() {
		if err := rec.Stop(); err != nil {
			c.log.Warn("recognizer stop failed", "err", err)
		}
	}()

	if c.cfg.Metrics != nil {
		c.cfg.Metrics.ActiveSessions.Add(ctx, 1)
		defer c.cfg.Metrics.ActiveSessions.Add(context.WithoutCancel(ctx), -1)
	}

	c.state.Store(StateListening)
	_ = sock.SendFrame(ctx, Frame{Type: FrameStatus, Message: "listening"})

	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(loopCtx)
	g.Go(func() error { return c.speakLoop(gctx, sock, pacer) })
	g.Go(func() error { return c.eventLoop(gctx, sock, cancel) })
	g.Go(func() error {
		c.greet(gctx)
		return nil
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}

	// All loop goroutines have exited; fold in whatever bookkeeping the
	// speaker posted after the last commit before the final snapshot.
	c.applyUpdates()
	if perr := c.cfg.Store.Persist(context.WithoutCancel(ctx), c.sess); perr != nil {
		c.log.Error("persist session on exit", "err", perr)
	}
	return err
}

// greet enqueues the greeting once per session after the configured wait.
// The greeted flag lives in the store so reconnects never repeat it.
func (c *Controller) greet(ctx context.Context) {
	v, ok, err := c.cfg.Store.GetContextKey(ctx, c.cfg.SessionID, session.KeyGreeted)
	if err != nil {
		c.log.Warn("read greeted flag", "err", err)
	}
	if ok {
		if b, _ := v.(bool); b {
			return
		}
	}

	select {
	case <-ctx.Done():
		return
	case <-time.After(c.cfg.GreetWait):
	}

	if err := c.cfg.Store.SetContextKey(ctx, c.cfg.SessionID, session.KeyGreeted, true); err != nil {
		c.log.Warn("set greeted flag", "err", err)
	}

	// The session itself belongs to the event loop; hand the greeting over
	// as an event instead of writing to it from here.
	select {
	case c.events <- sttEvent{kind: evGreet}:
	case <-ctx.Done():
	}
}

// eventLoop consumes recognizer events until the context ends or a stop word
// terminates the session. It is the only goroutine that touches c.sess; the
// speaker and greeter reach the session through c.events and c.updates.
func (c *Controller) eventLoop(ctx context.Context, sock Socket, cancel context.CancelFunc) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case fn := <-c.updates:
			fn(c.sess)
		case ev := <-c.events:
			switch ev.kind {
			case evPartial:
				c.handlePartial(ctx, ev)
			case evFinal:
				if done, err := c.handleFinal(ctx, sock, ev); done {
					cancel()
					return err
				}
			case evCancel:
				c.log.Warn("recognizer cancelled", "reason", ev.text)
			case evGreet:
				c.sess.Context[session.KeyGreeted] = true
				c.enqueueUtterance(session.Utterance{Text: c.cfg.Greeting, Voice: c.cfg.Voice.Name})
			}
		}
	}
}

// postUpdate hands a session mutation to the event loop. Never blocks: when
// the queue is full the update is dropped, trading a stale latency sample or
// queue mirror entry for a speaker that cannot stall.
func (c *Controller) postUpdate(fn func(*session.Session)) {
	select {
	case c.updates <- fn:
	default:
		c.log.Warn("session update dropped, queue full")
	}
}

// applyUpdates folds all pending speaker updates into the session. Must run
// on the event-loop goroutine, or after every loop goroutine has exited.
func (c *Controller) applyUpdates() {
	for {
		select {
		case fn := <-c.updates:
			fn(c.sess)
		default:
			return
		}
	}
}

// handlePartial performs barge-in when speech is in flight: flag the pacer,
// drain the pending queue, persist the interruption flags.
func (c *Controller) handlePartial(ctx context.Context, ev sttEvent) {
	if !c.speaking.Load() || c.interrupted.Load() {
		return
	}
	c.state.Store(StateCancelled)
	c.interrupted.Store(true)
	c.drainUtterances()
	c.sess.DrainQueue()

	c.sess.Context[session.KeyTTSInterrupted] = true
	count := c.sess.ContextInt(session.KeyInterruptCount) + 1
	c.sess.Context[session.KeyInterruptCount] = count
	if err := c.cfg.Store.SetContextKey(ctx, c.cfg.SessionID, session.KeyTTSInterrupted, true); err != nil {
		c.log.Warn("persist tts_interrupted", "err", err)
	}
	if err := c.cfg.Store.SetContextKey(ctx, c.cfg.SessionID, session.KeyInterruptCount, count); err != nil {
		c.log.Warn("persist interrupt_count", "err", err)
	}

	if c.cfg.Metrics != nil {
		c.cfg.Metrics.Interrupts.Add(ctx, 1)
	}
	c.log.Info("barge-in", "partial", ev.text, "interrupt_count", count)
	c.state.Store(StateListening)
}

// handleFinal commits one user turn. Returns done=true when the conversation
// should end.
func (c *Controller) handleFinal(ctx context.Context, sock Socket, ev sttEvent) (bool, error) {
	text := strings.TrimSpace(ev.text)
	if text == "" {
		return false, nil
	}

	c.cfg.Hub.Broadcast(ctx, text, hub.SenderUser)

	if c.matchesStopWord(text) {
		c.log.Info("stop word detected", "final", text)
		c.farewell(ctx, sock)
		return true, nil
	}

	// A new turn supersedes any pending interruption.
	c.interrupted.Store(false)
	c.sess.Context[session.KeyTTSInterrupted] = false
	if err := c.cfg.Store.SetContextKey(ctx, c.cfg.SessionID, session.KeyTTSInterrupted, false); err != nil {
		c.log.Warn("clear tts_interrupted", "err", err)
	}

	c.state.Store(StateCommitting)
	start := time.Now()

	emit := &turnEvents{c: c, sock: sock}
	result, err := c.cfg.Orchestrator.HandleTurn(ctx, c.sess, text, c.interrupted.Load, emit)
	c.sess.RecordLatency("turn", start, time.Now())
	if err != nil {
		// A cancelled context means the session is already unwinding; let
		// the loop observe it. Anything else is a dead pipeline: snapshot
		// what we have, tell the caller, and hang up.
		if ctx.Err() != nil {
			return false, nil
		}
		c.log.Error("turn failed", "err", err)
		c.applyUpdates()
		if perr := c.cfg.Store.Persist(ctx, c.sess); perr != nil {
			c.log.Error("persist session after failed turn", "err", perr)
		}
		_ = sock.SendFrame(ctx, Frame{Type: FrameError, Message: "processing failed, please try again"})
		_ = sock.Close("pipeline failure")
		return true, fmt.Errorf("turn: commit final: %w", err)
	}

	if reply := emit.reply(); reply != "" {
		_ = sock.SendFrame(ctx, Frame{Type: FrameAssistant, Message: reply})
	}

	if c.cfg.Metrics != nil {
		c.cfg.Metrics.RecordTurn(ctx, result.Agent)
		c.cfg.Metrics.TurnDuration.Record(ctx, time.Since(start).Seconds())
	}
	if result.Promoted {
		c.cfg.Hub.Broadcast(ctx, "Caller verified", hub.SenderSystem)
	}
	if result.IntakeCompleted {
		_ = sock.SendFrame(ctx, Frame{Type: FrameClaimSubmitted, Message: "claim submitted"})
		c.cfg.Hub.Broadcast(ctx, "Claim submitted", hub.SenderSystem)
	}

	c.applyUpdates()
	if err := c.cfg.Store.Persist(ctx, c.sess); err != nil {
		c.log.Error("persist session after turn", "err", err)
	}
	c.state.Store(StateListening)
	return false, nil
}

// farewell speaks the goodbye synchronously, then closes the socket.
func (c *Controller) farewell(ctx context.Context, sock Socket) {
	pcm, err := c.cfg.Synth.SynthesizeToPCM(ctx, c.cfg.Farewell, c.cfg.Voice)
	if err == nil {
		pacer, perr := audio.NewPacer(c.cfg.Synth.SampleRate(), sock.SendAudio, nil)
		if perr == nil {
			_ = pacer.Send(ctx, pcm)
		}
	} else {
		c.log.Warn("farewell synthesis failed", "err", err)
	}
	_ = sock.SendFrame(ctx, Frame{Type: FrameExit, Message: c.cfg.Farewell})
	c.cfg.Hub.Broadcast(ctx, "Session ended", hub.SenderSystem)
	_ = sock.Close("conversation ended")
}

func (c *Controller) matchesStopWord(text string) bool {
	lower := strings.ToLower(text)
	for _, w := range c.cfg.StopWords {
		if w == "" {
			continue
		}
		if strings.Contains(lower, strings.ToLower(w)) {
			return true
		}
	}
	return false
}

// ─── speaking ───

// enqueueUtterance mirrors the utterance into the session queue and hands it
// to the speaker. Event-loop goroutine only.
func (c *Controller) enqueueUtterance(u session.Utterance) {
	c.sess.Enqueue(u)
	select {
	case c.utterances <- u:
	default:
		// Queue full; the utterance stays in the session queue and is lost
		// from live playback. Barge-in drains both anyway.
	}
}

func (c *Controller) drainUtterances() {
	for {
		select {
		case <-c.utterances:
		default:
			return
		}
	}
}

// speakLoop synthesizes and paces queued utterances one at a time. Playback
// preemption happens inside the pacer via the interrupt flag.
func (c *Controller) speakLoop(ctx context.Context, sock Socket, pacer *audio.Pacer) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case u := <-c.utterances:
			if c.interrupted.Load() {
				c.postUpdate(func(s *session.Session) { s.Dequeue() })
				continue
			}
			c.speak(ctx, sock, pacer, u)
			c.postUpdate(func(s *session.Session) { s.Dequeue() })
		}
	}
}

func (c *Controller) speak(ctx context.Context, sock Socket, pacer *audio.Pacer, u session.Utterance) {
	voice := c.cfg.Voice
	if u.Voice != "" {
		voice.Name = u.Voice
	}
	if u.Language != "" {
		voice.Language = u.Language
	}

	start := time.Now()
	pcm, err := c.cfg.Synth.SynthesizeToPCM(ctx, u.Text, voice)
	end := time.Now()
	c.postUpdate(func(s *session.Session) { s.RecordLatency("tts", start, end) })
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.TTSDuration.Record(ctx, time.Since(start).Seconds())
	}
	if err != nil {
		c.log.Error("synthesis failed", "err", err)
		if c.cfg.Metrics != nil {
			c.cfg.Metrics.RecordProviderError(ctx, "speech", "tts")
		}
		return
	}

	c.setSpeaking(ctx, true)
	defer c.setSpeaking(ctx, false)
	c.state.Store(StateSpeaking)
	defer c.state.Store(StateListening)

	if err := pacer.Send(ctx, pcm); err != nil {
		if errors.Is(err, audio.ErrInterrupted) {
			c.log.Info("playback interrupted", "text", u.Text)
			return
		}
		c.log.Error("playback failed", "err", err)
	}
}

func (c *Controller) setSpeaking(ctx context.Context, v bool) {
	c.speaking.Store(v)
	c.postUpdate(func(s *session.Session) { s.Context[session.KeyBotSpeaking] = v })
	if err := c.cfg.Store.SetContextKey(ctx, c.cfg.SessionID, session.KeyBotSpeaking, v); err != nil {
		c.log.Warn("persist bot_speaking", "err", err)
	}
}

// ─── dialog events ───

// turnEvents adapts the consumer's signals onto the socket, the hub and the
// speak queue for one committed turn. Sentences stream out as
// assistant_streaming frames; the full reply goes out as a single assistant
// frame once the turn commits. Called only from the event-loop goroutine.
type turnEvents struct {
	c         *Controller
	sock      Socket
	sentences []string
}

// reply joins the streamed sentences into the committed reply text.
func (e *turnEvents) reply() string {
	return strings.TrimSpace(strings.Join(e.sentences, " "))
}

func (e *turnEvents) Sentence(ctx context.Context, text string) {
	e.sentences = append(e.sentences, text)
	_ = e.sock.SendFrame(ctx, Frame{Type: FrameAssistantStreaming, Message: text})
	e.c.cfg.Hub.Broadcast(ctx, text, hub.SenderAssistant)
	e.c.enqueueUtterance(session.Utterance{Text: text})
}

func (e *turnEvents) ToolStart(ctx context.Context, callID, tool, args string) {
	_ = e.sock.SendFrame(ctx, Frame{Type: FrameToolStart, Tool: tool, CallID: callID})
	e.c.cfg.Hub.Broadcast(ctx, "Running "+tool, hub.SenderSystem)
}

func (e *turnEvents) ToolEnd(ctx context.Context, callID, tool, status string, elapsed time.Duration, payload string) {
	_ = e.sock.SendFrame(ctx, Frame{
		Type:    FrameToolEnd,
		Tool:    tool,
		CallID:  callID,
		Status:  status,
		Payload: payload,
	})
	if e.c.cfg.Metrics != nil {
		e.c.cfg.Metrics.RecordToolCall(ctx, tool, status)
		e.c.cfg.Metrics.ToolExecutionDuration.Record(ctx, elapsed.Seconds())
	}
}
