// Package app wires all voicegate subsystems into a running server.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves until the context is cancelled, and Shutdown tears
// everything down in reverse-init order.
//
// For testing, inject doubles via functional options (WithStore, WithLLM,
// WithRecognizers, WithSynth, WithCallClient). When an option is not
// provided, New creates real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/xymz/voicegate/internal/callcontrol"
	"github.com/xymz/voicegate/internal/config"
	"github.com/xymz/voicegate/internal/dialog"
	"github.com/xymz/voicegate/internal/gateway"
	"github.com/xymz/voicegate/internal/health"
	"github.com/xymz/voicegate/internal/hub"
	"github.com/xymz/voicegate/internal/observe"
	"github.com/xymz/voicegate/internal/orchestrator"
	"github.com/xymz/voicegate/internal/resilience"
	"github.com/xymz/voicegate/internal/session"
	"github.com/xymz/voicegate/internal/tools"
	"github.com/xymz/voicegate/pkg/provider/llm"
	"github.com/xymz/voicegate/pkg/provider/llm/anyllm"
	llmopenai "github.com/xymz/voicegate/pkg/provider/llm/openai"
	"github.com/xymz/voicegate/pkg/provider/stt"
	sttcloud "github.com/xymz/voicegate/pkg/provider/stt/cloud"
	"github.com/xymz/voicegate/pkg/provider/tts"
	ttscloud "github.com/xymz/voicegate/pkg/provider/tts/cloud"
)

const shutdownGrace = 10 * time.Second

// App owns all subsystem lifetimes.
type App struct {
	cfg *config.Config
	log *slog.Logger

	// Subsystems — initialised in New, torn down in Shutdown.
	store       session.Store
	provider    llm.Provider
	recognizers stt.Factory
	synth       tts.Synthesizer
	registry    *tools.Registry
	orch        *orchestrator.Orchestrator
	hub         *hub.Hub
	processor   *callcontrol.Processor
	calls       callcontrol.Client
	metrics     *observe.Metrics
	server      *http.Server

	// closers are called in reverse order during Shutdown.
	closers []func(context.Context) error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithStore injects a session store instead of creating one from config.
func WithStore(s session.Store) Option {
	return func(a *App) { a.store = s }
}

// WithLLM injects an LLM provider instead of creating one from config.
func WithLLM(p llm.Provider) Option {
	return func(a *App) { a.provider = p }
}

// WithRecognizers injects a recognizer factory instead of the cloud one.
func WithRecognizers(f stt.Factory) Option {
	return func(a *App) { a.recognizers = f }
}

// WithSynth injects a synthesizer instead of the cloud one.
func WithSynth(s tts.Synthesizer) Option {
	return func(a *App) { a.synth = s }
}

// WithCallClient injects a call-control client instead of the HTTP one.
func WithCallClient(c callcontrol.Client) Option {
	return func(a *App) { a.calls = c }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together from cfg. Use Option
// functions to inject test doubles for any subsystem.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger, opts ...Option) (*App, error) {
	if log == nil {
		log = slog.Default()
	}
	a := &App{cfg: cfg, log: log}
	for _, o := range opts {
		o(a)
	}

	// ── 1. Observability ─────────────────────────────────────────────────
	if err := a.initObservability(ctx); err != nil {
		return nil, fmt.Errorf("app: init observability: %w", err)
	}

	// ── 2. Session store ─────────────────────────────────────────────────
	if err := a.initStore(ctx); err != nil {
		return nil, fmt.Errorf("app: init store: %w", err)
	}

	// ── 3. Providers (LLM, STT, TTS) ─────────────────────────────────────
	if err := a.initProviders(); err != nil {
		return nil, fmt.Errorf("app: init providers: %w", err)
	}

	// ── 4. Tools + dialog + orchestrator ─────────────────────────────────
	if err := a.initDialog(); err != nil {
		return nil, fmt.Errorf("app: init dialog: %w", err)
	}

	// ── 5. Hub + telephony ───────────────────────────────────────────────
	a.hub = hub.New(log)
	if err := a.initTelephony(); err != nil {
		return nil, fmt.Errorf("app: init telephony: %w", err)
	}

	// ── 6. Gateway + HTTP server ─────────────────────────────────────────
	if err := a.initServer(); err != nil {
		return nil, fmt.Errorf("app: init server: %w", err)
	}

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

func (a *App) initObservability(ctx context.Context) error {
	shutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{})
	if err != nil {
		return err
	}
	a.closers = append(a.closers, shutdown)

	m, err := observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		return err
	}
	a.metrics = m
	return nil
}

// initStore connects Redis when configured; otherwise sessions live in memory
// and are lost on restart.
func (a *App) initStore(ctx context.Context) error {
	if a.store != nil {
		return nil
	}
	if a.cfg.Redis.Addr == "" {
		a.log.Warn("redis.addr is empty, using in-memory session store")
		a.store = session.NewMemoryStore()
		return nil
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     a.cfg.Redis.Addr,
		Password: a.cfg.Redis.Password,
		DB:       a.cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping redis %q: %w", a.cfg.Redis.Addr, err)
	}
	a.closers = append(a.closers, func(context.Context) error { return rdb.Close() })

	a.store = session.NewRedisStore(rdb,
		session.WithTTL(a.cfg.Redis.SessionTTL()),
		session.WithLogger(a.log),
	)
	a.log.Info("session store connected", "addr", a.cfg.Redis.Addr, "ttl", a.cfg.Redis.SessionTTL())
	return nil
}

func (a *App) initProviders() error {
	if a.provider == nil {
		p, err := a.buildLLM()
		if err != nil {
			return fmt.Errorf("build llm %q: %w", a.cfg.LLM.Backend, err)
		}
		a.provider = p
		a.log.Info("llm provider created", "backend", a.cfg.LLM.Backend, "model", a.cfg.LLM.Model)
	}

	speech := a.cfg.Speech
	if a.recognizers == nil {
		f, err := sttcloud.New(speech.STTEndpoint, a.speechSTTOptions()...)
		if err != nil {
			return fmt.Errorf("build stt factory: %w", err)
		}
		a.recognizers = f
	}
	if a.synth == nil {
		s, err := ttscloud.New(speech.TTSEndpoint, a.speechTTSOptions()...)
		if err != nil {
			return fmt.Errorf("build tts synthesizer: %w", err)
		}
		a.synth = s
	}
	return nil
}

func (a *App) buildLLM() (llm.Provider, error) {
	c := a.cfg.LLM
	if c.Backend == config.BackendOpenAI {
		var opts []llmopenai.Option
		if c.BaseURL != "" {
			opts = append(opts, llmopenai.WithBaseURL(c.BaseURL))
		}
		return llmopenai.New(c.APIKey, c.Model, opts...)
	}

	var opts []anyllmlib.Option
	if c.APIKey != "" {
		opts = append(opts, anyllmlib.WithAPIKey(c.APIKey))
	}
	if c.BaseURL != "" {
		opts = append(opts, anyllmlib.WithBaseURL(c.BaseURL))
	}
	return anyllm.New(string(c.Backend), c.Model, opts...)
}

func (a *App) speechSTTOptions() []sttcloud.Option {
	speech := a.cfg.Speech
	if speech.APIKey != "" {
		return []sttcloud.Option{sttcloud.WithAPIKey(speech.APIKey)}
	}
	o := speech.OAuth
	return []sttcloud.Option{
		sttcloud.WithClientCredentials(o.TokenURL, o.ClientID, o.ClientSecret, o.Scopes...),
	}
}

func (a *App) speechTTSOptions() []ttscloud.Option {
	speech := a.cfg.Speech
	opts := []ttscloud.Option{ttscloud.WithSampleRate(speech.SampleRate)}
	if speech.APIKey != "" {
		return append(opts, ttscloud.WithAPIKey(speech.APIKey))
	}
	o := speech.OAuth
	return append(opts, ttscloud.WithClientCredentials(o.TokenURL, o.ClientID, o.ClientSecret, o.Scopes...))
}

func (a *App) initDialog() error {
	a.registry = tools.NewRegistry()
	if err := tools.RegisterBuiltins(a.registry); err != nil {
		return fmt.Errorf("register builtin tools: %w", err)
	}
	a.registry.Seal()

	consumer, err := dialog.NewConsumer(a.provider, a.registry, dialog.WithLogger(a.log))
	if err != nil {
		return fmt.Errorf("create consumer: %w", err)
	}

	a.orch, err = orchestrator.New(consumer, orchestrator.WithLogger(a.log))
	if err != nil {
		return fmt.Errorf("create orchestrator: %w", err)
	}
	return nil
}

// initTelephony builds the call-control client, processor and DTMF validator.
// Without a connection string the whole block is skipped and the gateway
// serves browser sessions only.
func (a *App) initTelephony() error {
	if a.calls == nil {
		if !a.cfg.Telephony.Enabled() {
			a.log.Info("telephony not configured, browser sessions only")
			return nil
		}
		client, err := callcontrol.NewHTTPClient(callcontrol.ClientConfig{
			ConnectionString:   a.cfg.Telephony.ConnectionString,
			SourceNumber:       a.cfg.Telephony.SourceNumber,
			CallbackBaseURL:    a.cfg.Telephony.CallbackBaseURL,
			MediaWebsocketPath: a.cfg.Telephony.MediaWebsocketPath,
		})
		if err != nil {
			return fmt.Errorf("create call-control client: %w", err)
		}
		a.calls = client
	}

	a.processor = callcontrol.NewProcessor(a.store, a.hub, a.calls, a.log)

	// Once the caller keys in the right sequence the media stream starts and
	// the conversation proper begins.
	onValidated := func(ctx context.Context, callID string) {
		a.hub.Broadcast(ctx, "Caller validated: "+callID, hub.SenderSystem)
		if err := a.calls.StartTranscription(ctx, callID); err != nil {
			a.log.Error("start transcription after validation", "call_id", callID, "err", err)
		}
	}
	validator := callcontrol.NewValidator(callcontrol.ValidatorConfig{
		Expected:      a.cfg.Validation.ExpectedSequence,
		MaxAttempts:   a.cfg.Validation.MaxAttempts,
		Prompt:        a.cfg.Validation.Prompt,
		FailurePrompt: a.cfg.Validation.FailurePrompt,
	}, a.store, a.calls, onValidated, a.log)

	callcontrol.RegisterDefaults(a.processor, validator, resilience.NewRetry(resilience.RetryConfig{}))
	return nil
}

func (a *App) initServer() error {
	checkers := []health.Checker{
		health.CheckStore(a.store),
		health.CheckLLM(a.provider),
		health.CheckSpeech(a.recognizers, a.synth),
		health.CheckTools(a.registry),
	}

	conv := a.cfg.Conversation
	voice := tts.Voice{Name: conv.VoiceName, Rate: conv.VoiceRate}
	if len(conv.Languages) > 0 {
		voice.Language = conv.Languages[0]
	}

	gw, err := gateway.New(gateway.Config{
		Store:           a.store,
		Orchestrator:    a.orch,
		Recognizers:     a.recognizers,
		Synth:           a.synth,
		Hub:             a.hub,
		Processor:       a.processor,
		Calls:           a.calls,
		Metrics:         a.metrics,
		Health:          health.New(checkers...),
		Log:             a.log,
		ObserverOrigins: a.cfg.Server.ObserverOrigins,
		STT: stt.Config{
			Languages:      conv.Languages,
			SampleRate:     a.cfg.Speech.SampleRate,
			SilenceTimeout: conv.SilenceTimeout(),
		},
		Voice:     voice,
		StopWords: conv.StopWords,
		Greeting:  conv.Greeting,
		Farewell:  conv.Farewell,
		GreetWait: conv.GreetWait(),
	})
	if err != nil {
		return fmt.Errorf("create gateway: %w", err)
	}

	a.server = &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return nil
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves HTTP until ctx is cancelled, then drains the server gracefully.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.log.Info("server listening", "addr", a.server.Addr)
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("app: serve: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		drainCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := a.server.Shutdown(drainCtx); err != nil {
			a.log.Warn("server drain incomplete", "err", err)
		}
		return ctx.Err()
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems in reverse-init order. It respects the
// context deadline: if ctx expires before all closers finish, remaining
// closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.log.Info("shutting down", "closers", len(a.closers))
		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				a.log.Warn("shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := a.closers[i](ctx); err != nil {
				a.log.Warn("closer error", "index", i, "err", err)
			}
		}
		a.log.Info("shutdown complete")
	})
	return shutdownErr
}
