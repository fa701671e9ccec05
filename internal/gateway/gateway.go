// Package gateway terminates the service's network surfaces: the caller
// audio websocket, the observer relay websocket, the call-control webhook,
// and the operational HTTP endpoints.
package gateway

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/xymz/voicegate/internal/callcontrol"
	"github.com/xymz/voicegate/internal/health"
	"github.com/xymz/voicegate/internal/hub"
	"github.com/xymz/voicegate/internal/observe"
	"github.com/xymz/voicegate/internal/orchestrator"
	"github.com/xymz/voicegate/internal/session"
	"github.com/xymz/voicegate/pkg/provider/stt"
	"github.com/xymz/voicegate/pkg/provider/tts"
)

// Config wires the Server's collaborators. Store, Orchestrator, Recognizers,
// Synth and Hub are required; Processor and Calls may be nil when telephony
// is not configured, which disables the corresponding endpoints.
type Config struct {
	Store        session.Store
	Orchestrator *orchestrator.Orchestrator
	Recognizers  stt.Factory
	Synth        tts.Synthesizer
	Hub          *hub.Hub
	Processor    *callcontrol.Processor
	Calls        callcontrol.Client
	Metrics      *observe.Metrics
	Health       *health.Handler
	Log          *slog.Logger

	// ObserverOrigins lists the origins allowed to open observer sockets and
	// call the HTTP API cross-origin.
	ObserverOrigins []string

	// Per-session pipeline defaults.
	STT       stt.Config
	Voice     tts.Voice
	StopWords []string
	Greeting  string
	Farewell  string
	GreetWait time.Duration
}

// Server owns the HTTP routes. Create with New and mount Handler on an
// http.Server.
type Server struct {
	cfg Config
	log *slog.Logger
}

// New validates the configuration and creates a Server.
func New(cfg Config) (*Server, error) {
	if cfg.Store == nil || cfg.Orchestrator == nil || cfg.Recognizers == nil || cfg.Synth == nil || cfg.Hub == nil {
		return nil, errors.New("gateway: store, orchestrator, recognizers, synth and hub are required")
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	return &Server{cfg: cfg, log: cfg.Log}, nil
}

// Handler builds the route tree. Websocket routes bypass the HTTP middleware
// because the upgrade needs the raw ResponseWriter; everything else gets
// telemetry and CORS.
func (s *Server) Handler() http.Handler {
	root := http.NewServeMux()
	root.HandleFunc("GET /ws/audio", s.handleCallerSocket)
	root.HandleFunc("GET /ws/observer", s.handleObserverSocket)

	api := http.NewServeMux()
	api.HandleFunc("POST /api/callbacks", s.handleCallbacks)
	api.HandleFunc("POST /api/call", s.handleCreateCall)
	api.Handle("GET /metrics", promhttp.Handler())
	if s.cfg.Health != nil {
		s.cfg.Health.Register(api)
	}

	var rest http.Handler = api
	if s.cfg.Metrics != nil {
		rest = observe.Middleware(s.cfg.Metrics)(rest)
	}
	root.Handle("/", s.cors(rest))
	return root
}

// cors allows the configured observer origins to call the HTTP API from a
// browser. Requests without an Origin header pass untouched.
func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && s.originAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) originAllowed(origin string) bool {
	for _, o := range s.cfg.ObserverOrigins {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}

// writeJSON encodes v with the given status. Errors are logged, not surfaced;
// by then the status line is already written.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("gateway: encode response", "err", err)
	}
}
