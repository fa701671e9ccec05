package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/xymz/voicegate/internal/turn"
	"github.com/xymz/voicegate/pkg/audio"
)

// controlMessage is the browser-side text protocol on the caller socket.
// Telephony media sockets speak the envelope protocol instead.
type controlMessage struct {
	Type    string `json:"type,omitempty"`
	Text    string `json:"text,omitempty"`
	IsFinal bool   `json:"is_final,omitempty"`
}

// handleCallerSocket upgrades the connection and runs a turn controller for
// the session's lifetime. The session id is the call connection id for
// telephony sockets (passed as ?session_id=) or a fresh token for browsers.
func (s *Server) handleCallerSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.ObserverOrigins,
	})
	if err != nil {
		s.log.Warn("caller socket accept failed", "err", err)
		return
	}

	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	log := s.log.With("session_id", sessionID)
	log.Info("caller socket opened")

	ctrl, err := turn.New(turn.Config{
		SessionID:    sessionID,
		Store:        s.cfg.Store,
		Orchestrator: s.cfg.Orchestrator,
		Recognizers:  s.cfg.Recognizers,
		Synth:        s.cfg.Synth,
		Hub:          s.cfg.Hub,
		Metrics:      s.cfg.Metrics,
		Log:          s.cfg.Log,
		STT:          s.cfg.STT,
		Voice:        s.cfg.Voice,
		StopWords:    s.cfg.StopWords,
		Greeting:     s.cfg.Greeting,
		Farewell:     s.cfg.Farewell,
		GreetWait:    s.cfg.GreetWait,
	})
	if err != nil {
		log.Error("controller setup failed", "err", err)
		conn.Close(websocket.StatusInternalError, "setup failed")
		return
	}

	sock := &callerSocket{conn: conn}
	demux := audio.NewDemux(pcmWriterFunc(ctrl.WriteAudio))

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- ctrl.Run(ctx, sock) }()

	// Read loop owns the connection's inbound side; its exit ends the session.
	for {
		_, data, rerr := conn.Read(ctx)
		if rerr != nil {
			break
		}
		s.dispatchCallerMessage(ctrl, demux, data, log)
	}
	cancel()

	if err := <-done; err != nil {
		log.Error("session loop failed", "err", err)
	}
	_ = sock.Close("session ended")
	log.Info("caller socket closed")
}

// dispatchCallerMessage routes one inbound text frame: media envelopes go
// through the demux into the recognizer, browser control messages go straight
// into the controller's transcript path.
func (s *Server) dispatchCallerMessage(ctrl *turn.Controller, demux *audio.Demux, data []byte, log *slog.Logger) {
	env, err := audio.ParseEnvelope(data)
	if err == nil {
		switch env.Kind {
		case audio.KindAudioData:
			if herr := demux.HandleAudioData(env.AudioData); herr != nil {
				if errors.Is(herr, audio.ErrUnknownParticipant) {
					log.Debug("dropped frame from unknown participant")
					return
				}
				log.Warn("audio frame rejected", "err", herr)
			}
		case audio.KindCallConnected:
			if env.ParticipantID != "" && demux.RegisterCaller(env.ParticipantID) {
				log.Debug("caller participant registered", "participant", env.ParticipantID)
			}
		case audio.KindAudioMetadata, audio.KindStartAudio, audio.KindStopAudio:
			// Provider bookkeeping; nothing to route.
		default:
			log.Debug("ignored media frame", "kind", env.Kind)
		}
		return
	}

	var msg controlMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		log.Warn("unparseable caller message")
		return
	}
	switch {
	case msg.Type == "interrupt":
		ctrl.OnPartial("", "")
	case msg.Text != "" && msg.IsFinal:
		ctrl.OnFinal(msg.Text, "")
	case msg.Text != "":
		ctrl.OnPartial(msg.Text, "")
	}
}

// pcmWriterFunc adapts a function to audio.PCMWriter.
type pcmWriterFunc func([]byte) error

func (f pcmWriterFunc) WriteBytes(chunk []byte) error { return f(chunk) }

// callerSocket adapts a websocket connection to turn.Socket. Writes are
// serialized; the controller's speaker and event paths both send.
type callerSocket struct {
	conn      *websocket.Conn
	mu        sync.Mutex
	closeOnce sync.Once
}

var _ turn.Socket = (*callerSocket)(nil)

// SendAudio implements turn.Socket.
func (c *callerSocket) SendAudio(ctx context.Context, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.Write(ctx, websocket.MessageText, payload)
}

// SendFrame implements turn.Socket.
func (c *callerSocket) SendFrame(ctx context.Context, f turn.Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.Write(ctx, websocket.MessageText, data)
}

// Close implements turn.Socket.
func (c *callerSocket) Close(reason string) error {
	c.closeOnce.Do(func() {
		_ = c.conn.Close(websocket.StatusNormalClosure, reason)
	})
	return nil
}
