// Package cloud provides a Recognizer backed by a cloud speech service's
// streaming WebSocket API. It implements the stt.Factory and stt.Recognizer
// interfaces.
package cloud

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/coder/websocket"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/xymz/voicegate/pkg/provider/stt"
)

const (
	defaultSampleRate = 16000
	audioQueueDepth   = 256
)

// Option is a functional option for the Factory.
type Option func(*Factory)

// WithAPIKey authenticates with a static subscription key.
func WithAPIKey(key string) Option {
	return func(f *Factory) {
		f.apiKey = key
	}
}

// WithClientCredentials authenticates via an OAuth2 client-credentials flow.
// Tokens are fetched and refreshed automatically.
func WithClientCredentials(tokenURL, clientID, clientSecret string, scopes ...string) Option {
	return func(f *Factory) {
		cfg := clientcredentials.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			TokenURL:     tokenURL,
			Scopes:       scopes,
		}
		f.tokens = cfg.TokenSource(context.Background())
	}
}

// Factory creates websocket recognizer sessions against one speech endpoint.
type Factory struct {
	endpoint string
	apiKey   string
	tokens   oauth2.TokenSource
}

var _ stt.Factory = (*Factory)(nil)

// New creates a Factory for the given websocket endpoint (wss://...).
// One of WithAPIKey or WithClientCredentials must be supplied.
func New(endpoint string, opts ...Option) (*Factory, error) {
	if endpoint == "" {
		return nil, errors.New("sttcloud: endpoint must not be empty")
	}
	f := &Factory{endpoint: endpoint}
	for _, o := range opts {
		o(f)
	}
	if f.apiKey == "" && f.tokens == nil {
		return nil, errors.New("sttcloud: no credentials configured")
	}
	return f, nil
}

// NewRecognizer implements stt.Factory.
func (f *Factory) NewRecognizer(cfg stt.Config, sink stt.Sink) (stt.Recognizer, error) {
	if sink == nil {
		return nil, errors.New("sttcloud: sink must not be nil")
	}
	wsURL, err := f.buildURL(cfg)
	if err != nil {
		return nil, fmt.Errorf("sttcloud: build URL: %w", err)
	}
	return &recognizer{
		factory: f,
		url:     wsURL,
		sink:    sink,
		audio:   make(chan []byte, audioQueueDepth),
		done:    make(chan struct{}),
	}, nil
}

// buildURL encodes the session parameters as endpoint query values.
func (f *Factory) buildURL(cfg stt.Config) (string, error) {
	u, err := url.Parse(f.endpoint)
	if err != nil {
		return "", err
	}

	sr := cfg.SampleRate
	if sr == 0 {
		sr = defaultSampleRate
	}

	q := u.Query()
	q.Set("format", "pcm")
	q.Set("sample_rate", strconv.Itoa(sr))
	if len(cfg.Languages) > 0 {
		q.Set("languages", strings.Join(cfg.Languages, ","))
	}
	if cfg.SilenceTimeout > 0 {
		q.Set("segmentation_silence_ms", strconv.FormatInt(cfg.SilenceTimeout.Milliseconds(), 10))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// authHeader resolves the Authorization header from the static key or the
// token source.
func (f *Factory) authHeader() (string, error) {
	if f.apiKey != "" {
		return "Bearer " + f.apiKey, nil
	}
	tok, err := f.tokens.Token()
	if err != nil {
		return "", fmt.Errorf("sttcloud: fetch token: %w", err)
	}
	return "Bearer " + tok.AccessToken, nil
}

// ─── recognizer ───

// speechEvent is the JSON envelope the service sends on the socket.
type speechEvent struct {
	Type     string `json:"type"`
	Text     string `json:"text"`
	Language string `json:"language"`
	Reason   string `json:"reason,omitempty"`
	Code     int    `json:"code,omitempty"`
}

type recognizer struct {
	factory *Factory
	url     string
	sink    stt.Sink

	audio chan []byte
	done  chan struct{}

	mu      sync.Mutex
	conn    *websocket.Conn
	started bool

	stopOnce sync.Once
	wg       sync.WaitGroup
}

var _ stt.Recognizer = (*recognizer)(nil)

// Start implements stt.Recognizer.
func (r *recognizer) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return errors.New("sttcloud: recognizer already started")
	}

	auth, err := r.factory.authHeader()
	if err != nil {
		return err
	}
	headers := http.Header{}
	headers.Set("Authorization", auth)

	conn, _, err := websocket.Dial(ctx, r.url, &websocket.DialOptions{
		HTTPHeader: headers,
	})
	if err != nil {
		return fmt.Errorf("sttcloud: dial: %w", err)
	}

	r.conn = conn
	r.started = true

	r.wg.Add(2)
	go r.readLoop(ctx)
	go r.writeLoop(ctx)
	return nil
}

// WriteBytes implements stt.Recognizer.
func (r *recognizer) WriteBytes(chunk []byte) error {
	r.mu.Lock()
	started := r.started
	r.mu.Unlock()
	if !started {
		return errors.New("sttcloud: recognizer not started")
	}
	select {
	case <-r.done:
		return errors.New("sttcloud: recognizer is stopped")
	default:
	}
	select {
	case r.audio <- chunk:
		return nil
	case <-r.done:
		return errors.New("sttcloud: recognizer is stopped")
	}
}

// Stop implements stt.Recognizer.
func (r *recognizer) Stop() error {
	r.stopOnce.Do(func() {
		close(r.done)
		r.mu.Lock()
		conn := r.conn
		r.mu.Unlock()
		if conn != nil {
			// Ask the service to flush buffered audio before closing.
			_ = conn.Write(context.Background(), websocket.MessageText, []byte(`{"type":"speech.end"}`))
			r.wg.Wait()
			conn.Close(websocket.StatusNormalClosure, "session stopped")
		}
	})
	return nil
}

// writeLoop forwards queued PCM chunks as binary frames.
func (r *recognizer) writeLoop(ctx context.Context) {
	defer r.wg.Done()
	for {
		select {
		case chunk := <-r.audio:
			if err := r.conn.Write(ctx, websocket.MessageBinary, chunk); err != nil {
				return
			}
		case <-r.done:
			// Flush whatever is still queued.
			for {
				select {
				case chunk := <-r.audio:
					_ = r.conn.Write(ctx, websocket.MessageBinary, chunk)
				default:
					return
				}
			}
		}
	}
}

// readLoop parses service events and dispatches them to the sink. Exits on
// socket error or done.
func (r *recognizer) readLoop(ctx context.Context) {
	defer r.wg.Done()
	for {
		_, msg, err := r.conn.Read(ctx)
		if err != nil {
			return
		}
		select {
		case <-r.done:
			return
		default:
		}

		var ev speechEvent
		if err := json.Unmarshal(msg, &ev); err != nil {
			continue
		}
		switch ev.Type {
		case "speech.hypothesis":
			r.sink.OnPartial(ev.Text, ev.Language)
		case "speech.phrase":
			r.sink.OnFinal(ev.Text, ev.Language)
		case "speech.cancel":
			reason := ev.Reason
			if ev.Code != 0 {
				reason = fmt.Sprintf("%s (code %d)", ev.Reason, ev.Code)
			}
			r.sink.OnCancel(reason)
		}
	}
}
