// Package cloud provides a Synthesizer backed by a cloud speech service's
// REST synthesis API. Text is wrapped in SSML with prosody rate applied and
// the response body is raw PCM.
package cloud

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/xymz/voicegate/pkg/provider/tts"
)

const (
	defaultSampleRate = 16000
	defaultTimeout    = 15 * time.Second
)

// Option is a functional option for the Synthesizer.
type Option func(*Synthesizer)

// WithAPIKey authenticates with a static subscription key.
func WithAPIKey(key string) Option {
	return func(s *Synthesizer) {
		s.apiKey = key
	}
}

// WithClientCredentials authenticates via an OAuth2 client-credentials flow.
func WithClientCredentials(tokenURL, clientID, clientSecret string, scopes ...string) Option {
	return func(s *Synthesizer) {
		cfg := clientcredentials.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			TokenURL:     tokenURL,
			Scopes:       scopes,
		}
		s.tokens = cfg.TokenSource(context.Background())
	}
}

// WithSampleRate selects the PCM output rate in Hz (16000 or 24000).
func WithSampleRate(rate int) Option {
	return func(s *Synthesizer) {
		s.sampleRate = rate
	}
}

// WithHTTPClient overrides the HTTP client, mainly for tests.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Synthesizer) {
		s.http = c
	}
}

// Synthesizer implements tts.Synthesizer against an HTTP synthesis endpoint.
// With a stream sink configured it also implements tts.StreamingSynthesizer;
// see stream.go.
type Synthesizer struct {
	endpoint   string
	apiKey     string
	tokens     oauth2.TokenSource
	sampleRate int
	http       *http.Client

	sink         func(pcm []byte) error
	streamMu     sync.Mutex
	streamCancel context.CancelFunc
	streamDone   chan struct{}
	streamErr    error
}

var _ tts.Synthesizer = (*Synthesizer)(nil)

// New creates a Synthesizer for the given synthesis endpoint (https://...).
// One of WithAPIKey or WithClientCredentials must be supplied.
func New(endpoint string, opts ...Option) (*Synthesizer, error) {
	if endpoint == "" {
		return nil, errors.New("ttscloud: endpoint must not be empty")
	}
	s := &Synthesizer{
		endpoint:   endpoint,
		sampleRate: defaultSampleRate,
		http:       &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(s)
	}
	if s.apiKey == "" && s.tokens == nil {
		return nil, errors.New("ttscloud: no credentials configured")
	}
	if s.sampleRate != 16000 && s.sampleRate != 24000 {
		return nil, fmt.Errorf("ttscloud: unsupported sample rate %d", s.sampleRate)
	}
	return s, nil
}

// SynthesizeToPCM implements tts.Synthesizer.
func (s *Synthesizer) SynthesizeToPCM(ctx context.Context, text string, voice tts.Voice) ([]byte, error) {
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}
	if voice.Name == "" {
		return nil, errors.New("ttscloud: voice name must not be empty")
	}

	body := buildSSML(text, voice)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, strings.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("ttscloud: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/ssml+xml")
	req.Header.Set("X-Output-Format", outputFormat(s.sampleRate))

	auth, err := s.authHeader()
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", auth)

	resp, err := s.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ttscloud: synthesize: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("ttscloud: synthesize: status %d: %s", resp.StatusCode, bytes.TrimSpace(detail))
	}

	pcm, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("ttscloud: read audio: %w", err)
	}
	return pcm, nil
}

// SampleRate implements tts.Synthesizer.
func (s *Synthesizer) SampleRate() int { return s.sampleRate }

func (s *Synthesizer) authHeader() (string, error) {
	if s.apiKey != "" {
		return "Bearer " + s.apiKey, nil
	}
	tok, err := s.tokens.Token()
	if err != nil {
		return "", fmt.Errorf("ttscloud: fetch token: %w", err)
	}
	return "Bearer " + tok.AccessToken, nil
}

func outputFormat(rate int) string {
	if rate == 24000 {
		return "raw-24khz-16bit-mono-pcm"
	}
	return "raw-16khz-16bit-mono-pcm"
}

// buildSSML wraps text in a speak/voice envelope, applying prosody rate when
// set. Text is XML-escaped.
func buildSSML(text string, voice tts.Voice) string {
	var escaped bytes.Buffer
	_ = xml.EscapeText(&escaped, []byte(text))

	lang := voice.Language
	if lang == "" {
		lang = "en-US"
	}

	var b strings.Builder
	fmt.Fprintf(&b, `<speak version="1.0" xml:lang=%q><voice name=%q>`, lang, voice.Name)
	if voice.Rate != "" {
		fmt.Fprintf(&b, `<prosody rate=%q>%s</prosody>`, voice.Rate, escaped.String())
	} else {
		b.WriteString(escaped.String())
	}
	b.WriteString(`</voice></speak>`)
	return b.String()
}
