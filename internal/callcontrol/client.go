package callcontrol

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/xymz/voicegate/internal/resilience"
)

// Client is the thin surface onto the telephony provider's call-automation
// REST API. Implementations must be safe for concurrent use across calls.
type Client interface {
	// CreateCall places an outbound call to target (E.164) and returns the
	// new call connection id.
	CreateCall(ctx context.Context, target string) (string, error)

	// AnswerCall accepts an inbound call offer and returns the call
	// connection id.
	AnswerCall(ctx context.Context, incomingCallContext string) (string, error)

	// PlayText speaks a prompt to all participants of the call.
	PlayText(ctx context.Context, callID, text string) error

	// StartContinuousDTMF begins tone recognition on the call.
	StartContinuousDTMF(ctx context.Context, callID string) error

	// StartTranscription starts streaming call media to the websocket
	// transport configured at call creation.
	StartTranscription(ctx context.Context, callID string) error

	// StopTranscription halts media streaming.
	StopTranscription(ctx context.Context, callID string) error

	// HangUp terminates the call for everyone.
	HangUp(ctx context.Context, callID string) error
}

// ClientConfig configures the HTTP client.
type ClientConfig struct {
	// ConnectionString is the provider credential in
	// "endpoint=https://...;accesskey=..." form.
	ConnectionString string

	// SourceNumber is the E.164 number outbound calls originate from.
	SourceNumber string

	// CallbackBaseURL is the public base URL the provider posts webhook
	// events to.
	CallbackBaseURL string

	// MediaWebsocketPath is the path of the media socket endpoint, appended
	// to the callback host for transcription transport.
	MediaWebsocketPath string

	// Timeout bounds each request. Default: 10s.
	Timeout time.Duration
}

// HTTPClient implements Client against the provider REST API. Requests run
// through a circuit breaker so a dead provider endpoint fails fast.
type HTTPClient struct {
	endpoint  string
	accessKey string
	cfg       ClientConfig
	http      *http.Client
	breaker   *resilience.CircuitBreaker
}

var _ Client = (*HTTPClient)(nil)

// NewHTTPClient parses the connection string and builds the client.
func NewHTTPClient(cfg ClientConfig) (*HTTPClient, error) {
	endpoint, key, err := parseConnectionString(cfg.ConnectionString)
	if err != nil {
		return nil, err
	}
	if cfg.SourceNumber == "" {
		return nil, errors.New("callcontrol: source number must not be empty")
	}
	if cfg.CallbackBaseURL == "" {
		return nil, errors.New("callcontrol: callback base URL must not be empty")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &HTTPClient{
		endpoint:  strings.TrimRight(endpoint, "/"),
		accessKey: key,
		cfg:       cfg,
		http:      &http.Client{Timeout: cfg.Timeout},
		breaker:   resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{Name: "callcontrol"}),
	}, nil
}

func parseConnectionString(cs string) (endpoint, key string, err error) {
	for _, part := range strings.Split(cs, ";") {
		k, v, found := strings.Cut(part, "=")
		if !found {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(k)) {
		case "endpoint":
			endpoint = strings.TrimSpace(v)
		case "accesskey":
			key = strings.TrimSpace(v)
		}
	}
	if endpoint == "" || key == "" {
		return "", "", errors.New("callcontrol: connection string needs endpoint and accesskey")
	}
	return endpoint, key, nil
}

// mediaTransportURL derives the websocket URL for media streaming from the
// callback base URL.
func (c *HTTPClient) mediaTransportURL() string {
	u, err := url.Parse(c.cfg.CallbackBaseURL)
	if err != nil {
		return ""
	}
	scheme := "wss"
	if u.Scheme == "http" {
		scheme = "ws"
	}
	return scheme + "://" + u.Host + c.cfg.MediaWebsocketPath
}

// CreateCall implements Client.
func (c *HTTPClient) CreateCall(ctx context.Context, target string) (string, error) {
	body := map[string]any{
		"targets": []map[string]any{
			{"kind": "phoneNumber", "phoneNumber": map[string]string{"value": target}},
		},
		"sourceCallerIdNumber": map[string]string{"value": c.cfg.SourceNumber},
		"callbackUri":          c.cfg.CallbackBaseURL + "/api/callbacks",
		"transcriptionOptions": map[string]any{
			"transportUrl":  c.mediaTransportURL(),
			"transportType": "websocket",
			"startTranscription": false,
		},
	}
	var resp struct {
		CallConnectionID string `json:"callConnectionId"`
	}
	if err := c.do(ctx, http.MethodPost, "/calling/callConnections", body, &resp); err != nil {
		return "", fmt.Errorf("callcontrol: create call: %w", err)
	}
	return resp.CallConnectionID, nil
}

// AnswerCall implements Client.
func (c *HTTPClient) AnswerCall(ctx context.Context, incomingCallContext string) (string, error) {
	body := map[string]any{
		"incomingCallContext": incomingCallContext,
		"callbackUri":         c.cfg.CallbackBaseURL + "/api/callbacks",
	}
	var resp struct {
		CallConnectionID string `json:"callConnectionId"`
	}
	if err := c.do(ctx, http.MethodPost, "/calling/callConnections:answer", body, &resp); err != nil {
		return "", fmt.Errorf("callcontrol: answer call: %w", err)
	}
	return resp.CallConnectionID, nil
}

// PlayText implements Client.
func (c *HTTPClient) PlayText(ctx context.Context, callID, text string) error {
	body := map[string]any{
		"playSources": []map[string]any{
			{"kind": "text", "text": map[string]string{"text": text}},
		},
		"playToAll": true,
	}
	path := "/calling/callConnections/" + url.PathEscape(callID) + ":play"
	if err := c.do(ctx, http.MethodPost, path, body, nil); err != nil {
		return fmt.Errorf("callcontrol: play text: %w", err)
	}
	return nil
}

// StartContinuousDTMF implements Client.
func (c *HTTPClient) StartContinuousDTMF(ctx context.Context, callID string) error {
	path := "/calling/callConnections/" + url.PathEscape(callID) + ":startContinuousDtmfRecognition"
	if err := c.do(ctx, http.MethodPost, path, map[string]any{}, nil); err != nil {
		return fmt.Errorf("callcontrol: start dtmf: %w", err)
	}
	return nil
}

// StartTranscription implements Client.
func (c *HTTPClient) StartTranscription(ctx context.Context, callID string) error {
	path := "/calling/callConnections/" + url.PathEscape(callID) + ":startTranscription"
	if err := c.do(ctx, http.MethodPost, path, map[string]any{}, nil); err != nil {
		return fmt.Errorf("callcontrol: start transcription: %w", err)
	}
	return nil
}

// StopTranscription implements Client.
func (c *HTTPClient) StopTranscription(ctx context.Context, callID string) error {
	path := "/calling/callConnections/" + url.PathEscape(callID) + ":stopTranscription"
	if err := c.do(ctx, http.MethodPost, path, map[string]any{}, nil); err != nil {
		return fmt.Errorf("callcontrol: stop transcription: %w", err)
	}
	return nil
}

// HangUp implements Client.
func (c *HTTPClient) HangUp(ctx context.Context, callID string) error {
	path := "/calling/callConnections/" + url.PathEscape(callID) + "?forEveryone=true"
	if err := c.do(ctx, http.MethodDelete, path, nil, nil); err != nil {
		return fmt.Errorf("callcontrol: hang up: %w", err)
	}
	return nil
}

// apiError carries the provider's result-information on non-2xx responses.
type apiError struct {
	Status int
	Info   ResultInformation
}

func (e *apiError) Error() string {
	return fmt.Sprintf("status %d: code=%d subcode=%d %s", e.Status, e.Info.Code, e.Info.SubCode, e.Info.Message)
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body, out any) error {
	return c.breaker.Execute(func() error {
		var reader io.Reader
		if body != nil {
			raw, err := json.Marshal(body)
			if err != nil {
				return err
			}
			reader = bytes.NewReader(raw)
		}

		req, err := http.NewRequestWithContext(ctx, method, c.endpoint+path, reader)
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+c.accessKey)

		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			apiErr := &apiError{Status: resp.StatusCode}
			var errBody struct {
				Error ResultInformation `json:"error"`
			}
			if raw, rerr := io.ReadAll(io.LimitReader(resp.Body, 4096)); rerr == nil {
				_ = json.Unmarshal(raw, &errBody)
				apiErr.Info = errBody.Error
			}
			return apiErr
		}

		if out != nil {
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return err
			}
		}
		return nil
	})
}
