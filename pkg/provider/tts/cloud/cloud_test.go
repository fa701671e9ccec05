package cloud_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/xymz/voicegate/pkg/provider/tts"
	ttscloud "github.com/xymz/voicegate/pkg/provider/tts/cloud"
)

// sinkRecorder counts the PCM bytes pushed by the streamed delivery path.
type sinkRecorder struct {
	mu    sync.Mutex
	total int
}

func (r *sinkRecorder) push(pcm []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.total += len(pcm)
	return nil
}

func (r *sinkRecorder) bytes() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.total
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

func newStreamSynth(t *testing.T, handler http.HandlerFunc, rec *sinkRecorder) *ttscloud.Synthesizer {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	s, err := ttscloud.New(srv.URL,
		ttscloud.WithAPIKey("test-key"),
		ttscloud.WithHTTPClient(srv.Client()),
		ttscloud.WithStreamSink(rec.push),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestStreamSpeakDeliversAudio(t *testing.T) {
	t.Parallel()

	pcm := make([]byte, 9600)
	rec := &sinkRecorder{}
	s := newStreamSynth(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Content-Type"); got != "application/ssml+xml" {
			t.Errorf("Content-Type = %q", got)
		}
		_, _ = w.Write(pcm)
	}, rec)

	err := s.StartSpeakingText(context.Background(), "Your claim is on file.", tts.Voice{Name: "en-US-JennyNeural"})
	if err != nil {
		t.Fatalf("StartSpeakingText: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool { return rec.bytes() == len(pcm) },
		"streamed audio never fully delivered")

	if err := s.StopSpeaking(context.Background()); err != nil {
		t.Errorf("StopSpeaking after clean delivery = %v, want nil", err)
	}
}

func TestStreamSpeakFailureDeliversNoAudio(t *testing.T) {
	t.Parallel()

	served := make(chan struct{})
	rec := &sinkRecorder{}
	s := newStreamSynth(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		close(served)
	}, rec)

	if err := s.StartSpeakingText(context.Background(), "hello", tts.Voice{Name: "v"}); err != nil {
		t.Fatalf("StartSpeakingText: %v", err)
	}
	<-served

	// StopSpeaking waits for delivery to wind down, so the sink count is
	// final afterwards.
	err := s.StopSpeaking(context.Background())
	if err != nil && !strings.Contains(err.Error(), "status 500") {
		t.Errorf("StopSpeaking = %v, want status 500 failure", err)
	}
	if got := rec.bytes(); got != 0 {
		t.Errorf("sink received %d bytes from a failed synthesis, want 0", got)
	}
}

func TestStopSpeakingCancelsDelivery(t *testing.T) {
	t.Parallel()

	rec := &sinkRecorder{}
	s := newStreamSynth(t, func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			t.Error("response writer is not a flusher")
			return
		}
		chunk := make([]byte, 640)
		for i := 0; i < 200; i++ {
			if _, err := w.Write(chunk); err != nil {
				return
			}
			flusher.Flush()
			select {
			case <-r.Context().Done():
				return
			case <-time.After(10 * time.Millisecond):
			}
		}
	}, rec)

	if err := s.StartSpeakingText(context.Background(), "a very long announcement", tts.Voice{Name: "v"}); err != nil {
		t.Fatalf("StartSpeakingText: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool { return rec.bytes() > 0 },
		"streamed delivery never started")

	if err := s.StopSpeaking(context.Background()); err != nil {
		t.Errorf("StopSpeaking = %v, want nil", err)
	}
	delivered := rec.bytes()
	if delivered >= 200*640 {
		t.Fatalf("delivery ran to completion (%d bytes) despite stop", delivered)
	}

	time.Sleep(50 * time.Millisecond)
	if rec.bytes() != delivered {
		t.Errorf("sink kept receiving after StopSpeaking (%d -> %d bytes)", delivered, rec.bytes())
	}
}

func TestStartSpeakingTextRequiresSink(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	t.Cleanup(srv.Close)

	s, err := ttscloud.New(srv.URL, ttscloud.WithAPIKey("k"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s.StartSpeakingText(context.Background(), "hi", tts.Voice{Name: "v"}); err == nil {
		t.Fatal("StartSpeakingText without a sink should fail")
	}
}
