package cloud

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/xymz/voicegate/pkg/provider/tts"
)

// streamChunkSize is the PCM slice handed to the sink per read, 100 ms at
// 16 kHz mono 16-bit.
const streamChunkSize = 3200

// WithStreamSink enables the streamed delivery mode: rendered PCM is pushed
// to sink in chunks as the response body arrives. Required before calling
// StartSpeakingText.
func WithStreamSink(sink func(pcm []byte) error) Option {
	return func(s *Synthesizer) {
		s.sink = sink
	}
}

var _ tts.StreamingSynthesizer = (*Synthesizer)(nil)

// StartSpeakingText implements tts.StreamingSynthesizer. The synthesis
// request runs in the background and chunks the response body into the
// configured sink; a request that fails delivers nothing. An utterance
// already in flight is cancelled first.
func (s *Synthesizer) StartSpeakingText(ctx context.Context, text string, voice tts.Voice) error {
	if s.sink == nil {
		return errors.New("ttscloud: no stream sink configured")
	}
	if strings.TrimSpace(text) == "" {
		return nil
	}
	if voice.Name == "" {
		return errors.New("ttscloud: voice name must not be empty")
	}

	s.streamMu.Lock()
	defer s.streamMu.Unlock()
	s.cancelStreamLocked()

	// Delivery outlives the caller's request context; only StopSpeaking or
	// a replacing utterance ends it early.
	sctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	s.streamCancel = cancel
	s.streamDone = done

	body := buildSSML(text, voice)
	go func() {
		defer close(done)
		err := s.streamSpeak(sctx, body)
		s.streamMu.Lock()
		if err != nil && !errors.Is(err, context.Canceled) {
			s.streamErr = err
		}
		s.streamMu.Unlock()
	}()
	return nil
}

// StopSpeaking implements tts.StreamingSynthesizer. It cancels in-flight
// delivery, waits for it to wind down and reports the terminal error of the
// stopped stream, if any.
func (s *Synthesizer) StopSpeaking(ctx context.Context) error {
	s.streamMu.Lock()
	s.cancelStreamLocked()
	done := s.streamDone
	s.streamMu.Unlock()

	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	s.streamMu.Lock()
	defer s.streamMu.Unlock()
	err := s.streamErr
	s.streamErr = nil
	return err
}

// cancelStreamLocked cancels the active stream. Caller holds s.streamMu.
func (s *Synthesizer) cancelStreamLocked() {
	if s.streamCancel != nil {
		s.streamCancel()
		s.streamCancel = nil
	}
}

// streamSpeak performs one synthesis request and feeds the response body to
// the sink chunk by chunk.
func (s *Synthesizer) streamSpeak(ctx context.Context, ssml string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, strings.NewReader(ssml))
	if err != nil {
		return fmt.Errorf("ttscloud: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/ssml+xml")
	req.Header.Set("X-Output-Format", outputFormat(s.sampleRate))

	auth, err := s.authHeader()
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", auth)

	resp, err := s.http.Do(req)
	if err != nil {
		return fmt.Errorf("ttscloud: speak: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ttscloud: speak: status %d", resp.StatusCode)
	}

	buf := make([]byte, streamChunkSize)
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			if serr := s.sink(chunk); serr != nil {
				return fmt.Errorf("ttscloud: deliver chunk: %w", serr)
			}
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				return nil
			}
			return fmt.Errorf("ttscloud: read audio: %w", rerr)
		}
	}
}
