// Package stt defines the Recognizer interface for streaming Speech-to-Text
// backends.
//
// A recognizer wraps a real-time transcription service. One recognizer serves
// exactly one call: it accepts raw PCM frames through WriteBytes and reports
// hypotheses to a caller-supplied Sink. Partial hypotheses drive barge-in
// detection; finals commit a user turn.
//
// Recognition results are delivered on the provider's network goroutine, so
// Sink implementations must hand off to their own goroutine rather than mutate
// shared state directly.
package stt

import (
	"context"
	"time"
)

// Config describes the audio format and recognition settings for one session.
type Config struct {
	// Languages is the candidate language list in priority order, BCP-47 tags
	// (e.g. "en-US", "es-ES"). The service auto-detects among them.
	Languages []string

	// SampleRate is the inbound audio sample rate in Hz (16-bit mono PCM).
	SampleRate int

	// SilenceTimeout is how long the recognizer waits after speech stops
	// before emitting a final. Shorter values feel snappier but split
	// utterances more aggressively.
	SilenceTimeout time.Duration
}

// Sink receives recognition events for one session. Methods are invoked from
// the recognizer's read goroutine; implementations must not block for long.
type Sink interface {
	// OnPartial delivers an interim hypothesis. The text is unstable and must
	// not be committed to the conversation history.
	OnPartial(text, language string)

	// OnFinal delivers a committed recognition result that closes a user
	// utterance.
	OnFinal(text, language string)

	// OnCancel reports that the service aborted recognition. reason carries
	// the service's error detail, including the numeric subcode when present.
	OnCancel(reason string)
}

// Recognizer is one live streaming transcription session.
//
// WriteBytes and Stop must be safe for concurrent use. Stop is idempotent.
type Recognizer interface {
	// Start opens the connection to the service and begins recognition.
	// Events flow to the Sink until Stop is called or the service cancels.
	Start(ctx context.Context) error

	// WriteBytes delivers a chunk of raw PCM audio. Chunks written before
	// Start or after Stop are dropped with an error.
	WriteBytes(chunk []byte) error

	// Stop flushes pending audio, tears down the connection and releases all
	// resources. No Sink methods are invoked after Stop returns.
	Stop() error
}

// Factory creates one Recognizer per call session. The sink receives that
// session's events exclusively.
type Factory interface {
	NewRecognizer(cfg Config, sink Sink) (Recognizer, error)
}
