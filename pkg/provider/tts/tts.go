// Package tts defines the Synthesizer interface for Text-to-Speech backends.
//
// A synthesizer wraps a speech synthesis service and renders one sentence at a
// time into raw PCM suitable for the outbound audio pacer. The turn controller
// calls SynthesizeToPCM per committed sentence rather than per full reply,
// keeping first-audio latency low.
//
// Implementations must be safe for concurrent use.
package tts

import "context"

// Voice describes a synthesis voice and delivery settings.
type Voice struct {
	// Name is the provider voice identifier (e.g. "en-US-JennyNeural").
	Name string

	// Language is the BCP-47 tag the voice speaks. A synthesizer may pick a
	// sibling voice when a final transcript arrives in another language.
	Language string

	// Rate is a prosody rate adjustment such as "+5.00%". Empty means the
	// voice default.
	Rate string
}

// Synthesizer is the abstraction over any TTS backend.
type Synthesizer interface {
	// SynthesizeToPCM renders text into 16-bit mono PCM at the configured
	// sample rate. Returns the complete audio buffer; an empty buffer with a
	// nil error is valid for whitespace-only input.
	SynthesizeToPCM(ctx context.Context, text string, voice Voice) ([]byte, error)

	// SampleRate reports the PCM sample rate in Hz of buffers returned by
	// SynthesizeToPCM.
	SampleRate() int
}

// StreamingSynthesizer is the push-mode counterpart of Synthesizer: instead
// of returning a buffer, the backend delivers PCM straight to an output sink
// as it is rendered. Deployments with a local playback device use this mode
// to start audio before synthesis completes.
type StreamingSynthesizer interface {
	// StartSpeakingText begins rendering text and returns as soon as the
	// request is dispatched; audio reaches the sink asynchronously. Starting
	// a new utterance preempts one still in flight. When the synthesis
	// request fails, no audio reaches the sink.
	StartSpeakingText(ctx context.Context, text string, voice Voice) error

	// StopSpeaking cancels in-flight delivery. Calling it with nothing
	// playing is a no-op.
	StopSpeaking(ctx context.Context) error
}
