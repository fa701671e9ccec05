// Package mock provides a test double for the tts.Synthesizer interface.
package mock

import (
	"context"
	"sync"

	"github.com/xymz/voicegate/pkg/provider/tts"
)

// Call records a single invocation of SynthesizeToPCM.
type Call struct {
	Text  string
	Voice tts.Voice
}

// Synthesizer is a mock tts.Synthesizer. By default it returns a PCM buffer
// whose length is proportional to the input text, so pacer tests get
// predictable frame counts.
type Synthesizer struct {
	mu sync.Mutex

	// PCM, if non-nil, is returned verbatim from SynthesizeToPCM.
	PCM []byte

	// Err, if non-nil, is returned from SynthesizeToPCM.
	Err error

	// Rate is returned by SampleRate. Zero defaults to 16000.
	Rate int

	// BytesPerRune scales the synthetic buffer when PCM is nil. Zero
	// defaults to 32.
	BytesPerRune int

	// Calls records every invocation in order.
	Calls []Call

	// StartErr, if non-nil, is returned from StartSpeakingText.
	StartErr error

	// StopErr, if non-nil, is returned from StopSpeaking.
	StopErr error

	// Started records every StartSpeakingText invocation in order.
	Started []Call

	// Stops counts StopSpeaking invocations.
	Stops int
}

var (
	_ tts.Synthesizer          = (*Synthesizer)(nil)
	_ tts.StreamingSynthesizer = (*Synthesizer)(nil)
)

// SynthesizeToPCM implements tts.Synthesizer.
func (s *Synthesizer) SynthesizeToPCM(_ context.Context, text string, voice tts.Voice) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Calls = append(s.Calls, Call{Text: text, Voice: voice})
	if s.Err != nil {
		return nil, s.Err
	}
	if s.PCM != nil {
		buf := make([]byte, len(s.PCM))
		copy(buf, s.PCM)
		return buf, nil
	}
	per := s.BytesPerRune
	if per == 0 {
		per = 32
	}
	return make([]byte, len([]rune(text))*per), nil
}

// SampleRate implements tts.Synthesizer.
func (s *Synthesizer) SampleRate() int {
	if s.Rate == 0 {
		return 16000
	}
	return s.Rate
}

// StartSpeakingText implements tts.StreamingSynthesizer. It records the call
// and returns StartErr; a failed start leaves Started untouched, matching the
// no-audio-on-failure contract.
func (s *Synthesizer) StartSpeakingText(_ context.Context, text string, voice tts.Voice) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.StartErr != nil {
		return s.StartErr
	}
	s.Started = append(s.Started, Call{Text: text, Voice: voice})
	return nil
}

// StopSpeaking implements tts.StreamingSynthesizer.
func (s *Synthesizer) StopSpeaking(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Stops++
	return s.StopErr
}

// StartedTexts returns the texts passed to StartSpeakingText in call order.
func (s *Synthesizer) StartedTexts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.Started))
	for i, c := range s.Started {
		out[i] = c.Text
	}
	return out
}

// Texts returns the synthesized texts in call order.
func (s *Synthesizer) Texts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.Calls))
	for i, c := range s.Calls {
		out[i] = c.Text
	}
	return out
}
