package health

import (
	"context"
	"errors"

	"github.com/xymz/voicegate/internal/session"
	"github.com/xymz/voicegate/internal/tools"
	"github.com/xymz/voicegate/pkg/provider/llm"
	"github.com/xymz/voicegate/pkg/provider/stt"
	"github.com/xymz/voicegate/pkg/provider/tts"
)

// CheckStore probes the session store's backing service.
func CheckStore(store session.Store) Checker {
	return Checker{
		Name: "store",
		Check: func(ctx context.Context) error {
			if store == nil {
				return errors.New("no session store configured")
			}
			return store.Ping(ctx)
		},
	}
}

// CheckTools verifies the tool registry holds at least one tool, since the
// orchestrator cannot authenticate callers without them.
func CheckTools(reg *tools.Registry) Checker {
	return Checker{
		Name: "tools",
		Check: func(context.Context) error {
			if reg == nil || reg.Len() == 0 {
				return errors.New("tool registry is empty")
			}
			return nil
		},
	}
}

// CheckLLM verifies an LLM provider is configured and supports streaming,
// which the sentence-bounded TTS pipeline requires.
func CheckLLM(p llm.Provider) Checker {
	return Checker{
		Name: "llm",
		Check: func(context.Context) error {
			if p == nil {
				return errors.New("no llm provider configured")
			}
			if !p.Capabilities().SupportsStreaming {
				return errors.New("llm provider does not support streaming")
			}
			return nil
		},
	}
}

// CheckSpeech verifies the speech adapters are configured.
func CheckSpeech(recognizers stt.Factory, synth tts.Synthesizer) Checker {
	return Checker{
		Name: "speech",
		Check: func(context.Context) error {
			if recognizers == nil {
				return errors.New("no speech recognizer factory configured")
			}
			if synth == nil {
				return errors.New("no speech synthesizer configured")
			}
			return nil
		},
	}
}
