package callcontrol

import (
	"context"
	"fmt"

	"github.com/xymz/voicegate/internal/hub"
	"github.com/xymz/voicegate/internal/resilience"
	"github.com/xymz/voicegate/internal/session"
)

// RegisterDefaults wires the standard handler set onto p: call lifecycle,
// DTMF validation, play tracking and transcription recovery. The validator
// and retry may be shared across calls; both keep all per-call state in the
// session store.
func RegisterDefaults(p *Processor, validator *Validator, retry *resilience.Retry) {
	p.Register(EventCallConnected, handleConnected(validator))
	p.Register(EventCallDisconnected, handleDisconnected)
	p.Register(EventParticipantsUpdate, handleParticipantsUpdated)
	p.Register(EventDTMFToneReceived, handleToneReceived(validator))
	p.Register(EventDTMFToneFailed, handleFailure("dtmf recognition failed"))
	p.Register(EventDTMFStopped, handleNoop)
	p.Register(EventPlayCompleted, handlePlayCompleted(validator))
	p.Register(EventPlayFailed, handlePlayFailed)
	p.Register(EventPlayCanceled, handleNoop)
	p.Register(EventRecognizeCompleted, handleNoop)
	p.Register(EventRecognizeFailed, handleFailure("recognize failed"))
	p.Register(EventRecognizeCanceled, handleNoop)
	p.Register(EventCreateCallFailed, handleFailure("create call failed"))
	p.Register(EventAnswerFailed, handleFailure("answer call failed"))
	p.Register(EventTranscriptionFailed, handleTranscriptionFailed(retry))
}

func handleConnected(validator *Validator) Handler {
	return func(ctx context.Context, ec *EventContext) error {
		if err := ec.Store.SetContextKey(ctx, ec.CallID, session.KeyCallActive, true); err != nil {
			return fmt.Errorf("callcontrol: mark call active: %w", err)
		}
		ec.Hub.Broadcast(ctx, "Call connected: "+ec.CallID, hub.SenderSystem)
		if err := validator.Begin(ctx, ec.CallID); err != nil {
			return fmt.Errorf("callcontrol: begin validation: %w", err)
		}
		return nil
	}
}

func handleDisconnected(ctx context.Context, ec *EventContext) error {
	if err := ec.Store.SetContextKey(ctx, ec.CallID, session.KeyCallActive, false); err != nil {
		return fmt.Errorf("callcontrol: mark call inactive: %w", err)
	}
	ec.Hub.Broadcast(ctx, "Call disconnected: "+ec.CallID, hub.SenderSystem)
	ec.Log.Info("call disconnected")
	return nil
}

func handleParticipantsUpdated(ctx context.Context, ec *EventContext) error {
	return ec.Store.SetContextKey(ctx, ec.CallID, "participant_joined", true)
}

func handleToneReceived(validator *Validator) Handler {
	return func(ctx context.Context, ec *EventContext) error {
		ec.Log.Debug("tone received", "sequence_id", ec.Event.Data.SequenceID)
		return validator.HandleTone(ctx, ec.CallID, ec.Event.Data.Tone)
	}
}

// handlePlayCompleted clears the speaking flag and, during validation,
// advances the lifecycle into digit collection.
func handlePlayCompleted(validator *Validator) Handler {
	return func(ctx context.Context, ec *EventContext) error {
		if err := ec.Store.SetContextKey(ctx, ec.CallID, session.KeyBotSpeaking, false); err != nil {
			return fmt.Errorf("callcontrol: clear speaking flag: %w", err)
		}
		return validator.PromptPlayed(ctx, ec.CallID)
	}
}

func handlePlayFailed(ctx context.Context, ec *EventContext) error {
	if err := ec.Store.SetContextKey(ctx, ec.CallID, session.KeyBotSpeaking, false); err != nil {
		return fmt.Errorf("callcontrol: clear speaking flag: %w", err)
	}
	logResultInformation(ec, "play failed")
	return nil
}

// handleTranscriptionFailed restarts the media stream when the provider
// reports the transcription transport dropped. Other subcodes only log.
func handleTranscriptionFailed(retry *resilience.Retry) Handler {
	return func(ctx context.Context, ec *EventContext) error {
		info := ec.Event.Data.ResultInformation
		if info == nil || info.SubCode != SubcodeTranscriptionLost {
			logResultInformation(ec, "transcription failed")
			return nil
		}
		ec.Log.Warn("transcription stream lost, restarting", "sub_code", info.SubCode)
		err := retry.Do(ctx, func(ctx context.Context) error {
			return ec.Client.StartTranscription(ctx, ec.CallID)
		})
		if err != nil {
			return fmt.Errorf("callcontrol: restart transcription: %w", err)
		}
		return nil
	}
}

func handleFailure(msg string) Handler {
	return func(_ context.Context, ec *EventContext) error {
		logResultInformation(ec, msg)
		return nil
	}
}

func handleNoop(context.Context, *EventContext) error { return nil }

func logResultInformation(ec *EventContext, msg string) {
	if info := ec.Event.Data.ResultInformation; info != nil {
		ec.Log.Error(msg,
			"code", info.Code,
			"sub_code", info.SubCode,
			"message", info.Message)
		return
	}
	ec.Log.Error(msg)
}
