package callcontrol

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/xymz/voicegate/internal/session"
)

// Validation lifecycle states, stored under the session's validation_state
// context key.
const (
	ValidationAwaitingPromptPlay = "awaiting_prompt_play"
	ValidationCollectingDigits   = "collecting_digits"
	ValidationValidated          = "validated"
	ValidationFailed             = "failed"
)

// Context keys for the per-call validation buffer and attempt counter. They
// live in the owning session's context so no state can leak across calls.
const (
	keyValidationBuffer   = "validation.buffer"
	keyValidationAttempts = "validation.attempts"
)

// toneDigits maps the provider's tone names onto the characters callers
// dialed.
var toneDigits = map[string]string{
	"zero": "0", "one": "1", "two": "2", "three": "3", "four": "4",
	"five": "5", "six": "6", "seven": "7", "eight": "8", "nine": "9",
	"pound": "#", "asterisk": "*",
}

// ValidatorConfig configures a DTMF Validator.
type ValidatorConfig struct {
	// Expected is the digit sequence that validates the call.
	Expected string

	// MaxAttempts is how many failed sequences are tolerated before the call
	// is hung up. Default: 3.
	MaxAttempts int

	// Prompt is spoken when collection starts and after a failed attempt.
	Prompt string

	// FailurePrompt is spoken after a failed attempt before re-prompting.
	FailurePrompt string
}

func (c ValidatorConfig) withDefaults() ValidatorConfig {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.Prompt == "" {
		c.Prompt = "Please enter your access code on the keypad."
	}
	if c.FailurePrompt == "" {
		c.FailurePrompt = "That code was not recognized. Let's try again."
	}
	return c
}

// Validator gates the dialog behind a verified digit sequence. All state
// lives in the session store under the call's own id, so concurrent calls
// validate independently.
type Validator struct {
	cfg    ValidatorConfig
	store  session.Store
	client Client
	log    *slog.Logger

	// onValidated fires once when the sequence matches, before the state is
	// persisted as validated.
	onValidated func(ctx context.Context, callID string)
}

// NewValidator creates a Validator. onValidated may be nil.
func NewValidator(cfg ValidatorConfig, store session.Store, client Client, onValidated func(ctx context.Context, callID string), log *slog.Logger) *Validator {
	if log == nil {
		log = slog.Default()
	}
	return &Validator{
		cfg:         cfg.withDefaults(),
		store:       store,
		client:      client,
		log:         log,
		onValidated: onValidated,
	}
}

// Begin initializes validation for a freshly connected call: resets buffer
// and attempt counter, starts tone recognition and plays the prompt.
func (v *Validator) Begin(ctx context.Context, callID string) error {
	if err := v.setState(ctx, callID, ValidationAwaitingPromptPlay); err != nil {
		return err
	}
	if err := v.store.SetContextKey(ctx, callID, keyValidationBuffer, ""); err != nil {
		return fmt.Errorf("callcontrol: reset validation buffer: %w", err)
	}
	if err := v.store.SetContextKey(ctx, callID, keyValidationAttempts, 0); err != nil {
		return fmt.Errorf("callcontrol: reset validation attempts: %w", err)
	}
	if err := v.client.StartContinuousDTMF(ctx, callID); err != nil {
		return err
	}
	return v.client.PlayText(ctx, callID, v.cfg.Prompt)
}

// PromptPlayed moves the lifecycle into digit collection once the prompt has
// finished playing. A prompt completion in any other state is ignored.
func (v *Validator) PromptPlayed(ctx context.Context, callID string) error {
	state, err := v.State(ctx, callID)
	if err != nil {
		return err
	}
	if state != ValidationAwaitingPromptPlay {
		return nil
	}
	return v.setState(ctx, callID, ValidationCollectingDigits)
}

// HandleTone feeds one received tone into the lifecycle. Tones outside the
// collecting state are dropped.
func (v *Validator) HandleTone(ctx context.Context, callID, tone string) error {
	digit, ok := toneDigits[strings.ToLower(tone)]
	if !ok {
		digit = tone
	}

	state, err := v.State(ctx, callID)
	if err != nil {
		return err
	}
	if state != ValidationCollectingDigits {
		v.log.Debug("tone ignored outside collection",
			"call_id", callID, "state", state)
		return nil
	}

	buffer, err := v.buffer(ctx, callID)
	if err != nil {
		return err
	}
	buffer += digit
	if err := v.store.SetContextKey(ctx, callID, keyValidationBuffer, buffer); err != nil {
		return fmt.Errorf("callcontrol: store validation buffer: %w", err)
	}

	switch {
	case buffer == v.cfg.Expected:
		return v.validated(ctx, callID)
	case !strings.HasPrefix(v.cfg.Expected, buffer) || len(buffer) >= len(v.cfg.Expected):
		return v.failedAttempt(ctx, callID)
	default:
		return nil
	}
}

// State reads the current validation state. A missing key reports the
// initial state.
func (v *Validator) State(ctx context.Context, callID string) (string, error) {
	value, ok, err := v.store.GetContextKey(ctx, callID, session.KeyValidationState)
	if err != nil {
		return "", fmt.Errorf("callcontrol: read validation state: %w", err)
	}
	if !ok {
		return ValidationAwaitingPromptPlay, nil
	}
	s, _ := value.(string)
	return s, nil
}

func (v *Validator) setState(ctx context.Context, callID, state string) error {
	if err := v.store.SetContextKey(ctx, callID, session.KeyValidationState, state); err != nil {
		return fmt.Errorf("callcontrol: store validation state: %w", err)
	}
	return nil
}

func (v *Validator) buffer(ctx context.Context, callID string) (string, error) {
	value, ok, err := v.store.GetContextKey(ctx, callID, keyValidationBuffer)
	if err != nil {
		return "", fmt.Errorf("callcontrol: read validation buffer: %w", err)
	}
	if !ok {
		return "", nil
	}
	s, _ := value.(string)
	return s, nil
}

func (v *Validator) attempts(ctx context.Context, callID string) (int, error) {
	value, ok, err := v.store.GetContextKey(ctx, callID, keyValidationAttempts)
	if err != nil {
		return 0, fmt.Errorf("callcontrol: read validation attempts: %w", err)
	}
	if !ok {
		return 0, nil
	}
	switch n := value.(type) {
	case int:
		return n, nil
	case float64:
		return int(n), nil
	}
	return 0, nil
}

func (v *Validator) validated(ctx context.Context, callID string) error {
	v.log.Info("dtmf sequence validated", "call_id", callID)
	if v.onValidated != nil {
		v.onValidated(ctx, callID)
	}
	return v.setState(ctx, callID, ValidationValidated)
}

// failedAttempt resets the buffer for another try or, once attempts are
// exhausted, marks the call failed and hangs it up.
func (v *Validator) failedAttempt(ctx context.Context, callID string) error {
	attempts, err := v.attempts(ctx, callID)
	if err != nil {
		return err
	}
	attempts++
	if err := v.store.SetContextKey(ctx, callID, keyValidationAttempts, attempts); err != nil {
		return fmt.Errorf("callcontrol: store validation attempts: %w", err)
	}

	if attempts >= v.cfg.MaxAttempts {
		v.log.Warn("dtmf validation exhausted, disconnecting",
			"call_id", callID, "attempts", attempts)
		if err := v.setState(ctx, callID, ValidationFailed); err != nil {
			return err
		}
		return v.client.HangUp(ctx, callID)
	}

	v.log.Info("dtmf sequence mismatch, re-prompting",
		"call_id", callID, "attempt", attempts)
	if err := v.store.SetContextKey(ctx, callID, keyValidationBuffer, ""); err != nil {
		return fmt.Errorf("callcontrol: reset validation buffer: %w", err)
	}
	if err := v.setState(ctx, callID, ValidationAwaitingPromptPlay); err != nil {
		return err
	}
	if err := v.client.PlayText(ctx, callID, v.cfg.FailurePrompt+" "+v.cfg.Prompt); err != nil {
		return err
	}
	return nil
}
