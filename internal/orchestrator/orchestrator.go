// Package orchestrator routes user turns through the two-stage dialog: an
// authentication agent until the caller is verified, then the intake agent.
// Each agent keeps its own history and templated system prompt; state crosses
// agents only through the session context.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"text/template"

	"github.com/xymz/voicegate/internal/dialog"
	"github.com/xymz/voicegate/internal/session"
)

// Agent names, used as history keys.
const (
	AgentAuth   = "auth"
	AgentIntake = "intake"
)

// TurnResult reports state transitions triggered by one user turn.
type TurnResult struct {
	// Agent is the agent that handled the turn.
	Agent string

	// Promoted is true when this turn authenticated the caller.
	Promoted bool

	// IntakeCompleted is true when this turn completed the intake flow
	// (claim submitted); the controller emits the structured completion
	// event and lets the caller hang up.
	IntakeCompleted bool
}

// Option is a functional option for Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(o *Orchestrator) {
		o.log = log
	}
}

// WithPrompts overrides the agent system prompt templates. Templates render
// against promptData.
func WithPrompts(auth, intake string) Option {
	return func(o *Orchestrator) {
		o.authTmplText = auth
		o.intakeTmplText = intake
	}
}

// Orchestrator owns agent selection and prompt management for sessions.
// Safe for concurrent use; per-call state lives in the session.
type Orchestrator struct {
	consumer *dialog.Consumer
	log      *slog.Logger

	authTmplText   string
	intakeTmplText string
	authTmpl       *template.Template
	intakeTmpl     *template.Template
}

// New creates an Orchestrator over the given streaming consumer.
func New(consumer *dialog.Consumer, opts ...Option) (*Orchestrator, error) {
	if consumer == nil {
		return nil, fmt.Errorf("orchestrator: consumer must not be nil")
	}
	o := &Orchestrator{
		consumer:       consumer,
		log:            slog.Default(),
		authTmplText:   defaultAuthPrompt,
		intakeTmplText: defaultIntakePrompt,
	}
	for _, opt := range opts {
		opt(o)
	}

	var err error
	if o.authTmpl, err = template.New("auth").Parse(o.authTmplText); err != nil {
		return nil, fmt.Errorf("orchestrator: parse auth prompt: %w", err)
	}
	if o.intakeTmpl, err = template.New("intake").Parse(o.intakeTmplText); err != nil {
		return nil, fmt.Errorf("orchestrator: parse intake prompt: %w", err)
	}
	return o, nil
}

// promptData is the template context for system prompts.
type promptData struct {
	CallerName  string
	PolicyID    string
	CallerPhone string
	Slots       string
	ToolOutputs string
}

// HandleTurn commits the user turn to the active agent's history, ensures the
// agent's system prompt is current, and drives the streaming consumer. It
// returns the transitions the turn caused; the caller persists the session.
func (o *Orchestrator) HandleTurn(ctx context.Context, sess *session.Session, userText string, cancelled func() bool, ev dialog.Events) (TurnResult, error) {
	agent := AgentAuth
	if sess.ContextBool(session.KeyAuthenticated) {
		agent = AgentIntake
	}
	sess.ActiveAgent = agent

	prompt, err := o.renderPrompt(agent, sess)
	if err != nil {
		return TurnResult{}, err
	}
	sess.EnsureSystem(agent, prompt)
	sess.AppendUser(agent, userText)

	if err := o.consumer.Run(ctx, sess, agent, cancelled, ev); err != nil {
		return TurnResult{Agent: agent}, fmt.Errorf("orchestrator: %s turn: %w", agent, err)
	}

	result := TurnResult{Agent: agent}
	switch agent {
	case AgentAuth:
		result.Promoted = o.promoteIfAuthenticated(sess)
	case AgentIntake:
		result.IntakeCompleted = o.completeIfClaimed(sess)
	}
	return result, nil
}

// promoteIfAuthenticated inspects the last authenticate_user output and, on
// success, persists the verified identity into context and promotes the
// session to stage two.
func (o *Orchestrator) promoteIfAuthenticated(sess *session.Session) bool {
	out, ok := lastToolOutput(sess, "authenticate_user")
	if !ok {
		return false
	}
	var result struct {
		Authenticated bool   `json:"authenticated"`
		CallerName    string `json:"caller_name"`
		PolicyID      string `json:"policy_id"`
	}
	if err := json.Unmarshal([]byte(out), &result); err != nil {
		o.log.Warn("unparseable authenticate_user output", "session_id", sess.ID, "err", err)
		return false
	}
	if !result.Authenticated {
		return false
	}

	sess.Context[session.KeyAuthenticated] = true
	sess.Context[session.KeyCallerName] = result.CallerName
	sess.Context[session.KeyPolicyID] = result.PolicyID
	sess.ActiveAgent = AgentIntake
	o.log.Info("caller authenticated", "session_id", sess.ID, "caller_name", result.CallerName)
	return true
}

// completeIfClaimed checks whether a tool reported claim_success and marks
// intake completion exactly once.
func (o *Orchestrator) completeIfClaimed(sess *session.Session) bool {
	if sess.ContextBool(session.KeyIntakeCompleted) {
		return false
	}
	out, ok := lastToolOutput(sess, "check_prior_auth")
	if !ok {
		return false
	}
	var result struct {
		ClaimSuccess bool `json:"claim_success"`
	}
	if err := json.Unmarshal([]byte(out), &result); err != nil || !result.ClaimSuccess {
		return false
	}
	sess.Context[session.KeyIntakeCompleted] = true
	o.log.Info("intake completed", "session_id", sess.ID)
	return true
}

func lastToolOutput(sess *session.Session, tool string) (string, bool) {
	outputs, _ := sess.Context[session.KeyToolOutputs].(map[string]any)
	if outputs == nil {
		return "", false
	}
	raw, ok := outputs[tool].(string)
	return raw, ok
}

// renderPrompt templates the agent's system prompt with live context values.
func (o *Orchestrator) renderPrompt(agent string, sess *session.Session) (string, error) {
	data := promptData{
		CallerName:  sess.ContextString(session.KeyCallerName),
		PolicyID:    sess.ContextString(session.KeyPolicyID),
		CallerPhone: sess.ContextString(session.KeyCallerPhone),
		Slots:       contextJSON(sess, session.KeySlots),
		ToolOutputs: contextJSON(sess, session.KeyToolOutputs),
	}

	tmpl := o.authTmpl
	if agent == AgentIntake {
		tmpl = o.intakeTmpl
	}
	var b strings.Builder
	if err := tmpl.Execute(&b, data); err != nil {
		return "", fmt.Errorf("orchestrator: render %s prompt: %w", agent, err)
	}
	return b.String(), nil
}

func contextJSON(sess *session.Session, key string) string {
	v, ok := sess.Context[key]
	if !ok {
		return "{}"
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(raw)
}
