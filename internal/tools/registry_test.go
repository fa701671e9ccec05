package tools

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/xymz/voicegate/pkg/provider/llm"
)

func testRegistry(t *testing.T) *Registry {
	t.Helper()
	r := NewRegistry()
	if err := RegisterBuiltins(r); err != nil {
		t.Fatalf("RegisterBuiltins: %v", err)
	}
	r.Seal()
	return r
}

func TestBuiltinCatalog(t *testing.T) {
	t.Parallel()

	r := testRegistry(t)
	want := []string{
		"authenticate_user",
		"schedule_appointment",
		"refill_prescription",
		"medication_info",
		"check_prior_auth",
		"escalate_emergency",
		"handoff",
	}
	defs := r.Definitions()
	if len(defs) != len(want) {
		t.Fatalf("catalog size = %d, want %d", len(defs), len(want))
	}
	for i, name := range want {
		if defs[i].Name != name {
			t.Errorf("catalog[%d] = %q, want %q", i, defs[i].Name, name)
		}
		if defs[i].Description == "" {
			t.Errorf("%s has no description", name)
		}
	}
}

func TestAuthenticateUser(t *testing.T) {
	t.Parallel()

	r := testRegistry(t)
	ctx := context.Background()

	tests := []struct {
		name     string
		args     string
		wantAuth bool
	}{
		{
			name:     "known member",
			args:     `{"first_name":"Alice","last_name":"Brown","ssn_last_four":"1234"}`,
			wantAuth: true,
		},
		{
			name:     "case insensitive name",
			args:     `{"first_name":"alice","last_name":"BROWN"}`,
			wantAuth: true,
		},
		{
			name:     "wrong ssn",
			args:     `{"first_name":"Alice","last_name":"Brown","ssn_last_four":"0000"}`,
			wantAuth: false,
		},
		{
			name:     "unknown member",
			args:     `{"first_name":"Eve","last_name":"Nobody"}`,
			wantAuth: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			raw, err := r.Execute(ctx, "authenticate_user", tt.args)
			if err != nil {
				t.Fatalf("Execute: %v", err)
			}
			var result struct {
				Authenticated bool   `json:"authenticated"`
				CallerName    string `json:"caller_name"`
				PolicyID      string `json:"policy_id"`
			}
			if err := json.Unmarshal([]byte(raw), &result); err != nil {
				t.Fatalf("result not json: %v", err)
			}
			if result.Authenticated != tt.wantAuth {
				t.Errorf("authenticated = %v, want %v", result.Authenticated, tt.wantAuth)
			}
			if tt.wantAuth && result.PolicyID != "P-001" {
				t.Errorf("policy_id = %q, want P-001", result.PolicyID)
			}
		})
	}
}

func TestExecuteValidatesSchema(t *testing.T) {
	t.Parallel()

	r := testRegistry(t)
	ctx := context.Background()

	// Missing required fields.
	if _, err := r.Execute(ctx, "authenticate_user", `{"first_name":"Alice"}`); err == nil {
		t.Fatal("missing last_name must fail validation")
	}
	// Pattern violation.
	if _, err := r.Execute(ctx, "authenticate_user", `{"first_name":"Alice","last_name":"Brown","ssn_last_four":"12"}`); err == nil {
		t.Fatal("short ssn must fail validation")
	}
	// Malformed JSON.
	if _, err := r.Execute(ctx, "authenticate_user", `{"first_name":`); err == nil {
		t.Fatal("malformed arguments must fail")
	}
}

func TestExecuteUnknownTool(t *testing.T) {
	t.Parallel()

	r := testRegistry(t)
	_, err := r.Execute(context.Background(), "no_such_tool", `{}`)
	if !errors.Is(err, ErrUnknownTool) {
		t.Fatalf("error = %v, want ErrUnknownTool", err)
	}
}

func TestCheckPriorAuth(t *testing.T) {
	t.Parallel()

	r := testRegistry(t)
	ctx := context.Background()

	raw, err := r.Execute(ctx, "check_prior_auth", `{"policy_id":"P-001","procedure":"MRI lower back"}`)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !strings.Contains(raw, `"claim_success":true`) {
		t.Errorf("approved procedure result = %s", raw)
	}

	raw, err = r.Execute(ctx, "check_prior_auth", `{"policy_id":"P-001","procedure":"experimental gene therapy"}`)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !strings.Contains(raw, `"claim_success":false`) {
		t.Errorf("denied procedure result = %s", raw)
	}
}

func TestExecuteTimeout(t *testing.T) {
	t.Parallel()

	r := NewRegistry(WithTimeout(20 * time.Millisecond))
	err := r.Register(Tool{
		Definition: llm.ToolDefinition{Name: "slow", Description: "sleeps"},
		Handler: func(ctx context.Context, _ map[string]any) (any, error) {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Second):
				return "done", nil
			}
		},
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	_, err = r.Execute(context.Background(), "slow", `{}`)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("error = %v, want deadline exceeded", err)
	}
}

func TestSealedRegistryRejectsRegister(t *testing.T) {
	t.Parallel()

	r := testRegistry(t)
	err := r.Register(Tool{
		Definition: llm.ToolDefinition{Name: "late"},
		Handler:    func(context.Context, map[string]any) (any, error) { return nil, nil },
	})
	if err == nil {
		t.Fatal("sealed registry must reject registration")
	}
}
