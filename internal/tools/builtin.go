package tools

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/xymz/voicegate/pkg/provider/llm"
)

// patient is one record in the demo member directory backing the built-in
// tools. Production deployments replace the handlers with calls into the real
// member system; the definitions stay the same.
type patient struct {
	FirstName   string
	LastName    string
	SSNLastFour string
	PolicyID    string
	DateOfBirth string
}

var memberDirectory = []patient{
	{FirstName: "Alice", LastName: "Brown", SSNLastFour: "1234", PolicyID: "P-001", DateOfBirth: "1986-04-12"},
	{FirstName: "Bob", LastName: "Stone", SSNLastFour: "5678", PolicyID: "P-002", DateOfBirth: "1979-11-03"},
	{FirstName: "Carla", LastName: "Mendez", SSNLastFour: "9012", PolicyID: "P-003", DateOfBirth: "1992-07-21"},
}

var medicationFacts = map[string]string{
	"metformin":    "Metformin is taken with meals to reduce stomach upset. Common side effects include nausea and diarrhea.",
	"lisinopril":   "Lisinopril is usually taken once daily. Report persistent dry cough or swelling to your provider.",
	"atorvastatin": "Atorvastatin is taken in the evening. Avoid grapefruit juice while on this medication.",
}

// RegisterBuiltins installs the full healthcare intake tool set.
func RegisterBuiltins(r *Registry) error {
	builtins := []Tool{
		authenticateUserTool(),
		scheduleAppointmentTool(),
		refillPrescriptionTool(),
		medicationInfoTool(),
		checkPriorAuthTool(),
		escalateEmergencyTool(),
		handoffTool(),
	}
	for _, t := range builtins {
		if err := r.Register(t); err != nil {
			return fmt.Errorf("tools: register builtins: %w", err)
		}
	}
	return nil
}

func stringArg(args map[string]any, key string) string {
	v, _ := args[key].(string)
	return v
}

func authenticateUserTool() Tool {
	return Tool{
		Definition: llm.ToolDefinition{
			Name:        "authenticate_user",
			Description: "Verify the caller's identity against the member directory. Call once you have collected first name, last name and the last four digits of their SSN.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"first_name":    map[string]any{"type": "string"},
					"last_name":     map[string]any{"type": "string"},
					"ssn_last_four": map[string]any{"type": "string", "pattern": "^[0-9]{4}$"},
				},
				"required": []any{"first_name", "last_name"},
			},
		},
		Handler: func(_ context.Context, args map[string]any) (any, error) {
			first := stringArg(args, "first_name")
			last := stringArg(args, "last_name")
			ssn := stringArg(args, "ssn_last_four")
			for _, p := range memberDirectory {
				if !strings.EqualFold(p.FirstName, first) || !strings.EqualFold(p.LastName, last) {
					continue
				}
				if ssn != "" && ssn != p.SSNLastFour {
					continue
				}
				return map[string]any{
					"authenticated": true,
					"caller_name":   p.FirstName + " " + p.LastName,
					"policy_id":     p.PolicyID,
				}, nil
			}
			return map[string]any{
				"authenticated": false,
				"reason":        "no matching member record",
			}, nil
		},
	}
}

func scheduleAppointmentTool() Tool {
	return Tool{
		Definition: llm.ToolDefinition{
			Name:        "schedule_appointment",
			Description: "Book an appointment with a provider. Requires a date (YYYY-MM-DD) and a reason for the visit.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"date":     map[string]any{"type": "string"},
					"time":     map[string]any{"type": "string"},
					"reason":   map[string]any{"type": "string"},
					"provider": map[string]any{"type": "string"},
				},
				"required": []any{"date", "reason"},
			},
		},
		Handler: func(_ context.Context, args map[string]any) (any, error) {
			date := stringArg(args, "date")
			if _, err := time.Parse("2006-01-02", date); err != nil {
				return nil, fmt.Errorf("invalid date %q, expected YYYY-MM-DD", date)
			}
			return map[string]any{
				"confirmation_id": "APPT-" + uuid.NewString()[:8],
				"date":            date,
				"time":            stringArg(args, "time"),
				"status":          "booked",
			}, nil
		},
	}
}

func refillPrescriptionTool() Tool {
	return Tool{
		Definition: llm.ToolDefinition{
			Name:        "refill_prescription",
			Description: "Request a refill for an existing prescription by medication name.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"medication": map[string]any{"type": "string"},
					"pharmacy":   map[string]any{"type": "string"},
				},
				"required": []any{"medication"},
			},
		},
		Handler: func(_ context.Context, args map[string]any) (any, error) {
			return map[string]any{
				"refill_id":  "RX-" + uuid.NewString()[:8],
				"medication": stringArg(args, "medication"),
				"status":     "submitted",
				"ready_in":   "2 business days",
			}, nil
		},
	}
}

func medicationInfoTool() Tool {
	return Tool{
		Definition: llm.ToolDefinition{
			Name:        "medication_info",
			Description: "Look up usage guidance and common side effects for a medication.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"medication": map[string]any{"type": "string"},
				},
				"required": []any{"medication"},
			},
		},
		Handler: func(_ context.Context, args map[string]any) (any, error) {
			med := strings.ToLower(stringArg(args, "medication"))
			if info, ok := medicationFacts[med]; ok {
				return map[string]any{"medication": med, "info": info}, nil
			}
			return map[string]any{
				"medication": med,
				"info":       "No information on file. Advise the caller to consult their pharmacist.",
			}, nil
		},
	}
}

func checkPriorAuthTool() Tool {
	return Tool{
		Definition: llm.ToolDefinition{
			Name:        "check_prior_auth",
			Description: "Evaluate whether a procedure is covered under the caller's policy and submit the claim when it is. Requires the policy id and a procedure description.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"policy_id": map[string]any{"type": "string"},
					"procedure": map[string]any{"type": "string"},
				},
				"required": []any{"policy_id", "procedure"},
			},
		},
		Handler: func(_ context.Context, args map[string]any) (any, error) {
			procedure := strings.ToLower(stringArg(args, "procedure"))
			// Experimental procedures are the only denial in the demo ruleset.
			if strings.Contains(procedure, "experimental") {
				return map[string]any{
					"approved":      false,
					"claim_success": false,
					"reason":        "procedure requires manual review",
				}, nil
			}
			return map[string]any{
				"approved":      true,
				"claim_success": true,
				"claim_id":      "CLM-" + uuid.NewString()[:8],
			}, nil
		},
	}
}

func escalateEmergencyTool() Tool {
	return Tool{
		Definition: llm.ToolDefinition{
			Name:        "escalate_emergency",
			Description: "Escalate immediately when the caller describes a medical emergency. Always call this before anything else if symptoms sound life-threatening.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"summary": map[string]any{"type": "string"},
				},
				"required": []any{"summary"},
			},
		},
		Handler: func(_ context.Context, args map[string]any) (any, error) {
			return map[string]any{
				"escalated": true,
				"guidance":  "Instruct the caller to hang up and dial 911 now.",
			}, nil
		},
	}
}

func handoffTool() Tool {
	return Tool{
		Definition: llm.ToolDefinition{
			Name:        "handoff",
			Description: "Transfer the conversation to a human agent when the caller asks for one or the request is out of scope.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"reason": map[string]any{"type": "string"},
				},
			},
		},
		Handler: func(_ context.Context, args map[string]any) (any, error) {
			return map[string]any{
				"handoff":  true,
				"reason":   stringArg(args, "reason"),
				"position": 1,
			}, nil
		},
	}
}
