// Package tools implements the process-wide tool registry: named handlers
// with JSON-schema-validated parameters, invoked by the dialog layer when the
// model requests them.
//
// The registry is populated during startup and read-only afterwards, so
// lookups need no locking on the hot path.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/xymz/voicegate/pkg/provider/llm"
)

const defaultTimeout = 10 * time.Second

// Handler executes one tool call with already-validated arguments. The result
// must be JSON-serializable; returning an error produces an error tool-result
// for the model to explain to the caller.
type Handler func(ctx context.Context, args map[string]any) (any, error)

// Tool bundles a definition offered to the model with its handler.
type Tool struct {
	Definition llm.ToolDefinition
	Handler    Handler
}

type entry struct {
	tool   Tool
	schema *jsonschema.Schema
}

// Registry holds the registered tools. Construct with NewRegistry, Register
// everything during startup, then treat as immutable.
type Registry struct {
	sealed  bool
	entries map[string]*entry
	order   []string
	timeout time.Duration
}

// RegistryOption is a functional option for Registry.
type RegistryOption func(*Registry)

// WithTimeout bounds each handler invocation. Defaults to ten seconds.
func WithTimeout(d time.Duration) RegistryOption {
	return func(r *Registry) {
		r.timeout = d
	}
}

// NewRegistry creates an empty Registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		entries: map[string]*entry{},
		timeout: defaultTimeout,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Register adds a tool, compiling its parameter schema. Duplicate names and
// registration after Seal are errors.
func (r *Registry) Register(t Tool) error {
	if r.sealed {
		return fmt.Errorf("tools: registry is sealed")
	}
	name := t.Definition.Name
	if name == "" {
		return fmt.Errorf("tools: tool name must not be empty")
	}
	if t.Handler == nil {
		return fmt.Errorf("tools: tool %q has no handler", name)
	}
	if _, dup := r.entries[name]; dup {
		return fmt.Errorf("tools: tool %q already registered", name)
	}

	schema, err := compileSchema(name, t.Definition.Parameters)
	if err != nil {
		return fmt.Errorf("tools: tool %q schema: %w", name, err)
	}

	r.entries[name] = &entry{tool: t, schema: schema}
	r.order = append(r.order, name)
	return nil
}

// Seal marks the registry read-only. Further Register calls fail.
func (r *Registry) Seal() { r.sealed = true }

// Len reports the number of registered tools.
func (r *Registry) Len() int { return len(r.entries) }

// Definitions returns the tool catalog in registration order, for inclusion
// in completion requests.
func (r *Registry) Definitions() []llm.ToolDefinition {
	defs := make([]llm.ToolDefinition, 0, len(r.order))
	for _, name := range r.order {
		defs = append(defs, r.entries[name].tool.Definition)
	}
	return defs
}

// ErrUnknownTool wraps lookups of unregistered names.
var ErrUnknownTool = fmt.Errorf("tools: unknown tool")

// Execute parses and validates rawArgs against the tool's schema, then runs
// the handler under the registry timeout. The result is returned as a JSON
// string ready for a tool-result history entry.
func (r *Registry) Execute(ctx context.Context, name, rawArgs string) (string, error) {
	e, ok := r.entries[name]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownTool, name)
	}

	if rawArgs == "" {
		rawArgs = "{}"
	}
	parsed, err := jsonschema.UnmarshalJSON(strings.NewReader(rawArgs))
	if err != nil {
		return "", fmt.Errorf("tools: %s: parse arguments: %w", name, err)
	}
	if err := e.schema.Validate(parsed); err != nil {
		return "", fmt.Errorf("tools: %s: invalid arguments: %w", name, err)
	}

	args, _ := parsed.(map[string]any)
	if args == nil {
		args = map[string]any{}
	}

	callCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	result, err := e.tool.Handler(callCtx, args)
	if err != nil {
		return "", fmt.Errorf("tools: %s: %w", name, err)
	}

	switch v := result.(type) {
	case nil:
		return "null", nil
	case string:
		return v, nil
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return "", fmt.Errorf("tools: %s: encode result: %w", name, err)
		}
		return string(raw), nil
	}
}

// compileSchema turns the definition's parameter map into a compiled schema.
// A nil map accepts any object.
func compileSchema(name string, params map[string]any) (*jsonschema.Schema, error) {
	if params == nil {
		params = map[string]any{"type": "object"}
	}
	// Round-trip through JSON so the compiler sees plain decoded values.
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return nil, err
	}

	compiler := jsonschema.NewCompiler()
	url := "tool://" + name + "/params.json"
	if err := compiler.AddResource(url, doc); err != nil {
		return nil, err
	}
	return compiler.Compile(url)
}
