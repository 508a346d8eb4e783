// Package tools holds the functions the voice model may call mid-conversation.
//
// Tools are registered once at startup. After that the Registry is read-only
// and Invoke may be called concurrently from any number of call sessions.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/jsonschema-go/jsonschema"
)

// Failure codes carried back to the model in place of a tool output.
const (
	CodeUnknownTool      = "unknown_tool"
	CodeInvalidArguments = "invalid_arguments"
	CodeExecutionFailed  = "execution_failed"
)

// Executor runs a tool with already-validated JSON arguments.
type Executor func(ctx context.Context, args json.RawMessage) (json.RawMessage, error)

// Descriptor declares one tool.
type Descriptor struct {
	Name        string
	Description string
	Schema      *jsonschema.Schema
	Execute     Executor
}

// Declaration is what gets advertised to the model for a tool.
type Declaration struct {
	Name        string
	Description string
	Parameters  *jsonschema.Schema
}

// Failure describes why an invocation produced no output.
type Failure struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Result is the outcome of Invoke. Exactly one of Output and Failure is set.
type Result struct {
	Output  json.RawMessage
	Failure *Failure
}

func (r Result) OK() bool { return r.Failure == nil }

// Payload renders the result as the JSON text sent back to the model.
func (r Result) Payload() string {
	if r.Failure == nil {
		return string(r.Output)
	}
	b, err := json.Marshal(map[string]*Failure{"error": r.Failure})
	if err != nil {
		return `{"error":{"code":"` + r.Failure.Code + `"}}`
	}
	return string(b)
}

// Outcome is a short label for metrics and audit records.
func (r Result) Outcome() string {
	if r.Failure == nil {
		return "ok"
	}
	return r.Failure.Code
}

type entry struct {
	desc     Descriptor
	resolved *jsonschema.Resolved
}

// Registry stores tools keyed by name.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]entry
}

func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]entry)}
}

// Register adds a tool. Names are unique.
func (r *Registry) Register(d Descriptor) error {
	if strings.TrimSpace(d.Name) == "" {
		return errors.New("tool name is required")
	}
	if d.Execute == nil {
		return fmt.Errorf("tool %s: executor is required", d.Name)
	}
	if d.Schema == nil {
		d.Schema = &jsonschema.Schema{Type: "object"}
	}
	resolved, err := d.Schema.Resolve(nil)
	if err != nil {
		return fmt.Errorf("tool %s: resolve schema: %w", d.Name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[d.Name]; exists {
		return fmt.Errorf("tool %s already registered", d.Name)
	}
	r.tools[d.Name] = entry{desc: d, resolved: resolved}
	return nil
}

// MustRegister is Register for startup wiring; it panics on error.
func (r *Registry) MustRegister(d Descriptor) {
	if err := r.Register(d); err != nil {
		panic(err)
	}
}

func (r *Registry) Lookup(name string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.tools[name]
	return e.desc, ok
}

// Declarations lists every tool sorted by name.
func (r *Registry) Declarations() []Declaration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Declaration, 0, len(r.tools))
	for _, e := range r.tools {
		out = append(out, Declaration{
			Name:        e.desc.Name,
			Description: e.desc.Description,
			Parameters:  e.desc.Schema,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Invoke validates rawArguments against the tool schema and runs the tool.
// It never returns an error: every problem is reported as a Failure so the
// caller can still answer the model.
func (r *Registry) Invoke(ctx context.Context, name, rawArguments string) Result {
	r.mu.RLock()
	e, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return failed(CodeUnknownTool, fmt.Sprintf("no tool named %q", name))
	}

	args := strings.TrimSpace(rawArguments)
	if args == "" {
		args = "{}"
	}
	var instance any
	if err := json.Unmarshal([]byte(args), &instance); err != nil {
		return failed(CodeInvalidArguments, "arguments are not valid JSON: "+err.Error())
	}
	if err := e.resolved.Validate(instance); err != nil {
		return failed(CodeInvalidArguments, err.Error())
	}

	out, err := execute(ctx, e.desc.Execute, json.RawMessage(args))
	if err != nil {
		return failed(CodeExecutionFailed, err.Error())
	}
	return Result{Output: out}
}

func execute(ctx context.Context, fn Executor, args json.RawMessage) (out json.RawMessage, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("tool panicked: %v", p)
		}
	}()
	out, err = fn(ctx, args)
	if err == nil && len(out) == 0 {
		out = json.RawMessage("null")
	}
	return out, err
}

func failed(code, msg string) Result {
	return Result{Failure: &Failure{Code: code, Message: msg}}
}
