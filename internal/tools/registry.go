package tools

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
)

// ErrToolNotFound is returned for a call to a tool that is not registered.
type ErrToolNotFound struct {
	Name string
}

func (e ErrToolNotFound) Error() string {
	return fmt.Sprintf("tool %q not found", e.Name)
}

// ErrToolExecution wraps a rejected or failed tool call.
type ErrToolExecution struct {
	Name string
	Err  error
}

func (e ErrToolExecution) Error() string {
	return fmt.Sprintf("tool %q execution failed: %v", e.Name, e.Err)
}

func (e ErrToolExecution) Unwrap() error {
	return e.Err
}

// ToolRegistry dispatches calls by tool name.
type ToolRegistry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates an empty registry.
func NewRegistry() *ToolRegistry {
	return &ToolRegistry{tools: make(map[string]Tool)}
}

// Register adds t. Names must be unique.
func (r *ToolRegistry) Register(t Tool) error {
	if t == nil || t.Name() == "" {
		return fmt.Errorf("tools: cannot register a tool without a name")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Name()]; exists {
		return fmt.Errorf("tools: %q is already registered", t.Name())
	}
	r.tools[t.Name()] = t
	return nil
}

// MustRegister is Register for wiring code that cannot continue on error.
func (r *ToolRegistry) MustRegister(t Tool) {
	if err := r.Register(t); err != nil {
		panic(err)
	}
}

// Get returns the named tool, or nil.
func (r *ToolRegistry) Get(name string) Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools[name]
}

// Execute validates params against the tool's schema and runs it.
func (r *ToolRegistry) Execute(ctx context.Context, name string, params Params) (string, error) {
	tool := r.Get(name)
	if tool == nil {
		return "", ErrToolNotFound{Name: name}
	}

	if errs := tool.Schema().Validate(params); len(errs) > 0 {
		return "", ErrToolExecution{Name: name, Err: fmt.Errorf("invalid parameters: %v", errs)}
	}

	result, err := tool.Execute(ctx, params)
	if err != nil {
		return "", ErrToolExecution{Name: name, Err: err}
	}
	return result, nil
}

// Definitions describes every registered tool, sorted by name.
func (r *ToolRegistry) Definitions() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make([]Definition, 0, len(r.tools))
	for _, t := range r.tools {
		defs = append(defs, DefinitionOf(t))
	}
	slices.SortFunc(defs, func(a, b Definition) int { return strings.Compare(a.Name, b.Name) })
	return defs
}

// Names lists registered tool names in order.
func (r *ToolRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
