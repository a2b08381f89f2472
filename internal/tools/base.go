// Package tools exposes the execution engine to an LLM agent as callable tools.
package tools

import (
	"context"
	"fmt"
	"slices"
)

// Tool is one function the model can call.
type Tool interface {
	Name() string
	// Description tells the model when and how to use the tool.
	Description() string
	Schema() Schema
	Execute(ctx context.Context, params Params) (string, error)
}

// Schema is the JSON Schema object describing a tool's parameters. Only the
// subset tools here need is modelled.
type Schema struct {
	Type       string              `json:"type"`
	Properties map[string]Property `json:"properties"`
	Required   []string            `json:"required,omitempty"`
}

// Property describes one parameter.
type Property struct {
	Type        string   `json:"type"`
	Description string   `json:"description,omitempty"`
	MinLength   *int     `json:"minLength,omitempty"`
	Minimum     *float64 `json:"minimum,omitempty"`
	Maximum     *float64 `json:"maximum,omitempty"`
}

// Definition is what a model provider is told about a tool.
type Definition struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Parameters  Schema `json:"parameters"`
}

// DefinitionOf describes t.
func DefinitionOf(t Tool) Definition {
	return Definition{Name: t.Name(), Description: t.Description(), Parameters: t.Schema()}
}

// Validate checks params against s and returns one message per problem.
// Unknown parameters are allowed.
func (s Schema) Validate(params Params) []string {
	var errs []string
	for _, field := range s.Required {
		if _, ok := params[field]; !ok {
			errs = append(errs, fmt.Sprintf("missing required field: %s", field))
		}
	}

	// Sorted so messages come out in a stable order.
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	for _, key := range keys {
		prop, ok := s.Properties[key]
		if !ok || params[key] == nil {
			continue
		}
		if msg := prop.check(params[key]); msg != "" {
			errs = append(errs, fmt.Sprintf("field %s: %s", key, msg))
		}
	}
	return errs
}

func (p Property) check(value any) string {
	switch p.Type {
	case "string":
		s, ok := value.(string)
		if !ok {
			return fmt.Sprintf("expected type string, got %T", value)
		}
		if p.MinLength != nil && len(s) < *p.MinLength {
			return fmt.Sprintf("length %d is less than minimum %d", len(s), *p.MinLength)
		}
	case "integer", "number":
		n, ok := number(value)
		if !ok || (p.Type == "integer" && n != float64(int64(n))) {
			return fmt.Sprintf("expected type %s, got %v", p.Type, value)
		}
		if p.Minimum != nil && n < *p.Minimum {
			return fmt.Sprintf("value %v is less than minimum %v", n, *p.Minimum)
		}
		if p.Maximum != nil && n > *p.Maximum {
			return fmt.Sprintf("value %v exceeds maximum %v", n, *p.Maximum)
		}
	case "boolean":
		if _, ok := value.(bool); !ok {
			return fmt.Sprintf("expected type boolean, got %T", value)
		}
	}
	return ""
}

// number accepts the numeric types a decoded JSON body or a Go caller may pass.
func number(value any) (float64, bool) {
	switch v := value.(type) {
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case float64:
		return v, true
	}
	return 0, false
}

// Params are the decoded arguments of one tool call.
type Params map[string]any

// ErrParamNotFound is returned when a required parameter is missing.
type ErrParamNotFound struct {
	Key string
}

func (e ErrParamNotFound) Error() string {
	return fmt.Sprintf("parameter %q not found", e.Key)
}

// String returns the string parameter key.
func (p Params) String(key string) (string, error) {
	val, ok := p[key]
	if !ok {
		return "", ErrParamNotFound{Key: key}
	}
	s, ok := val.(string)
	if !ok {
		return "", fmt.Errorf("parameter %q: expected string, got %T", key, val)
	}
	return s, nil
}

// StringOr returns the string parameter key, or def if it is absent or not a string.
func (p Params) StringOr(key, def string) string {
	if s, err := p.String(key); err == nil {
		return s
	}
	return def
}

// IntOr returns the integer parameter key, or def.
func (p Params) IntOr(key string, def int) int {
	if n, ok := number(p[key]); ok {
		return int(n)
	}
	return def
}

func intPtr(n int) *int           { return &n }
func floatPtr(f float64) *float64 { return &f }
