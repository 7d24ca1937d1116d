// ABOUTME: Registry of built-in tool packs with schema-validated input
// ABOUTME: Tool names are unique across packs; registration is all-or-nothing per pack

package builtins

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/2389/toolgate/internal/auth"
)

var (
	ErrToolCollision = errors.New("tool name collision")
	ErrInvalidInput  = errors.New("invalid input")
	ErrForbidden     = errors.New("permission denied")
)

// Handler runs a built-in tool for principal p. input has already passed the
// tool's schema.
type Handler func(ctx context.Context, p *auth.Principal, input json.RawMessage) (string, error)

// Tool is one built-in tool.
type Tool struct {
	Name        string
	Description string
	InputSchema json.RawMessage
	// AdminOnly tools refuse callers without the admin role.
	AdminOnly bool
	Handler   Handler

	schema *jsonschema.Schema
}

// Pack groups tools registered together.
type Pack struct {
	ID    string
	Tools []*Tool
}

// Registry holds built-in tools by name.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]*Tool
	packOf map[string]string
	logger *slog.Logger
}

// NewRegistry creates an empty Registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		tools:  make(map[string]*Tool),
		packOf: make(map[string]string),
		logger: logger.With("component", "builtins"),
	}
}

// RegisterPack compiles every tool's schema and registers the pack. Nothing
// is registered if any tool collides or fails to compile.
func (r *Registry) RegisterPack(pack *Pack) error {
	for _, t := range pack.Tools {
		sch, err := compileSchema(t.Name, t.InputSchema)
		if err != nil {
			return fmt.Errorf("pack %s: %w", pack.ID, err)
		}
		t.schema = sch
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	seen := make(map[string]bool, len(pack.Tools))
	for _, t := range pack.Tools {
		if owner, exists := r.packOf[t.Name]; exists {
			return fmt.Errorf("%w: tool '%s' already registered by %s", ErrToolCollision, t.Name, owner)
		}
		if seen[t.Name] {
			return fmt.Errorf("%w: tool '%s' appears twice in %s", ErrToolCollision, t.Name, pack.ID)
		}
		seen[t.Name] = true
	}

	for _, t := range pack.Tools {
		r.tools[t.Name] = t
		r.packOf[t.Name] = pack.ID
	}

	r.logger.Info("builtin pack registered", "pack_id", pack.ID, "tool_count", len(pack.Tools))
	return nil
}

// Lookup returns the tool called name.
func (r *Registry) Lookup(name string) (*Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// List returns all tools sorted by name.
func (r *Registry) List() []*Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func compileSchema(name string, raw json.RawMessage) (*jsonschema.Schema, error) {
	if len(raw) == 0 {
		raw = json.RawMessage(`{"type":"object"}`)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("tool %s: parsing input schema: %w", name, err)
	}

	url := "builtin://" + name + ".json"
	c := jsonschema.NewCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("tool %s: adding input schema: %w", name, err)
	}
	sch, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("tool %s: compiling input schema: %w", name, err)
	}
	return sch, nil
}

// Validate checks args against the tool's schema and returns them as JSON.
func (t *Tool) Validate(args map[string]any) (json.RawMessage, error) {
	if args == nil {
		args = map[string]any{}
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if t.schema == nil {
		return raw, nil
	}

	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if err := t.schema.Validate(instance); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return raw, nil
}

// Call validates args and runs the handler.
func (t *Tool) Call(ctx context.Context, p *auth.Principal, args map[string]any) (string, error) {
	if t.AdminOnly && (p == nil || !p.IsAdmin()) {
		return "", fmt.Errorf("%w: admin privileges required for %s", ErrForbidden, t.Name)
	}
	input, err := t.Validate(args)
	if err != nil {
		return "", err
	}
	return t.Handler(ctx, p, input)
}
