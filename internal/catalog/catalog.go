// ABOUTME: Read-only view over the tool catalog
// ABOUTME: Lists active definitions and resolves a tool with its parameters in one snapshot

package catalog

import (
	"context"
	"errors"
	"fmt"

	"github.com/2389/toolgate/internal/store"
)

// ErrToolNotFound is returned when no active tool has the requested name.
var ErrToolNotFound = errors.New("tool not found")

// Catalog is the ToolCatalog: the set of active tool definitions.
type Catalog struct {
	tools store.ToolStore
}

// New creates a Catalog backed by the given store.
func New(tools store.ToolStore) *Catalog {
	return &Catalog{tools: tools}
}

// ActiveTools returns all active definitions ordered by name.
func (c *Catalog) ActiveTools(ctx context.Context) ([]*store.ToolDefinition, error) {
	tools, err := c.tools.ListActiveTools(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing active tools: %w", err)
	}
	return tools, nil
}

// Resolve finds the active tool with the given name and builds its schema
// from parameters read in the same snapshot as the definition.
func (c *Catalog) Resolve(ctx context.Context, name string) (*store.ToolDefinition, *Schema, error) {
	tool, params, err := c.tools.GetActiveToolWithParameters(ctx, name)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil, fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("resolving tool %q: %w", name, err)
	}
	return tool, BuildSchema(params), nil
}

// ParametersOf returns a tool's parameters in declaration order.
func (c *Catalog) ParametersOf(ctx context.Context, toolID string) ([]store.ToolParameter, error) {
	params, err := c.tools.ListParameters(ctx, toolID)
	if err != nil {
		return nil, fmt.Errorf("listing parameters: %w", err)
	}
	return params, nil
}
