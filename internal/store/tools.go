// ABOUTME: Tool catalog persistence: definitions and ordered parameter sets
// ABOUTME: Parameter sets are replaced atomically together with their definition

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const toolColumns = `id, name, kind, body, agent_description, human_description, is_active, created_by, created_at, updated_at`

// ListActiveTools returns active tools ordered by name.
func (s *SQLStore) ListActiveTools(ctx context.Context) ([]*ToolDefinition, error) {
	return s.queryTools(ctx, `SELECT `+toolColumns+` FROM tools WHERE is_active = 1 ORDER BY name`)
}

// ListTools returns every tool, active or not.
func (s *SQLStore) ListTools(ctx context.Context) ([]*ToolDefinition, error) {
	return s.queryTools(ctx, `SELECT `+toolColumns+` FROM tools ORDER BY name, created_at`)
}

// GetTool retrieves a tool by ID.
func (s *SQLStore) GetTool(ctx context.Context, id string) (*ToolDefinition, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+toolColumns+` FROM tools WHERE id = ?`), id)
	return scanTool(row)
}

// GetActiveToolByName retrieves the active tool with the given name.
func (s *SQLStore) GetActiveToolByName(ctx context.Context, name string) (*ToolDefinition, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+toolColumns+` FROM tools WHERE name = ? AND is_active = 1`), name)
	return scanTool(row)
}

func (s *SQLStore) queryTools(ctx context.Context, query string, args ...any) ([]*ToolDefinition, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying tools: %w", err)
	}
	defer rows.Close()

	var tools []*ToolDefinition
	for rows.Next() {
		tool, err := scanTool(rows)
		if err != nil {
			return nil, err
		}
		tools = append(tools, tool)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating tools: %w", err)
	}
	return tools, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTool(row rowScanner) (*ToolDefinition, error) {
	var tool ToolDefinition
	var kind, createdAt, updatedAt string
	var active int
	err := row.Scan(
		&tool.ID,
		&tool.Name,
		&kind,
		&tool.Body,
		&tool.AgentDescription,
		&tool.HumanDescription,
		&active,
		&tool.CreatedBy,
		&createdAt,
		&updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning tool: %w", err)
	}
	tool.Kind = canonicalKind(kind)
	tool.Active = active == 1
	tool.CreatedAt = parseTime(createdAt)
	tool.UpdatedAt = parseTime(updatedAt)
	return &tool, nil
}

// ListParameters returns a tool's parameters in declaration order.
// The set is read with a single statement so it is never observed half-replaced.
func (s *SQLStore) ListParameters(ctx context.Context, toolID string) ([]ToolParameter, error) {
	return s.queryParameters(ctx, s.db, toolID)
}

// GetActiveToolWithParameters reads the active tool named name and its
// parameters from one read-only transaction, so a concurrent UpdateTool is
// seen either entirely or not at all.
func (s *SQLStore) GetActiveToolWithParameters(ctx context.Context, name string) (*ToolDefinition, []ToolParameter, error) {
	var tool *ToolDefinition
	var params []ToolParameter
	err := s.withReadTx(ctx, func(tx *sql.Tx) error {
		var err error
		row := tx.QueryRowContext(ctx, s.rebind(`SELECT `+toolColumns+` FROM tools WHERE name = ? AND is_active = 1`), name)
		if tool, err = scanTool(row); err != nil {
			return err
		}
		params, err = s.queryParameters(ctx, tx, tool.ID)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return tool, params, nil
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (s *SQLStore) queryParameters(ctx context.Context, q querier, toolID string) ([]ToolParameter, error) {
	query := s.rebind(`
		SELECT name, param_type, is_required, description
		FROM tool_parameters
		WHERE tool_id = ?
		ORDER BY position
	`)
	rows, err := q.QueryContext(ctx, query, toolID)
	if err != nil {
		return nil, fmt.Errorf("querying parameters: %w", err)
	}
	defer rows.Close()

	var params []ToolParameter
	for rows.Next() {
		var p ToolParameter
		var required int
		if err := rows.Scan(&p.Name, &p.Type, &required, &p.Description); err != nil {
			return nil, fmt.Errorf("scanning parameter: %w", err)
		}
		p.Required = required == 1
		params = append(params, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating parameters: %w", err)
	}
	return params, nil
}

// CreateTool inserts a definition with its parameters.
// Assigns an ID and timestamps when unset. Returns ErrDuplicate when an
// active tool already has the same name.
func (s *SQLStore) CreateTool(ctx context.Context, tool *ToolDefinition, params []ToolParameter) error {
	kind, err := ParseToolKind(string(tool.Kind))
	if err != nil {
		return fmt.Errorf("creating tool %s: %w", tool.Name, err)
	}
	tool.Kind = kind
	if tool.ID == "" {
		tool.ID = uuid.New().String()
	}
	now := time.Now()
	if tool.CreatedAt.IsZero() {
		tool.CreatedAt = now
	}
	tool.UpdatedAt = now

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, s.rebind(`
			INSERT INTO tools (`+toolColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`),
			tool.ID,
			tool.Name,
			string(tool.Kind),
			tool.Body,
			tool.AgentDescription,
			tool.HumanDescription,
			boolToInt(tool.Active),
			tool.CreatedBy,
			formatTime(tool.CreatedAt),
			formatTime(tool.UpdatedAt),
		)
		if err != nil {
			if isConstraintViolation(err) {
				return ErrDuplicate
			}
			return fmt.Errorf("inserting tool: %w", err)
		}
		return s.insertParameters(ctx, tx, tool.ID, params)
	})
	if err != nil {
		return err
	}

	s.logger.Debug("created tool", "id", tool.ID, "name", tool.Name, "params", len(params))
	return nil
}

// UpdateTool replaces a definition and its full parameter set in one transaction.
func (s *SQLStore) UpdateTool(ctx context.Context, tool *ToolDefinition, params []ToolParameter) error {
	kind, err := ParseToolKind(string(tool.Kind))
	if err != nil {
		return fmt.Errorf("updating tool %s: %w", tool.Name, err)
	}
	tool.Kind = kind
	tool.UpdatedAt = time.Now()

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, s.rebind(`
			UPDATE tools
			SET name = ?, kind = ?, body = ?, agent_description = ?, human_description = ?,
				is_active = ?, updated_at = ?
			WHERE id = ?
		`),
			tool.Name,
			string(tool.Kind),
			tool.Body,
			tool.AgentDescription,
			tool.HumanDescription,
			boolToInt(tool.Active),
			formatTime(tool.UpdatedAt),
			tool.ID,
		)
		if err != nil {
			if isConstraintViolation(err) {
				return ErrDuplicate
			}
			return fmt.Errorf("updating tool: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("checking rows affected: %w", err)
		}
		if n == 0 {
			return ErrNotFound
		}

		if _, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM tool_parameters WHERE tool_id = ?`), tool.ID); err != nil {
			return fmt.Errorf("clearing parameters: %w", err)
		}
		return s.insertParameters(ctx, tx, tool.ID, params)
	})
	if err != nil {
		return err
	}

	s.logger.Debug("updated tool", "id", tool.ID, "name", tool.Name, "params", len(params))
	return nil
}

func (s *SQLStore) insertParameters(ctx context.Context, tx *sql.Tx, toolID string, params []ToolParameter) error {
	query := s.rebind(`
		INSERT INTO tool_parameters (tool_id, position, name, param_type, is_required, description)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	for i, p := range params {
		_, err := tx.ExecContext(ctx, query, toolID, i, p.Name, p.Type, boolToInt(p.Required), p.Description)
		if err != nil {
			if isConstraintViolation(err) {
				return fmt.Errorf("parameter %q declared twice: %w", p.Name, ErrDuplicate)
			}
			return fmt.Errorf("inserting parameter %q: %w", p.Name, err)
		}
	}
	return nil
}

// DeleteTool removes a tool and its parameters.
func (s *SQLStore) DeleteTool(ctx context.Context, id string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM tool_parameters WHERE tool_id = ?`), id); err != nil {
			return fmt.Errorf("deleting parameters: %w", err)
		}
		res, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM tools WHERE id = ?`), id)
		if err != nil {
			return fmt.Errorf("deleting tool: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("checking rows affected: %w", err)
		}
		if n == 0 {
			return ErrNotFound
		}
		return nil
	})
}
