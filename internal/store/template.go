// ABOUTME: Execution of compiled query templates with positional bound arguments
// ABOUTME: Rows come back column-ordered; byte slices are surfaced as strings

package store

import (
	"context"
	"database/sql"
	"fmt"
)

// RunTemplate executes a compiled template inside a read-only transaction
// that is rolled back afterwards, so templates cannot change stored data.
// query must already use the dialect's bind variables; args are passed to the
// driver as bound parameters and never spliced into the text.
func (s *SQLStore) RunTemplate(ctx context.Context, query string, args []any) (*ResultSet, error) {
	var rs *ResultSet
	err := s.withReadTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()

		rs, err = collectRows(rows)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.logger.Debug("ran query template", "args", len(args), "rows", len(rs.Rows))
	return rs, nil
}

func collectRows(rows *sql.Rows) (*ResultSet, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("reading columns: %w", err)
	}

	rs := &ResultSet{Columns: cols, Rows: [][]any{}}
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}
		for i, v := range values {
			if b, ok := v.([]byte); ok {
				values[i] = string(b)
			}
		}
		rs.Rows = append(rs.Rows, values)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return rs, nil
}
