// ABOUTME: Append-only usage ledger used for auditing and quota counting
// ABOUTME: Provides windowed counts, filtered history and per-tool/per-principal statistics

package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// RecordUsage appends a usage record.
func (s *SQLStore) RecordUsage(ctx context.Context, rec *UsageRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	if rec.Arguments == "" {
		rec.Arguments = "{}"
	}

	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO usage_records (
			id, principal_key, account_id, credential_ref, role,
			tool_name, arguments, outcome, result, created_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`),
		rec.ID,
		rec.PrincipalKey,
		rec.AccountID,
		rec.CredentialRef,
		rec.Role,
		rec.ToolName,
		rec.Arguments,
		string(rec.Outcome),
		rec.Result,
		formatTime(rec.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting usage record: %w", err)
	}

	s.logger.Debug("recorded usage",
		"id", rec.ID,
		"principal", rec.PrincipalKey,
		"tool_name", rec.ToolName,
		"outcome", rec.Outcome,
	)
	return nil
}

// CountUsage counts counted (non-rejected) records for a principal in [from, until).
func (s *SQLStore) CountUsage(ctx context.Context, principalKey string, from, until time.Time) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT COUNT(*)
		FROM usage_records
		WHERE principal_key = ?
			AND outcome <> 'rejected'
			AND created_at >= ?
			AND created_at < ?
	`), principalKey, formatTime(from), formatTime(until)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting usage: %w", err)
	}
	return count, nil
}

// windowClause builds "created_at" bounds for optional from/until times.
func windowClause(from, until time.Time) ([]string, []any) {
	var conds []string
	var args []any
	if !from.IsZero() {
		conds = append(conds, "created_at >= ?")
		args = append(args, formatTime(from))
	}
	if !until.IsZero() {
		conds = append(conds, "created_at < ?")
		args = append(args, formatTime(until))
	}
	return conds, args
}

func whereSQL(conds []string) string {
	if len(conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(conds, " AND ")
}

// ListUsage returns records matching the filter, newest first.
func (s *SQLStore) ListUsage(ctx context.Context, filter UsageFilter) ([]*UsageRecord, error) {
	conds, args := windowClause(filter.Since, filter.Until)
	if filter.PrincipalKey != "" {
		conds = append(conds, "principal_key = ?")
		args = append(args, filter.PrincipalKey)
	}
	if filter.ToolName != "" {
		conds = append(conds, "tool_name = ?")
		args = append(args, filter.ToolName)
	}
	if filter.Outcome != "" {
		conds = append(conds, "outcome = ?")
		args = append(args, string(filter.Outcome))
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}
	args = append(args, limit, offset)

	query := s.rebind(`
		SELECT id, principal_key, account_id, credential_ref, role,
			tool_name, arguments, outcome, result, created_at
		FROM usage_records` + whereSQL(conds) + `
		ORDER BY created_at DESC, id
		LIMIT ? OFFSET ?
	`)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying usage: %w", err)
	}
	defer rows.Close()

	var records []*UsageRecord
	for rows.Next() {
		var r UsageRecord
		var outcome, createdAt string
		if err := rows.Scan(
			&r.ID, &r.PrincipalKey, &r.AccountID, &r.CredentialRef, &r.Role,
			&r.ToolName, &r.Arguments, &outcome, &r.Result, &createdAt,
		); err != nil {
			return nil, fmt.Errorf("scanning usage record: %w", err)
		}
		r.Outcome = Outcome(outcome)
		r.CreatedAt = parseTime(createdAt)
		records = append(records, &r)
	}
	return records, rows.Err()
}

// ToolUsageStats aggregates outcomes per tool, busiest first.
func (s *SQLStore) ToolUsageStats(ctx context.Context, from, until time.Time) ([]ToolUsageStat, error) {
	conds, args := windowClause(from, until)
	query := s.rebind(`
		SELECT tool_name,
			COUNT(*),
			SUM(CASE WHEN outcome = 'success' THEN 1 ELSE 0 END),
			SUM(CASE WHEN outcome = 'failure' THEN 1 ELSE 0 END),
			SUM(CASE WHEN outcome = 'rejected' THEN 1 ELSE 0 END)
		FROM usage_records` + whereSQL(conds) + `
		GROUP BY tool_name
		ORDER BY COUNT(*) DESC, tool_name
	`)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying tool stats: %w", err)
	}
	defer rows.Close()

	var stats []ToolUsageStat
	for rows.Next() {
		var st ToolUsageStat
		if err := rows.Scan(&st.ToolName, &st.Total, &st.Success, &st.Failure, &st.Rejected); err != nil {
			return nil, fmt.Errorf("scanning tool stats: %w", err)
		}
		stats = append(stats, st)
	}
	return stats, rows.Err()
}

// PrincipalUsageStats counts counted usage per principal in [from, until).
func (s *SQLStore) PrincipalUsageStats(ctx context.Context, from, until time.Time) ([]PrincipalUsageStat, error) {
	conds, args := windowClause(from, until)
	conds = append(conds, "outcome <> 'rejected'")
	query := s.rebind(`
		SELECT principal_key, MAX(account_id), MAX(role), COUNT(*)
		FROM usage_records` + whereSQL(conds) + `
		GROUP BY principal_key
		ORDER BY COUNT(*) DESC, principal_key
	`)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying principal stats: %w", err)
	}
	defer rows.Close()

	var stats []PrincipalUsageStat
	for rows.Next() {
		var st PrincipalUsageStat
		if err := rows.Scan(&st.PrincipalKey, &st.AccountID, &st.Role, &st.Count); err != nil {
			return nil, fmt.Errorf("scanning principal stats: %w", err)
		}
		stats = append(stats, st)
	}
	return stats, rows.Err()
}
