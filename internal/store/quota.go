// ABOUTME: Quota policy persistence keyed by (scope, scope_key)
// ABOUTME: Upserts replace the limit in place so each pair has at most one policy

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const quotaColumns = `id, scope, scope_key, period, max_count, description, updated_at`

func scanQuotaPolicy(row rowScanner) (*QuotaPolicy, error) {
	var p QuotaPolicy
	var scope, updatedAt string
	err := row.Scan(&p.ID, &scope, &p.ScopeKey, &p.Period, &p.MaxCount, &p.Description, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning quota policy: %w", err)
	}
	p.Scope = QuotaScope(scope)
	p.UpdatedAt = parseTime(updatedAt)
	return &p, nil
}

// GetQuotaPolicy returns the policy for (scope, key) or ErrNotFound.
func (s *SQLStore) GetQuotaPolicy(ctx context.Context, scope QuotaScope, key string) (*QuotaPolicy, error) {
	row := s.db.QueryRowContext(ctx,
		s.rebind(`SELECT `+quotaColumns+` FROM quota_policies WHERE scope = ? AND scope_key = ?`),
		string(scope), key,
	)
	return scanQuotaPolicy(row)
}

// UpsertQuotaPolicy creates the policy for (scope, key) or replaces its limit.
func (s *SQLStore) UpsertQuotaPolicy(ctx context.Context, policy *QuotaPolicy) error {
	if policy.ID == "" {
		policy.ID = uuid.New().String()
	}
	if policy.Period == "" {
		policy.Period = PeriodDaily
	}
	policy.UpdatedAt = time.Now()

	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO quota_policies (`+quotaColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (scope, scope_key) DO UPDATE SET
			period = excluded.period,
			max_count = excluded.max_count,
			description = excluded.description,
			updated_at = excluded.updated_at
	`),
		policy.ID,
		string(policy.Scope),
		policy.ScopeKey,
		policy.Period,
		policy.MaxCount,
		policy.Description,
		formatTime(policy.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("upserting quota policy: %w", err)
	}

	// Report the surviving row's ID when an existing policy was replaced.
	current, err := s.GetQuotaPolicy(ctx, policy.Scope, policy.ScopeKey)
	if err != nil {
		return err
	}
	policy.ID = current.ID

	s.logger.Debug("upserted quota policy",
		"scope", policy.Scope,
		"key", policy.ScopeKey,
		"max_count", policy.MaxCount,
	)
	return nil
}

// ListQuotaPolicies returns all policies ordered by scope and key.
func (s *SQLStore) ListQuotaPolicies(ctx context.Context) ([]*QuotaPolicy, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+quotaColumns+` FROM quota_policies ORDER BY scope, scope_key`)
	if err != nil {
		return nil, fmt.Errorf("querying quota policies: %w", err)
	}
	defer rows.Close()

	var policies []*QuotaPolicy
	for rows.Next() {
		p, err := scanQuotaPolicy(rows)
		if err != nil {
			return nil, err
		}
		policies = append(policies, p)
	}
	return policies, rows.Err()
}

// DeleteQuotaPolicy removes a policy by ID.
func (s *SQLStore) DeleteQuotaPolicy(ctx context.Context, id string) error {
	return s.execAffectingOne(ctx, `DELETE FROM quota_policies WHERE id = ?`, id)
}
