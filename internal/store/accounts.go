// ABOUTME: Account and delegated credential persistence
// ABOUTME: Credentials are stored as blake2b digests and looked up by hashing the presented token

package store

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"
)

// GetAccount retrieves an account by ID.
func (s *SQLStore) GetAccount(ctx context.Context, id string) (*Account, error) {
	var a Account
	var enabled int
	var createdAt string
	err := s.db.QueryRowContext(ctx,
		s.rebind(`SELECT id, display_name, role, enabled, created_at FROM accounts WHERE id = ?`), id,
	).Scan(&a.ID, &a.DisplayName, &a.Role, &enabled, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying account: %w", err)
	}
	a.Enabled = enabled == 1
	a.CreatedAt = parseTime(createdAt)
	return &a, nil
}

// UpsertAccount creates an account or updates its name, role and enabled flag.
func (s *SQLStore) UpsertAccount(ctx context.Context, account *Account) error {
	if account.CreatedAt.IsZero() {
		account.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO accounts (id, display_name, role, enabled, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			display_name = excluded.display_name,
			role = excluded.role,
			enabled = excluded.enabled
	`),
		account.ID,
		account.DisplayName,
		account.Role,
		boolToInt(account.Enabled),
		formatTime(account.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("upserting account: %w", err)
	}
	s.logger.Debug("upserted account", "id", account.ID, "role", account.Role)
	return nil
}

// ListAccounts returns all accounts ordered by ID.
func (s *SQLStore) ListAccounts(ctx context.Context) ([]*Account, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, display_name, role, enabled, created_at FROM accounts ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("querying accounts: %w", err)
	}
	defer rows.Close()

	var accounts []*Account
	for rows.Next() {
		var a Account
		var enabled int
		var createdAt string
		if err := rows.Scan(&a.ID, &a.DisplayName, &a.Role, &enabled, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning account: %w", err)
		}
		a.Enabled = enabled == 1
		a.CreatedAt = parseTime(createdAt)
		accounts = append(accounts, &a)
	}
	return accounts, rows.Err()
}

// HashToken returns the hex blake2b-256 digest under which a credential is stored.
func HashToken(token string) string {
	sum := blake2b.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// CreateCredential persists a delegated credential for the given raw token.
// The raw token is never stored.
func (s *SQLStore) CreateCredential(ctx context.Context, cred *DelegatedCredential, token string) error {
	if cred.ID == "" {
		cred.ID = uuid.New().String()
	}
	if cred.CreatedAt.IsZero() {
		cred.CreatedAt = time.Now()
	}
	cred.TokenHash = HashToken(token)

	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO delegated_credentials (id, name, token_hash, can_use, deleted, created_by, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`),
		cred.ID,
		cred.Name,
		cred.TokenHash,
		boolToInt(cred.CanUse),
		boolToInt(cred.Deleted),
		cred.CreatedBy,
		formatTime(cred.CreatedAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("inserting credential: %w", err)
	}
	s.logger.Debug("created delegated credential", "id", cred.ID, "name", cred.Name)
	return nil
}

const credentialColumns = `id, name, token_hash, can_use, deleted, created_by, created_at`

func scanCredential(row rowScanner) (*DelegatedCredential, error) {
	var c DelegatedCredential
	var canUse, deleted int
	var createdAt string
	err := row.Scan(&c.ID, &c.Name, &c.TokenHash, &canUse, &deleted, &c.CreatedBy, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning credential: %w", err)
	}
	c.CanUse = canUse == 1
	c.Deleted = deleted == 1
	c.CreatedAt = parseTime(createdAt)
	return &c, nil
}

// LookupCredential finds a usable, non-deleted credential by raw token.
func (s *SQLStore) LookupCredential(ctx context.Context, token string) (*DelegatedCredential, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT `+credentialColumns+`
		FROM delegated_credentials
		WHERE token_hash = ? AND can_use = 1 AND deleted = 0
	`), HashToken(token))
	return scanCredential(row)
}

// ListCredentials returns all non-deleted credentials, newest first.
func (s *SQLStore) ListCredentials(ctx context.Context) ([]*DelegatedCredential, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+credentialColumns+`
		FROM delegated_credentials
		WHERE deleted = 0
		ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("querying credentials: %w", err)
	}
	defer rows.Close()

	var creds []*DelegatedCredential
	for rows.Next() {
		c, err := scanCredential(rows)
		if err != nil {
			return nil, err
		}
		creds = append(creds, c)
	}
	return creds, rows.Err()
}

// RevokeCredential soft-deletes a credential.
func (s *SQLStore) RevokeCredential(ctx context.Context, id string) error {
	return s.execAffectingOne(ctx, `UPDATE delegated_credentials SET deleted = 1 WHERE id = ? AND deleted = 0`, id)
}

// SetCredentialUsable enables or disables a credential without deleting it.
func (s *SQLStore) SetCredentialUsable(ctx context.Context, id string, usable bool) error {
	return s.execAffectingOne(ctx, `UPDATE delegated_credentials SET can_use = ? WHERE id = ? AND deleted = 0`, boolToInt(usable), id)
}

func (s *SQLStore) execAffectingOne(ctx context.Context, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, s.rebind(query), args...)
	if err != nil {
		return fmt.Errorf("executing update: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
