// ABOUTME: Tests for the SQL store against temporary SQLite databases
// ABOUTME: Covers tool catalog CRUD, atomic parameter replacement, credentials and quota upserts

package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLStore {
	t.Helper()
	s, err := Open(Options{Driver: "sqlite", DSN: filepath.Join(t.TempDir(), "test.db")})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpen_CreatesDirectory(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "subdir", "nested", "test.db")

	s, err := Open(Options{DSN: dbPath})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer s.Close()

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("database file was not created in nested directory")
	}
	if s.Dialect() != DialectSQLite {
		t.Errorf("expected sqlite dialect, got %s", s.Dialect())
	}
}

func TestOpen_RejectsUnknownDriver(t *testing.T) {
	_, err := Open(Options{Driver: "oracle", DSN: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported database driver")
}

func TestDialectBindVar(t *testing.T) {
	assert.Equal(t, "?", DialectSQLite.BindVar(3))
	assert.Equal(t, "$3", DialectPostgres.BindVar(3))

	pg := NewSQLStore(nil, DialectPostgres, nil)
	assert.Equal(t, "SELECT a FROM t WHERE x = $1 AND y = $2", pg.rebind("SELECT a FROM t WHERE x = ? AND y = ?"))
}

func sampleTool(name string) *ToolDefinition {
	return &ToolDefinition{
		Name:             name,
		Kind:             KindExpression,
		Body:             "a + b",
		AgentDescription: "adds two numbers",
		HumanDescription: "Adds **two** numbers",
		Active:           true,
		CreatedBy:        "admin",
	}
}

func TestCreateAndGetTool(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tool := sampleTool("adder")
	params := []ToolParameter{
		{Name: "a", Type: "NUMBER", Required: true, Description: "first"},
		{Name: "b", Type: "NUMBER", Required: true, Description: "second"},
	}
	require.NoError(t, s.CreateTool(ctx, tool, params))
	require.NotEmpty(t, tool.ID)

	got, err := s.GetActiveToolByName(ctx, "adder")
	require.NoError(t, err)
	assert.Equal(t, tool.ID, got.ID)
	assert.Equal(t, KindExpression, got.Kind)
	assert.True(t, got.Active)
	assert.Equal(t, "Adds **two** numbers", got.HumanDescription)

	gotParams, err := s.ListParameters(ctx, tool.ID)
	require.NoError(t, err)
	assert.Equal(t, params, gotParams)
}

func TestCreateTool_DuplicateActiveName(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateTool(ctx, sampleTool("dup"), nil))
	err := s.CreateTool(ctx, sampleTool("dup"), nil)
	assert.True(t, errors.Is(err, ErrDuplicate), "expected ErrDuplicate, got %v", err)

	inactive := sampleTool("dup")
	inactive.Active = false
	assert.NoError(t, s.CreateTool(ctx, inactive, nil), "inactive tools may share a name")
}

func TestGetActiveToolByName_InactiveIsHidden(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tool := sampleTool("hidden")
	tool.Active = false
	require.NoError(t, s.CreateTool(ctx, tool, nil))

	_, err := s.GetActiveToolByName(ctx, "hidden")
	assert.ErrorIs(t, err, ErrNotFound)

	active, err := s.ListActiveTools(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)

	all, err := s.ListTools(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestUpdateTool_ReplacesParameterSet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tool := sampleTool("report")
	require.NoError(t, s.CreateTool(ctx, tool, []ToolParameter{
		{Name: "a", Type: "NUMBER", Required: true},
		{Name: "b", Type: "NUMBER"},
	}))

	tool.Body = "x * 2"
	require.NoError(t, s.UpdateTool(ctx, tool, []ToolParameter{{Name: "x", Type: "NUMBER", Required: true}}))

	params, err := s.ListParameters(ctx, tool.ID)
	require.NoError(t, err)
	require.Len(t, params, 1)
	assert.Equal(t, "x", params[0].Name)

	got, err := s.GetTool(ctx, tool.ID)
	require.NoError(t, err)
	assert.Equal(t, "x * 2", got.Body)
}

func TestUpdateTool_FailedReplacementKeepsOldSet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tool := sampleTool("stable")
	original := []ToolParameter{{Name: "a", Type: "NUMBER", Required: true}}
	require.NoError(t, s.CreateTool(ctx, tool, original))

	// A duplicate parameter name aborts the transaction midway.
	err := s.UpdateTool(ctx, tool, []ToolParameter{
		{Name: "x", Type: "NUMBER"},
		{Name: "x", Type: "STRING"},
	})
	require.ErrorIs(t, err, ErrDuplicate)

	params, err := s.ListParameters(ctx, tool.ID)
	require.NoError(t, err)
	assert.Equal(t, original, params)
}

func TestUpdateTool_ConcurrentReadersSeeWholeSets(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	setA := []ToolParameter{{Name: "a1", Type: "NUMBER"}, {Name: "a2", Type: "NUMBER"}}
	setB := []ToolParameter{{Name: "b1", Type: "STRING"}, {Name: "b2", Type: "STRING"}, {Name: "b3", Type: "STRING"}}

	tool := sampleTool("flip")
	require.NoError(t, s.CreateTool(ctx, tool, setA))

	var wg sync.WaitGroup
	stop := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 20; i++ {
			next := setB
			if i%2 == 1 {
				next = setA
			}
			if err := s.UpdateTool(ctx, tool, next); err != nil {
				t.Errorf("UpdateTool: %v", err)
				return
			}
		}
		close(stop)
	}()

	for {
		select {
		case <-stop:
			wg.Wait()
			return
		default:
		}
		params, err := s.ListParameters(ctx, tool.ID)
		require.NoError(t, err)
		if len(params) != len(setA) && len(params) != len(setB) {
			t.Fatalf("observed partial parameter set: %+v", params)
		}
	}
}

func TestDeleteTool(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tool := sampleTool("gone")
	require.NoError(t, s.CreateTool(ctx, tool, []ToolParameter{{Name: "a", Type: "NUMBER"}}))
	require.NoError(t, s.DeleteTool(ctx, tool.ID))

	_, err := s.GetTool(ctx, tool.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.DeleteTool(ctx, tool.ID), ErrNotFound)
}

func TestAccounts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertAccount(ctx, &Account{ID: "alice", DisplayName: "Alice", Role: "ROLE_USER", Enabled: true}))
	require.NoError(t, s.UpsertAccount(ctx, &Account{ID: "alice", DisplayName: "Alice A.", Role: "ROLE_ADMIN", Enabled: true}))

	got, err := s.GetAccount(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "Alice A.", got.DisplayName)
	assert.Equal(t, "ROLE_ADMIN", got.Role)

	all, err := s.ListAccounts(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	_, err = s.GetAccount(ctx, "bob")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCredentials(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	cred := &DelegatedCredential{Name: "ci", CanUse: true, CreatedBy: "admin"}
	require.NoError(t, s.CreateCredential(ctx, cred, "sk_secret"))
	assert.Equal(t, HashToken("sk_secret"), cred.TokenHash)
	assert.NotContains(t, cred.TokenHash, "secret")

	got, err := s.LookupCredential(ctx, "sk_secret")
	require.NoError(t, err)
	assert.Equal(t, cred.ID, got.ID)

	_, err = s.LookupCredential(ctx, "sk_other")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.SetCredentialUsable(ctx, cred.ID, false))
	_, err = s.LookupCredential(ctx, "sk_secret")
	assert.ErrorIs(t, err, ErrNotFound, "disabled credential must not resolve")

	require.NoError(t, s.SetCredentialUsable(ctx, cred.ID, true))
	require.NoError(t, s.RevokeCredential(ctx, cred.ID))
	_, err = s.LookupCredential(ctx, "sk_secret")
	assert.ErrorIs(t, err, ErrNotFound, "revoked credential must not resolve")

	list, err := s.ListCredentials(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)
	assert.ErrorIs(t, s.RevokeCredential(ctx, cred.ID), ErrNotFound)
}

func TestQuotaPolicyUpsert(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first := &QuotaPolicy{Scope: ScopeRole, ScopeKey: "ROLE_USER", MaxCount: 10}
	require.NoError(t, s.UpsertQuotaPolicy(ctx, first))

	second := &QuotaPolicy{Scope: ScopeRole, ScopeKey: "ROLE_USER", MaxCount: 2, Description: "tightened"}
	require.NoError(t, s.UpsertQuotaPolicy(ctx, second))
	assert.Equal(t, first.ID, second.ID, "upsert keeps one policy per (scope, key)")

	got, err := s.GetQuotaPolicy(ctx, ScopeRole, "ROLE_USER")
	require.NoError(t, err)
	assert.Equal(t, 2, got.MaxCount)
	assert.Equal(t, PeriodDaily, got.Period)

	_, err = s.GetQuotaPolicy(ctx, ScopeUser, "ROLE_USER")
	assert.ErrorIs(t, err, ErrNotFound)

	policies, err := s.ListQuotaPolicies(ctx)
	require.NoError(t, err)
	assert.Len(t, policies, 1)

	require.NoError(t, s.DeleteQuotaPolicy(ctx, got.ID))
	_, err = s.GetQuotaPolicy(ctx, ScopeRole, "ROLE_USER")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestParseToolKind(t *testing.T) {
	tests := []struct {
		in   string
		want ToolKind
	}{
		{"QUERY_TEMPLATE", KindQueryTemplate},
		{"sql", KindQueryTemplate},
		{"EXPRESSION", KindExpression},
		{"python", KindExpression},
	}
	for _, tt := range tests {
		got, err := ParseToolKind(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}

	_, err := ParseToolKind("shell")
	assert.Error(t, err)
}

func TestToolKindAliases(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tests := []struct {
		stored ToolKind
		want   ToolKind
	}{
		{"PYTHON", KindExpression},
		{"sql", KindQueryTemplate},
		{KindExpression, KindExpression},
	}
	for _, tt := range tests {
		t.Run(string(tt.stored), func(t *testing.T) {
			tool := sampleTool("alias_" + string(tt.stored))
			tool.Kind = tt.stored
			require.NoError(t, s.CreateTool(ctx, tool, nil))
			assert.Equal(t, tt.want, tool.Kind)

			got, err := s.GetActiveToolByName(ctx, tool.Name)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.Kind)
		})
	}

	t.Run("rows written outside the store", func(t *testing.T) {
		now := formatTime(time.Now())
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO tools (id, name, kind, body, is_active, created_at, updated_at)
			VALUES ('legacy-1', 'legacy_py', 'PYTHON', 'a + b', 1, ?, ?),
			       ('legacy-2', 'legacy_sql', 'SQL', 'SELECT 1', 1, ?, ?)
		`, now, now, now, now)
		require.NoError(t, err)

		py, err := s.GetTool(ctx, "legacy-1")
		require.NoError(t, err)
		assert.Equal(t, KindExpression, py.Kind)

		tools, err := s.ListActiveTools(ctx)
		require.NoError(t, err)
		kinds := map[string]ToolKind{}
		for _, tool := range tools {
			kinds[tool.Name] = tool.Kind
		}
		assert.Equal(t, KindQueryTemplate, kinds["legacy_sql"])
	})

	t.Run("unknown kinds are rejected", func(t *testing.T) {
		tool := sampleTool("shell_tool")
		tool.Kind = "SHELL"
		assert.Error(t, s.CreateTool(ctx, tool, nil))

		tool = sampleTool("to_update")
		require.NoError(t, s.CreateTool(ctx, tool, nil))
		tool.Kind = "LUA"
		assert.Error(t, s.UpdateTool(ctx, tool, nil))

		got, err := s.GetTool(ctx, tool.ID)
		require.NoError(t, err)
		assert.Equal(t, KindExpression, got.Kind)
	})
}

func TestGetActiveToolWithParameters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tool := sampleTool("adder")
	params := []ToolParameter{
		{Name: "b", Type: "NUMBER", Required: true},
		{Name: "a", Type: "NUMBER", Required: true, Description: "first"},
	}
	require.NoError(t, s.CreateTool(ctx, tool, params))

	got, gotParams, err := s.GetActiveToolWithParameters(ctx, "adder")
	require.NoError(t, err)
	assert.Equal(t, tool.ID, got.ID)
	assert.Equal(t, params, gotParams)

	tool.Body = "x * 2"
	require.NoError(t, s.UpdateTool(ctx, tool, []ToolParameter{{Name: "x", Type: "NUMBER", Required: true}}))
	got, gotParams, err = s.GetActiveToolWithParameters(ctx, "adder")
	require.NoError(t, err)
	assert.Equal(t, "x * 2", got.Body)
	require.Len(t, gotParams, 1)
	assert.Equal(t, "x", gotParams[0].Name)

	tool.Active = false
	require.NoError(t, s.UpdateTool(ctx, tool, nil))
	_, _, err = s.GetActiveToolWithParameters(ctx, "adder")
	assert.ErrorIs(t, err, ErrNotFound)
	_, _, err = s.GetActiveToolWithParameters(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}
