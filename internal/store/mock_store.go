// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without a database

package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// TemplateCall records one RunTemplate invocation on a MockStore.
type TemplateCall struct {
	Query string
	Args  []any
}

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu          sync.RWMutex
	tools       map[string]*ToolDefinition      // keyed by tool ID
	params      map[string][]ToolParameter      // keyed by tool ID
	accounts    map[string]*Account             // keyed by account ID
	credentials map[string]*DelegatedCredential // keyed by token hash
	policies    map[string]*QuotaPolicy         // keyed by "scope:key"
	usage       []*UsageRecord

	// TemplateFunc answers RunTemplate; nil yields an empty result set.
	TemplateFunc  func(query string, args []any) (*ResultSet, error)
	TemplateCalls []TemplateCall
}

var _ Store = (*MockStore)(nil)

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		tools:       make(map[string]*ToolDefinition),
		params:      make(map[string][]ToolParameter),
		accounts:    make(map[string]*Account),
		credentials: make(map[string]*DelegatedCredential),
		policies:    make(map[string]*QuotaPolicy),
	}
}

// Close is a no-op.
func (m *MockStore) Close() error { return nil }

func (m *MockStore) ListActiveTools(ctx context.Context) ([]*ToolDefinition, error) {
	return m.listTools(true), nil
}

func (m *MockStore) ListTools(ctx context.Context) ([]*ToolDefinition, error) {
	return m.listTools(false), nil
}

func (m *MockStore) listTools(activeOnly bool) []*ToolDefinition {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*ToolDefinition
	for _, t := range m.tools {
		if activeOnly && !t.Active {
			continue
		}
		c := *t
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (m *MockStore) GetTool(ctx context.Context, id string) (*ToolDefinition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.tools[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *t
	return &c, nil
}

func (m *MockStore) GetActiveToolByName(ctx context.Context, name string) (*ToolDefinition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, t := range m.tools {
		if t.Active && t.Name == name {
			c := *t
			return &c, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MockStore) GetActiveToolWithParameters(ctx context.Context, name string) (*ToolDefinition, []ToolParameter, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, t := range m.tools {
		if t.Active && t.Name == name {
			c := *t
			return &c, append([]ToolParameter(nil), m.params[t.ID]...), nil
		}
	}
	return nil, nil, ErrNotFound
}

func (m *MockStore) ListParameters(ctx context.Context, toolID string) ([]ToolParameter, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return append([]ToolParameter(nil), m.params[toolID]...), nil
}

func (m *MockStore) CreateTool(ctx context.Context, tool *ToolDefinition, params []ToolParameter) error {
	kind, err := ParseToolKind(string(tool.Kind))
	if err != nil {
		return fmt.Errorf("creating tool %s: %w", tool.Name, err)
	}
	tool.Kind = kind

	m.mu.Lock()
	defer m.mu.Unlock()

	if tool.Active {
		for _, t := range m.tools {
			if t.Active && t.Name == tool.Name {
				return ErrDuplicate
			}
		}
	}
	if tool.ID == "" {
		tool.ID = uuid.New().String()
	}
	now := time.Now()
	if tool.CreatedAt.IsZero() {
		tool.CreatedAt = now
	}
	tool.UpdatedAt = now

	c := *tool
	m.tools[c.ID] = &c
	m.params[c.ID] = append([]ToolParameter(nil), params...)
	return nil
}

func (m *MockStore) UpdateTool(ctx context.Context, tool *ToolDefinition, params []ToolParameter) error {
	kind, err := ParseToolKind(string(tool.Kind))
	if err != nil {
		return fmt.Errorf("updating tool %s: %w", tool.Name, err)
	}
	tool.Kind = kind

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.tools[tool.ID]; !ok {
		return ErrNotFound
	}
	tool.UpdatedAt = time.Now()
	c := *tool
	m.tools[c.ID] = &c
	m.params[c.ID] = append([]ToolParameter(nil), params...)
	return nil
}

func (m *MockStore) DeleteTool(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.tools[id]; !ok {
		return ErrNotFound
	}
	delete(m.tools, id)
	delete(m.params, id)
	return nil
}

func (m *MockStore) GetAccount(ctx context.Context, id string) (*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.accounts[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *a
	return &c, nil
}

func (m *MockStore) UpsertAccount(ctx context.Context, account *Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if account.CreatedAt.IsZero() {
		account.CreatedAt = time.Now()
	}
	c := *account
	m.accounts[c.ID] = &c
	return nil
}

func (m *MockStore) ListAccounts(ctx context.Context) ([]*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Account, 0, len(m.accounts))
	for _, a := range m.accounts {
		c := *a
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MockStore) CreateCredential(ctx context.Context, cred *DelegatedCredential, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	hash := HashToken(token)
	if _, ok := m.credentials[hash]; ok {
		return ErrDuplicate
	}
	if cred.ID == "" {
		cred.ID = uuid.New().String()
	}
	if cred.CreatedAt.IsZero() {
		cred.CreatedAt = time.Now()
	}
	cred.TokenHash = hash
	c := *cred
	m.credentials[hash] = &c
	return nil
}

func (m *MockStore) LookupCredential(ctx context.Context, token string) (*DelegatedCredential, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.credentials[HashToken(token)]
	if !ok || !c.CanUse || c.Deleted {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *MockStore) ListCredentials(ctx context.Context) ([]*DelegatedCredential, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*DelegatedCredential
	for _, c := range m.credentials {
		if c.Deleted {
			continue
		}
		cp := *c
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *MockStore) findCredential(id string) *DelegatedCredential {
	for _, c := range m.credentials {
		if c.ID == id && !c.Deleted {
			return c
		}
	}
	return nil
}

func (m *MockStore) RevokeCredential(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := m.findCredential(id)
	if c == nil {
		return ErrNotFound
	}
	c.Deleted = true
	return nil
}

func (m *MockStore) SetCredentialUsable(ctx context.Context, id string, usable bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := m.findCredential(id)
	if c == nil {
		return ErrNotFound
	}
	c.CanUse = usable
	return nil
}

func policyKey(scope QuotaScope, key string) string {
	return string(scope) + ":" + key
}

func (m *MockStore) GetQuotaPolicy(ctx context.Context, scope QuotaScope, key string) (*QuotaPolicy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.policies[policyKey(scope, key)]
	if !ok {
		return nil, ErrNotFound
	}
	c := *p
	return &c, nil
}

func (m *MockStore) UpsertQuotaPolicy(ctx context.Context, policy *QuotaPolicy) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := policyKey(policy.Scope, policy.ScopeKey)
	if existing, ok := m.policies[k]; ok {
		policy.ID = existing.ID
	} else if policy.ID == "" {
		policy.ID = uuid.New().String()
	}
	if policy.Period == "" {
		policy.Period = PeriodDaily
	}
	policy.UpdatedAt = time.Now()
	c := *policy
	m.policies[k] = &c
	return nil
}

func (m *MockStore) ListQuotaPolicies(ctx context.Context) ([]*QuotaPolicy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*QuotaPolicy, 0, len(m.policies))
	for _, p := range m.policies {
		c := *p
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Scope != out[j].Scope {
			return out[i].Scope < out[j].Scope
		}
		return out[i].ScopeKey < out[j].ScopeKey
	})
	return out, nil
}

func (m *MockStore) DeleteQuotaPolicy(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for k, p := range m.policies {
		if p.ID == id {
			delete(m.policies, k)
			return nil
		}
	}
	return ErrNotFound
}

func (m *MockStore) RecordUsage(ctx context.Context, rec *UsageRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	c := *rec
	m.usage = append(m.usage, &c)
	return nil
}

func inWindow(t, from, until time.Time) bool {
	if !from.IsZero() && t.Before(from) {
		return false
	}
	if !until.IsZero() && !t.Before(until) {
		return false
	}
	return true
}

func (m *MockStore) CountUsage(ctx context.Context, principalKey string, from, until time.Time) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	for _, r := range m.usage {
		if r.PrincipalKey == principalKey && r.Outcome != OutcomeRejected && inWindow(r.CreatedAt, from, until) {
			n++
		}
	}
	return n, nil
}

func (m *MockStore) ListUsage(ctx context.Context, filter UsageFilter) ([]*UsageRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*UsageRecord
	for i := len(m.usage) - 1; i >= 0; i-- {
		r := m.usage[i]
		if filter.PrincipalKey != "" && r.PrincipalKey != filter.PrincipalKey {
			continue
		}
		if filter.ToolName != "" && r.ToolName != filter.ToolName {
			continue
		}
		if filter.Outcome != "" && r.Outcome != filter.Outcome {
			continue
		}
		if !inWindow(r.CreatedAt, filter.Since, filter.Until) {
			continue
		}
		c := *r
		out = append(out, &c)
	}
	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return nil, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *MockStore) ToolUsageStats(ctx context.Context, from, until time.Time) ([]ToolUsageStat, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	byTool := make(map[string]*ToolUsageStat)
	for _, r := range m.usage {
		if !inWindow(r.CreatedAt, from, until) {
			continue
		}
		st, ok := byTool[r.ToolName]
		if !ok {
			st = &ToolUsageStat{ToolName: r.ToolName}
			byTool[r.ToolName] = st
		}
		st.Total++
		switch r.Outcome {
		case OutcomeSuccess:
			st.Success++
		case OutcomeFailure:
			st.Failure++
		case OutcomeRejected:
			st.Rejected++
		}
	}
	out := make([]ToolUsageStat, 0, len(byTool))
	for _, st := range byTool {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Total != out[j].Total {
			return out[i].Total > out[j].Total
		}
		return out[i].ToolName < out[j].ToolName
	})
	return out, nil
}

func (m *MockStore) PrincipalUsageStats(ctx context.Context, from, until time.Time) ([]PrincipalUsageStat, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	byKey := make(map[string]*PrincipalUsageStat)
	for _, r := range m.usage {
		if r.Outcome == OutcomeRejected || !inWindow(r.CreatedAt, from, until) {
			continue
		}
		st, ok := byKey[r.PrincipalKey]
		if !ok {
			st = &PrincipalUsageStat{PrincipalKey: r.PrincipalKey, AccountID: r.AccountID, Role: r.Role}
			byKey[r.PrincipalKey] = st
		}
		st.Count++
	}
	out := make([]PrincipalUsageStat, 0, len(byKey))
	for _, st := range byKey {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].PrincipalKey < out[j].PrincipalKey
	})
	return out, nil
}

// BindVar uses sqlite-style placeholders.
func (m *MockStore) BindVar(n int) string { return "?" }

func (m *MockStore) RunTemplate(ctx context.Context, query string, args []any) (*ResultSet, error) {
	m.mu.Lock()
	m.TemplateCalls = append(m.TemplateCalls, TemplateCall{Query: query, Args: append([]any(nil), args...)})
	fn := m.TemplateFunc
	m.mu.Unlock()

	if fn == nil {
		return &ResultSet{Rows: [][]any{}}, nil
	}
	return fn(query, args)
}

// UsageRecords returns a copy of every recorded usage entry in insertion order.
func (m *MockStore) UsageRecords() []UsageRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]UsageRecord, len(m.usage))
	for i, r := range m.usage {
		out[i] = *r
	}
	return out
}

// TemplateCallCount reports how many times RunTemplate was invoked.
func (m *MockStore) TemplateCallCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.TemplateCalls)
}
