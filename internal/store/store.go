// ABOUTME: Store interfaces and data types for toolgate persistence
// ABOUTME: Defines tools, parameters, accounts, credentials, quota policies and usage records

package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicate is returned when a unique constraint would be violated
var ErrDuplicate = errors.New("already exists")

// ToolKind identifies which execution backend runs a tool body.
type ToolKind string

const (
	KindQueryTemplate ToolKind = "QUERY_TEMPLATE"
	KindExpression    ToolKind = "EXPRESSION"
)

// ParseToolKind accepts the canonical kinds and the legacy SQL/PYTHON aliases.
func ParseToolKind(s string) (ToolKind, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "QUERY_TEMPLATE", "SQL", "QUERY":
		return KindQueryTemplate, nil
	case "EXPRESSION", "PYTHON", "EXPR":
		return KindExpression, nil
	}
	return "", fmt.Errorf("unknown tool kind %q", s)
}

// canonicalKind maps a stored kind to its canonical form. Unknown kinds are
// kept as stored so the engine can report them.
func canonicalKind(s string) ToolKind {
	if k, err := ParseToolKind(s); err == nil {
		return k
	}
	return ToolKind(s)
}

// ToolDefinition is a declaratively defined tool as stored in the catalog.
type ToolDefinition struct {
	ID               string
	Name             string
	Kind             ToolKind
	Body             string
	AgentDescription string
	HumanDescription string
	Active           bool
	CreatedBy        string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// ToolParameter is one declared input of a tool, in declaration order.
// Type is kept as stored; interpretation happens in the catalog.
type ToolParameter struct {
	Name        string
	Type        string
	Required    bool
	Description string
}

// Account is a registered principal that can hold session credentials.
type Account struct {
	ID          string
	DisplayName string
	Role        string
	Enabled     bool
	CreatedAt   time.Time
}

// DelegatedCredential is a long-lived token issued to an external system.
// Only the token digest is persisted.
type DelegatedCredential struct {
	ID        string
	Name      string
	TokenHash string
	CanUse    bool
	Deleted   bool
	CreatedBy string
	CreatedAt time.Time
}

// QuotaScope is the kind of key a quota policy is attached to.
type QuotaScope string

const (
	ScopeToken QuotaScope = "TOKEN"
	ScopeUser  QuotaScope = "USER"
	ScopeRole  QuotaScope = "ROLE"
)

// ParseQuotaScope validates a scope name.
func ParseQuotaScope(s string) (QuotaScope, error) {
	switch QuotaScope(strings.ToUpper(strings.TrimSpace(s))) {
	case ScopeToken:
		return ScopeToken, nil
	case ScopeUser:
		return ScopeUser, nil
	case ScopeRole:
		return ScopeRole, nil
	}
	return "", fmt.Errorf("unknown quota scope %q", s)
}

// PeriodDaily is the only supported quota period.
const PeriodDaily = "DAILY"

// QuotaPolicy caps invocations per period for one (scope, key) pair.
// MaxCount of -1 means unlimited.
type QuotaPolicy struct {
	ID          string
	Scope       QuotaScope
	ScopeKey    string
	Period      string
	MaxCount    int
	Description string
	UpdatedAt   time.Time
}

// Outcome classifies an audited invocation attempt.
type Outcome string

const (
	OutcomeSuccess  Outcome = "success"
	OutcomeFailure  Outcome = "failure"
	OutcomeRejected Outcome = "rejected" // refused by quota; audited but not counted
)

// Valid reports whether o is a known outcome.
func (o Outcome) Valid() bool {
	switch o {
	case OutcomeSuccess, OutcomeFailure, OutcomeRejected:
		return true
	}
	return false
}

// UsageRecord is one append-only audit entry for an invocation attempt.
type UsageRecord struct {
	ID            string
	PrincipalKey  string
	AccountID     string
	CredentialRef string
	Role          string
	ToolName      string
	Arguments     string // JSON snapshot
	Outcome       Outcome
	Result        string
	CreatedAt     time.Time
}

// UsageFilter narrows ListUsage. Zero values mean "any".
type UsageFilter struct {
	PrincipalKey string
	ToolName     string
	Outcome      Outcome
	Since        time.Time
	Until        time.Time
	Limit        int
	Offset       int
}

// ToolUsageStat aggregates outcomes for one tool.
type ToolUsageStat struct {
	ToolName string
	Total    int
	Success  int
	Failure  int
	Rejected int
}

// PrincipalUsageStat is the counted usage of one principal in a window.
type PrincipalUsageStat struct {
	PrincipalKey string
	AccountID    string
	Role         string
	Count        int
}

// ResultSet is the ordered output of a query template.
type ResultSet struct {
	Columns []string
	Rows    [][]any
}

// ToolStore holds the tool catalog.
type ToolStore interface {
	ListActiveTools(ctx context.Context) ([]*ToolDefinition, error)
	ListTools(ctx context.Context) ([]*ToolDefinition, error)
	GetTool(ctx context.Context, id string) (*ToolDefinition, error)
	GetActiveToolByName(ctx context.Context, name string) (*ToolDefinition, error)
	// GetActiveToolWithParameters reads a tool and its parameters as one snapshot.
	GetActiveToolWithParameters(ctx context.Context, name string) (*ToolDefinition, []ToolParameter, error)
	ListParameters(ctx context.Context, toolID string) ([]ToolParameter, error)
	CreateTool(ctx context.Context, tool *ToolDefinition, params []ToolParameter) error
	UpdateTool(ctx context.Context, tool *ToolDefinition, params []ToolParameter) error
	DeleteTool(ctx context.Context, id string) error
}

// AccountStore holds registered accounts.
type AccountStore interface {
	GetAccount(ctx context.Context, id string) (*Account, error)
	UpsertAccount(ctx context.Context, account *Account) error
	ListAccounts(ctx context.Context) ([]*Account, error)
}

// CredentialStore holds delegated credentials.
type CredentialStore interface {
	CreateCredential(ctx context.Context, cred *DelegatedCredential, token string) error
	LookupCredential(ctx context.Context, token string) (*DelegatedCredential, error)
	ListCredentials(ctx context.Context) ([]*DelegatedCredential, error)
	RevokeCredential(ctx context.Context, id string) error
	SetCredentialUsable(ctx context.Context, id string, usable bool) error
}

// QuotaStore holds quota policies.
type QuotaStore interface {
	GetQuotaPolicy(ctx context.Context, scope QuotaScope, key string) (*QuotaPolicy, error)
	UpsertQuotaPolicy(ctx context.Context, policy *QuotaPolicy) error
	ListQuotaPolicies(ctx context.Context) ([]*QuotaPolicy, error)
	DeleteQuotaPolicy(ctx context.Context, id string) error
}

// UsageStore is the append-only usage ledger.
type UsageStore interface {
	RecordUsage(ctx context.Context, rec *UsageRecord) error
	// CountUsage counts non-rejected records for principalKey in [from, until).
	CountUsage(ctx context.Context, principalKey string, from, until time.Time) (int, error)
	ListUsage(ctx context.Context, filter UsageFilter) ([]*UsageRecord, error)
	ToolUsageStats(ctx context.Context, from, until time.Time) ([]ToolUsageStat, error)
	PrincipalUsageStats(ctx context.Context, from, until time.Time) ([]PrincipalUsageStat, error)
}

// TemplateStore executes compiled query templates.
type TemplateStore interface {
	// BindVar returns the dialect's placeholder for the n-th (1-based) argument.
	BindVar(n int) string
	RunTemplate(ctx context.Context, query string, args []any) (*ResultSet, error)
}

// Store is the full persistence surface.
type Store interface {
	ToolStore
	AccountStore
	CredentialStore
	QuotaStore
	UsageStore
	TemplateStore
	Close() error
}
