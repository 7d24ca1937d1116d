// ABOUTME: Tests for the quota cascade, day window counting and admission ledger
// ABOUTME: Runs against the in-memory MockStore with a fixed clock

package quota

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/toolgate/internal/auth"
	"github.com/2389/toolgate/internal/store"
)

var seoul = time.FixedZone("KST", 9*60*60)

func fixedNow() time.Time {
	return time.Date(2026, 3, 10, 14, 30, 0, 0, seoul)
}

func newResolver(ms *store.MockStore, exact bool) *Resolver {
	return NewResolver(ms, ms, Options{Location: seoul, Now: fixedNow, Exact: exact})
}

func setPolicy(t *testing.T, ms *store.MockStore, scope store.QuotaScope, key string, max int) {
	t.Helper()
	require.NoError(t, ms.UpsertQuotaPolicy(context.Background(), &store.QuotaPolicy{
		Scope: scope, ScopeKey: key, MaxCount: max,
	}))
}

func TestCascadeOrder(t *testing.T) {
	assert.Equal(t, []store.QuotaScope{store.ScopeToken, store.ScopeUser, store.ScopeRole}, Cascade)
}

func TestLimitFor_Cascade(t *testing.T) {
	ctx := context.Background()
	delegated := &auth.Principal{Role: auth.RoleAdmin, CredentialRef: "cred-1"}
	account := &auth.Principal{AccountID: "u1", Role: auth.RoleUser}

	tests := []struct {
		name      string
		policies  func(*testing.T, *store.MockStore)
		principal *auth.Principal
		want      int
	}{
		{
			name:      "no policy denies",
			policies:  func(*testing.T, *store.MockStore) {},
			principal: account,
			want:      0,
		},
		{
			name: "role applies",
			policies: func(t *testing.T, ms *store.MockStore) {
				setPolicy(t, ms, store.ScopeRole, auth.RoleUser, 10)
			},
			principal: account,
			want:      10,
		},
		{
			name: "user beats role",
			policies: func(t *testing.T, ms *store.MockStore) {
				setPolicy(t, ms, store.ScopeRole, auth.RoleUser, 10)
				setPolicy(t, ms, store.ScopeUser, "u1", 3)
			},
			principal: account,
			want:      3,
		},
		{
			name: "token beats role",
			policies: func(t *testing.T, ms *store.MockStore) {
				setPolicy(t, ms, store.ScopeRole, auth.RoleAdmin, Unlimited)
				setPolicy(t, ms, store.ScopeToken, "cred-1", 50)
			},
			principal: delegated,
			want:      50,
		},
		{
			name: "other user's policy ignored",
			policies: func(t *testing.T, ms *store.MockStore) {
				setPolicy(t, ms, store.ScopeUser, "u2", 7)
				setPolicy(t, ms, store.ScopeRole, auth.RoleUser, 1)
			},
			principal: account,
			want:      1,
		},
		{
			name: "unlimited role",
			policies: func(t *testing.T, ms *store.MockStore) {
				setPolicy(t, ms, store.ScopeRole, auth.RoleAdmin, Unlimited)
			},
			principal: delegated,
			want:      Unlimited,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ms := store.NewMockStore()
			tt.policies(t, ms)
			got, err := newResolver(ms, false).LimitFor(ctx, tt.principal)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDayWindow(t *testing.T) {
	from, until := DayWindow(fixedNow(), seoul)
	assert.Equal(t, time.Date(2026, 3, 10, 0, 0, 0, 0, seoul), from)
	assert.Equal(t, time.Date(2026, 3, 11, 0, 0, 0, 0, seoul), until)

	// 23:30 UTC on the 9th is already the 10th in Seoul.
	from, _ = DayWindow(time.Date(2026, 3, 9, 23, 30, 0, 0, time.UTC), seoul)
	assert.Equal(t, 10, from.Day())
}

func TestUsedToday_ExcludesYesterdayAndRejected(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMockStore()
	p := &auth.Principal{AccountID: "u1", Role: auth.RoleUser}
	midnight := time.Date(2026, 3, 10, 0, 0, 0, 0, seoul)

	records := []*store.UsageRecord{
		{PrincipalKey: p.Key(), ToolName: "add", Outcome: store.OutcomeSuccess, CreatedAt: midnight.Add(-time.Second)},
		{PrincipalKey: p.Key(), ToolName: "add", Outcome: store.OutcomeSuccess, CreatedAt: midnight},
		{PrincipalKey: p.Key(), ToolName: "add", Outcome: store.OutcomeFailure, CreatedAt: midnight.Add(time.Hour)},
		{PrincipalKey: p.Key(), ToolName: "add", Outcome: store.OutcomeRejected, CreatedAt: midnight.Add(2 * time.Hour)},
		{PrincipalKey: "account:other", ToolName: "add", Outcome: store.OutcomeSuccess, CreatedAt: midnight.Add(time.Hour)},
		{PrincipalKey: p.Key(), ToolName: "add", Outcome: store.OutcomeSuccess, CreatedAt: midnight.AddDate(0, 0, 1)},
	}
	for _, rec := range records {
		require.NoError(t, ms.RecordUsage(ctx, rec))
	}

	used, err := newResolver(ms, false).UsedToday(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, 2, used)
}

func TestStatus(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMockStore()
	setPolicy(t, ms, store.ScopeRole, auth.RoleUser, 2)
	p := &auth.Principal{AccountID: "u1", Role: auth.RoleUser}
	r := newResolver(ms, false)

	for i := 0; i < 3; i++ {
		require.NoError(t, ms.RecordUsage(ctx, &store.UsageRecord{
			PrincipalKey: p.Key(), ToolName: "add", Outcome: store.OutcomeSuccess, CreatedAt: fixedNow(),
		}))
	}

	st, err := r.Status(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, Status{Used: 3, Limit: 2, Remaining: 0}, st)
}

func TestRemaining(t *testing.T) {
	assert.Equal(t, Unlimited, Remaining(100, Unlimited))
	assert.Equal(t, 3, Remaining(2, 5))
	assert.Equal(t, 0, Remaining(7, 5))
}

func TestAdmit_RejectsAtLimit(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMockStore()
	setPolicy(t, ms, store.ScopeRole, auth.RoleUser, 2)
	p := &auth.Principal{AccountID: "u1", Role: auth.RoleUser}

	for _, exact := range []bool{false, true} {
		r := newResolver(ms, exact)
		for i := 0; i < 2; i++ {
			a, err := r.Admit(ctx, p)
			require.NoError(t, err)
			require.True(t, a.Allowed)
			require.NoError(t, ms.RecordUsage(ctx, &store.UsageRecord{
				PrincipalKey: p.Key(), ToolName: "add", Outcome: store.OutcomeSuccess, CreatedAt: fixedNow(),
			}))
			a.Release()
		}

		a, err := r.Admit(ctx, p)
		require.NoError(t, err)
		assert.False(t, a.Allowed)
		assert.Equal(t, 2, a.Used)
		assert.Equal(t, 2, a.Limit)
		a.Release()

		ms = store.NewMockStore()
		setPolicy(t, ms, store.ScopeRole, auth.RoleUser, 2)
	}
}

func TestAdmit_UnlimitedSkipsCounting(t *testing.T) {
	ms := store.NewMockStore()
	setPolicy(t, ms, store.ScopeRole, auth.RoleAdmin, Unlimited)
	a, err := newResolver(ms, true).Admit(context.Background(), &auth.Principal{AccountID: "admin", Role: auth.RoleAdmin})
	require.NoError(t, err)
	assert.True(t, a.Allowed)
	assert.Equal(t, Unlimited, a.Limit)
	a.Release()
}

func TestAdmit_ExactModeHoldsSlotsForInFlightCalls(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMockStore()
	setPolicy(t, ms, store.ScopeRole, auth.RoleUser, 3)
	p := &auth.Principal{AccountID: "u1", Role: auth.RoleUser}
	r := newResolver(ms, true)

	const callers = 10
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed []*Admission
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a, err := r.Admit(ctx, p)
			if err != nil {
				t.Error(err)
				return
			}
			if a.Allowed {
				mu.Lock()
				allowed = append(allowed, a)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, allowed, 3)
	assert.Equal(t, 3, inFlight(r.ledger, p.Key()))

	for _, a := range allowed {
		require.NoError(t, ms.RecordUsage(ctx, &store.UsageRecord{
			PrincipalKey: p.Key(), ToolName: "add", Outcome: store.OutcomeSuccess, CreatedAt: fixedNow(),
		}))
		a.Release()
		a.Release()
	}
	assert.Equal(t, 0, inFlight(r.ledger, p.Key()))

	a, err := r.Admit(ctx, p)
	require.NoError(t, err)
	assert.False(t, a.Allowed)
	assert.Equal(t, 3, a.Used)
}

func TestAdmission_SettleRecordsBeforeRelease(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMockStore()
	setPolicy(t, ms, store.ScopeRole, auth.RoleUser, 2)
	p := &auth.Principal{AccountID: "u1", Role: auth.RoleUser}
	r := newResolver(ms, true)

	a, err := r.Admit(ctx, p)
	require.NoError(t, err)
	require.True(t, a.Allowed)

	a.Settle(func() {
		assert.Equal(t, 1, inFlight(r.ledger, p.Key()))
		require.NoError(t, ms.RecordUsage(ctx, &store.UsageRecord{
			PrincipalKey: p.Key(), ToolName: "add", Outcome: store.OutcomeSuccess, CreatedAt: fixedNow(),
		}))
	})
	assert.Equal(t, 0, inFlight(r.ledger, p.Key()))

	b, err := r.Admit(ctx, p)
	require.NoError(t, err)
	assert.True(t, b.Allowed, "a settled call counts once")
	assert.Equal(t, 1, b.Used)
	b.Release()

	rejected := &Admission{Allowed: false}
	ran := false
	rejected.Settle(func() { ran = true })
	assert.True(t, ran)
}

func TestReport(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMockStore()
	require.NoError(t, ms.UpsertAccount(ctx, &store.Account{ID: "alice", DisplayName: "Alice", Role: auth.RoleUser, Enabled: true}))
	require.NoError(t, ms.UpsertAccount(ctx, &store.Account{ID: "bob", DisplayName: "Bob", Role: auth.RoleUser, Enabled: false}))
	require.NoError(t, ms.UpsertAccount(ctx, &store.Account{ID: "root", DisplayName: "Root", Role: auth.RoleAdmin, Enabled: true}))
	setPolicy(t, ms, store.ScopeRole, auth.RoleUser, 5)
	setPolicy(t, ms, store.ScopeRole, auth.RoleAdmin, Unlimited)
	require.NoError(t, ms.RecordUsage(ctx, &store.UsageRecord{
		PrincipalKey: "account:alice", ToolName: "add", Outcome: store.OutcomeSuccess, CreatedAt: fixedNow(),
	}))

	rows, err := newResolver(ms, false).Report(ctx, ms)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "alice", rows[0].AccountID)
	assert.Equal(t, Status{Used: 1, Limit: 5, Remaining: 4}, rows[0].Status)
	assert.Equal(t, "root", rows[1].AccountID)
	assert.Equal(t, Unlimited, rows[1].Remaining)
}

func inFlight(l *Ledger, key string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok := l.entries[key]; ok {
		return e.inflight
	}
	return 0
}
