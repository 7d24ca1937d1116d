// ABOUTME: Tests for the usage ledger
// ABOUTME: Validates windowed counting, rejected-outcome exclusion, filtering and statistics

package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func record(t *testing.T, s Store, key, tool string, outcome Outcome, at time.Time) {
	t.Helper()
	require.NoError(t, s.RecordUsage(context.Background(), &UsageRecord{
		PrincipalKey: key,
		AccountID:    "alice",
		Role:         "ROLE_USER",
		ToolName:     tool,
		Arguments:    `{"a":1}`,
		Outcome:      outcome,
		Result:       "ok",
		CreatedAt:    at,
	}))
}

func TestCountUsage_Window(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	dayStart := time.Date(2026, 3, 10, 0, 0, 0, 0, time.Local)
	dayEnd := dayStart.AddDate(0, 0, 1)

	record(t, s, "account:alice", "add", OutcomeSuccess, dayStart.Add(-time.Second)) // yesterday
	record(t, s, "account:alice", "add", OutcomeSuccess, dayStart)                   // midnight counts
	record(t, s, "account:alice", "add", OutcomeFailure, dayStart.Add(12*time.Hour))
	record(t, s, "account:alice", "add", OutcomeRejected, dayStart.Add(13*time.Hour))
	record(t, s, "account:alice", "add", OutcomeSuccess, dayEnd) // tomorrow
	record(t, s, "account:bob", "add", OutcomeSuccess, dayStart.Add(time.Hour))

	n, err := s.CountUsage(ctx, "account:alice", dayStart, dayEnd)
	require.NoError(t, err)
	assert.Equal(t, 2, n, "failures count, rejected attempts and other days do not")
}

func TestListUsage_Filters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)

	record(t, s, "account:alice", "add", OutcomeSuccess, base)
	record(t, s, "account:alice", "subtract", OutcomeFailure, base.Add(time.Minute))
	record(t, s, "token:t1", "add", OutcomeSuccess, base.Add(2*time.Minute))

	all, err := s.ListUsage(ctx, UsageFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "token:t1", all[0].PrincipalKey, "newest first")
	assert.Equal(t, `{"a":1}`, all[0].Arguments)

	byTool, err := s.ListUsage(ctx, UsageFilter{ToolName: "add"})
	require.NoError(t, err)
	assert.Len(t, byTool, 2)

	failures, err := s.ListUsage(ctx, UsageFilter{Outcome: OutcomeFailure})
	require.NoError(t, err)
	require.Len(t, failures, 1)
	assert.Equal(t, "subtract", failures[0].ToolName)

	page, err := s.ListUsage(ctx, UsageFilter{PrincipalKey: "account:alice", Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "add", page[0].ToolName)
}

func TestUsageStats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	record(t, s, "account:alice", "add", OutcomeSuccess, now)
	record(t, s, "account:alice", "add", OutcomeFailure, now)
	record(t, s, "account:alice", "add", OutcomeRejected, now)
	record(t, s, "token:t1", "subtract", OutcomeSuccess, now)

	tools, err := s.ToolUsageStats(ctx, time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Len(t, tools, 2)
	assert.Equal(t, ToolUsageStat{ToolName: "add", Total: 3, Success: 1, Failure: 1, Rejected: 1}, tools[0])

	principals, err := s.PrincipalUsageStats(ctx, now.Add(-time.Hour), now.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, principals, 2)
	assert.Equal(t, "account:alice", principals[0].PrincipalKey)
	assert.Equal(t, 2, principals[0].Count)
	assert.Equal(t, "ROLE_USER", principals[0].Role)
}

func TestMockStore_MatchesCountSemantics(t *testing.T) {
	m := NewMockStore()
	dayStart := time.Date(2026, 3, 10, 0, 0, 0, 0, time.Local)

	record(t, m, "k", "add", OutcomeSuccess, dayStart.Add(-time.Nanosecond))
	record(t, m, "k", "add", OutcomeSuccess, dayStart)
	record(t, m, "k", "add", OutcomeRejected, dayStart.Add(time.Minute))

	n, err := m.CountUsage(context.Background(), "k", dayStart, dayStart.AddDate(0, 0, 1))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Len(t, m.UsageRecords(), 3)
}
