package budget

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/gateway/internal/fault"
)

func TestReserveCommitAccounting(t *testing.T) {
	l := NewLedger(10.0, nil)

	require.NoError(t, l.Reserve("u1", 0.5))
	l.Commit("u1", 0.5, 0.4)

	b := l.Snapshot("u1")
	assert.Equal(t, 0.4, b.SpendUnits)
	assert.Equal(t, 0.0, b.Reserved)
}

func TestSingleRequestTolerance(t *testing.T) {
	// Matches the budget-stop scenario: cap 1.0, spend 0.98, est 0.05.
	l := NewLedger(1.0, nil)
	l.SetCap("u1", 1.0)

	require.NoError(t, l.Reserve("u1", 0.98))
	l.Commit("u1", 0.98, 0.98)

	// Still under cap, so the next request is admitted even though its
	// estimate overshoots.
	require.NoError(t, l.Reserve("u1", 0.05))
	l.Commit("u1", 0.05, 0.05)

	b := l.Snapshot("u1")
	assert.InDelta(t, 1.03, b.SpendUnits, 1e-9)

	// Now over cap: rejected.
	err := l.Reserve("u1", 0.01)
	require.Error(t, err)
	assert.True(t, fault.IsKind(err, fault.KindBudgetExceeded))
}

func TestReservationBlocksConcurrentOverspend(t *testing.T) {
	l := NewLedger(1.0, nil)

	// First in-flight reservation brings the user to the cap; a second
	// request must not be admitted on top of it.
	require.NoError(t, l.Reserve("u1", 1.5))
	err := l.Reserve("u1", 0.1)
	require.Error(t, err)
	assert.True(t, fault.IsKind(err, fault.KindBudgetExceeded))
}

func TestReleaseRefundsReservation(t *testing.T) {
	l := NewLedger(1.0, nil)

	require.NoError(t, l.Reserve("u1", 0.9))
	l.Release("u1", 0.9)

	require.NoError(t, l.Reserve("u1", 0.9))
	b := l.Snapshot("u1")
	assert.Equal(t, 0.9, b.Reserved)
	assert.Equal(t, 0.0, b.SpendUnits)
}

func TestMonthRolloverResetsSpend(t *testing.T) {
	l := NewLedger(1.0, nil)
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	require.NoError(t, l.Reserve("u1", 0.9))
	l.Commit("u1", 0.9, 0.9)
	err := l.Reserve("u1", 0.5)
	require.Error(t, err)

	now = time.Date(2026, 9, 1, 0, 0, 1, 0, time.UTC)

	require.NoError(t, l.Reserve("u1", 0.5))
	b := l.Snapshot("u1")
	assert.Equal(t, "2026-09", b.PeriodKey)
	assert.Equal(t, 0.0, b.SpendUnits)
}
