// Package budget tracks per-user monthly spend against a cap. Admission uses
// an optimistic reserve: a request is charged its estimate up front and
// reconciled with the actual cost on commit, so at most one in-flight request
// can carry a user past the cap by its own estimate.
package budget

import (
	"log/slog"
	"sync"
	"time"

	"github.com/ocx/gateway/internal/fault"
)

// UserBudget is one user's ledger row for the current period.
type UserBudget struct {
	UserID     string
	PeriodKey  string // YYYY-MM
	SpendUnits float64
	CapUnits   float64
	Reserved   float64
	UpdatedAt  time.Time
}

// Ledger is the in-process budget accountant. Reservation and commit for one
// user happen inside the same per-user critical section.
type Ledger struct {
	mu         sync.Mutex
	users      map[string]*userEntry
	defaultCap float64
	logger     *slog.Logger

	// now is swappable for tests (month rollover).
	now func() time.Time
}

type userEntry struct {
	mu sync.Mutex
	b  UserBudget
}

// NewLedger creates a ledger with the given default monthly cap.
func NewLedger(defaultCap float64, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{
		users:      make(map[string]*userEntry),
		defaultCap: defaultCap,
		logger:     logger.With("component", "budget"),
		now:        time.Now,
	}
}

func periodKey(t time.Time) string {
	return t.UTC().Format("2006-01")
}

func (l *Ledger) entry(userID string) *userEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.users[userID]
	if !ok {
		e = &userEntry{b: UserBudget{
			UserID:    userID,
			PeriodKey: periodKey(l.now()),
			CapUnits:  l.defaultCap,
		}}
		l.users[userID] = e
	}
	return e
}

// rollLocked resets spend when the stored period differs from the current
// month. Caller holds the entry lock.
func (l *Ledger) rollLocked(e *userEntry) {
	current := periodKey(l.now())
	if e.b.PeriodKey != current {
		l.logger.Info("budget period rolled over",
			"user", e.b.UserID, "from", e.b.PeriodKey, "to", current)
		e.b.PeriodKey = current
		e.b.SpendUnits = 0
		e.b.Reserved = 0
	}
}

// Reserve admits a request costing an estimated estCost. Admission requires
// committed spend (excluding this reservation) to still be under the cap;
// the reservation itself may push the total past it. That single-request
// tolerance is reconciled on Commit.
func (l *Ledger) Reserve(userID string, estCost float64) error {
	e := l.entry(userID)
	e.mu.Lock()
	defer e.mu.Unlock()
	l.rollLocked(e)

	if e.b.SpendUnits+e.b.Reserved >= e.b.CapUnits {
		return fault.Newf(fault.KindBudgetExceeded,
			"user %s spent %.4f of %.4f units this period", userID, e.b.SpendUnits, e.b.CapUnits)
	}

	e.b.Reserved += estCost
	e.b.UpdatedAt = l.now()
	return nil
}

// Commit replaces a reservation with the actual cost.
func (l *Ledger) Commit(userID string, estCost, actualCost float64) {
	e := l.entry(userID)
	e.mu.Lock()
	defer e.mu.Unlock()
	l.rollLocked(e)

	e.b.Reserved -= estCost
	if e.b.Reserved < 0 {
		e.b.Reserved = 0
	}
	e.b.SpendUnits += actualCost
	e.b.UpdatedAt = l.now()
}

// Release cancels a reservation without charging (request failed or was
// cancelled before any backend spend).
func (l *Ledger) Release(userID string, estCost float64) {
	e := l.entry(userID)
	e.mu.Lock()
	defer e.mu.Unlock()

	e.b.Reserved -= estCost
	if e.b.Reserved < 0 {
		e.b.Reserved = 0
	}
	e.b.UpdatedAt = l.now()
}

// SetCap overrides a user's monthly cap (tier upgrades, admin action).
func (l *Ledger) SetCap(userID string, capUnits float64) {
	e := l.entry(userID)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.b.CapUnits = capUnits
	e.b.UpdatedAt = l.now()
}

// Snapshot returns a copy of the user's current ledger row.
func (l *Ledger) Snapshot(userID string) UserBudget {
	e := l.entry(userID)
	e.mu.Lock()
	defer e.mu.Unlock()
	l.rollLocked(e)
	return e.b
}

// Stats reports ledger occupancy for the admin surface.
func (l *Ledger) Stats() map[string]interface{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	return map[string]interface{}{
		"users":       len(l.users),
		"default_cap": l.defaultCap,
	}
}
