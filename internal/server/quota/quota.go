// Package quota enforces the monthly byte budget for free-tier senders.
package quota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"sendfiles/internal/server/database"
)

// DefaultMonthlyBudget is the free-tier allowance per identity per month.
const DefaultMonthlyBudget int64 = 3 * 1024 * 1024 * 1024

var ErrExceeded = errors.New("monthly quota exceeded")

// ExceededError reports how many bytes the identity may still send this month.
type ExceededError struct {
	Remaining int64
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("monthly quota exceeded: %d bytes remaining", e.Remaining)
}

func (e *ExceededError) Is(target error) bool {
	return target == ErrExceeded
}

// Identity is who a transfer is accounted against.
type Identity struct {
	UserID     string // empty for anonymous senders
	IP         string
	PlanActive bool
}

// Key is the MonthlyUsage identity: the user when authenticated, the client
// IP otherwise.
func (i Identity) Key() string {
	if i.UserID != "" {
		return "user:" + i.UserID
	}
	return "ip:" + i.IP
}

// Exempt reports whether the identity has no monthly limit.
func (i Identity) Exempt() bool {
	return i.UserID != "" && i.PlanActive
}

// UsageStore reads and atomically increments monthly usage records.
type UsageStore interface {
	GetMonthlyUsage(ctx context.Context, identity string, year, month int) (*database.MonthlyUsage, error)
	AddMonthlyUsage(ctx context.Context, identity string, year, month int, bytes int64) error
}

// Allowance is an identity's position against the budget this month.
type Allowance struct {
	Unlimited bool
	Budget    int64
	Used      int64
	Remaining int64
}

// Guard authorizes sizes against the monthly budget and records usage.
type Guard struct {
	store  UsageStore
	budget int64
	now    func() time.Time
}

// NewGuard creates a Guard with the given monthly budget in bytes.
func NewGuard(store UsageStore, budget int64) *Guard {
	if budget <= 0 {
		budget = DefaultMonthlyBudget
	}
	return &Guard{store: store, budget: budget, now: time.Now}
}

// Using returns a copy of the guard that reads and writes through store,
// typically a transaction.
func (g *Guard) Using(store UsageStore) *Guard {
	c := *g
	c.store = store
	return &c
}

func (g *Guard) period() (int, int) {
	now := g.now().UTC()
	return now.Year(), int(now.Month())
}

// Allowance returns the identity's usage for the current calendar month.
func (g *Guard) Allowance(ctx context.Context, id Identity) (*Allowance, error) {
	year, month := g.period()
	u, err := g.store.GetMonthlyUsage(ctx, id.Key(), year, month)
	if err != nil {
		return nil, err
	}

	a := &Allowance{
		Unlimited: id.Exempt(),
		Budget:    g.budget,
		Used:      u.BytesTransferred,
		Remaining: g.budget - u.BytesTransferred,
	}
	if a.Remaining < 0 {
		a.Remaining = 0
	}
	return a, nil
}

// Authorize checks that requested bytes fit in what is left of the month.
// Exempt identities are always allowed.
func (g *Guard) Authorize(ctx context.Context, id Identity, requested int64) error {
	if id.Exempt() {
		return nil
	}
	a, err := g.Allowance(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to check quota: %w", err)
	}
	if requested > a.Remaining {
		return &ExceededError{Remaining: a.Remaining}
	}
	return nil
}

// Record adds size bytes to the identity's usage for the current month.
func (g *Guard) Record(ctx context.Context, identityKey string, size int64) error {
	year, month := g.period()
	if err := g.store.AddMonthlyUsage(ctx, identityKey, year, month, size); err != nil {
		return fmt.Errorf("failed to record usage: %w", err)
	}
	return nil
}
