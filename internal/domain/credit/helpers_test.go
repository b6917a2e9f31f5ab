package credit_test

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/cobra-ai/credits/internal/domain/credit"
	"github.com/cobra-ai/credits/internal/pkg/database"
)

var epoch = time.Date(2026, time.March, 10, 12, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recorder struct {
	mu     sync.Mutex
	events []credit.Event
}

func (r *recorder) handle(_ context.Context, e credit.Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) count(t credit.EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Type == t {
			n++
		}
	}
	return n
}

func (r *recorder) reset() {
	r.mu.Lock()
	r.events = nil
	r.mu.Unlock()
}

type fixture struct {
	repo     *credit.CreditRepository
	registry *credit.Registry
	service  *credit.Service
	clock    *fakeClock
	events   *recorder
}

func newFixture(t *testing.T, opts ...credit.Option) *fixture {
	t.Helper()

	db, err := database.NewSQLite(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := database.Migrate(context.Background(), db, credit.Migrations("sqlite")); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	f := &fixture{
		repo:     credit.NewRepository(db),
		registry: credit.NewRegistry(),
		clock:    &fakeClock{now: epoch},
		events:   &recorder{},
	}
	bus := credit.NewEventBus()
	bus.SubscribeAll(f.events.handle)

	all := append([]credit.Option{credit.WithClock(f.clock.Now), credit.WithEventBus(bus)}, opts...)
	f.service = credit.NewService(f.repo, f.registry, all...)
	return f
}

// add grants amount of typeID and moves the clock forward a second so
// creation order is unambiguous.
func (f *fixture) add(t *testing.T, userID int64, amount string, typeID credit.TypeID, opts credit.AddOptions) int64 {
	t.Helper()
	id, err := f.service.AddCredit(context.Background(), userID, dec(amount), typeID, opts)
	if err != nil {
		t.Fatalf("add %s %s: %v", amount, typeID, err)
	}
	f.clock.Advance(time.Second)
	return id
}

func (f *fixture) grant(t *testing.T, id int64) *credit.Grant {
	t.Helper()
	g, err := f.service.GetCredit(context.Background(), id)
	if err != nil {
		t.Fatalf("get grant %d: %v", id, err)
	}
	return g
}

func (f *fixture) balance(t *testing.T, userID int64) decimal.Decimal {
	t.Helper()
	b, err := f.service.GetBalance(context.Background(), userID)
	if err != nil {
		t.Fatalf("get balance: %v", err)
	}
	return b
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func assertDecimal(t *testing.T, what string, got decimal.Decimal, want string) {
	t.Helper()
	if !got.Equal(dec(want)) {
		t.Fatalf("%s = %s, want %s", what, got, want)
	}
}

func timePtr(t time.Time) *time.Time {
	return &t
}

func statusPtr(s credit.Status) *credit.Status {
	return &s
}

func typePtr(t credit.TypeID) *credit.TypeID {
	return &t
}
