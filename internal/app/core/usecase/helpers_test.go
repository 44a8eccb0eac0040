package usecase_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JoeShih716/go-class-ledger/internal/app/core/adapter/out/database"
	"github.com/JoeShih716/go-class-ledger/internal/app/core/adapter/out/memory"
	"github.com/JoeShih716/go-class-ledger/internal/app/core/domain"
	"github.com/JoeShih716/go-class-ledger/internal/app/core/usecase"
	dbclient "github.com/JoeShih716/go-class-ledger/pkg/database"
	"github.com/JoeShih716/go-class-ledger/pkg/retry"
)

// 2026-03-02 08:00 UTC
var t0 = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

type published struct {
	key     string
	payload any
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []published
}

func (p *recordingPublisher) Publish(_ context.Context, key string, payload any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, published{key: key, payload: payload})
	return nil
}

func (p *recordingPublisher) keys() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.key)
	}
	return out
}

type harness struct {
	store  usecase.Store
	engine *usecase.Engine
	core   *usecase.CoreUseCase
	clock  *fakeClock
	pub    *recordingPublisher
}

func newSQLiteStore(t *testing.T) usecase.Store {
	t.Helper()
	client, err := dbclient.NewClient(dbclient.Config{
		Driver:   dbclient.DriverSQLite,
		Path:     fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name()),
		LogLevel: "silent",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	s := database.NewStore(client)
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

var storeFactories = []struct {
	name string
	new  func(t *testing.T) usecase.Store
}{
	{"sqlite", newSQLiteStore},
	{"memory", func(*testing.T) usecase.Store { return memory.NewMutexStore() }},
}

func newHarness(t *testing.T, store usecase.Store) *harness {
	t.Helper()
	clock := &fakeClock{now: t0}
	pub := &recordingPublisher{}
	engine := usecase.NewEngine(store,
		usecase.WithClock(clock.Now),
		usecase.WithEventPublisher(pub),
		usecase.WithRetry(retry.Config{MaxAttempts: 5, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}),
	)
	return &harness{
		store:  store,
		engine: engine,
		core:   usecase.NewCoreUseCase(engine, store, usecase.NewReconciler(store)),
		clock:  clock,
		pub:    pub,
	}
}

// forEachStore 對每一種 Store 實作執行同一組測試
func forEachStore(t *testing.T, fn func(t *testing.T, h *harness)) {
	for _, f := range storeFactories {
		t.Run(f.name, func(t *testing.T) {
			fn(t, newHarness(t, f.new(t)))
		})
	}
}

func (h *harness) member(t *testing.T, externalID string) *domain.Member {
	t.Helper()
	m, err := h.core.EnsureMember(context.Background(), externalID)
	require.NoError(t, err)
	return m
}

func (h *harness) grant(t *testing.T, memberID, credits int64, days int, unlimited bool) *domain.PlanGrant {
	t.Helper()
	g, err := h.core.CreateGrant(context.Background(), memberID, credits, days, unlimited)
	require.NoError(t, err)
	return g
}

// session 預設: 開課時間 t0 + startsIn，預約截止 30 分鐘，免費取消 12 小時
func (h *harness) session(t *testing.T, capacity int, startsIn time.Duration) *domain.Session {
	t.Helper()
	s, err := h.core.ScheduleSession(context.Background(), domain.SessionParams{
		Title:                   "Yoga",
		StartsAt:                t0.Add(startsIn),
		DurationMinutes:         60,
		Capacity:                capacity,
		BookingCutoffMinutes:    30,
		CancellationCutoffHours: 12,
	})
	require.NoError(t, err)
	return s
}

func (h *harness) mustSession(t *testing.T, id int64) *domain.Session {
	t.Helper()
	s, err := h.store.GetSession(context.Background(), id)
	require.NoError(t, err)
	return s
}

func (h *harness) mustGrant(t *testing.T, id int64) *domain.PlanGrant {
	t.Helper()
	g, err := h.store.GetGrant(context.Background(), id)
	require.NoError(t, err)
	return g
}

func (h *harness) entries(t *testing.T, grantID int64) []*domain.LedgerEntry {
	t.Helper()
	list, err := h.store.ListLedgerEntries(context.Background(), grantID)
	require.NoError(t, err)
	return list
}

// tamperGrant 繞過帳本直接改寫快取餘額
func (h *harness) tamperGrant(t *testing.T, id, remaining int64) {
	t.Helper()
	require.NoError(t, h.store.WithinTx(context.Background(), func(ctx context.Context, tx usecase.Tx) error {
		g, err := tx.LockGrant(ctx, id)
		if err != nil {
			return err
		}
		g.RemainingCredits = remaining
		return tx.SaveGrant(ctx, g)
	}))
}

// tamperSpots 繞過引擎直接改寫名額
func (h *harness) tamperSpots(t *testing.T, id int64, spots int) {
	t.Helper()
	require.NoError(t, h.store.WithinTx(context.Background(), func(ctx context.Context, tx usecase.Tx) error {
		s, err := tx.LockSession(ctx, id)
		if err != nil {
			return err
		}
		s.SpotsTaken = spots
		return tx.SaveSession(ctx, s)
	}))
}
