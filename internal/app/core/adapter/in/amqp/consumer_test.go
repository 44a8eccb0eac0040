package amqp

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JoeShih716/go-class-ledger/internal/app/core/adapter/out/memory"
	"github.com/JoeShih716/go-class-ledger/internal/app/core/domain"
	"github.com/JoeShih716/go-class-ledger/internal/app/core/usecase"
)

var testNow = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

func newCore(t *testing.T) (*usecase.CoreUseCase, *memory.MutexStore) {
	t.Helper()
	store := memory.NewMutexStore()
	engine := usecase.NewEngine(store, usecase.WithClock(func() time.Time { return testNow }))
	return usecase.NewCoreUseCase(engine, store, usecase.NewReconciler(store)), store
}

func TestHandlePurchaseConfirmed(t *testing.T) {
	core, store := newCore(t)
	c := NewConsumer(core, nil)
	ctx := context.Background()
	body := []byte(`{"event_id":"evt-1","external_member_id":"bob","credits":10,"duration_days":30}`)

	require.Equal(t, Ack, c.Handle(ctx, KeyPurchaseConfirmed, body))
	// 重送: 已處理過，仍然 ack 且不會建立第二個方案
	require.Equal(t, Ack, c.Handle(ctx, KeyPurchaseConfirmed, body))

	m, err := store.GetMemberByExternalID(ctx, "bob")
	require.NoError(t, err)
	grants, err := store.ListMemberGrants(ctx, m.ID)
	require.NoError(t, err)
	require.Len(t, grants, 1)
	assert.Equal(t, int64(10), grants[0].RemainingCredits)
}

func TestHandlePurchaseReversed(t *testing.T) {
	core, _ := newCore(t)
	c := NewConsumer(core, nil)
	ctx := context.Background()

	g, err := core.ApplyPurchase(ctx, usecase.PurchaseFact{EventID: "evt-1", ExternalMemberID: "bob", Credits: 4, DurationDays: 7})
	require.NoError(t, err)

	body := []byte(`{"event_id":"evt-2","grant_id":` + itoa(g.ID) + `,"reason":"chargeback"}`)
	require.Equal(t, Ack, c.Handle(ctx, KeyPurchaseReversed, body))
	require.Equal(t, Ack, c.Handle(ctx, KeyPurchaseReversed, body))

	_, entries, err := core.LedgerHistory(ctx, g.ID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "evt-2", entries[0].ReferenceID)
	assert.Equal(t, int64(0), entries[0].BalanceAfter)
}

func TestHandlePurchaseReversedAfterAttendance(t *testing.T) {
	core, store := newCore(t)
	c := NewConsumer(core, nil)
	ctx := context.Background()

	g, err := core.ApplyPurchase(ctx, usecase.PurchaseFact{EventID: "evt-1", ExternalMemberID: "bob", Credits: 4, DurationDays: 7})
	require.NoError(t, err)
	s, err := core.ScheduleSession(ctx, domain.SessionParams{
		Title:                   "Pilates",
		StartsAt:                testNow.Add(2 * time.Hour),
		DurationMinutes:         60,
		Capacity:                4,
		BookingCutoffMinutes:    30,
		CancellationCutoffHours: 12,
	})
	require.NoError(t, err)
	b, err := core.ReserveSession(ctx, g.MemberID, s.ID)
	require.NoError(t, err)
	_, err = core.CompleteSession(ctx, s.ID)
	require.NoError(t, err)

	// 課程已上完，沖銷不得因此卡在 requeue
	body := []byte(`{"event_id":"evt-2","grant_id":` + itoa(g.ID) + `,"reason":"chargeback"}`)
	require.Equal(t, Ack, c.Handle(ctx, KeyPurchaseReversed, body))

	kept, err := store.GetBooking(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.BookingStatusActive, kept.Status)
	grant, err := store.GetGrant(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.GrantStatusCancelled, grant.Status)
	assert.Equal(t, int64(0), grant.RemainingCredits)
}

func TestHandleRejectsBadPayloads(t *testing.T) {
	core, _ := newCore(t)
	c := NewConsumer(core, nil)
	ctx := context.Background()

	assert.Equal(t, Reject, c.Handle(ctx, KeyPurchaseConfirmed, []byte(`{not json`)))
	assert.Equal(t, Reject, c.Handle(ctx, KeyPurchaseConfirmed, []byte(`{"external_member_id":"bob"}`)))
	assert.Equal(t, Reject, c.Handle(ctx, KeyPurchaseConfirmed, []byte(`{"event_id":"e","external_member_id":"bob","credits":0,"duration_days":3}`)))
	assert.Equal(t, Reject, c.Handle(ctx, KeyPurchaseReversed, []byte(`{"event_id":"e"}`)))
	assert.Equal(t, Reject, c.Handle(ctx, KeyPurchaseReversed, []byte(`{"event_id":"e","grant_id":404}`)))
	assert.Equal(t, Ack, c.Handle(ctx, "something.else", []byte(`{}`)))
}

type stubCore struct{ err error }

func (s stubCore) ApplyPurchase(context.Context, usecase.PurchaseFact) (*domain.PlanGrant, error) {
	return nil, s.err
}

func (s stubCore) ApplyGrantReversalEvent(context.Context, string, int64, string) (*usecase.ReversalResult, error) {
	return nil, s.err
}

func TestHandleRequeuesTransientErrors(t *testing.T) {
	body := []byte(`{"event_id":"e","external_member_id":"bob","credits":1,"duration_days":3}`)
	for _, err := range []error{domain.ErrConflict, errors.New("connection refused"), context.DeadlineExceeded} {
		c := NewConsumer(stubCore{err: err}, nil)
		assert.Equal(t, Requeue, c.Handle(context.Background(), KeyPurchaseConfirmed, body), err.Error())
	}
}

func itoa(n int64) string {
	return strconv.FormatInt(n, 10)
}
