package usecase_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JoeShih716/go-class-ledger/internal/app/core/domain"
	"github.com/JoeShih716/go-class-ledger/internal/app/core/usecase"
)

func TestListAvailableSessions(t *testing.T) {
	forEachStore(t, func(t *testing.T, h *harness) {
		ctx := context.Background()
		m := h.member(t, "alice")
		h.grant(t, m.ID, 5, 30, false)

		full := h.session(t, 1, 24*time.Hour)
		open := h.session(t, 3, 48*time.Hour)
		closing := h.session(t, 3, 20*time.Minute) // 已過預約截止
		cancelled := h.session(t, 3, 72*time.Hour)
		h.session(t, 3, -2*time.Hour) // 已開始

		_, err := h.core.ReserveSession(ctx, m.ID, full.ID)
		require.NoError(t, err)
		_, err = h.core.CancelSession(ctx, cancelled.ID, "closed")
		require.NoError(t, err)

		all, err := h.core.ListAvailableSessions(ctx, usecase.AvailableSessionsFilter{})
		require.NoError(t, err)
		ids := make([]int64, 0, len(all))
		for _, s := range all {
			ids = append(ids, s.ID)
		}
		assert.Equal(t, []int64{closing.ID, full.ID, open.ID}, ids)

		bookable, err := h.core.ListAvailableSessions(ctx, usecase.AvailableSessionsFilter{OnlyBookable: true})
		require.NoError(t, err)
		require.Len(t, bookable, 1)
		assert.Equal(t, open.ID, bookable[0].ID)
		assert.Equal(t, 3, bookable[0].Available())

		window, err := h.core.ListAvailableSessions(ctx, usecase.AvailableSessionsFilter{
			From: t0.Add(12 * time.Hour),
			To:   t0.Add(36 * time.Hour),
		})
		require.NoError(t, err)
		require.Len(t, window, 1)
		assert.Equal(t, full.ID, window[0].ID)
		assert.Equal(t, 0, window[0].Available())
	})
}

func TestMemberBalanceAndHistory(t *testing.T) {
	forEachStore(t, func(t *testing.T, h *harness) {
		ctx := context.Background()
		m := h.member(t, "alice")
		short := h.grant(t, m.ID, 2, 1, false)
		long := h.grant(t, m.ID, 10, 90, false)
		unlimited := h.grant(t, m.ID, 0, 30, true)

		balance, err := h.core.GetMemberBalance(ctx, m.ID)
		require.NoError(t, err)
		require.Len(t, balance, 3)
		assert.Equal(t, short.ID, balance[0].GrantID)
		assert.Equal(t, int64(2), balance[0].Remaining)
		assert.Equal(t, unlimited.ID, balance[1].GrantID)
		assert.True(t, balance[1].IsUnlimited)
		assert.Equal(t, long.ID, balance[2].GrantID)

		// 隔天短期方案過期
		h.clock.Set(t0.Add(24 * time.Hour))
		balance, err = h.core.GetMemberBalance(ctx, m.ID)
		require.NoError(t, err)
		assert.Len(t, balance, 2)

		s := h.session(t, 5, 72*time.Hour)
		b, err := h.core.ReserveSession(ctx, m.ID, s.ID)
		require.NoError(t, err)
		assert.Equal(t, unlimited.ID, b.PlanGrantID)

		grant, entries, err := h.core.LedgerHistory(ctx, unlimited.ID)
		require.NoError(t, err)
		assert.True(t, grant.IsUnlimited)
		require.Len(t, entries, 1)
		assert.Equal(t, b.ID, entries[0].ReferenceID)

		_, err = h.core.GetMemberBalance(ctx, 9999)
		assert.ErrorIs(t, err, domain.ErrNotFound)
		_, _, err = h.core.LedgerHistory(ctx, 9999)
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})
}

func TestApplyPurchaseIsIdempotent(t *testing.T) {
	forEachStore(t, func(t *testing.T, h *harness) {
		ctx := context.Background()
		fact := usecase.PurchaseFact{
			EventID:          "evt-1",
			ExternalMemberID: "auth0|alice",
			Credits:          10,
			DurationDays:     30,
		}
		g, err := h.core.ApplyPurchase(ctx, fact)
		require.NoError(t, err)
		assert.Equal(t, int64(10), g.RemainingCredits)
		assert.True(t, domain.DateOf(t0).AddDate(0, 0, 29).Equal(g.EndDate))

		_, err = h.core.ApplyPurchase(ctx, fact)
		assert.ErrorIs(t, err, domain.ErrEventAlreadyProcessed)

		m, err := h.core.EnsureMember(ctx, "auth0|alice")
		require.NoError(t, err)
		assert.Equal(t, g.MemberID, m.ID)
		grants, err := h.store.ListMemberGrants(ctx, m.ID)
		require.NoError(t, err)
		assert.Len(t, grants, 1)
	})
}

func TestAdminValidation(t *testing.T) {
	forEachStore(t, func(t *testing.T, h *harness) {
		ctx := context.Background()
		_, err := h.core.EnsureMember(ctx, "  ")
		assert.ErrorIs(t, err, domain.ErrInvalidArgument)

		m := h.member(t, "alice")
		again := h.member(t, " alice ")
		assert.Equal(t, m.ID, again.ID)

		_, err = h.core.CreateGrant(ctx, m.ID, 0, 30, false)
		assert.ErrorIs(t, err, domain.ErrInvalidArgument)
		_, err = h.core.CreateGrant(ctx, 9999, 5, 30, false)
		assert.ErrorIs(t, err, domain.ErrNotFound)

		_, err = h.core.ScheduleSession(ctx, domain.SessionParams{StartsAt: t0, DurationMinutes: 60})
		assert.ErrorIs(t, err, domain.ErrInvalidArgument)
	})
}
