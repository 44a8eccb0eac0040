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

func TestReverseGrantCascade(t *testing.T) {
	forEachStore(t, func(t *testing.T, h *harness) {
		ctx := context.Background()
		m := h.member(t, "alice")
		g := h.grant(t, m.ID, 4, 30, false)
		spare := h.grant(t, m.ID, 2, 60, false)
		s := h.session(t, 5, 48*time.Hour)

		b, err := h.core.ReserveSession(ctx, m.ID, s.ID)
		require.NoError(t, err)
		require.Equal(t, g.ID, b.PlanGrantID)
		require.Equal(t, int64(3), h.mustGrant(t, g.ID).RemainingCredits)

		res, err := h.core.ApplyGrantReversal(ctx, g.ID, "chargeback")
		require.NoError(t, err)
		assert.False(t, res.AlreadyReversed)
		assert.Equal(t, int64(3), res.ZeroedCredits)
		assert.Equal(t, []string{b.ID}, res.CancelledBookings)

		reversed := h.mustGrant(t, g.ID)
		assert.Equal(t, domain.GrantStatusCancelled, reversed.Status)
		assert.Equal(t, int64(0), reversed.RemainingCredits)

		entries := h.entries(t, g.ID)
		require.Len(t, entries, 2)
		zero := entries[1]
		assert.Equal(t, domain.EntryTypeDebit, zero.Type)
		assert.Equal(t, int64(3), zero.Amount)
		assert.Equal(t, int64(3), zero.BalanceBefore)
		assert.Equal(t, int64(0), zero.BalanceAfter)
		assert.Equal(t, domain.ReferenceGrantReversal, zero.ReferenceType)
		assert.NotEmpty(t, zero.ReferenceID)

		cancelled, err := h.core.GetBooking(ctx, m.ID, b.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.BookingStatusCancelled, cancelled.Status)
		assert.Equal(t, domain.ReasonGrantReversed, cancelled.CancellationReason)
		assert.False(t, cancelled.CreditRefunded)
		assert.Equal(t, 0, h.mustSession(t, s.ID).SpotsTaken)

		// 另一個方案不受影響
		assert.Equal(t, int64(2), h.mustGrant(t, spare.ID).RemainingCredits)
		balance, err := h.core.GetMemberBalance(ctx, m.ID)
		require.NoError(t, err)
		require.Len(t, balance, 1)
		assert.Equal(t, spare.ID, balance[0].GrantID)

		assert.Equal(t, []string{
			usecase.EventBookingReserved,
			usecase.EventBookingCancelled,
			usecase.EventGrantReversed,
		}, h.pub.keys())

		faults, err := h.core.Reconcile(ctx)
		require.NoError(t, err)
		assert.Empty(t, faults)
	})
}

func TestReverseGrantIsIdempotent(t *testing.T) {
	forEachStore(t, func(t *testing.T, h *harness) {
		ctx := context.Background()
		m := h.member(t, "alice")
		g := h.grant(t, m.ID, 3, 30, false)

		first, err := h.core.ApplyGrantReversalEvent(ctx, "evt-rev-1", g.ID, "refund")
		require.NoError(t, err)
		assert.Equal(t, int64(3), first.ZeroedCredits)
		assert.Empty(t, first.CancelledBookings)

		again, err := h.core.ApplyGrantReversalEvent(ctx, "evt-rev-1", g.ID, "refund")
		require.NoError(t, err)
		assert.True(t, again.AlreadyReversed)
		assert.Equal(t, int64(0), again.ZeroedCredits)

		entries := h.entries(t, g.ID)
		require.Len(t, entries, 1)
		assert.Equal(t, "evt-rev-1", entries[0].ReferenceID)

		s := h.session(t, 5, 48*time.Hour)
		_, err = h.core.ReserveSession(ctx, m.ID, s.ID)
		assert.ErrorIs(t, err, domain.ErrNoCreditsAvailable)

		_, err = h.core.ApplyGrantReversal(ctx, 9999, "refund")
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})
}

func TestReverseUnlimitedGrant(t *testing.T) {
	forEachStore(t, func(t *testing.T, h *harness) {
		ctx := context.Background()
		m := h.member(t, "alice")
		g := h.grant(t, m.ID, 0, 30, true)
		s := h.session(t, 5, 48*time.Hour)
		_, err := h.core.ReserveSession(ctx, m.ID, s.ID)
		require.NoError(t, err)

		res, err := h.core.ApplyGrantReversal(ctx, g.ID, "refund")
		require.NoError(t, err)
		assert.Equal(t, int64(0), res.ZeroedCredits)
		assert.Len(t, res.CancelledBookings, 1)
		assert.Equal(t, 0, h.mustSession(t, s.ID).SpotsTaken)
	})
}

func TestCancelSessionRefundsEveryone(t *testing.T) {
	forEachStore(t, func(t *testing.T, h *harness) {
		ctx := context.Background()
		s := h.session(t, 5, 48*time.Hour)
		a := h.member(t, "alice")
		ga := h.grant(t, a.ID, 2, 30, false)
		b := h.member(t, "bob")
		gb := h.grant(t, b.ID, 2, 30, false)
		_, err := h.core.ReserveSession(ctx, a.ID, s.ID)
		require.NoError(t, err)
		_, err = h.core.ReserveSession(ctx, b.ID, s.ID)
		require.NoError(t, err)

		// 已過會員免費取消時限，場館取消仍一律退點
		h.clock.Set(s.RefundDeadline().Add(time.Hour))
		ids, err := h.core.CancelSession(ctx, s.ID, "instructor sick")
		require.NoError(t, err)
		assert.Len(t, ids, 2)

		sess := h.mustSession(t, s.ID)
		assert.Equal(t, domain.SessionStatusCancelled, sess.Status)
		assert.Equal(t, 0, sess.SpotsTaken)
		assert.Equal(t, int64(2), h.mustGrant(t, ga.ID).RemainingCredits)
		assert.Equal(t, int64(2), h.mustGrant(t, gb.ID).RemainingCredits)

		bookings, err := h.core.ListMemberBookings(ctx, a.ID, domain.BookingStatusCancelled)
		require.NoError(t, err)
		require.Len(t, bookings, 1)
		assert.True(t, bookings[0].CreditRefunded)
		assert.Equal(t, domain.ReasonSessionCancelled, bookings[0].CancellationReason)
		assert.Contains(t, h.pub.keys(), usecase.EventSessionCancelled)

		again, err := h.core.CancelSession(ctx, s.ID, "instructor sick")
		require.NoError(t, err)
		assert.Empty(t, again)
	})
}

func TestCancelCompletedSessionRejected(t *testing.T) {
	forEachStore(t, func(t *testing.T, h *harness) {
		ctx := context.Background()
		s := h.session(t, 5, 48*time.Hour)
		_, err := h.core.CompleteSession(ctx, s.ID)
		require.NoError(t, err)
		_, err = h.core.CancelSession(ctx, s.ID, "late")
		assert.ErrorIs(t, err, domain.ErrSessionNotAvailable)
	})
}

func TestReverseGrantKeepsAttendedBookings(t *testing.T) {
	forEachStore(t, func(t *testing.T, h *harness) {
		ctx := context.Background()
		m := h.member(t, "alice")
		g := h.grant(t, m.ID, 5, 30, false)
		past := h.session(t, 5, 2*time.Hour)
		future := h.session(t, 5, 48*time.Hour)

		attended, err := h.core.ReserveSession(ctx, m.ID, past.ID)
		require.NoError(t, err)
		upcoming, err := h.core.ReserveSession(ctx, m.ID, future.ID)
		require.NoError(t, err)

		h.clock.Set(past.StartsAt.Add(2 * time.Hour))
		_, err = h.core.CompleteSession(ctx, past.ID)
		require.NoError(t, err)

		res, err := h.core.ApplyGrantReversal(ctx, g.ID, "chargeback")
		require.NoError(t, err)
		assert.Equal(t, int64(3), res.ZeroedCredits)
		assert.Equal(t, []string{upcoming.ID}, res.CancelledBookings)

		// 已上過的課保留為 active，名額與點數都不動
		kept, err := h.core.GetBooking(ctx, m.ID, attended.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.BookingStatusActive, kept.Status)
		assert.Equal(t, 1, h.mustSession(t, past.ID).SpotsTaken)
		assert.Equal(t, 0, h.mustSession(t, future.ID).SpotsTaken)
		assert.Equal(t, int64(0), h.mustGrant(t, g.ID).RemainingCredits)

		// 重送同一個沖銷不會再卡在已上過的課
		again, err := h.core.ApplyGrantReversal(ctx, g.ID, "chargeback")
		require.NoError(t, err)
		assert.True(t, again.AlreadyReversed)
		assert.Empty(t, again.CancelledBookings)

		faults, err := h.core.Reconcile(ctx)
		require.NoError(t, err)
		assert.Empty(t, faults)
	})
}
