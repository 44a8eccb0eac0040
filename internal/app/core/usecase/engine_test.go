package usecase_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JoeShih716/go-class-ledger/internal/app/core/adapter/out/memory"
	"github.com/JoeShih716/go-class-ledger/internal/app/core/domain"
	"github.com/JoeShih716/go-class-ledger/internal/app/core/usecase"
	"github.com/JoeShih716/go-class-ledger/pkg/retry"
)

func TestReserveLastSeat(t *testing.T) {
	forEachStore(t, func(t *testing.T, h *harness) {
		ctx := context.Background()
		m1 := h.member(t, "alice")
		g1 := h.grant(t, m1.ID, 1, 30, false)
		s := h.session(t, 1, 48*time.Hour)

		b, err := h.core.ReserveSession(ctx, m1.ID, s.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.BookingStatusActive, b.Status)
		assert.Equal(t, g1.ID, b.PlanGrantID)

		assert.Equal(t, 1, h.mustSession(t, s.ID).SpotsTaken)
		assert.Equal(t, int64(0), h.mustGrant(t, g1.ID).RemainingCredits)
		entries := h.entries(t, g1.ID)
		require.Len(t, entries, 1)
		assert.Equal(t, domain.EntryTypeDebit, entries[0].Type)
		assert.Equal(t, int64(1), entries[0].Amount)
		assert.Equal(t, int64(1), entries[0].BalanceBefore)
		assert.Equal(t, int64(0), entries[0].BalanceAfter)
		assert.Equal(t, b.ID, entries[0].ReferenceID)
		assert.Equal(t, domain.ReferenceBooking, entries[0].ReferenceType)

		// 第二位會員: 名額已滿，不得有任何寫入
		m2 := h.member(t, "bob")
		g2 := h.grant(t, m2.ID, 5, 30, false)
		_, err = h.core.ReserveSession(ctx, m2.ID, s.ID)
		assert.ErrorIs(t, err, domain.ErrSessionFull)
		assert.Equal(t, 1, h.mustSession(t, s.ID).SpotsTaken)
		assert.Equal(t, int64(5), h.mustGrant(t, g2.ID).RemainingCredits)
		assert.Empty(t, h.entries(t, g2.ID))
		bookings, err := h.core.ListMemberBookings(ctx, m2.ID, "")
		require.NoError(t, err)
		assert.Empty(t, bookings)

		assert.Equal(t, []string{usecase.EventBookingReserved}, h.pub.keys())
	})
}

func TestReserveAlreadyBooked(t *testing.T) {
	forEachStore(t, func(t *testing.T, h *harness) {
		ctx := context.Background()
		m := h.member(t, "alice")
		g := h.grant(t, m.ID, 5, 30, false)
		s := h.session(t, 5, 48*time.Hour)

		_, err := h.core.ReserveSession(ctx, m.ID, s.ID)
		require.NoError(t, err)
		_, err = h.core.ReserveSession(ctx, m.ID, s.ID)
		assert.ErrorIs(t, err, domain.ErrAlreadyBooked)

		assert.Equal(t, 1, h.mustSession(t, s.ID).SpotsTaken)
		assert.Equal(t, int64(4), h.mustGrant(t, g.ID).RemainingCredits)
	})
}

func TestReserveBookingClosed(t *testing.T) {
	forEachStore(t, func(t *testing.T, h *harness) {
		ctx := context.Background()
		m := h.member(t, "alice")
		g := h.grant(t, m.ID, 5, 30, false)
		s := h.session(t, 5, 48*time.Hour)

		// 截止時間當下即不可預約
		h.clock.Set(s.StartsAt.Add(-30 * time.Minute))
		_, err := h.core.ReserveSession(ctx, m.ID, s.ID)
		assert.ErrorIs(t, err, domain.ErrBookingClosed)
		assert.Equal(t, 0, h.mustSession(t, s.ID).SpotsTaken)
		assert.Equal(t, int64(5), h.mustGrant(t, g.ID).RemainingCredits)
		assert.Empty(t, h.entries(t, g.ID))

		h.clock.Set(s.StartsAt.Add(-31 * time.Minute))
		_, err = h.core.ReserveSession(ctx, m.ID, s.ID)
		assert.NoError(t, err)
	})
}

func TestReserveNoCreditsAvailable(t *testing.T) {
	forEachStore(t, func(t *testing.T, h *harness) {
		ctx := context.Background()
		s := h.session(t, 5, 72*time.Hour)

		none := h.member(t, "no-plan")
		_, err := h.core.ReserveSession(ctx, none.ID, s.ID)
		assert.ErrorIs(t, err, domain.ErrNoCreditsAvailable)
		assert.Equal(t, 0, h.mustSession(t, s.ID).SpotsTaken)

		// 1 天方案: 隔天即過期
		m := h.member(t, "expiring")
		g := h.grant(t, m.ID, 3, 1, false)
		h.clock.Set(t0.Add(24 * time.Hour))
		_, err = h.core.ReserveSession(ctx, m.ID, s.ID)
		assert.ErrorIs(t, err, domain.ErrNoCreditsAvailable)
		assert.Equal(t, int64(3), h.mustGrant(t, g.ID).RemainingCredits)
		assert.Equal(t, 0, h.mustSession(t, s.ID).SpotsTaken)
	})
}

func TestReserveSessionNotAvailable(t *testing.T) {
	forEachStore(t, func(t *testing.T, h *harness) {
		ctx := context.Background()
		m := h.member(t, "alice")
		h.grant(t, m.ID, 5, 30, false)
		s := h.session(t, 5, 48*time.Hour)

		_, err := h.core.CancelSession(ctx, s.ID, "instructor sick")
		require.NoError(t, err)
		_, err = h.core.ReserveSession(ctx, m.ID, s.ID)
		assert.ErrorIs(t, err, domain.ErrSessionNotAvailable)

		_, err = h.core.ReserveSession(ctx, m.ID, 9999)
		assert.ErrorIs(t, err, domain.ErrNotFound)
		_, err = h.core.ReserveSession(ctx, 9999, s.ID)
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})
}

func TestReservePrefersSoonestExpiring(t *testing.T) {
	forEachStore(t, func(t *testing.T, h *harness) {
		ctx := context.Background()
		m := h.member(t, "alice")
		long := h.grant(t, m.ID, 10, 60, false)
		short := h.grant(t, m.ID, 10, 10, false)
		s := h.session(t, 5, 48*time.Hour)

		b, err := h.core.ReserveSession(ctx, m.ID, s.ID)
		require.NoError(t, err)
		assert.Equal(t, short.ID, b.PlanGrantID)
		assert.Equal(t, int64(10), h.mustGrant(t, long.ID).RemainingCredits)

		// 同日到期時較早建立的優先
		other := h.member(t, "bob")
		first := h.grant(t, other.ID, 2, 30, false)
		h.grant(t, other.ID, 2, 30, false)
		b, err = h.core.ReserveSession(ctx, other.ID, s.ID)
		require.NoError(t, err)
		assert.Equal(t, first.ID, b.PlanGrantID)
	})
}

func TestReserveUnlimitedGrant(t *testing.T) {
	forEachStore(t, func(t *testing.T, h *harness) {
		ctx := context.Background()
		m := h.member(t, "alice")
		g := h.grant(t, m.ID, 0, 30, true)
		s := h.session(t, 5, 48*time.Hour)

		b, err := h.core.ReserveSession(ctx, m.ID, s.ID)
		require.NoError(t, err)
		res, err := h.core.CancelBooking(ctx, m.ID, b.ID, "")
		require.NoError(t, err)
		assert.True(t, res.Booking.CreditRefunded)

		entries := h.entries(t, g.ID)
		require.Len(t, entries, 2)
		for _, e := range entries {
			assert.Equal(t, int64(0), e.Amount)
			assert.Equal(t, int64(0), e.BalanceAfter)
		}
		assert.Equal(t, int64(0), h.mustGrant(t, g.ID).RemainingCredits)
	})
}

func TestCancelInsideWindowRefunds(t *testing.T) {
	forEachStore(t, func(t *testing.T, h *harness) {
		ctx := context.Background()
		m := h.member(t, "alice")
		g := h.grant(t, m.ID, 5, 30, false)
		s := h.session(t, 5, 48*time.Hour)

		b, err := h.core.ReserveSession(ctx, m.ID, s.ID)
		require.NoError(t, err)

		h.clock.Set(s.RefundDeadline().Add(-time.Minute))
		res, err := h.core.CancelBooking(ctx, m.ID, b.ID, "")
		require.NoError(t, err)
		assert.NoError(t, res.RefundDenial)
		assert.Equal(t, domain.BookingStatusCancelled, res.Booking.Status)
		assert.True(t, res.Booking.CreditRefunded)
		assert.Equal(t, domain.ReasonMemberCancelled, res.Booking.CancellationReason)
		require.NotNil(t, res.Booking.CancelledAt)

		assert.Equal(t, 0, h.mustSession(t, s.ID).SpotsTaken)
		assert.Equal(t, int64(5), h.mustGrant(t, g.ID).RemainingCredits)
		entries := h.entries(t, g.ID)
		require.Len(t, entries, 2)
		assert.Equal(t, domain.EntryTypeCredit, entries[1].Type)
		assert.Equal(t, domain.ReferenceBookingRefund, entries[1].ReferenceType)
		assert.Equal(t, b.ID, entries[1].ReferenceID)

		stored, err := h.core.GetBooking(ctx, m.ID, b.ID)
		require.NoError(t, err)
		assert.True(t, stored.CreditRefunded)
	})
}

func TestCancelOutsideWindowKeepsCredit(t *testing.T) {
	forEachStore(t, func(t *testing.T, h *harness) {
		ctx := context.Background()
		m := h.member(t, "alice")
		g := h.grant(t, m.ID, 5, 30, false)
		s := h.session(t, 5, 48*time.Hour)

		b, err := h.core.ReserveSession(ctx, m.ID, s.ID)
		require.NoError(t, err)

		// 免費取消時限當下即不退點
		h.clock.Set(s.RefundDeadline())
		res, err := h.core.CancelBooking(ctx, m.ID, b.ID, "changed plans")
		require.NoError(t, err)
		assert.ErrorIs(t, res.RefundDenial, domain.ErrCancellationClosed)
		assert.False(t, res.Booking.CreditRefunded)
		assert.Equal(t, "changed plans", res.Booking.CancellationReason)

		assert.Equal(t, 0, h.mustSession(t, s.ID).SpotsTaken)
		assert.Equal(t, int64(4), h.mustGrant(t, g.ID).RemainingCredits)
		assert.Len(t, h.entries(t, g.ID), 1)
	})
}

func TestCancelRejections(t *testing.T) {
	forEachStore(t, func(t *testing.T, h *harness) {
		ctx := context.Background()
		m := h.member(t, "alice")
		other := h.member(t, "mallory")
		h.grant(t, m.ID, 5, 30, false)
		s := h.session(t, 5, 48*time.Hour)

		b, err := h.core.ReserveSession(ctx, m.ID, s.ID)
		require.NoError(t, err)

		_, err = h.core.CancelBooking(ctx, other.ID, b.ID, "")
		assert.ErrorIs(t, err, domain.ErrNotFound)
		_, err = h.core.GetBooking(ctx, other.ID, b.ID)
		assert.ErrorIs(t, err, domain.ErrNotFound)
		_, err = h.core.CancelBooking(ctx, m.ID, "no-such-booking", "")
		assert.ErrorIs(t, err, domain.ErrNotFound)

		_, err = h.core.CancelBooking(ctx, m.ID, b.ID, "")
		require.NoError(t, err)
		_, err = h.core.CancelBooking(ctx, m.ID, b.ID, "")
		assert.ErrorIs(t, err, domain.ErrNotCancellable)
		assert.Equal(t, 0, h.mustSession(t, s.ID).SpotsTaken)

		// 取消後可以重新預約
		again, err := h.core.ReserveSession(ctx, m.ID, s.ID)
		require.NoError(t, err)
		assert.NotEqual(t, b.ID, again.ID)
	})
}

func TestCancelCompletedSession(t *testing.T) {
	forEachStore(t, func(t *testing.T, h *harness) {
		ctx := context.Background()
		m := h.member(t, "alice")
		h.grant(t, m.ID, 5, 30, false)
		s := h.session(t, 5, 48*time.Hour)

		b, err := h.core.ReserveSession(ctx, m.ID, s.ID)
		require.NoError(t, err)
		done, err := h.core.CompleteSession(ctx, s.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.SessionStatusCompleted, done.Status)

		_, err = h.core.CancelBooking(ctx, m.ID, b.ID, "")
		assert.ErrorIs(t, err, domain.ErrNotCancellable)
		_, err = h.core.CompleteSession(ctx, s.ID)
		assert.ErrorIs(t, err, domain.ErrSessionNotAvailable)
	})
}

func TestConcurrentReserve(t *testing.T) {
	forEachStore(t, func(t *testing.T, h *harness) {
		ctx := context.Background()
		const capacity, contenders = 3, 12
		s := h.session(t, capacity, 48*time.Hour)
		members := make([]*domain.Member, contenders)
		for i := range members {
			members[i] = h.member(t, fmt.Sprintf("member-%d", i))
			h.grant(t, members[i].ID, 2, 30, false)
		}

		var (
			wg    sync.WaitGroup
			start = make(chan struct{})
			mu    sync.Mutex
			ok    int
			full  int
		)
		for _, m := range members {
			wg.Add(1)
			go func(memberID int64) {
				defer wg.Done()
				<-start
				_, err := h.core.ReserveSession(ctx, memberID, s.ID)
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					ok++
				case errors.Is(err, domain.ErrSessionFull):
					full++
				default:
					t.Errorf("unexpected error: %v", err)
				}
			}(m.ID)
		}
		close(start)
		wg.Wait()

		assert.Equal(t, capacity, ok)
		assert.Equal(t, contenders-capacity, full)
		assert.Equal(t, capacity, h.mustSession(t, s.ID).SpotsTaken)

		var debits int
		for _, m := range members {
			grants, err := h.store.ListMemberGrants(ctx, m.ID)
			require.NoError(t, err)
			for _, g := range grants {
				debits += len(h.entries(t, g.ID))
			}
		}
		assert.Equal(t, capacity, debits)

		faults, err := h.core.Reconcile(ctx)
		require.NoError(t, err)
		assert.Empty(t, faults)
	})
}

func TestConcurrentReserveLastCredit(t *testing.T) {
	forEachStore(t, func(t *testing.T, h *harness) {
		ctx := context.Background()
		const sessions = 8
		m := h.member(t, "alice")
		g := h.grant(t, m.ID, 1, 30, false)
		ids := make([]int64, sessions)
		for i := range ids {
			ids[i] = h.session(t, 5, time.Duration(24+i)*time.Hour).ID
		}

		var (
			wg     sync.WaitGroup
			start  = make(chan struct{})
			mu     sync.Mutex
			ok     int
			broke  int
			booked []int64
		)
		for _, id := range ids {
			wg.Add(1)
			go func(sessionID int64) {
				defer wg.Done()
				<-start
				_, err := h.core.ReserveSession(ctx, m.ID, sessionID)
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					ok++
					booked = append(booked, sessionID)
				case errors.Is(err, domain.ErrNoCreditsAvailable):
					broke++
				default:
					t.Errorf("unexpected error: %v", err)
				}
			}(id)
		}
		close(start)
		wg.Wait()

		assert.Equal(t, 1, ok)
		assert.Equal(t, sessions-1, broke)
		assert.Equal(t, int64(0), h.mustGrant(t, g.ID).RemainingCredits)
		entries := h.entries(t, g.ID)
		require.Len(t, entries, 1)
		assert.Equal(t, domain.EntryTypeDebit, entries[0].Type)

		var taken int
		for _, id := range ids {
			taken += h.mustSession(t, id).SpotsTaken
		}
		assert.Equal(t, 1, taken)
		require.Len(t, booked, 1)
		assert.Equal(t, 1, h.mustSession(t, booked[0]).SpotsTaken)

		faults, err := h.core.Reconcile(ctx)
		require.NoError(t, err)
		assert.Empty(t, faults)
	})
}

func TestReserveIntegrityFault(t *testing.T) {
	forEachStore(t, func(t *testing.T, h *harness) {
		ctx := context.Background()
		m := h.member(t, "alice")
		g := h.grant(t, m.ID, 5, 30, false)
		s := h.session(t, 5, 48*time.Hour)

		h.tamperGrant(t, g.ID, 3)
		_, err := h.core.ReserveSession(ctx, m.ID, s.ID)
		assert.ErrorIs(t, err, domain.ErrIntegrityFault)
		assert.Equal(t, "IntegrityFault", domain.KindOf(err))

		assert.Equal(t, 0, h.mustSession(t, s.ID).SpotsTaken)
		assert.Empty(t, h.entries(t, g.ID))
		assert.Equal(t, int64(3), h.mustGrant(t, g.ID).RemainingCredits)
	})
}

// flakyStore 前 failures 次 WithinTx 直接回傳 ErrConflict
type flakyStore struct {
	usecase.Store
	mu       sync.Mutex
	failures int
	calls    int
}

func (f *flakyStore) WithinTx(ctx context.Context, fn func(ctx context.Context, tx usecase.Tx) error) error {
	f.mu.Lock()
	f.calls++
	fail := f.failures > 0
	if fail {
		f.failures--
	}
	f.mu.Unlock()
	if fail {
		return fmt.Errorf("%w: injected", domain.ErrConflict)
	}
	return f.Store.WithinTx(ctx, fn)
}

func TestReserveRetriesConflicts(t *testing.T) {
	ctx := context.Background()
	base := newHarness(t, memory.NewMutexStore())
	m := base.member(t, "alice")
	g := base.grant(t, m.ID, 5, 30, false)
	s := base.session(t, 5, 48*time.Hour)

	flaky := &flakyStore{Store: base.store, failures: 2}
	engine := usecase.NewEngine(flaky,
		usecase.WithClock(base.clock.Now),
		usecase.WithRetry(retry.Config{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}),
	)

	_, err := engine.Reserve(ctx, m.ID, s.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, flaky.calls)
	assert.Equal(t, int64(4), base.mustGrant(t, g.ID).RemainingCredits)

	flaky.failures = 10
	flaky.calls = 0
	_, err = engine.Reserve(ctx, m.ID, s.ID)
	assert.ErrorIs(t, err, domain.ErrConflict)
	assert.True(t, domain.IsRetryable(err))
	assert.Equal(t, 3, flaky.calls)
}
