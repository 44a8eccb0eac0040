package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGrantPostDebitAndCredit(t *testing.T) {
	now := time.Now()
	g := &PlanGrant{ID: 1, InitialCredits: 2, RemainingCredits: 2}
	ref := Reference{ID: "b-1", Type: ReferenceBooking}

	e1, err := g.Post(EntryTypeDebit, 1, ref, now)
	require.NoError(t, err)
	assert.Equal(t, int64(2), e1.BalanceBefore)
	assert.Equal(t, int64(1), e1.BalanceAfter)

	e2, err := g.Post(EntryTypeDebit, 1, ref, now)
	require.NoError(t, err)
	assert.Equal(t, int64(0), e2.BalanceAfter)

	_, err = g.Post(EntryTypeDebit, 1, ref, now)
	assert.ErrorIs(t, err, ErrNoCreditsAvailable)
	assert.Equal(t, int64(0), g.RemainingCredits)

	e3, err := g.Post(EntryTypeCredit, 1, Reference{ID: "b-1", Type: ReferenceBookingRefund}, now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), e3.BalanceAfter)

	entries := []*LedgerEntry{e1, e2, e3}
	assert.Equal(t, g.RemainingCredits, ProjectBalance(g.InitialCredits, entries))
	assert.NoError(t, VerifyChain(g.InitialCredits, entries))
}

func TestGrantPostUnlimitedRecordsZero(t *testing.T) {
	g := &PlanGrant{ID: 1, IsUnlimited: true}
	e, err := g.Post(EntryTypeDebit, 1, Reference{ID: "b", Type: ReferenceBooking}, time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(0), e.Amount)
	assert.Equal(t, int64(0), e.BalanceAfter)
}

func TestVerifyChainDetectsBrokenLink(t *testing.T) {
	entries := []*LedgerEntry{
		{ID: 1, Type: EntryTypeDebit, Amount: 1, BalanceBefore: 3, BalanceAfter: 2},
		{ID: 2, Type: EntryTypeDebit, Amount: 1, BalanceBefore: 3, BalanceAfter: 2},
	}
	err := VerifyChain(3, entries)
	assert.ErrorIs(t, err, ErrIntegrityFault)
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, "SessionFull", KindOf(ErrSessionFull))
	assert.Equal(t, "Internal", KindOf(assert.AnError))
	assert.Equal(t, "", KindOf(nil))
	assert.Equal(t, ErrBookingClosed, ErrorFromKind("BookingClosed"))
	assert.True(t, IsRetryable(ErrConflict))
	assert.False(t, IsRetryable(ErrSessionFull))
}
