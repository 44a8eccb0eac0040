package domain

import (
	"fmt"
	"time"
)

// EntryType 帳本分錄類型
type EntryType string

const (
	// EntryTypeDebit 扣點
	EntryTypeDebit EntryType = "debit"
	// EntryTypeCredit 退點 / 補點
	EntryTypeCredit EntryType = "credit"
)

// ReferenceType 分錄對應的業務來源
type ReferenceType string

const (
	ReferenceBooking       ReferenceType = "booking"
	ReferenceBookingRefund ReferenceType = "booking_refund"
	ReferenceGrantReversal ReferenceType = "grant_reversal"
)

// Reference 分錄的來源 (Booking ID 或上游沖銷事件 ID)
type Reference struct {
	ID   string
	Type ReferenceType
}

// LedgerEntry 不可變的帳本分錄。只新增，不更新，不刪除
type LedgerEntry struct {
	ID            int64
	PlanGrantID   int64
	Type          EntryType
	Amount        int64
	BalanceBefore int64
	BalanceAfter  int64
	ReferenceID   string
	ReferenceType ReferenceType
	CreatedAt     time.Time
}

// Post 依分錄類型計算新的餘額並產生分錄
// 無限方案的分錄金額固定為 0，只做稽核紀錄，不影響餘額
//
// 參數:
//
//	t: 分錄類型
//	amount: 點數 (>= 0)
//	ref: 來源
//	now: 時間
//
// 回傳:
//
//	*LedgerEntry: 尚未寫入的分錄
//	error: ErrNoCreditsAvailable (扣點後會小於 0)
func (g *PlanGrant) Post(t EntryType, amount int64, ref Reference, now time.Time) (*LedgerEntry, error) {
	if amount < 0 {
		return nil, ErrInvalidArgument
	}
	if g.IsUnlimited {
		amount = 0
	}
	before := g.RemainingCredits
	after := before
	switch t {
	case EntryTypeDebit:
		if after < amount {
			return nil, ErrNoCreditsAvailable
		}
		after -= amount
	case EntryTypeCredit:
		after += amount
	default:
		return nil, ErrInvalidArgument
	}
	g.RemainingCredits = after
	return &LedgerEntry{
		PlanGrantID:   g.ID,
		Type:          t,
		Amount:        amount,
		BalanceBefore: before,
		BalanceAfter:  after,
		ReferenceID:   ref.ID,
		ReferenceType: ref.Type,
		CreatedAt:     now.UTC(),
	}, nil
}

// ProjectBalance 由分錄重算餘額: initial + Σcredit - Σdebit
func ProjectBalance(initial int64, entries []*LedgerEntry) int64 {
	balance := initial
	for _, e := range entries {
		switch e.Type {
		case EntryTypeCredit:
			balance += e.Amount
		case EntryTypeDebit:
			balance -= e.Amount
		}
	}
	return balance
}

// VerifyChain 檢查分錄串接: 每筆的 BalanceBefore 必須等於上一筆的 BalanceAfter
// entries 必須依寫入順序排列
func VerifyChain(initial int64, entries []*LedgerEntry) error {
	expected := initial
	for _, e := range entries {
		if e.BalanceBefore != expected {
			return fmt.Errorf("%w: entry %d balance_before=%d, expected %d", ErrIntegrityFault, e.ID, e.BalanceBefore, expected)
		}
		expected = ProjectBalance(e.BalanceBefore, []*LedgerEntry{e})
		if e.BalanceAfter != expected {
			return fmt.Errorf("%w: entry %d balance_after=%d, expected %d", ErrIntegrityFault, e.ID, e.BalanceAfter, expected)
		}
	}
	return nil
}
