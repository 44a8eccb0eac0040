package domain

import (
	"time"

	"github.com/google/uuid"
)

// BookingStatus 預約狀態: active -> cancelled (終態)
type BookingStatus string

const (
	BookingStatusActive    BookingStatus = "active"
	BookingStatusCancelled BookingStatus = "cancelled"
)

// 系統產生的取消原因
const (
	ReasonGrantReversed    = "grant reversed"
	ReasonSessionCancelled = "session cancelled"
	ReasonMemberCancelled  = "member cancelled"
)

// Booking 預約紀錄，永不刪除
type Booking struct {
	ID                 string
	MemberID           int64
	SessionID          int64
	PlanGrantID        int64
	Status             BookingStatus
	BookedAt           time.Time
	CancelledAt        *time.Time
	CancellationReason string
	CreditRefunded     bool
}

func NewBooking(memberID, sessionID, grantID int64, now time.Time) *Booking {
	return &Booking{
		ID:          uuid.NewString(),
		MemberID:    memberID,
		SessionID:   sessionID,
		PlanGrantID: grantID,
		Status:      BookingStatusActive,
		BookedAt:    now.UTC(),
	}
}

// Cancel 轉為 cancelled，不論是否退點都要記錄原因與時間
func (b *Booking) Cancel(now time.Time, reason string, refunded bool) error {
	if b.Status != BookingStatusActive {
		return ErrNotCancellable
	}
	if reason == "" {
		reason = ReasonMemberCancelled
	}
	at := now.UTC()
	b.Status = BookingStatusCancelled
	b.CancelledAt = &at
	b.CancellationReason = reason
	b.CreditRefunded = refunded
	return nil
}
