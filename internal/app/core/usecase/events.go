package usecase

import (
	"context"
	"time"
)

// 對外發佈的事件 routing key
const (
	EventBookingReserved  = "booking.reserved"
	EventBookingCancelled = "booking.cancelled"
	EventGrantReversed    = "grant.reversed"
	EventSessionCancelled = "session.cancelled"
)

// BookingEvent booking.reserved / booking.cancelled 的內容
type BookingEvent struct {
	BookingID      string    `json:"booking_id"`
	MemberID       int64     `json:"member_id"`
	SessionID      int64     `json:"session_id"`
	PlanGrantID    int64     `json:"plan_grant_id"`
	Status         string    `json:"status"`
	CreditRefunded bool      `json:"credit_refunded"`
	Reason         string    `json:"reason,omitempty"`
	OccurredAt     time.Time `json:"occurred_at"`
}

// GrantReversedEvent grant.reversed 的內容
type GrantReversedEvent struct {
	GrantID           int64     `json:"grant_id"`
	ZeroedCredits     int64     `json:"zeroed_credits"`
	CancelledBookings []string  `json:"cancelled_bookings"`
	Reason            string    `json:"reason"`
	OccurredAt        time.Time `json:"occurred_at"`
}

// SessionCancelledEvent session.cancelled 的內容
type SessionCancelledEvent struct {
	SessionID         int64     `json:"session_id"`
	CancelledBookings []string  `json:"cancelled_bookings"`
	Reason            string    `json:"reason"`
	OccurredAt        time.Time `json:"occurred_at"`
}

// EventPublisher 交易 commit 後發佈事件 (best effort)
type EventPublisher interface {
	Publish(ctx context.Context, key string, payload any) error
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, string, any) error { return nil }
