package grpc

import (
	"time"

	"github.com/JoeShih716/go-class-ledger/internal/app/core/domain"
	"github.com/JoeShih716/go-class-ledger/internal/app/core/usecase"
)

// Result 寫入類 RPC 的共同欄位
// 業務拒絕不回傳 gRPC error，而是 Success=false + ErrorKind (Soft Failure)
type Result struct {
	Success   bool   `json:"success"`
	ErrorKind string `json:"error_kind,omitempty"`
	Message   string `json:"message,omitempty"`
}

type Booking struct {
	ID                 string     `json:"id"`
	MemberID           int64      `json:"member_id"`
	SessionID          int64      `json:"session_id"`
	PlanGrantID        int64      `json:"plan_grant_id"`
	Status             string     `json:"status"`
	BookedAt           time.Time  `json:"booked_at"`
	CancelledAt        *time.Time `json:"cancelled_at,omitempty"`
	CancellationReason string     `json:"cancellation_reason,omitempty"`
	CreditRefunded     bool       `json:"credit_refunded"`
}

type Session struct {
	ID                      int64     `json:"id"`
	Title                   string    `json:"title"`
	SessionDate             string    `json:"session_date"`
	SessionTime             string    `json:"session_time"`
	StartsAt                time.Time `json:"starts_at"`
	DurationMinutes         int       `json:"duration_minutes"`
	Capacity                int       `json:"capacity"`
	SpotsTaken              int       `json:"spots_taken"`
	SpotsAvailable          int       `json:"spots_available"`
	BookingCutoffMinutes    int       `json:"booking_cutoff_minutes"`
	CancellationCutoffHours int       `json:"cancellation_cutoff_hours"`
	Status                  string    `json:"status"`
	Bookable                bool      `json:"bookable"`
}

type Grant struct {
	ID               int64     `json:"id"`
	MemberID         int64     `json:"member_id"`
	InitialCredits   int64     `json:"initial_credits"`
	RemainingCredits int64     `json:"remaining_credits"`
	IsUnlimited      bool      `json:"is_unlimited"`
	StartDate        time.Time `json:"start_date"`
	EndDate          time.Time `json:"end_date"`
	Status           string    `json:"status"`
}

type GrantBalance struct {
	GrantID     int64     `json:"grant_id"`
	Remaining   int64     `json:"remaining"`
	IsUnlimited bool      `json:"is_unlimited"`
	ExpiresAt   time.Time `json:"expires_at"`
}

type ReserveRequest struct {
	MemberID  int64 `json:"member_id"`
	SessionID int64 `json:"session_id"`
}

type ReserveResponse struct {
	Result
	Booking *Booking `json:"booking,omitempty"`
}

type CancelRequest struct {
	MemberID  int64  `json:"member_id"`
	BookingID string `json:"booking_id"`
	Reason    string `json:"reason,omitempty"`
}

type CancelResponse struct {
	Result
	Booking *Booking `json:"booking,omitempty"`
	// RefundDenial 取消成功但不退點時為 "CancellationClosed"
	RefundDenial string `json:"refund_denial,omitempty"`
}

type GetBookingRequest struct {
	MemberID  int64  `json:"member_id"`
	BookingID string `json:"booking_id"`
}

type ListSessionsRequest struct {
	From         time.Time `json:"from,omitzero"`
	To           time.Time `json:"to,omitzero"`
	OnlyBookable bool      `json:"only_bookable,omitempty"`
	Limit        int       `json:"limit,omitempty"`
}

type ListSessionsResponse struct {
	Sessions []Session `json:"sessions"`
}

type ListBookingsRequest struct {
	MemberID int64  `json:"member_id"`
	Status   string `json:"status,omitempty"`
}

type ListBookingsResponse struct {
	Bookings []Booking `json:"bookings"`
}

type BalanceRequest struct {
	MemberID int64 `json:"member_id"`
}

type BalanceResponse struct {
	Grants []GrantBalance `json:"grants"`
}

type ReversalRequest struct {
	GrantID int64  `json:"grant_id"`
	Reason  string `json:"reason"`
	// EventID 上游事件 ID，寫入歸零分錄的 reference_id
	EventID string `json:"event_id,omitempty"`
}

type ReversalResponse struct {
	Result
	ZeroedCredits     int64    `json:"zeroed_credits"`
	AlreadyReversed   bool     `json:"already_reversed"`
	CancelledBookings []string `json:"cancelled_bookings"`
}

type CreateGrantRequest struct {
	MemberID     int64 `json:"member_id"`
	Credits      int64 `json:"credits"`
	DurationDays int   `json:"duration_days"`
	IsUnlimited  bool  `json:"is_unlimited"`
}

type CreateGrantResponse struct {
	Result
	Grant *Grant `json:"grant,omitempty"`
}

func toBooking(b *domain.Booking) Booking {
	return Booking{
		ID:                 b.ID,
		MemberID:           b.MemberID,
		SessionID:          b.SessionID,
		PlanGrantID:        b.PlanGrantID,
		Status:             string(b.Status),
		BookedAt:           b.BookedAt,
		CancelledAt:        b.CancelledAt,
		CancellationReason: b.CancellationReason,
		CreditRefunded:     b.CreditRefunded,
	}
}

func toSession(s *domain.Session, now time.Time) Session {
	return Session{
		ID:                      s.ID,
		Title:                   s.Title,
		SessionDate:             s.SessionDate(),
		SessionTime:             s.SessionTime(),
		StartsAt:                s.StartsAt,
		DurationMinutes:         s.DurationMinutes,
		Capacity:                s.Capacity,
		SpotsTaken:              s.SpotsTaken,
		SpotsAvailable:          s.Available(),
		BookingCutoffMinutes:    s.BookingCutoffMinutes,
		CancellationCutoffHours: s.CancellationCutoffHours,
		Status:                  string(s.Status),
		Bookable:                s.IsBookable(now),
	}
}

func toGrant(g *domain.PlanGrant) *Grant {
	return &Grant{
		ID:               g.ID,
		MemberID:         g.MemberID,
		InitialCredits:   g.InitialCredits,
		RemainingCredits: g.RemainingCredits,
		IsUnlimited:      g.IsUnlimited,
		StartDate:        g.StartDate,
		EndDate:          g.EndDate,
		Status:           string(g.Status),
	}
}

func toGrantBalance(b usecase.GrantBalance) GrantBalance {
	return GrantBalance{
		GrantID:     b.GrantID,
		Remaining:   b.Remaining,
		IsUnlimited: b.IsUnlimited,
		ExpiresAt:   b.ExpiresAt,
	}
}
