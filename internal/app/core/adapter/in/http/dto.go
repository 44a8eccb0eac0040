package http

import (
	"time"

	"github.com/JoeShih716/go-class-ledger/internal/app/core/domain"
)

type sessionJSON struct {
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

func toSessionJSON(s *domain.Session, now time.Time) sessionJSON {
	return sessionJSON{
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

type bookingJSON struct {
	ID                 string     `json:"id"`
	MemberID           int64      `json:"member_id"`
	SessionID          int64      `json:"session_id"`
	PlanGrantID        int64      `json:"plan_grant_id"`
	Status             string     `json:"status"`
	BookedAt           time.Time  `json:"booking_time"`
	CancelledAt        *time.Time `json:"cancelled_at,omitempty"`
	CancellationReason string     `json:"cancellation_reason,omitempty"`
	CreditRefunded     bool       `json:"credit_refunded"`
}

func toBookingJSON(b *domain.Booking) bookingJSON {
	return bookingJSON{
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

type grantJSON struct {
	ID               int64  `json:"id"`
	MemberID         int64  `json:"member_id"`
	InitialCredits   int64  `json:"initial_credits"`
	RemainingCredits int64  `json:"remaining_credits"`
	IsUnlimited      bool   `json:"is_unlimited"`
	StartDate        string `json:"start_date"`
	EndDate          string `json:"end_date"`
	Status           string `json:"status"`
}

func toGrantJSON(g *domain.PlanGrant) grantJSON {
	return grantJSON{
		ID:               g.ID,
		MemberID:         g.MemberID,
		InitialCredits:   g.InitialCredits,
		RemainingCredits: g.RemainingCredits,
		IsUnlimited:      g.IsUnlimited,
		StartDate:        g.StartDate.Format(time.DateOnly),
		EndDate:          g.EndDate.Format(time.DateOnly),
		Status:           string(g.Status),
	}
}

type balanceJSON struct {
	GrantID     int64  `json:"grant_id"`
	Remaining   int64  `json:"remaining"`
	IsUnlimited bool   `json:"is_unlimited"`
	ExpiresAt   string `json:"expires_at"`
}

type entryJSON struct {
	ID            int64     `json:"id"`
	Type          string    `json:"type"`
	Amount        int64     `json:"amount"`
	BalanceBefore int64     `json:"balance_before"`
	BalanceAfter  int64     `json:"balance_after"`
	ReferenceID   string    `json:"reference_id"`
	ReferenceType string    `json:"reference_type"`
	CreatedAt     time.Time `json:"created_at"`
}

func toEntryJSON(e *domain.LedgerEntry) entryJSON {
	return entryJSON{
		ID:            e.ID,
		Type:          string(e.Type),
		Amount:        e.Amount,
		BalanceBefore: e.BalanceBefore,
		BalanceAfter:  e.BalanceAfter,
		ReferenceID:   e.ReferenceID,
		ReferenceType: string(e.ReferenceType),
		CreatedAt:     e.CreatedAt,
	}
}
