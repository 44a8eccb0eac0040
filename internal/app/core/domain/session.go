package domain

import "time"

// SessionStatus 課程狀態
type SessionStatus string

const (
	SessionStatusScheduled SessionStatus = "scheduled"
	SessionStatusCompleted SessionStatus = "completed"
	SessionStatusCancelled SessionStatus = "cancelled"
)

// Session 一堂課 (Capacity Tracker)
// 不變式: 0 <= SpotsTaken <= Capacity，且 SpotsTaken == active 預約數
type Session struct {
	ID    int64
	Title string
	// StartsAt: session_date + session_time (UTC)
	StartsAt                time.Time
	DurationMinutes         int
	Capacity                int
	SpotsTaken              int
	BookingCutoffMinutes    int
	CancellationCutoffHours int
	Status                  SessionStatus
	// Version: 樂觀鎖版本號
	Version   int64
	CreatedAt time.Time
}

// SessionParams 排課參數
type SessionParams struct {
	Title                   string
	StartsAt                time.Time
	DurationMinutes         int
	Capacity                int
	BookingCutoffMinutes    int
	CancellationCutoffHours int
}

func NewSession(p SessionParams, now time.Time) (*Session, error) {
	if p.StartsAt.IsZero() || p.DurationMinutes <= 0 || p.Capacity <= 0 ||
		p.BookingCutoffMinutes < 0 || p.CancellationCutoffHours < 0 {
		return nil, ErrInvalidArgument
	}
	return &Session{
		Title:                   p.Title,
		StartsAt:                p.StartsAt.UTC(),
		DurationMinutes:         p.DurationMinutes,
		Capacity:                p.Capacity,
		BookingCutoffMinutes:    p.BookingCutoffMinutes,
		CancellationCutoffHours: p.CancellationCutoffHours,
		Status:                  SessionStatusScheduled,
		CreatedAt:               now.UTC(),
	}, nil
}

// SessionDate 課程日期 (YYYY-MM-DD)
func (s *Session) SessionDate() string {
	return s.StartsAt.UTC().Format("2006-01-02")
}

// SessionTime 課程開始時間 (HH:MM)
func (s *Session) SessionTime() string {
	return s.StartsAt.UTC().Format("15:04")
}

// BookingDeadline 此時間 (含) 之後不可預約
func (s *Session) BookingDeadline() time.Time {
	return s.StartsAt.Add(-time.Duration(s.BookingCutoffMinutes) * time.Minute)
}

// RefundDeadline 此時間 (含) 之後取消不退點
func (s *Session) RefundDeadline() time.Time {
	return s.StartsAt.Add(-time.Duration(s.CancellationCutoffHours) * time.Hour)
}

// Available 剩餘名額
func (s *Session) Available() int {
	if s.SpotsTaken >= s.Capacity {
		return 0
	}
	return s.Capacity - s.SpotsTaken
}

// IsBookable 是否還能預約 (列表標示用，真正判斷在 TryReserve)
func (s *Session) IsBookable(now time.Time) bool {
	return s.Status == SessionStatusScheduled && now.Before(s.BookingDeadline()) && s.Available() > 0
}

// TryReserve compare-and-increment。必須在鎖定 session 的交易內呼叫
//
// 回傳:
//
//	ErrSessionNotAvailable: 非 scheduled
//	ErrBookingClosed: now >= StartsAt - BookingCutoffMinutes
//	ErrSessionFull: 名額已滿
func (s *Session) TryReserve(now time.Time) error {
	if s.Status != SessionStatusScheduled {
		return ErrSessionNotAvailable
	}
	if !now.Before(s.BookingDeadline()) {
		return ErrBookingClosed
	}
	if s.SpotsTaken >= s.Capacity {
		return ErrSessionFull
	}
	s.SpotsTaken++
	return nil
}

// Release 釋放一個名額，不受截止時間限制，最低為 0
func (s *Session) Release() {
	if s.SpotsTaken > 0 {
		s.SpotsTaken--
	}
}
