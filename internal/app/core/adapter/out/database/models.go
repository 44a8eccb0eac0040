package database

import (
	"fmt"
	"time"

	"github.com/JoeShih716/go-class-ledger/internal/app/core/domain"
)

// sqlMember 對應資料庫的 members 表
type sqlMember struct {
	ID         int64  `gorm:"primaryKey;autoIncrement"`
	ExternalID string `gorm:"size:128;not null;uniqueIndex"`
	CreatedAt  time.Time
}

func (*sqlMember) TableName() string {
	return "members"
}

// sqlSession 對應資料庫的 sessions 表
type sqlSession struct {
	ID                      int64     `gorm:"primaryKey;autoIncrement"`
	Title                   string    `gorm:"size:200"`
	StartsAt                time.Time `gorm:"not null;index"`
	DurationMinutes         int       `gorm:"not null"`
	Capacity                int       `gorm:"not null"`
	SpotsTaken              int       `gorm:"not null;default:0"`
	BookingCutoffMinutes    int       `gorm:"not null;default:0"`
	CancellationCutoffHours int       `gorm:"not null;default:0"`
	Status                  string    `gorm:"size:16;not null;index"`
	Version                 int64     `gorm:"not null;default:0"` // 樂觀鎖
	CreatedAt               time.Time
	UpdatedAt               time.Time
}

func (*sqlSession) TableName() string {
	return "sessions"
}

// sqlPlanGrant 對應資料庫的 plan_grants 表
type sqlPlanGrant struct {
	ID               int64     `gorm:"primaryKey;autoIncrement"`
	MemberID         int64     `gorm:"not null;index"`
	InitialCredits   int64     `gorm:"not null"`
	RemainingCredits int64     `gorm:"not null"` // 帳本投影快取
	IsUnlimited      bool      `gorm:"not null;default:false"`
	StartDate        time.Time `gorm:"not null"`
	EndDate          time.Time `gorm:"not null;index"`
	Status           string    `gorm:"size:16;not null;index"`
	Version          int64     `gorm:"not null;default:0"` // 樂觀鎖
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

func (*sqlPlanGrant) TableName() string {
	return "plan_grants"
}

// sqlBooking 對應資料庫的 bookings 表
// ActiveKey 只有 active 時有值 ("member:session")，利用 unique index 保證
// 同一會員同一堂課最多一筆 active (NULL 不受 unique 限制)
type sqlBooking struct {
	ID                 string  `gorm:"primaryKey;size:36"`
	MemberID           int64   `gorm:"not null;index"`
	SessionID          int64   `gorm:"not null;index"`
	PlanGrantID        int64   `gorm:"not null;index"`
	ActiveKey          *string `gorm:"size:64;uniqueIndex"`
	Status             string  `gorm:"size:16;not null;index"`
	BookedAt           time.Time
	CancelledAt        *time.Time
	CancellationReason string `gorm:"size:255"`
	CreditRefunded     bool   `gorm:"not null;default:false"`
	UpdatedAt          time.Time
}

func (*sqlBooking) TableName() string {
	return "bookings"
}

// sqlLedgerEntry 對應資料庫的 ledger_entries 表 (append-only)
type sqlLedgerEntry struct {
	ID            int64  `gorm:"primaryKey;autoIncrement"`
	PlanGrantID   int64  `gorm:"not null;index"`
	Type          string `gorm:"size:8;not null"`
	Amount        int64  `gorm:"not null"`
	BalanceBefore int64  `gorm:"not null"`
	BalanceAfter  int64  `gorm:"not null"`
	ReferenceID   string `gorm:"size:64;not null;index"`
	ReferenceType string `gorm:"size:32;not null"`
	CreatedAt     time.Time
}

func (*sqlLedgerEntry) TableName() string {
	return "ledger_entries"
}

// sqlProcessedEvent 已處理的上游事件 (冪等)
type sqlProcessedEvent struct {
	ID          string `gorm:"primaryKey;size:64"`
	EventKey    string `gorm:"size:64;index"`
	ProcessedAt time.Time
}

func (*sqlProcessedEvent) TableName() string {
	return "processed_events"
}

func allModels() []any {
	return []any{
		&sqlMember{},
		&sqlSession{},
		&sqlPlanGrant{},
		&sqlBooking{},
		&sqlLedgerEntry{},
		&sqlProcessedEvent{},
	}
}

func activeKey(memberID, sessionID int64) *string {
	k := fmt.Sprintf("%d:%d", memberID, sessionID)
	return &k
}

func toMember(m *sqlMember) *domain.Member {
	return &domain.Member{ID: m.ID, ExternalID: m.ExternalID, CreatedAt: m.CreatedAt.UTC()}
}

func toSession(s *sqlSession) *domain.Session {
	return &domain.Session{
		ID:                      s.ID,
		Title:                   s.Title,
		StartsAt:                s.StartsAt.UTC(),
		DurationMinutes:         s.DurationMinutes,
		Capacity:                s.Capacity,
		SpotsTaken:              s.SpotsTaken,
		BookingCutoffMinutes:    s.BookingCutoffMinutes,
		CancellationCutoffHours: s.CancellationCutoffHours,
		Status:                  domain.SessionStatus(s.Status),
		Version:                 s.Version,
		CreatedAt:               s.CreatedAt.UTC(),
	}
}

func fromSession(s *domain.Session) *sqlSession {
	return &sqlSession{
		ID:                      s.ID,
		Title:                   s.Title,
		StartsAt:                s.StartsAt.UTC(),
		DurationMinutes:         s.DurationMinutes,
		Capacity:                s.Capacity,
		SpotsTaken:              s.SpotsTaken,
		BookingCutoffMinutes:    s.BookingCutoffMinutes,
		CancellationCutoffHours: s.CancellationCutoffHours,
		Status:                  string(s.Status),
		Version:                 s.Version,
		CreatedAt:               s.CreatedAt.UTC(),
	}
}

func toGrant(g *sqlPlanGrant) *domain.PlanGrant {
	return &domain.PlanGrant{
		ID:               g.ID,
		MemberID:         g.MemberID,
		InitialCredits:   g.InitialCredits,
		RemainingCredits: g.RemainingCredits,
		IsUnlimited:      g.IsUnlimited,
		StartDate:        g.StartDate.UTC(),
		EndDate:          g.EndDate.UTC(),
		Status:           domain.GrantStatus(g.Status),
		Version:          g.Version,
		CreatedAt:        g.CreatedAt.UTC(),
	}
}

func fromGrant(g *domain.PlanGrant) *sqlPlanGrant {
	return &sqlPlanGrant{
		ID:               g.ID,
		MemberID:         g.MemberID,
		InitialCredits:   g.InitialCredits,
		RemainingCredits: g.RemainingCredits,
		IsUnlimited:      g.IsUnlimited,
		StartDate:        g.StartDate.UTC(),
		EndDate:          g.EndDate.UTC(),
		Status:           string(g.Status),
		Version:          g.Version,
		CreatedAt:        g.CreatedAt.UTC(),
	}
}

func toBooking(b *sqlBooking) *domain.Booking {
	out := &domain.Booking{
		ID:                 b.ID,
		MemberID:           b.MemberID,
		SessionID:          b.SessionID,
		PlanGrantID:        b.PlanGrantID,
		Status:             domain.BookingStatus(b.Status),
		BookedAt:           b.BookedAt.UTC(),
		CancellationReason: b.CancellationReason,
		CreditRefunded:     b.CreditRefunded,
	}
	if b.CancelledAt != nil {
		at := b.CancelledAt.UTC()
		out.CancelledAt = &at
	}
	return out
}

func fromBooking(b *domain.Booking) *sqlBooking {
	out := &sqlBooking{
		ID:                 b.ID,
		MemberID:           b.MemberID,
		SessionID:          b.SessionID,
		PlanGrantID:        b.PlanGrantID,
		Status:             string(b.Status),
		BookedAt:           b.BookedAt.UTC(),
		CancelledAt:        b.CancelledAt,
		CancellationReason: b.CancellationReason,
		CreditRefunded:     b.CreditRefunded,
	}
	if b.Status == domain.BookingStatusActive {
		out.ActiveKey = activeKey(b.MemberID, b.SessionID)
	}
	return out
}

func toEntry(e *sqlLedgerEntry) *domain.LedgerEntry {
	return &domain.LedgerEntry{
		ID:            e.ID,
		PlanGrantID:   e.PlanGrantID,
		Type:          domain.EntryType(e.Type),
		Amount:        e.Amount,
		BalanceBefore: e.BalanceBefore,
		BalanceAfter:  e.BalanceAfter,
		ReferenceID:   e.ReferenceID,
		ReferenceType: domain.ReferenceType(e.ReferenceType),
		CreatedAt:     e.CreatedAt.UTC(),
	}
}

func fromEntry(e *domain.LedgerEntry) *sqlLedgerEntry {
	return &sqlLedgerEntry{
		PlanGrantID:   e.PlanGrantID,
		Type:          string(e.Type),
		Amount:        e.Amount,
		BalanceBefore: e.BalanceBefore,
		BalanceAfter:  e.BalanceAfter,
		ReferenceID:   e.ReferenceID,
		ReferenceType: string(e.ReferenceType),
		CreatedAt:     e.CreatedAt.UTC(),
	}
}
