package usecase

import (
	"context"
	"time"

	"github.com/JoeShih716/go-class-ledger/internal/app/core/domain"
)

// CoreUseCase 對外的業務操作入口，gRPC / HTTP / MQ adapter 都透過它呼叫
// 寫入一律交給 Engine，查詢直接讀 Store
type CoreUseCase struct {
	engine     *Engine
	store      Store
	reconciler *Reconciler
	now        func() time.Time
}

func NewCoreUseCase(engine *Engine, store Store, reconciler *Reconciler) *CoreUseCase {
	return &CoreUseCase{
		engine:     engine,
		store:      store,
		reconciler: reconciler,
		now:        engine.now,
	}
}

// Now 引擎使用的時間 (adapter 計算 bookable 等衍生欄位用)
func (c *CoreUseCase) Now() time.Time {
	return c.now()
}

// ReserveSession 預約課程
func (c *CoreUseCase) ReserveSession(ctx context.Context, memberID, sessionID int64) (*domain.Booking, error) {
	return c.engine.Reserve(ctx, memberID, sessionID)
}

// CancelBooking 取消預約
func (c *CoreUseCase) CancelBooking(ctx context.Context, memberID int64, bookingID, reason string) (*CancelResult, error) {
	return c.engine.Cancel(ctx, memberID, bookingID, reason)
}

// GetBooking 取得會員自己的預約
func (c *CoreUseCase) GetBooking(ctx context.Context, memberID int64, bookingID string) (*domain.Booking, error) {
	b, err := c.store.GetBooking(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if b.MemberID != memberID {
		return nil, domain.ErrNotFound
	}
	return b, nil
}

// AvailableSessionsFilter 課程列表條件
type AvailableSessionsFilter struct {
	From time.Time
	To   time.Time
	// OnlyBookable 只列出目前仍可預約的課 (未截止且有名額)
	OnlyBookable bool
	Limit        int
}

// ListAvailableSessions 列出 scheduled 的課程 (From 預設為現在)
// 回傳的 Session 可用 Available() / IsBookable() 取得名額資訊
func (c *CoreUseCase) ListAvailableSessions(ctx context.Context, f AvailableSessionsFilter) ([]*domain.Session, error) {
	now := c.now()
	if f.From.IsZero() {
		f.From = now
	}
	if f.Limit <= 0 || f.Limit > 500 {
		f.Limit = 100
	}
	sessions, err := c.store.ListSessions(ctx, SessionFilter{
		From:     f.From,
		To:       f.To,
		Statuses: []domain.SessionStatus{domain.SessionStatusScheduled},
		Limit:    f.Limit,
	})
	if err != nil {
		return nil, err
	}
	if !f.OnlyBookable {
		return sessions, nil
	}
	out := sessions[:0]
	for _, s := range sessions {
		if s.IsBookable(now) {
			out = append(out, s)
		}
	}
	return out, nil
}

// ListMemberBookings status 為空字串時不限
func (c *CoreUseCase) ListMemberBookings(ctx context.Context, memberID int64, status domain.BookingStatus) ([]*domain.Booking, error) {
	if _, err := c.store.GetMember(ctx, memberID); err != nil {
		return nil, err
	}
	return c.store.ListMemberBookings(ctx, memberID, status)
}

// GrantBalance 單一方案餘額
type GrantBalance struct {
	GrantID     int64
	Remaining   int64
	IsUnlimited bool
	ExpiresAt   time.Time
}

// GetMemberBalance 列出目前可使用 (active 且未過期) 的方案餘額，依到期日排序
func (c *CoreUseCase) GetMemberBalance(ctx context.Context, memberID int64) ([]GrantBalance, error) {
	if _, err := c.store.GetMember(ctx, memberID); err != nil {
		return nil, err
	}
	grants, err := c.store.ListMemberGrants(ctx, memberID)
	if err != nil {
		return nil, err
	}
	now := c.now()
	out := make([]GrantBalance, 0, len(grants))
	for _, g := range grants {
		if g.EffectiveStatus(now) != domain.GrantStatusActive {
			continue
		}
		out = append(out, GrantBalance{
			GrantID:     g.ID,
			Remaining:   g.RemainingCredits,
			IsUnlimited: g.IsUnlimited,
			ExpiresAt:   g.EndDate,
		})
	}
	return out, nil
}

// ApplyGrantReversal 上游通知購買被沖銷
func (c *CoreUseCase) ApplyGrantReversal(ctx context.Context, grantID int64, reason string) (*ReversalResult, error) {
	return c.engine.ReverseGrant(ctx, ReverseGrantRequest{GrantID: grantID, Reason: reason})
}

// ApplyGrantReversalEvent 同 ApplyGrantReversal，歸零分錄以事件 ID 為來源
func (c *CoreUseCase) ApplyGrantReversalEvent(ctx context.Context, eventID string, grantID int64, reason string) (*ReversalResult, error) {
	return c.engine.ReverseGrant(ctx, ReverseGrantRequest{GrantID: grantID, Reason: reason, ReferenceID: eventID})
}

// CreateGrant 上游通知購買確認
func (c *CoreUseCase) CreateGrant(ctx context.Context, memberID, credits int64, durationDays int, isUnlimited bool) (*domain.PlanGrant, error) {
	return c.engine.CreateGrant(ctx, CreateGrantRequest{
		MemberID:     memberID,
		Credits:      credits,
		DurationDays: durationDays,
		IsUnlimited:  isUnlimited,
	})
}

// PurchaseFact 已驗證的購買事實 (外部帳號)
type PurchaseFact struct {
	EventID          string
	ExternalMemberID string
	Credits          int64
	DurationDays     int
	IsUnlimited      bool
}

// ApplyPurchase 首次出現的外部帳號會先建立會員；同一 EventID 只會建立一次方案
func (c *CoreUseCase) ApplyPurchase(ctx context.Context, fact PurchaseFact) (*domain.PlanGrant, error) {
	m, err := c.engine.EnsureMember(ctx, fact.ExternalMemberID)
	if err != nil {
		return nil, err
	}
	return c.engine.CreateGrant(ctx, CreateGrantRequest{
		MemberID:      m.ID,
		Credits:       fact.Credits,
		DurationDays:  fact.DurationDays,
		IsUnlimited:   fact.IsUnlimited,
		SourceEventID: fact.EventID,
	})
}

// EnsureMember 依外部帳號取得或建立會員
func (c *CoreUseCase) EnsureMember(ctx context.Context, externalID string) (*domain.Member, error) {
	return c.engine.EnsureMember(ctx, externalID)
}

// ScheduleSession 新增課程
func (c *CoreUseCase) ScheduleSession(ctx context.Context, p domain.SessionParams) (*domain.Session, error) {
	return c.engine.ScheduleSession(ctx, p)
}

// CancelSession 場館取消課程
func (c *CoreUseCase) CancelSession(ctx context.Context, sessionID int64, reason string) ([]string, error) {
	return c.engine.CancelSession(ctx, sessionID, reason)
}

// CompleteSession 課程結束
func (c *CoreUseCase) CompleteSession(ctx context.Context, sessionID int64) (*domain.Session, error) {
	return c.engine.CompleteSession(ctx, sessionID)
}

// LedgerHistory 方案的所有分錄 (依寫入順序)
func (c *CoreUseCase) LedgerHistory(ctx context.Context, grantID int64) (*domain.PlanGrant, []*domain.LedgerEntry, error) {
	g, err := c.store.GetGrant(ctx, grantID)
	if err != nil {
		return nil, nil, err
	}
	entries, err := c.store.ListLedgerEntries(ctx, grantID)
	if err != nil {
		return nil, nil, err
	}
	return g, entries, nil
}

// Reconcile 立即對帳一次
func (c *CoreUseCase) Reconcile(ctx context.Context) ([]Fault, error) {
	return c.reconciler.Run(ctx)
}
