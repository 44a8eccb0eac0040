package usecase

import (
	"context"
	"errors"

	"github.com/JoeShih716/go-class-ledger/internal/app/core/domain"
)

// EnsureMember 依外部帳號取得會員，不存在時建立
func (e *Engine) EnsureMember(ctx context.Context, externalID string) (*domain.Member, error) {
	m, err := domain.NewMember(externalID, e.now())
	if err != nil {
		return nil, err
	}
	var out *domain.Member
	err = e.inTx(ctx, "ensure_member", func(ctx context.Context, tx Tx) error {
		existing, err := tx.GetMemberByExternalID(ctx, m.ExternalID)
		if err == nil {
			out = existing
			return nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return err
		}
		created := *m
		if err := tx.CreateMember(ctx, &created); err != nil {
			return err
		}
		out = &created
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// CreateGrantRequest 購買確認後建立方案
type CreateGrantRequest struct {
	MemberID     int64
	Credits      int64
	DurationDays int
	IsUnlimited  bool
	// SourceEventID 上游事件 ID；有值時同一事件只會建立一次方案
	SourceEventID string
}

// CreateGrant 建立方案。建立時不寫分錄：初始點數即是帳本的起點
func (e *Engine) CreateGrant(ctx context.Context, req CreateGrantRequest) (*domain.PlanGrant, error) {
	var out *domain.PlanGrant
	err := e.inTx(ctx, "create_grant", func(ctx context.Context, tx Tx) error {
		if _, err := tx.GetMember(ctx, req.MemberID); err != nil {
			return err
		}
		if req.SourceEventID != "" {
			if err := tx.MarkEventProcessed(ctx, req.SourceEventID, "grant.purchased", e.now()); err != nil {
				return err
			}
		}
		g, err := domain.NewPlanGrant(req.MemberID, req.Credits, req.DurationDays, req.IsUnlimited, e.now())
		if err != nil {
			return err
		}
		if err := tx.CreateGrant(ctx, g); err != nil {
			return err
		}
		out = g
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.logger.Info("grant created",
		"grant_id", out.ID,
		"member_id", out.MemberID,
		"credits", out.InitialCredits,
		"unlimited", out.IsUnlimited,
		"end_date", out.EndDate.Format("2006-01-02"))
	return out, nil
}

// ScheduleSession 新增一堂課 (排課本身在系統外，這裡只負責寫入)
func (e *Engine) ScheduleSession(ctx context.Context, p domain.SessionParams) (*domain.Session, error) {
	s, err := domain.NewSession(p, e.now())
	if err != nil {
		return nil, err
	}
	var out *domain.Session
	err = e.inTx(ctx, "schedule_session", func(ctx context.Context, tx Tx) error {
		created := *s
		if err := tx.CreateSession(ctx, &created); err != nil {
			return err
		}
		out = &created
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// CompleteSession 課程結束，之後不可再預約或取消
func (e *Engine) CompleteSession(ctx context.Context, sessionID int64) (*domain.Session, error) {
	var out *domain.Session
	err := e.inTx(ctx, "complete_session", func(ctx context.Context, tx Tx) error {
		s, err := tx.LockSession(ctx, sessionID)
		if err != nil {
			return err
		}
		if s.Status != domain.SessionStatusScheduled {
			return domain.ErrSessionNotAvailable
		}
		s.Status = domain.SessionStatusCompleted
		if err := tx.SaveSession(ctx, s); err != nil {
			return err
		}
		out = s
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
