package usecase

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/JoeShih716/go-class-ledger/internal/app/core/domain"
)

// ReverseGrantRequest 上游沖銷事實 (例如購買被退款)
type ReverseGrantRequest struct {
	GrantID int64
	Reason  string
	// ReferenceID 寫入歸零分錄的來源 ID (上游事件 ID)，空白時自動產生
	ReferenceID string
}

// ReversalResult 沖銷結果
type ReversalResult struct {
	Grant *domain.PlanGrant
	// ZeroedCredits 歸零分錄扣除的點數
	ZeroedCredits int64
	// AlreadyReversed 方案先前已沖銷，本次只補做尚未完成的預約取消
	AlreadyReversed   bool
	CancelledBookings []string
}

// ReverseGrant 沖銷方案 (saga)
//
//  1. 方案標記為 cancelled，並寫入一筆將餘額歸零的分錄 (同一交易)
//  2. 上述交易 commit 後，逐筆取消此方案的 active 預約：釋放名額但不退點
//
// 順序固定為先歸零再取消預約，避免對正在歸零的方案重複退點
// 重複呼叫是安全的：已沖銷的方案不會再寫分錄，只會繼續取消剩下的預約
func (e *Engine) ReverseGrant(ctx context.Context, req ReverseGrantRequest) (res *ReversalResult, err error) {
	ctx, done := e.begin(ctx, "reverse_grant", attribute.Int64("grant.id", req.GrantID))
	defer func() { done(err) }()

	refID := req.ReferenceID
	if refID == "" {
		refID = uuid.NewString()
	}

	res = &ReversalResult{}
	err = e.inTx(ctx, "reverse_grant", func(ctx context.Context, tx Tx) error {
		grant, err := tx.LockGrant(ctx, req.GrantID)
		if err != nil {
			return err
		}
		if grant.Status == domain.GrantStatusCancelled {
			res.Grant = grant
			res.AlreadyReversed = true
			res.ZeroedCredits = 0
			return nil
		}
		grant.Status = domain.GrantStatusCancelled
		ref := domain.Reference{ID: refID, Type: domain.ReferenceGrantReversal}
		entry, err := appendLedger(ctx, tx, grant, domain.EntryTypeDebit, grant.RemainingCredits, ref, e.now())
		if err != nil {
			return err
		}
		res.Grant = grant
		res.AlreadyReversed = false
		res.ZeroedCredits = entry.Amount
		return nil
	})
	if err != nil {
		return nil, err
	}

	cancelled, err := e.cascadeCancel(ctx, "reverse_grant_cascade", func(ctx context.Context) ([]*domain.Booking, error) {
		return e.store.ListGrantBookings(ctx, req.GrantID, domain.BookingStatusActive)
	}, domain.ReasonGrantReversed, refundSuppressed)
	res.CancelledBookings = cancelled
	if err != nil {
		return res, err
	}

	e.logger.Info("grant reversed",
		"grant_id", req.GrantID,
		"zeroed_credits", res.ZeroedCredits,
		"cancelled_bookings", len(cancelled),
		"reason", req.Reason)
	e.publish(ctx, EventGrantReversed, GrantReversedEvent{
		GrantID:           req.GrantID,
		ZeroedCredits:     res.ZeroedCredits,
		CancelledBookings: cancelled,
		Reason:            req.Reason,
		OccurredAt:        e.now().UTC(),
	})
	return res, nil
}

// CancelSession 場館取消課程：課程改為 cancelled，所有 active 預約取消並一律退點
// 與 ReverseGrant 相同，先 commit 課程狀態再逐筆處理預約，可重複呼叫
func (e *Engine) CancelSession(ctx context.Context, sessionID int64, reason string) (cancelled []string, err error) {
	ctx, done := e.begin(ctx, "cancel_session", attribute.Int64("session.id", sessionID))
	defer func() { done(err) }()

	err = e.inTx(ctx, "cancel_session", func(ctx context.Context, tx Tx) error {
		session, err := tx.LockSession(ctx, sessionID)
		if err != nil {
			return err
		}
		switch session.Status {
		case domain.SessionStatusCancelled:
			return nil
		case domain.SessionStatusCompleted:
			return domain.ErrSessionNotAvailable
		}
		session.Status = domain.SessionStatusCancelled
		return tx.SaveSession(ctx, session)
	})
	if err != nil {
		return nil, err
	}

	cancelled, err = e.cascadeCancel(ctx, "cancel_session_cascade", func(ctx context.Context) ([]*domain.Booking, error) {
		return e.store.ListSessionBookings(ctx, sessionID, domain.BookingStatusActive)
	}, domain.ReasonSessionCancelled, refundAlways)
	if err != nil {
		return cancelled, err
	}
	e.publish(ctx, EventSessionCancelled, SessionCancelledEvent{
		SessionID:         sessionID,
		CancelledBookings: cancelled,
		Reason:            reason,
		OccurredAt:        e.now().UTC(),
	})
	return cancelled, nil
}

// cascadeCancel 每筆預約各自一個交易；某筆失敗不影響其他筆，錯誤合併回傳
func (e *Engine) cascadeCancel(ctx context.Context, op string, list func(ctx context.Context) ([]*domain.Booking, error), reason string, policy refundPolicy) ([]string, error) {
	bookings, err := list(ctx)
	if err != nil {
		return nil, err
	}
	cancelled := make([]string, 0, len(bookings))
	var errs []error
	for _, b := range bookings {
		var res *CancelResult
		err := e.inTx(ctx, op, func(ctx context.Context, tx Tx) error {
			res = nil
			locked, err := tx.LockBooking(ctx, b.ID)
			if err != nil {
				return err
			}
			// 已被其他流程取消
			if locked.Status != domain.BookingStatusActive {
				return nil
			}
			r, err := e.cancelInTx(ctx, tx, locked, reason, policy)
			if errors.Is(err, errAttended) {
				e.logger.Debug("cascade keeps attended booking", "booking_id", locked.ID, "session_id", locked.SessionID)
				return nil
			}
			if err != nil {
				return err
			}
			res = r
			return nil
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("booking %s: %w", b.ID, err))
			continue
		}
		if res != nil {
			cancelled = append(cancelled, b.ID)
			e.publish(ctx, EventBookingCancelled, newBookingEvent(res.Booking, e.now()))
		}
	}
	return cancelled, errors.Join(errs...)
}
