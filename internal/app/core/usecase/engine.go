package usecase

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/JoeShih716/go-class-ledger/internal/app/core/domain"
	"github.com/JoeShih716/go-class-ledger/pkg/obs"
	"github.com/JoeShih716/go-class-ledger/pkg/retry"
)

const tracerName = "github.com/JoeShih716/go-class-ledger/internal/app/core/usecase"

// Engine 預約與點數帳本引擎
// 唯一可以寫入 Session.SpotsTaken、Booking、LedgerEntry 的元件
// 本身不保存狀態，所有計數都在交易內重新讀取
type Engine struct {
	store   Store
	events  EventPublisher
	now     func() time.Time
	retry   retry.Config
	logger  *slog.Logger
	metrics *obs.Metrics
	tracer  trace.Tracer
}

// Option 設定 Engine
type Option func(*Engine)

// WithClock 注入時間來源 (測試用)
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// WithRetry 設定交易衝突時的重試策略
func WithRetry(cfg retry.Config) Option {
	return func(e *Engine) {
		e.retry = cfg
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

func WithMetrics(m *obs.Metrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

func WithEventPublisher(p EventPublisher) Option {
	return func(e *Engine) {
		e.events = p
	}
}

func NewEngine(store Store, opts ...Option) *Engine {
	e := &Engine{
		store:  store,
		events: nopPublisher{},
		now:    time.Now,
		retry:  retry.DefaultConfig(),
		logger: slog.Default(),
		tracer: otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// CancelResult 取消結果
type CancelResult struct {
	Booking *domain.Booking
	// RefundDenial 超過免費取消時限時為 domain.ErrCancellationClosed
	// 取消本身仍然成功，名額已釋放
	RefundDenial error
}

// errAttended 課程已結束，預約代表已出席，cascade 跳過不取消
var errAttended = errors.New("session already completed")

type refundPolicy int

const (
	// refundByCutoff 依 CancellationCutoffHours 判斷是否退點
	refundByCutoff refundPolicy = iota
	// refundSuppressed 不退點 (方案沖銷時，方案已歸零)
	refundSuppressed
	// refundAlways 一律退點 (場館取消課程)
	refundAlways
)

// Reserve 預約課程
//
// 檢查順序: 課程狀態 -> 重複預約 -> 預約截止 -> 名額 -> 可用方案
// 全部在同一個交易內完成：名額 +1、新增預約、寫入扣點分錄
//
// 參數:
//
//	memberID: 會員 ID
//	sessionID: 課程 ID
//
// 回傳:
//
//	*domain.Booking: 新建立的預約
//	error: 業務拒絕 (不可重試) 或 domain.ErrConflict
func (e *Engine) Reserve(ctx context.Context, memberID, sessionID int64) (booking *domain.Booking, err error) {
	ctx, done := e.begin(ctx, "reserve",
		attribute.Int64("member.id", memberID),
		attribute.Int64("session.id", sessionID))
	defer func() { done(err) }()

	err = e.inTx(ctx, "reserve", func(ctx context.Context, tx Tx) error {
		b, err := e.reserveInTx(ctx, tx, memberID, sessionID)
		if err != nil {
			return err
		}
		booking = b
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.publish(ctx, EventBookingReserved, newBookingEvent(booking, e.now()))
	return booking, nil
}

func (e *Engine) reserveInTx(ctx context.Context, tx Tx, memberID, sessionID int64) (*domain.Booking, error) {
	now := e.now()
	if _, err := tx.GetMember(ctx, memberID); err != nil {
		return nil, err
	}

	// 1. 鎖定課程後重新讀取計數
	session, err := tx.LockSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.Status != domain.SessionStatusScheduled {
		return nil, domain.ErrSessionNotAvailable
	}

	// 2. 同一會員同一堂課只能有一筆 active
	existing, err := tx.FindActiveBooking(ctx, memberID, sessionID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, domain.ErrAlreadyBooked
	}

	// 3 & 4. 截止時間與名額 (compare-and-increment)
	if err := session.TryReserve(now); err != nil {
		return nil, err
	}

	// 5. 選擇方案
	grants, err := tx.LockMemberGrants(ctx, memberID)
	if err != nil {
		return nil, err
	}
	grant := domain.SelectGrant(grants, now)
	if grant == nil {
		return nil, domain.ErrNoCreditsAvailable
	}

	// 6. 寫入
	booking := domain.NewBooking(memberID, session.ID, grant.ID, now)
	if err := tx.SaveSession(ctx, session); err != nil {
		return nil, err
	}
	if err := tx.CreateBooking(ctx, booking); err != nil {
		return nil, err
	}
	ref := domain.Reference{ID: booking.ID, Type: domain.ReferenceBooking}
	if _, err := appendLedger(ctx, tx, grant, domain.EntryTypeDebit, 1, ref, now); err != nil {
		return nil, err
	}
	return booking, nil
}

// Cancel 會員取消預約
// 超過免費取消時限時仍會取消並釋放名額，只是不退點 (RefundDenial = ErrCancellationClosed)
//
// 參數:
//
//	memberID: 會員 ID (必須是預約本人)
//	bookingID: 預約 ID
//	reason: 取消原因，空字串時使用預設值
func (e *Engine) Cancel(ctx context.Context, memberID int64, bookingID, reason string) (res *CancelResult, err error) {
	ctx, done := e.begin(ctx, "cancel",
		attribute.Int64("member.id", memberID),
		attribute.String("booking.id", bookingID))
	defer func() { done(err) }()

	err = e.inTx(ctx, "cancel", func(ctx context.Context, tx Tx) error {
		b, err := tx.LockBooking(ctx, bookingID)
		if err != nil {
			return err
		}
		if b.MemberID != memberID {
			return domain.ErrNotFound
		}
		r, err := e.cancelInTx(ctx, tx, b, reason, refundByCutoff)
		if err != nil {
			return err
		}
		res = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.publish(ctx, EventBookingCancelled, newBookingEvent(res.Booking, e.now()))
	return res, nil
}

// cancelInTx 釋放名額、標記取消、視 policy 寫入退點分錄
// 鎖定順序: booking -> session -> grant
func (e *Engine) cancelInTx(ctx context.Context, tx Tx, b *domain.Booking, reason string, policy refundPolicy) (*CancelResult, error) {
	if b.Status != domain.BookingStatusActive {
		return nil, domain.ErrNotCancellable
	}
	session, err := tx.LockSession(ctx, b.SessionID)
	if err != nil {
		return nil, err
	}
	if session.Status == domain.SessionStatusCompleted {
		// 方案沖銷時，已上過的課視為已消耗，預約保留
		if policy == refundSuppressed {
			return nil, errAttended
		}
		return nil, domain.ErrNotCancellable
	}

	now := e.now()
	refund := false
	var denial error
	switch policy {
	case refundByCutoff:
		if now.Before(session.RefundDeadline()) {
			refund = true
		} else {
			denial = domain.ErrCancellationClosed
		}
	case refundAlways:
		refund = true
	}

	var grant *domain.PlanGrant
	if refund {
		grant, err = tx.LockGrant(ctx, b.PlanGrantID)
		if err != nil {
			return nil, err
		}
		// 已沖銷的方案不再退點
		if grant.Status == domain.GrantStatusCancelled {
			refund = false
		}
	}

	session.Release()
	if err := tx.SaveSession(ctx, session); err != nil {
		return nil, err
	}
	if err := b.Cancel(now, reason, refund); err != nil {
		return nil, err
	}
	if err := tx.SaveBooking(ctx, b); err != nil {
		return nil, err
	}
	if refund {
		ref := domain.Reference{ID: b.ID, Type: domain.ReferenceBookingRefund}
		if _, err := appendLedger(ctx, tx, grant, domain.EntryTypeCredit, 1, ref, now); err != nil {
			return nil, err
		}
	}
	return &CancelResult{Booking: b, RefundDenial: denial}, nil
}

// inTx 執行交易，ErrConflict 時以有限次數指數退避重試
func (e *Engine) inTx(ctx context.Context, op string, fn func(ctx context.Context, tx Tx) error) error {
	_, err := retry.Do(ctx, e.retry, domain.IsRetryable, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, e.store.WithinTx(ctx, fn)
	})
	if err != nil && domain.IsRetryable(err) {
		e.metrics.IncConflict(op)
		e.logger.Warn("transaction retries exhausted", "op", op, "error", err)
	}
	return err
}

// begin 開始一個 span，回傳的 done 負責記錄指標與 log
func (e *Engine) begin(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	start := time.Now()
	ctx, span := e.tracer.Start(ctx, "Engine."+op, trace.WithAttributes(attrs...))
	return ctx, func(err error) {
		kind := domain.KindOf(err)
		e.metrics.ObserveOperation(op, kind, time.Since(start))
		switch {
		case err == nil:
		case errors.Is(err, domain.ErrIntegrityFault):
			e.metrics.IncIntegrityFault("hot_path")
			e.logger.Error("integrity fault", "op", op, "error", err)
		case kind == "Internal":
			e.logger.Error("operation failed", "op", op, "error", err)
		default:
			e.logger.Debug("operation rejected", "op", op, "kind", kind)
		}
		if err != nil {
			span.SetStatus(codes.Error, kind)
			span.RecordError(err)
		}
		span.End()
	}
}

func (e *Engine) publish(ctx context.Context, key string, payload any) {
	if err := e.events.Publish(ctx, key, payload); err != nil {
		e.logger.Warn("publish event failed", "key", key, "error", err)
	}
}

func newBookingEvent(b *domain.Booking, now time.Time) BookingEvent {
	return BookingEvent{
		BookingID:      b.ID,
		MemberID:       b.MemberID,
		SessionID:      b.SessionID,
		PlanGrantID:    b.PlanGrantID,
		Status:         string(b.Status),
		CreditRefunded: b.CreditRefunded,
		Reason:         b.CancellationReason,
		OccurredAt:     now.UTC(),
	}
}
