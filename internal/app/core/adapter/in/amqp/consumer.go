package amqp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/JoeShih716/go-class-ledger/internal/app/core/domain"
	"github.com/JoeShih716/go-class-ledger/internal/app/core/usecase"
)

// 上游 (金流 / 商城) 事件 routing key
const (
	KeyPurchaseConfirmed = "purchase.confirmed"
	KeyPurchaseReversed  = "purchase.reversed"
)

// Keys 需要綁定到 queue 的 routing keys
var Keys = []string{KeyPurchaseConfirmed, KeyPurchaseReversed}

// PurchaseConfirmed 購買確認
type PurchaseConfirmed struct {
	EventID          string `json:"event_id"`
	ExternalMemberID string `json:"external_member_id"`
	Credits          int64  `json:"credits"`
	DurationDays     int    `json:"duration_days"`
	IsUnlimited      bool   `json:"is_unlimited"`
}

// PurchaseReversed 購買被退款 / 拒付
type PurchaseReversed struct {
	EventID string `json:"event_id"`
	GrantID int64  `json:"grant_id"`
	Reason  string `json:"reason"`
}

// Core 消費者需要的業務操作 (*usecase.CoreUseCase)
type Core interface {
	ApplyPurchase(ctx context.Context, fact usecase.PurchaseFact) (*domain.PlanGrant, error)
	ApplyGrantReversalEvent(ctx context.Context, eventID string, grantID int64, reason string) (*usecase.ReversalResult, error)
}

// Disposition 訊息處理結果
type Disposition int

const (
	Ack Disposition = iota
	// Requeue 暫時性錯誤，放回 queue 重送
	Requeue
	// Reject 內容錯誤，不重送 (交給 dead-letter)
	Reject
)

type Consumer struct {
	core   Core
	logger *slog.Logger
}

func NewConsumer(core Core, logger *slog.Logger) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{core: core, logger: logger}
}

// Run 處理 deliveries 直到 channel 關閉或 ctx 取消
func (c *Consumer) Run(ctx context.Context, deliveries <-chan amqp.Delivery) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return errors.New("amqp deliveries channel closed")
			}
			switch c.Handle(ctx, d.RoutingKey, d.Body) {
			case Ack:
				_ = d.Ack(false)
			case Requeue:
				_ = d.Nack(false, true)
			case Reject:
				_ = d.Nack(false, false)
			}
		}
	}
}

// Handle 處理單一訊息並決定 ack 方式
func (c *Consumer) Handle(ctx context.Context, key string, body []byte) Disposition {
	var err error
	switch key {
	case KeyPurchaseConfirmed:
		err = c.purchaseConfirmed(ctx, body)
	case KeyPurchaseReversed:
		err = c.purchaseReversed(ctx, body)
	default:
		c.logger.Debug("ignore message", "key", key)
		return Ack
	}
	return c.disposition(key, err)
}

func (c *Consumer) purchaseConfirmed(ctx context.Context, body []byte) error {
	var evt PurchaseConfirmed
	if err := json.Unmarshal(body, &evt); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err)
	}
	if evt.EventID == "" {
		return fmt.Errorf("%w: missing event_id", domain.ErrInvalidArgument)
	}
	g, err := c.core.ApplyPurchase(ctx, usecase.PurchaseFact{
		EventID:          evt.EventID,
		ExternalMemberID: evt.ExternalMemberID,
		Credits:          evt.Credits,
		DurationDays:     evt.DurationDays,
		IsUnlimited:      evt.IsUnlimited,
	})
	if err != nil {
		return err
	}
	c.logger.Info("purchase applied", "event_id", evt.EventID, "grant_id", g.ID)
	return nil
}

func (c *Consumer) purchaseReversed(ctx context.Context, body []byte) error {
	var evt PurchaseReversed
	if err := json.Unmarshal(body, &evt); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err)
	}
	if evt.EventID == "" || evt.GrantID <= 0 {
		return fmt.Errorf("%w: missing event_id or grant_id", domain.ErrInvalidArgument)
	}
	res, err := c.core.ApplyGrantReversalEvent(ctx, evt.EventID, evt.GrantID, evt.Reason)
	if err != nil {
		return err
	}
	c.logger.Info("purchase reversed",
		"event_id", evt.EventID,
		"grant_id", evt.GrantID,
		"already_reversed", res.AlreadyReversed,
		"cancelled_bookings", len(res.CancelledBookings))
	return nil
}

func (c *Consumer) disposition(key string, err error) Disposition {
	switch {
	case err == nil:
		return Ack
	case errors.Is(err, domain.ErrEventAlreadyProcessed):
		c.logger.Debug("duplicate event", "key", key)
		return Ack
	case domain.IsRetryable(err), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		c.logger.Warn("event requeued", "key", key, "error", err)
		return Requeue
	case errors.Is(err, domain.ErrInvalidArgument), errors.Is(err, domain.ErrNotFound):
		c.logger.Error("event rejected", "key", key, "error", err)
		return Reject
	default:
		// 未知錯誤 (資料庫斷線等) 重送
		c.logger.Error("event failed", "key", key, "error", err)
		return Requeue
	}
}
