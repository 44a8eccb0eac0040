package amqp

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/JoeShih716/go-class-ledger/internal/app/core/usecase"
)

// JSONPublisher *mq.Publisher 實作此介面
type JSONPublisher interface {
	PublishJSON(ctx context.Context, key string, v any) error
}

// EventPublisher 將引擎事件發佈到 RabbitMQ
// 交易已經 commit，發佈失敗由呼叫端記錄，不回滾
type EventPublisher struct {
	pub     JSONPublisher
	logger  *slog.Logger
	timeout time.Duration
}

func NewEventPublisher(pub JSONPublisher, logger *slog.Logger) *EventPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventPublisher{pub: pub, logger: logger, timeout: 3 * time.Second}
}

// Publish 不沿用請求的 ctx 取消 (請求結束後仍要送出)，只保留 timeout
func (p *EventPublisher) Publish(ctx context.Context, key string, payload any) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.timeout)
	defer cancel()
	if err := p.pub.PublishJSON(ctx, key, payload); err != nil {
		return fmt.Errorf("publish %s: %w", key, err)
	}
	p.logger.Debug("event published", "key", key)
	return nil
}

var _ usecase.EventPublisher = (*EventPublisher)(nil)
