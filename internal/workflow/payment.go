package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mmeshcher/fulfillment-system/internal/model"
	"github.com/mmeshcher/fulfillment-system/internal/step"
)

// Payment выполняет процесс подтверждения оплаты заказа по вебхуку
// платёжной системы: защита от повторной обработки, отметка оплаты,
// уведомление и письмо пользователю.
type Payment struct {
	store  Store
	marker Marker
	mailer Mailer
	locker *Locker
	logger *zap.Logger
}

// NewPayment создаёт процесс подтверждения оплаты. marker и mailer
// необязательны: без marker защита от повторов опирается только на статус
// заказа, без mailer письмо не отправляется и результат помечается частичным.
func NewPayment(store Store, marker Marker, mailer Mailer, locker *Locker, logger *zap.Logger) *Payment {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Payment{
		store:  store,
		marker: marker,
		mailer: mailer,
		locker: locker,
		logger: logger,
	}
}

type emailOutcome struct {
	Sent bool `json:"sent"`
}

// Confirm обрабатывает подтверждение оплаты заказа orderID. Повторный вызов
// для уже оплаченного заказа возвращает ErrAlreadyProcessed и не меняет
// состояние. Сбой отправки письма не считается ошибкой процесса: результат
// возвращается с EmailSent=false.
func (p *Payment) Confirm(ctx context.Context, runner *step.Runner, orderID string, webhookData json.RawMessage, ts time.Time) (*model.PaymentResult, error) {
	unlock := p.locker.Lock("order:" + orderID)
	defer unlock()

	log := p.logger.With(zap.String("orderID", orderID))

	order, err := step.Run(ctx, runner, "validate-order", func(ctx context.Context) (*model.Order, error) {
		o, err := p.store.GetOrder(ctx, orderID)
		if err != nil {
			return nil, classifyStoreError("validate-order", err)
		}
		if o.PaymentStatus == model.PaymentStatusPaid {
			return nil, fmt.Errorf("%w: %s", ErrAlreadyProcessed, orderID)
		}
		return o, nil
	})
	if err != nil {
		return nil, err
	}

	paidOrder, err := step.Run(ctx, runner, "update-order-status", func(ctx context.Context) (*model.Order, error) {
		now := time.Now().UTC()
		o := *order
		o.Status = model.OrderStatusPaid
		o.PaymentStatus = model.PaymentStatusPaid
		o.PaidAt = &now
		if err := p.store.UpdateOrder(ctx, &o); err != nil {
			return nil, classifyStoreError("update-order-status", err)
		}
		log.Info("order marked as paid")
		return &o, nil
	})
	if err != nil {
		return nil, err
	}

	// Маркер ставится только после фиксации оплаты: незавершённая попытка
	// не должна блокировать повторную доставку вебхука. Для уже оплаченного
	// заказа статусная защита в validate-order срабатывает и без маркера.
	if p.marker != nil {
		first, err := p.marker.TryMark(ctx, "payment", orderID)
		if err != nil {
			log.Warn("idempotency mark failed", zap.Error(err))
		} else if !first {
			return nil, ErrAlreadyProcessed
		}
	}

	user, err := step.Run(ctx, runner, "get-user-info", func(ctx context.Context) (*model.User, error) {
		u, err := p.store.GetUser(ctx, order.UserID)
		if err != nil {
			return nil, classifyStoreError("get-user-info", err)
		}
		return u, nil
	})
	if err != nil {
		return nil, err
	}

	notification, err := step.Run(ctx, runner, "create-notification", func(ctx context.Context) (*model.Notification, error) {
		n := &model.Notification{
			ID:      "ntf_" + uuid.NewString(),
			UserID:  user.ID,
			OrderID: orderID,
			Type:    "payment_success",
			Title:   "Order Payment Confirmed",
			Message: fmt.Sprintf(
				"Your payment for order #%s has been confirmed. Your order is now being processed.",
				order.Number,
			),
			CreatedAt: time.Now().UTC(),
		}
		if err := p.store.CreateNotification(ctx, n); err != nil {
			return nil, classifyStoreError("create-notification", err)
		}
		return n, nil
	})
	if err != nil {
		return nil, err
	}

	// Письмо — некритичный побочный эффект: его сбой логируется и
	// отражается в результате, но не прерывает процесс.
	outcome, err := step.Run(ctx, runner, "send-email-notification", func(ctx context.Context) (emailOutcome, error) {
		if p.mailer == nil || user.Email == "" {
			return emailOutcome{Sent: false}, nil
		}
		if err := p.mailer.SendOrderConfirmation(ctx, user.Email, user.Name, paidOrder); err != nil {
			log.Warn("confirmation email failed", zap.Error(err))
			return emailOutcome{Sent: false}, nil
		}

		n := *notification
		n.EmailSent = true
		if err := p.store.UpdateNotification(ctx, &n); err != nil {
			log.Warn("mark notification sent failed", zap.Error(err))
		}
		return emailOutcome{Sent: true}, nil
	})
	if err != nil {
		return nil, err
	}

	if len(webhookData) > 0 {
		log.Debug("webhook payload accepted", zap.Int("bytes", len(webhookData)))
	}

	log.Info("payment processing completed", zap.Bool("emailSent", outcome.Sent))

	return &model.PaymentResult{
		OrderID:     orderID,
		OrderNumber: order.Number,
		UserEmail:   user.Email,
		EmailSent:   outcome.Sent,
		ProcessedAt: ts,
	}, nil
}
