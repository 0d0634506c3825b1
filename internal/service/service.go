// Package service реализует бизнес-логику сервиса фулфилмента.
package service

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/fulfillment-system/internal/model"
	"github.com/mmeshcher/fulfillment-system/internal/step"
	"github.com/mmeshcher/fulfillment-system/internal/workflow"
)

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	workflow.Store
	GetOrdersByUser(ctx context.Context, userID string) ([]model.Order, error)
	ListUnsentNotifications(ctx context.Context, limit int) ([]model.Notification, error)
	GetSnapshot(ctx context.Context) (*model.StateSnapshot, error)
	Close() error
}

// Service содержит бизнес-логику сервиса фулфилмента.
type Service struct {
	repo        Repository
	fulfillment *workflow.Fulfillment
	payment     *workflow.Payment
	mailer      workflow.Mailer
	logger      *zap.Logger
}

// NewService создаёт сервис поверх указанного хранилища. marker и mailer
// необязательны.
func NewService(repo Repository, marker workflow.Marker, mailer workflow.Mailer, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}

	locker := workflow.NewLocker()

	return &Service{
		repo:        repo,
		fulfillment: workflow.NewFulfillment(repo, locker, logger),
		payment:     workflow.NewPayment(repo, marker, mailer, locker, logger),
		mailer:      mailer,
		logger:      logger,
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

func (s *Service) newRunner() *step.Runner {
	return step.NewRunner(step.NewMemoryJournal(), s.logger, workflow.IsStoreError)
}

// StartFulfillment выполняет процесс оформления заказа.
func (s *Service) StartFulfillment(ctx context.Context, userID, itemID string, quantity int64) (*model.FulfillmentResult, error) {
	return s.fulfillment.Execute(ctx, s.newRunner(), userID, itemID, quantity)
}

// ConfirmPayment выполняет процесс подтверждения оплаты заказа.
func (s *Service) ConfirmPayment(ctx context.Context, orderID string, webhookData json.RawMessage, ts time.Time) (*model.PaymentResult, error) {
	return s.payment.Confirm(ctx, s.newRunner(), orderID, webhookData, ts)
}

// GetOrdersByUser возвращает список заказов пользователя.
func (s *Service) GetOrdersByUser(ctx context.Context, userID string) ([]model.Order, error) {
	return s.repo.GetOrdersByUser(ctx, userID)
}

// GetStateSnapshot возвращает полное состояние хранилища.
func (s *Service) GetStateSnapshot(ctx context.Context) (*model.StateSnapshot, error) {
	return s.repo.GetSnapshot(ctx)
}

// StartEmailDispatch запускает фоновый процесс досылки писем по уведомлениям,
// у которых письмо ещё не отправлено.
func (s *Service) StartEmailDispatch(ctx context.Context) {
	if s.mailer == nil {
		return
	}

	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.processUnsentBatch(ctx)
			}
		}
	}()
}

func (s *Service) processUnsentBatch(ctx context.Context) {
	notifs, err := s.repo.ListUnsentNotifications(ctx, 100)
	if err != nil {
		s.logger.Warn("list unsent notifications failed", zap.Error(err))
		return
	}

	for _, n := range notifs {
		user, err := s.repo.GetUser(ctx, n.UserID)
		if err != nil || user.Email == "" {
			continue
		}

		order, err := s.repo.GetOrder(ctx, n.OrderID)
		if err != nil {
			continue
		}

		if err := s.mailer.SendOrderConfirmation(ctx, user.Email, user.Name, order); err != nil {
			s.logger.Warn("email dispatch failed",
				zap.String("notificationID", n.ID), zap.Error(err))
			continue
		}

		n.EmailSent = true
		if err := s.repo.UpdateNotification(ctx, &n); err != nil {
			s.logger.Warn("mark notification sent failed",
				zap.String("notificationID", n.ID), zap.Error(err))
		}
	}
}
