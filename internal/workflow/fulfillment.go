// Package workflow реализует бизнес-процессы оформления заказов и
// подтверждения оплаты.
package workflow

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mmeshcher/fulfillment-system/internal/model"
	"github.com/mmeshcher/fulfillment-system/internal/repository"
	"github.com/mmeshcher/fulfillment-system/internal/step"
)

// Fulfillment выполняет процесс оформления заказа: проверка условий,
// создание заказа, списание баланса и остатка, проводка операции и
// начисление бонусных баллов.
type Fulfillment struct {
	store  Store
	locker *Locker
	logger *zap.Logger
}

// NewFulfillment создаёт процесс оформления заказа поверх указанного хранилища.
func NewFulfillment(store Store, locker *Locker, logger *zap.Logger) *Fulfillment {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fulfillment{
		store:  store,
		locker: locker,
		logger: logger,
	}
}

type stockCheck struct {
	Available int64 `json:"available"`
}

type financialCheck struct {
	Total   int64 `json:"total"`
	Balance int64 `json:"balance"`
}

type bonusAward struct {
	Points int64 `json:"points"`
	Total  int64 `json:"total"`
}

// Execute выполняет процесс оформления заказа для пользователя userID,
// позиции itemID и количества quantity. Все шаги выполняются под
// блокировками пользователя и позиции, поэтому проверки остатка и баланса
// не могут пройти по устаревшим данным при параллельных запусках.
// До первой мутации любой отказ предусловия не оставляет следов в хранилище.
func (f *Fulfillment) Execute(ctx context.Context, runner *step.Runner, userID, itemID string, quantity int64) (*model.FulfillmentResult, error) {
	if quantity <= 0 {
		return nil, ErrInvalidQuantity
	}

	unlock := f.locker.Lock("user:"+userID, "item:"+itemID)
	defer unlock()

	log := f.logger.With(
		zap.String("userID", userID),
		zap.String("itemID", itemID),
		zap.Int64("quantity", quantity),
	)

	user, err := step.Run(ctx, runner, "fetch-user", func(ctx context.Context) (*model.User, error) {
		u, err := f.store.GetUser(ctx, userID)
		if err != nil {
			return nil, f.classify("fetch-user", err)
		}
		return u, nil
	})
	if err != nil {
		return nil, err
	}

	item, err := step.Run(ctx, runner, "fetch-inventory", func(ctx context.Context) (*model.InventoryItem, error) {
		it, err := f.store.GetItem(ctx, itemID)
		if err != nil {
			return nil, f.classify("fetch-inventory", err)
		}
		return it, nil
	})
	if err != nil {
		return nil, err
	}

	_, err = step.Run(ctx, runner, "check-stock", func(ctx context.Context) (stockCheck, error) {
		if item.Stock < quantity {
			return stockCheck{}, &InsufficientStockError{Available: item.Stock, Requested: quantity}
		}
		return stockCheck{Available: item.Stock}, nil
	})
	if err != nil {
		return nil, err
	}

	fin, err := step.Run(ctx, runner, "financial-check", func(ctx context.Context) (financialCheck, error) {
		total := item.Price * quantity
		// Переполнение int64 дало бы отрицательную сумму, которая прошла
		// бы проверку баланса и зачислила деньги вместо списания.
		if item.Price != 0 && total/item.Price != quantity {
			return financialCheck{}, ErrInvalidQuantity
		}
		if user.Balance < total {
			return financialCheck{}, &InsufficientBalanceError{Required: total, Available: user.Balance}
		}
		return financialCheck{Total: total, Balance: user.Balance}, nil
	})
	if err != nil {
		return nil, err
	}

	order, err := step.Run(ctx, runner, "create-order", func(ctx context.Context) (*model.Order, error) {
		now := time.Now().UTC()
		o := &model.Order{
			ID:            "order_" + uuid.NewString(),
			Number:        newOrderNumber(now),
			UserID:        userID,
			ItemID:        itemID,
			Quantity:      quantity,
			TotalAmount:   fin.Total,
			Status:        model.OrderStatusPending,
			PaymentStatus: model.PaymentStatusUnpaid,
			CreatedAt:     now,
		}
		if err := f.store.CreateOrder(ctx, o); err != nil {
			return nil, f.classify("create-order", err)
		}
		log.Info("order created", zap.String("orderID", o.ID), zap.Int64("total", fin.Total))
		return o, nil
	})
	if err != nil {
		return nil, err
	}

	newBalance, err := step.Run(ctx, runner, "update-user-balance", func(ctx context.Context) (int64, error) {
		u, err := f.store.GetUser(ctx, userID)
		if err != nil {
			return 0, f.classify("update-user-balance", err)
		}
		if u.Balance < fin.Total {
			return 0, &InsufficientBalanceError{Required: fin.Total, Available: u.Balance}
		}
		u.Balance -= fin.Total
		if err := f.store.UpdateUser(ctx, u); err != nil {
			return 0, f.classify("update-user-balance", err)
		}
		return u.Balance, nil
	})
	if err != nil {
		return nil, err
	}

	newStock, err := step.Run(ctx, runner, "update-inventory", func(ctx context.Context) (int64, error) {
		it, err := f.store.GetItem(ctx, itemID)
		if err != nil {
			return 0, f.classify("update-inventory", err)
		}
		if it.Stock < quantity {
			return 0, &InsufficientStockError{Available: it.Stock, Requested: quantity}
		}
		it.Stock -= quantity
		if err := f.store.UpdateItem(ctx, it); err != nil {
			return 0, f.classify("update-inventory", err)
		}
		return it.Stock, nil
	})
	if err != nil {
		return nil, err
	}

	txn, err := step.Run(ctx, runner, "create-transaction", func(ctx context.Context) (*model.Transaction, error) {
		t := &model.Transaction{
			ID:        "txn_" + uuid.NewString(),
			OrderID:   order.ID,
			UserID:    userID,
			Amount:    fin.Total,
			Type:      model.TransactionTypePurchase,
			Status:    "completed",
			CreatedAt: time.Now().UTC(),
		}
		if err := f.store.CreateTransaction(ctx, t); err != nil {
			return nil, f.classify("create-transaction", err)
		}
		return t, nil
	})
	if err != nil {
		return nil, err
	}

	finalOrder, err := step.Run(ctx, runner, "finalize-order", func(ctx context.Context) (*model.Order, error) {
		now := time.Now().UTC()
		o := *order
		o.Status = model.OrderStatusCompleted
		o.TransactionID = txn.ID
		o.CompletedAt = &now
		if err := f.store.UpdateOrder(ctx, &o); err != nil {
			return nil, f.classify("finalize-order", err)
		}
		return &o, nil
	})
	if err != nil {
		return nil, err
	}

	// Баллы считаются от суммы заказа, а текущий бонусный счёт читается
	// заново: повторный запуск шага по журналу даёт тот же результат.
	bonus, err := step.Run(ctx, runner, "apply-bonus-points", func(ctx context.Context) (bonusAward, error) {
		points := fin.Total / 10
		u, err := f.store.GetUser(ctx, userID)
		if err != nil {
			return bonusAward{}, f.classify("apply-bonus-points", err)
		}
		u.BonusPoints += points
		if err := f.store.UpdateUser(ctx, u); err != nil {
			return bonusAward{}, f.classify("apply-bonus-points", err)
		}
		return bonusAward{Points: points, Total: u.BonusPoints}, nil
	})
	if err != nil {
		return nil, err
	}

	log.Info("fulfillment completed",
		zap.String("orderID", finalOrder.ID),
		zap.Int64("balance", newBalance),
		zap.Int64("stock", newStock),
		zap.Int64("bonusPoints", bonus.Points),
	)

	return &model.FulfillmentResult{
		Order:        finalOrder,
		Transaction:  txn,
		UserBalance:  newBalance,
		ItemStock:    newStock,
		BonusAwarded: bonus.Points,
		BonusTotal:   bonus.Total,
	}, nil
}

// classify пропускает терминальные ошибки и оборачивает остальные в StoreError.
func (f *Fulfillment) classify(stepName string, err error) error {
	return classifyStoreError(stepName, err)
}

func classifyStoreError(stepName string, err error) error {
	switch {
	case errors.Is(err, repository.ErrUserNotFound),
		errors.Is(err, repository.ErrItemNotFound),
		errors.Is(err, repository.ErrOrderNotFound),
		errors.Is(err, repository.ErrNotificationNotFound):
		return err
	}
	return &StoreError{Step: stepName, Err: err}
}

func newOrderNumber(now time.Time) string {
	return now.Format("20060102") + "-" + uuid.NewString()[:8]
}
