package workflow

import (
	"context"

	"github.com/mmeshcher/fulfillment-system/internal/model"
)

// Store описывает контракт доступа к данным, используемый бизнес-процессами.
// Каждая операция атомарна только в пределах одной записи: многострочной
// транзакционности от хранилища процессы не ожидают.
type Store interface {
	GetUser(ctx context.Context, id string) (*model.User, error)
	UpdateUser(ctx context.Context, u *model.User) error
	GetItem(ctx context.Context, id string) (*model.InventoryItem, error)
	UpdateItem(ctx context.Context, it *model.InventoryItem) error
	CreateOrder(ctx context.Context, o *model.Order) error
	GetOrder(ctx context.Context, id string) (*model.Order, error)
	UpdateOrder(ctx context.Context, o *model.Order) error
	CreateTransaction(ctx context.Context, t *model.Transaction) error
	CreateNotification(ctx context.Context, n *model.Notification) error
	UpdateNotification(ctx context.Context, n *model.Notification) error
}

// Mailer отправляет письмо-подтверждение заказа. Ошибка отправки не должна
// приводить к отказу бизнес-процесса.
type Mailer interface {
	SendOrderConfirmation(ctx context.Context, to, name string, order *model.Order) error
}

// Marker помечает событие обработанным. Повторная пометка того же ключа
// возвращает false.
type Marker interface {
	TryMark(ctx context.Context, scope, key string) (bool, error)
}
