package repository

import (
	"context"
	"sort"
	"sync"

	"github.com/mmeshcher/fulfillment-system/internal/model"
)

// MemoryStore хранит данные в памяти процесса. Используется в демо-режиме
// без БД и в тестах. Значения копируются на входе и выходе, поэтому
// изменения у вызывающего не влияют на хранилище до явного Update.
type MemoryStore struct {
	mu            sync.RWMutex
	users         map[string]model.User
	items         map[string]model.InventoryItem
	orders        map[string]model.Order
	orderSeq      []string
	transactions  map[string]model.Transaction
	txnSeq        []string
	notifications map[string]model.Notification
	notifSeq      []string
}

// NewMemoryStore создаёт пустое хранилище в памяти.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:         make(map[string]model.User),
		items:         make(map[string]model.InventoryItem),
		orders:        make(map[string]model.Order),
		transactions:  make(map[string]model.Transaction),
		notifications: make(map[string]model.Notification),
	}
}

// Close освобождает ресурсы хранилища.
func (s *MemoryStore) Close() error { return nil }

// PutUser добавляет или заменяет пользователя. Используется для наполнения
// демо-данными и в тестах.
func (s *MemoryStore) PutUser(u model.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.ID] = u
}

// PutItem добавляет или заменяет товарную позицию.
func (s *MemoryStore) PutItem(it model.InventoryItem) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[it.ID] = it
}

// SeedDemo наполняет хранилище демо-данными.
func (s *MemoryStore) SeedDemo() {
	s.PutUser(model.User{ID: "user_1", Name: "John Doe", Email: "john@example.com", Balance: 1000, Status: "active"})
	s.PutUser(model.User{ID: "user_2", Name: "Jane Smith", Email: "jane@example.com", Balance: 500, Status: "active"})
	s.PutItem(model.InventoryItem{ID: "item_1", Name: "Widget", Price: 25, Stock: 50})
	s.PutItem(model.InventoryItem{ID: "item_2", Name: "Gadget", Price: 50, Stock: 30})
}

// GetUser возвращает пользователя по идентификатору.
func (s *MemoryStore) GetUser(_ context.Context, id string) (*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return nil, ErrUserNotFound
	}
	return &u, nil
}

// UpdateUser сохраняет изменённого пользователя.
func (s *MemoryStore) UpdateUser(_ context.Context, u *model.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[u.ID]; !ok {
		return ErrUserNotFound
	}
	s.users[u.ID] = *u
	return nil
}

// GetItem возвращает товарную позицию по идентификатору.
func (s *MemoryStore) GetItem(_ context.Context, id string) (*model.InventoryItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	it, ok := s.items[id]
	if !ok {
		return nil, ErrItemNotFound
	}
	return &it, nil
}

// UpdateItem сохраняет изменённую товарную позицию.
func (s *MemoryStore) UpdateItem(_ context.Context, it *model.InventoryItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[it.ID]; !ok {
		return ErrItemNotFound
	}
	s.items[it.ID] = *it
	return nil
}

// CreateOrder сохраняет новый заказ.
func (s *MemoryStore) CreateOrder(_ context.Context, o *model.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orders[o.ID]; !ok {
		s.orderSeq = append(s.orderSeq, o.ID)
	}
	s.orders[o.ID] = *o
	return nil
}

// GetOrder возвращает заказ по идентификатору.
func (s *MemoryStore) GetOrder(_ context.Context, id string) (*model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.orders[id]
	if !ok {
		return nil, ErrOrderNotFound
	}
	return &o, nil
}

// UpdateOrder сохраняет изменённый заказ.
func (s *MemoryStore) UpdateOrder(_ context.Context, o *model.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orders[o.ID]; !ok {
		return ErrOrderNotFound
	}
	s.orders[o.ID] = *o
	return nil
}

// CreateTransaction сохраняет новую денежную операцию.
func (s *MemoryStore) CreateTransaction(_ context.Context, t *model.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.transactions[t.ID]; !ok {
		s.txnSeq = append(s.txnSeq, t.ID)
	}
	s.transactions[t.ID] = *t
	return nil
}

// CreateNotification сохраняет новое уведомление.
func (s *MemoryStore) CreateNotification(_ context.Context, n *model.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.notifications[n.ID]; !ok {
		s.notifSeq = append(s.notifSeq, n.ID)
	}
	s.notifications[n.ID] = *n
	return nil
}

// UpdateNotification сохраняет изменённое уведомление.
func (s *MemoryStore) UpdateNotification(_ context.Context, n *model.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.notifications[n.ID]; !ok {
		return ErrNotificationNotFound
	}
	s.notifications[n.ID] = *n
	return nil
}

// GetOrdersByUser возвращает заказы пользователя, новые первыми.
func (s *MemoryStore) GetOrdersByUser(_ context.Context, userID string) ([]model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var orders []model.Order
	for _, id := range s.orderSeq {
		o := s.orders[id]
		if o.UserID == userID {
			orders = append(orders, o)
		}
	}

	sort.SliceStable(orders, func(i, j int) bool {
		return orders[i].CreatedAt.After(orders[j].CreatedAt)
	})

	return orders, nil
}

// ListUnsentNotifications возвращает уведомления без отправленного письма.
func (s *MemoryStore) ListUnsentNotifications(_ context.Context, limit int) ([]model.Notification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var res []model.Notification
	for _, id := range s.notifSeq {
		n := s.notifications[id]
		if n.EmailSent {
			continue
		}
		res = append(res, n)
		if len(res) == limit {
			break
		}
	}
	return res, nil
}

// GetSnapshot возвращает полное состояние хранилища.
func (s *MemoryStore) GetSnapshot(_ context.Context) (*model.StateSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := &model.StateSnapshot{}

	for _, u := range s.users {
		snap.Users = append(snap.Users, u)
	}
	sort.Slice(snap.Users, func(i, j int) bool { return snap.Users[i].ID < snap.Users[j].ID })

	for _, it := range s.items {
		snap.Inventory = append(snap.Inventory, it)
	}
	sort.Slice(snap.Inventory, func(i, j int) bool { return snap.Inventory[i].ID < snap.Inventory[j].ID })

	for _, id := range s.orderSeq {
		snap.Orders = append(snap.Orders, s.orders[id])
	}
	for _, id := range s.txnSeq {
		snap.Transactions = append(snap.Transactions, s.transactions[id])
	}

	return snap, nil
}
