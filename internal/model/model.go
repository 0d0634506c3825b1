// Package model содержит доменные сущности сервиса фулфилмента.
package model

import "time"

// User представляет покупателя с денежным балансом и бонусным счётом.
type User struct {
	ID          string
	Name        string
	Email       string
	Balance     int64
	Status      string
	BonusPoints int64
	CreatedAt   time.Time
}

// InventoryItem описывает товарную позицию на складе.
type InventoryItem struct {
	ID    string
	Name  string
	Price int64
	Stock int64
}

// OrderStatus описывает статус обработки заказа.
type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "pending"
	OrderStatusCompleted OrderStatus = "completed"
	OrderStatusPaid      OrderStatus = "paid"
)

// PaymentStatus описывает статус оплаты заказа.
type PaymentStatus string

const (
	PaymentStatusUnpaid PaymentStatus = "unpaid"
	PaymentStatusPaid   PaymentStatus = "paid"
)

// Order описывает заказ пользователя на товарную позицию.
// TotalAmount всегда равен цене товара на момент покупки, умноженной на количество.
type Order struct {
	ID            string
	Number        string
	UserID        string
	ItemID        string
	Quantity      int64
	TotalAmount   int64
	Status        OrderStatus
	PaymentStatus PaymentStatus
	TransactionID string
	CreatedAt     time.Time
	CompletedAt   *time.Time
	PaidAt        *time.Time
}

// TransactionType описывает тип денежной операции.
type TransactionType string

const (
	TransactionTypePurchase TransactionType = "purchase"
)

// Transaction описывает денежную операцию, связанную с заказом.
type Transaction struct {
	ID        string
	OrderID   string
	UserID    string
	Amount    int64
	Type      TransactionType
	Status    string
	CreatedAt time.Time
}

// Notification описывает уведомление пользователя о событии заказа.
type Notification struct {
	ID        string
	UserID    string
	OrderID   string
	Type      string
	Title     string
	Message   string
	Read      bool
	EmailSent bool
	CreatedAt time.Time
}

// FulfillmentResult содержит итог успешного выполнения процесса оформления заказа.
type FulfillmentResult struct {
	Order        *Order
	Transaction  *Transaction
	UserBalance  int64
	ItemStock    int64
	BonusAwarded int64
	BonusTotal   int64
}

// PaymentResult содержит итог обработки подтверждения оплаты.
type PaymentResult struct {
	OrderID     string
	OrderNumber string
	UserEmail   string
	EmailSent   bool
	ProcessedAt time.Time
}

// StateSnapshot содержит полное состояние хранилища для отладочной выдачи.
type StateSnapshot struct {
	Users        []User
	Inventory    []InventoryItem
	Orders       []Order
	Transactions []Transaction
}
