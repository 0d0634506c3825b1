package workflow

import (
	"errors"
	"fmt"
)

// ErrAlreadyProcessed возвращается при повторной обработке уже оплаченного заказа.
var (
	ErrAlreadyProcessed = errors.New("order already processed")
	// ErrInvalidQuantity возвращается при неположительном количестве в запросе.
	ErrInvalidQuantity = errors.New("quantity must be positive")
)

// InsufficientStockError возвращается, когда запрошенное количество превышает остаток.
type InsufficientStockError struct {
	Available int64
	Requested int64
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock: available %d, requested %d", e.Available, e.Requested)
}

// InsufficientBalanceError возвращается, когда сумма заказа превышает баланс пользователя.
type InsufficientBalanceError struct {
	Required  int64
	Available int64
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance: required %d, available %d", e.Required, e.Available)
}

// StoreError оборачивает непредвиденную ошибку хранилища. Такие ошибки
// временные: шаг, вернувший StoreError, повторяется исполнителем шагов.
type StoreError struct {
	Step string
	Err  error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store error at step %q: %v", e.Step, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// IsStoreError сообщает, является ли ошибка временной ошибкой хранилища.
func IsStoreError(err error) bool {
	var se *StoreError
	return errors.As(err, &se)
}
