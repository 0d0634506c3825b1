// Package validation содержит функции валидации входных данных.
package validation

const maxEntityIDLength = 64

// IsValidEntityID проверяет корректность идентификатора сущности:
// непустая строка из латинских букв, цифр, дефиса и подчёркивания.
func IsValidEntityID(id string) bool {
	if id == "" || len(id) > maxEntityIDLength {
		return false
	}

	for _, ch := range id {
		switch {
		case ch >= 'a' && ch <= 'z':
		case ch >= 'A' && ch <= 'Z':
		case ch >= '0' && ch <= '9':
		case ch == '_' || ch == '-':
		default:
			return false
		}
	}

	return true
}

// IsValidQuantity проверяет корректность количества товара в заказе.
func IsValidQuantity(quantity int64) bool {
	return quantity >= 1
}
