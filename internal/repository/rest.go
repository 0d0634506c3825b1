package repository

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/mmeshcher/fulfillment-system/internal/model"
)

// RESTStore обращается к REST-хранилищу с PostgREST-совместимым API
// (фильтры вида id=eq.X, заголовок Prefer: return=representation).
type RESTStore struct {
	baseURL string
	apiKey  string
	client  *retryablehttp.Client
}

// NewRESTStore создаёт клиент REST-хранилища по указанному адресу.
// Сетевые ошибки и ответы 5xx повторяются автоматически.
func NewRESTStore(baseURL, apiKey string) *RESTStore {
	client := retryablehttp.NewClient()
	client.RetryMax = 3
	client.RetryWaitMin = 100 * time.Millisecond
	client.RetryWaitMax = 2 * time.Second
	client.HTTPClient.Timeout = 5 * time.Second
	client.Logger = nil

	return &RESTStore{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  client,
	}
}

// Close освобождает ресурсы клиента.
func (s *RESTStore) Close() error {
	s.client.HTTPClient.CloseIdleConnections()
	return nil
}

type restUser struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Email       string    `json:"email"`
	Balance     int64     `json:"balance"`
	Status      string    `json:"status"`
	BonusPoints int64     `json:"bonus_points"`
	CreatedAt   time.Time `json:"created_at"`
}

type restItem struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Price int64  `json:"price"`
	Stock int64  `json:"stock"`
}

type restOrder struct {
	ID            string     `json:"id"`
	Number        string     `json:"number"`
	UserID        string     `json:"user_id"`
	ItemID        string     `json:"item_id"`
	Quantity      int64      `json:"quantity"`
	TotalAmount   int64      `json:"total_amount"`
	Status        string     `json:"status"`
	PaymentStatus string     `json:"payment_status"`
	TransactionID *string    `json:"transaction_id"`
	CreatedAt     time.Time  `json:"created_at"`
	CompletedAt   *time.Time `json:"completed_at"`
	PaidAt        *time.Time `json:"paid_at"`
}

type restTransaction struct {
	ID        string    `json:"id"`
	OrderID   string    `json:"order_id"`
	UserID    string    `json:"user_id"`
	Amount    int64     `json:"amount"`
	Type      string    `json:"type"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

type restNotification struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	OrderID   string    `json:"order_id"`
	Type      string    `json:"type"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	Read      bool      `json:"read"`
	EmailSent bool      `json:"email_sent"`
	CreatedAt time.Time `json:"created_at"`
}

func (u restUser) toModel() model.User {
	return model.User{ID: u.ID, Name: u.Name, Email: u.Email, Balance: u.Balance,
		Status: u.Status, BonusPoints: u.BonusPoints, CreatedAt: u.CreatedAt}
}

func (o restOrder) toModel() model.Order {
	res := model.Order{
		ID: o.ID, Number: o.Number, UserID: o.UserID, ItemID: o.ItemID,
		Quantity: o.Quantity, TotalAmount: o.TotalAmount,
		Status: model.OrderStatus(o.Status), PaymentStatus: model.PaymentStatus(o.PaymentStatus),
		CreatedAt: o.CreatedAt, CompletedAt: o.CompletedAt, PaidAt: o.PaidAt,
	}
	if o.TransactionID != nil {
		res.TransactionID = *o.TransactionID
	}
	return res
}

func orderToRest(o *model.Order) restOrder {
	r := restOrder{
		ID: o.ID, Number: o.Number, UserID: o.UserID, ItemID: o.ItemID,
		Quantity: o.Quantity, TotalAmount: o.TotalAmount,
		Status: string(o.Status), PaymentStatus: string(o.PaymentStatus),
		CreatedAt: o.CreatedAt, CompletedAt: o.CompletedAt, PaidAt: o.PaidAt,
	}
	if o.TransactionID != "" {
		id := o.TransactionID
		r.TransactionID = &id
	}
	return r
}

func (n restNotification) toModel() model.Notification {
	return model.Notification{ID: n.ID, UserID: n.UserID, OrderID: n.OrderID,
		Type: n.Type, Title: n.Title, Message: n.Message,
		Read: n.Read, EmailSent: n.EmailSent, CreatedAt: n.CreatedAt}
}

func (s *RESTStore) do(ctx context.Context, method, path string, body any, out any) error {
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal body: %w", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, method, s.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("apikey", s.apiKey)
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}
	if out != nil && method != http.MethodGet {
		req.Header.Set("Prefer", "return=representation")
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// getOne запрашивает список по фильтру и возвращает признак наличия записи.
func getOne[T any](ctx context.Context, s *RESTStore, table, id string) (T, bool, error) {
	var zero T

	path := fmt.Sprintf("/%s?id=eq.%s&select=*", table, url.QueryEscape(id))

	var list []T
	if err := s.do(ctx, http.MethodGet, path, nil, &list); err != nil {
		return zero, false, err
	}
	if len(list) == 0 {
		return zero, false, nil
	}
	return list[0], true, nil
}

// GetUser возвращает пользователя по идентификатору.
func (s *RESTStore) GetUser(ctx context.Context, id string) (*model.User, error) {
	u, ok, err := getOne[restUser](ctx, s, "users", id)
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	if !ok {
		return nil, ErrUserNotFound
	}
	res := u.toModel()
	return &res, nil
}

// UpdateUser сохраняет изменяемые поля пользователя.
func (s *RESTStore) UpdateUser(ctx context.Context, u *model.User) error {
	patch := map[string]any{
		"name":         u.Name,
		"email":        u.Email,
		"balance":      u.Balance,
		"status":       u.Status,
		"bonus_points": u.BonusPoints,
	}

	var updated []restUser
	path := "/users?id=eq." + url.QueryEscape(u.ID)
	if err := s.do(ctx, http.MethodPatch, path, patch, &updated); err != nil {
		return fmt.Errorf("update user: %w", err)
	}
	if len(updated) == 0 {
		return ErrUserNotFound
	}
	return nil
}

// GetItem возвращает товарную позицию по идентификатору.
func (s *RESTStore) GetItem(ctx context.Context, id string) (*model.InventoryItem, error) {
	it, ok, err := getOne[restItem](ctx, s, "inventory", id)
	if err != nil {
		return nil, fmt.Errorf("get item: %w", err)
	}
	if !ok {
		return nil, ErrItemNotFound
	}
	return &model.InventoryItem{ID: it.ID, Name: it.Name, Price: it.Price, Stock: it.Stock}, nil
}

// UpdateItem сохраняет изменяемые поля товарной позиции.
func (s *RESTStore) UpdateItem(ctx context.Context, it *model.InventoryItem) error {
	patch := map[string]any{
		"name":  it.Name,
		"price": it.Price,
		"stock": it.Stock,
	}

	var updated []restItem
	path := "/inventory?id=eq." + url.QueryEscape(it.ID)
	if err := s.do(ctx, http.MethodPatch, path, patch, &updated); err != nil {
		return fmt.Errorf("update item: %w", err)
	}
	if len(updated) == 0 {
		return ErrItemNotFound
	}
	return nil
}

// CreateOrder сохраняет новый заказ.
func (s *RESTStore) CreateOrder(ctx context.Context, o *model.Order) error {
	if err := s.do(ctx, http.MethodPost, "/orders", orderToRest(o), nil); err != nil {
		return fmt.Errorf("create order: %w", err)
	}
	return nil
}

// GetOrder возвращает заказ по идентификатору.
func (s *RESTStore) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	o, ok, err := getOne[restOrder](ctx, s, "orders", id)
	if err != nil {
		return nil, fmt.Errorf("get order: %w", err)
	}
	if !ok {
		return nil, ErrOrderNotFound
	}
	res := o.toModel()
	return &res, nil
}

// UpdateOrder сохраняет изменяемые поля заказа.
func (s *RESTStore) UpdateOrder(ctx context.Context, o *model.Order) error {
	patch := map[string]any{
		"status":         string(o.Status),
		"payment_status": string(o.PaymentStatus),
		"completed_at":   o.CompletedAt,
		"paid_at":        o.PaidAt,
	}
	if o.TransactionID != "" {
		patch["transaction_id"] = o.TransactionID
	}

	var updated []restOrder
	path := "/orders?id=eq." + url.QueryEscape(o.ID)
	if err := s.do(ctx, http.MethodPatch, path, patch, &updated); err != nil {
		return fmt.Errorf("update order: %w", err)
	}
	if len(updated) == 0 {
		return ErrOrderNotFound
	}
	return nil
}

// CreateTransaction сохраняет новую денежную операцию.
func (s *RESTStore) CreateTransaction(ctx context.Context, t *model.Transaction) error {
	body := restTransaction{
		ID: t.ID, OrderID: t.OrderID, UserID: t.UserID, Amount: t.Amount,
		Type: string(t.Type), Status: t.Status, CreatedAt: t.CreatedAt,
	}
	if err := s.do(ctx, http.MethodPost, "/transactions", body, nil); err != nil {
		return fmt.Errorf("create transaction: %w", err)
	}
	return nil
}

// CreateNotification сохраняет новое уведомление.
func (s *RESTStore) CreateNotification(ctx context.Context, n *model.Notification) error {
	body := restNotification{
		ID: n.ID, UserID: n.UserID, OrderID: n.OrderID, Type: n.Type,
		Title: n.Title, Message: n.Message, Read: n.Read,
		EmailSent: n.EmailSent, CreatedAt: n.CreatedAt,
	}
	if err := s.do(ctx, http.MethodPost, "/notifications", body, nil); err != nil {
		return fmt.Errorf("create notification: %w", err)
	}
	return nil
}

// UpdateNotification сохраняет изменяемые поля уведомления.
func (s *RESTStore) UpdateNotification(ctx context.Context, n *model.Notification) error {
	patch := map[string]any{
		"read":       n.Read,
		"email_sent": n.EmailSent,
	}

	var updated []restNotification
	path := "/notifications?id=eq." + url.QueryEscape(n.ID)
	if err := s.do(ctx, http.MethodPatch, path, patch, &updated); err != nil {
		return fmt.Errorf("update notification: %w", err)
	}
	if len(updated) == 0 {
		return ErrNotificationNotFound
	}
	return nil
}

// GetOrdersByUser возвращает заказы пользователя, новые первыми.
func (s *RESTStore) GetOrdersByUser(ctx context.Context, userID string) ([]model.Order, error) {
	path := "/orders?user_id=eq." + url.QueryEscape(userID) + "&order=created_at.desc&select=*"

	var list []restOrder
	if err := s.do(ctx, http.MethodGet, path, nil, &list); err != nil {
		return nil, fmt.Errorf("select orders: %w", err)
	}

	var orders []model.Order
	for _, o := range list {
		orders = append(orders, o.toModel())
	}
	return orders, nil
}

// ListUnsentNotifications возвращает уведомления без отправленного письма.
func (s *RESTStore) ListUnsentNotifications(ctx context.Context, limit int) ([]model.Notification, error) {
	path := "/notifications?email_sent=eq.false&order=created_at&limit=" + strconv.Itoa(limit) + "&select=*"

	var list []restNotification
	if err := s.do(ctx, http.MethodGet, path, nil, &list); err != nil {
		return nil, fmt.Errorf("select notifications: %w", err)
	}

	var res []model.Notification
	for _, n := range list {
		res = append(res, n.toModel())
	}
	return res, nil
}

// GetSnapshot возвращает полное состояние хранилища.
func (s *RESTStore) GetSnapshot(ctx context.Context) (*model.StateSnapshot, error) {
	snap := &model.StateSnapshot{}

	var users []restUser
	if err := s.do(ctx, http.MethodGet, "/users?order=id&select=*", nil, &users); err != nil {
		return nil, fmt.Errorf("select users: %w", err)
	}
	for _, u := range users {
		snap.Users = append(snap.Users, u.toModel())
	}

	var items []restItem
	if err := s.do(ctx, http.MethodGet, "/inventory?order=id&select=*", nil, &items); err != nil {
		return nil, fmt.Errorf("select inventory: %w", err)
	}
	for _, it := range items {
		snap.Inventory = append(snap.Inventory, model.InventoryItem{ID: it.ID, Name: it.Name, Price: it.Price, Stock: it.Stock})
	}

	var orders []restOrder
	if err := s.do(ctx, http.MethodGet, "/orders?order=created_at&select=*", nil, &orders); err != nil {
		return nil, fmt.Errorf("select orders: %w", err)
	}
	for _, o := range orders {
		snap.Orders = append(snap.Orders, o.toModel())
	}

	var txns []restTransaction
	if err := s.do(ctx, http.MethodGet, "/transactions?order=created_at&select=*", nil, &txns); err != nil {
		return nil, fmt.Errorf("select transactions: %w", err)
	}
	for _, t := range txns {
		snap.Transactions = append(snap.Transactions, model.Transaction{
			ID: t.ID, OrderID: t.OrderID, UserID: t.UserID, Amount: t.Amount,
			Type: model.TransactionType(t.Type), Status: t.Status, CreatedAt: t.CreatedAt,
		})
	}

	return snap, nil
}
