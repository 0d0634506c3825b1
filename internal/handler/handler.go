// Package handler содержит HTTP-обработчики API сервиса фулфилмента.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/mmeshcher/fulfillment-system/internal/middleware"
	"github.com/mmeshcher/fulfillment-system/internal/model"
	"github.com/mmeshcher/fulfillment-system/internal/queue"
	"github.com/mmeshcher/fulfillment-system/internal/repository"
	"github.com/mmeshcher/fulfillment-system/internal/validation"
	"github.com/mmeshcher/fulfillment-system/internal/workflow"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	StartFulfillment(ctx context.Context, userID, itemID string, quantity int64) (*model.FulfillmentResult, error)
	ConfirmPayment(ctx context.Context, orderID string, webhookData json.RawMessage, ts time.Time) (*model.PaymentResult, error)
	GetOrdersByUser(ctx context.Context, userID string) ([]model.Order, error)
	GetStateSnapshot(ctx context.Context) (*model.StateSnapshot, error)
}

// Publisher публикует события в очередь для асинхронной обработки.
type Publisher interface {
	PublishFulfillmentRequested(ctx context.Context, ev queue.FulfillmentRequested) error
}

// Handler реализует HTTP-обработчики API сервиса фулфилмента.
type Handler struct {
	service   Service
	publisher Publisher
	verifier  *middleware.SignatureVerifier
	logger    *zap.Logger
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
// publisher необязателен: без него асинхронный режим недоступен.
func NewHandler(s Service, publisher Publisher, verifier *middleware.SignatureVerifier, logger *zap.Logger) *Handler {
	return &Handler{
		service:   s,
		publisher: publisher,
		verifier:  verifier,
		logger:    logger,
	}
}

type fulfillmentRequest struct {
	UserID   string `json:"user_id"`
	ItemID   string `json:"item_id"`
	Quantity int64  `json:"quantity"`
}

type orderResponse struct {
	ID            string `json:"id"`
	Number        string `json:"number"`
	UserID        string `json:"user_id"`
	ItemID        string `json:"item_id"`
	Quantity      int64  `json:"quantity"`
	TotalAmount   int64  `json:"total_amount"`
	Status        string `json:"status"`
	PaymentStatus string `json:"payment_status"`
	CreatedAt     string `json:"created_at"`
	CompletedAt   string `json:"completed_at,omitempty"`
	PaidAt        string `json:"paid_at,omitempty"`
}

func newOrderResponse(o *model.Order) orderResponse {
	resp := orderResponse{
		ID:            o.ID,
		Number:        o.Number,
		UserID:        o.UserID,
		ItemID:        o.ItemID,
		Quantity:      o.Quantity,
		TotalAmount:   o.TotalAmount,
		Status:        string(o.Status),
		PaymentStatus: string(o.PaymentStatus),
		CreatedAt:     o.CreatedAt.Format(time.RFC3339),
	}
	if o.CompletedAt != nil {
		resp.CompletedAt = o.CompletedAt.Format(time.RFC3339)
	}
	if o.PaidAt != nil {
		resp.PaidAt = o.PaidAt.Format(time.RFC3339)
	}
	return resp
}

type fulfillmentResponse struct {
	Order         orderResponse `json:"order"`
	TransactionID string        `json:"transaction_id"`
	UserBalance   int64         `json:"user_balance"`
	ItemStock     int64         `json:"item_stock"`
	BonusAwarded  int64         `json:"bonus_awarded"`
	BonusTotal    int64         `json:"bonus_total"`
}

// CreateFulfillment запускает процесс оформления заказа. С параметром
// async=1 запрос публикуется в очередь и обрабатывается консьюмером.
func (h *Handler) CreateFulfillment(w http.ResponseWriter, r *http.Request) {
	var req fulfillmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if !validation.IsValidEntityID(req.UserID) || !validation.IsValidEntityID(req.ItemID) {
		http.Error(w, http.StatusText(http.StatusUnprocessableEntity), http.StatusUnprocessableEntity)
		return
	}
	if !validation.IsValidQuantity(req.Quantity) {
		http.Error(w, http.StatusText(http.StatusUnprocessableEntity), http.StatusUnprocessableEntity)
		return
	}

	if r.URL.Query().Get("async") == "1" {
		if h.publisher == nil {
			http.Error(w, "queue is not configured", http.StatusServiceUnavailable)
			return
		}
		ev := queue.FulfillmentRequested{UserID: req.UserID, ItemID: req.ItemID, Quantity: req.Quantity}
		if err := h.publisher.PublishFulfillmentRequested(r.Context(), ev); err != nil {
			h.logger.Error("publish fulfillment request error", zap.Error(err))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusAccepted)
		return
	}

	res, err := h.service.StartFulfillment(r.Context(), req.UserID, req.ItemID, req.Quantity)
	if err != nil {
		h.writeFulfillmentError(w, err, req)
		return
	}

	resp := fulfillmentResponse{
		Order:         newOrderResponse(res.Order),
		TransactionID: res.Transaction.ID,
		UserBalance:   res.UserBalance,
		ItemStock:     res.ItemStock,
		BonusAwarded:  res.BonusAwarded,
		BonusTotal:    res.BonusTotal,
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
}

func (h *Handler) writeFulfillmentError(w http.ResponseWriter, err error, req fulfillmentRequest) {
	var stockErr *workflow.InsufficientStockError
	var balanceErr *workflow.InsufficientBalanceError

	switch {
	case errors.Is(err, repository.ErrUserNotFound), errors.Is(err, repository.ErrItemNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.As(err, &stockErr):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.As(err, &balanceErr):
		http.Error(w, err.Error(), http.StatusPaymentRequired)
	case errors.Is(err, workflow.ErrInvalidQuantity):
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
	default:
		h.logger.Error("fulfillment error", zap.Error(err),
			zap.String("userID", req.UserID), zap.String("itemID", req.ItemID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}

type webhookRequest struct {
	OrderID     string          `json:"order_id"`
	WebhookData json.RawMessage `json:"webhook_data"`
	Timestamp   *time.Time      `json:"timestamp"`
}

type paymentResponse struct {
	OrderID     string `json:"order_id"`
	OrderNumber string `json:"order_number"`
	UserEmail   string `json:"user_email,omitempty"`
	EmailSent   bool   `json:"email_sent"`
	ProcessedAt string `json:"processed_at"`
}

// PaymentWebhook обрабатывает уведомление платёжной системы об оплате заказа.
func (h *Handler) PaymentWebhook(w http.ResponseWriter, r *http.Request) {
	var req webhookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if !validation.IsValidEntityID(req.OrderID) {
		http.Error(w, http.StatusText(http.StatusUnprocessableEntity), http.StatusUnprocessableEntity)
		return
	}

	ts := time.Now()
	if req.Timestamp != nil {
		ts = *req.Timestamp
	}

	res, err := h.service.ConfirmPayment(r.Context(), req.OrderID, req.WebhookData, ts)
	if err != nil {
		switch {
		case errors.Is(err, workflow.ErrAlreadyProcessed):
			http.Error(w, err.Error(), http.StatusConflict)
		case errors.Is(err, repository.ErrOrderNotFound):
			http.Error(w, err.Error(), http.StatusNotFound)
		default:
			h.logger.Error("payment webhook error", zap.Error(err), zap.String("orderID", req.OrderID))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	resp := paymentResponse{
		OrderID:     res.OrderID,
		OrderNumber: res.OrderNumber,
		UserEmail:   res.UserEmail,
		EmailSent:   res.EmailSent,
		ProcessedAt: res.ProcessedAt.Format(time.RFC3339),
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
}

// GetOrders возвращает список заказов пользователя.
func (h *Handler) GetOrders(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if !validation.IsValidEntityID(userID) {
		http.Error(w, http.StatusText(http.StatusUnprocessableEntity), http.StatusUnprocessableEntity)
		return
	}

	orders, err := h.service.GetOrdersByUser(r.Context(), userID)
	if err != nil {
		h.logger.Error("get orders error", zap.Error(err), zap.String("userID", userID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	if len(orders) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]orderResponse, 0, len(orders))
	for i := range orders {
		resp = append(resp, newOrderResponse(&orders[i]))
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
}

type userResponse struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Email       string `json:"email,omitempty"`
	Balance     int64  `json:"balance"`
	Status      string `json:"status"`
	BonusPoints int64  `json:"bonus_points"`
}

type itemResponse struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Price int64  `json:"price"`
	Stock int64  `json:"stock"`
}

type transactionResponse struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	OrderID   string `json:"order_id"`
	Amount    int64  `json:"amount"`
	Type      string `json:"type"`
	CreatedAt string `json:"created_at"`
}

type stateResponse struct {
	Users        []userResponse        `json:"users"`
	Inventory    []itemResponse        `json:"inventory"`
	Orders       []orderResponse       `json:"orders"`
	Transactions []transactionResponse `json:"transactions"`
}

// GetState возвращает полное состояние хранилища для отладки.
func (h *Handler) GetState(w http.ResponseWriter, r *http.Request) {
	snap, err := h.service.GetStateSnapshot(r.Context())
	if err != nil {
		h.logger.Error("get state error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	resp := stateResponse{
		Users:        make([]userResponse, 0, len(snap.Users)),
		Inventory:    make([]itemResponse, 0, len(snap.Inventory)),
		Orders:       make([]orderResponse, 0, len(snap.Orders)),
		Transactions: make([]transactionResponse, 0, len(snap.Transactions)),
	}
	for _, u := range snap.Users {
		resp.Users = append(resp.Users, userResponse{
			ID:          u.ID,
			Name:        u.Name,
			Email:       u.Email,
			Balance:     u.Balance,
			Status:      u.Status,
			BonusPoints: u.BonusPoints,
		})
	}
	for _, it := range snap.Inventory {
		resp.Inventory = append(resp.Inventory, itemResponse{
			ID:    it.ID,
			Name:  it.Name,
			Price: it.Price,
			Stock: it.Stock,
		})
	}
	for i := range snap.Orders {
		resp.Orders = append(resp.Orders, newOrderResponse(&snap.Orders[i]))
	}
	for _, tx := range snap.Transactions {
		resp.Transactions = append(resp.Transactions, transactionResponse{
			ID:        tx.ID,
			UserID:    tx.UserID,
			OrderID:   tx.OrderID,
			Amount:    tx.Amount,
			Type:      string(tx.Type),
			CreatedAt: tx.CreatedAt.Format(time.RFC3339),
		})
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
}
