package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/mmeshcher/fulfillment-system/internal/model"
	"github.com/mmeshcher/fulfillment-system/internal/repository"
)

type stubMailer struct {
	sent []string
	err  error
}

func (m *stubMailer) SendOrderConfirmation(_ context.Context, to, _ string, _ *model.Order) error {
	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, to)
	return nil
}

type stubMarker struct {
	seen map[string]bool
	err  error
}

func (m *stubMarker) TryMark(_ context.Context, scope, key string) (bool, error) {
	if m.err != nil {
		return false, m.err
	}
	if m.seen == nil {
		m.seen = make(map[string]bool)
	}
	k := scope + ":" + key
	if m.seen[k] {
		return false, nil
	}
	m.seen[k] = true
	return true, nil
}

func paymentTestStore(t *testing.T) (*repository.MemoryStore, *model.Order) {
	t.Helper()

	store := newTestStore()
	order := &model.Order{
		ID:            "order_to_pay",
		Number:        "20250901-abcd1234",
		UserID:        "user_1",
		ItemID:        "item_1",
		Quantity:      2,
		TotalAmount:   50,
		Status:        model.OrderStatusPending,
		PaymentStatus: model.PaymentStatusUnpaid,
		CreatedAt:     time.Now().UTC(),
	}
	if err := store.CreateOrder(context.Background(), order); err != nil {
		t.Fatalf("CreateOrder error: %v", err)
	}
	return store, order
}

func TestConfirm_Success(t *testing.T) {
	store, order := paymentTestStore(t)
	mailer := &stubMailer{}

	p := NewPayment(store, &stubMarker{}, mailer, NewLocker(), nil)

	ts := time.Now().UTC()
	res, err := p.Confirm(context.Background(), newTestRunner(), order.ID, json.RawMessage(`{"provider":"test"}`), ts)
	if err != nil {
		t.Fatalf("Confirm error: %v", err)
	}

	if !res.EmailSent {
		t.Fatalf("email not sent")
	}
	if res.OrderNumber != order.Number {
		t.Fatalf("order number = %q, want %q", res.OrderNumber, order.Number)
	}
	if res.UserEmail != "john@example.com" {
		t.Fatalf("user email = %q", res.UserEmail)
	}
	if !res.ProcessedAt.Equal(ts) {
		t.Fatalf("processedAt = %v, want %v", res.ProcessedAt, ts)
	}

	stored, err := store.GetOrder(context.Background(), order.ID)
	if err != nil {
		t.Fatalf("GetOrder error: %v", err)
	}
	if stored.PaymentStatus != model.PaymentStatusPaid || stored.PaidAt == nil {
		t.Fatalf("order not marked paid: %+v", stored)
	}

	notifs, err := store.ListUnsentNotifications(context.Background(), 10)
	if err != nil {
		t.Fatalf("ListUnsentNotifications error: %v", err)
	}
	if len(notifs) != 0 {
		t.Fatalf("notification left unsent: %+v", notifs)
	}

	if len(mailer.sent) != 1 || mailer.sent[0] != "john@example.com" {
		t.Fatalf("mailer calls: %v", mailer.sent)
	}
}

func TestConfirm_AlreadyPaidOrder(t *testing.T) {
	store, order := paymentTestStore(t)

	paid := *order
	paid.PaymentStatus = model.PaymentStatusPaid
	if err := store.UpdateOrder(context.Background(), &paid); err != nil {
		t.Fatalf("UpdateOrder error: %v", err)
	}

	p := NewPayment(store, nil, nil, NewLocker(), nil)

	_, err := p.Confirm(context.Background(), newTestRunner(), order.ID, nil, time.Now())
	if !errors.Is(err, ErrAlreadyProcessed) {
		t.Fatalf("err = %v, want ErrAlreadyProcessed", err)
	}
}

func TestConfirm_DuplicateWebhookDelivery(t *testing.T) {
	store, order := paymentTestStore(t)
	marker := &stubMarker{}

	p := NewPayment(store, marker, nil, NewLocker(), nil)

	if _, err := p.Confirm(context.Background(), newTestRunner(), order.ID, nil, time.Now()); err != nil {
		t.Fatalf("first Confirm error: %v", err)
	}

	_, err := p.Confirm(context.Background(), newTestRunner(), order.ID, nil, time.Now())
	if !errors.Is(err, ErrAlreadyProcessed) {
		t.Fatalf("err = %v, want ErrAlreadyProcessed", err)
	}
}

// flakyOrderStore возвращает временные ошибки при обновлении заказа.
type flakyOrderStore struct {
	*repository.MemoryStore
	failUpdateOrder int
}

func (s *flakyOrderStore) UpdateOrder(ctx context.Context, o *model.Order) error {
	if s.failUpdateOrder > 0 {
		s.failUpdateOrder--
		return errStoreDown
	}
	return s.MemoryStore.UpdateOrder(ctx, o)
}

func TestConfirm_RedeliveryAfterStoreFailure(t *testing.T) {
	memory, order := paymentTestStore(t)
	store := &flakyOrderStore{MemoryStore: memory, failUpdateOrder: 10}
	marker := &stubMarker{}

	p := NewPayment(store, marker, nil, NewLocker(), nil)

	// Первая доставка падает на отметке оплаты: заказ остаётся unpaid.
	_, err := p.Confirm(context.Background(), newTestRunner(), order.ID, nil, time.Now())
	if !IsStoreError(err) {
		t.Fatalf("err = %v, want StoreError", err)
	}

	stored, err := memory.GetOrder(context.Background(), order.ID)
	if err != nil {
		t.Fatalf("GetOrder error: %v", err)
	}
	if stored.PaymentStatus != model.PaymentStatusUnpaid {
		t.Fatalf("payment status after failed attempt = %q, want unpaid", stored.PaymentStatus)
	}

	// Хранилище восстановилось; повторная доставка обязана пройти,
	// а не упереться в защиту от дублей.
	store.failUpdateOrder = 0

	res, err := p.Confirm(context.Background(), newTestRunner(), order.ID, nil, time.Now())
	if err != nil {
		t.Fatalf("redelivery Confirm error: %v", err)
	}
	if res.OrderID != order.ID {
		t.Fatalf("orderID = %q, want %q", res.OrderID, order.ID)
	}

	stored, err = memory.GetOrder(context.Background(), order.ID)
	if err != nil {
		t.Fatalf("GetOrder error: %v", err)
	}
	if stored.PaymentStatus != model.PaymentStatusPaid {
		t.Fatalf("payment status after redelivery = %q, want paid", stored.PaymentStatus)
	}

	// Третья доставка отбрасывается — заказ уже оплачен.
	_, err = p.Confirm(context.Background(), newTestRunner(), order.ID, nil, time.Now())
	if !errors.Is(err, ErrAlreadyProcessed) {
		t.Fatalf("err = %v, want ErrAlreadyProcessed", err)
	}
}

func TestConfirm_UnknownOrder(t *testing.T) {
	store, _ := paymentTestStore(t)

	p := NewPayment(store, nil, nil, NewLocker(), nil)

	_, err := p.Confirm(context.Background(), newTestRunner(), "order_404", nil, time.Now())
	if !errors.Is(err, repository.ErrOrderNotFound) {
		t.Fatalf("err = %v, want ErrOrderNotFound", err)
	}
}

func TestConfirm_EmailFailureIsPartialSuccess(t *testing.T) {
	store, order := paymentTestStore(t)
	mailer := &stubMailer{err: errors.New("smtp down")}

	p := NewPayment(store, nil, mailer, NewLocker(), nil)

	res, err := p.Confirm(context.Background(), newTestRunner(), order.ID, nil, time.Now())
	if err != nil {
		t.Fatalf("Confirm error: %v", err)
	}
	if res.EmailSent {
		t.Fatalf("EmailSent = true, want false on mailer failure")
	}

	stored, err := store.GetOrder(context.Background(), order.ID)
	if err != nil {
		t.Fatalf("GetOrder error: %v", err)
	}
	if stored.PaymentStatus != model.PaymentStatusPaid {
		t.Fatalf("order not marked paid despite email failure")
	}

	// Уведомление создано, но письмо не отправлено — остаётся в очереди.
	notifs, err := store.ListUnsentNotifications(context.Background(), 10)
	if err != nil {
		t.Fatalf("ListUnsentNotifications error: %v", err)
	}
	if len(notifs) != 1 {
		t.Fatalf("unsent notifications = %d, want 1", len(notifs))
	}
}

func TestConfirm_NoMailerConfigured(t *testing.T) {
	store, order := paymentTestStore(t)

	p := NewPayment(store, nil, nil, NewLocker(), nil)

	res, err := p.Confirm(context.Background(), newTestRunner(), order.ID, nil, time.Now())
	if err != nil {
		t.Fatalf("Confirm error: %v", err)
	}
	if res.EmailSent {
		t.Fatalf("EmailSent = true without mailer")
	}
}
