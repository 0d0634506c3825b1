package service

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/mmeshcher/fulfillment-system/internal/model"
	"github.com/mmeshcher/fulfillment-system/internal/repository"
	"github.com/mmeshcher/fulfillment-system/internal/workflow"
)

type recordingMailer struct {
	sent []string
	err  error
}

func (m *recordingMailer) SendOrderConfirmation(_ context.Context, to, _ string, _ *model.Order) error {
	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, to)
	return nil
}

func newTestService(t *testing.T, mailer workflow.Mailer) (*Service, *repository.MemoryStore) {
	t.Helper()
	store := repository.NewMemoryStore()
	store.SeedDemo()
	return NewService(store, nil, mailer, zap.NewNop()), store
}

func TestStartFulfillment(t *testing.T) {
	svc, _ := newTestService(t, nil)

	res, err := svc.StartFulfillment(context.Background(), "user_1", "item_1", 2)
	if err != nil {
		t.Fatalf("StartFulfillment: %v", err)
	}
	if res.Order.TotalAmount != 50 {
		t.Errorf("total = %d, want 50", res.Order.TotalAmount)
	}
	if res.UserBalance != 950 {
		t.Errorf("balance = %d, want 950", res.UserBalance)
	}

	orders, err := svc.GetOrdersByUser(context.Background(), "user_1")
	if err != nil {
		t.Fatalf("GetOrdersByUser: %v", err)
	}
	if len(orders) != 1 {
		t.Fatalf("orders = %d, want 1", len(orders))
	}
}

func TestStartFulfillment_TerminalError(t *testing.T) {
	svc, _ := newTestService(t, nil)

	_, err := svc.StartFulfillment(context.Background(), "user_missing", "item_1", 1)
	if !errors.Is(err, repository.ErrUserNotFound) {
		t.Fatalf("err = %v, want ErrUserNotFound", err)
	}
}

func TestConfirmPayment(t *testing.T) {
	svc, _ := newTestService(t, nil)

	res, err := svc.StartFulfillment(context.Background(), "user_1", "item_1", 1)
	if err != nil {
		t.Fatalf("StartFulfillment: %v", err)
	}

	ts := time.Now()
	pay, err := svc.ConfirmPayment(context.Background(), res.Order.ID, json.RawMessage(`{"provider":"stripe"}`), ts)
	if err != nil {
		t.Fatalf("ConfirmPayment: %v", err)
	}
	if pay.OrderID != res.Order.ID {
		t.Errorf("orderID = %s, want %s", pay.OrderID, res.Order.ID)
	}

	_, err = svc.ConfirmPayment(context.Background(), res.Order.ID, json.RawMessage(`{}`), ts)
	if !errors.Is(err, workflow.ErrAlreadyProcessed) {
		t.Fatalf("second confirm err = %v, want ErrAlreadyProcessed", err)
	}
}

func TestGetStateSnapshot(t *testing.T) {
	svc, _ := newTestService(t, nil)

	if _, err := svc.StartFulfillment(context.Background(), "user_2", "item_2", 1); err != nil {
		t.Fatalf("StartFulfillment: %v", err)
	}

	snap, err := svc.GetStateSnapshot(context.Background())
	if err != nil {
		t.Fatalf("GetStateSnapshot: %v", err)
	}
	if len(snap.Users) != 2 || len(snap.Inventory) != 2 {
		t.Errorf("snapshot seed: users %d, inventory %d", len(snap.Users), len(snap.Inventory))
	}
	if len(snap.Orders) != 1 || len(snap.Transactions) != 1 {
		t.Errorf("snapshot: orders %d, transactions %d", len(snap.Orders), len(snap.Transactions))
	}
}

func TestProcessUnsentBatch(t *testing.T) {
	mailer := &recordingMailer{}
	svc, store := newTestService(t, mailer)

	res, err := svc.StartFulfillment(context.Background(), "user_1", "item_1", 1)
	if err != nil {
		t.Fatalf("StartFulfillment: %v", err)
	}
	err = store.CreateNotification(context.Background(), &model.Notification{
		ID:      "ntf_test",
		UserID:  "user_1",
		OrderID: res.Order.ID,
		Type:    "payment_success",
	})
	if err != nil {
		t.Fatalf("CreateNotification: %v", err)
	}

	svc.processUnsentBatch(context.Background())

	if len(mailer.sent) != 1 || mailer.sent[0] != "john@example.com" {
		t.Fatalf("sent = %v, want [john@example.com]", mailer.sent)
	}
	unsent, err := store.ListUnsentNotifications(context.Background(), 10)
	if err != nil {
		t.Fatalf("ListUnsentNotifications: %v", err)
	}
	if len(unsent) != 0 {
		t.Errorf("unsent after dispatch = %d, want 0", len(unsent))
	}
}

type failingListRepo struct {
	*repository.MemoryStore
}

func (r *failingListRepo) ListUnsentNotifications(_ context.Context, _ int) ([]model.Notification, error) {
	return nil, errors.New("store unavailable")
}

func TestProcessUnsentBatch_ListErrorLogged(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	store := repository.NewMemoryStore()
	store.SeedDemo()
	svc := NewService(&failingListRepo{MemoryStore: store}, nil, &recordingMailer{}, zap.New(core))

	svc.processUnsentBatch(context.Background())

	if logs.FilterMessage("list unsent notifications failed").Len() != 1 {
		t.Fatalf("list failure not logged, entries: %d", logs.Len())
	}
}

func TestProcessUnsentBatch_MailerError(t *testing.T) {
	mailer := &recordingMailer{err: errors.New("smtp: connection refused")}
	svc, store := newTestService(t, mailer)

	res, err := svc.StartFulfillment(context.Background(), "user_1", "item_1", 1)
	if err != nil {
		t.Fatalf("StartFulfillment: %v", err)
	}
	err = store.CreateNotification(context.Background(), &model.Notification{
		ID:      "ntf_test",
		UserID:  "user_1",
		OrderID: res.Order.ID,
		Type:    "payment_success",
	})
	if err != nil {
		t.Fatalf("CreateNotification: %v", err)
	}

	svc.processUnsentBatch(context.Background())

	unsent, err := store.ListUnsentNotifications(context.Background(), 10)
	if err != nil {
		t.Fatalf("ListUnsentNotifications: %v", err)
	}
	if len(unsent) != 1 {
		t.Errorf("unsent stays queued: got %d, want 1", len(unsent))
	}
}
