package queue

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/mmeshcher/fulfillment-system/internal/model"
)

type stubService struct {
	fulfillments []FulfillmentRequested
	payments     []PaymentReceived
	err          error
}

func (s *stubService) StartFulfillment(_ context.Context, userID, itemID string, quantity int64) (*model.FulfillmentResult, error) {
	if s.err != nil {
		return nil, s.err
	}
	s.fulfillments = append(s.fulfillments, FulfillmentRequested{UserID: userID, ItemID: itemID, Quantity: quantity})
	return &model.FulfillmentResult{}, nil
}

func (s *stubService) ConfirmPayment(_ context.Context, orderID string, webhookData json.RawMessage, ts time.Time) (*model.PaymentResult, error) {
	if s.err != nil {
		return nil, s.err
	}
	s.payments = append(s.payments, PaymentReceived{OrderID: orderID, WebhookData: webhookData, Timestamp: ts})
	return &model.PaymentResult{}, nil
}

func newTestConsumer(svc Service) *Consumer {
	return NewConsumer(nil, svc, zap.NewNop())
}

func TestHandleFulfillment(t *testing.T) {
	svc := &stubService{}
	c := newTestConsumer(svc)

	body, _ := json.Marshal(FulfillmentRequested{UserID: "user_1", ItemID: "item_1", Quantity: 2})
	err := c.handleFulfillment(context.Background(), amqp.Delivery{Body: body})
	if err != nil {
		t.Fatalf("handleFulfillment: %v", err)
	}
	if len(svc.fulfillments) != 1 || svc.fulfillments[0].Quantity != 2 {
		t.Fatalf("unexpected calls: %+v", svc.fulfillments)
	}
}

func TestHandleFulfillment_Poison(t *testing.T) {
	c := newTestConsumer(&stubService{})

	err := c.handleFulfillment(context.Background(), amqp.Delivery{Body: []byte("{not json")})
	if !errors.Is(err, errPoison) {
		t.Fatalf("err = %v, want errPoison", err)
	}
}

func TestHandlePayment(t *testing.T) {
	svc := &stubService{}
	c := newTestConsumer(svc)

	ts := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)
	body, _ := json.Marshal(PaymentReceived{OrderID: "order_1", WebhookData: json.RawMessage(`{"provider":"stripe"}`), Timestamp: ts})
	err := c.handlePayment(context.Background(), amqp.Delivery{Body: body})
	if err != nil {
		t.Fatalf("handlePayment: %v", err)
	}
	if len(svc.payments) != 1 || svc.payments[0].OrderID != "order_1" {
		t.Fatalf("unexpected calls: %+v", svc.payments)
	}
	if !svc.payments[0].Timestamp.Equal(ts) {
		t.Fatalf("timestamp = %v, want %v", svc.payments[0].Timestamp, ts)
	}
}

func TestHandlePayment_ServiceErrorPropagates(t *testing.T) {
	want := errors.New("store unavailable")
	c := newTestConsumer(&stubService{err: want})

	body, _ := json.Marshal(PaymentReceived{OrderID: "order_1"})
	err := c.handlePayment(context.Background(), amqp.Delivery{Body: body})
	if !errors.Is(err, want) {
		t.Fatalf("err = %v, want %v", err, want)
	}
}
