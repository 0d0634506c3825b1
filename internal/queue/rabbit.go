// Package queue реализует обмен событиями сервиса через RabbitMQ.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/mmeshcher/fulfillment-system/internal/model"
	"github.com/mmeshcher/fulfillment-system/internal/workflow"
)

const (
	exchangeName = "fulfillment.events"

	fulfillmentQueue      = "workflow.start.q"
	fulfillmentRoutingKey = "workflow.start"

	paymentQueue      = "order.payment.received.q"
	paymentRoutingKey = "order.payment.received"
)

// FulfillmentRequested — событие запуска процесса оформления заказа.
type FulfillmentRequested struct {
	UserID   string `json:"user_id"`
	ItemID   string `json:"item_id"`
	Quantity int64  `json:"quantity"`
}

// PaymentReceived — событие получения оплаты от платёжной системы.
type PaymentReceived struct {
	OrderID     string          `json:"order_id"`
	WebhookData json.RawMessage `json:"webhook_data,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
}

// Client держит соединение и канал RabbitMQ.
type Client struct {
	conn *amqp.Connection
	ch   *amqp.Channel
}

// Connect подключается к брокеру с повторами: брокер может подниматься
// дольше сервиса.
func Connect(url string) (*Client, error) {
	var conn *amqp.Connection
	var err error

	for attempt := 0; attempt < 5; attempt++ {
		conn, err = amqp.Dial(url)
		if err == nil {
			break
		}
		time.Sleep(2 * time.Second)
	}
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}

	return &Client{conn: conn, ch: ch}, nil
}

// Channel возвращает открытый канал клиента.
func (c *Client) Channel() *amqp.Channel { return c.ch }

// Close закрывает канал и соединение.
func (c *Client) Close() {
	if c.ch != nil {
		c.ch.Close()
	}
	if c.conn != nil {
		c.conn.Close()
	}
}

// Producer публикует события сервиса в topic-exchange.
type Producer struct {
	ch *amqp.Channel
}

// NewProducer объявляет exchange, очереди и привязки один раз при старте.
func NewProducer(ch *amqp.Channel) (*Producer, error) {
	if err := ch.ExchangeDeclare(
		exchangeName,
		"topic",
		true,  // durable
		false, // auto-delete
		false, // internal
		false, // no-wait
		nil,
	); err != nil {
		return nil, fmt.Errorf("declare exchange: %w", err)
	}

	bindings := []struct {
		queue string
		key   string
	}{
		{fulfillmentQueue, fulfillmentRoutingKey},
		{paymentQueue, paymentRoutingKey},
	}

	for _, b := range bindings {
		q, err := ch.QueueDeclare(
			b.queue,
			true,  // durable
			false, // auto-delete
			false, // exclusive
			false, // no-wait
			nil,
		)
		if err != nil {
			return nil, fmt.Errorf("declare queue %s: %w", b.queue, err)
		}

		if err := ch.QueueBind(q.Name, b.key, exchangeName, false, nil); err != nil {
			return nil, fmt.Errorf("bind queue %s: %w", b.queue, err)
		}
	}

	return &Producer{ch: ch}, nil
}

// PublishFulfillmentRequested публикует событие запуска оформления заказа.
func (p *Producer) PublishFulfillmentRequested(ctx context.Context, ev FulfillmentRequested) error {
	return p.publish(ctx, fulfillmentRoutingKey, ev)
}

// PublishPaymentReceived публикует событие получения оплаты.
func (p *Producer) PublishPaymentReceived(ctx context.Context, ev PaymentReceived) error {
	return p.publish(ctx, paymentRoutingKey, ev)
}

func (p *Producer) publish(ctx context.Context, key string, ev any) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	pub := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
	}

	if err := p.ch.PublishWithContext(ctx, exchangeName, key, false, false, pub); err != nil {
		return fmt.Errorf("publish %s: %w", key, err)
	}
	return nil
}

// Service описывает бизнес-операции, вызываемые из очереди.
type Service interface {
	StartFulfillment(ctx context.Context, userID, itemID string, quantity int64) (*model.FulfillmentResult, error)
	ConfirmPayment(ctx context.Context, orderID string, webhookData json.RawMessage, ts time.Time) (*model.PaymentResult, error)
}

// Consumer читает события из очередей и передаёт их сервису.
type Consumer struct {
	ch          *amqp.Channel
	svc         Service
	logger      *zap.Logger
	prefetch    int
	callTimeout time.Duration
}

// NewConsumer создаёт потребителя очередей сервиса.
func NewConsumer(ch *amqp.Channel, svc Service, logger *zap.Logger) *Consumer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Consumer{
		ch:          ch,
		svc:         svc,
		logger:      logger,
		prefetch:    50,
		callTimeout: 30 * time.Second,
	}
}

// Start запускает обработку обеих очередей; неблокирующий вызов.
func (c *Consumer) Start(ctx context.Context) error {
	// fair dispatch
	if err := c.ch.Qos(c.prefetch, 0, false); err != nil {
		return fmt.Errorf("set qos: %w", err)
	}

	if err := c.consume(ctx, fulfillmentQueue, c.handleFulfillment); err != nil {
		return err
	}
	if err := c.consume(ctx, paymentQueue, c.handlePayment); err != nil {
		return err
	}
	return nil
}

func (c *Consumer) consume(ctx context.Context, queue string, handle func(context.Context, amqp.Delivery) error) error {
	msgs, err := c.ch.Consume(
		queue,
		"",    // consumer tag
		false, // manual ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return fmt.Errorf("consume %s: %w", queue, err)
	}

	go func() {
		for d := range msgs {
			callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
			err := handle(callCtx, d)
			cancel()

			if errors.Is(err, errPoison) {
				// Сообщение уже отброшено обработчиком.
				continue
			}
			if err != nil {
				// Временные ошибки хранилища возвращаются в очередь,
				// терминальные подтверждаются, чтобы не зациклить доставку.
				requeue := workflow.IsStoreError(err)
				c.logger.Error("message handling failed",
					zap.String("queue", queue),
					zap.Bool("requeue", requeue),
					zap.Error(err),
				)
				_ = d.Nack(false, requeue)
				continue
			}
			_ = d.Ack(false)
		}
	}()

	return nil
}

var errPoison = errors.New("poison message")

func (c *Consumer) handleFulfillment(ctx context.Context, d amqp.Delivery) error {
	var ev FulfillmentRequested
	if err := json.Unmarshal(d.Body, &ev); err != nil {
		c.logger.Error("bad fulfillment message", zap.ByteString("body", d.Body), zap.Error(err))
		_ = d.Nack(false, false)
		return errPoison
	}
	_, err := c.svc.StartFulfillment(ctx, ev.UserID, ev.ItemID, ev.Quantity)
	return err
}

func (c *Consumer) handlePayment(ctx context.Context, d amqp.Delivery) error {
	var ev PaymentReceived
	if err := json.Unmarshal(d.Body, &ev); err != nil {
		c.logger.Error("bad payment message", zap.ByteString("body", d.Body), zap.Error(err))
		_ = d.Nack(false, false)
		return errPoison
	}
	_, err := c.svc.ConfirmPayment(ctx, ev.OrderID, ev.WebhookData, ev.Timestamp)
	return err
}
