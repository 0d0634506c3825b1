// Package mailer отправляет пользователям письма-подтверждения через SMTP.
package mailer

import (
	"context"
	"fmt"
	"strings"

	"github.com/wneessen/go-mail"

	"github.com/mmeshcher/fulfillment-system/internal/model"
)

// Client инкапсулирует отправку почты через SMTP-сервер.
type Client struct {
	client *mail.Client
	from   string
}

// New создаёт SMTP-клиент для отправки писем с адреса from.
func New(host string, port int, username, password, from string) (*Client, error) {
	opts := []mail.Option{
		mail.WithPort(port),
	}
	if username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(username),
			mail.WithPassword(password),
		)
	}

	c, err := mail.NewClient(host, opts...)
	if err != nil {
		return nil, fmt.Errorf("create mail client: %w", err)
	}

	return &Client{client: c, from: from}, nil
}

// SendOrderConfirmation отправляет письмо-подтверждение оплаты заказа.
func (m *Client) SendOrderConfirmation(ctx context.Context, to, name string, order *model.Order) error {
	msg := mail.NewMsg()
	if err := msg.From(m.from); err != nil {
		return fmt.Errorf("set from: %w", err)
	}
	if err := msg.To(to); err != nil {
		return fmt.Errorf("set to: %w", err)
	}

	msg.Subject(fmt.Sprintf("Order Confirmation - #%s", order.Number))
	msg.SetBodyString(mail.TypeTextPlain, ConfirmationBody(name, order))

	if err := m.client.DialAndSendWithContext(ctx, msg); err != nil {
		return fmt.Errorf("send mail: %w", err)
	}
	return nil
}

// ConfirmationBody формирует текст письма-подтверждения заказа.
func ConfirmationBody(name string, order *model.Order) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Dear %s,\n\n", name)
	b.WriteString("Thank you for your order! We're pleased to confirm that your payment has been received and your order is now being processed.\n\n")
	b.WriteString("Order Details:\n")
	fmt.Fprintf(&b, "- Order Number: #%s\n", order.Number)
	fmt.Fprintf(&b, "- Order Total: %d\n", order.TotalAmount)
	b.WriteString("- Payment Status: Paid\n")
	fmt.Fprintf(&b, "- Order Date: %s\n\n", order.CreatedAt.Format("2006-01-02"))
	b.WriteString("Your order is now being processed. You'll receive another email with tracking information once your order has been shipped.\n")

	return b.String()
}
