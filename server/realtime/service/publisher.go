package service

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"market_edge/server/realtime/domain"
)

const notificationsExchange = "market.notifications"

// NotifyPublisher republishes notifications consumed from the global
// channel onto a durable topic exchange, so sibling services (email
// digests, badge counters) can react without holding their own socket.
type NotifyPublisher struct {
	mu      sync.Mutex
	conn    *amqp.Connection
	channel *amqp.Channel
}

func NewNotifyPublisher(conn *amqp.Connection) (*NotifyPublisher, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, err
	}
	if err := ch.ExchangeDeclare(notificationsExchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		return nil, err
	}
	return &NotifyPublisher{conn: conn, channel: ch}, nil
}

func (p *NotifyPublisher) Publish(ctx context.Context, userID string, notification domain.Notification) error {
	body, err := json.Marshal(notification)
	if err != nil {
		return err
	}
	routingKey := "new_message"
	if strings.TrimSpace(userID) != "" {
		routingKey = userID + ".new_message"
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.channel.PublishWithContext(ctx, notificationsExchange, routingKey, false, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        body,
		Timestamp:   time.Now(),
	})
}

func (p *NotifyPublisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.channel != nil {
		_ = p.channel.Close()
		p.channel = nil
	}
}
