package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/streadway/amqp"
	"go.uber.org/zap"

	"github.com/raaihank/leak-sentinel/internal/config"
	"github.com/raaihank/leak-sentinel/internal/logger"
	"github.com/raaihank/leak-sentinel/internal/scan"
)

// publisher is the part of *amqp.Channel the Publisher uses.
type publisher interface {
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// Publisher sends scan events to a topic exchange. Routing keys are the
// configured prefix followed by the event type, e.g. detections.pii_detection.
type Publisher struct {
	cfg     config.AMQPConfig
	logger  *logger.Logger
	conn    *amqp.Connection
	mu      sync.Mutex
	channel publisher
}

// NewPublisher dials the broker and declares the exchange.
func NewPublisher(cfg config.AMQPConfig, log *logger.Logger) (*Publisher, error) {
	if log == nil {
		log = logger.NewNop()
	}

	conn, err := amqp.DialConfig(cfg.URL, amqp.Config{Dial: amqp.DefaultDial(5 * time.Second)})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to AMQP server: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open AMQP channel: %w", err)
	}

	if err := ch.ExchangeDeclare(
		cfg.Exchange,
		amqp.ExchangeTopic,
		true,  // durable
		false, // auto-delete
		false, // internal
		false, // no-wait
		nil,
	); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange %s: %w", cfg.Exchange, err)
	}

	log.Info("AMQP event publisher connected",
		zap.String("exchange", cfg.Exchange),
		zap.String("routing_key", cfg.RoutingKey),
	)

	return &Publisher{cfg: cfg, logger: log.WithComponent("amqp"), conn: conn, channel: ch}, nil
}

// Emit publishes ev as a persistent JSON message.
func (p *Publisher) Emit(ctx context.Context, ev scan.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	key := p.routingKey(ev.Type)
	p.mu.Lock()
	err = p.channel.Publish(p.cfg.Exchange, key, false, false, amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		Timestamp:     ev.Timestamp,
		MessageId:     uuid.NewString(),
		CorrelationId: ev.ScanID,
		Type:          string(ev.Type),
		Body:          body,
	})
	p.mu.Unlock()
	if err != nil {
		return fmt.Errorf("publish %s: %w", key, err)
	}

	p.logger.Debug("Event published", zap.String("routing_key", key), zap.String("scan_id", ev.ScanID))
	return nil
}

func (p *Publisher) routingKey(t scan.EventType) string {
	if p.cfg.RoutingKey == "" {
		return string(t)
	}
	return p.cfg.RoutingKey + "." + string(t)
}

// Close closes the channel and the connection.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.channel != nil {
		p.channel.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}
