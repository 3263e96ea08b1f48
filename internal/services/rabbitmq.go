package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog/log"

	"github.com/echofind/echofind/internal/matching"
	"github.com/echofind/echofind/internal/models"
)

// Routing keys on the events exchange
const (
	RoutingItemCreated  = "item.created"
	RoutingMatchesFound = "item.matches_found"
	RoutingItemResolved = "item.resolved"
)

// RabbitMQPublisher publishes item events to a topic exchange.
// It doubles as the queue-backed match Dispatcher and as a match Notifier.
type RabbitMQPublisher struct {
	mu           sync.RWMutex
	conn         *amqp.Connection
	channel      *amqp.Channel
	exchangeName string
	url          string
	closing      chan struct{}
}

// NewRabbitMQPublisher creates a new RabbitMQ publisher
func NewRabbitMQPublisher(url, exchangeName string) (*RabbitMQPublisher, error) {
	conn, channel, err := dialExchange(url, exchangeName)
	if err != nil {
		return nil, err
	}

	publisher := &RabbitMQPublisher{
		conn:         conn,
		channel:      channel,
		exchangeName: exchangeName,
		url:          url,
		closing:      make(chan struct{}),
	}

	go publisher.handleReconnect(conn)

	log.Info().
		Str("exchange", exchangeName).
		Msg("RabbitMQ publisher initialized")

	return publisher, nil
}

// dialExchange connects, opens a channel and declares the topic exchange
func dialExchange(url, exchangeName string) (*amqp.Connection, *amqp.Channel, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("failed to open channel: %w", err)
	}

	err = channel.ExchangeDeclare(
		exchangeName, // name
		"topic",      // type
		true,         // durable
		false,        // auto-deleted
		false,        // internal
		false,        // no-wait
		nil,          // arguments
	)
	if err != nil {
		channel.Close()
		conn.Close()
		return nil, nil, fmt.Errorf("failed to declare exchange: %w", err)
	}

	return conn, channel, nil
}

// Dispatch publishes item.created so a consumer runs the match search
func (p *RabbitMQPublisher) Dispatch(item *models.Item) error {
	return p.PublishItemCreated(context.Background(), item)
}

// PublishItemCreated publishes an item.created event
func (p *RabbitMQPublisher) PublishItemCreated(ctx context.Context, item *models.Item) error {
	return p.publish(ctx, RoutingItemCreated, models.ItemCreatedEvent{
		ID:        item.ID,
		Status:    item.Status,
		Category:  item.Category,
		Title:     item.Title,
		Timestamp: time.Now().UTC(),
	})
}

// NotifyMatches publishes item.matches_found. Empty results are not published.
func (p *RabbitMQPublisher) NotifyMatches(ctx context.Context, subject *models.Item, candidates []matching.Candidate) error {
	if len(candidates) == 0 {
		return nil
	}
	return p.publish(ctx, RoutingMatchesFound, models.MatchesFoundEvent{
		ItemID:     subject.ID,
		OwnerEmail: subject.OwnerEmail,
		Candidates: matching.Summaries(candidates),
		Timestamp:  time.Now().UTC(),
	})
}

// PublishItemResolved publishes an item.resolved event
func (p *RabbitMQPublisher) PublishItemResolved(ctx context.Context, item *models.Item) error {
	return p.publish(ctx, RoutingItemResolved, models.ItemResolvedEvent{
		ID:        item.ID,
		OwnerID:   item.OwnerID,
		Timestamp: time.Now().UTC(),
	})
}

// publish publishes a message to the exchange with the given routing key
func (p *RabbitMQPublisher) publish(ctx context.Context, routingKey string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	p.mu.RLock()
	channel := p.channel
	p.mu.RUnlock()

	err = channel.PublishWithContext(
		ctx,
		p.exchangeName, // exchange
		routingKey,     // routing key
		false,          // mandatory
		false,          // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Body:         body,
			Timestamp:    time.Now(),
			MessageId:    fmt.Sprintf("%d", time.Now().UnixNano()),
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}

	log.Debug().
		Str("routing_key", routingKey).
		Str("exchange", p.exchangeName).
		Int("body_size", len(body)).
		Msg("Message published to RabbitMQ")

	return nil
}

// handleReconnect redials after the broker drops the connection
func (p *RabbitMQPublisher) handleReconnect(conn *amqp.Connection) {
	for {
		closeErr, ok := <-conn.NotifyClose(make(chan *amqp.Error, 1))
		if !ok || closeErr == nil {
			return
		}
		log.Error().Err(closeErr).Msg("RabbitMQ connection closed, attempting to reconnect...")

		for {
			select {
			case <-p.closing:
				return
			case <-time.After(5 * time.Second):
			}

			newConn, channel, err := dialExchange(p.url, p.exchangeName)
			if err != nil {
				log.Error().Err(err).Msg("Failed to reconnect to RabbitMQ")
				continue
			}

			p.mu.Lock()
			p.conn = newConn
			p.channel = channel
			p.mu.Unlock()
			conn = newConn

			log.Info().Msg("Successfully reconnected to RabbitMQ")
			break
		}
	}
}

// Close closes the RabbitMQ connection
func (p *RabbitMQPublisher) Close() error {
	close(p.closing)

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.channel != nil {
		if err := p.channel.Close(); err != nil {
			log.Error().Err(err).Msg("Failed to close RabbitMQ channel")
		}
	}
	if p.conn != nil {
		if err := p.conn.Close(); err != nil {
			log.Error().Err(err).Msg("Failed to close RabbitMQ connection")
			return err
		}
	}
	log.Info().Msg("RabbitMQ publisher closed")
	return nil
}

// HealthCheck verifies the RabbitMQ connection
func (p *RabbitMQPublisher) HealthCheck(ctx context.Context) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.conn == nil || p.conn.IsClosed() {
		return fmt.Errorf("RabbitMQ connection is closed")
	}
	if p.channel == nil || p.channel.IsClosed() {
		return fmt.Errorf("RabbitMQ channel is closed")
	}
	return nil
}
