package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog/log"

	"github.com/echofind/echofind/internal/matching"
	"github.com/echofind/echofind/internal/models"
	"github.com/echofind/echofind/internal/storage"
)

// MatchingQueue receives item.created events for the match search
const MatchingQueue = "q.echofind.matching"

// ItemGetter loads a single item
type ItemGetter interface {
	GetItem(ctx context.Context, id string) (*models.Item, error)
}

// RabbitMQConsumer runs the match search for every item.created event.
// Deliveries are handled by a fixed number of workers and the subscription
// is re-established after the broker drops the channel or connection.
type RabbitMQConsumer struct {
	mu           sync.RWMutex
	conn         *amqp.Connection
	channel      *amqp.Channel
	url          string
	store        ItemGetter
	finder       *matching.Finder
	notifier     matching.Notifier
	exchangeName string
	workers      int
	jobTimeout   time.Duration
	retryDelay   time.Duration

	// subscribe (re)opens the queue subscription; swapped out in tests
	subscribe  func() (<-chan amqp.Delivery, error)
	subscribed atomic.Bool
	closing    chan struct{}
	closeOnce  sync.Once
	done       chan struct{}
}

var errConsumerClosed = errors.New("match consumer is closed")

// NewRabbitMQConsumer dials the broker; workers sets both the prefetch
// count and the number of concurrent handlers.
func NewRabbitMQConsumer(url, exchangeName string, store ItemGetter, finder *matching.Finder, notifier matching.Notifier, workers int, jobTimeout time.Duration) (*RabbitMQConsumer, error) {
	conn, channel, err := dialExchange(url, exchangeName)
	if err != nil {
		return nil, err
	}
	if workers < 1 {
		workers = 1
	}

	c := &RabbitMQConsumer{
		conn:         conn,
		channel:      channel,
		url:          url,
		store:        store,
		finder:       finder,
		notifier:     notifier,
		exchangeName: exchangeName,
		workers:      workers,
		jobTimeout:   jobTimeout,
		retryDelay:   5 * time.Second,
		closing:      make(chan struct{}),
	}
	c.subscribe = c.connect
	return c, nil
}

func (c *RabbitMQConsumer) Start() error {
	msgs, err := c.subscribe()
	if err != nil {
		return err
	}
	c.subscribed.Store(true)

	c.done = make(chan struct{})
	go c.run(msgs)

	log.Info().Str("queue", MatchingQueue).Int("workers", c.workers).Msg("Match consumer started")
	return nil
}

// connect redials if needed, then declares, binds and consumes the queue
func (c *RabbitMQConsumer) connect() (<-chan amqp.Delivery, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	select {
	case <-c.closing:
		return nil, errConsumerClosed
	default:
	}

	if c.conn == nil || c.conn.IsClosed() {
		conn, channel, err := dialExchange(c.url, c.exchangeName)
		if err != nil {
			return nil, err
		}
		c.conn, c.channel = conn, channel
	} else if c.channel == nil || c.channel.IsClosed() {
		channel, err := c.conn.Channel()
		if err != nil {
			return nil, fmt.Errorf("failed to open channel: %w", err)
		}
		c.channel = channel
	}

	q, err := c.channel.QueueDeclare(
		MatchingQueue, // name
		true,          // durable
		false,         // delete when unused
		false,         // exclusive
		false,         // no-wait
		nil,           // arguments
	)
	if err != nil {
		return nil, fmt.Errorf("failed to declare queue: %w", err)
	}

	if err := c.channel.QueueBind(q.Name, RoutingItemCreated, c.exchangeName, false, nil); err != nil {
		return nil, fmt.Errorf("failed to bind queue to %s: %w", RoutingItemCreated, err)
	}

	if err := c.channel.Qos(c.workers, 0, false); err != nil {
		return nil, fmt.Errorf("failed to set prefetch: %w", err)
	}

	msgs, err := c.channel.Consume(
		q.Name, // queue
		"",     // consumer tag
		false,  // auto-ack
		false,  // exclusive
		false,  // no-local
		false,  // no-wait
		nil,    // args
	)
	if err != nil {
		return nil, fmt.Errorf("failed to start consuming: %w", err)
	}
	return msgs, nil
}

func (c *RabbitMQConsumer) run(msgs <-chan amqp.Delivery) {
	defer close(c.done)
	for {
		c.consume(msgs)
		c.subscribed.Store(false)

		select {
		case <-c.closing:
			log.Info().Msg("Match consumer stopped")
			return
		default:
		}

		log.Error().Msg("Match consumer lost its subscription, attempting to resubscribe...")
		var ok bool
		if msgs, ok = c.resubscribe(); !ok {
			log.Info().Msg("Match consumer stopped")
			return
		}
	}
}

// consume fans msgs out to the workers until it closes or Close is called
func (c *RabbitMQConsumer) consume(msgs <-chan amqp.Delivery) {
	var wg sync.WaitGroup
	for i := 0; i < c.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-c.closing:
					return
				case d, ok := <-msgs:
					if !ok {
						return
					}
					c.handle(d)
				}
			}
		}()
	}
	wg.Wait()
}

func (c *RabbitMQConsumer) resubscribe() (<-chan amqp.Delivery, bool) {
	for {
		select {
		case <-c.closing:
			return nil, false
		case <-time.After(c.retryDelay):
		}

		msgs, err := c.subscribe()
		if errors.Is(err, errConsumerClosed) {
			return nil, false
		}
		if err != nil {
			log.Error().Err(err).Msg("Failed to resubscribe match consumer")
			continue
		}

		c.subscribed.Store(true)
		log.Info().Str("queue", MatchingQueue).Msg("Match consumer resubscribed")
		return msgs, true
	}
}

// handle runs one delivery. Malformed messages are dropped, deleted items
// are acked, and store failures are requeued.
func (c *RabbitMQConsumer) handle(d amqp.Delivery) {
	var event models.ItemCreatedEvent
	if err := json.Unmarshal(d.Body, &event); err != nil {
		log.Error().Err(err).Str("routing_key", d.RoutingKey).Msg("Failed to unmarshal item.created message")
		d.Nack(false, false)
		return
	}
	if event.ID == "" {
		log.Warn().Msg("item.created message missing id")
		d.Nack(false, false)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.jobTimeout)
	defer cancel()

	item, err := c.store.GetItem(ctx, event.ID)
	if errors.Is(err, storage.ErrNotFound) {
		log.Warn().Str("id", event.ID).Msg("Item deleted before matching, skipping")
		d.Ack(false)
		return
	}
	if err != nil {
		log.Error().Err(err).Str("id", event.ID).Msg("Failed to load item for matching")
		d.Nack(false, true)
		return
	}

	matching.Run(ctx, c.finder, c.notifier, item)
	d.Ack(false)
}

// Close stops the workers, waits for in-flight deliveries and disconnects.
// Unacked prefetched deliveries go back to the queue.
func (c *RabbitMQConsumer) Close() {
	c.closeOnce.Do(func() { close(c.closing) })

	if c.done != nil {
		select {
		case <-c.done:
		case <-time.After(c.jobTimeout):
			log.Warn().Msg("Match consumer did not stop in time")
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.channel != nil {
		c.channel.Close()
	}
	if c.conn != nil {
		c.conn.Close()
	}
}

// HealthCheck reports whether the consumer currently holds a live subscription
func (c *RabbitMQConsumer) HealthCheck(ctx context.Context) error {
	if !c.subscribed.Load() {
		return fmt.Errorf("match consumer is not subscribed to %s", MatchingQueue)
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.conn != nil && c.conn.IsClosed() {
		return fmt.Errorf("match consumer connection is closed")
	}
	if c.channel != nil && c.channel.IsClosed() {
		return fmt.Errorf("match consumer channel is closed")
	}
	return nil
}
