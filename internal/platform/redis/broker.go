package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// Config holds Redis connection configuration.
type Config struct {
	// URL is a redis:// or rediss:// connection string.
	URL string

	// DialTimeout bounds the initial connection and each reconnect.
	DialTimeout time.Duration

	// SubscriptionBuffer is the per-subscription channel size.
	SubscriptionBuffer int
}

// DefaultConfig returns configuration with local defaults.
func DefaultConfig() Config {
	return Config{
		URL:                "redis://localhost:6379/0",
		DialTimeout:        5 * time.Second,
		SubscriptionBuffer: 64,
	}
}

// Broker is the process's handle on the worker backend.
type Broker struct {
	client *goredis.Client
	config Config
	logger *slog.Logger
}

// Connect parses the URL, dials and pings the server.
func Connect(ctx context.Context, cfg Config, logger *slog.Logger) (*Broker, error) {
	if cfg.URL == "" {
		cfg.URL = DefaultConfig().URL
	}
	opts, err := goredis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if cfg.DialTimeout > 0 {
		opts.DialTimeout = cfg.DialTimeout
	}

	client := goredis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewBroker(client, cfg, logger), nil
}

// NewBroker wraps an existing client.
func NewBroker(client *goredis.Client, cfg Config, logger *slog.Logger) *Broker {
	if cfg.SubscriptionBuffer <= 0 {
		cfg.SubscriptionBuffer = DefaultConfig().SubscriptionBuffer
	}
	return &Broker{
		client: client,
		config: cfg,
		logger: logger.With("component", "redis_broker"),
	}
}

// Push appends payload to the tail of a durable list.
func (b *Broker) Push(ctx context.Context, list string, payload []byte) error {
	if err := b.client.RPush(ctx, list, payload).Err(); err != nil {
		return fmt.Errorf("rpush %s: %w", list, err)
	}
	return nil
}

// Remove deletes one occurrence of payload from a list. It reports
// whether an entry was removed.
func (b *Broker) Remove(ctx context.Context, list string, payload []byte) (bool, error) {
	n, err := b.client.LRem(ctx, list, 1, payload).Result()
	if err != nil {
		return false, fmt.Errorf("lrem %s: %w", list, err)
	}
	return n > 0, nil
}

// Publish sends payload to every current subscriber of channel.
func (b *Broker) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := b.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", channel, err)
	}
	return nil
}

// TakeSlot reads and deletes a response slot in one atomic step, so a
// slot is handed to at most one caller. ok is false when the slot is empty.
func (b *Broker) TakeSlot(ctx context.Context, key string) (payload []byte, ok bool, err error) {
	payload, err = b.client.GetDel(ctx, key).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("getdel %s: %w", key, err)
	}
	return payload, true, nil
}

// RestoreSlot puts a taken payload back unless the worker has already
// written a newer one. It reports whether the payload was restored.
func (b *Broker) RestoreSlot(ctx context.Context, key string, payload []byte) (bool, error) {
	ok, err := b.client.SetNX(ctx, key, payload, 0).Result()
	if err != nil {
		return false, fmt.Errorf("setnx %s: %w", key, err)
	}
	return ok, nil
}

// Message is one payload received on a subscribed channel.
type Message struct {
	Channel string
	Payload []byte
}

// Subscription delivers messages for a set of channels until closed.
type Subscription struct {
	pubsub *goredis.PubSub
	ch     chan Message
	done   chan struct{}
}

// Subscribe joins the given channels. The subscription is confirmed by
// the server before Subscribe returns. Messages that arrive while the
// buffer is full are dropped and logged.
func (b *Broker) Subscribe(ctx context.Context, channels ...string) (*Subscription, error) {
	pubsub := b.client.Subscribe(ctx, channels...)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe %v: %w", channels, err)
	}

	sub := &Subscription{
		pubsub: pubsub,
		ch:     make(chan Message, b.config.SubscriptionBuffer),
		done:   make(chan struct{}),
	}

	go func() {
		defer close(sub.ch)
		in := pubsub.Channel()
		for {
			select {
			case <-sub.done:
				return
			case m, ok := <-in:
				if !ok {
					return
				}
				select {
				case sub.ch <- Message{Channel: m.Channel, Payload: []byte(m.Payload)}:
				default:
					b.logger.Warn("subscription buffer full, dropping message", "channel", m.Channel)
				}
			}
		}
	}()

	return sub, nil
}

// Messages returns the delivery channel. It is closed after Close.
func (s *Subscription) Messages() <-chan Message {
	return s.ch
}

// Close leaves all channels.
func (s *Subscription) Close() error {
	select {
	case <-s.done:
		return nil
	default:
		close(s.done)
	}
	return s.pubsub.Close()
}

// Ping checks that the server is reachable.
func (b *Broker) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

// Close releases the connection pool.
func (b *Broker) Close() error {
	return b.client.Close()
}
