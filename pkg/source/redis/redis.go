// Package redis keeps presence heartbeats and per-subscriber message history
// in Redis and streams changes over pub/sub.
package redis

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"chatroster/pkg/source"
)

const (
	DefaultPrefix       = "chatroster"
	DefaultPresenceTTL  = 90 * time.Second
	defaultStreamBuffer = 256
)

// Store handles Redis operations for the presence and history feeds.
type Store struct {
	client      *redis.Client
	prefix      string
	presenceTTL time.Duration
	buffer      int
	now         func() time.Time
	log         *slog.Logger
}

// Option customizes a Store.
type Option func(*Store)

// WithPrefix sets the key prefix.
func WithPrefix(prefix string) Option {
	return func(s *Store) {
		if prefix != "" {
			s.prefix = prefix
		}
	}
}

// WithPresenceTTL sets how long a heartbeat keeps a correspondent online.
func WithPresenceTTL(ttl time.Duration) Option {
	return func(s *Store) {
		if ttl > 0 {
			s.presenceTTL = ttl
		}
	}
}

// WithClock overrides the heartbeat clock.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLogger sets the store logger.
func WithLogger(log *slog.Logger) Option {
	return func(s *Store) {
		if log != nil {
			s.log = log
		}
	}
}

// Open connects to redisURL and verifies the connection.
func Open(ctx context.Context, redisURL string, opts ...Option) (*Store, error) {
	options, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, source.NewError(source.ErrorInvalidConfig, err.Error())
	}

	client := redis.NewClient(options)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, source.NewError(source.ErrorIO, err.Error())
	}

	return New(client, opts...), nil
}

// New wraps an existing client.
func New(client *redis.Client, opts ...Option) *Store {
	s := &Store{
		client:      client,
		prefix:      DefaultPrefix,
		presenceTTL: DefaultPresenceTTL,
		buffer:      defaultStreamBuffer,
		now:         func() time.Time { return time.Now().UTC() },
		log:         slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With("component", "source.redis")
	return s
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}

// Ping checks the Redis connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *Store) presenceKey() string {
	return fmt.Sprintf("%s:presence", s.prefix)
}

func (s *Store) presenceChannel() string {
	return fmt.Sprintf("%s:presence:events", s.prefix)
}

func (s *Store) historyKey(subscriberID string) string {
	return fmt.Sprintf("%s:history:%s", s.prefix, subscriberID)
}

func (s *Store) messageChannel(subscriberID string) string {
	return fmt.Sprintf("%s:messages:%s", s.prefix, subscriberID)
}

// subscribe opens a pub/sub subscription and waits for the server to confirm
// it, so nothing published afterwards is missed.
func (s *Store) subscribe(ctx context.Context, channel string) (*redis.PubSub, error) {
	pubsub := s.client.Subscribe(ctx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, source.NewError(source.ErrorSourceDisconnected, err.Error())
	}
	return pubsub, nil
}

func score(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}
