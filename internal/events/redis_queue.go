package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// RedisQueueConfig configures the Redis-backed lifecycle event queue.
type RedisQueueConfig struct {
	Addr         string
	Addrs        []string
	Username     string
	Password     string
	Channel      string
	MasterName   string
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	Buffer       int
	Logger       *slog.Logger
}

// NewRedisQueue initialises a queue backed by Redis pub/sub so lifecycle
// events reach subscribers on every API replica. The caller is responsible for
// ensuring the Redis instance is reachable.
func NewRedisQueue(cfg RedisQueueConfig) (*RedisQueue, error) {
	addrs := make([]string, 0, len(cfg.Addrs)+1)
	for _, addr := range cfg.Addrs {
		if trimmed := strings.TrimSpace(addr); trimmed != "" {
			addrs = append(addrs, trimmed)
		}
	}
	if addr := strings.TrimSpace(cfg.Addr); addr != "" {
		addrs = append(addrs, addr)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("redis addr is required")
	}
	channel := strings.TrimSpace(cfg.Channel)
	if channel == "" {
		channel = "playshelf:sessions"
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 128
	}
	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:        addrs,
		MasterName:   strings.TrimSpace(cfg.MasterName),
		Username:     strings.TrimSpace(cfg.Username),
		Password:     cfg.Password,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		MaxRetries:   2,
	})
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisQueue{
		client:  client,
		channel: channel,
		buffer:  cfg.Buffer,
		logger:  logger,
	}, nil
}

// RedisQueue is the Queue implementation over Redis pub/sub. Callers own its
// lifecycle and close it on shutdown.
type RedisQueue struct {
	client  redis.UniversalClient
	channel string
	buffer  int
	logger  *slog.Logger
}

func (q *RedisQueue) Publish(ctx context.Context, event Event) error {
	if event.Type == "" {
		return errors.New("event type is required")
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return q.client.Publish(ctx, q.channel, payload).Err()
}

func (q *RedisQueue) Subscribe() Subscription {
	ctx, cancel := context.WithCancel(context.Background())
	pubsub := q.client.Subscribe(ctx, q.channel)
	sub := &redisSubscription{
		queue:  q,
		pubsub: pubsub,
		cancel: cancel,
		ch:     make(chan Event, q.buffer),
	}
	go sub.run(ctx)
	return sub
}

// Ping verifies the Redis connection for health checks.
func (q *RedisQueue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

// Close releases the underlying Redis client.
func (q *RedisQueue) Close() error {
	return q.client.Close()
}

type redisSubscription struct {
	queue  *RedisQueue
	pubsub *redis.PubSub
	cancel context.CancelFunc

	once sync.Once
	ch   chan Event
}

func (s *redisSubscription) Events() <-chan Event {
	return s.ch
}

func (s *redisSubscription) Close() {
	s.once.Do(func() {
		s.cancel()
		_ = s.pubsub.Close()
	})
}

// run is the only goroutine that closes the event channel, so Close can be
// called concurrently with delivery without racing a send against the close.
func (s *redisSubscription) run(ctx context.Context) {
	defer close(s.ch)
	defer s.Close()
	messages := s.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-messages:
			if !ok {
				return
			}
			var event Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				s.queue.logger.Error("redis event decode failed", "error", err)
				continue
			}
			select {
			case s.ch <- event:
			case <-ctx.Done():
				return
			default:
				s.queue.logger.Warn("dropping lifecycle event for slow subscriber", "type", event.Type)
			}
		}
	}
}
