package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// DefaultRedisChannel is the pub/sub channel stream lists are published on.
const DefaultRedisChannel = "seechange:streams"

// RedisPublisherConfig configures a RedisPublisher.
type RedisPublisherConfig struct {
	Addr     string
	Username string
	Password string
	Channel  string
	Logger   *slog.Logger
	Timeout  time.Duration
}

// streamListMessage is the JSON document published for every snapshot.
type streamListMessage struct {
	Streams     []string  `json:"streams"`
	PublishedAt time.Time `json:"publishedAt"`
}

// RedisPublisher mirrors registry snapshots onto a Redis pub/sub channel so
// other instances and dashboards can follow live streams.
type RedisPublisher struct {
	client  redis.UniversalClient
	channel string
	logger  *slog.Logger
	timeout time.Duration
	latest  *LatestWatcher
}

// NewRedisPublisher connects to Redis. The caller must run Run to start publishing.
func NewRedisPublisher(cfg RedisPublisherConfig) (*RedisPublisher, error) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, fmt.Errorf("redis addr is required")
	}
	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:      []string{addr},
		Username:   strings.TrimSpace(cfg.Username),
		Password:   cfg.Password,
		MaxRetries: 2,
	})
	return newRedisPublisher(client, cfg), nil
}

func newRedisPublisher(client redis.UniversalClient, cfg RedisPublisherConfig) *RedisPublisher {
	channel := strings.TrimSpace(cfg.Channel)
	if channel == "" {
		channel = DefaultRedisChannel
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &RedisPublisher{
		client:  client,
		channel: channel,
		logger:  logger,
		timeout: timeout,
		latest:  NewLatestWatcher(),
	}
}

// StreamListChanged implements Watcher. It never blocks on Redis.
func (p *RedisPublisher) StreamListChanged(names []string) {
	p.latest.StreamListChanged(names)
}

// Run publishes snapshots until ctx is cancelled.
func (p *RedisPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case names := <-p.latest.C():
			if err := p.publish(ctx, names); err != nil {
				p.logger.Warn("publish stream list failed",
					slog.String("channel", p.channel),
					slog.String("error", err.Error()))
			}
		}
	}
}

func (p *RedisPublisher) publish(ctx context.Context, names []string) error {
	payload, err := json.Marshal(streamListMessage{Streams: names, PublishedAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("marshal stream list: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	return p.client.Publish(ctx, p.channel, payload).Err()
}

// Ping checks connectivity.
func (p *RedisPublisher) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

// Close releases the Redis client.
func (p *RedisPublisher) Close() error {
	return p.client.Close()
}
