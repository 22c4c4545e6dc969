package notify

import (
	"context"
	"log/slog"
	"time"

	"callbridge/internal/calls"

	"github.com/redis/go-redis/v9"
)

// DefaultChannel is the Redis pub/sub channel lifecycle events are published on.
const DefaultChannel = "calls:lifecycle"

// RedisClient is the subset of go-redis used for publishing. *redis.Client satisfies it.
type RedisClient interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// RedisPublisher forwards lifecycle events to other processes (agent teardown,
// dashboards) over Redis pub/sub. Delivery is best-effort.
type RedisPublisher struct {
	rdb     RedisClient
	channel string
	timeout time.Duration
	log     *slog.Logger
}

func NewRedisPublisher(rdb RedisClient, channel string, log *slog.Logger) *RedisPublisher {
	if channel == "" {
		channel = DefaultChannel
	}
	if log == nil {
		log = slog.Default()
	}
	return &RedisPublisher{rdb: rdb, channel: channel, timeout: 2 * time.Second, log: log}
}

// Handle is a Hub Subscriber.
func (p *RedisPublisher) Handle(ctx context.Context, ev calls.LifecycleEvent) {
	payload, err := encode(ev)
	if err != nil {
		p.log.Error("lifecycle event encode failed", "err", err)
		return
	}

	// The event outlives the request that ended the call.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.timeout)
	defer cancel()

	receivers, err := p.rdb.Publish(ctx, p.channel, payload).Result()
	if err != nil {
		p.log.Warn("lifecycle event publish failed", "err", err, "channel", p.channel, "conversation_id", ev.ConversationID)
		return
	}
	p.log.Debug("lifecycle event published", "channel", p.channel, "receivers", receivers)
}
