package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"equity-backtest/services/events"
)

type publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *goredis.IntCmd
}

// RedisPublisher publishes JSON envelopes to <prefix>:<run_id>.
type RedisPublisher struct {
	client publisher
	closer func() error
	prefix string
	logger *zap.Logger
}

// NewRedisPublisher connects and pings the server.
func NewRedisPublisher(addr, prefix string, logger *zap.Logger) (*RedisPublisher, error) {
	client := goredis.NewClient(&goredis.Options{Addr: addr})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Info("redis publisher connected", zap.String("addr", addr))
	return &RedisPublisher{client: client, closer: client.Close, prefix: prefix, logger: logger}, nil
}

// Channel is the channel runID's events are published on.
func (p *RedisPublisher) Channel(runID string) string {
	if p.prefix == "" {
		return runID
	}
	return p.prefix + ":" + runID
}

// ForRun returns a listener publishing runID's events. Publish errors are
// logged and the event is dropped.
func (p *RedisPublisher) ForRun(runID string) events.Listener {
	channel := p.Channel(runID)
	return events.ListenerFunc(func(e events.Event) {
		payload, err := json.Marshal(events.Wrap(runID, e))
		if err != nil {
			p.logger.Error("event not encodable", zap.Error(err))
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := p.client.Publish(ctx, channel, payload).Err(); err != nil {
			p.logger.Warn("redis publish failed", zap.String("channel", channel), zap.Error(err))
		}
	})
}

func (p *RedisPublisher) Close() error {
	if p.closer == nil {
		return nil
	}
	return p.closer()
}
