package bus

import (
	"context"
	"fmt"

	goredis "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	applog "github.com/Kerhoff/wishpool/pkg/logger"
)

type redisBus struct {
	logger  *logrus.Entry
	rdb     goredis.UniversalClient
	channel string
}

// NewRedisBus publishes envelopes on a Redis pub/sub channel. The client is
// owned by the caller.
func NewRedisBus(rdb goredis.UniversalClient, channel string, logger *logrus.Logger) Bus {
	return &redisBus{
		logger:  applog.Component(logger, "redis_bus"),
		rdb:     rdb,
		channel: channel,
	}
}

func (b *redisBus) Publish(ctx context.Context, env Envelope) error {
	raw, err := encode(env)
	if err != nil {
		return err
	}
	if err := b.rdb.Publish(ctx, b.channel, raw).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

func (b *redisBus) StartForwarder(ctx context.Context, onMsg func(env Envelope)) error {
	if onMsg == nil {
		return fmt.Errorf("onMsg callback required")
	}

	sub := b.rdb.Subscribe(ctx, b.channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("redis subscribe: %w", err)
	}

	go func() {
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-ch:
				if !ok || m == nil {
					return
				}
				env, err := decode([]byte(m.Payload))
				if err != nil {
					b.logger.WithError(err).Warn("Bad payload on snapshot channel")
					continue
				}
				onMsg(env)
			}
		}
	}()
	return nil
}

// Close is a no-op; the Redis client is shared and closed by its owner.
func (b *redisBus) Close() error { return nil }
