package bus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	applog "github.com/Kerhoff/wishpool/pkg/logger"
)

// DefaultNATSBuffer is the pending-message queue of the forwarder
// subscription when none is configured.
const DefaultNATSBuffer = 256

type natsBus struct {
	logger  *logrus.Entry
	nc      *nats.Conn
	subject string
	buffer  int
}

// NewNATSBus publishes envelopes on a NATS subject. buffer bounds the
// messages queued for the forwarder; beyond it the server marks the
// subscription a slow consumer and drops, which is logged.
func NewNATSBus(nc *nats.Conn, subject string, buffer int, logger *logrus.Logger) Bus {
	if buffer <= 0 {
		buffer = DefaultNATSBuffer
	}
	return &natsBus{
		logger:  applog.Component(logger, "nats_bus"),
		nc:      nc,
		subject: subject,
		buffer:  buffer,
	}
}

func (b *natsBus) Publish(ctx context.Context, env Envelope) error {
	raw, err := encode(env)
	if err != nil {
		return err
	}
	if err := b.nc.Publish(b.subject, raw); err != nil {
		return fmt.Errorf("nats publish: %w", err)
	}
	return nil
}

func (b *natsBus) StartForwarder(ctx context.Context, onMsg func(env Envelope)) error {
	if onMsg == nil {
		return fmt.Errorf("onMsg callback required")
	}

	// A channel subscription keeps delivery on a single goroutine, in order.
	msgs := make(chan *nats.Msg, b.buffer)
	b.nc.SetErrorHandler(b.onAsyncError)
	sub, err := b.nc.ChanSubscribe(b.subject, msgs)
	if err != nil {
		return fmt.Errorf("nats subscribe: %w", err)
	}
	if err := b.nc.FlushTimeout(5 * time.Second); err != nil {
		_ = sub.Unsubscribe()
		return fmt.Errorf("nats flush: %w", err)
	}

	go func() {
		defer sub.Unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case m := <-msgs:
				env, err := decode(m.Data)
				if err != nil {
					b.logger.WithError(err).Warn("Bad payload on snapshot subject")
					continue
				}
				onMsg(env)
			}
		}
	}()
	return nil
}

// onAsyncError reports errors NATS raises outside any call, most notably
// slow-consumer drops on the forwarder subscription.
func (b *natsBus) onAsyncError(_ *nats.Conn, sub *nats.Subscription, err error) {
	log := b.logger.WithField("subject", b.subject)
	if sub != nil {
		if dropped, derr := sub.Dropped(); derr == nil {
			log = log.WithField("dropped", dropped)
		}
	}
	if errors.Is(err, nats.ErrSlowConsumer) {
		log.Warn("Slow consumer, snapshots dropped before reaching local subscribers")
		return
	}
	log.WithError(err).Error("NATS async error")
}

// Close drains pending messages and closes the connection.
func (b *natsBus) Close() error {
	return b.nc.Drain()
}
