package fanout

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/atomic"

	"github.com/Kerhoff/wishpool/internal/events"
)

var (
	// ErrSubscriberClosed is returned by Send after Close.
	ErrSubscriberClosed = errors.New("subscriber closed")
	// ErrSubscriberStalled is returned when a subscriber did not accept a
	// snapshot within the send deadline.
	ErrSubscriberStalled = errors.New("subscriber stalled")
)

// Subscriber is one live client connection watching a wishlist.
type Subscriber interface {
	// Send hands snap to the connection. It must return once ctx is done.
	Send(ctx context.Context, snap events.Snapshot) error
	// Close releases the connection. It may be called more than once.
	Close()
}

// ChannelSubscriber queues snapshots on a buffered channel drained by the
// connection handler. Snapshots are delivered in the order Send accepted them.
type ChannelSubscriber struct {
	ID uuid.UUID

	outbound  chan events.Snapshot
	done      chan struct{}
	closed    *atomic.Bool
	closeOnce sync.Once
}

var _ Subscriber = (*ChannelSubscriber)(nil)

// NewChannelSubscriber creates a subscriber with room for buffer snapshots.
func NewChannelSubscriber(buffer int) *ChannelSubscriber {
	if buffer < 1 {
		buffer = 1
	}
	return &ChannelSubscriber{
		ID:       uuid.New(),
		outbound: make(chan events.Snapshot, buffer),
		done:     make(chan struct{}),
		closed:   atomic.NewBool(false),
	}
}

func (s *ChannelSubscriber) Send(ctx context.Context, snap events.Snapshot) error {
	if s.closed.Load() {
		return ErrSubscriberClosed
	}
	select {
	case s.outbound <- snap:
		return nil
	default:
	}
	select {
	case s.outbound <- snap:
		return nil
	case <-s.done:
		return ErrSubscriberClosed
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrSubscriberStalled, ctx.Err())
	}
}

// Outbound is drained by the connection handler.
func (s *ChannelSubscriber) Outbound() <-chan events.Snapshot { return s.outbound }

// Done is closed when the subscriber is closed, by the hub or the handler.
func (s *ChannelSubscriber) Done() <-chan struct{} { return s.done }

// Close marks the subscriber dead. The outbound channel is left open so a
// concurrent Send can never panic.
func (s *ChannelSubscriber) Close() {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		close(s.done)
	})
}
