// Package fanout delivers item snapshots to every live subscriber of a
// wishlist.
package fanout

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"

	"github.com/Kerhoff/wishpool/internal/events"
	applog "github.com/Kerhoff/wishpool/pkg/logger"
)

// Publisher is anything that can broadcast a snapshot for a wishlist.
type Publisher interface {
	Publish(ctx context.Context, wishlistID uuid.UUID, snap events.Snapshot) error
}

// Stats are cumulative hub counters.
type Stats struct {
	Published   uint64
	Delivered   uint64
	Dropped     uint64
	Subscribers int64
}

type topic struct {
	// publishMu keeps publishes to one wishlist from interleaving, so every
	// subscriber sees them in the same order.
	publishMu sync.Mutex
	subs      map[Subscriber]struct{}
}

// Hub routes snapshots to subscribers grouped by wishlist. The zero value is
// not usable; create one with NewHub.
type Hub struct {
	mu          sync.RWMutex
	topics      map[uuid.UUID]*topic
	sendTimeout time.Duration
	logger      *logrus.Entry

	published   *atomic.Uint64
	delivered   *atomic.Uint64
	dropped     *atomic.Uint64
	subscribers *atomic.Int64
}

var _ Publisher = (*Hub)(nil)

// NewHub creates a hub that waits at most sendTimeout for each subscriber.
func NewHub(sendTimeout time.Duration, logger *logrus.Logger) *Hub {
	if sendTimeout <= 0 {
		sendTimeout = 250 * time.Millisecond
	}
	return &Hub{
		topics:      make(map[uuid.UUID]*topic),
		sendTimeout: sendTimeout,
		logger:      applog.Component(logger, "fanout_hub"),
		published:   atomic.NewUint64(0),
		delivered:   atomic.NewUint64(0),
		dropped:     atomic.NewUint64(0),
		subscribers: atomic.NewInt64(0),
	}
}

// Subscribe registers sub for wishlistID. Subscribing the same instance
// twice is a no-op.
func (h *Hub) Subscribe(wishlistID uuid.UUID, sub Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()

	t, ok := h.topics[wishlistID]
	if !ok {
		t = &topic{subs: make(map[Subscriber]struct{})}
		h.topics[wishlistID] = t
	}
	if _, dup := t.subs[sub]; dup {
		return
	}
	t.subs[sub] = struct{}{}
	h.subscribers.Inc()

	h.logger.WithField("wishlist_id", wishlistID).Debug("Subscriber joined")
}

// Unsubscribe removes sub from wishlistID. Empty wishlists are dropped.
func (h *Hub) Unsubscribe(wishlistID uuid.UUID, sub Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(wishlistID, sub)
}

func (h *Hub) removeLocked(wishlistID uuid.UUID, sub Subscriber) bool {
	t, ok := h.topics[wishlistID]
	if !ok {
		return false
	}
	if _, member := t.subs[sub]; !member {
		return false
	}
	delete(t.subs, sub)
	h.subscribers.Dec()
	if len(t.subs) == 0 {
		delete(h.topics, wishlistID)
	}
	return true
}

// Publish delivers snap to every subscriber of wishlistID. Each subscriber
// gets at most the hub's send timeout regardless of ctx cancellation;
// subscribers that fail are removed and closed. The returned error lists the failed deliveries and is meant for
// logging only.
func (h *Hub) Publish(ctx context.Context, wishlistID uuid.UUID, snap events.Snapshot) error {
	h.mu.RLock()
	t, ok := h.topics[wishlistID]
	h.mu.RUnlock()
	if !ok {
		return nil
	}

	t.publishMu.Lock()
	defer t.publishMu.Unlock()

	h.mu.RLock()
	subs := make([]Subscriber, 0, len(t.subs))
	for s := range t.subs {
		subs = append(subs, s)
	}
	h.mu.RUnlock()
	if len(subs) == 0 {
		return nil
	}
	h.published.Inc()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		dead []Subscriber
		errs *multierror.Error
	)
	for _, s := range subs {
		wg.Add(1)
		go func(s Subscriber) {
			defer wg.Done()
			// Only the subscriber's own backlog may fail a send.
			sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), h.sendTimeout)
			defer cancel()
			if err := s.Send(sctx, snap); err != nil {
				mu.Lock()
				dead = append(dead, s)
				errs = multierror.Append(errs, fmt.Errorf("deliver %s: %w", snap.Kind, err))
				mu.Unlock()
				return
			}
			h.delivered.Inc()
		}(s)
	}
	wg.Wait()

	if len(dead) > 0 {
		h.mu.Lock()
		for _, s := range dead {
			h.removeLocked(wishlistID, s)
		}
		h.mu.Unlock()
		for _, s := range dead {
			s.Close()
		}
		h.dropped.Add(uint64(len(dead)))
		h.logger.WithFields(logrus.Fields{
			"wishlist_id": wishlistID,
			"dropped":     len(dead),
			"remaining":   len(subs) - len(dead),
		}).Warn("Removed dead subscribers")
	}
	return errs.ErrorOrNil()
}

// SubscriberCount returns the number of live subscribers of wishlistID.
func (h *Hub) SubscriberCount(wishlistID uuid.UUID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if t, ok := h.topics[wishlistID]; ok {
		return len(t.subs)
	}
	return 0
}

// Stats returns a copy of the hub counters.
func (h *Hub) Stats() Stats {
	return Stats{
		Published:   h.published.Load(),
		Delivered:   h.delivered.Load(),
		Dropped:     h.dropped.Load(),
		Subscribers: h.subscribers.Load(),
	}
}

// Close closes every subscriber and forgets all wishlists.
func (h *Hub) Close() {
	h.mu.Lock()
	topics := h.topics
	h.topics = make(map[uuid.UUID]*topic)
	h.subscribers.Store(0)
	h.mu.Unlock()

	for _, t := range topics {
		for s := range t.subs {
			s.Close()
		}
	}
}
