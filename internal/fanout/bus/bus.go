// Package bus relays snapshots between wishpool instances so a subscriber
// connected to any instance sees commits made on every instance.
package bus

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"

	"github.com/Kerhoff/wishpool/internal/events"
	"github.com/Kerhoff/wishpool/internal/fanout"
	applog "github.com/Kerhoff/wishpool/pkg/logger"
)

// Envelope is the wire form of one broadcast.
type Envelope struct {
	WishlistID uuid.UUID       `json:"wishlist_id"`
	Snapshot   events.Snapshot `json:"snapshot"`
}

// Bus carries envelopes between instances.
type Bus interface {
	Publish(ctx context.Context, env Envelope) error
	// StartForwarder subscribes and calls onMsg for every envelope, in
	// arrival order, until ctx is done. It returns once the subscription
	// is active.
	StartForwarder(ctx context.Context, onMsg func(env Envelope)) error
	Close() error
}

func encode(env Envelope) ([]byte, error) {
	raw, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("failed to encode envelope: %w", err)
	}
	return raw, nil
}

func decode(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("failed to decode envelope: %w", err)
	}
	return env, nil
}

// Relay is a fanout.Publisher that sends every snapshot through the bus; the
// forwarder started by Start feeds the local hub, including our own messages.
type Relay struct {
	bus    Bus
	hub    *fanout.Hub
	logger *logrus.Entry
}

var _ fanout.Publisher = (*Relay)(nil)

// NewRelay wires bus to hub.
func NewRelay(b Bus, hub *fanout.Hub, logger *logrus.Logger) *Relay {
	return &Relay{bus: b, hub: hub, logger: applog.Component(logger, "fanout_relay")}
}

// Start subscribes to the bus and delivers incoming envelopes to the hub.
func (r *Relay) Start(ctx context.Context) error {
	return r.bus.StartForwarder(ctx, func(env Envelope) {
		if err := r.hub.Publish(ctx, env.WishlistID, env.Snapshot); err != nil {
			r.logger.WithError(err).WithField("wishlist_id", env.WishlistID).Warn("Partial delivery of relayed snapshot")
		}
	})
}

func (r *Relay) Publish(ctx context.Context, wishlistID uuid.UUID, snap events.Snapshot) error {
	return r.bus.Publish(ctx, Envelope{WishlistID: wishlistID, Snapshot: snap})
}

// Close stops the bus and closes all local subscribers.
func (r *Relay) Close() error {
	var errs *multierror.Error
	if err := r.bus.Close(); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("close bus: %w", err))
	}
	r.hub.Close()
	return errs.ErrorOrNil()
}
