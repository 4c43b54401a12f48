// Package events composes the snapshots handed to the fanout hub.
package events

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/Kerhoff/wishpool/internal/redact"
	"github.com/Kerhoff/wishpool/internal/repository"
)

// Kind names what changed.
type Kind string

const (
	ItemReserved      Kind = "item_reserved"
	ContributionAdded Kind = "contribution_added"
	ItemCreated       Kind = "item_created"
	ItemUpdated       Kind = "item_updated"
	ItemDeleted       Kind = "item_deleted"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case ItemReserved, ContributionAdded, ItemCreated, ItemUpdated, ItemDeleted:
		return true
	}
	return false
}

// ReservationKind picks the event kind for a committed reservation.
func ReservationKind(isFull bool) Kind {
	if isFull {
		return ItemReserved
	}
	return ContributionAdded
}

// Snapshot is the redacted state of one item at a point in time. It is the
// only payload ever broadcast.
type Snapshot struct {
	Kind          Kind                      `json:"type"`
	ItemID        uuid.UUID                 `json:"item_id"`
	ReservedTotal decimal.Decimal           `json:"reserved_total"`
	Reservations  []redact.OwnerReservation `json:"reservations"`
}

// Builder reads current reservation state for snapshots.
type Builder struct {
	reservations repository.ReservationRepository
}

// NewBuilder creates a Builder.
func NewBuilder(reservations repository.ReservationRepository) *Builder {
	return &Builder{reservations: reservations}
}

// Build returns the snapshot of itemID for kind. A deleted item has no
// reservations left to read and yields an empty snapshot.
func (b *Builder) Build(ctx context.Context, kind Kind, itemID uuid.UUID) (Snapshot, error) {
	if !kind.Valid() {
		return Snapshot{}, fmt.Errorf("unknown event kind %q", kind)
	}
	snap := Snapshot{
		Kind:          kind,
		ItemID:        itemID,
		ReservedTotal: decimal.Zero,
		Reservations:  []redact.OwnerReservation{},
	}
	if kind == ItemDeleted {
		return snap, nil
	}

	rs, err := b.reservations.ListByItem(ctx, itemID)
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to list reservations for snapshot: %w", err)
	}
	agg := redact.AggregateItem(rs)
	snap.ReservedTotal = agg.ReservedTotal
	snap.Reservations = agg.Reservations
	return snap, nil
}
