// Package redact builds the presentation views of reservations. Owner-facing
// payloads, including everything broadcast to live subscribers, must be
// produced here; OwnerReservation has no field that could carry a
// contributor identity.
package redact

import (
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/Kerhoff/wishpool/internal/models"
)

// OwnerReservation is the view shown to the wishlist owner and broadcast to
// every subscriber.
type OwnerReservation struct {
	ID                uuid.UUID       `json:"id"`
	ItemID            uuid.UUID       `json:"item_id"`
	Amount            decimal.Decimal `json:"amount"`
	IsFullReservation bool            `json:"is_full_reservation"`
	CreatedAt         time.Time       `json:"created_at"`
}

// ContributorReservation is returned only to the caller who just created the
// reservation.
type ContributorReservation struct {
	OwnerReservation
	GuestName string `json:"guest_name,omitempty"`
}

// ItemAggregate is the reservation state of one item.
type ItemAggregate struct {
	ReservedTotal decimal.Decimal    `json:"reserved_total"`
	Reservations  []OwnerReservation `json:"reservations"`
}

// ForOwner strips the contributor identity.
func ForOwner(r *models.Reservation) OwnerReservation {
	return OwnerReservation{
		ID:                r.ID,
		ItemID:            r.ItemID,
		Amount:            r.Amount,
		IsFullReservation: r.IsFullReservation,
		CreatedAt:         r.CreatedAt,
	}
}

// ForOwnerList applies ForOwner to each reservation, ordered by creation.
func ForOwnerList(rs []*models.Reservation) []OwnerReservation {
	out := make([]OwnerReservation, 0, len(rs))
	for _, r := range rs {
		out = append(out, ForOwner(r))
	}
	sortByCreated(out)
	return out
}

// ForContributor is the owner view plus the guest name, but only when caller
// is the contributor who made the reservation.
func ForContributor(r *models.Reservation, caller models.Identity) ContributorReservation {
	view := ContributorReservation{OwnerReservation: ForOwner(r)}
	if caller.Same(r.Contributor()) {
		view.GuestName = r.GuestName
	}
	return view
}

// AggregateItem totals the reservations of a single item.
func AggregateItem(rs []*models.Reservation) ItemAggregate {
	agg := ItemAggregate{ReservedTotal: decimal.Zero, Reservations: ForOwnerList(rs)}
	for _, r := range agg.Reservations {
		agg.ReservedTotal = agg.ReservedTotal.Add(r.Amount)
	}
	return agg
}

// Aggregate groups reservations by item. Every id in itemIDs gets an entry,
// even with no reservations; reservations of other items are ignored.
func Aggregate(itemIDs []uuid.UUID, rs []*models.Reservation) map[uuid.UUID]ItemAggregate {
	byItem := make(map[uuid.UUID][]*models.Reservation, len(itemIDs))
	for _, id := range itemIDs {
		byItem[id] = nil
	}
	for _, r := range rs {
		if _, ok := byItem[r.ItemID]; ok {
			byItem[r.ItemID] = append(byItem[r.ItemID], r)
		}
	}

	out := make(map[uuid.UUID]ItemAggregate, len(byItem))
	for id, list := range byItem {
		out[id] = AggregateItem(list)
	}
	return out
}

func sortByCreated(rs []OwnerReservation) {
	sort.SliceStable(rs, func(i, j int) bool {
		return rs[i].CreatedAt.Before(rs[j].CreatedAt)
	})
}
