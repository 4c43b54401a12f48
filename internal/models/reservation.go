package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Identity is the optional contributor identity attached to a reservation.
// Either field may be empty; when both are empty the contribution is
// anonymous. The ledger stores it as-is and never inspects it.
type Identity struct {
	UserID    *uuid.UUID
	GuestName string
}

// IsZero reports whether no identity was supplied.
func (i Identity) IsZero() bool {
	return i.UserID == nil && i.GuestName == ""
}

// Same reports whether two identities refer to the same contributor.
// Authenticated identities compare by user id; guests by name.
func (i Identity) Same(other Identity) bool {
	if i.UserID != nil || other.UserID != nil {
		return i.UserID != nil && other.UserID != nil && *i.UserID == *other.UserID
	}
	return i.GuestName != "" && i.GuestName == other.GuestName
}

// Reservation is a committed claim, full or partial, against an item's
// price. Identity fields are excluded from JSON; presentation goes through
// the redact package.
type Reservation struct {
	ID                uuid.UUID       `json:"id" db:"id"`
	ItemID            uuid.UUID       `json:"item_id" db:"item_id"`
	UserID            *uuid.UUID      `json:"-" db:"user_id"`
	GuestName         string          `json:"-" db:"guest_name"`
	Amount            decimal.Decimal `json:"amount" db:"amount"`
	IsFullReservation bool            `json:"is_full_reservation" db:"is_full_reservation"`
	CreatedAt         time.Time       `json:"created_at" db:"created_at"`
}

// Contributor returns the identity recorded on the reservation.
func (r *Reservation) Contributor() Identity {
	return Identity{UserID: r.UserID, GuestName: r.GuestName}
}

// ItemTally is the reservation state of one item read inside a ledger
// transaction.
type ItemTally struct {
	Total   decimal.Decimal
	HasFull bool
}
