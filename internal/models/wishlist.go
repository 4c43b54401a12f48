package models

import (
	"time"

	"github.com/google/uuid"
)

// Wishlist is a published list of desired items. Anyone holding the public
// slug can read it; only the owner can change it.
type Wishlist struct {
	ID           uuid.UUID  `json:"id" db:"id"`
	OwnerID      uuid.UUID  `json:"owner_id" db:"owner_id"`
	Title        string     `json:"title" db:"title"`
	Description  string     `json:"description" db:"description"`
	PublicSlug   string     `json:"public_slug" db:"public_slug"`
	Deadline     *time.Time `json:"deadline,omitempty" db:"deadline"`
	NotifyChatID *int64     `json:"-" db:"notify_chat_id"`
	CreatedAt    time.Time  `json:"created_at" db:"created_at"`
	Items        []*Item    `json:"items,omitempty"`
}

// IsOwnedBy reports whether the given identity owns the wishlist.
func (w *Wishlist) IsOwnedBy(id Identity) bool {
	return id.UserID != nil && *id.UserID == w.OwnerID
}
