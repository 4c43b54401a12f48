package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Item represents an entry on a wishlist.
type Item struct {
	ID                 uuid.UUID           `json:"id" db:"id"`
	WishlistID         uuid.UUID           `json:"wishlist_id" db:"wishlist_id"`
	Title              string              `json:"title" db:"title"`
	Price              decimal.NullDecimal `json:"price" db:"price"`
	ImageURL           string              `json:"image_url" db:"image_url"`
	ProductURL         string              `json:"product_url" db:"product_url"`
	AllowContributions bool                `json:"allow_contributions" db:"allow_contributions"`
	CreatedAt          time.Time           `json:"created_at" db:"created_at"`
}

// Ceiling returns the price ceiling for reservations on the item. A missing
// or non-positive price means the item is uncapped and ok is false.
func (i *Item) Ceiling() (ceiling decimal.Decimal, ok bool) {
	if !i.Price.Valid || !i.Price.Decimal.IsPositive() {
		return decimal.Zero, false
	}
	return i.Price.Decimal, true
}

// ItemUpdate lists the mutable fields of an item. Nil fields are left
// untouched. Price set to a NullDecimal with Valid=false clears the price.
type ItemUpdate struct {
	Title              *string
	Price              *decimal.NullDecimal
	ImageURL           *string
	ProductURL         *string
	AllowContributions *bool
}

// Empty reports whether the update changes nothing.
func (u ItemUpdate) Empty() bool {
	return u.Title == nil && u.Price == nil && u.ImageURL == nil &&
		u.ProductURL == nil && u.AllowContributions == nil
}

// Apply copies the provided fields onto item.
func (u ItemUpdate) Apply(item *Item) {
	if u.Title != nil {
		item.Title = *u.Title
	}
	if u.Price != nil {
		item.Price = *u.Price
	}
	if u.ImageURL != nil {
		item.ImageURL = *u.ImageURL
	}
	if u.ProductURL != nil {
		item.ProductURL = *u.ProductURL
	}
	if u.AllowContributions != nil {
		item.AllowContributions = *u.AllowContributions
	}
}
