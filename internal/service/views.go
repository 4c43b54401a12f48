package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/Kerhoff/wishpool/internal/models"
	"github.com/Kerhoff/wishpool/internal/redact"
)

// ItemView is an item with its aggregate reservation state.
type ItemView struct {
	*models.Item
	ReservedTotal decimal.Decimal           `json:"reserved_total"`
	Reservations  []redact.OwnerReservation `json:"reservations"`
}

// WishlistView is the shape shared by the owner dashboard and the public
// page.
type WishlistView struct {
	ID          uuid.UUID  `json:"id"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
	PublicSlug  string     `json:"public_slug"`
	Deadline    *time.Time `json:"deadline,omitempty"`
	Items       []ItemView `json:"items"`
}

// Dashboard returns the aggregate view of an owned wishlist.
func (s *Service) Dashboard(ctx context.Context, caller models.Identity, id uuid.UUID) (*WishlistView, error) {
	w, err := s.ownedWishlist(ctx, caller, id)
	if err != nil {
		return nil, err
	}
	return s.aggregate(ctx, w)
}

// PublicWishlist returns the aggregate view of the wishlist behind slug.
func (s *Service) PublicWishlist(ctx context.Context, slug string) (*WishlistView, error) {
	w, err := s.store.Wishlists().GetBySlug(ctx, slug)
	if err != nil {
		return nil, mapNotFound(err)
	}
	return s.aggregate(ctx, w)
}

func (s *Service) aggregate(ctx context.Context, w *models.Wishlist) (*WishlistView, error) {
	items, err := s.store.Items().ListByWishlist(ctx, w.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list items: %w", err)
	}
	rs, err := s.store.Reservations().ListByWishlist(ctx, w.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list reservations: %w", err)
	}

	ids := make([]uuid.UUID, 0, len(items))
	for _, item := range items {
		ids = append(ids, item.ID)
	}
	agg := redact.Aggregate(ids, rs)

	view := &WishlistView{
		ID:          w.ID,
		Title:       w.Title,
		Description: w.Description,
		PublicSlug:  w.PublicSlug,
		Deadline:    w.Deadline,
		Items:       make([]ItemView, 0, len(items)),
	}
	for _, item := range items {
		a := agg[item.ID]
		view.Items = append(view.Items, ItemView{
			Item:          item,
			ReservedTotal: a.ReservedTotal,
			Reservations:  a.Reservations,
		})
	}
	return view, nil
}
