package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/Kerhoff/wishpool/internal/events"
	"github.com/Kerhoff/wishpool/internal/ledger"
	"github.com/Kerhoff/wishpool/internal/models"
)

// CreateItemInput holds the fields of a new item. AllowContributions
// defaults to true when nil.
type CreateItemInput struct {
	Title              string
	Price              decimal.NullDecimal
	ImageURL           string
	ProductURL         string
	AllowContributions *bool
}

// CreateItem adds an item to an owned wishlist and publishes item_created.
func (s *Service) CreateItem(ctx context.Context, caller models.Identity, wishlistID uuid.UUID, in CreateItemInput) (*models.Item, error) {
	if _, err := s.ownedWishlist(ctx, caller, wishlistID); err != nil {
		return nil, err
	}
	title := strings.TrimSpace(in.Title)
	if title == "" {
		return nil, fmt.Errorf("%w: title is required", ErrInvalidInput)
	}
	if err := validatePrice(in.Price); err != nil {
		return nil, err
	}

	allow := true
	if in.AllowContributions != nil {
		allow = *in.AllowContributions
	}
	item, err := s.store.Items().Create(ctx, &models.Item{
		WishlistID:         wishlistID,
		Title:              title,
		Price:              in.Price,
		ImageURL:           strings.TrimSpace(in.ImageURL),
		ProductURL:         strings.TrimSpace(in.ProductURL),
		AllowContributions: allow,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create item: %w", mapNotFound(err))
	}

	s.broadcast(ctx, wishlistID, events.ItemCreated, item.ID)
	return item, nil
}

// UpdateItem applies upd to an owned item and publishes item_updated. The
// change is made inside the item's critical section so it cannot interleave
// with a reservation check.
func (s *Service) UpdateItem(ctx context.Context, caller models.Identity, wishlistID, itemID uuid.UUID, upd models.ItemUpdate) (*models.Item, error) {
	if _, err := s.ownedWishlist(ctx, caller, wishlistID); err != nil {
		return nil, err
	}
	if upd.Empty() {
		return nil, fmt.Errorf("%w: nothing to update", ErrInvalidInput)
	}
	if upd.Title != nil && strings.TrimSpace(*upd.Title) == "" {
		return nil, fmt.Errorf("%w: title cannot be empty", ErrInvalidInput)
	}
	if upd.Price != nil {
		if err := validatePrice(*upd.Price); err != nil {
			return nil, err
		}
	}
	if _, err := s.itemOf(ctx, wishlistID, itemID); err != nil {
		return nil, err
	}

	unlock, err := s.locker.Lock(ctx, itemKey(itemID))
	if err != nil {
		return nil, fmt.Errorf("failed to lock item: %w", err)
	}
	defer unlock()

	item, err := s.store.Items().Update(ctx, itemID, upd)
	if err != nil {
		return nil, fmt.Errorf("failed to update item: %w", mapNotFound(err))
	}
	s.broadcast(ctx, wishlistID, events.ItemUpdated, itemID)
	return item, nil
}

// DeleteItem removes an owned item with its reservations and publishes
// item_deleted.
func (s *Service) DeleteItem(ctx context.Context, caller models.Identity, wishlistID, itemID uuid.UUID) error {
	if _, err := s.ownedWishlist(ctx, caller, wishlistID); err != nil {
		return err
	}
	if _, err := s.itemOf(ctx, wishlistID, itemID); err != nil {
		return err
	}

	unlock, err := s.locker.Lock(ctx, itemKey(itemID))
	if err != nil {
		return fmt.Errorf("failed to lock item: %w", err)
	}
	defer unlock()

	if err := s.store.Items().Delete(ctx, itemID); err != nil {
		return fmt.Errorf("failed to delete item: %w", mapNotFound(err))
	}
	s.broadcast(ctx, wishlistID, events.ItemDeleted, itemID)
	return nil
}

// broadcast builds and publishes a snapshot. The change it reports is
// already committed, so the caller's cancellation does not stop it. Failures
// are logged only; ok is false when no snapshot could be built.
func (s *Service) broadcast(ctx context.Context, wishlistID uuid.UUID, kind events.Kind, itemID uuid.UUID) (snap events.Snapshot, ok bool) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.publishTimeout)
	defer cancel()

	log := s.logger.WithFields(logrus.Fields{
		"wishlist_id": wishlistID,
		"item_id":     itemID,
		"event":       kind,
	})
	snap, err := s.builder.Build(ctx, kind, itemID)
	if err != nil {
		log.WithError(err).Warn("Failed to build snapshot")
		return events.Snapshot{}, false
	}
	if err := s.publisher.Publish(ctx, wishlistID, snap); err != nil {
		log.WithError(err).Warn("Snapshot delivery incomplete")
	}
	return snap, true
}

func validatePrice(p decimal.NullDecimal) error {
	if !p.Valid {
		return nil
	}
	if p.Decimal.IsNegative() {
		return fmt.Errorf("%w: price cannot be negative", ErrInvalidInput)
	}
	if !p.Decimal.Equal(p.Decimal.Truncate(ledger.MoneyScale)) {
		return fmt.Errorf("%w: price has more than %d decimal places", ErrInvalidInput, ledger.MoneyScale)
	}
	if p.Decimal.GreaterThan(ledger.MaxAmount) {
		return fmt.Errorf("%w: price exceeds %s", ErrInvalidInput, ledger.MaxAmount)
	}
	return nil
}

func itemKey(itemID uuid.UUID) string {
	return "item:" + itemID.String()
}
