package service

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/Kerhoff/wishpool/internal/events"
	"github.com/Kerhoff/wishpool/internal/ledger"
	"github.com/Kerhoff/wishpool/internal/models"
	"github.com/Kerhoff/wishpool/internal/redact"
)

// ReserveInput is one reservation request.
type ReserveInput struct {
	Amount            decimal.Decimal
	IsFullReservation bool
	GuestName         string
}

// Reserve runs a reservation through the ledger and returns the view meant
// for the caller who made it. Ledger rejections are returned as is; use
// ledger.ReasonOf to classify them.
func (s *Service) Reserve(ctx context.Context, caller models.Identity, wishlistID, itemID uuid.UUID, in ReserveInput) (*redact.ContributorReservation, error) {
	if _, err := s.itemOf(ctx, wishlistID, itemID); err != nil {
		return nil, err
	}

	identity := caller
	if identity.UserID == nil {
		identity.GuestName = in.GuestName
	}

	res, err := s.ledger.Attempt(ctx, ledger.Request{
		ItemID:   itemID,
		Amount:   in.Amount,
		IsFull:   in.IsFullReservation,
		Identity: identity,
	})
	if err != nil {
		return nil, err
	}
	view := redact.ForContributor(res, identity)
	return &view, nil
}

// ListReservations returns the owner view of an item's reservations.
func (s *Service) ListReservations(ctx context.Context, caller models.Identity, wishlistID, itemID uuid.UUID) ([]redact.OwnerReservation, error) {
	if _, err := s.ownedWishlist(ctx, caller, wishlistID); err != nil {
		return nil, err
	}
	if _, err := s.itemOf(ctx, wishlistID, itemID); err != nil {
		return nil, err
	}
	rs, err := s.store.Reservations().ListByItem(ctx, itemID)
	if err != nil {
		return nil, fmt.Errorf("failed to list reservations: %w", err)
	}
	return redact.ForOwnerList(rs), nil
}

// onCommit runs inside the item's critical section right after a
// reservation committed, so snapshots of one item leave in commit order.
func (s *Service) onCommit(ctx context.Context, item models.Item, res models.Reservation) {
	snap, ok := s.broadcast(ctx, item.WishlistID, events.ReservationKind(res.IsFullReservation), item.ID)
	if !ok {
		return
	}

	if s.notifier != nil {
		s.notifyOwner(ctx, item, snap.ReservedTotal)
	}
}

func (s *Service) notifyOwner(ctx context.Context, item models.Item, total decimal.Decimal) {
	s.notifyWG.Add(1)
	go func() {
		defer s.notifyWG.Done()
		nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.notifyTimeout)
		defer cancel()

		w, err := s.store.Wishlists().GetByID(nctx, item.WishlistID)
		if err != nil {
			s.logger.WithError(err).WithField("wishlist_id", item.WishlistID).Warn("Failed to load wishlist for notification")
			return
		}
		if w.NotifyChatID == nil {
			return
		}
		if err := s.notifier.NotifyReservation(nctx, *w.NotifyChatID, *w, item, total); err != nil {
			s.logger.WithError(err).WithField("wishlist_id", w.ID).Warn("Failed to notify owner")
		}
	}()
}
