package service

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/Kerhoff/wishpool/internal/events"
	"github.com/Kerhoff/wishpool/internal/fanout"
	"github.com/Kerhoff/wishpool/internal/ledger"
	"github.com/Kerhoff/wishpool/internal/lock"
	"github.com/Kerhoff/wishpool/internal/models"
	"github.com/Kerhoff/wishpool/internal/repository"
)

var (
	// ErrNotFound is returned when a wishlist or item does not exist, or the
	// item belongs to a different wishlist.
	ErrNotFound = errors.New("not found")
	// ErrForbidden is returned when the caller does not own the wishlist.
	ErrForbidden = errors.New("forbidden")
	// ErrInvalidInput is returned for malformed create or update requests.
	ErrInvalidInput = errors.New("invalid input")
)

// Notifier tells a wishlist owner that an item's reserved total changed. It
// never receives contributor identity.
type Notifier interface {
	NotifyReservation(ctx context.Context, chatID int64, wishlist models.Wishlist, item models.Item, reservedTotal decimal.Decimal) error
}

// Service is the central business logic layer. It owns the reservation
// ledger and publishes a snapshot after every change to an item.
type Service struct {
	logger         *logrus.Logger
	store          repository.Store
	ledger         *ledger.Ledger
	builder        *events.Builder
	publisher      fanout.Publisher
	locker         lock.Locker
	notifier       Notifier
	notifyWG       sync.WaitGroup
	notifyTimeout  time.Duration
	publishTimeout time.Duration
}

// Options carries optional collaborators.
type Options struct {
	Ledger   ledger.Options
	Notifier Notifier
}

// New creates a Service. locker serializes work per item for both the
// ledger and item mutations.
func New(store repository.Store, locker lock.Locker, publisher fanout.Publisher, logger *logrus.Logger, opts Options) *Service {
	s := &Service{
		logger:         logger,
		store:          store,
		builder:        events.NewBuilder(store.Reservations()),
		publisher:      publisher,
		locker:         locker,
		notifier:       opts.Notifier,
		notifyTimeout:  10 * time.Second,
		publishTimeout: 5 * time.Second,
	}
	ledgerOpts := opts.Ledger
	ledgerOpts.OnCommit = s.onCommit
	s.ledger = ledger.New(store, locker, logger, ledgerOpts)
	return s
}

// Close waits for in-flight owner notifications.
func (s *Service) Close() {
	s.notifyWG.Wait()
}

// ---------------------------------------------------------------------------
// Wishlists
// ---------------------------------------------------------------------------

// CreateWishlistInput holds the fields of a new wishlist.
type CreateWishlistInput struct {
	Title        string
	Description  string
	Deadline     *time.Time
	NotifyChatID *int64
}

// CreateWishlist creates a wishlist owned by caller with a fresh public slug.
func (s *Service) CreateWishlist(ctx context.Context, caller models.Identity, in CreateWishlistInput) (*models.Wishlist, error) {
	if caller.UserID == nil {
		return nil, fmt.Errorf("%w: creating a wishlist requires a signed-in user", ErrForbidden)
	}
	title := strings.TrimSpace(in.Title)
	if title == "" {
		return nil, fmt.Errorf("%w: title is required", ErrInvalidInput)
	}
	slug, err := newSlug()
	if err != nil {
		return nil, fmt.Errorf("failed to generate slug: %w", err)
	}

	w, err := s.store.Wishlists().Create(ctx, &models.Wishlist{
		OwnerID:      *caller.UserID,
		Title:        title,
		Description:  strings.TrimSpace(in.Description),
		PublicSlug:   slug,
		Deadline:     in.Deadline,
		NotifyChatID: in.NotifyChatID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create wishlist: %w", err)
	}
	s.logger.WithFields(logrus.Fields{"wishlist_id": w.ID}).Info("Wishlist created")
	return w, nil
}

// ListWishlists returns the caller's wishlists.
func (s *Service) ListWishlists(ctx context.Context, caller models.Identity) ([]*models.Wishlist, error) {
	if caller.UserID == nil {
		return nil, ErrForbidden
	}
	ws, err := s.store.Wishlists().ListByOwner(ctx, *caller.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to list wishlists: %w", err)
	}
	return ws, nil
}

// DeleteWishlist removes an owned wishlist with its items and reservations
// and publishes item_deleted for every item it had.
func (s *Service) DeleteWishlist(ctx context.Context, caller models.Identity, id uuid.UUID) error {
	if _, err := s.ownedWishlist(ctx, caller, id); err != nil {
		return err
	}
	items, err := s.store.Items().ListByWishlist(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to list items: %w", err)
	}

	// Item locks are taken in id order; nothing else holds two at once.
	sort.Slice(items, func(i, j int) bool { return items[i].ID.String() < items[j].ID.String() })
	for _, item := range items {
		unlock, err := s.locker.Lock(ctx, itemKey(item.ID))
		if err != nil {
			return fmt.Errorf("failed to lock item: %w", err)
		}
		defer unlock()
	}

	if err := s.store.Wishlists().Delete(ctx, id); err != nil {
		return fmt.Errorf("failed to delete wishlist: %w", mapNotFound(err))
	}
	for _, item := range items {
		s.broadcast(ctx, id, events.ItemDeleted, item.ID)
	}
	s.logger.WithFields(logrus.Fields{"wishlist_id": id, "items": len(items)}).Info("Wishlist deleted")
	return nil
}

// WishlistExists reports whether id names a wishlist. Live streams are open
// to anyone who knows the id, as the public page is.
func (s *Service) WishlistExists(ctx context.Context, id uuid.UUID) error {
	if _, err := s.store.Wishlists().GetByID(ctx, id); err != nil {
		return mapNotFound(err)
	}
	return nil
}

func (s *Service) ownedWishlist(ctx context.Context, caller models.Identity, id uuid.UUID) (*models.Wishlist, error) {
	w, err := s.store.Wishlists().GetByID(ctx, id)
	if err != nil {
		return nil, mapNotFound(err)
	}
	if !w.IsOwnedBy(caller) {
		return nil, ErrForbidden
	}
	return w, nil
}

func (s *Service) itemOf(ctx context.Context, wishlistID, itemID uuid.UUID) (*models.Item, error) {
	item, err := s.store.Items().GetByID(ctx, itemID)
	if err != nil {
		return nil, mapNotFound(err)
	}
	if item.WishlistID != wishlistID {
		return nil, ErrNotFound
	}
	return item, nil
}

func mapNotFound(err error) error {
	if errors.Is(err, repository.ErrNotFound) {
		return errors.Join(ErrNotFound, err)
	}
	return err
}

func newSlug() (string, error) {
	b := make([]byte, 12)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
