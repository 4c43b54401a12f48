package repository

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/Kerhoff/wishpool/internal/models"
)

var (
	// ErrNotFound is returned when a wishlist, item or reservation does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a transaction lost a race with a concurrent
	// writer and may be retried against fresh state.
	ErrConflict = errors.New("transaction conflict")
)

// LedgerTx is the read-check-write unit the reservation ledger runs in.
// Everything done through one LedgerTx commits or rolls back together.
type LedgerTx interface {
	// LockItem reads the item and holds it against concurrent ledger
	// transactions on the same item until the transaction ends.
	LockItem(ctx context.Context, itemID uuid.UUID) (*models.Item, error)
	// Tally returns the running total and whether a full reservation exists.
	Tally(ctx context.Context, itemID uuid.UUID) (models.ItemTally, error)
	// InsertReservation records a new reservation. ID and CreatedAt are
	// assigned by the store when zero.
	InsertReservation(ctx context.Context, r *models.Reservation) error
}

// LedgerStore runs fn inside a transaction. A nil return commits; any error
// rolls back and is returned. Serialization failures surface as ErrConflict.
type LedgerStore interface {
	InTx(ctx context.Context, fn func(tx LedgerTx) error) error
}

// WishlistRepository defines the interface for wishlist operations
type WishlistRepository interface {
	Create(ctx context.Context, w *models.Wishlist) (*models.Wishlist, error)
	GetByID(ctx context.Context, id uuid.UUID) (*models.Wishlist, error)
	GetBySlug(ctx context.Context, slug string) (*models.Wishlist, error)
	ListByOwner(ctx context.Context, ownerID uuid.UUID) ([]*models.Wishlist, error)
	Delete(ctx context.Context, id uuid.UUID) error
}

// ItemRepository defines the interface for wishlist item operations
type ItemRepository interface {
	Create(ctx context.Context, item *models.Item) (*models.Item, error)
	GetByID(ctx context.Context, id uuid.UUID) (*models.Item, error)
	ListByWishlist(ctx context.Context, wishlistID uuid.UUID) ([]*models.Item, error)
	Update(ctx context.Context, id uuid.UUID, upd models.ItemUpdate) (*models.Item, error)
	Delete(ctx context.Context, id uuid.UUID) error
}

// ReservationRepository is the read side of reservations. Writes only happen
// through LedgerStore.
type ReservationRepository interface {
	ListByItem(ctx context.Context, itemID uuid.UUID) ([]*models.Reservation, error)
	ListByWishlist(ctx context.Context, wishlistID uuid.UUID) ([]*models.Reservation, error)
}

// Store bundles every repository a backend provides.
type Store interface {
	LedgerStore
	Wishlists() WishlistRepository
	Items() ItemRepository
	Reservations() ReservationRepository
	Close() error
}
