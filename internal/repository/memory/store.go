// Package memory is an in-process implementation of the repository
// interfaces. Ledger transactions use optimistic per-item versioning: a
// transaction that read an item's reservations only commits if no other
// transaction committed a reservation for that item in the meantime.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/Kerhoff/wishpool/internal/models"
	"github.com/Kerhoff/wishpool/internal/repository"
)

// Store keeps wishlists, items and reservations in maps guarded by one mutex.
type Store struct {
	mu           sync.RWMutex
	wishlists    map[uuid.UUID]*models.Wishlist
	slugs        map[string]uuid.UUID
	items        map[uuid.UUID]*models.Item
	reservations map[uuid.UUID][]*models.Reservation
	versions     map[uuid.UUID]uint64
	now          func() time.Time

	wishlistRepo    *wishlistRepository
	itemRepo        *itemRepository
	reservationRepo *reservationRepository
}

var _ repository.Store = (*Store)(nil)

// New returns an empty store.
func New() *Store {
	s := &Store{
		wishlists:    make(map[uuid.UUID]*models.Wishlist),
		slugs:        make(map[string]uuid.UUID),
		items:        make(map[uuid.UUID]*models.Item),
		reservations: make(map[uuid.UUID][]*models.Reservation),
		versions:     make(map[uuid.UUID]uint64),
		now:          func() time.Time { return time.Now().UTC() },
	}
	s.wishlistRepo = &wishlistRepository{s: s}
	s.itemRepo = &itemRepository{s: s}
	s.reservationRepo = &reservationRepository{s: s}
	return s
}

func (s *Store) Wishlists() repository.WishlistRepository       { return s.wishlistRepo }
func (s *Store) Items() repository.ItemRepository               { return s.itemRepo }
func (s *Store) Reservations() repository.ReservationRepository { return s.reservationRepo }

// Close is a no-op.
func (s *Store) Close() error { return nil }

// InTx runs fn against a transaction whose writes become visible only when
// fn returns nil and no item it read has changed since.
func (s *Store) InTx(ctx context.Context, fn func(tx repository.LedgerTx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	tx := &ledgerTx{s: s, reads: make(map[uuid.UUID]uint64)}
	if err := fn(tx); err != nil {
		return err
	}
	return tx.commit()
}

type ledgerTx struct {
	s       *Store
	reads   map[uuid.UUID]uint64
	pending []*models.Reservation
}

func (tx *ledgerTx) observe(itemID uuid.UUID) {
	if _, seen := tx.reads[itemID]; !seen {
		tx.reads[itemID] = tx.s.versions[itemID]
	}
}

func (tx *ledgerTx) LockItem(ctx context.Context, itemID uuid.UUID) (*models.Item, error) {
	tx.s.mu.RLock()
	defer tx.s.mu.RUnlock()

	item, ok := tx.s.items[itemID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	tx.observe(itemID)
	cp := *item
	return &cp, nil
}

func (tx *ledgerTx) Tally(ctx context.Context, itemID uuid.UUID) (models.ItemTally, error) {
	tx.s.mu.RLock()
	defer tx.s.mu.RUnlock()

	tx.observe(itemID)
	tally := models.ItemTally{Total: decimal.Zero}
	for _, r := range tx.s.reservations[itemID] {
		tally.Total = tally.Total.Add(r.Amount)
		tally.HasFull = tally.HasFull || r.IsFullReservation
	}
	for _, r := range tx.pending {
		if r.ItemID != itemID {
			continue
		}
		tally.Total = tally.Total.Add(r.Amount)
		tally.HasFull = tally.HasFull || r.IsFullReservation
	}
	return tally, nil
}

func (tx *ledgerTx) InsertReservation(ctx context.Context, r *models.Reservation) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = tx.s.now()
	}
	cp := *r
	tx.pending = append(tx.pending, &cp)
	return nil
}

func (tx *ledgerTx) commit() error {
	if len(tx.pending) == 0 {
		return nil
	}

	tx.s.mu.Lock()
	defer tx.s.mu.Unlock()

	for itemID, version := range tx.reads {
		if tx.s.versions[itemID] != version {
			return fmt.Errorf("item %s changed during transaction: %w", itemID, repository.ErrConflict)
		}
	}
	for _, r := range tx.pending {
		if _, ok := tx.s.items[r.ItemID]; !ok {
			return fmt.Errorf("item %s: %w", r.ItemID, repository.ErrNotFound)
		}
	}
	for _, r := range tx.pending {
		tx.s.reservations[r.ItemID] = append(tx.s.reservations[r.ItemID], r)
		tx.s.versions[r.ItemID]++
	}
	return nil
}

// ---------------------------------------------------------------------------
// Wishlists
// ---------------------------------------------------------------------------

type wishlistRepository struct{ s *Store }

func (r *wishlistRepository) Create(ctx context.Context, w *models.Wishlist) (*models.Wishlist, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if w.ID == uuid.Nil {
		w.ID = uuid.New()
	}
	if _, taken := r.s.slugs[w.PublicSlug]; taken {
		return nil, fmt.Errorf("public slug %q already in use", w.PublicSlug)
	}
	w.CreatedAt = r.s.now()
	cp := *w
	cp.Items = nil
	r.s.wishlists[w.ID] = &cp
	r.s.slugs[w.PublicSlug] = w.ID
	return w, nil
}

func (r *wishlistRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Wishlist, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	w, ok := r.s.wishlists[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *w
	return &cp, nil
}

func (r *wishlistRepository) GetBySlug(ctx context.Context, slug string) (*models.Wishlist, error) {
	r.s.mu.RLock()
	id, ok := r.s.slugs[slug]
	r.s.mu.RUnlock()
	if !ok {
		return nil, repository.ErrNotFound
	}
	return r.GetByID(ctx, id)
}

func (r *wishlistRepository) ListByOwner(ctx context.Context, ownerID uuid.UUID) ([]*models.Wishlist, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	var out []*models.Wishlist
	for _, w := range r.s.wishlists {
		if w.OwnerID == ownerID {
			cp := *w
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *wishlistRepository) Delete(ctx context.Context, id uuid.UUID) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	w, ok := r.s.wishlists[id]
	if !ok {
		return repository.ErrNotFound
	}
	for itemID, item := range r.s.items {
		if item.WishlistID == id {
			r.s.deleteItemLocked(itemID)
		}
	}
	delete(r.s.slugs, w.PublicSlug)
	delete(r.s.wishlists, id)
	return nil
}

// ---------------------------------------------------------------------------
// Items
// ---------------------------------------------------------------------------

type itemRepository struct{ s *Store }

func (r *itemRepository) Create(ctx context.Context, item *models.Item) (*models.Item, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if _, ok := r.s.wishlists[item.WishlistID]; !ok {
		return nil, fmt.Errorf("wishlist %s: %w", item.WishlistID, repository.ErrNotFound)
	}
	if item.ID == uuid.Nil {
		item.ID = uuid.New()
	}
	item.CreatedAt = r.s.now()
	cp := *item
	r.s.items[item.ID] = &cp
	return item, nil
}

func (r *itemRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Item, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	item, ok := r.s.items[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *item
	return &cp, nil
}

func (r *itemRepository) ListByWishlist(ctx context.Context, wishlistID uuid.UUID) ([]*models.Item, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	var out []*models.Item
	for _, item := range r.s.items {
		if item.WishlistID == wishlistID {
			cp := *item
			out = append(out, &cp)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID.String() < out[j].ID.String()
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (r *itemRepository) Update(ctx context.Context, id uuid.UUID, upd models.ItemUpdate) (*models.Item, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	item, ok := r.s.items[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	upd.Apply(item)
	// Price or policy changes must invalidate in-flight ledger reads.
	r.s.versions[id]++
	cp := *item
	return &cp, nil
}

func (r *itemRepository) Delete(ctx context.Context, id uuid.UUID) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if _, ok := r.s.items[id]; !ok {
		return repository.ErrNotFound
	}
	r.s.deleteItemLocked(id)
	return nil
}

func (s *Store) deleteItemLocked(id uuid.UUID) {
	delete(s.items, id)
	delete(s.reservations, id)
	s.versions[id]++
}

// ---------------------------------------------------------------------------
// Reservations
// ---------------------------------------------------------------------------

type reservationRepository struct{ s *Store }

func (r *reservationRepository) ListByItem(ctx context.Context, itemID uuid.UUID) ([]*models.Reservation, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	out := make([]*models.Reservation, 0, len(r.s.reservations[itemID]))
	for _, res := range r.s.reservations[itemID] {
		cp := *res
		out = append(out, &cp)
	}
	return out, nil
}

func (r *reservationRepository) ListByWishlist(ctx context.Context, wishlistID uuid.UUID) ([]*models.Reservation, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	var out []*models.Reservation
	for itemID, item := range r.s.items {
		if item.WishlistID != wishlistID {
			continue
		}
		for _, res := range r.s.reservations[itemID] {
			cp := *res
			out = append(out, &cp)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
