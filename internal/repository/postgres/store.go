package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/Kerhoff/wishpool/internal/models"
	"github.com/Kerhoff/wishpool/internal/repository"
)

// Store is the Postgres implementation of repository.Store.
type Store struct {
	db        *sql.DB
	isolation sql.IsolationLevel

	wishlists    repository.WishlistRepository
	items        repository.ItemRepository
	reservations repository.ReservationRepository
}

var _ repository.Store = (*Store)(nil)

// NewStore creates a store over db. Ledger transactions run at the given
// isolation level; sql.LevelDefault means the server default (read committed).
func NewStore(db *sql.DB, isolation sql.IsolationLevel) *Store {
	return &Store{
		db:           db,
		isolation:    isolation,
		wishlists:    NewWishlistRepository(db),
		items:        NewItemRepository(db),
		reservations: NewReservationRepository(db),
	}
}

func (s *Store) Wishlists() repository.WishlistRepository       { return s.wishlists }
func (s *Store) Items() repository.ItemRepository               { return s.items }
func (s *Store) Reservations() repository.ReservationRepository { return s.reservations }

// Close is a no-op; the *sql.DB is owned by config.Database.
func (s *Store) Close() error { return nil }

// InTx runs fn inside a database transaction.
func (s *Store) InTx(ctx context.Context, fn func(tx repository.LedgerTx) error) (err error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: s.isolation})
	if err != nil {
		return mapError(fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = fn(&ledgerTx{tx: tx}); err != nil {
		return mapError(err)
	}
	if err = tx.Commit(); err != nil {
		return mapError(fmt.Errorf("failed to commit transaction: %w", err))
	}
	return nil
}

type ledgerTx struct {
	tx *sql.Tx
}

func (t *ledgerTx) LockItem(ctx context.Context, itemID uuid.UUID) (*models.Item, error) {
	query := `
		SELECT id, wishlist_id, title, price, image_url, product_url, allow_contributions, created_at
		FROM items
		WHERE id = $1
		FOR UPDATE`

	item, err := scanItem(t.tx.QueryRowContext(ctx, query, itemID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("failed to lock item: %w", err)
	}
	return item, nil
}

func (t *ledgerTx) Tally(ctx context.Context, itemID uuid.UUID) (models.ItemTally, error) {
	query := `
		SELECT COALESCE(SUM(amount), 0), COALESCE(BOOL_OR(is_full_reservation), false)
		FROM reservations
		WHERE item_id = $1`

	var tally models.ItemTally
	if err := t.tx.QueryRowContext(ctx, query, itemID).Scan(&tally.Total, &tally.HasFull); err != nil {
		return models.ItemTally{}, fmt.Errorf("failed to sum reservations: %w", err)
	}
	return tally, nil
}

func (t *ledgerTx) InsertReservation(ctx context.Context, r *models.Reservation) error {
	query := `
		INSERT INTO reservations (id, item_id, user_id, guest_name, amount, is_full_reservation, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, COALESCE($7, now()))
		RETURNING created_at`

	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	var createdAt sql.NullTime
	if !r.CreatedAt.IsZero() {
		createdAt = sql.NullTime{Time: r.CreatedAt, Valid: true}
	}

	err := t.tx.QueryRowContext(ctx, query,
		r.ID,
		r.ItemID,
		nullUUID(r.UserID),
		nullString(r.GuestName),
		r.Amount,
		r.IsFullReservation,
		createdAt,
	).Scan(&r.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert reservation: %w", err)
	}
	return nil
}

// mapError turns serialization failures and deadlocks into ErrConflict so the
// ledger retries them.
func mapError(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "40001", "40P01", "55P03":
			return errors.Join(repository.ErrConflict, err)
		}
	}
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner) (*models.Item, error) {
	item := &models.Item{}
	var imageURL, productURL sql.NullString
	if err := row.Scan(
		&item.ID,
		&item.WishlistID,
		&item.Title,
		&item.Price,
		&imageURL,
		&productURL,
		&item.AllowContributions,
		&item.CreatedAt,
	); err != nil {
		return nil, err
	}
	item.ImageURL = imageURL.String
	item.ProductURL = productURL.String
	return item, nil
}

func nullUUID(id *uuid.UUID) uuid.NullUUID {
	if id == nil {
		return uuid.NullUUID{}
	}
	return uuid.NullUUID{UUID: *id, Valid: true}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
