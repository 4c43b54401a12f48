package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/Kerhoff/wishpool/internal/models"
	"github.com/Kerhoff/wishpool/internal/repository"
)

type wishlistRepository struct {
	db *sql.DB
}

// NewWishlistRepository creates a new wishlist repository
func NewWishlistRepository(db *sql.DB) repository.WishlistRepository {
	return &wishlistRepository{db: db}
}

const wishlistColumns = `id, owner_id, title, description, public_slug, deadline, notify_chat_id, created_at`

func (r *wishlistRepository) Create(ctx context.Context, w *models.Wishlist) (*models.Wishlist, error) {
	query := `
		INSERT INTO wishlists (id, owner_id, title, description, public_slug, deadline, notify_chat_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at`

	if w.ID == uuid.Nil {
		w.ID = uuid.New()
	}

	err := r.db.QueryRowContext(ctx, query,
		w.ID,
		w.OwnerID,
		w.Title,
		nullString(w.Description),
		w.PublicSlug,
		w.Deadline,
		w.NotifyChatID,
	).Scan(&w.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create wishlist: %w", err)
	}

	return w, nil
}

func (r *wishlistRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Wishlist, error) {
	query := `SELECT ` + wishlistColumns + ` FROM wishlists WHERE id = $1`

	w, err := scanWishlist(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get wishlist by ID: %w", err)
	}
	return w, nil
}

func (r *wishlistRepository) GetBySlug(ctx context.Context, slug string) (*models.Wishlist, error) {
	query := `SELECT ` + wishlistColumns + ` FROM wishlists WHERE public_slug = $1`

	w, err := scanWishlist(r.db.QueryRowContext(ctx, query, slug))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get wishlist by slug: %w", err)
	}
	return w, nil
}

func (r *wishlistRepository) ListByOwner(ctx context.Context, ownerID uuid.UUID) ([]*models.Wishlist, error) {
	query := `SELECT ` + wishlistColumns + ` FROM wishlists WHERE owner_id = $1 ORDER BY created_at ASC`

	rows, err := r.db.QueryContext(ctx, query, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to query wishlists by owner: %w", err)
	}
	defer rows.Close()

	var lists []*models.Wishlist
	for rows.Next() {
		w, err := scanWishlist(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan wishlist: %w", err)
		}
		lists = append(lists, w)
	}

	return lists, rows.Err()
}

func (r *wishlistRepository) Delete(ctx context.Context, id uuid.UUID) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM wishlists WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete wishlist: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return repository.ErrNotFound
	}

	return nil
}

func scanWishlist(row rowScanner) (*models.Wishlist, error) {
	w := &models.Wishlist{}
	var description sql.NullString
	var deadline sql.NullTime
	var chatID sql.NullInt64
	if err := row.Scan(
		&w.ID,
		&w.OwnerID,
		&w.Title,
		&description,
		&w.PublicSlug,
		&deadline,
		&chatID,
		&w.CreatedAt,
	); err != nil {
		return nil, err
	}
	w.Description = description.String
	if deadline.Valid {
		w.Deadline = &deadline.Time
	}
	if chatID.Valid {
		w.NotifyChatID = &chatID.Int64
	}
	return w, nil
}
