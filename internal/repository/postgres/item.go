package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/Kerhoff/wishpool/internal/models"
	"github.com/Kerhoff/wishpool/internal/repository"
)

type itemRepository struct {
	db *sql.DB
}

// NewItemRepository creates a new item repository
func NewItemRepository(db *sql.DB) repository.ItemRepository {
	return &itemRepository{db: db}
}

const itemColumns = `id, wishlist_id, title, price, image_url, product_url, allow_contributions, created_at`

func (r *itemRepository) Create(ctx context.Context, item *models.Item) (*models.Item, error) {
	query := `
		INSERT INTO items (id, wishlist_id, title, price, image_url, product_url, allow_contributions)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at`

	if item.ID == uuid.Nil {
		item.ID = uuid.New()
	}

	err := r.db.QueryRowContext(ctx, query,
		item.ID,
		item.WishlistID,
		item.Title,
		item.Price,
		nullString(item.ImageURL),
		nullString(item.ProductURL),
		item.AllowContributions,
	).Scan(&item.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create item: %w", err)
	}

	return item, nil
}

func (r *itemRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Item, error) {
	query := `SELECT ` + itemColumns + ` FROM items WHERE id = $1`

	item, err := scanItem(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get item by ID: %w", err)
	}
	return item, nil
}

func (r *itemRepository) ListByWishlist(ctx context.Context, wishlistID uuid.UUID) ([]*models.Item, error) {
	query := `SELECT ` + itemColumns + ` FROM items WHERE wishlist_id = $1 ORDER BY created_at ASC, id ASC`

	rows, err := r.db.QueryContext(ctx, query, wishlistID)
	if err != nil {
		return nil, fmt.Errorf("failed to query items: %w", err)
	}
	defer rows.Close()

	var items []*models.Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan item: %w", err)
		}
		items = append(items, item)
	}

	return items, rows.Err()
}

// Update writes only the fields present in upd. The statement is built from a
// fixed column list, never from caller-supplied names.
func (r *itemRepository) Update(ctx context.Context, id uuid.UUID, upd models.ItemUpdate) (*models.Item, error) {
	if upd.Empty() {
		return r.GetByID(ctx, id)
	}

	var sets []string
	var args []any
	add := func(column string, value any) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	if upd.Title != nil {
		add("title", *upd.Title)
	}
	if upd.Price != nil {
		add("price", *upd.Price)
	}
	if upd.ImageURL != nil {
		add("image_url", nullString(*upd.ImageURL))
	}
	if upd.ProductURL != nil {
		add("product_url", nullString(*upd.ProductURL))
	}
	if upd.AllowContributions != nil {
		add("allow_contributions", *upd.AllowContributions)
	}
	args = append(args, id)

	query := fmt.Sprintf(`UPDATE items SET %s WHERE id = $%d RETURNING %s`,
		strings.Join(sets, ", "), len(args), itemColumns)

	item, err := scanItem(r.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("failed to update item: %w", err)
	}
	return item, nil
}

func (r *itemRepository) Delete(ctx context.Context, id uuid.UUID) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM items WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete item: %w", err)
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
