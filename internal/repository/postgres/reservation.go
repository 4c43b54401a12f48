package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/Kerhoff/wishpool/internal/models"
	"github.com/Kerhoff/wishpool/internal/repository"
)

type reservationRepository struct {
	db *sql.DB
}

// NewReservationRepository creates the read side of reservations
func NewReservationRepository(db *sql.DB) repository.ReservationRepository {
	return &reservationRepository{db: db}
}

func (r *reservationRepository) ListByItem(ctx context.Context, itemID uuid.UUID) ([]*models.Reservation, error) {
	query := `
		SELECT id, item_id, user_id, guest_name, amount, is_full_reservation, created_at
		FROM reservations
		WHERE item_id = $1
		ORDER BY created_at ASC, id ASC`

	return r.list(ctx, query, itemID)
}

func (r *reservationRepository) ListByWishlist(ctx context.Context, wishlistID uuid.UUID) ([]*models.Reservation, error) {
	query := `
		SELECT r.id, r.item_id, r.user_id, r.guest_name, r.amount, r.is_full_reservation, r.created_at
		FROM reservations r
		JOIN items i ON i.id = r.item_id
		WHERE i.wishlist_id = $1
		ORDER BY r.created_at ASC, r.id ASC`

	return r.list(ctx, query, wishlistID)
}

func (r *reservationRepository) list(ctx context.Context, query string, arg uuid.UUID) ([]*models.Reservation, error) {
	rows, err := r.db.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("failed to query reservations: %w", err)
	}
	defer rows.Close()

	var out []*models.Reservation
	for rows.Next() {
		res := &models.Reservation{}
		var userID uuid.NullUUID
		var guestName sql.NullString
		if err := rows.Scan(
			&res.ID,
			&res.ItemID,
			&userID,
			&guestName,
			&res.Amount,
			&res.IsFullReservation,
			&res.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan reservation: %w", err)
		}
		if userID.Valid {
			id := userID.UUID
			res.UserID = &id
		}
		res.GuestName = guestName.String
		out = append(out, res)
	}

	return out, rows.Err()
}
