package handlers

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/Kerhoff/wishpool/internal/ledger"
	"github.com/Kerhoff/wishpool/internal/service"
	"github.com/Kerhoff/wishpool/internal/telegram"
)

// WishlistReader loads the public aggregate view of a wishlist.
type WishlistReader interface {
	PublicWishlist(ctx context.Context, slug string) (*service.WishlistView, error)
}

// StatusHandler handles /status <slug>.
type StatusHandler struct {
	wishlists WishlistReader
	logger    *logrus.Logger
}

// NewStatusHandler creates a new StatusHandler.
func NewStatusHandler(wishlists WishlistReader, logger *logrus.Logger) *StatusHandler {
	return &StatusHandler{wishlists: wishlists, logger: logger}
}

// Handle replies with the reserved totals of the wishlist named by args[0].
func (h *StatusHandler) Handle(ctx context.Context, chatID int64, args []string) (telegram.Reply, error) {
	if len(args) != 1 {
		return telegram.Reply{
			Text:     "❌ Please provide the wishlist slug.\nUsage: `/status aB3dE5fG7hJ9`",
			Markdown: true,
		}, nil
	}

	view, err := h.wishlists.PublicWishlist(ctx, args[0])
	if errors.Is(err, service.ErrNotFound) {
		return telegram.Reply{Text: "❓ No wishlist with that slug."}, nil
	}
	if err != nil {
		return telegram.Reply{}, fmt.Errorf("load wishlist: %w", err)
	}

	h.logger.WithFields(logrus.Fields{
		"chat_id":     chatID,
		"wishlist_id": view.ID,
	}).Info("Sent wishlist status")
	return telegram.Reply{Text: FormatStatus(view)}, nil
}

// FormatStatus renders one line per item with its reserved total. Plain
// text, so item titles need no escaping.
func FormatStatus(view *service.WishlistView) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "🎁 %s\n", view.Title)
	if len(view.Items) == 0 {
		sb.WriteString("\nNo items yet.")
		return sb.String()
	}
	sb.WriteString("\n")
	for _, item := range view.Items {
		reserved := item.ReservedTotal.StringFixed(ledger.MoneyScale)
		if ceiling, ok := item.Ceiling(); ok {
			fmt.Fprintf(&sb, "• %s: %s of %s reserved", item.Title, reserved, ceiling.StringFixed(ledger.MoneyScale))
			if item.ReservedTotal.GreaterThanOrEqual(ceiling) {
				sb.WriteString(" ✅")
			}
		} else {
			fmt.Fprintf(&sb, "• %s: %s reserved", item.Title, reserved)
		}
		sb.WriteString("\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}
