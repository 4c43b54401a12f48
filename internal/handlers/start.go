package handlers

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/Kerhoff/wishpool/internal/telegram"
)

// StartHandler handles the /start command
type StartHandler struct {
	logger *logrus.Logger
}

// NewStartHandler creates a new start command handler
func NewStartHandler(logger *logrus.Logger) *StartHandler {
	return &StartHandler{
		logger: logger,
	}
}

// Handle greets the chat and tells it the id to register for notifications.
func (h *StartHandler) Handle(ctx context.Context, chatID int64, args []string) (telegram.Reply, error) {
	h.logger.WithField("chat_id", chatID).Info("New chat started the bot")

	return telegram.Reply{
		Text: fmt.Sprintf(`🎁 *Welcome to Wishpool!*

I tell wishlist owners how much has been reserved on their items, without ever saying who reserved it.

Set `+"`notify_chat_id`"+` to `+"`%d`"+` when you create a wishlist to get updates in this chat.

Use /status <slug> to see the totals of a wishlist, or /help for all commands.`, chatID),
		Markdown: true,
	}, nil
}
