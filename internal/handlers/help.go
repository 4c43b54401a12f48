package handlers

import (
	"context"

	"github.com/Kerhoff/wishpool/internal/telegram"
)

const helpText = `📚 *Wishpool Help*

• /status <slug> - Reserved totals for every item of a wishlist
• /start - Show the id of this chat for notifications
• /help - Show this message

_Totals never include who reserved or contributed._`

// HelpHandler handles the /help command
type HelpHandler struct{}

func NewHelpHandler() *HelpHandler {
	return &HelpHandler{}
}

func (h *HelpHandler) Handle(ctx context.Context, chatID int64, args []string) (telegram.Reply, error) {
	return telegram.Reply{Text: helpText, Markdown: true}, nil
}
