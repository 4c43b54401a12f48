package telegram

import (
	"context"
	"errors"
	"fmt"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/Kerhoff/wishpool/internal/models"
	"github.com/Kerhoff/wishpool/internal/service"
)

const commandTimeout = 10 * time.Second

// maxRetryAfter caps how long a notification waits on a flood-control reply.
const maxRetryAfter = 30 * time.Second

// Bot wraps the Telegram bot API
type Bot struct {
	api    *tgbotapi.BotAPI
	sender Sender
	logger *logrus.Logger
	router *Router
}

var _ service.Notifier = (*Bot)(nil)

// NewBot creates a new Telegram bot instance
func NewBot(token string, logger *logrus.Logger) (*Bot, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot API: %w", err)
	}

	logger.Infof("Authorized on account %s", api.Self.UserName)

	return &Bot{
		api:    api,
		sender: api,
		logger: logger,
		router: NewRouter(logger, commandTimeout),
	}, nil
}

// Start long-polls for updates until ctx is done.
func (b *Bot) Start(ctx context.Context) error {
	if _, err := b.api.Request(tgbotapi.DeleteWebhookConfig{}); err != nil {
		return fmt.Errorf("failed to delete webhook: %w", err)
	}

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := b.api.GetUpdatesChan(u)

	b.logger.Info("Bot started with long polling")

	for {
		select {
		case <-ctx.Done():
			b.logger.Info("Stopping bot...")
			b.api.StopReceivingUpdates()
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			go b.handleUpdate(ctx, update)
		}
	}
}

func (b *Bot) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Errorf("Panic in update handler: %v", r)
		}
	}()

	if update.Message != nil {
		b.router.HandleMessage(ctx, b.sender, update.Message)
	}
}

// SendMessage sends a plain text message to a chat
func (b *Bot) SendMessage(chatID int64, text string) error {
	if _, err := b.sender.Send(tgbotapi.NewMessage(chatID, text)); err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	return nil
}

// NotifyReservation tells the owner's chat the new reserved total of an item.
// A flood-control reply is honoured once before giving up.
func (b *Bot) NotifyReservation(ctx context.Context, chatID int64, w models.Wishlist, item models.Item, reservedTotal decimal.Decimal) error {
	text := FormatReservation(w, item, reservedTotal)

	err := b.SendMessage(chatID, text)
	wait, limited := retryAfter(err)
	if !limited {
		return err
	}

	b.logger.WithFields(logrus.Fields{
		"chat_id":     chatID,
		"retry_after": wait,
	}).Warn("Telegram rate limited notification")

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return errors.Join(ctx.Err(), err)
	case <-timer.C:
	}
	return b.SendMessage(chatID, text)
}

// RegisterCommand registers a command handler on the router
func (b *Bot) RegisterCommand(command string, handler CommandHandler) {
	b.router.RegisterCommand(command, handler)
}

func retryAfter(err error) (time.Duration, bool) {
	var apiErr *tgbotapi.Error
	if !errors.As(err, &apiErr) || apiErr.RetryAfter <= 0 {
		return 0, false
	}
	return min(time.Duration(apiErr.RetryAfter)*time.Second, maxRetryAfter), true
}
