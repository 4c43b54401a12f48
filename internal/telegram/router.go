package telegram

import (
	"context"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/sirupsen/logrus"

	applog "github.com/Kerhoff/wishpool/pkg/logger"
)

const (
	unknownCommandText = "❓ Unknown command. Use /help to see available commands."
	commandFailedText  = "❌ Something went wrong while loading that. Please try again."
)

// Reply is the message a command answers with.
type Reply struct {
	Text     string
	Markdown bool
}

// CommandHandler answers one bot command. Errors are logged and the chat
// gets a generic failure message; user mistakes should be answered with a
// Reply instead.
type CommandHandler interface {
	Handle(ctx context.Context, chatID int64, args []string) (Reply, error)
}

// Sender delivers messages to Telegram. *tgbotapi.BotAPI satisfies it.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Router maps bot commands to handlers.
type Router struct {
	logger   *logrus.Entry
	handlers map[string]CommandHandler
	timeout  time.Duration
}

// NewRouter creates a router whose handlers get at most timeout per command.
func NewRouter(logger *logrus.Logger, timeout time.Duration) *Router {
	return &Router{
		logger:   applog.Component(logger, "telegram_router"),
		handlers: make(map[string]CommandHandler),
		timeout:  timeout,
	}
}

// RegisterCommand registers a handler for /command. Commands match
// case-insensitively.
func (r *Router) RegisterCommand(command string, handler CommandHandler) {
	r.handlers[strings.ToLower(command)] = handler
	r.logger.Debugf("Registered command: %s", command)
}

// HandleMessage answers command messages and ignores everything else.
func (r *Router) HandleMessage(ctx context.Context, sender Sender, message *tgbotapi.Message) {
	reply, ok := r.dispatch(ctx, message)
	if !ok {
		return
	}

	msg := tgbotapi.NewMessage(message.Chat.ID, reply.Text)
	if reply.Markdown {
		msg.ParseMode = tgbotapi.ModeMarkdown
	}
	if _, err := sender.Send(msg); err != nil {
		r.logger.WithError(err).WithField("chat_id", message.Chat.ID).Error("Failed to send command reply")
	}
}

// dispatch runs the handler for message and returns its reply. ok is false
// when the message is not a command.
func (r *Router) dispatch(ctx context.Context, message *tgbotapi.Message) (Reply, bool) {
	if message == nil || message.Chat == nil || !message.IsCommand() {
		return Reply{}, false
	}

	command := strings.ToLower(message.Command())
	fields := logrus.Fields{
		"command": command,
		"chat_id": message.Chat.ID,
	}

	handler, exists := r.handlers[command]
	if !exists {
		r.logger.WithFields(fields).Warn("Unknown command")
		return Reply{Text: unknownCommandText}, true
	}

	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	reply, err := handler.Handle(ctx, message.Chat.ID, strings.Fields(message.CommandArguments()))
	if err != nil {
		r.logger.WithFields(fields).WithError(err).Error("Command handler failed")
		return Reply{Text: commandFailedText}, true
	}
	r.logger.WithFields(fields).Debug("Handled command")
	return reply, true
}
