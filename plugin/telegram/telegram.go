// Package telegram drives the chat orchestrator from Telegram text messages
// over long polling. Telegram users have no connected wallet, so plan
// building works end to end but creation stops at the confirmation step
// with a connect-wallet reply.
package telegram

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/pkg/errors"

	"github.com/dripcast/dripcast/ai/chat"
	"github.com/dripcast/dripcast/ai/metrics"
	"github.com/dripcast/dripcast/internal/strutil"
)

const (
	pollTimeoutSeconds = 30

	// Telegram rejects messages over 4096 characters.
	maxMessageLen = 4096

	internalErrorReply = "Something went wrong on my side. Please try again."
	confirmHint        = "Reply \"confirm\" to create the plan or \"cancel\" to discard it."
)

// Orchestrator is the chat pipeline the bot forwards messages to.
type Orchestrator interface {
	Handle(ctx context.Context, req chat.Request) (*chat.Response, error)
}

var _ Orchestrator = (*chat.Orchestrator)(nil)

// Bot is a long-polling Telegram surface over the orchestrator.
type Bot struct {
	api          *tgbotapi.BotAPI
	orchestrator Orchestrator
	exporter     *metrics.Exporter

	// pending maps a chat to the confirmation token from the last
	// confirm_plan reply, so a typed "confirm"/"cancel" can reference it.
	mu      sync.Mutex
	pending map[int64]string
}

func NewBot(token string, orchestrator Orchestrator, exporter *metrics.Exporter) (*Bot, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, errors.Wrap(err, "create telegram bot")
	}
	slog.Info("telegram.bot.authorized", "username", api.Self.UserName)

	return &Bot{
		api:          api,
		orchestrator: orchestrator,
		exporter:     exporter,
		pending:      make(map[int64]string),
	}, nil
}

// Run polls for updates until the context is cancelled or the update
// channel closes.
func (b *Bot) Run(ctx context.Context) {
	cfg := tgbotapi.NewUpdate(0)
	cfg.Timeout = pollTimeoutSeconds
	updates := b.api.GetUpdatesChan(cfg)

	slog.Info("telegram.bot.polling")
	for {
		select {
		case <-ctx.Done():
			b.Stop()
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			b.handleUpdate(ctx, update)
		}
	}
}

// Stop ends the long poll; the Run loop drains and returns.
func (b *Bot) Stop() {
	b.api.StopReceivingUpdates()
}

func (b *Bot) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	msg := update.Message
	if msg == nil || msg.Text == "" {
		return
	}

	reply := b.replyTo(ctx, msg.Chat.ID, msg.Text)
	if reply == "" {
		return
	}

	out := tgbotapi.NewMessage(msg.Chat.ID, strutil.Truncate(reply, maxMessageLen-3))
	if _, err := b.api.Send(out); err != nil {
		slog.Warn("telegram.send.failed", "chat_id", msg.Chat.ID, "error", err)
	}
}

// replyTo runs one text message through the orchestrator and renders the
// reply. A bare "confirm" or "cancel" is bound to the chat's pending
// confirmation token when one exists.
func (b *Bot) replyTo(ctx context.Context, chatID int64, text string) string {
	b.exporter.RecordChatRequest("telegram")

	req := chat.Request{
		Message:    text,
		SessionKey: sessionKey(chatID),
	}
	if action := normalizeAction(text); action != "" {
		if token := b.pendingToken(chatID); token != "" {
			req.ConfirmationID = token
			req.Action = action
		}
	}

	resp, err := b.orchestrator.Handle(ctx, req)
	if err != nil {
		slog.Warn("telegram.chat.failed", "chat_id", chatID, "error", err)
		return internalErrorReply
	}

	switch resp.Action {
	case chat.ActionConfirmPlan:
		if data, ok := resp.Data.(chat.ConfirmationData); ok {
			b.setPending(chatID, data.ConfirmationID)
		}
		return resp.Response + "\n\n" + confirmHint
	case chat.ActionPlanCreated, chat.ActionPlanCancelled:
		b.setPending(chatID, "")
	}
	return resp.Response
}

func (b *Bot) pendingToken(chatID int64) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pending[chatID]
}

func (b *Bot) setPending(chatID int64, token string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pending == nil {
		b.pending = make(map[int64]string)
	}
	if token == "" {
		delete(b.pending, chatID)
		return
	}
	b.pending[chatID] = token
}

func normalizeAction(text string) string {
	switch strings.ToLower(strings.TrimSpace(text)) {
	case chat.ActionConfirm, "yes":
		return chat.ActionConfirm
	case chat.ActionCancel, "no":
		return chat.ActionCancel
	}
	return ""
}

func sessionKey(chatID int64) string {
	return "telegram:" + strconv.FormatInt(chatID, 10)
}
