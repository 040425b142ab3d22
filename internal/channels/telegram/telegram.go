// Package telegram implements hiboss.ChatAdapter over Telegram's bot
// API, grounded on the teacher's long-polling TelegramBot (see
// serve/telegram.go) but adapted from its DSL-interpreter-calling shape
// to route inbound messages through the Router's envelope contract
// instead.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/evilpsycho42/hiboss"
)

// Store is the subset of store.Store this adapter needs to resolve
// which agent owns an inbound chat and whether the sender is the boss.
type Store interface {
	GetBindingByAdapter(ctx context.Context, adapterType, adapterToken string) (*hiboss.Binding, error)
	GetConfig(ctx context.Context, key string) (string, bool, error)
}

// routeFunc hands an inbound Envelope to the Router; the daemon wiring
// supplies router.Router.RouteEnvelope wrapped to build a
// RouteEnvelopeInput, keeping this package free of an import on
// internal/router.
type routeFunc func(ctx context.Context, env hiboss.Envelope) (hiboss.Envelope, error)

// Adapter is a Telegram-backed hiboss.ChatAdapter (§6.1). One Adapter
// instance corresponds to one bot token, which may be bound to at most
// one agent (the Binding's uniqueness constraint, see binding.go).
type Adapter struct {
	bot   *tgbotapi.BotAPI
	token string
	store Store
	route routeFunc

	mu      sync.Mutex
	cancel  context.CancelFunc
	stopped chan struct{}
}

// New constructs a Telegram Adapter. route is called with each inbound
// message converted to an Envelope already addressed from
// channel:telegram:<chatId> to agent:<name>; wiring which agent that
// is happens once per update via store.GetBindingByAdapter, since a bot
// token may only ever be bound to a single agent.
func New(token string, store Store, route func(ctx context.Context, env hiboss.Envelope) (hiboss.Envelope, error)) (*Adapter, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram: init bot: %w", err)
	}
	bot.Debug = false
	return &Adapter{bot: bot, token: token, store: store, route: route}, nil
}

func (a *Adapter) Platform() string { return "telegram" }

// Start launches the long-polling loop in a background goroutine and
// returns immediately; Stop cancels it.
func (a *Adapter) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.cancel != nil {
		a.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.stopped = make(chan struct{})
	a.mu.Unlock()

	go a.run(runCtx)
	return nil
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	cancel := a.cancel
	stopped := a.stopped
	a.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-stopped:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func (a *Adapter) run(ctx context.Context) {
	defer close(a.stopped)

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := a.bot.GetUpdatesChan(u)

	for {
		select {
		case update, ok := <-updates:
			if !ok {
				return
			}
			go a.handle(ctx, update)
		case <-ctx.Done():
			a.bot.StopReceivingUpdates()
			return
		}
	}
}

func (a *Adapter) handle(ctx context.Context, update tgbotapi.Update) {
	if update.Message == nil || update.Message.Text == "" {
		return
	}

	chatID := strconv.FormatInt(update.Message.Chat.ID, 10)
	binding, err := a.store.GetBindingByAdapter(ctx, a.Platform(), a.token)
	if err != nil || binding == nil {
		slog.Warn("telegram: no agent bound to this bot token", "chatId", chatID)
		return
	}

	env := hiboss.Envelope{
		From: hiboss.ChannelAddress(a.Platform(), chatID),
		To:   hiboss.AgentAddress(binding.AgentName),
		Content: hiboss.Content{
			Text: update.Message.Text,
		},
		Metadata: hiboss.EnvelopeMetadata{
			ChannelMessageID: strconv.Itoa(update.Message.MessageID),
			Author:           authorName(update),
			Chat:             chatID,
		},
	}

	// The boss's Telegram user id is recorded at setup time; messages
	// from that id carry the fromBoss marker (§3: only a boss principal
	// may set it, and the daemon vouches for the configured id here).
	if update.Message.From != nil {
		senderID := strconv.FormatInt(update.Message.From.ID, 10)
		if bossID, ok, err := a.store.GetConfig(ctx, hiboss.ConfigAdapterBossID(a.Platform())); err == nil && ok && bossID == senderID {
			env.FromBoss = true
			if name, ok, err := a.store.GetConfig(ctx, hiboss.ConfigBossName); err == nil && ok {
				env.Metadata.FromName = name
			}
		}
	}

	if _, err := a.route(ctx, env); err != nil {
		slog.Error("telegram: route inbound envelope", "error", err, "chatId", chatID)
	}
}

func authorName(update tgbotapi.Update) string {
	if update.Message.From == nil {
		return ""
	}
	if update.Message.From.UserName != "" {
		return update.Message.From.UserName
	}
	return update.Message.From.FirstName
}

func (a *Adapter) SendText(ctx context.Context, chatID, text string, opts hiboss.SendOptions) (hiboss.SendResult, error) {
	id, err := parseChatID(chatID)
	if err != nil {
		return hiboss.SendResult{}, err
	}
	msg := tgbotapi.NewMessage(id, text)
	applyOpts(&msg, opts)

	sent, err := a.bot.Send(msg)
	if err != nil {
		return hiboss.SendResult{}, hiboss.Wrap(hiboss.ErrInternal, "telegram.sendText", err)
	}
	return hiboss.SendResult{ChannelMessageID: strconv.Itoa(sent.MessageID)}, nil
}

func (a *Adapter) SendAttachment(ctx context.Context, chatID string, attachment hiboss.Attachment, opts hiboss.SendOptions) (hiboss.SendResult, error) {
	id, err := parseChatID(chatID)
	if err != nil {
		return hiboss.SendResult{}, err
	}
	file := tgbotapi.FilePath(attachment.Source)
	doc := tgbotapi.NewDocument(id, file)
	if opts.ReplyToMessageID != "" {
		if n, err := strconv.Atoi(opts.ReplyToMessageID); err == nil {
			doc.ReplyToMessageID = n
		}
	}
	sent, err := a.bot.Send(doc)
	if err != nil {
		return hiboss.SendResult{}, hiboss.Wrap(hiboss.ErrInternal, "telegram.sendAttachment", err)
	}
	return hiboss.SendResult{ChannelMessageID: strconv.Itoa(sent.MessageID)}, nil
}

// SetReaction is not implemented by this adapter: the pinned
// telegram-bot-api version this module vendors predates typed helpers
// for Bot API's setMessageReaction method. The not-found error
// surfaces to reaction.set callers as an RPC error, not a silent
// no-op, so a boss invoking it learns the adapter can't do it.
func (a *Adapter) SetReaction(ctx context.Context, chatID, channelMessageID, emoji string) error {
	return hiboss.NewError(hiboss.ErrNotFound, "telegram.setReaction", "reactions are not supported by this adapter")
}

func applyOpts(msg *tgbotapi.MessageConfig, opts hiboss.SendOptions) {
	switch opts.ParseMode {
	case hiboss.ParseModeMarkdownV2:
		msg.ParseMode = tgbotapi.ModeMarkdownV2
	case hiboss.ParseModeHTML:
		msg.ParseMode = tgbotapi.ModeHTML
	}
	if opts.ReplyToMessageID != "" {
		if n, err := strconv.Atoi(opts.ReplyToMessageID); err == nil {
			msg.ReplyToMessageID = n
		}
	}
}

func parseChatID(chatID string) (int64, error) {
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return 0, hiboss.NewError(hiboss.ErrInvalidParams, "telegram", "invalid chat id %q", chatID)
	}
	return id, nil
}

var _ hiboss.ChatAdapter = (*Adapter)(nil)
