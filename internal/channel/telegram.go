package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"convpipe/internal/domain"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

const telegramMaxMsgLen = 4000

// Telegram is a transport over the Telegram Bot API. Counterparts are chat
// IDs; inbound messages are published as "telegram:<chatID>".
type Telegram struct {
	token     string
	endpoint  string
	client    *http.Client
	allowFrom []int64 // empty allows everyone
	parseMode string
	tenant    string

	mu     sync.Mutex
	bot    *tgbotapi.BotAPI
	bus    domain.MessageBus
	logger *slog.Logger
}

type TelegramConfig struct {
	Token     string
	AllowFrom []string // user IDs as strings
	ParseMode string
	Tenant    string // stamped on inbound events; empty uses the pipeline default
	// APIEndpoint overrides tgbotapi.APIEndpoint, e.g. for a local Bot API server.
	APIEndpoint string
	Client      *http.Client
	Logger      *slog.Logger
}

func NewTelegram(cfg TelegramConfig) *Telegram {
	var allowed []int64
	for _, s := range cfg.AllowFrom {
		if id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64); err == nil {
			allowed = append(allowed, id)
		}
	}
	if cfg.APIEndpoint == "" {
		cfg.APIEndpoint = tgbotapi.APIEndpoint
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: 60 * time.Second}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Telegram{
		token:     cfg.Token,
		endpoint:  cfg.APIEndpoint,
		client:    cfg.Client,
		allowFrom: allowed,
		parseMode: cfg.ParseMode,
		tenant:    cfg.Tenant,
		logger:    cfg.Logger,
	}
}

func (t *Telegram) Name() string { return "telegram" }

// Connect authenticates the bot. Send and Start connect lazily, but calling
// it at startup surfaces a bad token early.
func (t *Telegram) Connect() error {
	_, err := t.connect()
	return err
}

func (t *Telegram) connect() (*tgbotapi.BotAPI, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.bot != nil {
		return t.bot, nil
	}
	bot, err := tgbotapi.NewBotAPIWithClient(t.token, t.endpoint, t.client)
	if err != nil {
		return nil, fmt.Errorf("telegram bot init: %w", err)
	}
	t.bot = bot
	t.logger.Info("telegram bot connected",
		"username", bot.Self.UserName,
		"id", bot.Self.ID,
	)
	return bot, nil
}

// Start long-polls for updates and publishes text messages to bus until ctx
// is done.
func (t *Telegram) Start(ctx context.Context, bus domain.MessageBus) error {
	bot, err := t.connect()
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.bus = bus
	t.mu.Unlock()

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := bot.GetUpdatesChan(u)
	t.logger.Info("telegram polling started")

	for {
		select {
		case <-ctx.Done():
			t.logger.Info("telegram channel stopping")
			bot.StopReceivingUpdates()
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			t.handleUpdate(update)
		}
	}
}

// Stop is a no-op: polling ends when Start's context is cancelled, and
// calling StopReceivingUpdates twice panics.
func (t *Telegram) Stop() error { return nil }

// Send delivers content to a chat ID, splitting at the Telegram size limit.
// The receipt carries the ID of the last chunk.
func (t *Telegram) Send(ctx context.Context, counterpart, content string) (domain.DeliveryReceipt, error) {
	chatID, err := strconv.ParseInt(strings.TrimSpace(counterpart), 10, 64)
	if err != nil {
		return domain.DeliveryReceipt{}, fmt.Errorf("invalid telegram chat ID %q: %w", counterpart, err)
	}
	bot, err := t.connect()
	if err != nil {
		return domain.DeliveryReceipt{}, err
	}

	var last tgbotapi.Message
	for _, chunk := range splitMessage(content, telegramMaxMsgLen) {
		if err := ctx.Err(); err != nil {
			return domain.DeliveryReceipt{}, err
		}
		last, err = t.sendChunk(bot, chatID, chunk)
		if err != nil {
			return domain.DeliveryReceipt{}, err
		}
	}
	return domain.DeliveryReceipt{
		Transport: t.Name(),
		MessageID: strconv.Itoa(last.MessageID),
		SentAt:    time.Now(),
	}, nil
}

// sendChunk tries the configured parse mode first and falls back to plain
// text when Telegram rejects the markup. Other failures are returned to the
// caller, whose retry policy decides what happens next.
func (t *Telegram) sendChunk(bot *tgbotapi.BotAPI, chatID int64, text string) (tgbotapi.Message, error) {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = t.parseMode
	sent, err := bot.Send(msg)
	if err == nil {
		return sent, nil
	}

	var apiErr *tgbotapi.Error
	if msg.ParseMode != "" && errors.As(err, &apiErr) && strings.Contains(apiErr.Message, "can't parse entities") {
		t.logger.Warn("telegram markup rejected, retrying as plain text", "chat_id", chatID, "parse_mode", t.parseMode)
		msg.ParseMode = ""
		sent, err = bot.Send(msg)
		if err == nil {
			return sent, nil
		}
	}
	if errors.As(err, &apiErr) && apiErr.RetryAfter > 0 {
		return sent, fmt.Errorf("telegram rate limited, retry after %ds: %w", apiErr.RetryAfter, err)
	}
	return sent, fmt.Errorf("telegram send: %w", err)
}

func (t *Telegram) handleUpdate(update tgbotapi.Update) {
	if update.Message == nil || update.Message.From == nil || update.Message.Chat == nil {
		return
	}

	userID := update.Message.From.ID
	chatID := update.Message.Chat.ID

	if !t.isAllowed(userID) {
		t.logger.Warn("telegram message from user outside allow list",
			"user_id", userID,
			"username", update.Message.From.UserName,
		)
		return
	}

	text := strings.TrimSpace(update.Message.Text)
	if text == "" || update.Message.IsCommand() {
		return
	}

	t.logger.Info("telegram message received",
		"user_id", userID,
		"chat_id", chatID,
		"text_len", len(text),
	)

	t.mu.Lock()
	bus := t.bus
	t.mu.Unlock()
	if bus == nil {
		return
	}
	bus.Publish(domain.InboundEvent{
		Tenant:      t.tenant,
		Channel:     t.Name(),
		Counterpart: Address(t.Name(), strconv.FormatInt(chatID, 10)),
		Body:        text,
		ExternalID:  strconv.Itoa(update.Message.MessageID),
		Timestamp:   time.Unix(int64(update.Message.Date), 0),
	})
}

func (t *Telegram) isAllowed(userID int64) bool {
	if len(t.allowFrom) == 0 {
		return true
	}
	for _, id := range t.allowFrom {
		if id == userID {
			return true
		}
	}
	return false
}

// splitMessage cuts text into chunks of at most maxLen bytes, preferring
// line breaks and never splitting a UTF-8 sequence.
func splitMessage(text string, maxLen int) []string {
	if len(text) <= maxLen {
		return []string{text}
	}
	var chunks []string
	for len(text) > maxLen {
		cutAt := strings.LastIndex(text[:maxLen], "\n")
		if cutAt < maxLen/2 {
			cutAt = maxLen
			for cutAt > 0 && !utf8.RuneStart(text[cutAt]) {
				cutAt--
			}
		}
		chunks = append(chunks, text[:cutAt])
		text = text[cutAt:]
	}
	if text != "" {
		chunks = append(chunks, text)
	}
	return chunks
}
