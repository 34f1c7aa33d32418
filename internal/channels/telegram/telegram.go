// Package telegram adapts the Telegram Bot API (long polling) to the
// Channel interface, grounded on the teacher's internal/channels/telegram
// package for the overall bot-lifecycle shape (telego.NewBot,
// UpdatesViaLongPolling, a cancellable polling goroutine joined on Stop)
// with every managed-mode concern (group file-writer commands, task
// commands, speech-to-text transcription, typing-indicator controllers,
// pairing-code DM onboarding) stripped: none of those have a SPEC_FULL.md
// home in a single-agent-per-process framework.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/nibot/nibot/internal/bus"
	"github.com/nibot/nibot/internal/channels"
	"github.com/nibot/nibot/internal/types"
)

// Config carries the Telegram-specific settings this adapter needs.
type Config struct {
	Token          string
	Proxy          string
	AllowFrom      []string
	DMPolicy       string
	GroupPolicy    string
	RequireMention bool
}

// Channel connects to Telegram via the Bot API using long polling.
type Channel struct {
	*channels.BaseChannel

	bot    *telego.Bot
	cfg    Config
	log    *slog.Logger

	mu         sync.Mutex
	lastMsgID  map[string]int // chatID -> last-sent message ID, for in-place stream edits
	pollCancel context.CancelFunc
	pollDone   chan struct{}
}

// New constructs a Telegram channel from cfg.
func New(cfg Config, b *bus.MessageBus, log *slog.Logger) (*Channel, error) {
	if log == nil {
		log = slog.Default()
	}
	var opts []telego.BotOption
	if cfg.Proxy != "" {
		proxyURL, err := url.Parse(cfg.Proxy)
		if err != nil {
			return nil, fmt.Errorf("invalid telegram proxy URL %q: %w", cfg.Proxy, err)
		}
		opts = append(opts, telego.WithHTTPClient(&http.Client{
			Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)},
		}))
	}

	bot, err := telego.NewBot(cfg.Token, opts...)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}

	return &Channel{
		BaseChannel: channels.NewBaseChannel("telegram", b, cfg.AllowFrom),
		bot:         bot,
		cfg:         cfg,
		log:         log,
		lastMsgID:   make(map[string]int),
	}, nil
}

// Start begins long polling for Telegram updates.
func (c *Channel) Start(ctx context.Context) error {
	pollCtx, cancel := context.WithCancel(ctx)
	c.pollCancel = cancel
	c.pollDone = make(chan struct{})

	updates, err := c.bot.UpdatesViaLongPolling(pollCtx, &telego.GetUpdatesParams{
		Timeout:        30,
		AllowedUpdates: []string{"message"},
	})
	if err != nil {
		cancel()
		return fmt.Errorf("start telegram long polling: %w", err)
	}

	c.SetRunning(true)
	c.log.Info("telegram bot connected", "username", c.bot.Username())

	go func() {
		defer close(c.pollDone)
		for {
			select {
			case <-pollCtx.Done():
				return
			case update, ok := <-updates:
				if !ok {
					return
				}
				if update.Message != nil {
					c.handleMessage(update.Message)
				}
			}
		}
	}()

	return nil
}

func (c *Channel) handleMessage(msg *telego.Message) {
	if msg.From == nil || (msg.Text == "" && len(msg.Photo) == 0) {
		return
	}

	senderID := fmt.Sprintf("%d", msg.From.ID)
	if msg.From.Username != "" {
		senderID = fmt.Sprintf("%d|%s", msg.From.ID, msg.From.Username)
	}

	isGroup := msg.Chat.Type == "group" || msg.Chat.Type == "supergroup"
	peerKind := "direct"
	if isGroup {
		peerKind = "group"
	}
	if !c.CheckPolicy(peerKind, c.cfg.DMPolicy, c.cfg.GroupPolicy, senderID) {
		return
	}
	if isGroup && c.cfg.RequireMention && !mentionsBot(msg, c.bot.Username()) {
		return
	}

	chatID := fmt.Sprintf("%d", msg.Chat.ID)
	c.HandleMessage(senderID, chatID, msg.Text, nil, map[string]string{"telegram_message_id": fmt.Sprintf("%d", msg.MessageID)})
}

func mentionsBot(msg *telego.Message, username string) bool {
	if username == "" {
		return true
	}
	needle := "@" + username
	for _, entity := range msg.Entities {
		if entity.Type == "mention" {
			start, end := entity.Offset, entity.Offset+entity.Length
			if start >= 0 && end <= len(msg.Text) && msg.Text[start:end] == needle {
				return true
			}
		}
	}
	return false
}

// Stop cancels long polling and waits for the polling goroutine to exit
// so Telegram releases the getUpdates lock before a future Start.
func (c *Channel) Stop(ctx context.Context) error {
	c.SetRunning(false)
	if c.pollCancel != nil {
		c.pollCancel()
	}
	if c.pollDone != nil {
		select {
		case <-c.pollDone:
		case <-time.After(10 * time.Second):
			c.log.Warn("telegram polling goroutine did not exit within timeout")
		}
	}
	return nil
}

// Send delivers an outbound envelope. Interim streaming chunks edit the
// previous message for the chat in place; a terminal chunk (or a
// non-streaming reply) sends/edits a final message and clears the
// tracked message ID so the next turn starts fresh.
func (c *Channel) Send(ctx context.Context, e types.Envelope) error {
	if e.Metadata[types.MetaProgress] != "" || e.Content == "" {
		return nil
	}

	chatIDInt, err := parseChatID(e.ChatID)
	if err != nil {
		return fmt.Errorf("telegram: invalid chat id %q: %w", e.ChatID, err)
	}
	chatID := tu.ID(chatIDInt)

	streaming := e.Metadata[types.MetaStreaming] == "true"
	done := e.Metadata[types.MetaStreamDone] == "true"

	c.mu.Lock()
	msgID, hasPrior := c.lastMsgID[e.ChatID]
	c.mu.Unlock()

	if streaming && hasPrior {
		_, err = c.bot.EditMessageText(ctx, &telego.EditMessageTextParams{
			ChatID:    chatID,
			MessageID: msgID,
			Text:      e.Content,
		})
	} else {
		var sent *telego.Message
		sent, err = c.bot.SendMessage(ctx, tu.Message(chatID, e.Content))
		if err == nil {
			c.mu.Lock()
			c.lastMsgID[e.ChatID] = sent.MessageID
			c.mu.Unlock()
		}
	}
	if err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}

	if !streaming || done {
		c.mu.Lock()
		delete(c.lastMsgID, e.ChatID)
		c.mu.Unlock()
	}
	return nil
}

func parseChatID(chatIDStr string) (int64, error) {
	var id int64
	_, err := fmt.Sscanf(chatIDStr, "%d", &id)
	return id, err
}
