// Package discord adapts the Discord gateway API to the Channel
// interface, grounded on the teacher's internal/channels/discord package
// for the session/intents/AddHandler shape, with every managed-mode
// concern (group file-writer pairing, typing-indicator controllers,
// pairing-code DM debounce) stripped: this framework is
// single-agent-per-process and has no routing surface for them.
package discord

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/bwmarrin/discordgo"

	"github.com/nibot/nibot/internal/bus"
	"github.com/nibot/nibot/internal/channels"
	"github.com/nibot/nibot/internal/types"
)

// Config carries the Discord-specific settings this adapter needs.
type Config struct {
	Token          string
	AllowFrom      []string
	DMPolicy       string
	GroupPolicy    string
	RequireMention bool
}

// Channel connects to Discord via the gateway API.
type Channel struct {
	*channels.BaseChannel

	session *discordgo.Session
	cfg     Config
	log     *slog.Logger

	mu        sync.Mutex
	botUserID string
	lastMsgID map[string]string // channel ID -> last-sent message ID, for in-place stream edits
}

// New constructs a Discord channel from cfg.
func New(cfg Config, b *bus.MessageBus, log *slog.Logger) (*Channel, error) {
	if log == nil {
		log = slog.Default()
	}
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent

	return &Channel{
		BaseChannel: channels.NewBaseChannel("discord", b, cfg.AllowFrom),
		session:     session,
		cfg:         cfg,
		log:         log,
		lastMsgID:   make(map[string]string),
	}, nil
}

// Start opens the Discord gateway connection.
func (c *Channel) Start(ctx context.Context) error {
	c.session.AddHandler(c.handleMessage)
	if err := c.session.Open(); err != nil {
		return fmt.Errorf("open discord session: %w", err)
	}
	if c.session.State != nil && c.session.State.User != nil {
		c.mu.Lock()
		c.botUserID = c.session.State.User.ID
		c.mu.Unlock()
	}
	c.SetRunning(true)
	c.log.Info("discord bot connected")
	return nil
}

func (c *Channel) handleMessage(_ *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot || m.Content == "" {
		return
	}

	c.mu.Lock()
	botID := c.botUserID
	c.mu.Unlock()
	if botID != "" && m.Author.ID == botID {
		return
	}

	isGroup := m.GuildID != ""
	peerKind := "direct"
	if isGroup {
		peerKind = "group"
	}
	senderID := fmt.Sprintf("%s|%s", m.Author.ID, m.Author.Username)
	if !c.CheckPolicy(peerKind, c.cfg.DMPolicy, c.cfg.GroupPolicy, senderID) {
		return
	}
	if isGroup && c.cfg.RequireMention && botID != "" && !strings.Contains(m.Content, "<@"+botID+">") {
		return
	}

	c.HandleMessage(senderID, m.ChannelID, stripMention(m.Content, botID), nil, map[string]string{"discord_message_id": m.ID})
}

func stripMention(content, botID string) string {
	if botID == "" {
		return strings.TrimSpace(content)
	}
	content = strings.ReplaceAll(content, "<@"+botID+">", "")
	content = strings.ReplaceAll(content, "<@!"+botID+">", "")
	return strings.TrimSpace(content)
}

// Stop closes the Discord gateway connection.
func (c *Channel) Stop(ctx context.Context) error {
	c.SetRunning(false)
	return c.session.Close()
}

// Send delivers an outbound envelope. Interim streaming chunks edit the
// previous message in place; a terminal chunk sends/edits a final message
// and clears the tracked message ID.
func (c *Channel) Send(ctx context.Context, e types.Envelope) error {
	if e.Metadata[types.MetaProgress] != "" || e.Content == "" {
		return nil
	}

	streaming := e.Metadata[types.MetaStreaming] == "true"
	done := e.Metadata[types.MetaStreamDone] == "true"

	c.mu.Lock()
	msgID, hasPrior := c.lastMsgID[e.ChatID]
	c.mu.Unlock()

	var err error
	if streaming && hasPrior {
		_, err = c.session.ChannelMessageEdit(e.ChatID, msgID, e.Content)
	} else {
		var sent *discordgo.Message
		sent, err = c.session.ChannelMessageSend(e.ChatID, e.Content)
		if err == nil {
			c.mu.Lock()
			c.lastMsgID[e.ChatID] = sent.ID
			c.mu.Unlock()
		}
	}
	if err != nil {
		return fmt.Errorf("discord send: %w", err)
	}

	if !streaming || done {
		c.mu.Lock()
		delete(c.lastMsgID, e.ChatID)
		c.mu.Unlock()
	}
	return nil
}
