// Package discord is the Discord frontend. It owns the discordgo session
// lifecycle and feeds guild and DM messages into the dispatcher as turns
// with source tag "discord".
package discord

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/AverageNftEnjoyer/nova/internal/config"
	"github.com/AverageNftEnjoyer/nova/pkg/types"
)

// messageCharLimit is Discord's hard message-length cap.
const messageCharLimit = 2000

// turnTimeout bounds one dispatched turn from this frontend.
const turnTimeout = 2 * time.Minute

// Dispatcher routes one turn. Satisfied by *dispatch.Dispatcher.
type Dispatcher interface {
	Dispatch(ctx context.Context, in types.TurnInput) (*types.RunSummary, error)
}

// Replier is the slice of the discordgo session the frontend writes
// through. Narrow so tests can stub it.
type Replier interface {
	ChannelMessageSend(channelID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// Frontend bridges Discord messages to the dispatcher.
type Frontend struct {
	log      *slog.Logger
	session  *discordgo.Session
	dispatch Dispatcher
	channels map[string]bool
}

// New creates the frontend and registers the message handler. The session
// is not opened until Run.
func New(cfg config.DiscordConfig, d Dispatcher, log *slog.Logger) (*Frontend, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("discord: token not configured")
	}
	if log == nil {
		log = slog.Default()
	}
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("discord: create session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentMessageContent

	f := &Frontend{
		log:      log.With("component", "discord"),
		session:  session,
		dispatch: d,
		channels: make(map[string]bool, len(cfg.ChannelIDs)),
	}
	for _, id := range cfg.ChannelIDs {
		f.channels[id] = true
	}
	session.AddHandler(f.onMessage)
	return f, nil
}

// Run opens the gateway connection and blocks until ctx is cancelled.
func (f *Frontend) Run(ctx context.Context) error {
	if err := f.session.Open(); err != nil {
		return fmt.Errorf("discord: open session: %w", err)
	}
	f.log.Info("gateway connected")
	<-ctx.Done()
	return f.session.Close()
}

func (f *Frontend) onMessage(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot {
		return
	}
	if s.State != nil && s.State.User != nil && m.Author.ID == s.State.User.ID {
		return
	}
	if len(f.channels) > 0 && !f.channels[m.ChannelID] {
		return
	}
	text := strings.TrimSpace(m.Content)
	if text == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), turnTimeout)
	defer cancel()
	f.handle(ctx, s, m, text)
}

// handle dispatches the turn and writes the reply back, split to Discord's
// message cap.
func (f *Frontend) handle(ctx context.Context, replier Replier, m *discordgo.MessageCreate, text string) {
	sum, err := f.dispatch.Dispatch(ctx, TurnInputFromMessage(m, text))
	if err != nil {
		f.log.Error("dispatch failed", "channel", m.ChannelID, "err", err)
		f.send(replier, m.ChannelID,
			"I couldn't process that one; my provider setup is unhappy. Try again in a moment.")
		return
	}
	if sum.Reply == "" {
		return
	}
	f.send(replier, m.ChannelID, sum.Reply)
}

func (f *Frontend) send(replier Replier, channelID, reply string) {
	for _, chunk := range SplitMessage(reply, messageCharLimit) {
		if _, err := replier.ChannelMessageSend(channelID, chunk); err != nil {
			f.log.Error("message send failed", "channel", channelID, "err", err)
			return
		}
	}
}

// TurnInputFromMessage maps a Discord message onto a turn. The channel
// doubles as the conversation; the session key pins dedupe and
// confirmations to (channel, author).
func TurnInputFromMessage(m *discordgo.MessageCreate, text string) types.TurnInput {
	return types.TurnInput{
		Text:             text,
		Source:           "discord",
		SenderID:         m.Author.ID,
		UserContextID:    m.Author.ID,
		SessionKey:       "discord:" + m.ChannelID + ":" + m.Author.ID,
		ConversationID:   m.ChannelID,
		InboundMessageID: m.ID,
	}
}

// SplitMessage cuts reply into chunks within limit, preferring newline
// boundaries and falling back to hard cuts for unbroken runs.
func SplitMessage(reply string, limit int) []string {
	if limit <= 0 || len(reply) <= limit {
		return []string{reply}
	}
	var chunks []string
	rest := reply
	for len(rest) > limit {
		cut := strings.LastIndex(rest[:limit], "\n")
		if cut <= 0 {
			cut = limit
		}
		chunks = append(chunks, strings.TrimRight(rest[:cut], "\n"))
		rest = strings.TrimLeft(rest[cut:], "\n")
	}
	if rest != "" {
		chunks = append(chunks, rest)
	}
	return chunks
}
