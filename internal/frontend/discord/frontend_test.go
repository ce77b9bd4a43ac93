package discord

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/bwmarrin/discordgo"

	"github.com/AverageNftEnjoyer/nova/internal/config"
	"github.com/AverageNftEnjoyer/nova/pkg/types"
)

type stubDispatcher struct {
	in  types.TurnInput
	sum *types.RunSummary
	err error
}

func (s *stubDispatcher) Dispatch(_ context.Context, in types.TurnInput) (*types.RunSummary, error) {
	s.in = in
	return s.sum, s.err
}

type stubReplier struct {
	channel string
	sent    []string
	err     error
}

func (s *stubReplier) ChannelMessageSend(channelID, content string, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	s.channel = channelID
	s.sent = append(s.sent, content)
	return &discordgo.Message{}, s.err
}

func message(channel, author, text string) *discordgo.MessageCreate {
	return &discordgo.MessageCreate{Message: &discordgo.Message{
		ID:        "msg-1",
		ChannelID: channel,
		Content:   text,
		Author:    &discordgo.User{ID: author},
	}}
}

func TestTurnInputFromMessage(t *testing.T) {
	in := TurnInputFromMessage(message("chan-1", "user-7", "hello"), "hello")

	if in.Source != "discord" || in.Text != "hello" {
		t.Errorf("in = %+v", in)
	}
	if in.UserContextID != "user-7" || in.ConversationID != "chan-1" {
		t.Errorf("ids = %+v", in)
	}
	if in.SessionKey != "discord:chan-1:user-7" {
		t.Errorf("SessionKey = %q", in.SessionKey)
	}
}

func TestHandle_SendsReply(t *testing.T) {
	d := &stubDispatcher{sum: &types.RunSummary{OK: true, Reply: "hi there"}}
	f, err := New(config.DiscordConfig{Token: "t"}, d, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	r := &stubReplier{}

	f.handle(context.Background(), r, message("chan-1", "user-7", "hello"), "hello")

	if d.in.Text != "hello" {
		t.Errorf("dispatched text = %q", d.in.Text)
	}
	if r.channel != "chan-1" || len(r.sent) != 1 || r.sent[0] != "hi there" {
		t.Errorf("sent = %+v on %q", r.sent, r.channel)
	}
}

func TestHandle_DispatchErrorSendsApology(t *testing.T) {
	d := &stubDispatcher{err: errors.New("no provider")}
	f, err := New(config.DiscordConfig{Token: "t"}, d, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	r := &stubReplier{}

	f.handle(context.Background(), r, message("chan-1", "user-7", "hello"), "hello")

	if len(r.sent) != 1 || !strings.Contains(r.sent[0], "Try again") {
		t.Errorf("sent = %+v", r.sent)
	}
}

func TestNew_RequiresToken(t *testing.T) {
	if _, err := New(config.DiscordConfig{}, &stubDispatcher{}, nil); err == nil {
		t.Error("missing token accepted")
	}
}

func TestSplitMessage(t *testing.T) {
	tests := []struct {
		name   string
		reply  string
		limit  int
		chunks int
	}{
		{"short stays whole", "hello", 2000, 1},
		{"splits at newline", strings.Repeat("line one\n", 300), 2000, 2},
		{"hard cut without newlines", strings.Repeat("x", 4100), 2000, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SplitMessage(tt.reply, tt.limit)
			if len(got) != tt.chunks {
				t.Fatalf("chunks = %d, want %d", len(got), tt.chunks)
			}
			for i, c := range got {
				if len(c) > tt.limit {
					t.Errorf("chunk %d length %d exceeds limit", i, len(c))
				}
			}
			if strings.ReplaceAll(strings.Join(got, ""), "\n", "") == "" && tt.reply != "" {
				t.Error("split lost all content")
			}
		})
	}
}
