package discord

import (
	"testing"

	"github.com/bwmarrin/discordgo"

	"pinrelay/internal/relay"
)

func TestMentionsKeepNicknameTokenForm(t *testing.T) {
	t.Parallel()
	m := &discordgo.Message{
		ID:        "m1",
		GuildID:   "g1",
		ChannelID: "c1",
		Author:    &discordgo.User{ID: "bot-a"},
		Content:   "heads up <@!2> and <@1>",
		Mentions:  []*discordgo.User{{ID: "1"}, {ID: "2"}},
	}

	ev := contentEvent(m)
	if got, want := ev.Mentions[1].Tag, "<@!2>"; got != want {
		t.Fatalf("nickname mention tag = %q, want %q", got, want)
	}

	// First-occurrence ordering must hold for the nickname form too.
	if got, want := relay.MentionLine(ev.RawContent, ev.Mentions), "<@!2> <@1>"; got != want {
		t.Fatalf("mention line = %q, want %q", got, want)
	}
}

func TestMentionsDefaultTokenWhenAbsentFromContent(t *testing.T) {
	t.Parallel()
	m := &discordgo.Message{
		ID:       "m1",
		Content:  "a reply ping carries no inline token",
		Mentions: []*discordgo.User{{ID: "7"}},
	}

	ms := mentionsOf(m)
	if len(ms) != 1 || ms[0].Tag != "<@7>" {
		t.Fatalf("mentions = %+v, want the plain token form", ms)
	}
}
