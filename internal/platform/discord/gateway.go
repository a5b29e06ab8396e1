package discord

import (
	"context"
	"fmt"
	"strings"

	"github.com/bwmarrin/discordgo"

	"pinrelay/internal/platform"
	logx "pinrelay/pkg/logx"
)

// Sink receives translated gateway events. The ingest handler implements it.
type Sink interface {
	HandleContent(ctx context.Context, ev platform.ContentEvent)
	HandleEdit(ctx context.Context, ev platform.EditEvent)
}

// Gateway owns the websocket session and translates raw Discord events into
// platform events before handing them to the sink.
type Gateway struct {
	s    *discordgo.Session
	sink Sink
	log  logx.Logger
}

func NewGateway(token string, sink Sink, log logx.Logger) (*Gateway, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	s, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("discord session: %w", err)
	}
	s.Identify.Intents = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMessages |
		discordgo.IntentMessageContent
	return &Gateway{s: s, sink: sink, log: log}, nil
}

// Session exposes the underlying session for the REST client and webhook
// deliverer, which share its token and rate-limit state.
func (g *Gateway) Session() *discordgo.Session { return g.s }

// SelfID is valid after Open.
func (g *Gateway) SelfID() string {
	if g.s.State != nil && g.s.State.User != nil {
		return g.s.State.User.ID
	}
	return ""
}

func (g *Gateway) Open(ctx context.Context) error {
	g.s.AddHandler(func(_ *discordgo.Session, m *discordgo.MessageCreate) {
		g.sink.HandleContent(ctx, contentEvent(m.Message))
	})
	g.s.AddHandler(func(_ *discordgo.Session, m *discordgo.MessageUpdate) {
		if m.Author == nil {
			// Embed-resolution updates carry no author; nothing to relay.
			return
		}
		g.sink.HandleEdit(ctx, editEvent(m.Message))
	})
	g.s.AddHandler(func(_ *discordgo.Session, r *discordgo.Ready) {
		g.log.Info("gateway ready",
			logx.String("user", r.User.Username),
			logx.Int("guilds", len(r.Guilds)))
	})

	if err := g.s.Open(); err != nil {
		return fmt.Errorf("open gateway: %w", err)
	}
	return nil
}

func (g *Gateway) Close() error {
	return g.s.Close()
}

func contentEvent(m *discordgo.Message) platform.ContentEvent {
	ev := platform.ContentEvent{
		TenantID:   m.GuildID,
		SourceID:   m.ID,
		ChannelID:  m.ChannelID,
		RawContent: m.Content,
		Payload:    payloadOf(m),
		Labels:     labelsOf(m),
		Mentions:   mentionsOf(m),
	}
	if m.Author != nil {
		ev.AuthorID = m.Author.ID
	}
	if m.Thread != nil {
		ev.ThreadID = m.Thread.ID
	}
	return ev
}

func editEvent(m *discordgo.Message) platform.EditEvent {
	ev := platform.EditEvent{
		TenantID:   m.GuildID,
		SourceID:   m.ID,
		ChannelID:  m.ChannelID,
		RawContent: m.Content,
		Payload:    payloadOf(m),
		Mentions:   mentionsOf(m),
	}
	if m.Thread != nil {
		ev.ThreadID = m.Thread.ID
	}
	return ev
}

// payloadOf prefers the first embed's description, where source bots keep
// their structured body; plain messages fall back to content.
func payloadOf(m *discordgo.Message) string {
	for _, e := range m.Embeds {
		if e.Description != "" {
			return e.Description
		}
	}
	return m.Content
}

// labelsOf collects button labels from the message's component rows. Source
// bots expose their call to action as buttons, and those labels are what the
// trigger match runs against.
func labelsOf(m *discordgo.Message) []string {
	var labels []string
	for _, row := range m.Components {
		ar, ok := row.(*discordgo.ActionsRow)
		if !ok {
			continue
		}
		for _, comp := range ar.Components {
			if b, ok := comp.(*discordgo.Button); ok && b.Label != "" {
				labels = append(labels, b.Label)
			}
		}
	}
	return labels
}

func mentionsOf(m *discordgo.Message) []platform.Mention {
	out := make([]platform.Mention, 0, len(m.Mentions))
	for _, u := range m.Mentions {
		tag := "<@" + u.ID + ">"
		// Nickname mentions render as <@!id> in raw content; keep whichever
		// token actually appears so first-occurrence ordering holds.
		if !strings.Contains(m.Content, tag) {
			if alt := "<@!" + u.ID + ">"; strings.Contains(m.Content, alt) {
				tag = alt
			}
		}
		out = append(out, platform.Mention{ID: u.ID, Tag: tag})
	}
	return out
}
