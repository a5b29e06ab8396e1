// Package discord adapts the Discord REST and gateway APIs to the platform
// interfaces the rest of the service is written against.
package discord

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/bwmarrin/discordgo"

	"pinrelay/internal/platform"
	logx "pinrelay/pkg/logx"
)

// purgeScanLimit bounds how far back PurgeLast looks for its target.
const purgeScanLimit = 10

// Client implements platform.Client over a discordgo session.
type Client struct {
	s   *discordgo.Session
	log logx.Logger
}

func NewClient(s *discordgo.Session, log logx.Logger) *Client {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Client{s: s, log: log}
}

func (c *Client) Pin(ctx context.Context, channelID, messageID string) error {
	return classify(c.s.ChannelMessagePin(channelID, messageID, discordgo.WithContext(ctx)))
}

func (c *Client) Unpin(ctx context.Context, channelID, messageID string) error {
	return classify(c.s.ChannelMessageUnpin(channelID, messageID, discordgo.WithContext(ctx)))
}

func (c *Client) ListPinned(ctx context.Context, channelID string) ([]platform.Message, error) {
	msgs, err := c.s.ChannelMessagesPinned(channelID, discordgo.WithContext(ctx))
	if err != nil {
		return nil, classify(err)
	}
	out := make([]platform.Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, toMessage(m))
	}
	return out, nil
}

func (c *Client) DeleteThread(ctx context.Context, threadID string) error {
	_, err := c.s.ChannelDelete(threadID, discordgo.WithContext(ctx))
	return classify(err)
}

func (c *Client) CreateThread(ctx context.Context, channelID, messageID, name string) (string, error) {
	ch, err := c.s.MessageThreadStartComplex(channelID, messageID, &discordgo.ThreadStart{
		Name:                name,
		AutoArchiveDuration: 1440,
	}, discordgo.WithContext(ctx))
	if err != nil {
		return "", classify(err)
	}
	return ch.ID, nil
}

func (c *Client) RenameThread(ctx context.Context, threadID, name string) error {
	_, err := c.s.ChannelEditComplex(threadID, &discordgo.ChannelEdit{Name: name}, discordgo.WithContext(ctx))
	return classify(err)
}

// PurgeLast deletes the newest recent message matching the predicate. Used to
// clean up the platform's pin confirmation notice right after pinning.
func (c *Client) PurgeLast(ctx context.Context, channelID string, match func(platform.Message) bool) error {
	msgs, err := c.s.ChannelMessages(channelID, purgeScanLimit, "", "", "", discordgo.WithContext(ctx))
	if err != nil {
		return classify(err)
	}
	for _, m := range msgs {
		if !match(toMessage(m)) {
			continue
		}
		return classify(c.s.ChannelMessageDelete(channelID, m.ID, discordgo.WithContext(ctx)))
	}
	return nil
}

func toMessage(m *discordgo.Message) platform.Message {
	msg := platform.Message{ID: m.ID, ChannelID: m.ChannelID}
	if m.Author != nil {
		msg.AuthorID = m.Author.ID
	}
	return msg
}

// classify maps REST failures onto the platform sentinels the executor's
// state machine is built on. 404 and 403 are the only statuses with distinct
// semantics; everything else stays opaque and is treated as transient.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var rerr *discordgo.RESTError
	if errors.As(err, &rerr) && rerr.Response != nil {
		switch rerr.Response.StatusCode {
		case http.StatusNotFound:
			return fmt.Errorf("%w: %v", platform.ErrNotFound, err)
		case http.StatusForbidden:
			return fmt.Errorf("%w: %v", platform.ErrForbidden, err)
		}
	}
	return err
}
