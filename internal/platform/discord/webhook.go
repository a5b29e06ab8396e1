package discord

import (
	"context"
	"fmt"
	"strings"

	"github.com/bwmarrin/discordgo"

	"pinrelay/internal/relay"
	logx "pinrelay/pkg/logx"
)

// WebhookDeliverer implements relay.Deliverer with Discord webhook execution.
// Send uses wait=true so the destination message id comes back and edits stay
// possible later.
type WebhookDeliverer struct {
	s   *discordgo.Session
	log logx.Logger
}

func NewWebhookDeliverer(s *discordgo.Session, log logx.Logger) *WebhookDeliverer {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &WebhookDeliverer{s: s, log: log}
}

func (w *WebhookDeliverer) Send(ctx context.Context, ep relay.Endpoint, out relay.Outbound) (string, error) {
	id, token, err := parseWebhookURL(ep.URL)
	if err != nil {
		return "", err
	}
	msg, err := w.s.WebhookExecute(id, token, true, webhookParams(out), discordgo.WithContext(ctx))
	if err != nil {
		return "", classify(err)
	}
	return msg.ID, nil
}

func (w *WebhookDeliverer) Edit(ctx context.Context, ep relay.Endpoint, copyID string, out relay.Outbound) error {
	id, token, err := parseWebhookURL(ep.URL)
	if err != nil {
		return err
	}
	params := webhookParams(out)
	content := params.Content
	_, err = w.s.WebhookMessageEdit(id, token, copyID, &discordgo.WebhookEdit{
		Content: &content,
		Embeds:  &params.Embeds,
	}, discordgo.WithContext(ctx))
	return classify(err)
}

// webhookParams renders the outbound copy: origin link and body in an embed,
// mentions in plain content so the destination actually notifies.
func webhookParams(out relay.Outbound) *discordgo.WebhookParams {
	return &discordgo.WebhookParams{
		Content: out.Mentions,
		Embeds: []*discordgo.MessageEmbed{{
			Title:       out.Preamble,
			Description: out.Body,
		}},
	}
}

// parseWebhookURL splits .../api/webhooks/{id}/{token}.
func parseWebhookURL(url string) (id, token string, err error) {
	const marker = "/webhooks/"
	i := strings.Index(url, marker)
	if i < 0 {
		return "", "", fmt.Errorf("not a webhook url: %q", url)
	}
	rest := strings.TrimSuffix(url[i+len(marker):], "/")
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("malformed webhook url: %q", url)
	}
	return parts[0], parts[1], nil
}
