package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/bwmarrin/discordgo"
	"github.com/slack-go/slack"
	"go.uber.org/zap"
)

// SlackNotifier posts alerts to one Slack channel.
type SlackNotifier struct {
	client  *slack.Client
	channel string
	logger  *zap.Logger
}

// NewSlackNotifier creates a notifier using a bot token (xoxb-...).
func NewSlackNotifier(botToken, channel string, logger *zap.Logger, opts ...slack.Option) *SlackNotifier {
	return &SlackNotifier{
		client:  slack.New(botToken, opts...),
		channel: channel,
		logger:  logger,
	}
}

func (n *SlackNotifier) Platform() string { return "slack" }

func (n *SlackNotifier) Notify(ctx context.Context, a Alert) error {
	color := "warning"
	if a.Severity == SeverityCritical {
		color = "danger"
	}
	attachment := slack.Attachment{
		Color:  color,
		Title:  a.Title,
		Text:   a.Text,
		Footer: fmt.Sprintf("%s %s", a.Kind, a.EntityID),
		Ts:     json.Number(strconv.FormatInt(a.Time.Unix(), 10)),
	}
	_, _, err := n.client.PostMessageContext(ctx, n.channel,
		slack.MsgOptionText(a.Title, false),
		slack.MsgOptionAttachments(attachment),
	)
	if err != nil {
		return fmt.Errorf("slack send: %w", err)
	}
	return nil
}

// DiscordNotifier posts alerts as embeds to one Discord channel.
type DiscordNotifier struct {
	session   *discordgo.Session
	channelID string
	logger    *zap.Logger
}

// NewDiscordNotifier creates a REST-only session; no gateway websocket is
// opened.
func NewDiscordNotifier(botToken, channelID string, logger *zap.Logger) (*DiscordNotifier, error) {
	session, err := discordgo.New("Bot " + botToken)
	if err != nil {
		return nil, fmt.Errorf("discord session: %w", err)
	}
	return &DiscordNotifier{session: session, channelID: channelID, logger: logger}, nil
}

func (n *DiscordNotifier) Platform() string { return "discord" }

func (n *DiscordNotifier) Notify(ctx context.Context, a Alert) error {
	color := 0xF1C40F
	if a.Severity == SeverityCritical {
		color = 0xE74C3C
	}
	embed := &discordgo.MessageEmbed{
		Title:       a.Title,
		Description: a.Text,
		Color:       color,
		Timestamp:   a.Time.UTC().Format("2006-01-02T15:04:05Z07:00"),
		Footer:      &discordgo.MessageEmbedFooter{Text: fmt.Sprintf("%s %s", a.Kind, a.EntityID)},
	}
	if _, err := n.session.ChannelMessageSendEmbed(n.channelID, embed, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("discord send: %w", err)
	}
	return nil
}
