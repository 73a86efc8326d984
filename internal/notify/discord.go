package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"
)

const (
	colorGreen = 0x2ecc71
	colorRed   = 0xe74c3c
	colorAmber = 0xf1c40f
)

// DiscordNotifier posts notifications as embeds to one Discord channel. It
// uses the REST API only; no gateway session is opened.
type DiscordNotifier struct {
	token     string
	channelID string
	session   *discordgo.Session
	logger    *zap.Logger
}

// NewDiscordNotifier creates a Discord notifier.
func NewDiscordNotifier(token, channelID string, logger *zap.Logger) *DiscordNotifier {
	return &DiscordNotifier{token: token, channelID: channelID, logger: logger}
}

func (d *DiscordNotifier) Platform() string { return "discord" }

// Connect creates the session and checks the channel is reachable.
func (d *DiscordNotifier) Connect(ctx context.Context) error {
	session, err := discordgo.New("Bot " + d.token)
	if err != nil {
		return fmt.Errorf("discord session: %w", err)
	}
	ch, err := session.Channel(d.channelID, discordgo.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("discord channel %s: %w", d.channelID, err)
	}
	d.session = session
	d.logger.Info("discord notifier ready", zap.String("channel", ch.Name))
	return nil
}

// Notify posts n as an embed.
func (d *DiscordNotifier) Notify(ctx context.Context, n *Notification) error {
	if d.session == nil {
		return fmt.Errorf("discord notifier is not connected")
	}
	if _, err := d.session.ChannelMessageSendEmbed(d.channelID, discordEmbed(n), discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("discord send: %w", err)
	}
	return nil
}

func discordEmbed(n *Notification) *discordgo.MessageEmbed {
	embed := &discordgo.MessageEmbed{
		Title:       n.Title,
		Description: n.Content,
		Timestamp:   time.Now().Format(time.RFC3339),
		Color:       colorGreen,
	}
	switch n.Kind {
	case KindRunFailed:
		embed.Color = colorRed
	case KindDeviceFailed:
		embed.Color = colorAmber
	}
	for _, f := range n.Fields {
		embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{Name: f.Name, Value: f.Value, Inline: true})
	}
	return embed
}

// Close releases the session.
func (d *DiscordNotifier) Close() error {
	if d.session != nil {
		return d.session.Close()
	}
	return nil
}
