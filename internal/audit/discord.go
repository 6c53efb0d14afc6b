package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/discordgo"

	"iomt-ars/internal/metrics"
	"iomt-ars/internal/models"
)

// EmbedSender отправляет embed в канал
type EmbedSender func(channelID string, embed *discordgo.MessageEmbed) error

// DiscordNotifier пересылает в канал Discord записи уровня CRITICAL и ERROR.
// Остальные записи пропускаются.
type DiscordNotifier struct {
	channelID string
	send      EmbedSender
	session   *discordgo.Session
}

// NewDiscordNotifier создает сессию бота. Соединение по websocket не открывается,
// для отправки сообщений достаточно REST.
func NewDiscordNotifier(token, channelID string) (*DiscordNotifier, error) {
	if token == "" || channelID == "" {
		return nil, fmt.Errorf("discord token and channel id are required")
	}
	dg, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("error creating Discord session: %w", err)
	}
	n := NewDiscordNotifierWithSender(channelID, func(ch string, embed *discordgo.MessageEmbed) error {
		_, err := dg.ChannelMessageSendEmbed(ch, embed)
		return err
	})
	n.session = dg
	return n, nil
}

// NewDiscordNotifierWithSender создает нотификатор с произвольной отправкой
func NewDiscordNotifierWithSender(channelID string, send EmbedSender) *DiscordNotifier {
	return &DiscordNotifier{channelID: channelID, send: send}
}

// Record отправляет эскалации и сбои исполнителя
func (n *DiscordNotifier) Record(_ context.Context, rec models.AuditRecord) error {
	if rec.Level != models.LevelCritical && rec.Level != models.LevelError {
		return nil
	}
	if err := n.send(n.channelID, buildEmbed(rec)); err != nil {
		metrics.AuditWrites.WithLabelValues("discord", "error").Inc()
		return fmt.Errorf("failed to send discord alert: %w", err)
	}
	metrics.AuditWrites.WithLabelValues("discord", "success").Inc()
	return nil
}

// Close закрывает сессию
func (n *DiscordNotifier) Close() error {
	if n.session == nil {
		return nil
	}
	return n.session.Close()
}

func buildEmbed(rec models.AuditRecord) *discordgo.MessageEmbed {
	color := 0xED4245
	title := "🚨 Device Quarantined"
	if rec.Level == models.LevelError {
		color = 0xFEE75C
		title = "⚠️ Enforcement Failed"
	}

	return &discordgo.MessageEmbed{
		Title:       title,
		Color:       color,
		Description: rec.Details,
		Fields: []*discordgo.MessageEmbedField{
			{Name: "Device", Value: fmt.Sprintf("`%s`", rec.DeviceIP), Inline: true},
			{Name: "Decision", Value: string(rec.Decision), Inline: true},
			{Name: "Anomaly Score", Value: fmt.Sprintf("%.2f", rec.AnomalyScore), Inline: true},
			{Name: "State", Value: fmt.Sprintf("%s -> %s", rec.StateBefore, rec.StateAfter), Inline: false},
		},
		Footer: &discordgo.MessageEmbedFooter{
			Text: rec.AppName + " " + rec.ID,
		},
		Timestamp: rec.Timestamp.Format(time.RFC3339),
	}
}
