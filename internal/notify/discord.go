package notify

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/bwmarrin/discordgo"

	"github.com/bardlex/stratumpool/internal/messaging"
	"github.com/bardlex/stratumpool/pkg/errors"
)

const (
	colorAccepted = 0x2ecc71
	colorRejected = 0xe74c3c
)

type channelSender interface {
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// Discord posts block announcements to a channel through the bot API.
type Discord struct {
	channelID string
	sender    channelSender
}

// NewDiscord creates a REST-only Discord client for token.
func NewDiscord(token, channelID string) (*Discord, error) {
	if token == "" || channelID == "" {
		return nil, errors.New(errors.ErrorTypeValidation, "discord", "bot token and channel ID are required")
	}
	dg, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeMessaging, "discord", "failed to create session")
	}
	return &Discord{channelID: channelID, sender: dg}, nil
}

func (d *Discord) Name() string { return "discord" }

func (d *Discord) NotifyBlockFound(ctx context.Context, b messaging.BlockFoundMessage) error {
	_, err := d.sender.ChannelMessageSendComplex(d.channelID, &discordgo.MessageSend{
		Embeds:          []*discordgo.MessageEmbed{BlockEmbed(b)},
		AllowedMentions: &discordgo.MessageAllowedMentions{},
	}, discordgo.WithContext(ctx))
	if err != nil {
		se := errors.Wrap(err, errors.ErrorTypeMessaging, "discord_send", "failed to post block announcement")
		if isPermanent(err) {
			se.Retryable = false
		}
		return se
	}
	return nil
}

// BlockEmbed renders a block event as a Discord embed.
func BlockEmbed(b messaging.BlockFoundMessage) *discordgo.MessageEmbed {
	title := fmt.Sprintf("Block %d found", b.BlockHeight)
	color := colorAccepted
	status := "accepted"
	if !b.Accepted() {
		title = fmt.Sprintf("Block %d rejected", b.BlockHeight)
		color = colorRejected
		status = b.Result
	}

	worker := b.MinerAddress
	if b.WorkerName != "" {
		worker += "." + b.WorkerName
	}

	return &discordgo.MessageEmbed{
		Title:       title,
		Description: "`" + b.BlockHash + "`",
		Color:       color,
		Timestamp:   b.FoundAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
		Fields: []*discordgo.MessageEmbedField{
			{Name: "Worker", Value: worker},
			{Name: "Share difficulty", Value: strconv.FormatFloat(b.ShareDifficulty, 'g', 6, 64), Inline: true},
			{Name: "Network difficulty", Value: strconv.FormatFloat(b.NetworkDifficulty, 'g', 6, 64), Inline: true},
			{Name: "Node", Value: status},
		},
	}
}

func isPermanent(err error) bool {
	if errors.Is(err, discordgo.ErrUnauthorized) {
		return true
	}
	var restErr *discordgo.RESTError
	if errors.As(err, &restErr) && restErr.Response != nil {
		switch restErr.Response.StatusCode {
		case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
			return true
		}
	}
	return false
}
