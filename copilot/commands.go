package copilot

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"gorm.io/gorm"
)

const (
	commandHelp  = "help"
	commandPing  = "ping"
	commandClear = "clear"
	commandAdmin = "admin"
	commandAI    = "ai"
	commandAsk   = "ask"

	// replyChunkLimit is just under the Discord message limit, leaving
	// room for a continuation marker.
	replyChunkLimit = 1997

	discordEmbedColor = 0x5865F2
)

// imageCommandAliases are the command words that trigger image
// generation.
var imageCommandAliases = map[string]bool{
	"image":   true,
	"imagine": true,
	"gen":     true,
}

// handleMessageCreate is the gateway MessageCreate handler. It filters
// out bot messages, resolves the command word, and dispatches.
func (c *Copilot) handleMessageCreate() func(
	s *discordgo.Session,
	m *discordgo.MessageCreate,
) {
	return func(s *discordgo.Session, m *discordgo.MessageCreate) {
		if m.Author == nil || m.Author.Bot {
			return
		}
		if s.State != nil && s.State.User != nil && m.Author.ID == s.State.User.ID {
			return
		}

		ctx := WithLogger(context.Background(), c.discord.logger)

		content := strings.TrimSpace(m.Content)
		prefix := c.config.Discord.CommandPrefix

		if c.config.Discord.AllowMentions {
			if mentioned, remainder := botMentionPrefix(s, content); mentioned {
				c.discord.metricMessagesHandled.Add(1)
				c.handleChat(ctx, m, remainder)
				return
			}
		}

		if !strings.HasPrefix(content, prefix) {
			return
		}
		c.discord.metricMessagesHandled.Add(1)

		command, args, _ := strings.Cut(
			strings.TrimPrefix(content, prefix), " ",
		)
		command = strings.ToLower(command)
		args = strings.TrimSpace(args)

		switch {
		case command == commandHelp:
			c.handleHelp(ctx, m)
		case command == commandPing:
			c.handlePing(ctx, m)
		case command == commandClear:
			c.handleClear(ctx, m)
		case command == commandAdmin:
			c.handleAdmin(ctx, m, args)
		case imageCommandAliases[command]:
			c.handleImage(ctx, m, args)
		case command == commandAI || command == commandAsk:
			c.handleChat(ctx, m, args)
		}
	}
}

// botMentionPrefix reports whether content starts with a mention of the
// bot user, and returns the remaining text if so.
func botMentionPrefix(s *discordgo.Session, content string) (bool, string) {
	if s == nil || s.State == nil || s.State.User == nil {
		return false, ""
	}
	mentions := []string{
		"<@" + s.State.User.ID + ">",
		"<@!" + s.State.User.ID + ">",
	}
	for _, mention := range mentions {
		if strings.HasPrefix(content, mention) {
			return true, strings.TrimSpace(strings.TrimPrefix(content, mention))
		}
	}
	return false, ""
}

func (c *Copilot) handleHelp(ctx context.Context, m *discordgo.MessageCreate) {
	prefix := c.config.Discord.CommandPrefix
	embed := &discordgo.MessageEmbed{
		Title: "Commands",
		Color: discordEmbedColor,
		Fields: []*discordgo.MessageEmbedField{
			{
				Name:  prefix + "ai / " + prefix + "ask <message>",
				Value: "Chat with the bot (mentioning the bot works too)",
			},
			{
				Name:  prefix + "image / " + prefix + "imagine / " + prefix + "gen <prompt>",
				Value: "Generate an image from a text prompt",
			},
			{
				Name:  prefix + "clear",
				Value: "Forget all conversation history in this channel",
			},
			{
				Name:  prefix + "ping",
				Value: "Check whether the bot is alive",
			},
			{
				Name:  prefix + "admin",
				Value: "Admin-only commands (`" + prefix + "admin help`)",
			},
		},
	}
	c.sendEmbed(ctx, m.ChannelID, embed)
}

func (c *Copilot) handlePing(ctx context.Context, m *discordgo.MessageCreate) {
	c.replyTo(ctx, m, "Pong!")
}

// handleClear drops every stored conversation in the channel,
// regardless of which user wrote it. The in-memory history cache has
// no channel dimension, so it is reset wholesale to keep cached turns
// from resurfacing deleted history.
func (c *Copilot) handleClear(ctx context.Context, m *discordgo.MessageCreate) {
	deleted, err := c.contextManager.ClearChannel(ctx, m.ChannelID)
	if err != nil {
		c.logger.ErrorContext(
			ctx,
			"error clearing channel history",
			tint.Err(err),
			"channel_id", m.ChannelID,
			"user_id", m.Author.ID,
		)
		c.replyTo(ctx, m, DefaultDiscordErrorMessage)
		return
	}
	c.historyCache.Reset()
	c.replyTo(
		ctx,
		m,
		fmt.Sprintf(
			"Conversation history cleared for this channel (%d messages forgotten).",
			deleted,
		),
	)
}

func (c *Copilot) handleAdmin(
	ctx context.Context,
	m *discordgo.MessageCreate,
	args string,
) {
	if !c.isAdminUser(ctx, m.Author.ID) {
		c.replyTo(ctx, m, "You don't have permission to use admin commands.")
		return
	}

	subcommand, _, _ := strings.Cut(args, " ")
	switch strings.ToLower(subcommand) {
	case "", "help":
		c.handleAdminHelp(ctx, m)
	case "stats":
		c.handleAdminStats(ctx, m)
	case "restart":
		c.replyTo(ctx, m, "Restarting...")
		c.SoftRestart(ctx)
		c.replyTo(ctx, m, "Caches cleared and settings reloaded.")
	case "channels":
		c.handleAdminChannels(ctx, m)
	default:
		c.replyTo(
			ctx,
			m,
			fmt.Sprintf("Unknown admin command: `%s`", subcommand),
		)
	}
}

func (c *Copilot) handleAdminHelp(ctx context.Context, m *discordgo.MessageCreate) {
	prefix := c.config.Discord.CommandPrefix
	embed := &discordgo.MessageEmbed{
		Title: "Admin commands",
		Color: discordEmbedColor,
		Fields: []*discordgo.MessageEmbedField{
			{Name: prefix + "admin stats", Value: "Usage statistics"},
			{Name: prefix + "admin restart", Value: "Clear caches and reload settings"},
			{Name: prefix + "admin channels", Value: "Show the channel allowlist"},
		},
	}
	c.sendEmbed(ctx, m.ChannelID, embed)
}

func (c *Copilot) handleAdminStats(ctx context.Context, m *discordgo.MessageCreate) {
	var conversationCount int64
	var userCount int64
	var imageCount int64

	db := c.db.WithContext(ctx)
	if err := db.Model(&Conversation{}).Count(&conversationCount).Error; err != nil {
		c.logger.ErrorContext(ctx, "error counting conversations", tint.Err(err))
	}
	if err := db.Model(&Conversation{}).Distinct("user_id").Count(&userCount).Error; err != nil {
		c.logger.ErrorContext(ctx, "error counting users", tint.Err(err))
	}
	if err := db.Model(&ImageGenerationLog{}).Count(&imageCount).Error; err != nil {
		c.logger.ErrorContext(ctx, "error counting image logs", tint.Err(err))
	}

	embed := &discordgo.MessageEmbed{
		Title: "Stats",
		Color: discordEmbedColor,
		Fields: []*discordgo.MessageEmbedField{
			{
				Name:   "Conversations",
				Value:  fmt.Sprintf("%d", conversationCount),
				Inline: true,
			},
			{
				Name:   "Users",
				Value:  fmt.Sprintf("%d", userCount),
				Inline: true,
			},
			{
				Name:   "Images generated",
				Value:  fmt.Sprintf("%d", imageCount),
				Inline: true,
			},
			{
				Name:   "Uptime",
				Value:  time.Since(c.startedAt).Round(time.Second).String(),
				Inline: true,
			},
		},
	}
	c.sendEmbed(ctx, m.ChannelID, embed)
}

func (c *Copilot) handleAdminChannels(ctx context.Context, m *discordgo.MessageCreate) {
	settings := c.BotSettings()
	if len(settings.AllowedChannels) == 0 {
		c.replyTo(ctx, m, "No channel allowlist set: responding everywhere.")
		return
	}
	lines := make([]string, 0, len(settings.AllowedChannels))
	for _, id := range settings.AllowedChannels {
		lines = append(lines, "<#"+id+"> (`"+id+"`)")
	}
	c.replyTo(ctx, m, "Allowed channels:\n"+strings.Join(lines, "\n"))
}

func (c *Copilot) handleImage(
	ctx context.Context,
	m *discordgo.MessageCreate,
	prompt string,
) {
	settings := c.BotSettings()
	if !settings.ChannelAllowed(m.ChannelID) {
		return
	}
	if !settings.ImageGenerationEnabled || !c.imageGen.Enabled() {
		c.replyTo(ctx, m, "Image generation isn't available right now.")
		return
	}
	if prompt == "" {
		c.replyTo(
			ctx,
			m,
			"Give me something to draw! Ex: `"+
				c.config.Discord.CommandPrefix+"image a lighthouse at dusk`",
		)
		return
	}
	if onCooldown, remaining := c.userCooldowns.Check(m.Author.ID); onCooldown {
		c.replyTo(
			ctx,
			m,
			fmt.Sprintf("Slow down! Try again in %s.", remaining.Round(time.Second)),
		)
		return
	}
	c.userCooldowns.Update(m.Author.ID)

	_ = c.discord.session.ChannelTyping(m.ChannelID)

	image, err := c.imageGen.Generate(
		ctx,
		m.Author.ID,
		m.Author.Username,
		m.ChannelID,
		prompt,
	)
	if err != nil {
		switch {
		case errors.Is(err, ErrImagePromptBlocked):
			c.replyTo(ctx, m, "That prompt isn't something I can draw.")
		case errors.Is(err, ErrImagePromptTooLong):
			c.replyTo(
				ctx,
				m,
				fmt.Sprintf("Prompts are limited to %d characters.", imagePromptMaxLength),
			)
		default:
			c.logger.ErrorContext(ctx, "image generation failed", tint.Err(err))
			c.replyTo(ctx, m, DefaultDiscordErrorMessage)
		}
		return
	}

	_, err = c.discord.session.ChannelMessageSendComplex(
		m.ChannelID,
		&discordgo.MessageSend{
			Content:   fmt.Sprintf("Here you go, <@%s>!", m.Author.ID),
			Reference: m.Reference(),
			Files: []*discordgo.File{
				{
					Name:        "generated.png",
					ContentType: "image/png",
					Reader:      bytes.NewReader(image),
				},
			},
		},
	)
	if err != nil {
		c.logger.ErrorContext(ctx, "error sending generated image", tint.Err(err))
	}
}

// handleChat runs the main conversational flow: allowlist and cooldown
// checks, context assembly, the completion call, a chunked reply, and
// finally persisting the turn.
func (c *Copilot) handleChat(
	ctx context.Context,
	m *discordgo.MessageCreate,
	message string,
) {
	settings := c.BotSettings()
	if settings.Paused {
		return
	}
	if !settings.ChannelAllowed(m.ChannelID) {
		return
	}
	if message == "" {
		c.replyTo(ctx, m, "What would you like to ask?")
		return
	}

	if onCooldown, remaining := c.userCooldowns.Check(m.Author.ID); onCooldown {
		c.replyTo(
			ctx,
			m,
			fmt.Sprintf("Slow down! Try again in %s.", remaining.Round(time.Second)),
		)
		return
	}
	if m.GuildID != "" {
		if onCooldown, _ := c.guildCooldowns.Check(m.GuildID); onCooldown {
			return
		}
	}
	c.userCooldowns.Update(m.Author.ID)
	if m.GuildID != "" {
		c.guildCooldowns.Update(m.GuildID)
	}

	_ = c.discord.session.ChannelTyping(m.ChannelID)

	window := c.contextManager.AssembleContext(
		ctx,
		m.ChannelID,
		m.Author.ID,
		settings.SystemInstructions,
		message,
	)

	started := time.Now()
	result, err := c.llm.ChatCompletion(
		ctx,
		settings.SystemInstructions,
		window,
		c.historyCache.Get(m.Author.ID),
		message,
	)
	if err != nil {
		switch {
		case errors.Is(err, ErrLLMRateLimited):
			c.replyTo(ctx, m, "Rate limit exceeded. Please wait a moment and try again.")
		case errors.Is(err, ErrLLMModelLoading):
			c.replyTo(ctx, m, "Model is loading, try again in a minute.")
		default:
			c.logger.ErrorContext(ctx, "completion request failed", tint.Err(err))
			c.replyTo(ctx, m, DefaultDiscordErrorMessage)
		}
		return
	}
	responseTime := time.Since(started)

	reply := strings.TrimSpace(result.Content)
	if reply == "" {
		c.replyTo(ctx, m, DefaultDiscordErrorMessage)
		return
	}

	for i, chunk := range chunkMessage(reply, replyChunkLimit) {
		if i == 0 {
			c.replyTo(ctx, m, chunk)
			continue
		}
		if err = c.discord.channelMessageSend(m.ChannelID, chunk); err != nil {
			c.logger.ErrorContext(ctx, "error sending reply chunk", tint.Err(err))
		}
	}

	c.historyCache.Append(
		m.Author.ID,
		CachedMessage{Role: "user", Content: message},
		CachedMessage{Role: "assistant", Content: reply},
	)

	saved := c.contextManager.SaveConversation(
		ctx, &Conversation{
			ChannelID:      m.ChannelID,
			UserID:         m.Author.ID,
			UserName:       m.Author.Username,
			ChannelName:    channelName(m),
			UserMessage:    message,
			BotResponse:    reply,
			TokensUsed:     result.TokensUsed,
			ResponseTimeMs: responseTime.Milliseconds(),
		},
	)
	if !saved {
		c.logger.WarnContext(
			ctx,
			"conversation turn was not persisted",
			"channel_id", m.ChannelID,
			"user_id", m.Author.ID,
		)
	}
}

func channelName(m *discordgo.MessageCreate) string {
	if m.GuildID == "" {
		return "DM"
	}
	return m.ChannelID
}

// isAdminUser reports whether the Discord user ID is registered in the
// admin_users table. Lookup errors deny access.
func (c *Copilot) isAdminUser(ctx context.Context, discordID string) bool {
	var admin AdminUser
	err := c.db.WithContext(ctx).Where(
		"discord_id = ?", discordID,
	).First(&admin).Error
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			c.logger.ErrorContext(ctx, "error looking up admin user", tint.Err(err))
		}
		return false
	}
	return true
}

func (c *Copilot) replyTo(
	ctx context.Context,
	m *discordgo.MessageCreate,
	content string,
) {
	_, err := c.discord.session.ChannelMessageSendReply(
		m.ChannelID,
		content,
		m.Reference(),
	)
	if err != nil {
		c.logger.ErrorContext(
			ctx,
			"error sending reply",
			tint.Err(err),
			"channel_id", m.ChannelID,
		)
	}
}

func (c *Copilot) sendEmbed(
	ctx context.Context,
	channelID string,
	embed *discordgo.MessageEmbed,
) {
	_, err := c.discord.session.ChannelMessageSendComplex(
		channelID,
		&discordgo.MessageSend{Embeds: []*discordgo.MessageEmbed{embed}},
	)
	if err != nil {
		c.logger.ErrorContext(
			ctx,
			"error sending embed",
			tint.Err(err),
			"channel_id", channelID,
		)
	}
}
