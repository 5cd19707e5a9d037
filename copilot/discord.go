package copilot

import (
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

// Discord manages the gateway session for the bot. It wraps the
// session behind DiscordSessionHandler so command handling can be
// exercised in tests without a live connection.
type Discord struct {
	session                     DiscordSessionHandler
	config                      *DiscordConfig
	logger                      *slog.Logger
	metricConnects              atomic.Int64
	metricDisconnects           atomic.Int64
	metricMessagesHandled       atomic.Int64
	connected                   atomic.Bool
	discordgoRemoveHandlerFuncs []func()
	c                           *Copilot
}

// newDiscord initializes a new Discord instance with the provided configuration
func newDiscord(config *DiscordConfig) (*Discord, error) {
	d := &Discord{
		config:                      config,
		discordgoRemoveHandlerFuncs: []func(){},
	}
	return d, nil
}

// newSession initializes a new Discord session for the Discord struct.
// It sets up the session with the appropriate logger, token, and configuration.
func (d *Discord) newSession() (DiscordSessionHandler, error) {
	session := DiscordSession{logger: d.logger.With(loggerNameKey, "discord_session_handler")}
	disc, err := discordgo.New("Bot " + d.config.Token)
	if err != nil {
		return session, fmt.Errorf("error creating discord session: %w", err)
	}
	disc.SyncEvents = true
	disc.StateEnabled = true
	disc.Identify.Intents = d.config.GatewayIntents
	session.session = disc
	if d.config.httpClient != nil {
		disc.Client = d.config.httpClient
	}

	err = session.SetLogLevel(d.config.DiscordGoLogLevel.Level())
	if err != nil {
		return session, err
	}

	return session, nil
}

// channelMessageSend sends the given message to the given discord channel ID
func (d *Discord) channelMessageSend(
	channelID string,
	message string,
	opts ...discordgo.RequestOption,
) error {
	_, err := d.session.ChannelMessageSend(channelID, message, opts...)
	return err
}

func (d *Discord) handlerReady() func(
	s *discordgo.Session,
	r *discordgo.Ready,
) {
	return func(s *discordgo.Session, _ *discordgo.Ready) {
		d.logger.Info(
			"Ready",
			"session_id", s.State.SessionID,
			"user_id", s.State.User.ID,
			"username", s.State.User.Username,
		)
	}
}

func (d *Discord) handlerConnect() func(
	s *discordgo.Session,
	r *discordgo.Connect,
) {
	return func(s *discordgo.Session, _ *discordgo.Connect) {
		d.metricConnects.Add(1)
		d.connected.Store(true)
		var sessionID string
		var userID string
		var username string

		if s != nil && s.State != nil {
			sessionID = s.State.SessionID
			if s.State.User != nil {
				userID = s.State.User.ID
				username = s.State.User.Username
			}
		}
		d.logger.Info(
			"Connected",
			"session_id", sessionID,
			slog.Group("user", "id", userID, "username", username),
		)

		settings := d.c.BotSettings()
		if settings.DiscordCustomStatus != "" {
			if statusErr := d.session.UpdateCustomStatus(
				settings.DiscordCustomStatus,
			); statusErr != nil {
				d.logger.Error("unable to set custom status", tint.Err(statusErr))
			}
		}

		if d.config.NotificationChannelID != "" && d.config.StartupMessage != "" {
			d.logger.Info("sending notification")
			if sendErr := d.channelMessageSend(
				d.config.NotificationChannelID,
				d.config.StartupMessage,
				discordgo.WithRetryOnRatelimit(false),
				discordgo.WithRestRetries(1),
			); sendErr != nil {
				d.logger.Error("unable to send startup message", tint.Err(sendErr))
			} else {
				d.logger.Info("sent notification")
			}
		}
	}
}

func (d *Discord) handlerDisconnect() func(
	s *discordgo.Session,
	r *discordgo.Disconnect,
) {
	return func(s *discordgo.Session, _ *discordgo.Disconnect) {
		d.connected.Store(false)
		d.metricDisconnects.Add(1)

		var sessionID string
		var userID string
		var username string

		if s != nil && s.State != nil {
			sessionID = s.State.SessionID
			if s.State.User != nil {
				userID = s.State.User.ID
				username = s.State.User.Username
			}
		}
		d.logger.Info(
			"disconnected",
			"session_id", sessionID,
			slog.Group("user", "id", userID, "username", username),
		)
	}
}

func (d *Discord) updateCustomStatus(status string) error {
	return d.session.UpdateCustomStatus(status)
}

// DiscordSessionHandler defines the interface for handling Discord
// sessions. This basically defines methods from `discordgo.Session`
// which are used in this application, to enable testing/mocking.
type DiscordSessionHandler interface {
	// Open creates a websocket connection to Discord
	Open() error

	// Close closes the websocket connection to Discord
	Close() error

	// ChannelMessageSend sends a message to a specified channel.
	ChannelMessageSend(
		channelID string,
		message string,
		opts ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// ChannelMessageSendComplex sends a message with embeds and/or
	// file attachments to a channel.
	ChannelMessageSendComplex(
		channelID string,
		data *discordgo.MessageSend,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// ChannelMessageSendReply sends a message to the given channel, as a
	// reply to the referenced message
	ChannelMessageSendReply(
		channelID string,
		content string,
		reference *discordgo.MessageReference,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// ChannelTyping shows the 'typing' indicator in the given channel
	ChannelTyping(channelID string, options ...discordgo.RequestOption) error

	// UpdateCustomStatus sets the bot's user status to the given string.
	// If empty, sets the bot user to active and removes any existing
	// custom status.
	UpdateCustomStatus(status string) error

	// AddHandler adds a discord gateway event handler
	AddHandler(handler any) func()

	// SetHTTPClient sets the HTTP client for the session
	SetHTTPClient(client *http.Client)

	// SetLogLevel modifies the session's log level
	SetLogLevel(lvl slog.Level) error
}

// DiscordSession implements DiscordSessionHandler, wrapping a
// [discordgo.Session](https://pkg.go.dev/github.com/bwmarrin/discordgo#Session)
type DiscordSession struct {
	session *discordgo.Session
	logger  *slog.Logger
}

func (d DiscordSession) ChannelMessageSendReply(
	channelID string,
	content string,
	reference *discordgo.MessageReference,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	msg, err := d.session.ChannelMessageSendReply(
		channelID, content, reference, options...,
	)
	if err != nil {
		d.logger.Error(
			"error sending message reply",
			tint.Err(err),
			"channel_id", channelID,
			"reference", reference,
		)
	}
	return msg, err
}

func (d DiscordSession) ChannelMessageSendComplex(
	channelID string,
	data *discordgo.MessageSend,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.ChannelMessageSendComplex(channelID, data, options...)
}

func (d DiscordSession) ChannelTyping(
	channelID string,
	options ...discordgo.RequestOption,
) error {
	return d.session.ChannelTyping(channelID, options...)
}

func (d DiscordSession) SetLogLevel(lvl slog.Level) error {
	switch lvl.Level() {
	case slog.LevelInfo:
		d.session.LogLevel = discordgo.LogInformational
	case slog.LevelWarn:
		d.session.LogLevel = discordgo.LogWarning
	case slog.LevelDebug:
		d.session.LogLevel = discordgo.LogDebug
	case slog.LevelError:
		d.session.LogLevel = discordgo.LogError
	default:
		return fmt.Errorf("invalid log level: %s", lvl)
	}
	return nil
}

func (d DiscordSession) SetHTTPClient(client *http.Client) {
	d.session.Client = client
}

func (d DiscordSession) AddHandler(handler any) func() {
	return d.session.AddHandler(handler)
}

func (d DiscordSession) Open() error {
	return d.session.Open()
}

func (d DiscordSession) Close() error {
	return d.session.Close()
}

func (d DiscordSession) ChannelMessageSend(
	channelID string,
	message string,
	opts ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.ChannelMessageSend(channelID, message, opts...)
}

func (d DiscordSession) UpdateCustomStatus(status string) error {
	return d.session.UpdateCustomStatus(status)
}
