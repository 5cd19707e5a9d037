//nolint:lll // struct tags can't be split
package copilot

import (
	"crypto/tls"
	"log/slog"
	"net/http"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/gin-contrib/cors"
)

const (
	EnvvarSetEnvPrefix = "COPILOT_ENV_PREFIX"
	DefaultEnvPrefix   = "CP"

	DefaultDatabaseType = "sqlite"
	DefaultDatabase     = "copilot.sqlite3"

	DefaultLogLevel        = slog.LevelInfo
	DefaultStartupTimeout  = 30 * time.Second
	DefaultShutdownTimeout = 60 * time.Second

	DefaultLLMBaseURL              = "https://router.huggingface.co/v1"
	DefaultLLMModel                = "meta-llama/Llama-3.1-8B-Instruct"
	DefaultLLMMaxTokens            = 500
	DefaultLLMTemperature          = 0.7
	DefaultLLMTopP                 = 0.9
	DefaultLLMMaxRequestsPerSecond = 1

	DefaultClipdropURL = "https://clipdrop-api.co/text-to-image/v1"

	DefaultReadTimeout       = 5 * time.Second
	DefaultReadHeaderTimeout = 5 * time.Second
	DefaultWriteTimeout      = 10 * time.Second
	DefaultIdleTimeout       = 30 * time.Second

	DefaultDiscordCommandPrefix  = "!"
	DefaultDiscordUserCooldown   = 3 * time.Second
	DefaultDiscordGuildCooldown  = 1 * time.Second
	DefaultDiscordGatewayIntent  = discordgo.IntentsGuildMessages | discordgo.IntentsDirectMessages | discordgo.IntentMessageContent
	DefaultDiscordErrorMessage   = "sorry, something went wrong!"
	DefaultDiscordCustomStatus   = "!help for commands"
	DefaultDiscordStartupMessage = "I'm here!"
	discordMaxMessageLength      = 2000

	DefaultAPIListen        = "127.0.0.1:5000"
	DefaultAPITLSMinVersion = tls.VersionTLS12
	DefaultAPISessionMaxAge = 6 * time.Hour

	DefaultDatabaseSlowThreshold   = 200 * time.Millisecond
	DefaultDatabaseLogLevel        = slog.LevelInfo
	DefaultDiscordLogLevel         = slog.LevelWarn
	DefaultDiscordgoLogLevel       = slog.LevelWarn
	DefaultLLMLogLevel             = slog.LevelInfo
	DefaultAPILogLevel             = slog.LevelInfo
	defaultListenNetwork           = "tcp"
	DefaultAPICORSAllowCredentials = true

	DefaultBotSettingsTTL = 5 * time.Minute
)

var (
	DefaultCORSAllowMethods = []string{
		http.MethodGet,
		http.MethodPost,
		http.MethodPut,
		http.MethodPatch,
		http.MethodDelete,
		http.MethodOptions,
		http.MethodHead,
	}
	DefaultCORSAllowHeaders = []string{
		"Origin",
		"Content-Length",
		"Content-Type",
		"Accept",
		"Authorization",
		"X-Requested-With",
		"Cache-Control",
		"X-CSRF-Token",
		xRequestIDHeader,
	}
	DefaultCORSExposeHeaders = []string{
		"Content-Type",
		"Content-Length",
		"Accept-Encoding",
		xRequestIDHeader,
		"Location",
		"ETag",
		"Authorization",
		"Last-Modified",
	}
	DefaultCORSMaxAge = 12 * time.Hour
)

type Config struct {
	// Database connection string
	Database string `yaml:"database" mapstructure:"database" json:"database"`

	// DatabaseType specifies the type of database, either 'sqlite' or 'postgres'
	DatabaseType string `yaml:"database_type" mapstructure:"database_type" json:"database_type" binding:"oneof=sqlite postgres"`

	// DatabaseLogLevel sets the log level for database operations
	DatabaseLogLevel *slog.LevelVar `yaml:"database_log_level" mapstructure:"database_log_level" json:"database_log_level"`

	// DatabaseSlowThreshold is the duration threshold for identifying slow database queries
	DatabaseSlowThreshold time.Duration `yaml:"database_slow_threshold" mapstructure:"database_slow_threshold" json:"database_slow_threshold"`

	// LLM holds the configuration for the chat completion backend
	LLM *LLMConfig `yaml:"llm" mapstructure:"llm" json:"llm"`

	// Clipdrop holds the configuration for text-to-image generation
	Clipdrop *ClipdropConfig `yaml:"clipdrop" mapstructure:"clipdrop" json:"clipdrop"`

	// API configures the backend API server
	API *APIConfig `yaml:"api" mapstructure:"api" json:"api"`

	// Discord configures aspects of the Discord bot itself
	Discord *DiscordConfig `yaml:"discord" mapstructure:"discord" json:"discord"`

	// LogLevel is the base log level, for the default logger
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// StartupTimeout sets a limit on the amount of time the bot has to
	// initialize. If this is passed, the bot will abort startup.
	StartupTimeout time.Duration `yaml:"startup_timeout" mapstructure:"startup_timeout" json:"startup_timeout"`

	// ShutdownTimeout is the time to allow for a graceful shutdown. After this
	// elapses, the bot will force close all connections and exit.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout" json:"shutdown_timeout"`

	// BotSettingsTTL sets the time-to-live for the AdminSettings cache.
	// By default, settings are loaded on start, and refreshed with each
	// update. When running multiple instances, the cached copy may become
	// 'stale' if updated from another instance. If this TTL is set above 0,
	// settings will be refreshed from the database at least every TTL
	// duration. If using PostgreSQL, LISTEN/NOTIFY will be used to announce
	// updates in addition to this.
	BotSettingsTTL time.Duration `yaml:"bot_settings_ttl" mapstructure:"bot_settings_ttl" json:"bot_settings_ttl"`

	HTTPClient *http.Client `log:"[redacted]"`
}

func (c Config) LogValue() slog.Value {
	return structToSlogValue(c)
}

// DiscordConfig configures the discord bot itself.
//
//nolint:lll // can't break tags
type DiscordConfig struct {
	// Discord bot token (from the 'Bot' tab in the discord dev portal)
	Token string `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]" binding:"required"`

	// Prefix that identifies bot commands in message content (ex: "!")
	CommandPrefix string `yaml:"command_prefix" mapstructure:"command_prefix" json:"command_prefix" binding:"required"`

	// If true, @-mentioning the bot is treated the same as the chat command
	AllowMentions bool `yaml:"allow_mentions" mapstructure:"allow_mentions" json:"allow_mentions"`

	// Minimum time between messages handled for a single user
	UserCooldown time.Duration `yaml:"user_cooldown" mapstructure:"user_cooldown" json:"user_cooldown"`

	// Minimum time between messages handled within a single guild
	GuildCooldown time.Duration `yaml:"guild_cooldown" mapstructure:"guild_cooldown" json:"guild_cooldown"`

	// Base discord logging level
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Log level for the `discordgo` library's logger
	DiscordGoLogLevel *slog.LevelVar `yaml:"discordgo_log_level" mapstructure:"discordgo_log_level" json:"discordgo_log_level"`

	// If specified, the bot will send StartupMessage to this channel ID
	// whenever it connects to the discord gateway.
	NotificationChannelID string `yaml:"notification_channel_id" mapstructure:"notification_channel_id" json:"notification_channel_id"`

	// Message sent to NotificationChannelID on gateway connect
	StartupMessage string `yaml:"startup_message" mapstructure:"startup_message" json:"startup_message"`

	// Status text shown under the bot's name in the member list
	CustomStatus string `yaml:"custom_status" mapstructure:"custom_status" json:"custom_status"`

	// Discord gateway intents. See: https://discord.com/developers/docs/topics/gateway#gateway-intents
	GatewayIntents discordgo.Intent `yaml:"gateway_intents" mapstructure:"gateway_intents" json:"gateway_intents"`

	httpClient *http.Client
}

// LLMConfig configures the OpenAI-compatible chat completion backend
type LLMConfig struct {
	// API token for the completion backend
	Token string `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]" binding:"required"`

	// Base URL of an OpenAI-compatible API
	BaseURL string `yaml:"base_url" mapstructure:"base_url" json:"base_url" binding:"required,url"`

	// Model name passed on each completion request
	Model string `yaml:"model" mapstructure:"model" json:"model" binding:"required"`

	// Maximum tokens to request per completion
	MaxTokens int `yaml:"max_tokens" mapstructure:"max_tokens" json:"max_tokens" binding:"min=1"`

	// Sampling temperature
	Temperature float32 `yaml:"temperature" mapstructure:"temperature" json:"temperature"`

	// Nucleus sampling threshold
	TopP float32 `yaml:"top_p" mapstructure:"top_p" json:"top_p"`

	// LLM base log level
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Limits the rate of completion requests sent to the backend
	MaxRequestsPerSecond int `yaml:"max_requests_per_second" mapstructure:"max_requests_per_second" json:"max_requests_per_second" binding:"min=1"`
}

// ClipdropConfig configures the Clipdrop text-to-image API
type ClipdropConfig struct {
	// Clipdrop API key. Image generation commands are disabled when empty.
	APIKey string `yaml:"api_key" mapstructure:"api_key" json:"api_key" log:"[redacted]"`

	// Clipdrop text-to-image endpoint
	URL string `yaml:"url" mapstructure:"url" json:"url"`
}

// APIConfig configures the backend API server
type APIConfig struct {
	// The address and port on which the server should listen (e.g., "127.0.0.1:5000").
	Listen string `yaml:"listen" mapstructure:"listen" json:"listen" binding:"required,hostname|filepath"`

	// The network type for listening (e.g., "tcp", "tcp4", "tcp6", "unix").
	ListenNetwork string `yaml:"listen_network" mapstructure:"listen_network" json:"listen_network" binding:"required,oneof=tcp tcp4 tcp6 unix"`

	// Secret used for signing cookies
	Secret string `yaml:"secret" mapstructure:"secret" json:"secret" log:"[redacted]"`

	// Configuration for SSL/TLS.
	SSL SSLConfig `yaml:"ssl" mapstructure:"ssl" json:"ssl"`

	// The logging level for the API server.
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Cross-origin configuration
	CORS CORSConfig `yaml:"cors" mapstructure:"cors" json:"cors"`

	// Maximum duration for reading the entire request, including the body.
	ReadTimeout time.Duration `yaml:"read_timeout" mapstructure:"read_timeout" json:"read_timeout" binding:"min=1s"`

	// Amount of time allowed to read request headers.
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" mapstructure:"read_header_timeout" json:"read_header_timeout" binding:"min=1s"`

	// Maximum duration before timing out writes of the response.
	WriteTimeout time.Duration `yaml:"write_timeout" mapstructure:"write_timeout" json:"write_timeout" binding:"min=1s"`

	// Maximum amount of time to wait for the next request when keep-alives are enabled.
	IdleTimeout time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout" json:"idle_timeout" binding:"min=1s"`

	// Max age for session cookies
	SessionMaxAge time.Duration `yaml:"session_max_age" mapstructure:"session_max_age" json:"session_max_age" binding:"min=10m,max=24h"`

	// If true, the SameSite attribute of the session cookie will be set to 'None'
	Development bool `yaml:"development" mapstructure:"development" json:"development"`
}

// SSLConfig specifies cert paths and the TLS version to use
type SSLConfig struct {
	// Path to an SSL certificate
	Cert string `yaml:"cert" mapstructure:"cert" json:"cert"`

	// Path to an SSL cert key
	Key string `yaml:"key" mapstructure:"key" json:"key"`

	// Minimum TLS version
	TLSMinVersion uint16 `yaml:"tls_min_version" mapstructure:"tls_min_version" json:"tls_min_version"`
}

// CORSConfig specifies cross-origin resource sharing settings
type CORSConfig struct {
	AllowOrigins     []string      `yaml:"allow_origins" mapstructure:"allow_origins" json:"allow_origins"`
	AllowMethods     []string      `yaml:"allow_methods" mapstructure:"allow_methods" json:"allow_methods"`
	AllowHeaders     []string      `yaml:"allow_headers" mapstructure:"allow_headers" json:"allow_headers"`
	ExposeHeaders    []string      `yaml:"expose_headers" mapstructure:"expose_headers" json:"expose_headers"`
	AllowCredentials bool          `yaml:"allow_credentials" mapstructure:"allow_credentials" json:"allow_credentials"`
	MaxAge           time.Duration `yaml:"max_age" mapstructure:"max_age" json:"max_age"`
}

func (c CORSConfig) GINConfig() cors.Config {
	return cors.Config{
		AllowOrigins:     c.AllowOrigins,
		AllowMethods:     c.AllowMethods,
		AllowHeaders:     c.AllowHeaders,
		MaxAge:           c.MaxAge,
		ExposeHeaders:    c.ExposeHeaders,
		AllowCredentials: c.AllowCredentials,
	}
}

func DefaultCORSConfig() CORSConfig {
	defaultMethods := make([]string, len(DefaultCORSAllowMethods))
	copy(defaultMethods, DefaultCORSAllowMethods)

	defaultHeaders := make([]string, len(DefaultCORSAllowHeaders))
	copy(defaultHeaders, DefaultCORSAllowHeaders)

	defaultExpose := make([]string, len(DefaultCORSExposeHeaders))
	copy(defaultExpose, DefaultCORSExposeHeaders)

	return CORSConfig{
		AllowOrigins:     []string{},
		AllowMethods:     defaultMethods,
		AllowHeaders:     defaultHeaders,
		ExposeHeaders:    defaultExpose,
		MaxAge:           DefaultCORSMaxAge,
		AllowCredentials: DefaultAPICORSAllowCredentials,
	}
}

// DefaultConfig returns a Config with all default settings populated
func DefaultConfig() *Config {
	mainLogLevel := &slog.LevelVar{}
	llmLogLevel := &slog.LevelVar{}
	discordLogLevel := &slog.LevelVar{}
	discordgoLogLevel := &slog.LevelVar{}
	dbLogLevel := &slog.LevelVar{}
	apiLogLevel := &slog.LevelVar{}

	mainLogLevel.Set(DefaultLogLevel)
	llmLogLevel.Set(DefaultLLMLogLevel)
	discordLogLevel.Set(DefaultDiscordLogLevel)
	discordgoLogLevel.Set(DefaultDiscordgoLogLevel)
	dbLogLevel.Set(DefaultDatabaseLogLevel)
	apiLogLevel.Set(DefaultAPILogLevel)

	return &Config{
		DatabaseType:          DefaultDatabaseType,
		Database:              DefaultDatabase,
		DatabaseLogLevel:      dbLogLevel,
		DatabaseSlowThreshold: DefaultDatabaseSlowThreshold,
		LogLevel:              mainLogLevel,
		StartupTimeout:        DefaultStartupTimeout,
		ShutdownTimeout:       DefaultShutdownTimeout,
		BotSettingsTTL:        DefaultBotSettingsTTL,
		LLM: &LLMConfig{
			BaseURL:              DefaultLLMBaseURL,
			Model:                DefaultLLMModel,
			MaxTokens:            DefaultLLMMaxTokens,
			Temperature:          DefaultLLMTemperature,
			TopP:                 DefaultLLMTopP,
			MaxRequestsPerSecond: DefaultLLMMaxRequestsPerSecond,
			LogLevel:             llmLogLevel,
		},
		Clipdrop: &ClipdropConfig{
			URL: DefaultClipdropURL,
		},
		Discord: &DiscordConfig{
			CommandPrefix:     DefaultDiscordCommandPrefix,
			AllowMentions:     true,
			UserCooldown:      DefaultDiscordUserCooldown,
			GuildCooldown:     DefaultDiscordGuildCooldown,
			GatewayIntents:    DefaultDiscordGatewayIntent,
			LogLevel:          discordLogLevel,
			DiscordGoLogLevel: discordgoLogLevel,
			StartupMessage:    DefaultDiscordStartupMessage,
			CustomStatus:      DefaultDiscordCustomStatus,
		},
		API: &APIConfig{
			Listen:        DefaultAPIListen,
			ListenNetwork: defaultListenNetwork,
			SSL: SSLConfig{
				TLSMinVersion: DefaultAPITLSMinVersion,
			},
			LogLevel:          apiLogLevel,
			ReadHeaderTimeout: DefaultReadHeaderTimeout,
			ReadTimeout:       DefaultReadTimeout,
			WriteTimeout:      DefaultWriteTimeout,
			IdleTimeout:       DefaultIdleTimeout,
			SessionMaxAge:     DefaultAPISessionMaxAge,
			CORS:              DefaultCORSConfig(),
		},
	}
}
