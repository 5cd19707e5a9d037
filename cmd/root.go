package cmd

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"reflect"
	"strings"
	"syscall"

	"github.com/Sparsematrix09/ai-powered-discord-bot/copilot"
	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfg        = copilot.DefaultConfig()
	configFile string
)

var rootCmd = &cobra.Command{
	Use: "copilot [flags]",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		err := viper.Unmarshal(
			cfg,
			viper.DecodeHook(
				mapstructure.ComposeDecodeHookFunc(
					mapstructure.StringToTimeDurationHookFunc(),
					LevelToStringHookFunc(),
				),
			),
		)
		if err != nil {
			log.Fatalln(err)
		}
	},
}

func getLogLevel(level string) (slog.Level, error) {
	switch level {
	case slog.LevelDebug.String():
		return slog.LevelDebug, nil
	case slog.LevelInfo.String():
		return slog.LevelInfo, nil
	case slog.LevelWarn.String():
		return slog.LevelWarn, nil
	case slog.LevelError.String():
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level: %s", level)
	}
}

func LevelToStringHookFunc() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data any,
	) (any, error) {
		if f.Kind() != reflect.String {
			return data, nil
		}
		if t.Kind() != reflect.Ptr {
			return data, nil
		}

		typ := t.Elem()

		if typ != reflect.TypeOf(slog.LevelVar{}) {
			return data, nil
		}
		lvl, err := getLogLevel(data.(string))
		if err != nil {
			return nil, fmt.Errorf("invalid log level: %s", data)
		}
		lvlVar := &slog.LevelVar{}
		lvlVar.Set(lvl)
		return lvlVar, nil
	}
}

func Execute() {
	ctx, cancel := context.WithCancel(context.Background())
	rootCmd.SetContext(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(
		signals,
		os.Interrupt,
		syscall.SIGHUP,
		syscall.SIGTERM,
		syscall.SIGINT,
	)
	defer func() {
		signal.Stop(signals)
		cancel()
	}()
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
			//
		}
	}()
	err := rootCmd.ExecuteContext(ctx)
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func initConfig() {
	if configFile == "" {
		if err := godotenv.Load(); err != nil {
			log.Println("No .env file found")
		}
	} else {
		fmt.Println("loading env from file", configFile)
		if err := godotenv.Load(configFile); err != nil {
			log.Println("No .env file found")
		}
	}

	viper.SetDefault("database", copilot.DefaultDatabase)
	viper.SetDefault("database_type", copilot.DefaultDatabaseType)
	viper.SetDefault(
		"database_slow_threshold",
		copilot.DefaultDatabaseSlowThreshold,
	)
	viper.SetDefault(
		"database_log_level",
		copilot.DefaultDatabaseLogLevel.String(),
	)

	viper.SetDefault("log_level", copilot.DefaultLogLevel.String())
	viper.SetDefault("api.log_level", copilot.DefaultAPILogLevel.String())

	viper.SetDefault("startup_timeout", copilot.DefaultStartupTimeout)
	viper.SetDefault("shutdown_timeout", copilot.DefaultShutdownTimeout)
	viper.SetDefault("bot_settings_ttl", copilot.DefaultBotSettingsTTL)

	// Chat completion backend
	viper.SetDefault("llm.log_level", copilot.DefaultLLMLogLevel.String())
	viper.SetDefault("llm.token", "")
	viper.SetDefault("llm.base_url", copilot.DefaultLLMBaseURL)
	viper.SetDefault("llm.model", copilot.DefaultLLMModel)
	viper.SetDefault("llm.max_tokens", copilot.DefaultLLMMaxTokens)
	viper.SetDefault("llm.temperature", copilot.DefaultLLMTemperature)
	viper.SetDefault("llm.top_p", copilot.DefaultLLMTopP)
	viper.SetDefault(
		"llm.max_requests_per_second",
		copilot.DefaultLLMMaxRequestsPerSecond,
	)

	// Clipdrop config
	viper.SetDefault("clipdrop.api_key", "")
	viper.SetDefault("clipdrop.url", copilot.DefaultClipdropURL)

	// Discord config
	viper.SetDefault("discord.token", "")
	viper.SetDefault("discord.command_prefix", copilot.DefaultDiscordCommandPrefix)
	viper.SetDefault("discord.allow_mentions", true)
	viper.SetDefault("discord.user_cooldown", copilot.DefaultDiscordUserCooldown)
	viper.SetDefault("discord.guild_cooldown", copilot.DefaultDiscordGuildCooldown)
	viper.SetDefault(
		"discord.log_level",
		copilot.DefaultDiscordLogLevel.String(),
	)
	viper.SetDefault(
		"discord.discordgo_log_level",
		copilot.DefaultDiscordgoLogLevel.String(),
	)
	viper.SetDefault(
		"discord.gateway_intents",
		copilot.DefaultDiscordGatewayIntent,
	)
	viper.SetDefault("discord.startup_message", copilot.DefaultDiscordStartupMessage)
	viper.SetDefault("discord.custom_status", copilot.DefaultDiscordCustomStatus)

	fatalErr := func(err error) {
		if err != nil {
			log.Fatalf("error: %v", err)
		}
	}

	// API config
	viper.SetDefault("api.listen", copilot.DefaultAPIListen)
	viper.SetDefault("api.listen_network", "tcp")
	viper.SetDefault("api.secret", "")
	viper.SetDefault("api.development", false)

	viper.SetDefault(
		"api.session_max_age",
		copilot.DefaultAPISessionMaxAge,
	)
	viper.SetDefault("api.read_timeout", copilot.DefaultReadTimeout)
	viper.SetDefault(
		"api.read_header_timeout",
		copilot.DefaultReadHeaderTimeout,
	)
	viper.SetDefault("api.write_timeout", copilot.DefaultWriteTimeout)
	viper.SetDefault("api.idle_timeout", copilot.DefaultIdleTimeout)

	// API: SSL config
	fatalErr(viper.BindEnv("api.ssl.cert"))
	fatalErr(viper.BindEnv("api.ssl.key"))
	fatalErr(viper.BindEnv("api.ssl.tls_min_version"))

	// API: CORS config
	viper.SetDefault(
		"api.cors.allow_headers",
		copilot.DefaultCORSAllowHeaders,
	)
	viper.SetDefault(
		"api.cors.allow_methods",
		copilot.DefaultCORSAllowMethods,
	)
	viper.SetDefault(
		"api.cors.expose_headers",
		copilot.DefaultCORSExposeHeaders,
	)
	viper.SetDefault(
		"api.cors.allow_origins",
		[]string{},
	)
	viper.SetDefault("api.cors.max_age", copilot.DefaultCORSMaxAge)
	viper.SetDefault(
		"api.cors.allow_credentials",
		copilot.DefaultAPICORSAllowCredentials,
	)

	envPrefix := os.Getenv(copilot.EnvvarSetEnvPrefix)
	if envPrefix == "" {
		envPrefix = copilot.DefaultEnvPrefix
	}
	viper.SetEnvPrefix(envPrefix)

	replacer := strings.NewReplacer(".", "_")
	viper.SetEnvKeyReplacer(replacer)
	viper.AutomaticEnv()

	// Convert values to correct types
	viper.Set(
		"api.cors.allow_headers",
		viper.GetStringSlice("api.cors.allow_headers"),
	)
	viper.Set(
		"api.cors.allow_origins",
		viper.GetStringSlice("api.cors.allow_origins"),
	)
	viper.Set(
		"api.cors.allow_methods",
		viper.GetStringSlice("api.cors.allow_methods"),
	)
	viper.Set(
		"api.cors.expose_headers",
		viper.GetStringSlice("api.cors.expose_headers"),
	)

	for _, key := range []string{
		"log_level",
		"database_log_level",
		"llm.log_level",
		"discord.log_level",
		"discord.discordgo_log_level",
		"api.log_level",
	} {
		logLevelVar, err := levelStringToLevelVar(viper.GetString(key))
		if err != nil {
			log.Fatalf("error parsing %s: %v", key, err)
		}
		viper.Set(key, logLevelVar)
	}
}

func levelStringToLevelVar(lvl string) (*slog.LevelVar, error) {
	level := &slog.LevelVar{}
	err := level.UnmarshalText([]byte(lvl))
	return level, err
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(
		&configFile,
		"config",
		"",
		"Config file to use",
	)
}
