package copilot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"gorm.io/gorm"
)

var (
	// When building, set these like:
	// -ldflags "-X github.com/Sparsematrix09/ai-powered-discord-bot/copilot.Version=$$(date +'%Y%m%d')"

	Version   = "dev"
	CommitSHA = "unknown"
	BuildTime = "unknown"
)

var (
	defaultLogWriter io.Writer = os.Stdout
)

// Copilot is the main application struct. It owns the database
// connections, the Discord session, the completion and image clients,
// the admin API server, and the conversation context manager, and
// coordinates their lifecycles.
type Copilot struct {
	dbNotifier DBNotifier
	config     *Config

	// Pointer to a read-only GORM connection. This is from an
	// overabundance of caution for using SQLite.
	db *gorm.DB

	// gorm.DB wrapper for write/update/delete operations.
	// The only difference between this and [Copilot.db]
	// is that, when using sqlite, a mutex is used. Otherwise,
	// just use [Copilot.db].
	writeDB DBI

	// Standard logger. Missing loggers will try to use this,
	// and fall back to slog.Default()
	logger *slog.Logger

	// Handler to use for the above
	logHandler slog.Handler

	// Handles discord integration, sessions
	discord *Discord

	// Chat completion backend client
	llm *LLMClient

	// Clipdrop text-to-image client
	imageGen *ImageGenerator

	// Provides the back-end admin API
	api *API

	// Assembles conversation context, persists turns, enforces retention
	contextManager *ContextManager

	// Short-lived per-user message cache
	historyCache *HistoryCache

	userCooldowns  *CooldownCache
	guildCooldowns *CooldownCache

	// signalStop enables an explicit stop signal to be sent to the bot,
	// such as by the `/api/quit` endpoint
	signalStop chan struct{}

	// signalReady has a value sent on it when Run has finished
	// initializing: database ready, settings loaded, API listening,
	// discord session open.
	signalReady chan struct{}

	// A signal is sent on this channel when the
	// [Copilot.shutdown] function finishes
	eventShutdown chan struct{}

	// prevents Run from executing concurrently
	runMu sync.Mutex

	// The time Run was called
	startedAt time.Time

	// Indicates whether admin credentials have been set.
	// If they haven't, Run will hold just after the init
	// process is done and the API has started, prior to starting
	// any other processes - this ensures the bot doesn't start
	// responding to commands before it can be configured/stopped
	// via the admin UI.
	pendingSetup atomic.Bool

	// Cached copy of the persisted AdminSettings row
	botSettings *AdminSettings

	// protecc the settings
	cfgMu sync.RWMutex

	triggerSettingsRefreshCh   chan bool
	triggerHistoryCacheClearCh chan bool
}

// New creates and initializes a new Copilot instance from the given
// configuration. Run must be called on the returned instance to start
// the bot.
func New(config *Config) (*Copilot, error) {
	var errs []error

	switch config.DatabaseType {
	case dbTypeSQLite, dbTypePostgres:
		//
	default:
		errs = append(
			errs,
			errors.New("invalid database type (must be 'sqlite' or 'postgres')"),
		)
	}

	if config.HTTPClient == nil {
		config.HTTPClient = http.DefaultClient
	}

	c := &Copilot{
		config:                     config,
		signalReady:                make(chan struct{}, 1),
		eventShutdown:              make(chan struct{}, 1),
		triggerSettingsRefreshCh:   make(chan bool, 1),
		triggerHistoryCacheClearCh: make(chan bool, 1),
		historyCache:               NewHistoryCache(),
		userCooldowns:              NewCooldownCache(config.Discord.UserCooldown),
		guildCooldowns:             NewCooldownCache(config.Discord.GuildCooldown),
	}

	c.logHandler = tint.NewHandler(
		defaultLogWriter, &tint.Options{
			Level:     c.config.LogLevel,
			AddSource: true,
		},
	)

	c.logger = slog.New(c.logHandler)
	slog.SetDefault(c.logger)

	c.llm = NewLLMClient(
		config.LLM,
		config.HTTPClient,
		slog.New(
			tint.NewHandler(
				defaultLogWriter, &tint.Options{
					Level:     config.LLM.LogLevel,
					AddSource: true,
				},
			),
		),
	)

	c.config.Discord.httpClient = c.config.HTTPClient

	disc, err := newDiscord(c.config.Discord)
	if err != nil {
		errs = append(errs, err)
	}

	discordgo.Logger = discordgoLoggerFunc(
		context.Background(),
		tint.NewHandler(
			defaultLogWriter, &tint.Options{
				Level:     c.config.Discord.DiscordGoLogLevel,
				AddSource: true,
			},
		).WithAttrs([]slog.Attr{slog.String(loggerNameKey, "discordgo")}),
	)

	disc.logger = slog.New(
		tint.NewHandler(
			defaultLogWriter, &tint.Options{
				Level:     c.config.Discord.LogLevel,
				AddSource: true,
			},
		),
	).With(loggerNameKey, "discord")

	c.discord = disc
	disc.c = c

	api, err := newAPI(c, config.API)
	errs = append(errs, err)
	c.api = api

	return c, errors.Join(errs...)
}

func (c *Copilot) ValidateConfig() error {
	return structValidator.Struct(c.config)
}

// BotSettings returns a copy of the cached admin settings. If settings
// were never loaded, defaults are returned so message handling fails
// open.
func (c *Copilot) BotSettings() AdminSettings {
	c.cfgMu.RLock()
	defer c.cfgMu.RUnlock()
	if c.botSettings == nil {
		return DefaultAdminSettings()
	}
	return *c.botSettings
}

func (c *Copilot) getLogger(ctx context.Context) (
	context.Context,
	*slog.Logger,
) {
	logger, ok := ContextLogger(ctx)
	if logger == nil || !ok {
		logger = c.logger
		ctx = WithLogger(ctx, logger)
	}
	return ctx, logger
}

// Run starts the main loop of the bot: it initializes the database,
// starts the admin API, opens the Discord session, and blocks until
// the context is canceled or a stop signal is received.
func (c *Copilot) Run(ctx context.Context) error {
	// prevents concurrent runs
	c.runMu.Lock()
	defer c.runMu.Unlock()

	c.signalStop = make(chan struct{}, 1)

	c.startedAt = time.Now()
	logger := c.logger

	if err := c.ValidateConfig(); err != nil {
		logger.Error("invalid config", tint.Err(err))
		return err
	}

	notifier, err := newDBNotifier(c)
	if err != nil {
		logger.Error("error creating db notifier", tint.Err(err))
		return err
	}
	c.dbNotifier = notifier

	ctx = WithLogger(ctx, logger)

	runtimeWG := &sync.WaitGroup{}

	logger.LogAttrs(ctx, slog.LevelInfo, "starting", slog.Any("config", c.config))
	if c.signalReady == nil {
		c.signalReady = make(chan struct{}, 1)
	}

	// this is the 'runtime' context, which triggers a graceful shutdown
	// when canceled
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-c.signalStop:
			c.logger.Warn("got stop signal, canceling")
			cancel()
		case <-ctx.Done():
			c.logger.Warn("context canceled, sending stop signal")
			c.signalStop <- struct{}{}
			return
		}
	}()

	go func() {
		httpErr := c.api.Serve(ctx)
		if httpErr != nil && !errors.Is(httpErr, http.ErrServerClosed) {
			c.logger.ErrorContext(ctx, "error serving api HTTP", tint.Err(httpErr))
		}
	}()

	startCtx, startCancel := context.WithTimeout(ctx, c.config.StartupTimeout)
	defer startCancel()

	initErr := make(chan error, 1)
	go func() {
		logger.Debug("initializing run...")
		initErr <- c.initRun(startCtx)
	}()

	select {
	case <-startCtx.Done():
		return fmt.Errorf("startup cancelled or timed out")
	case err = <-initErr:
		if err != nil {
			logger.ErrorContext(ctx, "init error", tint.Err(err))
			if c.api != nil && c.api.listener != nil {
				go func() {
					if e := c.api.listener.Close(); e != nil {
						logger.ErrorContext(ctx, "error closing listener", tint.Err(e))
					}
				}()
			}
			return err
		}
		logger.InfoContext(ctx, "init complete")
	}

	if setupErr := c.waitOnSetup(ctx, logger, runtimeWG); setupErr != nil {
		return setupErr
	}

	if discErr := c.initDiscordSession(ctx, runtimeWG); discErr != nil {
		c.logger.ErrorContext(ctx, "error creating discord session", tint.Err(discErr))
		return discErr
	}

	c.logger.InfoContext(ctx, "connecting to discord")
	if openErr := c.discord.session.Open(); openErr != nil {
		logger.ErrorContext(ctx, "error connecting to discord!", tint.Err(openErr))
		return fmt.Errorf("error connecting to discord: %w", openErr)
	}

	c.startSettingsRefresher(ctx, runtimeWG, logger)
	c.startHistoryCacheClearListener(ctx, runtimeWG)

	c.signalReady <- struct{}{}
	c.logger.InfoContext(ctx, "sent ready signal")

	runtimeWG.Add(1)
	go func() {
		defer runtimeWG.Done()
		if e := c.dbNotifier.Listen(ctx, c.dbNotifier.SettingsChannelName()); e != nil {
			c.logger.ErrorContext(ctx, "error listening to settings channel", tint.Err(e))
		}
	}()

	runtimeWG.Add(1)
	go func() {
		defer runtimeWG.Done()
		if e := c.dbNotifier.Listen(ctx, c.dbNotifier.HistoryCacheChannelName()); e != nil {
			c.logger.ErrorContext(ctx, "error listening to history cache channel", tint.Err(e))
		}
	}()

	runtimeWG.Add(1)
	go func() {
		defer runtimeWG.Done()
		if e := c.dbNotifier.Listen(ctx, c.dbNotifier.StopChannelName()); e != nil {
			c.logger.ErrorContext(ctx, "error listening to stop channel", tint.Err(e))
		}
	}()

	// block until something cancels the main runtime context - generally
	// from an interrupt, or the `/api/quit` endpoint
	stopCh := make(chan struct{}, 1)
	go func() {
		<-ctx.Done()
		stopCh <- struct{}{}
	}()
	<-stopCh

	// Commence shutdown
	return c.shutdown(ctx, runtimeWG)
}

func (c *Copilot) waitOnSetup(
	ctx context.Context,
	logger *slog.Logger,
	runtimeWG *sync.WaitGroup,
) error {
	if !c.pendingSetup.Load() {
		return nil
	}

	logger.WarnContext(
		ctx,
		fmt.Sprintf(
			"pending initial setup at: %s%s",
			c.api.listener.Addr().String(),
			apiAdminSetup,
		),
	)
	pendingStateCh := make(chan struct{}, 1)
	go func() {
		for ctx.Err() == nil {
			var settings AdminSettings
			logger.InfoContext(ctx, "checking if admin settings exist yet")
			getSettingsErr := c.db.Last(&settings).Error
			if getSettingsErr != nil {
				logger.ErrorContext(
					ctx,
					"error getting admin settings",
					tint.Err(getSettingsErr),
				)
			}
			if settings.AdminUsername != "" && settings.AdminPassword != "" {
				pendingStateCh <- struct{}{}
				return
			}
			time.Sleep(5 * time.Second)
		}
	}()

	select {
	case <-ctx.Done():
		logger.WarnContext(ctx, "context cancelled waiting on setup, exiting")
		return c.shutdown(ctx, runtimeWG)
	case <-pendingStateCh:
		c.pendingSetup.Store(false)
	}

	return nil
}

func (c *Copilot) initRun(startCtx context.Context) error {
	c.logger.Debug("initializing DB...")
	if err := c.initDB(startCtx); err != nil {
		return fmt.Errorf("error initializing database: %w", err)
	}
	c.logger.Debug("finished initializing DB")

	// load or create the stored settings - this tells the bot whether
	// it should start in a 'paused' state (to avoid a potential scenario
	// where we want to keep it paused, but it crashes and restarts in
	// an active state)
	var settings AdminSettings

	getSettingsErr := c.db.Last(&settings).Error
	if getSettingsErr != nil {
		if errors.Is(getSettingsErr, gorm.ErrRecordNotFound) {
			c.pendingSetup.Store(true)
			settings = DefaultAdminSettings()

			if _, err := c.writeDB.Create(startCtx, &settings); err != nil {
				return fmt.Errorf("error creating settings: %w", err)
			}
		} else {
			return fmt.Errorf("error getting settings: %w", getSettingsErr)
		}
	}
	if validationErr := structValidator.Struct(settings); validationErr != nil {
		return fmt.Errorf("invalid admin settings: %w", validationErr)
	}

	if settings.AdminUsername == "" || settings.AdminPassword == "" {
		c.pendingSetup.Store(true)
	}
	c.botSettings = &settings

	c.contextManager = NewContextManager(
		NewConversationStore(c.db, c.writeDB),
		c.logger,
	)

	c.imageGen = NewImageGenerator(
		c.config.Clipdrop,
		c.config.HTTPClient,
		c.writeDB,
		c.logger,
	)

	return nil
}

func (c *Copilot) initDB(ctx context.Context) error {
	logger, ok := ContextLogger(ctx)
	if !ok || logger == nil {
		logger = c.logger
	}

	handler := tint.NewHandler(
		defaultLogWriter, &tint.Options{
			Level:     c.config.DatabaseLogLevel,
			AddSource: true,
		},
	)

	gormLogger := newGORMLogger(handler, c.config.DatabaseSlowThreshold)
	db, err := getDB(c.config.DatabaseType, c.config.Database, gormLogger)

	if err != nil {
		return fmt.Errorf("error opening database: %w", err)
	}

	c.db = db

	c.writeDB = NewDatabase(db, nil, c.config.DatabaseType == dbTypePostgres)

	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("error getting database connection: %w", err)
	}

	if c.config.DatabaseType == dbTypeSQLite {
		sqlDB.SetMaxOpenConns(sqliteMaxOpenConns)
		sqlDB.SetMaxIdleConns(sqliteMaxIdleConns)
		sqlDB.SetConnMaxLifetime(sqliteMaxConnLifetime)
		pragmaErrors := make([]error, 0, len(sqliteExecPragma))
		for _, p := range sqliteExecPragma {
			pragmaErrors = append(
				pragmaErrors,
				db.WithContext(ctx).Exec(p).Error,
			)
		}
		if pragmaErr := errors.Join(pragmaErrors...); pragmaErr != nil {
			return pragmaErr
		}
	}

	logger.Debug("migrating database...")
	txn := db.WithContext(ctx).Begin()

	mg := txn.Migrator()
	err = mg.AutoMigrate(
		&Conversation{},
		&AdminSettings{},
		&AdminUser{},
		&ImageGenerationLog{},
	)
	if err != nil {
		return fmt.Errorf("error migrating database: %w", err)
	}

	if commitErr := txn.Commit().Error; commitErr != nil {
		return fmt.Errorf("error committing migration: %w", commitErr)
	}

	return nil
}

func (c *Copilot) initDiscordSession(
	ctx context.Context,
	runtimeWG *sync.WaitGroup,
) error {
	logger := c.logger.With(loggerNameKey, "discord_session")

	if c.discord.session == nil {
		disc, discErr := c.discord.newSession()
		if discErr != nil {
			return fmt.Errorf("error creating discord session: %w", discErr)
		}
		c.discord.session = disc
	}

	ctx = WithLogger(ctx, logger)
	_ = ctx

	if len(c.discord.discordgoRemoveHandlerFuncs) > 0 {
		for _, h := range c.discord.discordgoRemoveHandlerFuncs {
			h()
		}
	}

	messageHandler := c.handleMessageCreate()
	c.discord.discordgoRemoveHandlerFuncs = []func(){
		c.discord.session.AddHandler(c.discord.handlerConnect()),
		c.discord.session.AddHandler(c.discord.handlerDisconnect()),
		c.discord.session.AddHandler(c.discord.handlerReady()),
		c.discord.session.AddHandler(
			func(
				s *discordgo.Session,
				m *discordgo.MessageCreate,
			) {
				runtimeWG.Add(1)
				go func() {
					defer runtimeWG.Done()
					messageHandler(s, m)
				}()
			},
		),
	}

	return nil
}

func (c *Copilot) startSettingsRefresher(
	ctx context.Context,
	runtimeWG *sync.WaitGroup,
	logger *slog.Logger,
) {
	settingsTTL := c.config.BotSettingsTTL

	if settingsTTL > 0 {
		runtimeWG.Add(1)
		go func() {
			defer runtimeWG.Done()
			ticker := time.NewTicker(settingsTTL)
			defer ticker.Stop()

			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					select {
					case c.triggerSettingsRefreshCh <- false:
						logger.Info("sent settings refresh signal from ticker")
					case <-time.After(5 * time.Second):
						logger.Warn("timed out sending settings refresh signal")
					}
				}
			}
		}()
	}

	runtimeWG.Add(1)
	go func() {
		defer runtimeWG.Done()

		for {
			select {
			case <-ctx.Done():
				return
			case forceRefresh := <-c.triggerSettingsRefreshCh:
				refreshCh := make(chan struct{}, 1)
				refreshCtx, refreshCancel := context.WithTimeout(ctx, 30*time.Second)
				go func() {
					c.refreshBotSettings(refreshCtx, forceRefresh)
					refreshCh <- struct{}{}
				}()
				select {
				case <-refreshCh:
				//
				case <-refreshCtx.Done():
					c.logger.Warn("refresh settings timed out or interrupted")
				}
				refreshCancel()
			}
		}
	}()
}

func (c *Copilot) startHistoryCacheClearListener(
	ctx context.Context,
	runtimeWG *sync.WaitGroup,
) {
	runtimeWG.Add(1)
	go func() {
		defer runtimeWG.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.triggerHistoryCacheClearCh:
				c.logger.Info("clearing in-memory history cache")
				c.historyCache.Reset()
			}
		}
	}()
}

func (c *Copilot) refreshBotSettings(ctx context.Context, force bool) {
	c.cfgMu.Lock()
	defer c.cfgMu.Unlock()

	settingsTTL := c.config.BotSettingsTTL
	previous := c.botSettings

	var refreshed AdminSettings
	if err := c.db.WithContext(ctx).Last(&refreshed).Error; err != nil {
		c.logger.Error("error getting admin settings", tint.Err(err))
		return
	}

	lastUpdated := time.Since(time.UnixMilli(refreshed.UpdatedAt))
	if !force && settingsTTL > 0 && lastUpdated <= settingsTTL {
		c.logger.Info("admin settings are up to date, skipping refresh")
		return
	}

	if previous != nil && c.discord.session != nil &&
		refreshed.DiscordCustomStatus != previous.DiscordCustomStatus {
		if statusErr := c.discord.updateCustomStatus(
			refreshed.DiscordCustomStatus,
		); statusErr != nil {
			c.logger.Error("error updating discord status", tint.Err(statusErr))
		}
	}

	c.botSettings = &refreshed
	c.logger.Info("refreshed admin settings")
}

// ReloadSettings forces a reload of the cached settings, and notifies
// other instances via the DB notifier.
func (c *Copilot) ReloadSettings(ctx context.Context) {
	c.refreshBotSettings(ctx, true)
	if c.dbNotifier != nil {
		c.dbNotifier.ReloadSettings(ctx)
	}
}

// SoftRestart clears cooldowns and the in-memory history cache, and
// reloads settings from the database, without dropping the Discord
// session.
func (c *Copilot) SoftRestart(ctx context.Context) {
	c.logger.InfoContext(ctx, "soft restart requested")
	c.userCooldowns.Reset()
	c.guildCooldowns.Reset()
	c.historyCache.Reset()
	c.refreshBotSettings(ctx, true)
}

func (c *Copilot) shutdown(
	ctx context.Context,
	runtimeWG *sync.WaitGroup,
) error {
	c.logger.WarnContext(ctx, "shutting down")
	defer func() {
		if c.eventShutdown != nil {
			go func() {
				c.eventShutdown <- struct{}{}
			}()
		}
	}()
	shutdownStart := time.Now()
	shutdownTimeout := c.config.ShutdownTimeout
	if shutdownTimeout.Seconds() == 0 {
		c.logger.Warn("immediate shutdown")
		go func() {
			_ = c.api.httpServer.Close()
		}()
		return fmt.Errorf("shutdown timeout is zero, forced close")
	}
	shutdownDeadline := shutdownStart.Add(shutdownTimeout)

	announcementTicker := time.NewTicker(10 * time.Second)
	defer announcementTicker.Stop()

	c.logger.InfoContext(
		ctx,
		"exiting!",
		"shutdown_timeout", c.config.ShutdownTimeout,
		"shutdown_started", shutdownStart,
		"shutdown_deadline", shutdownDeadline,
	)

	closeCtx, closeCancel := context.WithDeadline(
		context.Background(),
		shutdownDeadline,
	)
	defer closeCancel()

	// Graceful shutdown - at least until closeCtx is closed
	gracefulShutdownCh := make(chan struct{}, 1)
	go func() {
		runtimeWG.Wait() // wait for anything spawned by the main processes
		runtimeStopEnd := time.Now()
		c.logger.InfoContext(
			ctx,
			"finished handling in-flight requests",
			"shutdown_started", shutdownStart,
			"runtime_stopped", runtimeStopEnd,
			"runtime_stop_duration", runtimeStopEnd.Sub(shutdownStart),
		)
		stopWG := &sync.WaitGroup{}

		if c.api.httpServer != nil {
			stopWG.Add(1)
			go func() {
				defer stopWG.Done()
				c.logger.InfoContext(ctx, "stopping http server")
				_ = c.api.httpServer.Shutdown(closeCtx)
				c.logger.InfoContext(ctx, "http server stopped")
			}()
		}

		if c.discord.session != nil {
			stopWG.Add(1)
			go func() {
				defer stopWG.Done()
				c.logger.InfoContext(ctx, "closing discord session")
				_ = c.discord.session.Close()
				c.logger.InfoContext(ctx, "discord session closed")
				if len(c.discord.discordgoRemoveHandlerFuncs) > 0 {
					for _, h := range c.discord.discordgoRemoveHandlerFuncs {
						h()
					}
					c.logger.InfoContext(ctx, "finished removing handlers")
				}
			}()
		}

		// wait on the above, then send a signal that we're done
		go func() {
			c.logger.InfoContext(ctx, "waiting graceful shutdown")
			stopWG.Wait()
			gracefulShutdownCh <- struct{}{}
			c.logger.InfoContext(ctx, "stopped http/discord")
		}()
	}()

	// if we get a signal on gracefulShutdownCh, everything stopped and
	// cleaned up normally.
	// otherwise, burn it all down!
	for {
		select {
		case <-gracefulShutdownCh:
			closeCancel()
			shutdownEnded := time.Now()
			c.logger.InfoContext(
				ctx,
				"shutdown complete",
				"shutdown_ended", shutdownEnded,
				"shutdown_duration", shutdownEnded.Sub(shutdownStart),
			)
			return nil
		case <-announcementTicker.C:
			remaining := time.Until(shutdownDeadline)
			c.logger.Warn(
				fmt.Sprintf(
					"time until hard shutdown: %s",
					remaining.String(),
				),
			)
		case <-closeCtx.Done(): // timed out, start closing stuff
			c.logger.Warn("graceful shutdown did not finish in time, forcing close")
			go func() {
				_ = c.api.httpServer.Close()
			}()
			if c.discord.session != nil {
				go func() {
					_ = c.discord.session.Close()
				}()
			}
			return fmt.Errorf("forced shutdown after timeout")
		}
	}
}
