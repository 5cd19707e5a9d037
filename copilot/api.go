package copilot

import (
	"context"
	cryprand "crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"database/sql"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	ginPprof "github.com/gin-contrib/pprof"
	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/securecookie"
	gsessions "github.com/gorilla/sessions"
	"github.com/lmittmann/tint"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
)

const (
	pprofPrefix = "/debug"
	apiPrefix   = "/api"

	apiPathLogin    = "/login"
	apiPathLogout   = "/logout"
	apiPathLoggedIn = "/logged_in"
	apiPathQuit     = "/quit"
	apiPathRestart  = "/restart"
	apiHealthCheck  = "/healthz"

	apiAdminSetup      = "/admin/create"
	apiPathSetup       = "/setup"
	apiPathSetupStatus = "/setup/status"

	apiPathSettings = "/settings"

	apiPathConversations        = "/conversations"
	apiPathConversationStats    = "/conversations/stats"
	apiPathConversationsUser    = "/conversations/user/:id"
	apiPathConversationsChannel = "/conversations/channel/:id"

	apiPathContext   = "/context"
	apiPathImageLogs = "/image_logs"
)

const (
	xRequestIDHeader = "X-Request-ID"
	sessionVarName   = "user"
	sessionVarField  = "username"
)

var (
	structValidator = validator.New()
)

type Sort string

var (
	Ascending  Sort = "asc"
	Descending Sort = "desc"
)

// API is the backend admin server. It wraps the HTTP server and gin
// engine, holds the session store, and exposes endpoints for managing
// bot settings, conversation history and the bot lifecycle.
type API struct {
	config              *APIConfig
	httpServer          *http.Server
	listener            net.Listener
	engine              *gin.Engine
	store               CookieStore
	loginRequestLimiter *rate.Limiter
	requestMetrics      map[string]int
	requestMetricsMu    sync.Mutex
	logger              *slog.Logger

	handlers *APIHandlers
}

// newAPI initializes the admin API: gin engine, session store, TLS
// config, middleware and routes. The server isn't started until
// [API.Serve] is called.
func newAPI(bot *Copilot, config *APIConfig) (*API, error) {
	setupLogger := slog.New(
		tint.NewHandler(
			os.Stdout, &tint.Options{
				Level:     config.LogLevel,
				AddSource: true,
			},
		),
	)

	r := gin.New()

	api := &API{
		config:              config,
		engine:              r,
		requestMetrics:      map[string]int{},
		loginRequestLimiter: rate.NewLimiter(rate.Limit(1), 1),
	}
	apiHandlers := NewAPIHandlers(bot)
	api.handlers = apiHandlers
	api.store = apiHandlers.store
	_ = r.Use(sessions.Sessions(sessionVarName, apiHandlers.store))

	tlsCfg, e := apiTLSConfig(config.SSL)
	if e != nil {
		return nil, fmt.Errorf("error loading SSL certs: %w", e)
	}

	httpServer := &http.Server{
		Addr:              config.Listen,
		Handler:           r,
		TLSConfig:         tlsCfg,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
		ReadTimeout:       config.ReadTimeout,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}
	api.httpServer = httpServer
	api.logger = setupLogger.With(loggerNameKey, "api")

	corsConfig := config.CORS.GINConfig()
	if len(corsConfig.AllowOrigins) == 0 && api.config.Development {
		corsConfig.AllowOrigins = []string{"*"}
	}

	if !config.Development {
		r.Use(gin.Recovery())
	}
	r.Use(
		requestIDMiddleware(),
		ginLoggingMiddleware(),
		metricMiddleware(api),
		cors.New(corsConfig),
	)

	r.POST(apiPathLogin, apiHandlers.loginHandler)
	r.GET(apiHealthCheck, apiHandlers.healthCheck)
	r.POST(apiPathLogout, apiHandlers.logoutHandler)

	if config.Development {
		ginPprof.Register(r, pprofPrefix)
	}

	r.POST(apiPathSetup, apiHandlers.adminSetup)
	r.GET(apiPathSetupStatus, apiHandlers.setupStatus)
	r.GET(apiAdminSetup, apiHandlers.setupStatus)

	protected := r.Group(apiPrefix)
	protected.Use(authMiddleware(bot))

	protected.GET(apiPathLoggedIn, apiHandlers.loggedIn)

	protected.GET(apiPathSettings, apiHandlers.getSettings)
	protected.PATCH(apiPathSettings, apiHandlers.updateSettings)

	protected.GET(apiPathConversations, apiHandlers.getConversations)
	protected.GET(apiPathConversationStats, apiHandlers.conversationStats)
	protected.DELETE(apiPathConversationsUser, apiHandlers.deleteUserConversations)
	protected.DELETE(apiPathConversationsChannel, apiHandlers.deleteChannelConversations)
	protected.DELETE(apiPathConversations, apiHandlers.deleteAllConversations)

	protected.GET(apiPathContext, apiHandlers.getContext)
	protected.GET(apiPathImageLogs, apiHandlers.getImageLogs)

	protected.POST(apiPathQuit, apiHandlers.botQuit)
	protected.POST(apiPathRestart, apiHandlers.botRestart)

	return api, nil
}

// apiTLSConfig loads the configured certificate pair, generating a
// self-signed pair in a temp directory when no paths are set.
func apiTLSConfig(ssl SSLConfig) (*tls.Config, error) {
	if ssl.Cert != "" && ssl.Key != "" {
		return tlsConfig(ssl.Cert, ssl.Key, ssl.TLSMinVersion)
	}
	tmpDir, err := os.MkdirTemp("", "copilot-ssl-")
	if err != nil {
		return nil, err
	}
	cert, err := generateSelfSignedCert(
		filepath.Join(tmpDir, "cert.pem"),
		filepath.Join(tmpDir, "key.pem"),
	)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   ssl.TLSMinVersion,
		ClientAuth:   tls.NoClientCert,
	}, nil
}

func (a *API) Serve(ctx context.Context) error {
	if a.listener != nil {
		return a.httpServer.Serve(a.listener)
	}
	listenCfg := &net.ListenConfig{}
	ln, e := listenCfg.Listen(ctx, a.config.ListenNetwork, a.config.Listen)

	if e != nil {
		panic(e)
	}
	ln = tls.NewListener(ln, a.httpServer.TLSConfig)
	a.listener = ln
	return a.httpServer.Serve(a.listener)
}

func (a *API) getSessionUsername(c *gin.Context) (string, error) {
	store := a.store
	session, err := store.Get(c.Request, sessionVarName)
	if err != nil {
		return "", err
	}
	username, ok := session.Values[sessionVarField]
	if !ok {
		return "", errors.New("username not found in session")
	}
	s, e := username.(string)
	if !e {
		return "", errors.New("username not a string")
	}
	return s, nil
}

type CookieStore interface {
	sessions.Store
}

func NewCookieStore(keyPairs ...[]byte) CookieStore {
	return &cookieStore{gsessions.NewCookieStore(keyPairs...)}
}

type cookieStore struct {
	*gsessions.CookieStore
}

func (c *cookieStore) Options(options sessions.Options) {
	c.CookieStore.Options = options.ToGorillaOptions()
}

// APIHandlers contains the handlers for the admin API endpoints.
type APIHandlers struct {
	c      *Copilot
	logger *slog.Logger
	store  CookieStore
}

// NewAPIHandlers sets up the handler logger, derives the session
// secret, and configures the session store.
func NewAPIHandlers(bot *Copilot) *APIHandlers {
	logger := bot.logger.With(loggerNameKey, "api")

	var secretKey []byte
	switch sk := bot.config.API.Secret; {
	case sk == "":
		logger.Warn(
			"api secret not set, generating random secret " +
				"(sessions will not persist across restarts)",
		)
		secretKey = securecookie.GenerateRandomKey(64)
	default:
		secretKey = derive64ByteKey(sk)
	}

	store := NewCookieStore(secretKey)
	sameSite := http.SameSiteStrictMode
	if bot.config.API.Development {
		sameSite = http.SameSiteNoneMode
	}
	store.Options(
		sessions.Options{
			HttpOnly: true,
			Secure:   true,
			MaxAge:   int(bot.config.API.SessionMaxAge.Seconds()),
			SameSite: sameSite,
		},
	)
	return &APIHandlers{c: bot, logger: logger, store: store}
}

// setupStatus reports whether the initial admin setup is still pending.
func (h *APIHandlers) setupStatus(c *gin.Context) {
	c.JSON(http.StatusOK, setupResponse{Required: h.c.pendingSetup.Load()})
}

// adminSetup handles the initial admin credential setup. It only
// succeeds while setup is pending.
func (h *APIHandlers) adminSetup(c *gin.Context) {
	h.c.cfgMu.Lock()
	defer h.c.cfgMu.Unlock()

	if !h.c.pendingSetup.Load() {
		c.JSON(http.StatusForbidden, httpError{Error: "Forbidden"})
		return
	}

	logger := ginContextLogger(c)
	logger.Info("first time admin setup")
	var payload adminSetupPayload

	if e := c.ShouldBindJSON(&payload); e != nil {
		logger.Error("bad payload", tint.Err(e))
		c.JSON(http.StatusBadRequest, gin.H{"error": e.Error()})
		return
	}

	password, err := HashPassword(payload.Password)
	if err != nil {
		logger.Error("error hashing password", tint.Err(err))
		c.JSON(
			http.StatusInternalServerError,
			gin.H{"error": "error setting admin credentials"},
		)
		return
	}

	settings := h.c.botSettings
	if settings == nil {
		logger.Error("admin settings not loaded")
		c.JSON(
			http.StatusInternalServerError,
			gin.H{"error": "error updating admin credentials"},
		)
		return
	}

	if _, err = h.c.writeDB.Updates(
		c.Request.Context(), settings, map[string]any{
			columnAdminSettingsAdminUsername: payload.Username,
			columnAdminSettingsAdminPassword: password,
		},
	); err != nil {
		logger.Error("error updating admin credentials", tint.Err(err))
		c.JSON(
			http.StatusInternalServerError,
			gin.H{"error": "error updating admin credentials"},
		)
		return
	}
	settings.AdminUsername = payload.Username
	settings.AdminPassword = password
	h.c.pendingSetup.Store(false)
	c.JSON(http.StatusCreated, gin.H{"message": "admin credentials set"})
}

// loginHandler validates the provided credentials against the stored
// admin credentials and creates a new session on success. Login
// attempts are rate limited.
func (h *APIHandlers) loginHandler(c *gin.Context) {
	logger := h.c.logger
	if logger == nil {
		logger = slog.Default()
	}
	if !h.c.api.loginRequestLimiter.Allow() {
		logger.Warn("login rate limited")

		c.AbortWithStatus(http.StatusTooManyRequests)
		return
	}

	var login userLogin
	if err := c.ShouldBindJSON(&login); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	settings := h.c.BotSettings()
	if settings.AdminUsername == "" || settings.AdminPassword == "" {
		logger.Warn("admin username and password not set")
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
		return
	}
	if login.Username != settings.AdminUsername {
		logger.Warn("admin username incorrect")
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
		return
	}
	valid, err := verifyPassword(settings.AdminPassword, login.Password)
	if err != nil {
		logger.Error("error verifying password", tint.Err(err))
		c.JSON(
			http.StatusInternalServerError,
			gin.H{"error": "Internal Server Error"},
		)
		return
	}
	if !valid {
		logger.Warn("invalid login attempt", "username", login.Username)
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
		return
	}

	session, err := h.c.api.store.New(c.Request, sessionVarName)
	if err != nil {
		logger.Error("error creating session", tint.Err(err))

		sess, _ := h.store.Get(c.Request, sessionVarName)
		if sess != nil {
			sess.Values[sessionVarField] = ""
			_ = sess.Save(c.Request, c.Writer)
		}
		ginReplyError(c, "internal server error")
		return
	}
	if session == nil {
		logger.Error("didn't get session!?")
		ginReplyError(c, "internal server error")
		return
	}
	sameSite := http.SameSiteStrictMode
	if h.c.api.config.Development {
		sameSite = http.SameSiteNoneMode
	}
	session.Options = &gsessions.Options{
		MaxAge:   int(h.c.api.config.SessionMaxAge.Seconds()),
		SameSite: sameSite,
		HttpOnly: true,
		Secure:   true,
	}
	session.Values[sessionVarField] = login.Username
	err = session.Save(c.Request, c.Writer)
	if err != nil {
		logger.Error("error saving session", tint.Err(err))
		ginReplyError(c, "internal server error")
		return
	}
	logger.Info("saved user session", "username", login.Username)
	c.JSON(http.StatusOK, loggedInResponse{Username: login.Username})
}

// healthCheck reports the bot's paused state and Discord gateway
// connection status.
func (h *APIHandlers) healthCheck(c *gin.Context) {
	connected := false
	if h.c.discord != nil {
		connected = h.c.discord.connected.Load()
	}
	c.JSON(
		http.StatusOK, healthCheckResponse{
			Paused:                  h.c.BotSettings().Paused,
			DiscordGatewayConnected: connected,
		},
	)
}

// logoutHandler clears the username from the session.
func (h *APIHandlers) logoutHandler(c *gin.Context) {
	logger := ginContextLogger(c)
	session, err := h.store.Get(c.Request, sessionVarName)
	if err != nil {
		logger.Error("error getting session", tint.Err(err))
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}

	session.Values[sessionVarField] = ""
	err = session.Save(c.Request, c.Writer)
	if err != nil {
		logger.Error("error saving cookie", tint.Err(err))
	}
	ginReplyMessage(c, "logged out")
}

// loggedIn returns the session username, or 401 if the user isn't
// authenticated.
func (h *APIHandlers) loggedIn(c *gin.Context) {
	username, err := h.c.api.getSessionUsername(c)

	if err != nil {
		ginContextLogger(c).Warn(
			"error getting session username",
			tint.Err(err),
		)
		c.JSON(
			http.StatusUnauthorized,
			httpError{Error: "unauthorized"},
		)
		return
	}
	c.JSON(http.StatusOK, loggedInResponse{Username: username})
}

// currentSettings loads the persisted settings row.
func (h *APIHandlers) currentSettings(ctx context.Context) (
	AdminSettings,
	error,
) {
	var settings AdminSettings
	if err := h.c.db.WithContext(ctx).Last(&settings).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return settings, errSettingsNotFound
		}
		return settings, err
	}
	return settings, nil
}

// getSettings returns the persisted bot settings. The hashed admin
// password is omitted from the response.
func (h *APIHandlers) getSettings(c *gin.Context) {
	log := ginContextLogger(c)
	settings, err := h.currentSettings(c.Request.Context())
	if err != nil {
		if errors.Is(err, errSettingsNotFound) {
			c.JSON(http.StatusNotFound, httpError{Error: "settings not found"})
			return
		}
		log.Error("error getting settings", tint.Err(err))
		c.JSON(http.StatusInternalServerError, httpError{Error: "error getting settings"})
		return
	}
	settings.AdminPassword = ""
	c.JSON(http.StatusOK, settings)
}

// updateSettings applies a partial update to the persisted bot
// settings, then reloads the cached copy and notifies any other
// instances.
func (h *APIHandlers) updateSettings(c *gin.Context) {
	log := ginContextLogger(c)

	var update AdminSettingsUpdate
	if err := c.ShouldBindJSON(&update); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}
	updates := update.gormUpdates()
	if len(updates) == 0 {
		c.JSON(http.StatusBadRequest, httpError{Error: "no fields to update"})
		return
	}

	settings, err := h.currentSettings(c.Request.Context())
	if err != nil {
		if errors.Is(err, errSettingsNotFound) {
			c.JSON(http.StatusNotFound, httpError{Error: "settings not found"})
			return
		}
		log.Error("error getting settings", tint.Err(err))
		c.JSON(http.StatusInternalServerError, httpError{Error: "error getting settings"})
		return
	}

	if _, err = h.c.writeDB.Updates(
		c.Request.Context(),
		&settings,
		updates,
	); err != nil {
		log.Error("error updating settings", tint.Err(err))
		c.JSON(
			http.StatusInternalServerError,
			httpError{Error: "error updating settings"},
		)
		return
	}
	log.Info("updated settings", "updates", updates)

	h.c.ReloadSettings(c.Request.Context())

	settings = h.c.BotSettings()
	settings.AdminPassword = ""
	c.JSON(http.StatusOK, settings)
}

// getConversationsQuery is the query payload for listing conversation
// turns.
type getConversationsQuery struct {
	UserID    string `form:"user_id"`
	ChannelID string `form:"channel_id"`
	Limit     int    `form:"limit" binding:"omitempty,min=1,max=500"`
	Offset    int    `form:"offset" binding:"omitempty,min=0"`
	Order     Sort   `form:"order" binding:"omitempty,oneof=asc desc"`
}

// getConversations lists persisted conversation turns, optionally
// filtered by user and/or channel.
func (h *APIHandlers) getConversations(c *gin.Context) {
	log := ginContextLogger(c)

	var query getConversationsQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}
	if query.Limit == 0 {
		query.Limit = 100
	}
	if query.Order == "" {
		query.Order = Descending
	}

	stmt := h.c.db.WithContext(c.Request.Context()).
		Limit(query.Limit).
		Offset(query.Offset)
	if query.Order == Ascending {
		stmt = stmt.Order("created_at asc, id asc")
	} else {
		stmt = stmt.Order("created_at desc, id desc")
	}
	if query.UserID != "" {
		stmt = stmt.Where("user_id = ?", query.UserID)
	}
	if query.ChannelID != "" {
		stmt = stmt.Where("channel_id = ?", query.ChannelID)
	}

	var turns []Conversation
	if err := stmt.Find(&turns).Error; err != nil {
		log.Error("error getting conversations", tint.Err(err))
		c.JSON(
			http.StatusInternalServerError,
			httpError{Error: "error getting conversations"},
		)
		return
	}
	c.JSON(http.StatusOK, turns)
}

// conversationStatsResponse summarizes the stored conversation history.
// Timestamps are milli-Unix, zero when no turns are stored.
type conversationStatsResponse struct {
	TotalTurns      int64 `json:"total_turns"`
	UniqueUsers     int64 `json:"unique_users"`
	UniqueChannels  int64 `json:"unique_channels"`
	TotalTokensUsed int64 `json:"total_tokens_used"`
	OldestTurn      int64 `json:"oldest_turn"`
	NewestTurn      int64 `json:"newest_turn"`
}

func (h *APIHandlers) conversationStats(c *gin.Context) {
	log := ginContextLogger(c)
	ctx := c.Request.Context()

	var stats conversationStatsResponse

	db := h.c.db.WithContext(ctx).Model(&Conversation{})
	if err := db.Count(&stats.TotalTurns).Error; err != nil {
		log.Error("error counting conversations", tint.Err(err))
		c.JSON(
			http.StatusInternalServerError,
			httpError{Error: "error getting stats"},
		)
		return
	}

	if err := h.c.db.WithContext(ctx).Model(&Conversation{}).
		Distinct("user_id").
		Count(&stats.UniqueUsers).Error; err != nil {
		log.Error("error counting users", tint.Err(err))
		c.JSON(
			http.StatusInternalServerError,
			httpError{Error: "error getting stats"},
		)
		return
	}

	if err := h.c.db.WithContext(ctx).Model(&Conversation{}).
		Distinct("channel_id").
		Count(&stats.UniqueChannels).Error; err != nil {
		log.Error("error counting channels", tint.Err(err))
		c.JSON(
			http.StatusInternalServerError,
			httpError{Error: "error getting stats"},
		)
		return
	}

	var tokens sql.NullInt64
	if err := h.c.db.WithContext(ctx).Model(&Conversation{}).
		Select("sum(tokens_used)").
		Scan(&tokens).Error; err != nil {
		log.Error("error summing tokens", tint.Err(err))
		c.JSON(
			http.StatusInternalServerError,
			httpError{Error: "error getting stats"},
		)
		return
	}
	if tokens.Valid {
		stats.TotalTokensUsed = tokens.Int64
	}

	var bounds struct {
		Oldest sql.NullInt64
		Newest sql.NullInt64
	}
	if err := h.c.db.WithContext(ctx).Model(&Conversation{}).
		Select("min(created_at) as oldest, max(created_at) as newest").
		Scan(&bounds).Error; err != nil {
		log.Error("error getting conversation bounds", tint.Err(err))
		c.JSON(
			http.StatusInternalServerError,
			httpError{Error: "error getting stats"},
		)
		return
	}
	if bounds.Oldest.Valid {
		stats.OldestTurn = bounds.Oldest.Int64
	}
	if bounds.Newest.Valid {
		stats.NewestTurn = bounds.Newest.Int64
	}

	c.JSON(http.StatusOK, stats)
}

// deleteUserConversations removes all stored turns for a user, across
// all channels, and notifies instances to drop their short-lived
// history caches.
func (h *APIHandlers) deleteUserConversations(c *gin.Context) {
	log := ginContextLogger(c)
	userID := c.Param("id")

	if h.c.contextManager == nil {
		c.JSON(http.StatusServiceUnavailable, httpError{Error: "not ready"})
		return
	}
	deleted, err := h.c.contextManager.ClearUser(c.Request.Context(), userID)
	if err != nil {
		log.Error("error deleting user conversations", tint.Err(err))
		c.JSON(
			http.StatusInternalServerError,
			httpError{Error: "error deleting conversations"},
		)
		return
	}
	log.Info("deleted user conversations", "user_id", userID, "deleted", deleted)
	h.c.dbNotifier.ClearHistoryCache(c.Request.Context())
	c.JSON(http.StatusOK, deletedResponse{Deleted: deleted})
}

// deleteChannelConversations removes all stored turns for a channel.
func (h *APIHandlers) deleteChannelConversations(c *gin.Context) {
	log := ginContextLogger(c)
	channelID := c.Param("id")

	if h.c.contextManager == nil {
		c.JSON(http.StatusServiceUnavailable, httpError{Error: "not ready"})
		return
	}
	deleted, err := h.c.contextManager.ClearChannel(c.Request.Context(), channelID)
	if err != nil {
		log.Error("error deleting channel conversations", tint.Err(err))
		c.JSON(
			http.StatusInternalServerError,
			httpError{Error: "error deleting conversations"},
		)
		return
	}
	log.Info(
		"deleted channel conversations",
		"channel_id", channelID,
		"deleted", deleted,
	)
	h.c.dbNotifier.ClearHistoryCache(c.Request.Context())
	c.JSON(http.StatusOK, deletedResponse{Deleted: deleted})
}

// deleteAllConversations removes every stored conversation turn.
func (h *APIHandlers) deleteAllConversations(c *gin.Context) {
	log := ginContextLogger(c)

	if h.c.contextManager == nil {
		c.JSON(http.StatusServiceUnavailable, httpError{Error: "not ready"})
		return
	}
	deleted, err := h.c.contextManager.ClearAll(c.Request.Context())
	if err != nil {
		log.Error("error deleting conversations", tint.Err(err))
		c.JSON(
			http.StatusInternalServerError,
			httpError{Error: "error deleting conversations"},
		)
		return
	}
	log.Info("deleted all conversations", "deleted", deleted)
	h.c.dbNotifier.ClearHistoryCache(c.Request.Context())
	c.JSON(http.StatusOK, deletedResponse{Deleted: deleted})
}

// getContextQuery is the query payload for previewing an assembled
// context window.
type getContextQuery struct {
	ChannelID string `form:"channel_id" binding:"required"`
	UserID    string `form:"user_id" binding:"required"`
	Message   string `form:"message"`
}

// contextPreviewResponse is the assembled context window for a
// hypothetical message, as it would be sent to the completion backend.
type contextPreviewResponse struct {
	Prompt            string `json:"prompt"`
	Summary           string `json:"summary"`
	PreviousExchanges string `json:"previous_exchanges"`
	HistoryLength     int    `json:"history_length"`
}

// getContext previews the context window that would be assembled for a
// message in the given channel/user partition.
func (h *APIHandlers) getContext(c *gin.Context) {
	var query getContextQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}

	if h.c.contextManager == nil {
		c.JSON(http.StatusServiceUnavailable, httpError{Error: "not ready"})
		return
	}

	settings := h.c.BotSettings()
	window := h.c.contextManager.AssembleContext(
		c.Request.Context(),
		query.ChannelID,
		query.UserID,
		settings.SystemInstructions,
		query.Message,
	)
	c.JSON(
		http.StatusOK, contextPreviewResponse{
			Prompt:            window.Prompt,
			Summary:           window.Summary,
			PreviousExchanges: window.PreviousExchanges,
			HistoryLength:     len(window.Turns),
		},
	)
}

// getImageLogsQuery is the query payload for listing image generation
// attempts.
type getImageLogsQuery struct {
	UserID string `form:"user_id"`
	Limit  int    `form:"limit" binding:"omitempty,min=1,max=500"`
	Offset int    `form:"offset" binding:"omitempty,min=0"`
}

// getImageLogs lists image generation attempts, newest first.
func (h *APIHandlers) getImageLogs(c *gin.Context) {
	log := ginContextLogger(c)

	var query getImageLogsQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}
	if query.Limit == 0 {
		query.Limit = 25
	}

	stmt := h.c.db.WithContext(c.Request.Context()).
		Limit(query.Limit).
		Offset(query.Offset).
		Order("id desc")
	if query.UserID != "" {
		stmt = stmt.Where("user_id = ?", query.UserID)
	}

	var logs []ImageGenerationLog
	if err := stmt.Find(&logs).Error; err != nil {
		log.Error("error getting image logs", tint.Err(err))
		c.JSON(
			http.StatusInternalServerError,
			httpError{Error: "error getting image logs"},
		)
		return
	}
	c.JSON(http.StatusOK, logs)
}

// botQuit sends a stop notification to the running bot.
func (h *APIHandlers) botQuit(c *gin.Context) {
	log := ginContextLogger(c)
	log.Info("sending stop notification")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	sent := h.c.dbNotifier.Stop(ctx)
	if sent {
		c.JSON(http.StatusAccepted, httpReply{Message: "Notification sent"})
		return
	}
	c.JSON(http.StatusInternalServerError, httpError{Error: "error sending notification"})
}

// botRestart clears cooldowns and cached history and reloads settings,
// without restarting the process.
func (h *APIHandlers) botRestart(c *gin.Context) {
	log := ginContextLogger(c)
	log.Info("soft restarting bot")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	h.c.SoftRestart(ctx)
	ginReplyMessage(c, "bot restarted")
}

type deletedResponse struct {
	Deleted int64 `json:"deleted"`
}

type loggedInResponse struct {
	Username string `json:"username"`
}

type healthCheckResponse struct {
	Paused                  bool `json:"paused"`
	DiscordGatewayConnected bool `json:"discord_gateway_connected"`
}

// httpReply represents a standard HTTP response message.
type httpReply struct {
	Message string `json:"message"`
}

// httpError represents an error message returned to the client
type httpError struct {
	Error string `json:"error"`
}

// userLogin represents the payload for user login requests.
type userLogin struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// adminSetupPayload represents the payload for the initial admin setup.
type adminSetupPayload struct {
	Username        string `json:"username" binding:"required"`
	Password        string `json:"password" binding:"required,eqfield=ConfirmPassword"`
	ConfirmPassword string `json:"confirm_password" binding:"required"`
}

// setupResponse is the response struct for the 'setup status'
// endpoint. If an admin username/password haven't been set yet,
// Required will be true, indicating setup is needed.
type setupResponse struct {
	Required bool `json:"required"`
}

// authMiddleware returns a Gin middleware function for authentication.
// It retrieves the session from the request and checks if the user is
// authenticated, aborting with 401 otherwise. While the bot is pending
// setup (no admin credentials set), it also returns 401.
func authMiddleware(bot *Copilot) gin.HandlerFunc {
	return func(c *gin.Context) {
		store := bot.api.store
		logger := bot.logger
		if logger == nil {
			logger = slog.Default()
		}
		if bot.pendingSetup.Load() {
			logger.Warn("admin username and password not set")
			c.AbortWithStatusJSON(
				http.StatusUnauthorized,
				httpError{Error: "unauthorized"},
			)
			return
		}

		session, err := store.Get(c.Request, sessionVarName)
		if err != nil {
			logger.Error("error getting session", tint.Err(err))
			c.AbortWithStatusJSON(
				http.StatusUnauthorized,
				httpError{Error: "unauthorized"},
			)
			return
		}

		if session == nil {
			logger.Error("session is nil")
			c.AbortWithStatusJSON(
				http.StatusUnauthorized,
				httpError{Error: "unauthorized"},
			)
			return
		}

		username, ok := session.Values[sessionVarField]

		if !ok || username == "" {
			logger.Warn(
				"username not found in session",
				"headers",
				c.Request.Header,
			)
			c.AbortWithStatusJSON(
				http.StatusUnauthorized,
				httpError{Error: "unauthorized"},
			)
			return
		}

		logger.Debug("got session", sessionVarField, username)

		c.Next()
	}
}

// requestIDMiddleware generates a Gin middleware function that assigns
// a unique request ID to each incoming request.
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := generateRandomHexString(32)
		if err != nil {
			c.AbortWithStatus(http.StatusInternalServerError)
			return
		}
		c.Set(xRequestIDHeader, id)
		if requestID, exists := c.Get(xRequestIDHeader); exists {
			c.Header(xRequestIDHeader, requestID.(string))
		}
		c.Next()
	}
}

// ginContextLogger returns the slog.Logger from the given gin context,
// or, if it doesn't exist, creates a logger with request details
// included, and sets the logger in the context so the next call to
// ginContextLogger will return the new logger.
func ginContextLogger(c *gin.Context) *slog.Logger {
	var requestLogger *slog.Logger
	logger, ok := c.Get(string(loggerContextKey))
	if ok {
		requestLogger, ok = logger.(*slog.Logger)
		if ok {
			return requestLogger
		}
	}
	requestLogger = slog.Default()
	requestID, _ := c.Get(xRequestIDHeader)
	path := c.Request.URL.Path
	raw := c.Request.URL.RawQuery
	if raw != "" {
		path = path + "?" + raw
	}

	requestLogger = requestLogger.With(
		slog.Group(
			"request",
			"method", c.Request.Method,
			"path", path,
			"remote_addr", c.Request.RemoteAddr,
			"remote_ip", c.RemoteIP(),
			"user_agent", c.Request.UserAgent(),
			"referer", c.Request.Referer(),
		),
		slog.Any(xRequestIDHeader, requestID),
	)
	c.Set(string(loggerContextKey), requestLogger)
	return requestLogger
}

// ginLoggingMiddleware returns a Gin middleware function for logging
// HTTP requests, including the request duration and response status.
func ginLoggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		requestLogger := ginContextLogger(c)
		c.Next()
		latency := time.Since(start)

		var errs []error
		for _, e := range c.Errors.ByType(gin.ErrorTypePrivate) {
			errs = append(errs, *e)
		}
		if len(errs) > 0 {
			requestLogger.Error(
				fmt.Sprintf(
					"%s %s finished with errors",
					c.Request.Method,
					c.Request.URL,
				),
				"duration", latency,
				"errors", errs,
				slog.Group(
					"response",
					"status_code", c.Writer.Status(),
					"body_size", c.Writer.Size(),
				),
			)
		} else {
			requestLogger.Info(
				fmt.Sprintf("%s %s finished", c.Request.Method, c.Request.URL),
				"duration", latency,
				slog.Group(
					"response",
					"status_code", c.Writer.Status(),
					"body_size", c.Writer.Size(),
				),
			)
		}
	}
}

// metricMiddleware returns a Gin middleware function for tracking API
// request counts per method and path.
func metricMiddleware(a *API) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer c.Next()

		a.requestMetricsMu.Lock()
		defer a.requestMetricsMu.Unlock()

		key := fmt.Sprintf("%s %s", c.Request.Method, c.Request.URL.Path)
		_, ok := a.requestMetrics[key]
		if !ok {
			a.requestMetrics[key] = 1
			return
		}
		a.requestMetrics[key]++
	}
}

// ginReplyMessage sends a JSON response with a message,
// with HTTP status code 200, via the gin context.
func ginReplyMessage(c *gin.Context, message string) {
	c.JSON(http.StatusOK, httpReply{Message: message})
}

// ginReplyError sends a JSON response with an error message,
// with HTTP status code 500, via the gin context.
func ginReplyError(c *gin.Context, err string) {
	c.AbortWithStatusJSON(http.StatusInternalServerError, httpError{Error: err})
}

// generateSelfSignedCert generates a self-signed TLS certificate and
// private key, valid from the current time for 1 year.
func generateSelfSignedCert(
	certFile string,
	keyFile string,
) (tls.Certificate, error) {
	priv, err := rsa.GenerateKey(cryprand.Reader, 2048)
	if err != nil {
		return tls.Certificate{}, err
	}

	certTemplate := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject: pkix.Name{
			Organization: []string{"Copilot"},
		},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}

	derBytes, err := x509.CreateCertificate(
		cryprand.Reader,
		&certTemplate,
		&certTemplate,
		&priv.PublicKey,
		priv,
	)
	if err != nil {
		return tls.Certificate{}, err
	}

	certOut, err := os.Create(certFile)
	if err != nil {
		return tls.Certificate{}, err
	}
	defer func() {
		_ = certOut.Close()
	}()

	if err = pem.Encode(
		certOut,
		&pem.Block{Type: "CERTIFICATE", Bytes: derBytes},
	); err != nil {
		return tls.Certificate{}, err
	}

	keyOut, err := os.Create(keyFile)
	if err != nil {
		return tls.Certificate{}, err
	}
	defer func() {
		_ = keyOut.Close()
	}()

	privBytes := x509.MarshalPKCS1PrivateKey(priv)
	if err = pem.Encode(
		keyOut,
		&pem.Block{Type: "RSA PRIVATE KEY", Bytes: privBytes},
	); err != nil {
		return tls.Certificate{}, err
	}

	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return tls.Certificate{}, err
	}

	return cert, nil
}

//nolint:gochecknoinits // gotta register the validators
func init() {
	structValidator.SetTagName("binding")
}
