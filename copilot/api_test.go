package copilot

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

const (
	testAdminUsername = "admin"
	testAdminPassword = "password"
)

// newTestCopilot assembles a Copilot with a real database and API but
// no Discord session, suitable for driving the admin API directly via
// the gin engine.
func newTestCopilot(t testing.TB) *Copilot {
	t.Helper()
	cfg := defaultTestConfig(t)
	db := setupTestDB(t)

	c := &Copilot{
		config:                     cfg,
		db:                         db,
		writeDB:                    NewDatabase(db, testLogger(t), false),
		logger:                     testLogger(t),
		historyCache:               NewHistoryCache(),
		userCooldowns:              NewCooldownCache(cfg.Discord.UserCooldown),
		guildCooldowns:             NewCooldownCache(cfg.Discord.GuildCooldown),
		signalStop:                 make(chan struct{}, 1),
		signalReady:                make(chan struct{}, 1),
		eventShutdown:              make(chan struct{}, 1),
		triggerSettingsRefreshCh:   make(chan bool, 16),
		triggerHistoryCacheClearCh: make(chan bool, 16),
	}
	c.discord = &Discord{config: cfg.Discord, logger: c.logger}

	hashed, err := HashPassword(testAdminPassword)
	require.NoError(t, err)
	settings := DefaultAdminSettings()
	settings.AdminUsername = testAdminUsername
	settings.AdminPassword = hashed
	require.NoError(t, db.Create(&settings).Error)
	c.botSettings = &settings

	notifier, err := newDBNotifier(c)
	require.NoError(t, err)
	c.dbNotifier = notifier

	c.contextManager = NewContextManager(
		NewConversationStore(db, c.writeDB),
		c.logger,
	)

	api, err := newAPI(c, cfg.API)
	require.NoError(t, err)
	c.api = api

	// Most tests log in more than once per second.
	api.loginRequestLimiter = rate.NewLimiter(rate.Inf, 1)
	return c
}

func doRequest(
	t testing.TB,
	bot *Copilot,
	method string,
	path string,
	body any,
	cookies ...*http.Cookie,
) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for _, cookie := range cookies {
		req.AddCookie(cookie)
	}
	w := httptest.NewRecorder()
	bot.api.engine.ServeHTTP(w, req)
	return w
}

// login authenticates with the test credentials and returns the session
// cookies for use on protected endpoints.
func login(t testing.TB, bot *Copilot) []*http.Cookie {
	t.Helper()
	w := doRequest(
		t, bot, http.MethodPost, apiPathLogin,
		userLogin{Username: testAdminUsername, Password: testAdminPassword},
	)
	require.Equal(t, http.StatusOK, w.Code)
	cookies := w.Result().Cookies()
	require.NotEmpty(t, cookies)
	return cookies
}

func TestAPILogin(t *testing.T) {
	t.Parallel()
	bot := newTestCopilot(t)

	w := doRequest(
		t, bot, http.MethodPost, apiPathLogin,
		userLogin{Username: testAdminUsername, Password: testAdminPassword},
	)
	require.Equal(t, http.StatusOK, w.Code)

	var resp loggedInResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, testAdminUsername, resp.Username)
}

func TestAPILoginBadCredentials(t *testing.T) {
	t.Parallel()
	bot := newTestCopilot(t)

	w := doRequest(
		t, bot, http.MethodPost, apiPathLogin,
		userLogin{Username: testAdminUsername, Password: "wrong"},
	)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = doRequest(
		t, bot, http.MethodPost, apiPathLogin,
		userLogin{Username: "nobody", Password: testAdminPassword},
	)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAPILoginRateLimited(t *testing.T) {
	t.Parallel()
	bot := newTestCopilot(t)
	bot.api.loginRequestLimiter = rate.NewLimiter(rate.Limit(1), 1)

	payload := userLogin{Username: testAdminUsername, Password: testAdminPassword}
	w := doRequest(t, bot, http.MethodPost, apiPathLogin, payload)
	require.Equal(t, http.StatusOK, w.Code)

	w = doRequest(t, bot, http.MethodPost, apiPathLogin, payload)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
}

func TestAPIAuthRequired(t *testing.T) {
	t.Parallel()
	bot := newTestCopilot(t)

	w := doRequest(t, bot, http.MethodGet, apiPrefix+apiPathSettings, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = doRequest(t, bot, http.MethodGet, apiPrefix+apiPathLoggedIn, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAPIAuthRejectedWhilePendingSetup(t *testing.T) {
	t.Parallel()
	bot := newTestCopilot(t)
	cookies := login(t, bot)

	bot.pendingSetup.Store(true)
	w := doRequest(t, bot, http.MethodGet, apiPrefix+apiPathSettings, nil, cookies...)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAPILoggedIn(t *testing.T) {
	t.Parallel()
	bot := newTestCopilot(t)
	cookies := login(t, bot)

	w := doRequest(t, bot, http.MethodGet, apiPrefix+apiPathLoggedIn, nil, cookies...)
	require.Equal(t, http.StatusOK, w.Code)

	var resp loggedInResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, testAdminUsername, resp.Username)
}

func TestAPIHealthCheck(t *testing.T) {
	t.Parallel()
	bot := newTestCopilot(t)

	w := doRequest(t, bot, http.MethodGet, apiHealthCheck, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp healthCheckResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.False(t, resp.Paused)
	assert.False(t, resp.DiscordGatewayConnected)

	bot.discord.connected.Store(true)
	paused := true
	bot.botSettings.Paused = paused

	w = doRequest(t, bot, http.MethodGet, apiHealthCheck, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Paused)
	assert.True(t, resp.DiscordGatewayConnected)
}

func TestAPISetupFlow(t *testing.T) {
	t.Parallel()
	bot := newTestCopilot(t)
	bot.pendingSetup.Store(true)

	w := doRequest(t, bot, http.MethodGet, apiPathSetupStatus, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var status setupResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	assert.True(t, status.Required)

	// Mismatched confirmation is rejected.
	w = doRequest(
		t, bot, http.MethodPost, apiPathSetup, adminSetupPayload{
			Username:        "newadmin",
			Password:        "hunter22",
			ConfirmPassword: "different",
		},
	)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doRequest(
		t, bot, http.MethodPost, apiPathSetup, adminSetupPayload{
			Username:        "newadmin",
			Password:        "hunter22",
			ConfirmPassword: "hunter22",
		},
	)
	require.Equal(t, http.StatusCreated, w.Code)
	assert.False(t, bot.pendingSetup.Load())

	var stored AdminSettings
	require.NoError(t, bot.db.Last(&stored).Error)
	assert.Equal(t, "newadmin", stored.AdminUsername)
	valid, err := verifyPassword(stored.AdminPassword, "hunter22")
	require.NoError(t, err)
	assert.True(t, valid)

	w = doRequest(t, bot, http.MethodGet, apiPathSetupStatus, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	assert.False(t, status.Required)
}

func TestAPISetupForbiddenWhenConfigured(t *testing.T) {
	t.Parallel()
	bot := newTestCopilot(t)

	w := doRequest(
		t, bot, http.MethodPost, apiPathSetup, adminSetupPayload{
			Username:        "intruder",
			Password:        "hunter22",
			ConfirmPassword: "hunter22",
		},
	)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestAPIGetSettings(t *testing.T) {
	t.Parallel()
	bot := newTestCopilot(t)
	cookies := login(t, bot)

	w := doRequest(t, bot, http.MethodGet, apiPrefix+apiPathSettings, nil, cookies...)
	require.Equal(t, http.StatusOK, w.Code)

	var settings AdminSettings
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &settings))
	assert.Equal(t, DefaultSystemInstructions, settings.SystemInstructions)
	assert.Empty(t, settings.AdminPassword)
}

func TestAPIUpdateSettings(t *testing.T) {
	t.Parallel()
	bot := newTestCopilot(t)
	cookies := login(t, bot)

	paused := true
	instructions := "Answer in haiku."
	w := doRequest(
		t, bot, http.MethodPatch, apiPrefix+apiPathSettings,
		AdminSettingsUpdate{
			Paused:             &paused,
			SystemInstructions: &instructions,
		},
		cookies...,
	)
	require.Equal(t, http.StatusOK, w.Code)

	var resp AdminSettings
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Paused)
	assert.Equal(t, "Answer in haiku.", resp.SystemInstructions)
	assert.Empty(t, resp.AdminPassword)

	var stored AdminSettings
	require.NoError(t, bot.db.Last(&stored).Error)
	assert.True(t, stored.Paused)
	assert.Equal(t, "Answer in haiku.", stored.SystemInstructions)

	// The cached copy was reloaded too.
	assert.True(t, bot.BotSettings().Paused)
}

func TestAPIUpdateSettingsNoFields(t *testing.T) {
	t.Parallel()
	bot := newTestCopilot(t)
	cookies := login(t, bot)

	w := doRequest(
		t, bot, http.MethodPatch, apiPrefix+apiPathSettings,
		AdminSettingsUpdate{}, cookies...,
	)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAPIGetConversations(t *testing.T) {
	t.Parallel()
	bot := newTestCopilot(t)
	cookies := login(t, bot)

	store := NewConversationStore(bot.db, bot.writeDB)
	seedTurns(t, store, "chan-1", "user-1", 3)
	seedTurns(t, store, "chan-2", "user-2", 2)

	w := doRequest(
		t, bot, http.MethodGet, apiPrefix+apiPathConversations, nil, cookies...,
	)
	require.Equal(t, http.StatusOK, w.Code)
	var turns []Conversation
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &turns))
	assert.Len(t, turns, 5)

	// Newest first by default.
	assert.Equal(t, "message 2", turns[0].UserMessage)

	w = doRequest(
		t, bot, http.MethodGet,
		apiPrefix+apiPathConversations+"?user_id=user-1&order=asc",
		nil, cookies...,
	)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &turns))
	require.Len(t, turns, 3)
	assert.Equal(t, "message 1", turns[0].UserMessage)

	w = doRequest(
		t, bot, http.MethodGet,
		apiPrefix+apiPathConversations+"?channel_id=chan-2",
		nil, cookies...,
	)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &turns))
	assert.Len(t, turns, 2)

	w = doRequest(
		t, bot, http.MethodGet,
		apiPrefix+apiPathConversations+"?limit=2",
		nil, cookies...,
	)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &turns))
	assert.Len(t, turns, 2)
}

func TestAPIConversationStats(t *testing.T) {
	t.Parallel()
	bot := newTestCopilot(t)
	cookies := login(t, bot)

	for i := 1; i <= 3; i++ {
		require.NoError(
			t,
			bot.db.Create(
				&Conversation{
					ChannelID:   "chan-1",
					UserID:      fmt.Sprintf("user-%d", i),
					UserMessage: "hi",
					BotResponse: "hello!",
					TokensUsed:  10,
				},
			).Error,
		)
	}

	w := doRequest(
		t, bot, http.MethodGet, apiPrefix+apiPathConversationStats, nil, cookies...,
	)
	require.Equal(t, http.StatusOK, w.Code)

	var stats conversationStatsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	assert.Equal(t, int64(3), stats.TotalTurns)
	assert.Equal(t, int64(3), stats.UniqueUsers)
	assert.Equal(t, int64(1), stats.UniqueChannels)
	assert.Equal(t, int64(30), stats.TotalTokensUsed)
	assert.NotZero(t, stats.OldestTurn)
	assert.GreaterOrEqual(t, stats.NewestTurn, stats.OldestTurn)
}

func TestAPIConversationStatsEmpty(t *testing.T) {
	t.Parallel()
	bot := newTestCopilot(t)
	cookies := login(t, bot)

	w := doRequest(
		t, bot, http.MethodGet, apiPrefix+apiPathConversationStats, nil, cookies...,
	)
	require.Equal(t, http.StatusOK, w.Code)

	var stats conversationStatsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	assert.Zero(t, stats.TotalTurns)
	assert.Zero(t, stats.TotalTokensUsed)
	assert.Zero(t, stats.OldestTurn)
	assert.Zero(t, stats.NewestTurn)
}

func TestAPIDeleteUserConversations(t *testing.T) {
	t.Parallel()
	bot := newTestCopilot(t)
	cookies := login(t, bot)

	store := NewConversationStore(bot.db, bot.writeDB)
	seedTurns(t, store, "chan-1", "user-1", 3)
	seedTurns(t, store, "chan-2", "user-1", 2)
	seedTurns(t, store, "chan-1", "user-2", 1)

	w := doRequest(
		t, bot, http.MethodDelete, apiPrefix+"/conversations/user/user-1",
		nil, cookies...,
	)
	require.Equal(t, http.StatusOK, w.Code)

	var resp deletedResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, int64(5), resp.Deleted)

	var count int64
	require.NoError(t, bot.db.Model(&Conversation{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestAPIDeleteChannelConversations(t *testing.T) {
	t.Parallel()
	bot := newTestCopilot(t)
	cookies := login(t, bot)

	store := NewConversationStore(bot.db, bot.writeDB)
	seedTurns(t, store, "chan-1", "user-1", 3)
	seedTurns(t, store, "chan-2", "user-1", 2)

	w := doRequest(
		t, bot, http.MethodDelete, apiPrefix+"/conversations/channel/chan-1",
		nil, cookies...,
	)
	require.Equal(t, http.StatusOK, w.Code)

	var resp deletedResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, int64(3), resp.Deleted)
}

func TestAPIDeleteAllConversations(t *testing.T) {
	t.Parallel()
	bot := newTestCopilot(t)
	cookies := login(t, bot)

	store := NewConversationStore(bot.db, bot.writeDB)
	seedTurns(t, store, "chan-1", "user-1", 3)
	seedTurns(t, store, "chan-2", "user-2", 2)

	w := doRequest(
		t, bot, http.MethodDelete, apiPrefix+apiPathConversations, nil, cookies...,
	)
	require.Equal(t, http.StatusOK, w.Code)

	var resp deletedResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, int64(5), resp.Deleted)

	var count int64
	require.NoError(t, bot.db.Model(&Conversation{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestAPIGetContext(t *testing.T) {
	t.Parallel()
	bot := newTestCopilot(t)
	cookies := login(t, bot)

	store := NewConversationStore(bot.db, bot.writeDB)
	seedTurns(t, store, "chan-1", "user-1", 2)

	w := doRequest(
		t, bot, http.MethodGet,
		apiPrefix+apiPathContext+"?channel_id=chan-1&user_id=user-1&message=hello",
		nil, cookies...,
	)
	require.Equal(t, http.StatusOK, w.Code)

	var preview contextPreviewResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &preview))
	assert.Equal(t, 2, preview.HistoryLength)
	assert.Contains(t, preview.Summary, "User: message 1 | Bot: response 1")
	assert.Contains(t, preview.Prompt, "CURRENT MESSAGE:\nhello")
	assert.Contains(t, preview.Prompt, DefaultSystemInstructions)

	// Missing required params is a 400.
	w = doRequest(
		t, bot, http.MethodGet, apiPrefix+apiPathContext+"?user_id=user-1",
		nil, cookies...,
	)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAPIGetImageLogs(t *testing.T) {
	t.Parallel()
	bot := newTestCopilot(t)
	cookies := login(t, bot)

	for i := 0; i < 3; i++ {
		require.NoError(
			t,
			bot.db.Create(
				&ImageGenerationLog{
					UserID:  "user-1",
					Prompt:  fmt.Sprintf("prompt %d", i),
					Success: true,
				},
			).Error,
		)
	}
	require.NoError(
		t,
		bot.db.Create(
			&ImageGenerationLog{UserID: "user-2", Prompt: "other", Success: false},
		).Error,
	)

	w := doRequest(
		t, bot, http.MethodGet, apiPrefix+apiPathImageLogs, nil, cookies...,
	)
	require.Equal(t, http.StatusOK, w.Code)
	var logs []ImageGenerationLog
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &logs))
	require.Len(t, logs, 4)

	// Newest first.
	assert.Equal(t, "other", logs[0].Prompt)

	w = doRequest(
		t, bot, http.MethodGet, apiPrefix+apiPathImageLogs+"?user_id=user-1",
		nil, cookies...,
	)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &logs))
	assert.Len(t, logs, 3)
}

func TestAPIRestart(t *testing.T) {
	t.Parallel()
	bot := newTestCopilot(t)
	cookies := login(t, bot)

	bot.historyCache.Append("user-1", CachedMessage{Role: "user", Content: "hi"})
	bot.userCooldowns.Update("user-1")

	w := doRequest(t, bot, http.MethodPost, apiPrefix+apiPathRestart, nil, cookies...)
	require.Equal(t, http.StatusOK, w.Code)

	assert.Nil(t, bot.historyCache.Get("user-1"))
	cooling, _ := bot.userCooldowns.Check("user-1")
	assert.False(t, cooling)
}

func TestAPILogout(t *testing.T) {
	t.Parallel()
	bot := newTestCopilot(t)
	cookies := login(t, bot)

	w := doRequest(t, bot, http.MethodPost, apiPathLogout, nil, cookies...)
	require.Equal(t, http.StatusOK, w.Code)

	// The cleared cookie no longer authenticates.
	cleared := w.Result().Cookies()
	w = doRequest(t, bot, http.MethodGet, apiPrefix+apiPathSettings, nil, cleared...)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}
