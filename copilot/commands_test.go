package copilot

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"testing"

	"github.com/bwmarrin/discordgo"
	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubDiscordSession records outgoing messages instead of talking to
// the Discord API.
type stubDiscordSession struct {
	mu      sync.Mutex
	sent    []string
	replies []string
	complex []*discordgo.MessageSend
	typing  []string
}

func (s *stubDiscordSession) Open() error  { return nil }
func (s *stubDiscordSession) Close() error { return nil }

func (s *stubDiscordSession) ChannelMessageSend(
	_ string,
	message string,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, message)
	return &discordgo.Message{}, nil
}

func (s *stubDiscordSession) ChannelMessageSendComplex(
	_ string,
	data *discordgo.MessageSend,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.complex = append(s.complex, data)
	return &discordgo.Message{}, nil
}

func (s *stubDiscordSession) ChannelMessageSendReply(
	_ string,
	content string,
	_ *discordgo.MessageReference,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replies = append(s.replies, content)
	return &discordgo.Message{}, nil
}

func (s *stubDiscordSession) ChannelTyping(
	channelID string,
	_ ...discordgo.RequestOption,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.typing = append(s.typing, channelID)
	return nil
}

func (s *stubDiscordSession) UpdateCustomStatus(string) error { return nil }
func (s *stubDiscordSession) AddHandler(any) func()           { return func() {} }
func (s *stubDiscordSession) SetHTTPClient(*http.Client)      {}
func (s *stubDiscordSession) SetLogLevel(slog.Level) error    { return nil }

func (s *stubDiscordSession) lastReply() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.replies) == 0 {
		return ""
	}
	return s.replies[len(s.replies)-1]
}

// newCommandTestBot builds a bot with a stub Discord session and
// cooldowns disabled, ready to handle commands.
func newCommandTestBot(t testing.TB) (*Copilot, *stubDiscordSession) {
	t.Helper()
	bot := newTestCopilot(t)
	stub := &stubDiscordSession{}
	bot.discord.session = stub
	bot.userCooldowns = NewCooldownCache(0)
	bot.guildCooldowns = NewCooldownCache(0)
	return bot, stub
}

func newTestMessage(channelID, userID, content string) *discordgo.MessageCreate {
	return &discordgo.MessageCreate{
		Message: &discordgo.Message{
			ID:        "message-id",
			ChannelID: channelID,
			GuildID:   "guild-1",
			Content:   content,
			Author:    &discordgo.User{ID: userID, Username: "someone"},
		},
	}
}

func TestBotMentionPrefix(t *testing.T) {
	t.Parallel()

	sess := &discordgo.Session{State: discordgo.NewState()}
	sess.State.User = &discordgo.User{ID: "bot-id"}

	mentioned, remainder := botMentionPrefix(sess, "<@bot-id> hello there")
	assert.True(t, mentioned)
	assert.Equal(t, "hello there", remainder)

	mentioned, remainder = botMentionPrefix(sess, "<@!bot-id>hi")
	assert.True(t, mentioned)
	assert.Equal(t, "hi", remainder)

	mentioned, _ = botMentionPrefix(sess, "hello <@bot-id>")
	assert.False(t, mentioned)

	mentioned, _ = botMentionPrefix(nil, "<@bot-id> hi")
	assert.False(t, mentioned)
}

func TestHandlePing(t *testing.T) {
	t.Parallel()
	bot, stub := newCommandTestBot(t)

	handler := bot.handleMessageCreate()
	handler(&discordgo.Session{}, newTestMessage("chan-1", "user-1", "!ping"))

	assert.Equal(t, "Pong!", stub.lastReply())
}

func TestHandlerIgnoresBots(t *testing.T) {
	t.Parallel()
	bot, stub := newCommandTestBot(t)

	handler := bot.handleMessageCreate()
	msg := newTestMessage("chan-1", "user-1", "!ping")
	msg.Author.Bot = true
	handler(&discordgo.Session{}, msg)

	assert.Empty(t, stub.replies)
}

func TestHandlerIgnoresUnprefixed(t *testing.T) {
	t.Parallel()
	bot, stub := newCommandTestBot(t)

	handler := bot.handleMessageCreate()
	handler(&discordgo.Session{}, newTestMessage("chan-1", "user-1", "just chatting"))

	assert.Empty(t, stub.replies)
	assert.Zero(t, bot.discord.metricMessagesHandled.Load())
}

func TestHandleHelp(t *testing.T) {
	t.Parallel()
	bot, stub := newCommandTestBot(t)

	handler := bot.handleMessageCreate()
	handler(&discordgo.Session{}, newTestMessage("chan-1", "user-1", "!help"))

	require.Len(t, stub.complex, 1)
	require.Len(t, stub.complex[0].Embeds, 1)
	assert.Equal(t, "Commands", stub.complex[0].Embeds[0].Title)
}

func TestHandleClear(t *testing.T) {
	t.Parallel()
	bot, stub := newCommandTestBot(t)

	store := NewConversationStore(bot.db, bot.writeDB)
	seedTurns(t, store, "chan-1", "user-1", 3)
	seedTurns(t, store, "chan-1", "user-2", 2)
	seedTurns(t, store, "chan-2", "user-1", 2)
	bot.historyCache.Append("user-1", CachedMessage{Role: "user", Content: "hi"})
	bot.historyCache.Append("user-2", CachedMessage{Role: "user", Content: "hey"})

	handler := bot.handleMessageCreate()
	handler(&discordgo.Session{}, newTestMessage("chan-1", "user-1", "!clear"))

	assert.Equal(
		t,
		"Conversation history cleared for this channel (5 messages forgotten).",
		stub.lastReply(),
	)

	// Every user's history in the channel is gone, not just the
	// invoker's.
	var count int64
	require.NoError(
		t,
		bot.db.Model(&Conversation{}).
			Where("channel_id = ?", "chan-1").
			Count(&count).Error,
	)
	assert.Zero(t, count)

	// Other channels are untouched.
	require.NoError(
		t,
		bot.db.Model(&Conversation{}).
			Where("channel_id = ?", "chan-2").
			Count(&count).Error,
	)
	assert.Equal(t, int64(2), count)

	// The in-memory history cache is reset for everyone.
	assert.Nil(t, bot.historyCache.Get("user-1"))
	assert.Nil(t, bot.historyCache.Get("user-2"))
}

func TestHandleChat(t *testing.T) {
	t.Parallel()
	bot, stub := newCommandTestBot(t)

	srv, lastRequest := newCompletionServer(t, "hello from the model", 21)
	bot.llm = NewLLMClient(testLLMConfig(srv.URL+"/v1"), nil, testLogger(t))

	handler := bot.handleMessageCreate()
	handler(&discordgo.Session{}, newTestMessage("chan-1", "user-1", "!ai what's up"))

	assert.Equal(t, "hello from the model", stub.lastReply())
	assert.Equal(t, []string{"chan-1"}, stub.typing)

	// The completion saw the configured system instructions.
	require.NotEmpty(t, lastRequest.Messages)
	assert.Contains(t, lastRequest.Messages[0].Content, DefaultSystemInstructions)

	// The turn was persisted with usage metadata.
	var stored Conversation
	require.NoError(t, bot.db.Last(&stored).Error)
	assert.Equal(t, "what's up", stored.UserMessage)
	assert.Equal(t, "hello from the model", stored.BotResponse)
	assert.Equal(t, 21, stored.TokensUsed)
	assert.Equal(t, "user-1", stored.UserID)

	// And cached for quick back-and-forth.
	cached := bot.historyCache.Get("user-1")
	require.Len(t, cached, 2)
	assert.Equal(t, "what's up", cached[0].Content)
}

func TestHandleChatReplaysCachedHistory(t *testing.T) {
	t.Parallel()
	bot, stub := newCommandTestBot(t)

	srv, lastRequest := newCompletionServer(t, "the model answers", 10)
	bot.llm = NewLLMClient(testLLMConfig(srv.URL+"/v1"), nil, testLogger(t))

	handler := bot.handleMessageCreate()
	handler(&discordgo.Session{}, newTestMessage("chan-1", "user-1", "!ai first question"))
	require.Equal(t, "the model answers", stub.lastReply())

	handler(&discordgo.Session{}, newTestMessage("chan-1", "user-1", "!ai second question"))

	// The second request carries the first exchange from the in-memory
	// cache ahead of the new message.
	require.Len(t, lastRequest.Messages, 4)
	assert.Equal(t, openai.ChatMessageRoleUser, lastRequest.Messages[1].Role)
	assert.Equal(t, "first question", lastRequest.Messages[1].Content)
	assert.Equal(t, openai.ChatMessageRoleAssistant, lastRequest.Messages[2].Role)
	assert.Equal(t, "the model answers", lastRequest.Messages[2].Content)
	assert.Equal(t, "second question", lastRequest.Messages[3].Content)
}

func TestHandleChatViaMention(t *testing.T) {
	t.Parallel()
	bot, stub := newCommandTestBot(t)

	srv, _ := newCompletionServer(t, "hi!", 5)
	bot.llm = NewLLMClient(testLLMConfig(srv.URL+"/v1"), nil, testLogger(t))

	sess := &discordgo.Session{State: discordgo.NewState()}
	sess.State.User = &discordgo.User{ID: "bot-id"}

	handler := bot.handleMessageCreate()
	handler(sess, newTestMessage("chan-1", "user-1", "<@bot-id> hello"))

	assert.Equal(t, "hi!", stub.lastReply())
}

func TestHandleChatPaused(t *testing.T) {
	t.Parallel()
	bot, stub := newCommandTestBot(t)
	bot.botSettings.Paused = true

	handler := bot.handleMessageCreate()
	handler(&discordgo.Session{}, newTestMessage("chan-1", "user-1", "!ai hello"))

	assert.Empty(t, stub.replies)
}

func TestHandleChatChannelNotAllowed(t *testing.T) {
	t.Parallel()
	bot, stub := newCommandTestBot(t)
	bot.botSettings.AllowedChannels = StringList{"chan-other"}

	handler := bot.handleMessageCreate()
	handler(&discordgo.Session{}, newTestMessage("chan-1", "user-1", "!ai hello"))

	assert.Empty(t, stub.replies)
}

func TestHandleChatEmptyMessage(t *testing.T) {
	t.Parallel()
	bot, stub := newCommandTestBot(t)

	handler := bot.handleMessageCreate()
	handler(&discordgo.Session{}, newTestMessage("chan-1", "user-1", "!ai"))

	assert.Equal(t, "What would you like to ask?", stub.lastReply())
}

func TestHandleChatCooldown(t *testing.T) {
	t.Parallel()
	bot, stub := newCommandTestBot(t)
	bot.userCooldowns = NewCooldownCache(DefaultDiscordUserCooldown)
	bot.userCooldowns.Update("user-1")

	handler := bot.handleMessageCreate()
	handler(&discordgo.Session{}, newTestMessage("chan-1", "user-1", "!ai hello"))

	assert.Contains(t, stub.lastReply(), "Slow down!")
}

func TestHandleChatRateLimitedBackend(t *testing.T) {
	t.Parallel()
	bot, stub := newCommandTestBot(t)

	srv := newErrorServer(t, http.StatusTooManyRequests)
	bot.llm = NewLLMClient(testLLMConfig(srv.URL+"/v1"), nil, testLogger(t))

	handler := bot.handleMessageCreate()
	handler(&discordgo.Session{}, newTestMessage("chan-1", "user-1", "!ai hello"))

	assert.Equal(
		t,
		"Rate limit exceeded. Please wait a moment and try again.",
		stub.lastReply(),
	)
}

func TestHandleChatModelLoading(t *testing.T) {
	t.Parallel()
	bot, stub := newCommandTestBot(t)

	srv := newErrorServer(t, http.StatusServiceUnavailable)
	bot.llm = NewLLMClient(testLLMConfig(srv.URL+"/v1"), nil, testLogger(t))

	handler := bot.handleMessageCreate()
	handler(&discordgo.Session{}, newTestMessage("chan-1", "user-1", "!ask hello"))

	assert.Equal(t, "Model is loading, try again in a minute.", stub.lastReply())
}

func TestHandleChatChunksLongReplies(t *testing.T) {
	t.Parallel()
	bot, stub := newCommandTestBot(t)

	longReply := strings.Repeat("a", replyChunkLimit+100)
	srv, _ := newCompletionServer(t, longReply, 500)
	bot.llm = NewLLMClient(testLLMConfig(srv.URL+"/v1"), nil, testLogger(t))

	handler := bot.handleMessageCreate()
	handler(&discordgo.Session{}, newTestMessage("chan-1", "user-1", "!ai hello"))

	// First chunk goes as a reply, the rest as plain messages.
	require.Len(t, stub.replies, 1)
	require.Len(t, stub.sent, 1)
	assert.Equal(t, longReply, stub.replies[0]+stub.sent[0])
}

func TestHandleImage(t *testing.T) {
	t.Parallel()
	bot, stub := newCommandTestBot(t)

	imgSrv := newPNGServer(t)
	bot.imageGen = NewImageGenerator(
		&ClipdropConfig{APIKey: "test-api-key", URL: imgSrv.URL},
		imgSrv.Client(),
		bot.writeDB,
		testLogger(t),
	)

	handler := bot.handleMessageCreate()
	handler(
		&discordgo.Session{},
		newTestMessage("chan-1", "user-1", "!image a calm lake"),
	)

	require.Len(t, stub.complex, 1)
	require.Len(t, stub.complex[0].Files, 1)
	assert.Equal(t, "generated.png", stub.complex[0].Files[0].Name)
	assert.Contains(t, stub.complex[0].Content, "<@user-1>")
}

func TestHandleImageDisabled(t *testing.T) {
	t.Parallel()
	bot, stub := newCommandTestBot(t)

	bot.imageGen = NewImageGenerator(
		&ClipdropConfig{}, nil, bot.writeDB, testLogger(t),
	)

	handler := bot.handleMessageCreate()
	handler(
		&discordgo.Session{},
		newTestMessage("chan-1", "user-1", "!imagine a calm lake"),
	)

	assert.Equal(t, "Image generation isn't available right now.", stub.lastReply())
}

func TestHandleImageBlockedPrompt(t *testing.T) {
	t.Parallel()
	bot, stub := newCommandTestBot(t)

	imgSrv := newPNGServer(t)
	bot.imageGen = NewImageGenerator(
		&ClipdropConfig{APIKey: "test-api-key", URL: imgSrv.URL},
		imgSrv.Client(),
		bot.writeDB,
		testLogger(t),
	)

	handler := bot.handleMessageCreate()
	handler(
		&discordgo.Session{},
		newTestMessage("chan-1", "user-1", "!gen explicit content"),
	)

	assert.Equal(t, "That prompt isn't something I can draw.", stub.lastReply())
	assert.Empty(t, stub.complex)
}

func TestHandleAdminDenied(t *testing.T) {
	t.Parallel()
	bot, stub := newCommandTestBot(t)

	handler := bot.handleMessageCreate()
	handler(&discordgo.Session{}, newTestMessage("chan-1", "user-1", "!admin stats"))

	assert.Equal(
		t,
		"You don't have permission to use admin commands.",
		stub.lastReply(),
	)
}

func TestHandleAdminStats(t *testing.T) {
	t.Parallel()
	bot, stub := newCommandTestBot(t)

	require.NoError(
		t,
		bot.db.Create(
			&AdminUser{DiscordID: "user-1", Username: "someone"},
		).Error,
	)
	store := NewConversationStore(bot.db, bot.writeDB)
	seedTurns(t, store, "chan-1", "user-1", 2)

	handler := bot.handleMessageCreate()
	handler(&discordgo.Session{}, newTestMessage("chan-1", "user-1", "!admin stats"))

	require.Len(t, stub.complex, 1)
	require.Len(t, stub.complex[0].Embeds, 1)
	embed := stub.complex[0].Embeds[0]
	assert.Equal(t, "Stats", embed.Title)
	require.NotEmpty(t, embed.Fields)
	assert.Equal(t, "2", embed.Fields[0].Value)
}

func TestIsAdminUser(t *testing.T) {
	t.Parallel()
	bot, _ := newCommandTestBot(t)
	ctx := context.Background()

	assert.False(t, bot.isAdminUser(ctx, "user-1"))

	require.NoError(
		t,
		bot.db.Create(
			&AdminUser{DiscordID: "user-1", Username: "someone"},
		).Error,
	)
	assert.True(t, bot.isAdminUser(ctx, "user-1"))
}
