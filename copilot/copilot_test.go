package copilot

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func init() {
	gin.SetMode(gin.TestMode)
	gin.DefaultWriter = io.Discard
	slog.SetDefault(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func setupTestDB(t testing.TB) *gorm.DB {
	t.Helper()
	tmpdir := t.TempDir()
	dbPath := filepath.Join(tmpdir, "test.sqlite3")
	db, err := CreateDB(
		context.Background(),
		"sqlite",
		dbPath,
	)
	if err != nil {
		t.Fatalf("error creating test database: %v", err)
	}
	t.Cleanup(
		func() {
			sqlDB, _ := db.DB()
			if sqlDB != nil {
				_ = sqlDB.Close()
			}
		},
	)
	return db
}

// newTestStore returns a ConversationStore backed by a fresh sqlite
// database.
func newTestStore(t testing.TB) (ConversationStore, *gorm.DB) {
	t.Helper()
	db := setupTestDB(t)
	return NewConversationStore(db, NewDatabase(db, testLogger(t), false)), db
}

func testLogger(t testing.TB) *slog.Logger {
	t.Helper()
	return slog.New(slog.NewTextHandler(io.Discard, nil)).With(
		"test_name", t.Name(),
	)
}

func defaultTestConfig(t testing.TB) *Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Database = filepath.Join(t.TempDir(), "test.sqlite3")
	cfg.DatabaseType = dbTypeSQLite
	cfg.Discord.Token = "test-discord-token"
	cfg.LLM.Token = "test-llm-token"
	cfg.API.Listen = "127.0.0.1:0"
	cfg.API.Secret = "test-api-secret"
	cfg.API.Development = true
	return cfg
}

// seedTurns inserts n turns for the partition, oldest first, with
// deterministic message content ("message 1".."message n").
func seedTurns(
	t testing.TB,
	store ConversationStore,
	channelID string,
	userID string,
	n int,
) {
	t.Helper()
	ctx := context.Background()
	for i := 1; i <= n; i++ {
		conv := &Conversation{
			ChannelID:   channelID,
			UserID:      userID,
			UserMessage: fmt.Sprintf("message %d", i),
			BotResponse: fmt.Sprintf("response %d", i),
		}
		require.NoError(t, store.Insert(ctx, conv))
	}
}
