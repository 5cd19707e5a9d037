package copilot

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTruncate(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "abc", truncate("abc", 5))
	assert.Equal(t, "abc", truncate("abc", 3))
	assert.Equal(t, "ab", truncate("abc", 2))
	assert.Equal(t, "", truncate("", 5))

	// Rune-aware, never splits a multi-byte character.
	assert.Equal(t, "héll", truncate("héllo", 4))
}

func TestChunkMessageUnderLimit(t *testing.T) {
	t.Parallel()

	chunks := chunkMessage("short reply", 2000)
	require.Len(t, chunks, 1)
	assert.Equal(t, "short reply", chunks[0])
}

func TestChunkMessageSplits(t *testing.T) {
	t.Parallel()

	msg := strings.Repeat("a", 250)
	chunks := chunkMessage(msg, 100)
	require.Greater(t, len(chunks), 1)
	for _, chunk := range chunks {
		assert.LessOrEqual(t, utf8.RuneCountInString(chunk), 100)
	}
	assert.Equal(t, msg, strings.Join(chunks, ""))
}

func TestChunkMessagePrefersSentenceBreak(t *testing.T) {
	t.Parallel()

	msg := strings.Repeat("a", 90) + ". " + strings.Repeat("b", 50)
	chunks := chunkMessage(msg, 100)
	require.Greater(t, len(chunks), 1)

	// The period falls past three quarters of the chunk, so the split
	// lands right after it.
	assert.True(t, strings.HasSuffix(chunks[0], "."))
	assert.Equal(t, msg, strings.Join(chunks, ""))
}

func TestHashAndVerifyPassword(t *testing.T) {
	t.Parallel()

	hashed, err := HashPassword("correct horse battery staple")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(hashed, "$argon2id$"))

	ok, err := verifyPassword(hashed, "correct horse battery staple")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = verifyPassword(hashed, "wrong password")
	require.NoError(t, err)
	assert.False(t, ok)

	// Distinct salts per call.
	other, err := HashPassword("correct horse battery staple")
	require.NoError(t, err)
	assert.NotEqual(t, hashed, other)
}

func TestVerifyPasswordBadHash(t *testing.T) {
	t.Parallel()

	_, err := verifyPassword("not-a-hash", "password")
	assert.Error(t, err)
}

func TestStructToSlogValueRedaction(t *testing.T) {
	t.Parallel()

	settings := AdminSettings{
		SystemInstructions: "be nice",
		AdminUsername:      "admin",
		AdminPassword:      "supersecret",
	}
	value := structToSlogValue(settings)

	attrs := map[string]string{}
	for _, attr := range value.Group() {
		attrs[attr.Key] = attr.Value.String()
	}
	assert.Equal(t, "[redacted]", attrs["admin_username"])
	assert.Equal(t, "[redacted]", attrs["admin_password"])
	assert.Equal(t, "be nice", attrs["system_instructions"])
	assert.NotContains(t, attrs, "discord_custom_status")
}

func TestContextLogger(t *testing.T) {
	t.Parallel()

	_, ok := ContextLogger(context.Background())
	assert.False(t, ok)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctx := WithLogger(context.Background(), logger)
	found, ok := ContextLogger(ctx)
	require.True(t, ok)
	assert.Same(t, logger, found)
}

func TestGenerateRandomHexString(t *testing.T) {
	t.Parallel()

	s, err := generateRandomHexString(32)
	require.NoError(t, err)
	assert.Len(t, s, 32)

	other, err := generateRandomHexString(32)
	require.NoError(t, err)
	assert.NotEqual(t, s, other)
}

func TestDerive64ByteKey(t *testing.T) {
	t.Parallel()

	key := derive64ByteKey("secret")
	assert.Len(t, key, 64)
	assert.Equal(t, key, derive64ByteKey("secret"))
	assert.NotEqual(t, key, derive64ByteKey("other"))
}
