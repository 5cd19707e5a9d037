package copilot

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/lmittmann/tint"
)

const (
	// historyLimit is the number of stored turns included when
	// assembling context for a new message.
	historyLimit = 5

	// summaryRecentTurns is how many of the most recent turns feed the
	// rolling summary.
	summaryRecentTurns = 3

	// summaryMessageLimit caps each side of a summarized exchange.
	summaryMessageLimit = 100

	// conversationRetainCount is the per-(channel, user) retention cap.
	conversationRetainCount = 50

	summaryHeader = "Recent conversation summary:\n"
)

// ContextWindow is the assembled conversation context for a single
// incoming message.
type ContextWindow struct {
	// Prompt is the fully composed prompt text.
	Prompt string `json:"prompt"`

	// Summary is the rolling summary of recent turns. Empty when the
	// partition has no stored history.
	Summary string `json:"summary"`

	// PreviousExchanges is the transcript block of prior turns.
	PreviousExchanges string `json:"previous_exchanges"`

	// Turns are the stored turns the window was built from, oldest
	// first.
	Turns []Conversation `json:"turns"`
}

// ContextManager assembles conversation context from stored history,
// persists completed turns and enforces the per-partition retention
// cap. History reads fail open: a read error yields an empty context
// rather than blocking the reply. Writes fail closed but are never
// fatal to the caller.
type ContextManager struct {
	store  ConversationStore
	logger *slog.Logger
}

func NewContextManager(store ConversationStore, logger *slog.Logger) *ContextManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &ContextManager{
		store:  store,
		logger: logger.With(loggerNameKey, "context_manager"),
	}
}

// History returns up to historyLimit stored turns for the partition,
// oldest first. A read error is logged and an empty slice returned.
func (cm *ContextManager) History(
	ctx context.Context,
	channelID string,
	userID string,
) []Conversation {
	turns, err := cm.store.RecentTurns(ctx, channelID, userID, historyLimit)
	if err != nil {
		cm.logger.ErrorContext(
			ctx,
			"error fetching conversation history",
			tint.Err(err),
			"channel_id", channelID,
			"user_id", userID,
		)
		return nil
	}
	// Query is newest-first; callers want chronological order.
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return turns
}

// AssembleContext builds the context window for a new user message.
// The window always contains a usable prompt: if history cannot be
// read, the prompt is composed from the system instructions and the
// current message alone.
func (cm *ContextManager) AssembleContext(
	ctx context.Context,
	channelID string,
	userID string,
	systemInstructions string,
	userMessage string,
) ContextWindow {
	turns := cm.History(ctx, channelID, userID)

	window := ContextWindow{
		Summary:           createSummary(turns),
		PreviousExchanges: formatExchanges(turns),
		Turns:             turns,
	}
	window.Prompt = composePrompt(
		systemInstructions,
		window.Summary,
		window.PreviousExchanges,
		userMessage,
	)
	return window
}

// createSummary builds the rolling summary from the last
// summaryRecentTurns of the given turns (oldest first). Returns an
// empty string when there are no turns.
func createSummary(turns []Conversation) string {
	if len(turns) == 0 {
		return ""
	}
	recent := turns
	if len(recent) > summaryRecentTurns {
		recent = recent[len(recent)-summaryRecentTurns:]
	}
	lines := make([]string, 0, len(recent))
	for _, t := range recent {
		lines = append(
			lines,
			fmt.Sprintf(
				"User: %s | Bot: %s",
				truncate(t.UserMessage, summaryMessageLimit),
				truncate(t.BotResponse, summaryMessageLimit),
			),
		)
	}
	return summaryHeader + strings.Join(lines, "\n")
}

func formatExchanges(turns []Conversation) string {
	if len(turns) == 0 {
		return ""
	}
	exchanges := make([]string, 0, len(turns))
	for _, t := range turns {
		exchanges = append(
			exchanges,
			fmt.Sprintf("User: %s\nAssistant: %s", t.UserMessage, t.BotResponse),
		)
	}
	return strings.Join(exchanges, "\n\n")
}

// composePrompt renders the full prompt. The summary and previous
// conversation sections are omitted entirely when empty.
func composePrompt(
	systemInstructions string,
	summary string,
	previousExchanges string,
	userMessage string,
) string {
	var b strings.Builder
	b.WriteString("\n")
	b.WriteString("SYSTEM INSTRUCTIONS:\n")
	b.WriteString(systemInstructions)
	b.WriteString("\n\n")
	if summary != "" {
		b.WriteString("CONVERSATION SUMMARY:\n")
		b.WriteString(summary)
		b.WriteString("\n\n")
	}
	if previousExchanges != "" {
		b.WriteString("PREVIOUS CONVERSATION:\n")
		b.WriteString(previousExchanges)
		b.WriteString("\n\n")
	}
	b.WriteString("CURRENT MESSAGE:\n")
	b.WriteString(userMessage)
	b.WriteString("\n\nASSISTANT RESPONSE:")
	return b.String()
}

// SaveConversation persists a completed turn. The stored summary is
// recomputed from the current history plus the new turn, so the record
// carries the summary a reader at that moment would have seen. Returns
// false if the insert failed; the error is logged, never surfaced to
// the message flow.
func (cm *ContextManager) SaveConversation(
	ctx context.Context,
	conv *Conversation,
) bool {
	turns := cm.History(ctx, conv.ChannelID, conv.UserID)
	turns = append(turns, *conv)
	conv.ContextSummary = createSummary(turns)

	if err := cm.store.Insert(ctx, conv); err != nil {
		cm.logger.ErrorContext(
			ctx,
			"error saving conversation",
			tint.Err(err),
			"conversation", conv,
		)
		return false
	}

	cm.Prune(ctx, conv.ChannelID, conv.UserID)
	return true
}

// Prune enforces the retention cap on a (channel, user) partition,
// deleting the oldest turns beyond conversationRetainCount. It is
// idempotent and best-effort: errors are logged and swallowed.
func (cm *ContextManager) Prune(
	ctx context.Context,
	channelID string,
	userID string,
) {
	ids, err := cm.store.TurnIDs(ctx, channelID, userID)
	if err != nil {
		cm.logger.ErrorContext(
			ctx,
			"error listing turns for retention",
			tint.Err(err),
			"channel_id", channelID,
			"user_id", userID,
		)
		return
	}
	if len(ids) <= conversationRetainCount {
		return
	}
	// IDs are newest-first, so everything past the cap is oldest.
	expired := ids[conversationRetainCount:]
	deleted, err := cm.store.DeleteIDs(ctx, expired)
	if err != nil {
		cm.logger.ErrorContext(
			ctx,
			"error deleting expired turns",
			tint.Err(err),
			"channel_id", channelID,
			"user_id", userID,
		)
		return
	}
	cm.logger.InfoContext(
		ctx,
		"pruned conversation history",
		"channel_id", channelID,
		"user_id", userID,
		"deleted", deleted,
	)
}

// ClearConversation deletes the stored turns for one (channel, user)
// partition.
func (cm *ContextManager) ClearConversation(
	ctx context.Context,
	channelID string,
	userID string,
) (int64, error) {
	return cm.store.DeleteByChannelUser(ctx, channelID, userID)
}

// ClearUser deletes all stored turns for a user across channels.
func (cm *ContextManager) ClearUser(ctx context.Context, userID string) (int64, error) {
	return cm.store.DeleteByUser(ctx, userID)
}

// ClearChannel deletes all stored turns for a channel across users.
func (cm *ContextManager) ClearChannel(ctx context.Context, channelID string) (int64, error) {
	return cm.store.DeleteByChannel(ctx, channelID)
}

// ClearAll deletes all stored conversation turns.
func (cm *ContextManager) ClearAll(ctx context.Context) (int64, error) {
	return cm.store.DeleteAll(ctx)
}
