package copilot

import (
	"context"
	"log/slog"

	"gorm.io/gorm"
)

const (
	columnConversationUserID    = "user_id"
	columnConversationChannelID = "channel_id"
)

// Conversation is a single stored user/bot exchange. Records are
// partitioned by (channel_id, user_id): history assembly, retention
// and per-user deletes all operate within one partition.
type Conversation struct {
	ModelUintID

	// No DeletedAt here: retention and admin deletes remove rows
	// outright, so the per-partition cap bounds actual storage.
	CreatedAt int64 `gorm:"autoCreateTime:milli" json:"created_at,omitempty"`
	UpdatedAt int64 `gorm:"autoUpdateTime:milli" json:"updated_at,omitempty"`

	ChannelID   string `json:"channel_id" gorm:"index:idx_conversation_partition,priority:1"`
	UserID      string `json:"user_id" gorm:"index:idx_conversation_partition,priority:2"`
	UserName    string `json:"user_name"`
	ChannelName string `json:"channel_name"`

	UserMessage string `json:"user_message"`
	BotResponse string `json:"bot_response"`

	// ContextSummary is the rolling summary computed from the turns
	// preceding this one, captured at write time.
	ContextSummary string `json:"context_summary"`

	TokensUsed     int   `json:"tokens_used"`
	ResponseTimeMs int64 `json:"response_time_ms"`
}

func (c Conversation) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Uint64("id", uint64(c.ID)),
		slog.String("channel_id", c.ChannelID),
		slog.String("user_id", c.UserID),
		slog.Int("user_message_len", len(c.UserMessage)),
		slog.Int("bot_response_len", len(c.BotResponse)),
	)
}

// ConversationStore provides read and write access to stored
// conversation turns. [gormConversationStore] implements it against
// the database; tests may substitute a failing or canned store.
type ConversationStore interface {
	// RecentTurns returns up to limit turns for the (channel, user)
	// partition, most recent first.
	RecentTurns(ctx context.Context, channelID, userID string, limit int) ([]Conversation, error)

	// Insert persists a new conversation turn.
	Insert(ctx context.Context, conv *Conversation) error

	// TurnIDs returns the IDs of all turns in the partition, most
	// recent first.
	TurnIDs(ctx context.Context, channelID, userID string) ([]uint, error)

	// DeleteIDs hard-deletes the turns with the given IDs.
	DeleteIDs(ctx context.Context, ids []uint) (int64, error)

	// DeleteByChannelUser deletes one (channel, user) partition.
	DeleteByChannelUser(ctx context.Context, channelID, userID string) (int64, error)

	DeleteByUser(ctx context.Context, userID string) (int64, error)
	DeleteByChannel(ctx context.Context, channelID string) (int64, error)
	DeleteAll(ctx context.Context) (int64, error)
}

type gormConversationStore struct {
	db      *gorm.DB
	writeDB DBI
}

// NewConversationStore returns a ConversationStore backed by GORM.
// Reads go through db directly; writes go through writeDB so SQLite
// write serialization is preserved.
func NewConversationStore(db *gorm.DB, writeDB DBI) ConversationStore {
	return &gormConversationStore{db: db, writeDB: writeDB}
}

func (s *gormConversationStore) RecentTurns(
	ctx context.Context,
	channelID string,
	userID string,
	limit int,
) ([]Conversation, error) {
	var turns []Conversation
	err := s.db.WithContext(ctx).Where(
		"channel_id = ? AND user_id = ?", channelID, userID,
	).Order("created_at DESC, id DESC").Limit(limit).Find(&turns).Error
	if err != nil {
		return nil, err
	}
	return turns, nil
}

func (s *gormConversationStore) Insert(
	ctx context.Context,
	conv *Conversation,
) error {
	_, err := s.writeDB.Create(ctx, conv)
	return err
}

func (s *gormConversationStore) TurnIDs(
	ctx context.Context,
	channelID string,
	userID string,
) ([]uint, error) {
	var ids []uint
	err := s.db.WithContext(ctx).Model(&Conversation{}).Where(
		"channel_id = ? AND user_id = ?", channelID, userID,
	).Order("created_at DESC, id DESC").Pluck("id", &ids).Error
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func (s *gormConversationStore) DeleteIDs(
	ctx context.Context,
	ids []uint,
) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	return s.writeDB.DeleteWhere(
		ctx,
		&Conversation{},
		"id IN ?",
		ids,
	)
}

func (s *gormConversationStore) DeleteByChannelUser(
	ctx context.Context,
	channelID string,
	userID string,
) (int64, error) {
	return s.writeDB.DeleteWhere(
		ctx,
		&Conversation{},
		"channel_id = ? AND user_id = ?",
		channelID,
		userID,
	)
}

func (s *gormConversationStore) DeleteByUser(
	ctx context.Context,
	userID string,
) (int64, error) {
	return s.writeDB.DeleteWhere(
		ctx,
		&Conversation{},
		"user_id = ?",
		userID,
	)
}

func (s *gormConversationStore) DeleteByChannel(
	ctx context.Context,
	channelID string,
) (int64, error) {
	return s.writeDB.DeleteWhere(
		ctx,
		&Conversation{},
		"channel_id = ?",
		channelID,
	)
}

func (s *gormConversationStore) DeleteAll(ctx context.Context) (int64, error) {
	return s.writeDB.DeleteWhere(ctx, &Conversation{}, "1 = 1")
}
