package copilot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lmittmann/tint"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

const (
	dbTypeSQLite                         = "sqlite"
	dbTypePostgres                       = "postgres"
	postgresNotifyChannelReloadSettings  = "copilot_reload_bot_settings"
	postgresNotifyChannelClearConvoCache = "copilot_clear_history_cache"
	postgresNotifyChannelStop            = "copilot_stop"
)

var (
	sqliteMaxOpenConns    = 1
	sqliteMaxIdleConns    = 1
	sqliteMaxConnLifetime = 5 * time.Minute
	sqliteExecPragma      = []string{
		"pragma journal_mode=WAL;",
		"pragma synchronous = normal;",
		"pragma temp_store = memory;",
		"pragma foreign_keys = ON;",
	}
	dbOperationTimeout    = 30 * time.Second
	dbNotifierSendTimeout = 15 * time.Second
)

// ModelUnixTime is an embeddable model with Unix timestamps for
// creation, update, and deletion.
type ModelUnixTime struct {
	CreatedAt int64          `gorm:"autoCreateTime:milli" json:"created_at,omitempty"`
	UpdatedAt int64          `gorm:"autoUpdateTime:milli" json:"updated_at,omitempty"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

type ModelUintID struct {
	ID uint `gorm:"primaryKey" json:"id"`
}

// database wraps the GORM connection and serializes write operations
// when concurrent writes are disabled (SQLite). It implements the DBI
// interface, which exists primarily so database operations can be
// mocked in tests.
type database struct {
	db                     *gorm.DB
	mu                     sync.Mutex
	logger                 *slog.Logger
	enableConcurrentWrites bool
}

// NewDatabase initializes a new database instance. If log is nil, the
// default logger is used. enableConcurrentWrites should be false for
// SQLite and true for PostgreSQL.
func NewDatabase(
	db *gorm.DB,
	log *slog.Logger,
	enableConcurrentWrites bool,
) DBI {
	if log == nil {
		log = slog.Default()
	}
	d := &database{
		db:                     db,
		logger:                 log.With(loggerNameKey, "writedb"),
		enableConcurrentWrites: enableConcurrentWrites,
	}
	return d
}

func (d *database) DB() *gorm.DB {
	return d.db
}

func (d *database) Lock() {
	if d.enableConcurrentWrites {
		return
	}
	d.mu.Lock()
}

func (d *database) Unlock() {
	if d.enableConcurrentWrites {
		return
	}
	d.mu.Unlock()
}

func (d *database) Create(ctx context.Context, value any, omit ...string) (
	rowsAffected int64,
	err error,
) {
	if !d.enableConcurrentWrites {
		d.mu.Lock()
		defer d.mu.Unlock()
	}
	db := d.db
	_, ok := ctx.Deadline()
	if !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, dbOperationTimeout)
		defer cancel()
	}
	db = db.WithContext(ctx)

	if len(omit) > 0 {
		rv := db.Omit(omit...).Create(value)
		return rv.RowsAffected, rv.Error
	}
	rv := db.Create(value)
	return rv.RowsAffected, rv.Error
}

func (d *database) Updates(ctx context.Context, model, values any) (
	rowsAffected int64,
	err error,
) {
	if !d.enableConcurrentWrites {
		d.mu.Lock()
		defer d.mu.Unlock()
	}
	_, ok := ctx.Deadline()
	if !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, dbOperationTimeout)
		defer cancel()
	}
	rv := d.db.WithContext(ctx).Model(model).Updates(values)
	return rv.RowsAffected, rv.Error
}

func (d *database) DeleteWhere(
	ctx context.Context,
	model any,
	query any,
	conds ...any,
) (rowsAffected int64, err error) {
	if !d.enableConcurrentWrites {
		d.mu.Lock()
		defer d.mu.Unlock()
	}
	_, ok := ctx.Deadline()
	if !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, dbOperationTimeout)
		defer cancel()
	}

	rv := d.db.WithContext(ctx).Where(query, conds...).Delete(model)
	return rv.RowsAffected, rv.Error
}

// DBI defines the interface for database write operations. This is here
// primarily to enable mocking of the database operations for testing.
// [database] implements this interface for 'real' DB operations.
type DBI interface {
	Lock()
	Unlock()

	DB() *gorm.DB
	Create(ctx context.Context, value any, omit ...string) (rowsAffected int64, err error)
	Updates(ctx context.Context, model any, values any) (rowsAffected int64, err error)
	DeleteWhere(ctx context.Context, model any, query any, conds ...any) (
		rowsAffected int64,
		err error,
	)
}

// CreateDB initializes and returns a GORM database connection based on
// the specified database type, and runs auto-migration.
func CreateDB(ctx context.Context, databaseType string, database string) (*gorm.DB, error) {
	handler := tint.NewHandler(
		os.Stdout,
		&tint.Options{
			Level:     slog.LevelWarn,
			AddSource: true,
		},
	)

	gormLogger := newGORMLogger(handler, 500*time.Millisecond)
	dbLogger := slog.New(handler)

	dbLogger.InfoContext(
		ctx,
		"Initializing database",
		"database_type", databaseType,
		"database", database,
	)
	db, err := getDB(databaseType, database, gormLogger)
	if err != nil {
		return db, err
	}

	txn := db.WithContext(ctx).Begin()

	mg := txn.Migrator()
	err = mg.AutoMigrate(
		&Conversation{},
		&AdminSettings{},
		&AdminUser{},
		&ImageGenerationLog{},
	)
	if err != nil {
		return db, err
	}

	commitErr := txn.Commit().Error
	if commitErr != nil {
		return db, commitErr
	}

	if databaseType == dbTypeSQLite {
		for _, pragma := range sqliteExecPragma {
			if e := db.Exec(pragma).Error; e != nil {
				dbLogger.Warn("error setting pragma", "pragma", pragma, tint.Err(e))
			}
		}
	}

	return db, nil
}

// getDB initializes and returns a GORM database connection based on the
// specified database type.
func getDB(
	databaseType string,
	database string,
	gormLogger *gormStructuredLogger,
) (*gorm.DB, error) {
	switch databaseType {
	case dbTypeSQLite:
		parentDir := filepath.Dir(database)
		if parentDir != "" {
			if err := os.MkdirAll(parentDir, 0755); err != nil {
				if !errors.Is(err, os.ErrExist) {
					return nil, err
				}
			}
		}
		return gorm.Open(
			sqlite.Open(database),
			&gorm.Config{
				Logger: gormLogger,
				NowFunc: func() time.Time {
					return time.Now().UTC()
				},
			},
		)
	case dbTypePostgres:
		return gorm.Open(
			postgres.Open(database), &gorm.Config{
				Logger: gormLogger,
				NowFunc: func() time.Time {
					return time.Now().UTC()
				},
			},
		)
	default:
		return nil, fmt.Errorf(
			"unsupported database type: %s (must be %q or %q)",
			databaseType, dbTypeSQLite, dbTypePostgres,
		)
	}
}

// DBNotifier defines the interface for notifying bot instances of
// database changes and other events.
type DBNotifier interface {
	SettingsChannelName() string

	// ReloadSettings sends a notification to bot instances to reload
	// their admin settings from the DB
	ReloadSettings(context.Context) bool

	HistoryCacheChannelName() string

	// ClearHistoryCache sends a notification to bot instances that
	// conversation records were deleted, so in-memory history should
	// be discarded.
	ClearHistoryCache(context.Context) bool

	StopChannelName() string

	// Stop sends a shutdown signal to all bots
	Stop(context.Context) bool

	// ID returns the identifier for this notifier. DBNotifier instances
	// should use this ID to filter out their own notifications.
	ID() string
	Listen(ctx context.Context, channel string) error
}

func newDBNotifier(c *Copilot) (DBNotifier, error) {
	notifyID, err := generateRandomHexString(16)
	if err != nil {
		return nil, err
	}
	log := c.logger.With(loggerNameKey, "db_notifier")
	var notifier DBNotifier
	switch c.config.DatabaseType {
	case dbTypeSQLite:
		notifier = &sqliteNotifier{
			logger:         log,
			c:              c,
			sqliteNotifyID: notifyID,
		}
	case dbTypePostgres:
		notifier = &postgresNotifier{
			c:          c,
			logger:     log,
			pgNotifyID: notifyID,
		}
	default:
		return nil, errors.New("invalid database type")
	}
	return notifier, nil
}

type sqliteNotifier struct {
	logger         *slog.Logger
	c              *Copilot
	sqliteNotifyID string
}

func (s *sqliteNotifier) Listen(_ context.Context, channel string) error {
	s.logger.Debug("listener called", "channel", channel)
	return nil
}

func (sqliteNotifier) StopChannelName() string {
	return ""
}

func (s *sqliteNotifier) Stop(ctx context.Context) bool {
	s.logger.Info("notifying stop signal")
	select {
	case s.c.signalStop <- struct{}{}:
	//
	case <-ctx.Done():
		s.logger.Warn("timeout sending stop signal")
		return false
	}
	return true
}

func (s *sqliteNotifier) ID() string {
	return s.sqliteNotifyID
}

func (s *sqliteNotifier) ReloadSettings(ctx context.Context) bool {
	s.logger.Info("got settings reload notification")
	select {
	case s.c.triggerSettingsRefreshCh <- true:
	//
	case <-ctx.Done():
		s.logger.Warn("timeout sending settings refresh signal")
		return false
	}
	return true
}

func (s *sqliteNotifier) ClearHistoryCache(ctx context.Context) bool {
	s.logger.Info("got history cache clear notification")
	select {
	case s.c.triggerHistoryCacheClearCh <- true:
	//
	case <-ctx.Done():
		s.logger.Warn("timeout sending history cache clear signal")
		return false
	}
	return true
}

func (sqliteNotifier) SettingsChannelName() string {
	return ""
}

func (sqliteNotifier) HistoryCacheChannelName() string {
	return ""
}

type postgresNotifier struct {
	c          *Copilot
	logger     *slog.Logger
	pgNotifyID string
}

func (postgresNotifier) SettingsChannelName() string {
	return postgresNotifyChannelReloadSettings
}

func (postgresNotifier) HistoryCacheChannelName() string {
	return postgresNotifyChannelClearConvoCache
}

func (p *postgresNotifier) ID() string {
	return p.pgNotifyID
}

func (postgresNotifier) StopChannelName() string {
	return postgresNotifyChannelStop
}

func (p *postgresNotifier) Stop(ctx context.Context) bool {
	var sent bool

	notifyErr := p.c.writeDB.DB().WithContext(ctx).Exec(
		"SELECT pg_notify(?, ?)",
		p.StopChannelName(),
		p.ID(),
	).Error
	if notifyErr != nil {
		p.logger.ErrorContext(ctx, "Error sending NOTIFY to stop bot", tint.Err(notifyErr))
	} else {
		p.logger.Info("sent stop signal", "pg_notify_id", p.ID())
		sent = true
	}

	return sent
}

func (p *postgresNotifier) Listen(ctx context.Context, channel string) error {
	p.logger.Info("starting db listener", "channel", channel)

	config, err := pgxpool.ParseConfig(p.c.config.Database)
	if err != nil {
		p.logger.ErrorContext(ctx, "Error parsing database config", tint.Err(err))
		return err
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		p.logger.ErrorContext(ctx, "Error creating connection pool", tint.Err(err))
		return err
	}
	defer pool.Close()

	conn, err := pool.Acquire(ctx)
	if err != nil {
		p.logger.ErrorContext(ctx, "Error acquiring connection", tint.Err(err))
		return err
	}
	defer conn.Release()

	_, err = conn.Exec(ctx, fmt.Sprintf("LISTEN %s", channel))
	if err != nil {
		p.logger.ErrorContext(ctx, "Error setting up listener", tint.Err(err))
		return err
	}
	logger := p.logger.With("channel", channel)
	logger.InfoContext(ctx, "Started listening on channel")

	for ctx.Err() == nil {
		notification, e := conn.Conn().WaitForNotification(ctx)
		if e != nil {
			logger.ErrorContext(ctx, "Error waiting for notification", tint.Err(e))
			time.Sleep(5 * time.Second) // Wait before retrying
			continue
		}
		if notification.Payload == p.ID() {
			logger.Info(
				"Received notification from self, ignoring",
				"payload",
				notification.Payload,
			)
			continue
		}

		switch channel {
		case p.SettingsChannelName():
			logger.InfoContext(ctx, "Received notification to reload settings")
			select {
			case p.c.triggerSettingsRefreshCh <- true:
				logger.Info("sent settings refresh signal from postgres listener")
			case <-time.After(dbNotifierSendTimeout):
				logger.Warn("timed out sending settings refresh signal")
			}
		case p.HistoryCacheChannelName():
			logger.InfoContext(ctx, "Received notification to clear history cache")
			select {
			case p.c.triggerHistoryCacheClearCh <- true:
				logger.Info("sent history cache clear signal from postgres listener")
			case <-time.After(dbNotifierSendTimeout):
				logger.Warn("timed out sending history cache clear signal")
			}
		case p.StopChannelName():
			logger.InfoContext(ctx, "received stop signal via NOTIFY")
			select {
			case p.c.signalStop <- struct{}{}:
				logger.Info("forwarded stop signal")
			case <-time.After(dbNotifierSendTimeout):
				logger.Warn("timed out forwarding stop signal")
			}
		default:
			logger.Warn("Received unknown notification", "channel", notification.Channel)
		}
	}

	return nil
}

func (p *postgresNotifier) ReloadSettings(ctx context.Context) bool {
	var sent bool

	notifyErr := p.c.writeDB.DB().WithContext(ctx).Exec(
		"SELECT pg_notify(?, ?)",
		p.SettingsChannelName(),
		p.ID(),
	).Error
	if notifyErr != nil {
		p.logger.ErrorContext(
			ctx,
			"Error sending NOTIFY to reload settings",
			tint.Err(notifyErr),
		)
	} else {
		p.logger.Info(
			"sent settings refresh notification",
			"pg_notify_id", p.ID(),
		)
		sent = true
	}

	select {
	case p.c.triggerSettingsRefreshCh <- true:
	//
	case <-ctx.Done():
		p.logger.Warn("timeout sending settings refresh signal")
	}

	return sent
}

func (p *postgresNotifier) ClearHistoryCache(ctx context.Context) bool {
	var sent bool

	notifyErr := p.c.writeDB.DB().WithContext(ctx).Exec(
		"SELECT pg_notify(?, ?)",
		p.HistoryCacheChannelName(),
		p.ID(),
	).Error
	if notifyErr != nil {
		p.logger.ErrorContext(
			ctx,
			"Error sending NOTIFY to clear history cache",
			tint.Err(notifyErr),
		)
	} else {
		p.logger.Info(
			"sent history cache clear notification",
			"pg_notify_id", p.ID(),
		)
		sent = true
	}

	select {
	case p.c.triggerHistoryCacheClearCh <- true:
	//
	case <-ctx.Done():
		p.logger.Warn("timeout sending history cache clear signal")
	}

	return sent
}
