package copilot

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"gorm.io/gorm/logger"
)

const loggerNameKey = "logger"

var discordGoLogLevels = map[int]slog.Level{
	discordgo.LogDebug:         slog.LevelDebug,
	discordgo.LogError:         slog.LevelError,
	discordgo.LogWarning:       slog.LevelWarn,
	discordgo.LogInformational: slog.LevelInfo,
}

// discordgoLoggerFunc adapts the discordgo package-level logger to slog.
func discordgoLoggerFunc(ctx context.Context, handler slog.Handler) func(
	msgL int,
	caller int,
	format string,
	args ...any,
) {
	log := slog.New(handler)
	return func(
		msgL int,
		_ int,
		format string,
		args ...any,
	) {
		level, ok := discordGoLogLevels[msgL]
		if !ok {
			level = slog.LevelInfo
		}
		log.LogAttrs(
			ctx,
			level,
			strings.ReplaceAll(fmt.Sprintf(format, args...), "\n", ""),
		)
	}
}

// gormStructuredLogger implements gorm's logger.Interface on top of slog,
// flagging queries slower than SlowThreshold.
type gormStructuredLogger struct {
	logger        *slog.Logger
	handler       slog.Handler
	SlowThreshold time.Duration
}

func newGORMLogger(
	handler slog.Handler,
	slowThreshold time.Duration,
) *gormStructuredLogger {
	return &gormStructuredLogger{
		logger: slog.New(handler).With(
			loggerNameKey,
			"gorm",
		), SlowThreshold: slowThreshold,
	}
}

func (g gormStructuredLogger) LogMode(_ logger.LogLevel) logger.Interface {
	return gormStructuredLogger{
		logger: slog.New(g.handler).With(
			loggerNameKey,
			"gorm",
		),
	}
}

func (g gormStructuredLogger) Info(
	ctx context.Context,
	s string,
	i ...any,
) {
	g.logger.InfoContext(ctx, fmt.Sprintf(s, i...))
}

func (g gormStructuredLogger) Warn(
	ctx context.Context,
	s string,
	i ...any,
) {
	g.logger.WarnContext(ctx, fmt.Sprintf(s, i...))
}

func (g gormStructuredLogger) Error(
	ctx context.Context,
	s string,
	i ...any,
) {
	g.logger.ErrorContext(ctx, fmt.Sprintf(s, i...))
}

func (g gormStructuredLogger) Trace(
	ctx context.Context,
	begin time.Time,
	fc func() (sql string, rowsAffected int64),
	err error,
) {
	elapsed := time.Since(begin)
	switch {
	case elapsed > g.SlowThreshold*time.Millisecond && g.SlowThreshold != 0:
		s, rowsAffected := fc()
		g.logger.Warn(
			"slow sql",
			"elapsed", elapsed.Seconds()*1e3,
			"threshold", g.SlowThreshold,
			"rows", rowsAffected,
			"sql", s,
			tint.Err(err),
		)
	default:
		s, rowsAffected := fc()
		g.logger.DebugContext(
			ctx,
			"sql completed",
			"elapsed", time.Duration(float64(elapsed.Nanoseconds())/1e6),
			"threshold", g.SlowThreshold,
			"rows", rowsAffected,
			"sql", s,
			tint.Err(err),
		)
	}
}
