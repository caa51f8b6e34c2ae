package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/vaultkeys/vaultkeys-backend/pkg/logger"
)

// queryLogger routes gorm's logging into the service logger. Only failed
// statements and statements slower than slow are reported; record-not-found
// is an expected outcome and stays quiet.
type queryLogger struct {
	logg  *logger.Logger
	level gormlogger.LogLevel
	slow  time.Duration
}

func newQueryLogger(logg *logger.Logger, slow time.Duration) gormlogger.Interface {
	if logg == nil {
		return gormlogger.Discard
	}
	return &queryLogger{logg: logg, level: gormlogger.Warn, slow: slow}
}

func (q *queryLogger) LogMode(level gormlogger.LogLevel) gormlogger.Interface {
	cp := *q
	cp.level = level
	return &cp
}

func (q *queryLogger) Info(ctx context.Context, msg string, args ...any) {
	if q.level >= gormlogger.Info {
		q.logg.Debug(ctx, fmt.Sprintf(msg, args...))
	}
}

func (q *queryLogger) Warn(ctx context.Context, msg string, args ...any) {
	if q.level >= gormlogger.Warn {
		q.logg.Warn(ctx, fmt.Sprintf(msg, args...))
	}
}

func (q *queryLogger) Error(ctx context.Context, msg string, args ...any) {
	if q.level >= gormlogger.Error {
		q.logg.Error(ctx, "gorm error", fmt.Errorf(msg, args...))
	}
}

func (q *queryLogger) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	if q.level <= gormlogger.Silent {
		return
	}
	elapsed := time.Since(begin)
	failed := err != nil && !errors.Is(err, gorm.ErrRecordNotFound)
	slow := q.slow > 0 && elapsed > q.slow
	if !failed && !slow && q.level < gormlogger.Info {
		return
	}

	sql, rows := fc()
	fields := map[string]any{"sql": sql, "rows": rows, "elapsed_ms": elapsed.Milliseconds()}
	ctx = q.logg.WithFields(ctx, fields)
	switch {
	case failed && q.level >= gormlogger.Error:
		q.logg.Error(ctx, "query failed", err)
	case slow && q.level >= gormlogger.Warn:
		q.logg.Warn(ctx, "slow query")
	case q.level >= gormlogger.Info:
		q.logg.Debug(ctx, "query")
	}
}
