package logger

import (
	"context"
	"io"
	"os"
	"runtime/debug"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/vaultkeys/vaultkeys-backend/pkg/env"
	pkgerrors "github.com/vaultkeys/vaultkeys-backend/pkg/errors"
)

const (
	EnvLogFormat  = "VAULTKEYS_LOG_FORMAT"
	FormatJSON    = "json"
	FormatConsole = "console"
)

// Options configures the structured logger.
type Options struct {
	ServiceName string
	Level       zerolog.Level
	// WarnStack attaches a stack trace to warnings as well as errors.
	WarnStack bool
	Output    io.Writer
	// Format is json or console. Empty reads VAULTKEYS_LOG_FORMAT.
	Format string
}

// Logger writes JSON entries enriched with fields carried on the context.
type Logger struct {
	base      zerolog.Logger
	warnStack bool
}

type ctxKey struct{}

func New(opts Options) *Logger {
	if opts.Level == zerolog.NoLevel {
		opts.Level = zerolog.InfoLevel
	}
	out := opts.Output
	if out == nil {
		out = os.Stdout
	}
	format := opts.Format
	if format == "" {
		format = env.String(EnvLogFormat, FormatJSON)
	}
	if strings.EqualFold(format, FormatConsole) {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: "15:04:05.000"}
	}

	zerolog.TimeFieldFormat = time.RFC3339Nano
	base := zerolog.New(out).
		Level(opts.Level).
		With().
		Timestamp().
		Str("service", opts.ServiceName).
		Logger()
	return &Logger{base: base, warnStack: opts.WarnStack}
}

// ParseLevel maps a config string onto a zerolog level, defaulting to info.
func ParseLevel(value string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(value)))
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}

func (l *Logger) from(ctx context.Context) zerolog.Logger {
	if ctx != nil {
		if entry, ok := ctx.Value(ctxKey{}).(zerolog.Logger); ok {
			return entry
		}
	}
	return l.base
}

func (l *Logger) WithField(ctx context.Context, key string, value any) context.Context {
	return context.WithValue(ctx, ctxKey{}, l.from(ctx).With().Interface(key, value).Logger())
}

// WithFields attaches fields in key order so entries render deterministically.
func (l *Logger) WithFields(ctx context.Context, fields map[string]any) context.Context {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	b := l.from(ctx).With()
	for _, k := range keys {
		b = b.Interface(k, fields[k])
	}
	return context.WithValue(ctx, ctxKey{}, b.Logger())
}

func (l *Logger) WithRequestID(ctx context.Context, requestID string) context.Context {
	return l.WithField(ctx, "request_id", requestID)
}

// WithProductID tags every entry with the product whose stock pool is touched.
func (l *Logger) WithProductID(ctx context.Context, productID string) context.Context {
	return l.WithField(ctx, "product_id", productID)
}

func (l *Logger) WithStockID(ctx context.Context, stockID string) context.Context {
	return l.WithField(ctx, "stock_id", stockID)
}

func (l *Logger) WithJob(ctx context.Context, job string) context.Context {
	return l.WithField(ctx, "job", job)
}

func (l *Logger) Debug(ctx context.Context, msg string) {
	entry := l.from(ctx)
	entry.Debug().Msg(msg)
}

func (l *Logger) Info(ctx context.Context, msg string) {
	entry := l.from(ctx)
	entry.Info().Msg(msg)
}

func (l *Logger) Warn(ctx context.Context, msg string) {
	entry := l.from(ctx)
	event := entry.Warn()
	if l.warnStack {
		event = event.Str("stack", stackTrace())
	}
	event.Msg(msg)
}

// Error logs err with a stack trace. Coded errors also carry error_code.
func (l *Logger) Error(ctx context.Context, msg string, err error) {
	entry := l.from(ctx)
	event := entry.Error()
	if err != nil {
		event = event.Err(err)
		if typed := pkgerrors.As(err); typed != nil {
			event = event.Str("error_code", string(typed.Code()))
		}
	}
	event.Str("stack", stackTrace()).Msg(msg)
}

func stackTrace() string {
	return strings.TrimSpace(string(debug.Stack()))
}
