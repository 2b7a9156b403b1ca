// Package logging provides structured logging for the fitlog core.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"sort"
	"sync"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LogLevel represents a log level.
type LogLevel string

const (
	LevelDebug LogLevel = "DEBUG"
	LevelInfo  LogLevel = "INFO"
	LevelWarn  LogLevel = "WARN"
	LevelError LogLevel = "ERROR"
)

// ParseLevel converts a config string to a LogLevel, defaulting to INFO.
func ParseLevel(s string) LogLevel {
	switch LogLevel(s) {
	case LevelDebug, "debug":
		return LevelDebug
	case LevelWarn, "warn":
		return LevelWarn
	case LevelError, "error":
		return LevelError
	default:
		return LevelInfo
	}
}

func (l LogLevel) slogLevel() slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Options configures a Logger.
type Options struct {
	Level LogLevel

	// Console receives human-readable output. Defaults to os.Stdout.
	Console io.Writer

	// FilePath enables a rotating JSON log file when set.
	FilePath   string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// Logger provides structured logging on top of slog.
type Logger struct {
	slog     *slog.Logger
	minLevel LogLevel
	closer   io.Closer
}

var (
	mu     sync.RWMutex
	global *Logger
)

// New builds a Logger: a tint console handler plus an optional lumberjack
// backed JSON file handler.
func New(opts Options) *Logger {
	if opts.Level == "" {
		opts.Level = LevelInfo
	}
	console := opts.Console
	if console == nil {
		console = os.Stdout
	}

	noColor := true
	if f, ok := console.(*os.File); ok {
		noColor = !isatty.IsTerminal(f.Fd())
	}

	handlers := []slog.Handler{
		tint.NewHandler(console, &tint.Options{
			Level:      opts.Level.slogLevel(),
			TimeFormat: "2006-01-02T15:04:05.000Z07:00",
			NoColor:    noColor,
		}),
	}

	var closer io.Closer
	if opts.FilePath != "" {
		rotator := &lumberjack.Logger{
			Filename:   opts.FilePath,
			MaxSize:    orDefault(opts.MaxSizeMB, 10),
			MaxBackups: orDefault(opts.MaxBackups, 3),
			MaxAge:     orDefault(opts.MaxAgeDays, 14),
			Compress:   true,
		}
		handlers = append(handlers, slog.NewJSONHandler(rotator, &slog.HandlerOptions{
			Level: opts.Level.slogLevel(),
		}))
		closer = rotator
	}

	var h slog.Handler = handlers[0]
	if len(handlers) > 1 {
		h = &multiHandler{handlers: handlers}
	}

	return &Logger{
		slog:     slog.New(h),
		minLevel: opts.Level,
		closer:   closer,
	}
}

// NewJSON builds a Logger writing JSON lines to w. Used by tests and the
// mobile bridge, where output is captured rather than shown.
func NewJSON(w io.Writer, level LogLevel) *Logger {
	return &Logger{
		slog:     slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level.slogLevel()})),
		minLevel: level,
	}
}

// Init replaces the global logger and makes it the slog default.
func Init(opts Options) *Logger {
	l := New(opts)
	set(l)
	return l
}

// SetOutput replaces the global logger with a JSON logger writing to w.
func SetOutput(w io.Writer, level LogLevel) {
	set(NewJSON(w, level))
}

func set(l *Logger) {
	mu.Lock()
	prev := global
	global = l
	mu.Unlock()

	slog.SetDefault(l.slog)
	if prev != nil && prev.closer != nil {
		_ = prev.closer.Close()
	}
}

// Get returns the global logger instance.
func Get() *Logger {
	mu.RLock()
	l := global
	mu.RUnlock()
	if l != nil {
		return l
	}
	return Init(Options{Level: LevelInfo})
}

// Close flushes and closes the log file, if any.
func Close() error {
	mu.RLock()
	defer mu.RUnlock()
	if global != nil && global.closer != nil {
		return global.closer.Close()
	}
	return nil
}

// Slog exposes the underlying slog.Logger.
func (l *Logger) Slog() *slog.Logger {
	return l.slog
}

// Level returns the minimum level of the logger.
func (l *Logger) Level() LogLevel {
	return l.minLevel
}

func (l *Logger) log(level slog.Level, message string, err error, fields []map[string]interface{}) {
	ctx := context.Background()
	if !l.slog.Enabled(ctx, level) {
		return
	}
	attrs := attrsOf(fields)
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
	}
	l.slog.LogAttrs(ctx, level, message, attrs...)
}

// Debug logs a debug message.
func (l *Logger) Debug(message string, context ...map[string]interface{}) {
	l.log(slog.LevelDebug, message, nil, context)
}

// Info logs an info message.
func (l *Logger) Info(message string, context ...map[string]interface{}) {
	l.log(slog.LevelInfo, message, nil, context)
}

// Warn logs a warning message.
func (l *Logger) Warn(message string, context ...map[string]interface{}) {
	l.log(slog.LevelWarn, message, nil, context)
}

// Error logs an error message.
func (l *Logger) Error(message string, err error, context ...map[string]interface{}) {
	l.log(slog.LevelError, message, err, context)
}

// ErrorWithCode logs an error message tagged with an error code.
func (l *Logger) ErrorWithCode(message, code string, err error, context ...map[string]interface{}) {
	context = append(context, map[string]interface{}{"code": code})
	l.log(slog.LevelError, message, err, context)
}

// attrsOf flattens context maps into attributes with a stable key order.
func attrsOf(fields []map[string]interface{}) []slog.Attr {
	if len(fields) == 0 {
		return nil
	}
	merged := make(map[string]interface{})
	for _, c := range fields {
		for k, v := range c {
			merged[k] = v
		}
	}
	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	attrs := make([]slog.Attr, 0, len(keys))
	for _, k := range keys {
		attrs = append(attrs, slog.Any(k, merged[k]))
	}
	return attrs
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// multiHandler fans records out to several handlers.
type multiHandler struct {
	handlers []slog.Handler
}

func (m *multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range m.handlers {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (m *multiHandler) Handle(ctx context.Context, r slog.Record) error {
	var firstErr error
	for _, h := range m.handlers {
		if !h.Enabled(ctx, r.Level) {
			continue
		}
		if err := h.Handle(ctx, r.Clone()); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (m *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	hs := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		hs[i] = h.WithAttrs(attrs)
	}
	return &multiHandler{handlers: hs}
}

func (m *multiHandler) WithGroup(name string) slog.Handler {
	hs := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		hs[i] = h.WithGroup(name)
	}
	return &multiHandler{handlers: hs}
}

// Convenience functions using global logger

func Debug(message string, context ...map[string]interface{}) {
	Get().Debug(message, context...)
}

func Info(message string, context ...map[string]interface{}) {
	Get().Info(message, context...)
}

func Warn(message string, context ...map[string]interface{}) {
	Get().Warn(message, context...)
}

func Error(message string, err error, context ...map[string]interface{}) {
	Get().Error(message, err, context...)
}

func ErrorWithCode(message, code string, err error, context ...map[string]interface{}) {
	Get().ErrorWithCode(message, code, err, context...)
}
