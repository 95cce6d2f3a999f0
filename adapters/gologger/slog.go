package gologger

import (
	"context"
	"io"
	"log/slog"
	"os"

	glog "github.com/goliatone/go-logger/glog"
)

const (
	LevelTrace = slog.Level(-8)
	LevelFatal = slog.Level(12)
)

// SlogLogger writes glog calls to a slog handler. Context passed through
// WithContext reaches the handler, so trace-aware handlers can correlate.
type SlogLogger struct {
	base *slog.Logger
	ctx  context.Context
	exit func(int)
}

func NewSlogLogger(base *slog.Logger) *SlogLogger {
	if base == nil {
		base = slog.Default()
	}
	return &SlogLogger{base: base, ctx: context.Background(), exit: os.Exit}
}

// NewJSONLogger logs JSON lines to w at the given minimum level.
func NewJSONLogger(w io.Writer, level slog.Level) *SlogLogger {
	if w == nil {
		w = os.Stdout
	}
	return NewSlogLogger(slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})))
}

func (l *SlogLogger) Trace(msg string, args ...any) { l.log(LevelTrace, msg, args...) }
func (l *SlogLogger) Debug(msg string, args ...any) { l.log(slog.LevelDebug, msg, args...) }
func (l *SlogLogger) Info(msg string, args ...any)  { l.log(slog.LevelInfo, msg, args...) }
func (l *SlogLogger) Warn(msg string, args ...any)  { l.log(slog.LevelWarn, msg, args...) }
func (l *SlogLogger) Error(msg string, args ...any) { l.log(slog.LevelError, msg, args...) }

func (l *SlogLogger) Fatal(msg string, args ...any) {
	l.log(LevelFatal, msg, args...)
	l.exit(1)
}

func (l *SlogLogger) WithContext(ctx context.Context) glog.Logger {
	if ctx == nil {
		ctx = context.Background()
	}
	return &SlogLogger{base: l.base, ctx: ctx, exit: l.exit}
}

// Named returns a child logger tagged with logger=name.
func (l *SlogLogger) Named(name string) *SlogLogger {
	return &SlogLogger{base: l.base.With("logger", name), ctx: l.ctx, exit: l.exit}
}

func (l *SlogLogger) log(level slog.Level, msg string, args ...any) {
	l.base.Log(l.ctx, level, msg, args...)
}

// SlogProvider hands out SlogLogger children scoped by component name.
type SlogProvider struct {
	root *SlogLogger
}

func NewSlogProvider(root *SlogLogger) *SlogProvider {
	if root == nil {
		root = NewSlogLogger(nil)
	}
	return &SlogProvider{root: root}
}

func (p *SlogProvider) GetLogger(name string) glog.Logger {
	return p.root.Named(Name(name))
}

var (
	_ glog.Logger         = (*SlogLogger)(nil)
	_ glog.LoggerProvider = (*SlogProvider)(nil)
)
