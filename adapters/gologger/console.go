package gologger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"

	glog "github.com/goliatone/go-logger/glog"
)

type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
)

// Console is the process logger: a glog.Logger over a slog handler. Named
// children carry a "logger" attribute.
type Console struct {
	base *slog.Logger
	ctx  context.Context
}

type ConsoleOption func(*consoleConfig)

type consoleConfig struct {
	out    io.Writer
	format Format
	level  slog.Level
}

func WithOutput(out io.Writer) ConsoleOption {
	return func(c *consoleConfig) {
		if out != nil {
			c.out = out
		}
	}
}

func WithFormat(format Format) ConsoleOption {
	return func(c *consoleConfig) {
		c.format = format
	}
}

// WithLevel accepts debug, info, warn or error.
func WithLevel(level string) ConsoleOption {
	return func(c *consoleConfig) {
		switch strings.ToLower(strings.TrimSpace(level)) {
		case "trace", "debug":
			c.level = slog.LevelDebug
		case "warn", "warning":
			c.level = slog.LevelWarn
		case "error":
			c.level = slog.LevelError
		default:
			c.level = slog.LevelInfo
		}
	}
}

func NewConsole(opts ...ConsoleOption) *Console {
	cfg := consoleConfig{out: os.Stderr, format: FormatText, level: slog.LevelInfo}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	handlerOpts := &slog.HandlerOptions{Level: cfg.level}
	var handler slog.Handler
	if cfg.format == FormatJSON {
		handler = slog.NewJSONHandler(cfg.out, handlerOpts)
	} else {
		handler = slog.NewTextHandler(cfg.out, handlerOpts)
	}
	return &Console{base: slog.New(handler)}
}

func (c *Console) Trace(msg string, args ...any) { c.log(slog.LevelDebug, msg, args) }
func (c *Console) Debug(msg string, args ...any) { c.log(slog.LevelDebug, msg, args) }
func (c *Console) Info(msg string, args ...any)  { c.log(slog.LevelInfo, msg, args) }
func (c *Console) Warn(msg string, args ...any)  { c.log(slog.LevelWarn, msg, args) }
func (c *Console) Error(msg string, args ...any) { c.log(slog.LevelError, msg, args) }

func (c *Console) Fatal(msg string, args ...any) {
	c.log(slog.LevelError, msg, args)
	os.Exit(1)
}

func (c *Console) WithContext(ctx context.Context) glog.Logger {
	return &Console{base: c.base, ctx: ctx}
}

// WithFields is a no-op when fields is empty.
func (c *Console) WithFields(fields map[string]any) glog.Logger {
	if len(fields) == 0 {
		return c
	}
	keys := make([]string, 0, len(fields))
	for key := range fields {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	args := make([]any, 0, len(keys)*2)
	for _, key := range keys {
		args = append(args, key, fields[key])
	}
	return &Console{base: c.base.With(args...), ctx: c.ctx}
}

// GetLogger makes Console its own provider.
func (c *Console) GetLogger(name string) glog.Logger {
	name = strings.TrimSpace(name)
	if name == "" {
		return c
	}
	return &Console{base: c.base.With("logger", name), ctx: c.ctx}
}

func (c *Console) log(level slog.Level, msg string, args []any) {
	ctx := c.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	c.base.Log(ctx, level, msg, args...)
}

var (
	_ glog.Logger         = (*Console)(nil)
	_ glog.FieldsLogger   = (*Console)(nil)
	_ glog.LoggerProvider = (*Console)(nil)
)
