// Package logger configures the process-wide slog logger.
//
// Output is plain "LEVEL message key=value" lines, colored when the
// destination is a terminal. Records emitted by third-party libraries
// are suppressed unless the level is debug, so -log-level=debug is the
// single switch for full verbosity.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime"
	"strings"

	"golang.org/x/term"
)

const modulePrefix = "github.com/mentatlabs/mentat"

var defaultLogger *slog.Logger

// ParseLevel converts a string log level to slog.Level.
// Valid levels: debug, info, warn, error.
func ParseLevel(levelStr string) (slog.Level, error) {
	switch strings.ToLower(levelStr) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", levelStr)
	}
}

// libFilterHandler suppresses records originating outside this module
// unless the configured level is debug.
type libFilterHandler struct {
	handler  slog.Handler
	minLevel slog.Level
}

func (h *libFilterHandler) Enabled(ctx context.Context, level slog.Level) bool {
	if level < h.minLevel {
		return false
	}
	return h.handler.Enabled(ctx, level)
}

func (h *libFilterHandler) Handle(ctx context.Context, record slog.Record) error {
	if h.minLevel > slog.LevelDebug && !fromThisModule(record.PC) {
		return nil
	}
	return h.handler.Handle(ctx, record)
}

func (h *libFilterHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &libFilterHandler{handler: h.handler.WithAttrs(attrs), minLevel: h.minLevel}
}

func (h *libFilterHandler) WithGroup(name string) slog.Handler {
	return &libFilterHandler{handler: h.handler.WithGroup(name), minLevel: h.minLevel}
}

func fromThisModule(pc uintptr) bool {
	if pc == 0 {
		return false
	}
	fn := runtime.FuncForPC(pc)
	if fn == nil {
		return false
	}
	return strings.HasPrefix(fn.Name(), modulePrefix)
}

// textHandler renders "LEVEL message key=value" lines. Verbose mode
// prepends a timestamp. Colors apply to the level token only.
type textHandler struct {
	attrs   []slog.Attr
	writer  io.Writer
	level   slog.Level
	color   bool
	verbose bool
}

func levelColor(level slog.Level) string {
	switch {
	case level >= slog.LevelError:
		return "\033[31m"
	case level >= slog.LevelWarn:
		return "\033[33m"
	case level >= slog.LevelInfo:
		return "\033[36m"
	default:
		return "\033[90m"
	}
}

func levelString(level slog.Level) string {
	s := level.String()
	if s == "WARNING" {
		s = "WARN"
	}
	return strings.ToUpper(s)
}

func (h *textHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *textHandler) Handle(_ context.Context, record slog.Record) error {
	var buf strings.Builder

	if h.verbose && !record.Time.IsZero() {
		buf.WriteString(record.Time.Format("2006/01/02 15:04:05 "))
	}

	if h.color {
		buf.WriteString(levelColor(record.Level))
		buf.WriteString(levelString(record.Level))
		buf.WriteString("\033[0m")
	} else {
		buf.WriteString(levelString(record.Level))
	}
	buf.WriteString(" ")
	buf.WriteString(record.Message)

	writeAttr := func(a slog.Attr) {
		buf.WriteString(" ")
		buf.WriteString(a.Key)
		buf.WriteString("=")
		buf.WriteString(a.Value.String())
	}
	for _, a := range h.attrs {
		writeAttr(a)
	}
	record.Attrs(func(a slog.Attr) bool {
		writeAttr(a)
		return true
	})

	buf.WriteString("\n")
	_, err := h.writer.Write([]byte(buf.String()))
	return err
}

func (h *textHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	merged = append(merged, attrs...)
	return &textHandler{attrs: merged, writer: h.writer, level: h.level, color: h.color, verbose: h.verbose}
}

func (h *textHandler) WithGroup(name string) slog.Handler {
	// Groups are flattened; attr keys stay as written.
	return h
}

// Init installs the process logger. format is "simple" (level +
// message) or "verbose" (adds timestamps); anything else falls back to
// the stock slog text handler.
func Init(level slog.Level, output *os.File, format string) {
	color := term.IsTerminal(int(output.Fd()))

	var handler slog.Handler
	switch format {
	case "simple", "":
		handler = &textHandler{writer: output, level: level, color: color}
	case "verbose":
		handler = &textHandler{writer: output, level: level, color: color, verbose: true}
	default:
		handler = slog.NewTextHandler(output, &slog.HandlerOptions{Level: level})
	}

	defaultLogger = slog.New(&libFilterHandler{handler: handler, minLevel: level})
	slog.SetDefault(defaultLogger)
}

// OpenLogFile opens or creates a log file for appending. The returned
// cleanup closes the handle.
func OpenLogFile(path string) (*os.File, func(), error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, nil, err
	}
	return file, func() { _ = file.Close() }, nil
}

// GetLogger returns the default logger, initializing it at info level
// on stderr when Init was never called.
func GetLogger() *slog.Logger {
	if defaultLogger == nil {
		Init(slog.LevelInfo, os.Stderr, "simple")
	}
	return defaultLogger
}
