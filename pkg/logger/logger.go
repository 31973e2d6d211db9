package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
)

var defaultLogger *slog.Logger

// ParseLevel converts a string log level to slog.Level.
// Valid levels: debug, info, warn, error. Unknown values fall back to info.
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
		return slog.LevelInfo, nil
	}
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

func isTerminal(file *os.File) bool {
	if fileInfo, err := file.Stat(); err == nil {
		return (fileInfo.Mode() & os.ModeCharDevice) != 0
	}
	return false
}

// textHandler writes "LEVEL message key=value" lines, colorizing the level
// when the output is a terminal.
type textHandler struct {
	inner    slog.Handler
	writer   io.Writer
	useColor bool
	withTime bool
}

func (h *textHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *textHandler) Handle(ctx context.Context, record slog.Record) error {
	var buf strings.Builder

	if h.withTime && !record.Time.IsZero() {
		buf.WriteString(record.Time.Format("2006/01/02 15:04:05 "))
	}

	levelStr := strings.ToUpper(record.Level.String())
	if levelStr == "WARNING" {
		levelStr = "WARN"
	}
	if h.useColor {
		buf.WriteString(levelColor(record.Level))
		buf.WriteString(levelStr)
		buf.WriteString("\033[0m")
	} else {
		buf.WriteString(levelStr)
	}
	buf.WriteString(" ")
	buf.WriteString(record.Message)

	record.Attrs(func(a slog.Attr) bool {
		buf.WriteString(" ")
		buf.WriteString(a.Key)
		buf.WriteString("=")
		buf.WriteString(a.Value.String())
		return true
	})
	buf.WriteString("\n")

	_, err := h.writer.Write([]byte(buf.String()))
	return err
}

func (h *textHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &textHandler{
		inner:    h.inner.WithAttrs(attrs),
		writer:   h.writer,
		useColor: h.useColor,
		withTime: h.withTime,
	}
}

func (h *textHandler) WithGroup(name string) slog.Handler {
	return &textHandler{
		inner:    h.inner.WithGroup(name),
		writer:   h.writer,
		useColor: h.useColor,
		withTime: h.withTime,
	}
}

// Init installs the process-wide default logger.
// format: "simple" (level + message), "verbose" (adds timestamps),
// "json" (machine-readable slog JSON).
func Init(level slog.Level, output *os.File, format string) {
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(output, opts)
	case "verbose":
		handler = &textHandler{
			inner:    slog.NewTextHandler(output, opts),
			writer:   output,
			useColor: isTerminal(output),
			withTime: true,
		}
	default:
		handler = &textHandler{
			inner:    slog.NewTextHandler(output, opts),
			writer:   output,
			useColor: isTerminal(output),
		}
	}

	defaultLogger = slog.New(handler)
	slog.SetDefault(defaultLogger)
}

// OpenLogFile opens or creates an append-mode log file.
func OpenLogFile(path string) (*os.File, func(), error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, nil, err
	}
	return file, func() { file.Close() }, nil
}

// GetLogger returns the default slog logger, initializing it lazily.
func GetLogger() *slog.Logger {
	if defaultLogger == nil {
		Init(slog.LevelInfo, os.Stderr, "simple")
	}
	return defaultLogger
}
