// Package logger wraps a process-wide slog.Logger with the multi-writer,
// shortened-timestamp setup the daemon and CLI share, plus an Err helper
// that unpacks internal/cherr's Kind/Reason onto the log line instead of
// stringifying the whole error.
package logger

import (
	"io"
	"log/slog"
	"os"

	"github.com/lukeb-aidev/cohesix/internal/cherr"
)

// Log is slog's default logger until Init replaces it.
var Log = slog.Default()

var levels = map[string]slog.Level{
	"debug": slog.LevelDebug,
	"info":  slog.LevelInfo,
	"warn":  slog.LevelWarn,
	"error": slog.LevelError,
}

// Init builds the global logger, writing to stdout and, if logFile is
// non-empty, appending to that file as well.
func Init(level string, logFile string) error {
	logLevel, ok := levels[level]
	if !ok {
		logLevel = slog.LevelDebug
	}

	writers := []io.Writer{os.Stdout}
	if logFile != "" {
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err != nil {
			return err
		}
		writers = append(writers, f)
	}

	handler := slog.NewTextHandler(io.MultiWriter(writers...), &slog.HandlerOptions{
		Level:       logLevel,
		ReplaceAttr: shortenTime,
	})

	Log = slog.New(handler)
	slog.SetDefault(Log)
	return nil
}

func shortenTime(groups []string, a slog.Attr) slog.Attr {
	if a.Key == slog.TimeKey {
		return slog.String("time", a.Value.Time().Format("15:04:05"))
	}
	return a
}

func Debug(msg string, args ...any) { Log.Debug(msg, args...) }
func Info(msg string, args ...any)  { Log.Info(msg, args...) }
func Warn(msg string, args ...any)  { Log.Warn(msg, args...) }
func Error(msg string, args ...any) { Log.Error(msg, args...) }

// Err logs msg at warn level with err's cherr.Kind and wire reason broken
// out as their own attrs when err carries them, falling back to a bare
// "err" attr for anything else. Callers pass the rest of their usual attrs
// after err.
func Err(msg string, err error, args ...any) {
	attrs := make([]any, 0, len(args)+4)
	if kind, ok := cherr.KindOf(err); ok {
		attrs = append(attrs, "kind", string(kind), "reason", cherr.ReasonOf(err))
	} else {
		attrs = append(attrs, "err", err)
	}
	attrs = append(attrs, args...)
	Log.Warn(msg, attrs...)
}
