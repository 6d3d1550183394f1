package logger

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
	LevelFatal
)

func (l Level) zerolog() zerolog.Level {
	switch l {
	case LevelDebug:
		return zerolog.DebugLevel
	case LevelWarn:
		return zerolog.WarnLevel
	case LevelError:
		return zerolog.ErrorLevel
	case LevelFatal:
		return zerolog.FatalLevel
	default:
		return zerolog.InfoLevel
	}
}

type Logger struct {
	zl   zerolog.Logger
	file io.Closer
}

// New logs everything at or above level to filePath and, when includeStdout
// is set, Info and above to a console writer as well. Debug stays in the file
// so it does not spam the terminal.
func New(filePath string, level Level, includeStdout bool) (*Logger, error) {
	f, err := os.OpenFile(filePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}

	writers := []io.Writer{f}
	if includeStdout {
		console := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: "2006-01-02 15:04:05"}
		writers = append(writers, &minLevelWriter{w: console, min: zerolog.InfoLevel})
	}

	zl := zerolog.New(zerolog.MultiLevelWriter(writers...)).
		Level(level.zerolog()).
		With().Timestamp().Logger()

	return &Logger{zl: zl, file: f}, nil
}

// FromWriter builds a logger over an arbitrary writer, mostly for tests.
func FromWriter(w io.Writer, level Level) *Logger {
	return &Logger{zl: zerolog.New(w).Level(level.zerolog()).With().Timestamp().Logger()}
}

// Nop discards everything.
func Nop() *Logger {
	return &Logger{zl: zerolog.Nop()}
}

// With returns a child logger tagged with a component name.
func (l *Logger) With(component string) *Logger {
	return &Logger{zl: l.zl.With().Str("component", component).Logger()}
}

func ParseLevel(lvl string) Level {
	switch strings.ToLower(lvl) {
	case "debug":
		return LevelDebug
	case "warn":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

func (l *Logger) Debug(f string, v ...any) { l.zl.Debug().Msgf(f, v...) }
func (l *Logger) Info(f string, v ...any)  { l.zl.Info().Msgf(f, v...) }
func (l *Logger) Warn(f string, v ...any)  { l.zl.Warn().Msgf(f, v...) }
func (l *Logger) Error(f string, v ...any) { l.zl.Error().Msgf(f, v...) }

func (l *Logger) Fatal(f string, v ...any) {
	l.zl.WithLevel(zerolog.FatalLevel).Msgf(f, v...)
	os.Exit(1)
}

// Write lets libraries that want an io.Writer log through us at Info.
func (l *Logger) Write(p []byte) (n int, err error) {
	msg := strings.TrimSpace(string(p))
	if msg != "" {
		l.Info("%s", msg)
	}
	return len(p), nil
}

func (l *Logger) Close() error {
	if l.file == nil {
		return nil
	}
	return l.file.Close()
}

// minLevelWriter forwards only events at or above min.
type minLevelWriter struct {
	w   io.Writer
	min zerolog.Level
}

func (m *minLevelWriter) Write(p []byte) (int, error) {
	return m.w.Write(p)
}

func (m *minLevelWriter) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	if level < m.min {
		return len(p), nil
	}
	n, err := m.w.Write(p)
	if err != nil {
		return n, fmt.Errorf("console log: %w", err)
	}
	return n, nil
}
