// Package logging provides component-tagged zerolog loggers with optional rotating file output.
package logging

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/rexliu/rpcc/pkg/config"
)

// Logger wraps a zerolog.Logger tagged with a component name.
type Logger struct {
	zerolog.Logger
	component string
	file      *lumberjack.Logger
}

// New returns a logger writing human-readable lines to stderr.
func New(component string) *Logger {
	return newWithWriter(component, consoleWriter(os.Stderr))
}

func newWithWriter(component string, w io.Writer) *Logger {
	return &Logger{
		Logger:    zerolog.New(w).With().Timestamp().Str("component", component).Logger(),
		component: component,
	}
}

func consoleWriter(w io.Writer) zerolog.ConsoleWriter {
	return zerolog.ConsoleWriter{Out: w, TimeFormat: time.TimeOnly}
}

// Configure applies logging settings from config. When a file path is set,
// JSON lines also go to a size-rotated file.
func (l *Logger) Configure(cfg config.LoggingConfig) error {
	if l == nil {
		return nil
	}
	return l.configure(cfg, consoleWriter(os.Stderr))
}

func (l *Logger) configure(cfg config.LoggingConfig, console io.Writer) error {
	level := zerolog.InfoLevel
	if cfg.Level != "" {
		parsed, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
		if err != nil {
			return err
		}
		level = parsed
	}
	out := console
	if cfg.FilePath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.FilePath), 0o700); err != nil {
			return err
		}
		l.file = &lumberjack.Logger{
			Filename:   cfg.FilePath,
			MaxSize:    cfg.FileMaxSize,
			MaxBackups: cfg.FileBackups,
		}
		out = zerolog.MultiLevelWriter(console, l.file)
	}
	l.Logger = zerolog.New(out).Level(level).With().Timestamp().Str("component", l.component).Logger()
	return nil
}

// Close flushes and closes the log file, if any.
func (l *Logger) Close() error {
	if l == nil || l.file == nil {
		return nil
	}
	return l.file.Close()
}
