// Package logging builds the process logger and hands out per-component entries.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options selects level, output format and an optional rotating log file.
type Options struct {
	Level  string
	Format string
	File   string
}

// Logger wraps the root logrus logger and the file sink it may own.
type Logger struct {
	*logrus.Logger
	file *lumberjack.Logger
}

func New(opts Options) (*Logger, error) {
	level, err := logrus.ParseLevel(strings.TrimSpace(opts.Level))
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", opts.Level, err)
	}

	l := logrus.New()
	l.SetLevel(level)

	switch strings.ToLower(strings.TrimSpace(opts.Format)) {
	case "", "text":
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	case "json":
		l.SetFormatter(&logrus.JSONFormatter{})
	default:
		return nil, fmt.Errorf("invalid log format %q (expected text|json)", opts.Format)
	}

	out := &Logger{Logger: l}
	if path := strings.TrimSpace(opts.File); path != "" {
		out.file = &lumberjack.Logger{
			Filename:   path,
			MaxSize:    100, // megabytes
			MaxBackups: 3,
		}
		l.SetOutput(io.MultiWriter(os.Stderr, out.file))
	}
	return out, nil
}

// Component returns an entry tagged with the given component name.
func (l *Logger) Component(name string) *logrus.Entry {
	return l.WithField("component", name)
}

// Close flushes and closes the log file, if any.
func (l *Logger) Close() error {
	if l.file == nil {
		return nil
	}
	return l.file.Close()
}

// Discard returns an entry that drops everything. Handy in tests.
func Discard() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}
