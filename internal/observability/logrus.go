package observability

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

// LogConfig selects level, format and destination of the logrus backend.
type LogConfig struct {
	Level      string
	Format     string
	File       string
	MaxAgeDays int
	MaxSizeMB  int
	Component  string
}

// LogrusLogger adapts a logrus entry to Logger.
type LogrusLogger struct {
	entry *logrus.Entry
}

// NewLogrus builds a Logger from cfg. LOG_LEVEL, when set, wins over cfg.Level.
func NewLogrus(cfg LogConfig) (*LogrusLogger, error) {
	base := logrus.New()

	level := strings.TrimSpace(cfg.Level)
	if env := strings.TrimSpace(os.Getenv("LOG_LEVEL")); env != "" {
		level = env
	}
	if level == "" {
		level = "info"
	}
	lvl, err := logrus.ParseLevel(strings.ToLower(level))
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	base.SetLevel(lvl)

	base.SetReportCaller(true)
	base.AddHook(callerHook{})
	prettyCaller := func(f *runtime.Frame) (string, string) {
		return "", fmt.Sprintf("%s:%d", filepath.Base(f.File), f.Line)
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Format)) {
	case "", "json":
		base.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "timestamp",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "message",
			},
			CallerPrettyfier: prettyCaller,
		})
	case "text":
		base.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:    true,
			TimestampFormat:  time.RFC3339,
			CallerPrettyfier: prettyCaller,
		})
	default:
		return nil, fmt.Errorf("invalid log format %q", cfg.Format)
	}

	base.SetOutput(output(cfg))

	entry := logrus.NewEntry(base)
	if c := strings.TrimSpace(cfg.Component); c != "" {
		entry = entry.WithField("component", c)
	}
	return &LogrusLogger{entry: entry}, nil
}

func output(cfg LogConfig) io.Writer {
	switch path := strings.TrimSpace(cfg.File); path {
	case "", "stdout":
		return os.Stdout
	case "stderr":
		return os.Stderr
	default:
		size := cfg.MaxSizeMB
		if size <= 0 {
			size = 100
		}
		return &lumberjack.Logger{
			Filename: path,
			MaxAge:   cfg.MaxAgeDays,
			MaxSize:  size,
			Compress: true,
		}
	}
}

// NewLogrusFrom wraps an existing logrus logger, mainly for tests.
func NewLogrusFrom(l *logrus.Logger) *LogrusLogger {
	return &LogrusLogger{entry: logrus.NewEntry(l)}
}

// WithComponent returns a child logger tagged with component.
func (l *LogrusLogger) WithComponent(component string) *LogrusLogger {
	return &LogrusLogger{entry: l.entry.WithField("component", component)}
}

func (l *LogrusLogger) with(fields []Field) *logrus.Entry {
	if len(fields) == 0 {
		return l.entry
	}
	data := make(logrus.Fields, len(fields))
	for _, f := range fields {
		data[f.Key] = f.Value
	}
	return l.entry.WithFields(data)
}

// Debug implements Logger.
func (l *LogrusLogger) Debug(msg string, fields ...Field) { l.with(fields).Debug(msg) }

// Info implements Logger.
func (l *LogrusLogger) Info(msg string, fields ...Field) { l.with(fields).Info(msg) }

// Warn implements Logger.
func (l *LogrusLogger) Warn(msg string, fields ...Field) { l.with(fields).Warn(msg) }

// Error implements Logger.
func (l *LogrusLogger) Error(msg string, fields ...Field) { l.with(fields).Error(msg) }

var _ Logger = (*LogrusLogger)(nil)
