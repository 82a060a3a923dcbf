package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/cf-ai-groupchat-go/internal/config"
	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// NewLogger builds the process logger from the logging section
func NewLogger(cfg *config.LoggingConfig) (*logrus.Logger, error) {
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}
	out, err := writer(cfg)
	if err != nil {
		return nil, err
	}

	l := logrus.New()
	l.SetLevel(level)
	l.SetFormatter(formatter(cfg.Format))
	l.SetOutput(out)
	return l, nil
}

func formatter(format string) logrus.Formatter {
	if format != "json" {
		return &logrus.TextFormatter{FullTimestamp: true, TimestampFormat: "15:04:05.000"}
	}
	return &logrus.JSONFormatter{
		TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyTime: "timestamp",
			logrus.FieldKeyMsg:  "message",
		},
	}
}

// writer resolves "stdout", "file" or "both"; files rotate through lumberjack
func writer(cfg *config.LoggingConfig) (io.Writer, error) {
	if cfg.Output != "file" && cfg.Output != "both" {
		return os.Stdout, nil
	}
	if err := os.MkdirAll(filepath.Dir(cfg.File.Path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	rotating := &lumberjack.Logger{
		Filename:   cfg.File.Path,
		MaxSize:    cfg.File.MaxSize,
		MaxBackups: cfg.File.MaxBackups,
		MaxAge:     cfg.File.MaxAge,
		Compress:   true,
	}
	if cfg.Output == "both" {
		return io.MultiWriter(os.Stdout, rotating), nil
	}
	return rotating, nil
}

// ForBot tags entries with the bot they concern
func ForBot(l logrus.FieldLogger, botID, botName string) *logrus.Entry {
	return l.WithFields(logrus.Fields{"bot_id": botID, "bot_name": botName})
}

// Discard returns a logger that drops everything
func Discard() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}
