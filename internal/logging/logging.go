// Package logging configures the process logger.
package logging

import (
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options controls log level and the optional rotating log file.
type Options struct {
	Level string

	// File enables a rotating copy of the log. Empty logs to stderr only.
	File       string
	MaxSizeMB  int
	MaxAgeDays int
	MaxBackups int
	Compress   bool
}

// Setup applies o to logger and returns a closer for the log file, if any.
func Setup(logger *logrus.Logger, o Options) (io.Closer, error) {
	level := logrus.InfoLevel
	if o.Level != "" {
		l, err := logrus.ParseLevel(o.Level)
		if err != nil {
			return nil, errors.Wrap(err, "invalid log level")
		}
		level = l
	}
	logger.SetLevel(level)
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "15:04:05.000",
	})

	if o.File == "" {
		logger.SetOutput(os.Stderr)
		return nopCloser{}, nil
	}

	if err := os.MkdirAll(filepath.Dir(o.File), 0o755); err != nil {
		return nil, errors.Wrap(err, "create log dir")
	}
	if o.MaxSizeMB <= 0 {
		o.MaxSizeMB = 10
	}
	if o.MaxAgeDays <= 0 {
		o.MaxAgeDays = 7
	}
	if o.MaxBackups <= 0 {
		o.MaxBackups = 3
	}
	rotator := &lumberjack.Logger{
		Filename:   o.File,
		MaxSize:    o.MaxSizeMB,
		MaxAge:     o.MaxAgeDays,
		MaxBackups: o.MaxBackups,
		Compress:   o.Compress,
	}
	logger.SetOutput(io.MultiWriter(os.Stderr, rotator))
	return rotator, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
