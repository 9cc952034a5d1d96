package cmd

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"cosmossdk.io/log"
	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/Steake/BitCell-sub003/x/ceremony/coordinator"
)

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// NewLogger builds the daemon logger. With a log file configured, output
// goes to a rotated file instead of w.
func NewLogger(cfg coordinator.LogConfig, w io.Writer) (log.Logger, io.Closer, error) {
	if cfg.Level == "" {
		cfg.Level = zerolog.InfoLevel.String()
	}
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}

	var closer io.Closer = nopCloser{}
	opts := []log.Option{log.LevelOption(level)}
	if cfg.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.File), 0o700); err != nil {
			return nil, nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		rotated := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   true,
		}
		w, closer = rotated, rotated
		opts = append(opts, log.ColorOption(false))
	}

	switch cfg.Format {
	case "json":
		opts = append(opts, log.OutputJSONOption())
	case "plain", "":
	default:
		return nil, nil, fmt.Errorf("unknown log format %q", cfg.Format)
	}
	return log.NewLogger(w, opts...), closer, nil
}
