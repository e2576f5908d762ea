package log

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/chainguard-dev/clog"
	"github.com/chainguard-dev/labstack/internal/config"
	charmlog "github.com/charmbracelet/log"
	slogmulti "github.com/samber/slog-multi"
)

var ErrLevel = errors.New("unknown log level")

// Setup builds the CLI logger from cfg and installs it on the returned
// context and as the slog default.
//
// Records go to w through a charmbracelet handler in cfg.Format. When
// cfg.File is set, the same records are also appended to that file as JSON
// lines regardless of format. Non-nil extra handlers, such as an OTLP log
// exporter, receive every record too. The returned func closes the file.
func Setup(ctx context.Context, cfg config.LoggingConfig, w io.Writer, extra ...slog.Handler) (context.Context, func(), error) {
	level, err := parseLevel(cfg.Level)
	if err != nil {
		return ctx, func() {}, err
	}

	console := charmlog.NewWithOptions(w, charmlog.Options{
		Level:           charmlog.Level(level),
		ReportTimestamp: true,
		Formatter:       formatter(cfg.Format),
	})

	handlers := []slog.Handler{console}
	closer := func() {}

	if cfg.File != "" {
		f, err := openLogFile(cfg.File)
		if err != nil {
			return ctx, func() {}, err
		}
		handlers = append(handlers, slog.NewJSONHandler(f, &slog.HandlerOptions{
			Level:     level,
			AddSource: true,
		}))
		closer = func() {
			if err := f.Close(); err != nil {
				fmt.Fprintf(os.Stderr, "failed to close log file %s: %v\n", cfg.File, err)
			}
		}
	}

	for _, h := range extra {
		if h != nil {
			handlers = append(handlers, h)
		}
	}

	logger := clog.New(slogmulti.Fanout(handlers...))
	slog.SetDefault(&logger.Logger)
	return clog.WithLogger(ctx, logger), closer, nil
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrLevel, s)
}

func formatter(format string) charmlog.Formatter {
	if format == "json" {
		return charmlog.JSONFormatter
	}
	return charmlog.TextFormatter
}

func openLogFile(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening log file: %w", err)
	}
	return f, nil
}
