// Command betcha runs the wagering escrow service in the mode named by its
// configuration. With -check it only loads and validates the configuration,
// printing the redacted result, which deploy scripts use as a preflight.
package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/alanyoungcy/betcha/internal/app"
	"github.com/alanyoungcy/betcha/internal/config"
)

// Exit codes.
const (
	exitOK     = 0
	exitFailed = 1
	exitUsage  = 2
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout))
}

func run(args []string, out io.Writer) int {
	flags := flag.NewFlagSet("betcha", flag.ContinueOnError)
	flags.SetOutput(out)
	configPath := flags.String("config", "config.toml", "path to configuration file")
	checkOnly := flags.Bool("check", false, "validate the configuration and exit")
	if err := flags.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitOK
		}
		return exitUsage
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		newLogger(out, slog.LevelInfo).Error("failed to load config",
			slog.String("path", *configPath),
			slog.String("error", err.Error()),
		)
		return exitFailed
	}

	logger := newLogger(out, logLevel(cfg.LogLevel))
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", slog.String("error", err.Error()))
		return exitFailed
	}
	if *checkOnly {
		logger.Info("configuration ok",
			slog.String("config", *configPath),
			slog.Any("settings", config.RedactedConfig(cfg)),
		)
		return exitOK
	}

	logger.Info("betcha starting",
		slog.String("mode", cfg.Mode),
		slog.String("config", *configPath),
		slog.Any("settings", config.RedactedConfig(cfg)),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application := app.New(cfg, logger)
	defer application.Close()

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("betcha exited with error", slog.String("error", err.Error()))
		return exitFailed
	}
	logger.Info("betcha stopped")
	return exitOK
}

func newLogger(out io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(out, &slog.HandlerOptions{Level: level}))
}

// logLevel maps the configured name onto a slog level. Unknown names fall
// back to info; Validate reports them.
func logLevel(name string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(name))); err != nil {
		return slog.LevelInfo
	}
	return level
}
