package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/perpsync/perpsync/cmd/perpsync/internal/config"
)

func fatal(msg string, err error) {
	slog.Error(msg, slog.String("error", err.Error()))
	os.Exit(1)
}

func main() {
	cfg := config.DefaultConfig()
	fs := config.NewConfigFlagSet(&cfg)

	if err := fs.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fatal("parsing flags failed", err)
	}
	if err := config.LoadEnvFile(cfg.EnvFile); err != nil {
		fatal("loading env file failed", err)
	}
	if err := config.ApplyEnvDefaults(fs, &cfg); err != nil {
		fatal("invalid parameters", err)
	}
	if err := config.ValidateConfig(cfg); err != nil {
		fatal("invalid configuration", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := NewApp(ctx, cfg, AppOptions{})
	if err != nil {
		fatal("startup failed", err)
	}
	slog.SetDefault(app.Logger)
	log.SetOutput(slog.NewLogLogger(app.Logger.Handler(), slog.LevelDebug).Writer())

	runErr := app.Run(ctx)
	if err := app.Close(); err != nil {
		app.Logger.Warn("close failed", slog.String("error", err.Error()))
	}
	if runErr != nil {
		fatal("perpsync stopped", runErr)
	}
}
