package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v3"
	"github.com/zionsgate/gatekeeper/internal/bot"
	"github.com/zionsgate/gatekeeper/internal/notify"
	"github.com/zionsgate/gatekeeper/internal/setup"
	"github.com/zionsgate/gatekeeper/internal/setup/telemetry"
	"go.uber.org/zap"
)

const (
	// BotLogDir specifies where bot log files are stored.
	BotLogDir = "logs/bot_logs"
	// shutdownTimeout bounds gateway close and pending webhook deliveries.
	shutdownTimeout = 30 * time.Second
)

func main() {
	if err := run(); err != nil {
		log.Printf("Error: %v", err)
		os.Exit(1)
	}
}

func run() error {
	app := &cli.Command{
		Name:  "bot",
		Usage: "Run the moderation bot",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to the config file (searched for when empty)",
			},
			&cli.StringFlag{
				Name:  "log-dir",
				Value: BotLogDir,
				Usage: "Directory for session log files",
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			return runBot(ctx, c.String("config"), c.String("log-dir"))
		},
	}

	return app.Run(context.Background(), os.Args)
}

func runBot(ctx context.Context, configPath, logDir string) error {
	app, err := setup.InitializeApp(ctx, telemetry.ServiceBot, configPath, logDir)
	if err != nil {
		return fmt.Errorf("failed to initialize application: %w", err)
	}
	defer app.Cleanup()

	if err := app.Config.RequireBotToken(); err != nil {
		return err
	}

	notifier, err := notify.NewFromEnv(&app.Config.Env, app.Logger)
	if err != nil {
		return fmt.Errorf("failed to create notifier: %w", err)
	}

	discordBot, err := bot.New(app.Config, app.Ledger, app.Dedupe, notifier, app.Logger)
	if err != nil {
		return fmt.Errorf("failed to create bot: %w", err)
	}

	if err := discordBot.Start(ctx); err != nil {
		return fmt.Errorf("failed to start bot: %w", err)
	}

	app.Logger.Info("Bot has been started. Waiting for interrupt signal to gracefully shutdown...")

	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-sigCtx.Done()

	app.Logger.Info("Shutting down", zap.Duration("timeout", shutdownTimeout))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	discordBot.Close(shutdownCtx)
	notifier.Close(shutdownCtx)

	return nil
}
