// Command notify-relay runs the push notification relay.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bissquit/notify-relay/internal/app"
	"github.com/bissquit/notify-relay/internal/config"
	"github.com/bissquit/notify-relay/internal/migrate"
	"github.com/bissquit/notify-relay/internal/pkg/ctxlog"
	"github.com/bissquit/notify-relay/internal/relay/webpush"
	"github.com/bissquit/notify-relay/internal/version"
)

const usage = `Usage: notify-relay [-config file] <command> [args]

Commands:
  serve              run the HTTP server (default)
  migrate <file>     import a DynamoDB JSON export into the configured store
  keygen             print a new VAPID key pair
  version            print build information
`

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	flags := flag.NewFlagSet("notify-relay", flag.ContinueOnError)
	flags.Usage = func() { fmt.Fprint(flags.Output(), usage) }
	configPath := flags.String("config", "", "path to a YAML config file")
	if err := flags.Parse(args); err != nil {
		return err
	}

	command := "serve"
	if flags.NArg() > 0 {
		command = flags.Arg(0)
	}

	switch command {
	case "keygen":
		return keygen()
	case "version":
		fmt.Println(version.String())
		return nil
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	switch command {
	case "serve":
		return serve(cfg)
	case "migrate":
		if flags.NArg() != 2 {
			return errors.New("migrate needs exactly one export file")
		}
		return importExport(cfg, flags.Arg(1))
	default:
		flags.Usage()
		return fmt.Errorf("unknown command %q", command)
	}
}

func serve(cfg *config.Config) error {
	if err := cfg.ValidateServe(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	application, err := app.New(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- application.Run()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	return application.Shutdown(shutdownCtx)
}

func importExport(cfg *config.Config, path string) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger := app.NewLogger(cfg.Log)
	ctx := ctxlog.WithLogger(context.Background(), logger)

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open export: %w", err)
	}
	defer f.Close()

	backend, err := app.OpenBackend(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = backend.Close(closeCtx)
	}()

	store, err := backend.Open(ctx)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}

	start := time.Now()
	stats, err := migrate.Import(ctx, store, f)
	if err != nil {
		return fmt.Errorf("import %s: %w", path, err)
	}

	logger.Info("import finished",
		slog.Int("channels", stats.Channels),
		slog.Int("channels_skipped", stats.ChannelsSkipped),
		slog.Int("subscriptions", stats.Subscriptions),
		slog.Int("subscriptions_skipped", stats.SubscriptionsSkipped),
		slog.Duration("took", time.Since(start)),
	)
	return nil
}

func keygen() error {
	keys, err := webpush.GenerateKeys()
	if err != nil {
		return err
	}
	fmt.Printf("NOTIFY_VAPID_PUBKEY=%s\nNOTIFY_VAPID_PRIVKEY=%s\n", keys.PublicKey, keys.PrivateKey)
	return nil
}
