// Command mailstore inspects and maintains mailbox stores offline.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/infodancer/mailstore"
	"github.com/infodancer/mailstore/config"
	"github.com/infodancer/mailstore/manager"
	"github.com/spf13/cobra"

	_ "github.com/infodancer/mailstore/maildir"
	_ "github.com/infodancer/mailstore/memory"
)

// app holds what every sub-command needs once the configuration is loaded.
type app struct {
	configPath string

	logger  *slog.Logger
	backend mailstore.Backend
	manager *manager.MailboxManager
}

func (a *app) open(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	logger, err := config.NewLogger(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	a.logger = logger

	backend, err := mailstore.Open(cfg.StoreConfig(logger))
	if err != nil {
		return fmt.Errorf("open %s store: %w", cfg.Store.Type, err)
	}
	a.backend = backend
	a.manager = manager.New(backend, manager.WithLogger(logger))
	logger.Debug("store opened",
		slog.String("type", cfg.Store.Type),
		slog.String("base_path", cfg.Store.BasePath))
	return nil
}

func (a *app) close(_ *cobra.Command, _ []string) error {
	if a.backend == nil {
		return nil
	}
	return a.backend.Close()
}

func newRootCommand() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:                "mailstore",
		Short:              "Inspect and maintain mailbox stores",
		SilenceUsage:       true,
		SilenceErrors:      true,
		PersistentPreRunE:  a.open,
		PersistentPostRunE: a.close,
	}
	root.PersistentFlags().StringVar(&a.configPath, "config", "", "configuration file (yaml, toml or json)")

	root.AddCommand(
		newListCommand(a),
		newStatCommand(a),
		newRebuildCommand(a),
		newAppendCommand(a),
		newExpungeCommand(a),
		newDeliverCommand(a),
	)
	return root
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		slog.Error("mailstore failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
