package commands

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/roeeharel/remote-claude-v2/services/debugrelay/internal/logger"
	"github.com/roeeharel/remote-claude-v2/services/debugrelay/internal/server"
	"github.com/roeeharel/remote-claude-v2/services/debugrelay/internal/session"
	"github.com/roeeharel/remote-claude-v2/services/debugrelay/internal/storage"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the relay until interrupted",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	log, err := logger.New("debugrelay", cfg.LogLevel)
	if err != nil {
		return err
	}
	defer log.Flush()

	resolver, err := cfg.Resolver()
	if err != nil {
		return err
	}
	if len(resolver.Types()) == 0 {
		log.Info("No debug adapters configured; every session will be rejected")
	}

	store, err := storage.OpenInDir(cfg.DataDir, storage.Options{
		Retention: cfg.JournalRetention,
		Logger:    log.Logger,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize session journal: %w", err)
	}
	defer func() {
		if closeErr := store.Close(); closeErr != nil {
			log.Error(closeErr, "Error closing session journal")
		}
	}()

	registry := session.NewRegistry(session.Config{
		Resolver: resolver,
		Journal:  store,
		Logger:   log.Logger,
	})

	srv, err := server.New(server.Config{
		Addr:           cfg.Listen,
		Path:           cfg.Path,
		AllowedOrigins: cfg.AllowedOrigins,
		Registry:       registry,
		Logger:         log.Logger,
	})
	if err != nil {
		return err
	}

	log.Info("Debug relay starting", "adapters", resolver.Types(), "dataDir", cfg.DataDir, "logLevel", cfg.LogLevel)

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.Start()
	}()

	var runErr error
	select {
	case <-cmd.Context().Done():
		log.Info("Received shutdown signal")
	case runErr = <-serveErr:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return errors.Join(runErr, srv.Shutdown(shutdownCtx))
}
