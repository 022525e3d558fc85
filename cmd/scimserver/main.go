// Command scimserver runs the SCIM provisioning server.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/pranems/scimserver/config"
	"github.com/pranems/scimserver/endpoint"
	"github.com/pranems/scimserver/httpserver"
	"github.com/pranems/scimserver/logging"
	"github.com/pranems/scimserver/reqlog"
	"github.com/pranems/scimserver/store"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "scimserver:", err)
		os.Exit(1)
	}
}

func run() error {
	// A missing .env is fine; the environment itself takes precedence.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	log, err := buildLogger(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(ctx, cfg.DB)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	endpoints := endpoint.NewService(st, log)
	ep, err := endpoints.EnsureDefault(ctx)
	if err != nil {
		return fmt.Errorf("ensuring default endpoint: %w", err)
	}

	buffer := reqlog.New(st, log, reqlog.Options{})
	srv := httpserver.New(cfg, log, st, buffer)

	storage := "sqlite"
	if st.IsPostgres() {
		storage = "postgres"
	}
	log.Info(ctx, logging.CategoryGeneral, "server starting", map[string]any{
		"port":            cfg.Server.Port,
		"baseUrl":         cfg.Server.BaseURL,
		"storage":         storage,
		"defaultEndpoint": ep.ID,
	})

	err = srv.ListenAndServe(ctx)

	// Shutdown order matters: stop accepting requests, then flush the
	// audit buffer, then close the store (deferred above).
	buffer.Close()
	log.Info(context.Background(), logging.CategoryGeneral, "server stopped", nil)

	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// buildLogger translates the startup configuration into logger options.
func buildLogger(cfg *config.Config) (*logging.Logger, error) {
	level, err := logging.ParseLevel(cfg.Log.Level)
	if err != nil {
		return nil, fmt.Errorf("LOG_LEVEL: %w", err)
	}
	categoryLevels := make(map[string]logging.Level, len(cfg.Log.CategoryLevels))
	for category, name := range cfg.Log.CategoryLevels {
		lvl, err := logging.ParseLevel(name)
		if err != nil {
			return nil, fmt.Errorf("LOG_CATEGORY_LEVELS %q: %w", category, err)
		}
		categoryLevels[category] = lvl
	}
	return logging.New(logging.Options{
		Level:           level,
		Format:          cfg.Log.Format,
		CategoryLevels:  categoryLevels,
		IncludePayloads: cfg.Log.IncludePayloads,
		IncludeStacks:   cfg.Log.IncludeStacks,
		MaxPayloadBytes: cfg.Log.MaxPayloadBytes,
	}), nil
}
