package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	zlog "github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"github.com/ksred/klear-escrow/internal/config"
	"github.com/ksred/klear-escrow/internal/database"
	"github.com/ksred/klear-escrow/internal/database/migrations"
	"github.com/ksred/klear-escrow/internal/server"
)

func main() {
	root := &cobra.Command{
		Use:          "escrowd",
		Short:        "Atomic escrow settlement for tokenized precious assets",
		SilenceUsage: true,
	}
	root.AddCommand(serveCmd(), migrateCmd())

	if err := root.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

// setup loads configuration, configures logging and opens the migrated database
func setup() (*config.Config, *gorm.DB, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	if err := config.ConfigureLogger(cfg); err != nil {
		return nil, nil, err
	}

	db, err := database.Open(cfg.DBDriver, cfg.DBDSN)
	if err != nil {
		return nil, nil, err
	}
	if err := migrations.Run(db); err != nil {
		return nil, nil, err
	}
	return cfg, db, nil
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, _, err := setup(); err != nil {
				return err
			}
			zlog.Info().Msg("Migrations applied")
			return nil
		},
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the escrow API, the expiry processor and the optional price feeder",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, db, err := setup()
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg, db)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config, db *gorm.DB) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	app, err := server.New(ctx, cfg, db)
	if err != nil {
		return err
	}
	defer app.Close()
	app.Start(ctx)

	srv := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: app.Router,
	}

	go func() {
		zlog.Info().Str("port", cfg.HTTPPort).Msg("Starting escrow API")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zlog.Fatal().Err(err).Msg("listen")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case <-ctx.Done():
	}
	zlog.Info().Msg("Shutting down server...")
	cancel()

	// Give outstanding requests 5 seconds to complete
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	zlog.Info().Msg("Server exiting")
	return nil
}
