/*
main.go - Application entry point

PURPOSE:
  Command-line front end for the pharmacy dispensation service.

COMMANDS:
  serve   Start the HTTP API (and the inventory alert scheduler)
  seed    Reset the database and load a demo scenario
  audit   Print the dispensation audit log, newest first

CONFIGURATION:
  All settings come from the environment or a .env file (see config/):
  PORT, ENV, DATABASE_PATH, LOG_LEVEL, CORS_ORIGINS, ALERTS_ENABLED,
  ALERT_INTERVAL, EXPIRY_WINDOW_DAYS.
  DATABASE_PATH=":memory:" runs against an in-memory database.

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the alert scheduler
  2. Stop accepting new connections
  3. Wait for active requests to complete (30s timeout)
  4. Close database connection

EXAMPLES:
  ENV=production DATABASE_PATH=./data/pharmacy.db ./server serve
  ./server seed --scenario stock-pressure
  ./server audit --limit 20

SEE ALSO:
  - api/server.go: Router configuration
  - config/config.go: Settings
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/warp/dispensary/api"
	"github.com/warp/dispensary/config"
	"github.com/warp/dispensary/pharmacy"
	"github.com/warp/dispensary/store/sqlite"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "server",
		Short: "Pharmacy dispensation and stock service",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(seedCmd())
	rootCmd.AddCommand(auditCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func seedCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Reset the database and load a demo scenario",
		RunE: func(cmd *cobra.Command, args []string) error {
			scenario, _ := cmd.Flags().GetString("scenario")
			cfg, logger, err := setup()
			if err != nil {
				return err
			}

			store, err := sqlite.New(cfg.DatabasePath)
			if err != nil {
				return fmt.Errorf("open database: %w", err)
			}
			defer store.Close()

			seeder := api.NewSeeder(store, pharmacy.NewWorkflow(store, logger))
			result, err := seeder.Load(cmd.Context(), scenario)
			if err != nil {
				return err
			}

			logger.Info().
				Str("scenario", result.ScenarioID).
				Int("users", result.Users).
				Int("patients", result.Patients).
				Int("medications", result.Medications).
				Int("dispensations", result.Dispensations).
				Int("rejected", result.Rejected).
				Msg("scenario loaded")
			return nil
		},
	}
	cmd.Flags().String("scenario", api.DefaultScenario, "scenario to load (clinic, stock-pressure)")
	return cmd
}

func auditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Print the dispensation audit log",
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			cfg, _, err := setup()
			if err != nil {
				return err
			}

			store, err := sqlite.New(cfg.DatabasePath)
			if err != nil {
				return fmt.Errorf("open database: %w", err)
			}
			defer store.Close()

			entries, err := store.ListAudit(cmd.Context())
			if err != nil {
				return err
			}
			if limit > 0 && len(entries) > limit {
				entries = entries[:limit]
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "MODIFIED AT\tDISPENSATION\tFIELD\tOLD\tNEW\tBY")
			for _, e := range entries {
				fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\t%s (%d)\n",
					e.ModifiedAt.Local().Format("2006-01-02 15:04:05"),
					e.DispensationID, e.Field, e.OldValue, e.NewValue,
					e.ModifiedByName, e.ModifiedByID)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().Int("limit", 0, "show at most this many entries (0 = all)")
	return cmd
}

// setup loads and validates configuration and builds the logger.
func setup() (*config.Config, zerolog.Logger, error) {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if os.Getenv("ENV") == "development" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}

	cfg, err := config.Load()
	if err != nil {
		return nil, logger, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, logger, fmt.Errorf("invalid config: %w", err)
	}
	if cfg.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return cfg, logger.Level(cfg.Level()), nil
}

func runServer() error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}

	// Database
	store, err := sqlite.New(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("open database %s: %w", cfg.DatabasePath, err)
	}
	defer store.Close()
	logger.Info().Str("path", cfg.DatabasePath).Msg("database ready")

	// Handler
	handler := api.NewHandler(store, logger)
	handler.ExpiryWindow = cfg.ExpiryWindow()

	// Inventory alerts
	alerts := api.NewAlertScheduler(store, logger.With().Str("component", "alerts").Logger())
	alerts.Enabled = cfg.AlertsEnabled
	alerts.CheckInterval = cfg.AlertInterval
	alerts.ExpiryWindow = cfg.ExpiryWindow()
	alerts.Start()
	defer alerts.Stop()

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      api.NewRouter(handler, cfg.CORSOrigins),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	serveErr := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", server.Addr).Str("env", cfg.Env).Msg("starting server")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	// Wait for interrupt signal or a listener failure
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err, ok := <-serveErr:
		if ok {
			return fmt.Errorf("server error: %w", err)
		}
	}

	logger.Info().Msg("shutting down server")
	alerts.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	logger.Info().Msg("server stopped")
	return nil
}
