/*
main.go - Application entry point

PURPOSE:
  Starts the promo engine: the HTTP API and the notification loop as two
  independent flows over one ledger. One-shot maintenance commands run a
  single sweep or a sync repair and exit.

COMMANDS:
  serve (default)  HTTP API + periodic notification sweeps
  sweep            Run exactly one notification sweep
  sync             Retry the remote create for every unsynced code

STARTUP SEQUENCE (serve):
  1. Load and validate configuration (flags, env, .env, config file)
  2. Open the store (SQLite or PostgreSQL from DATABASE_URL), migrate
  3. Seed default settings without overwriting stored ones
  4. Build the coupon gateway (WooCommerce or disabled) and transport
  5. Start the scheduler and HTTP server under one errgroup

COMMAND-LINE FLAGS:
  --config        Config file (yaml, json or toml)
  --env-file      .env file (default: .env, optional)
  --database-url  Overrides DATABASE_URL
  --log-level     Overrides LOG_LEVEL
  --port          HTTP server port (serve only)

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Let the sweep in flight finish its current code, then stop the loop
  4. Close database connection

EXAMPLES:
  # Serve with a local SQLite file
  BOT_TOKEN=... ./promo-engine --database-url sqlite:///data/promo.db

  # One sweep from cron
  ./promo-engine sweep

SEE ALSO:
  - app.go: Dependency wiring
  - config/config.go: Configuration keys and environment names
  - api/server.go: Router configuration
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

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/warp/promo-engine/api"
	"github.com/warp/promo-engine/config"
)

var (
	rootCmd = &cobra.Command{
		Use:           "promo-engine",
		Short:         "Promo code lifecycle manager",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          cmdServe,
	}
	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the notification loop",
		RunE:  cmdServe,
	}
	sweepCmd = &cobra.Command{
		Use:   "sweep",
		Short: "Run one notification sweep and exit",
		RunE:  cmdSweep,
	}
	syncCmd = &cobra.Command{
		Use:   "sync",
		Short: "Retry remote sync of every unsynced code and exit",
		RunE:  cmdSync,
	}

	vip = viper.New()
)

func init() {
	rootCmd.AddCommand(serveCmd, sweepCmd, syncCmd)

	flags := rootCmd.PersistentFlags()
	flags.String("config", "", "path to configuration file")
	flags.String("env-file", ".env", "path to .env file, ignored if absent")
	flags.String("database-url", "", "database URL (sqlite:///path.db or postgres://...)")
	flags.String("log-level", "", "log level (debug, info, warn, error)")

	for _, c := range []*cobra.Command{rootCmd, serveCmd} {
		c.Flags().Int("port", 0, "HTTP server port")
	}
}

// loadConfig binds the command's flags and loads configuration.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	bindings := map[string]string{
		"database.url": "database-url",
		"log.level":    "log-level",
		"server.port":  "port",
	}
	for key, name := range bindings {
		if f := cmd.Flags().Lookup(name); f != nil {
			if err := vip.BindPFlag(key, f); err != nil {
				return config.Config{}, err
			}
		}
	}

	if path, _ := cmd.Flags().GetString("config"); path != "" {
		vip.SetConfigFile(path)
	}
	envFile, _ := cmd.Flags().GetString("env-file")

	return config.Load(vip, envFile)
}

func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
}

// =============================================================================
// SERVE
// =============================================================================

func cmdServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	ctx, stop := signalContext(cmd)
	defer stop()

	a, err := newApp(ctx, cfg, true)
	if err != nil {
		return err
	}
	defer a.Close()

	handler := api.NewHandler(a.log, a.apiDependencies())
	server := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      api.NewRouter(handler, a.registry),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.log.Info("server starting", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		a.log.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), cfg.Server.ShutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if a.scheduler != nil {
		g.Go(func() error {
			if err := a.scheduler.Start(gctx); err != nil {
				return err
			}
			<-gctx.Done()
			a.scheduler.Stop()
			return nil
		})
	} else {
		a.log.Info("notifications disabled")
	}

	if err := g.Wait(); err != nil {
		return err
	}
	a.log.Info("server stopped")
	return nil
}

// =============================================================================
// ONE-SHOT COMMANDS
// =============================================================================

func cmdSweep(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	cfg.Notifications.Enabled = true

	ctx, stop := signalContext(cmd)
	defer stop()

	a, err := newApp(ctx, cfg, true)
	if err != nil {
		return err
	}
	defer a.Close()

	run, err := a.scheduler.RunNow(ctx)
	a.log.Info("sweep finished",
		zap.String("run_id", run.ID),
		zap.String("status", run.Status),
		zap.Int("candidates", run.Candidates),
		zap.Int("reminders", run.Reminders),
		zap.Int("feedback", run.Feedback),
		zap.Int("closed", run.Closed),
		zap.Int("failures", run.Failures))
	return err
}

func cmdSync(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := cfg.ValidateWithoutTransport(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if !cfg.WooCommerce.Enabled {
		return errors.New("WooCommerce is disabled, nothing to sync against")
	}

	ctx, stop := signalContext(cmd)
	defer stop()

	a, err := newApp(ctx, cfg, false)
	if err != nil {
		return err
	}
	defer a.Close()

	report, err := a.service.RetryUnsynced(ctx)
	if err != nil {
		return err
	}
	if report.Failed > 0 {
		return fmt.Errorf("%d of %d codes failed to sync", report.Failed, report.Attempted)
	}
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "promo-engine:", err)
		os.Exit(1)
	}
}
