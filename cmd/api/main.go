package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"checklist/api/internal/app"
	"checklist/api/internal/config"
	"checklist/api/internal/event"
	"checklist/api/internal/logging"
	"checklist/api/internal/search"
	"checklist/api/internal/store"
	"checklist/api/internal/telemetry"
)

const serviceName = "checklist-api"

var version = "dev"

var rootCmd = &cobra.Command{
	Use:   serviceName,
	Short: "Checklist live-sync API",
	Long: `checklist-api serves the checklist REST API and the live-sync hub.

Examples:
  checklist-api serve                       # Run the API and hub
  checklist-api recalculate                 # Repair stored progress for every active checklist
  checklist-api recalculate cl_123          # Repair one checklist
  checklist-api watch --name Riley cl_123   # Follow a checklist's live events`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(recalculateCmd)
	rootCmd.AddCommand(watchCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		red := color.New(color.FgRed).SprintFunc()
		fmt.Fprintln(os.Stderr, red("Error: "+err.Error()))
		os.Exit(1)
	}
}

func newLogger(cfg config.Config) (*log.Logger, error) {
	return logging.New(os.Stderr, serviceName, cfg.LogLevel, cfg.LogFormat)
}

// openStore connects to Postgres and applies pending migrations.
func openStore(ctx context.Context, cfg config.Config) (*sql.DB, *store.PostgresStore, error) {
	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("database connection failed: %w", err)
	}
	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("migrations failed: %w", err)
	}
	return db, store.NewPostgresStore(db), nil
}

func newSearch(db *sql.DB, cfg config.Config, logger *log.Logger) (*search.Service, *search.Meili) {
	pgfts := search.NewPgFTS(db)
	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, logger.WithPrefix("meili"))
	}
	return search.NewService(meiliClient, pgfts, logger.WithPrefix("search")), meiliClient
}

func initTelemetry(ctx context.Context, cfg config.Config, logger *log.Logger) {
	err := telemetry.Init(ctx, telemetry.Settings{
		Enabled:         cfg.OTelEnabled,
		Stdout:          cfg.OTelStdout,
		MetricsEndpoint: cfg.OTelMetricsEndpoint,
	}, serviceName, version)
	if err != nil {
		logger.Warn("telemetry disabled", "err", err)
	}
}

// nopPublisher is used by one-shot commands when no relay is configured.
type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, string, event.Event) error { return nil }

var _ app.Publisher = nopPublisher{}
