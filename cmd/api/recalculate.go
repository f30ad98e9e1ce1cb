package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"checklist/api/internal/app"
	"checklist/api/internal/config"
	"checklist/api/internal/relay"
)

var recalculateCmd = &cobra.Command{
	Use:   "recalculate [checklist-id...]",
	Short: "Recompute stored progress from checklist items",
	Long: `Recompute stored progress from the items of each checklist and repair drift.

Without arguments every active checklist is checked. When REDIS_URL is set the
resulting ChecklistUpdated events reach clients connected to running replicas.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		return recalculate(ctx, args)
	},
}

func recalculate(ctx context.Context, ids []string) error {
	cfg := config.Load()
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}

	db, dataStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	var publisher app.Publisher = nopPublisher{}
	if strings.TrimSpace(cfg.RedisURL) != "" {
		rl, err := relay.New(cfg.RedisURL, nil, logger.WithPrefix("relay"))
		if err != nil {
			return err
		}
		defer rl.Close()
		publisher = rl
	}

	searchService, _ := newSearch(db, cfg, logger)
	defer searchService.Close()
	service := app.New(cfg, dataStore, publisher, searchService, logger.WithPrefix("app"))

	green := color.New(color.FgGreen).SprintFunc()
	yellow := color.New(color.FgYellow).SprintFunc()
	dim := color.New(color.Faint).SprintFunc()

	if len(ids) == 0 {
		report, err := service.ReconcileAll(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("%s checked %d, changed %d, failed %d\n",
			green("✓"), report.Checked, report.Changed, report.Failed)
		if report.Failed > 0 {
			return fmt.Errorf("%d checklists failed to recalculate", report.Failed)
		}
		return nil
	}

	for _, id := range ids {
		result, err := service.Recalculate(ctx, id)
		if err != nil {
			return fmt.Errorf("recalculate %s: %w", id, err)
		}
		switch {
		case result == nil:
			fmt.Printf("%s %s not found\n", yellow("?"), id)
		case result.Changed():
			fmt.Printf("%s %s %s%% → %s%%\n", green("✓"), id,
				result.Previous.ProgressPercentage.StringFixed(2),
				result.Checklist.Aggregates.ProgressPercentage.StringFixed(2))
		default:
			fmt.Printf("%s %s %s\n", dim("="), id, dim("already consistent"))
		}
	}
	return nil
}
