package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"checklist/api/internal/event"
	"checklist/api/internal/logging"
	"checklist/api/internal/syncclient"
	"checklist/api/internal/util"
)

var (
	watchAPI       string
	watchName      string
	watchRole      string
	watchPositions []string
	watchEvents    []string
	watchVerbose   bool
)

var watchCmd = &cobra.Command{
	Use:   "watch <checklist-id...>",
	Short: "Follow live checklist events from a running API",
	Args:  cobra.ArbitraryArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 0 && len(watchEvents) == 0 {
			return errors.New("give at least one checklist id or --event")
		}
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return watch(ctx, args)
	},
}

func init() {
	watchCmd.Flags().StringVar(&watchAPI, "api", "http://localhost:8787", "API base URL")
	watchCmd.Flags().StringVar(&watchName, "name", "Watcher", "Display name to sign in as")
	watchCmd.Flags().StringVar(&watchRole, "role", "viewer", "Role to sign in with")
	watchCmd.Flags().StringSliceVar(&watchPositions, "positions", nil, "Positions to sign in with")
	watchCmd.Flags().StringSliceVar(&watchEvents, "event", nil, "Event ids to follow for new checklists")
	watchCmd.Flags().BoolVarP(&watchVerbose, "verbose", "v", false, "Log connection details")
}

func watch(ctx context.Context, checklistIDs []string) error {
	level := "warn"
	if watchVerbose {
		level = "debug"
	}
	logger, err := logging.New(os.Stderr, "watch", level, "text")
	if err != nil {
		return err
	}

	clientID := util.NewID("cli")
	api := syncclient.NewAPIClient(watchAPI, "", clientID, nil)
	session, err := api.Login(ctx, watchName, watchRole, watchPositions)
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}

	dialer, err := syncclient.NewWSDialer(watchAPI, session.Token, clientID)
	if err != nil {
		return err
	}
	channel := syncclient.NewChannel(dialer, syncclient.Options{
		Identity: session.UserID,
		ClientID: clientID,
		Logger:   logger,
	})
	defer channel.Close()

	green := color.New(color.FgGreen).SprintFunc()
	yellow := color.New(color.FgYellow).SprintFunc()
	blue := color.New(color.FgBlue).SprintFunc()
	dim := color.New(color.Faint).SprintFunc()

	channel.OnStateChange(func(s syncclient.State) {
		fmt.Printf("%s %s\n", dim(time.Now().Format("15:04:05")), yellow(s.String()))
		if s == syncclient.StateDisconnected {
			if err := channel.Err(); err != nil {
				fmt.Printf("  %s\n", dim(err.Error()))
			}
		}
	})
	channel.On("", func(ev event.Event) {
		who := ev.Originator
		if who == "" {
			who = "system"
		}
		fmt.Printf("%s %s %s %s\n", dim(ev.OccurredAt.Local().Format("15:04:05")), green(string(ev.Kind)), blue(ev.ChecklistID), dim(who))
		payload, err := ev.Decode()
		if err != nil {
			return
		}
		switch p := payload.(type) {
		case event.ChecklistUpdated:
			fmt.Printf("  %s%% (%d/%d)\n", p.ProgressPercentage.StringFixed(2), p.CompletedItems, p.TotalItems)
		case event.ItemStatusChanged:
			fmt.Printf("  %s → %s\n", p.ItemID, p.NewStatus)
		case event.ItemCompletionChanged:
			fmt.Printf("  %s completed=%t\n", p.ItemID, p.IsCompleted)
		case event.ChecklistCreated:
			fmt.Printf("  %s (%s)\n", p.ChecklistName, p.EventName)
		}
	})

	groups := append([]string{}, checklistIDs...)
	for _, id := range watchEvents {
		groups = append(groups, event.EventGroup(id))
	}
	for _, group := range groups {
		if err := channel.Join(ctx, group); err != nil {
			fmt.Printf("%s join %s: %v\n", yellow("!"), group, err)
		}
	}

	<-ctx.Done()
	return nil
}
