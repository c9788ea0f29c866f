package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/goodtune/playtime/internal/client"
	"github.com/goodtune/playtime/internal/config"
	"github.com/goodtune/playtime/internal/gateway"
	"github.com/goodtune/playtime/internal/session"
	"github.com/spf13/cobra"
)

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Inspect and control sessions on a running server",
}

var sessionShowCmd = &cobra.Command{
	Use:   "show [flags] SESSION_ID",
	Short: "Show a session's current usage",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionShow,
}

func init() {
	addClientFlags(sessionShowCmd)
	sessionCmd.AddCommand(sessionShowCmd)

	for _, action := range session.AllActions {
		cmd := &cobra.Command{
			Use:   fmt.Sprintf("%s [flags] SESSION_ID", action),
			Short: fmt.Sprintf("Submit a %s action", action),
			Args:  cobra.ExactArgs(1),
			RunE:  sessionActionRunner(action),
		}
		addClientFlags(cmd)
		sessionCmd.AddCommand(cmd)
	}

	rootCmd.AddCommand(sessionCmd)
}

func runSessionShow(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), config.ParseDuration(cfg.Client.RequestTimeout, 10*time.Second))
	defer cancel()

	c, err := newAPIClient(ctx, cfg, cliLogger(cfg.Logging))
	if err != nil {
		return err
	}

	snap, err := c.FetchSession(ctx, args[0])
	if err != nil {
		return err
	}

	now := snap.ServerTime
	if now.IsZero() {
		now = time.Now()
	}
	printUsageResult(snap.Record, session.Compute(snap.Record, now))
	return nil
}

func sessionActionRunner(action session.Action) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}
		logger := cliLogger(cfg.Logging)

		ctx, cancel := context.WithTimeout(context.Background(), config.ParseDuration(cfg.Client.RequestTimeout, 10*time.Second))
		defer cancel()

		c, err := newAPIClient(ctx, cfg, logger)
		if err != nil {
			return err
		}

		res, err := gateway.New(c, logger).Submit(ctx, args[0], action)
		if err != nil {
			var refused *client.ActionError
			if errors.As(err, &refused) {
				fmt.Printf("%s %s\n", color.RedString("REFUSED"), refused.Message)
				if refused.Reason != "" {
					fmt.Printf("%s %s\n", color.New(color.Bold).Sprint("Reason:"), refused.Reason)
				}
				return fmt.Errorf("%s refused", action)
			}
			return err
		}

		fmt.Printf("%s %s (now %s)\n", color.GreenString("OK"), res.Message, statusColor(res.NewStatus).Sprint(res.NewStatus))
		return nil
	}
}
