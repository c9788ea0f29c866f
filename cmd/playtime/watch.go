package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/goodtune/playtime/internal/client"
	"github.com/goodtune/playtime/internal/config"
	"github.com/goodtune/playtime/internal/countdown"
	"github.com/goodtune/playtime/internal/gateway"
	"github.com/goodtune/playtime/internal/reconcile"
	"github.com/goodtune/playtime/internal/session"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var watchCmd = &cobra.Command{
	Use:   "watch [flags] SESSION_ID",
	Short: "Show a live countdown for a session",
	Long: `Show a live countdown for a session, reconciled against the server.

While watching, type start, pause, resume or terminate followed by Enter to
submit an action, or quit to stop watching.`,
	Example: `  playtime watch --username alice --station bay-3 6f1c2d9e-...`,
	Args:    cobra.ExactArgs(1),
	RunE:    runWatch,
}

func init() {
	addClientFlags(watchCmd)
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	sessionID := args[0]

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	logger := cliLogger(cfg.Logging)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c, err := newAPIClient(ctx, cfg, logger)
	if err != nil {
		return err
	}

	engine := countdown.NewEngine(clockwork.NewRealClock(), logger, renderView)
	loop := reconcile.New(sessionID, c, engine, reconcile.Config{
		ReconcileInterval: config.ParseDuration(cfg.Client.ReconcileInterval, 60*time.Second),
		HeartbeatInterval: config.ParseDuration(cfg.Client.HeartbeatInterval, 30*time.Second),
		RequestTimeout:    config.ParseDuration(cfg.Client.RequestTimeout, 10*time.Second),
		FailureThreshold:  cfg.Client.FailureThreshold,
	},
		reconcile.WithLogger(logger),
		reconcile.WithHeartbeater(c),
		reconcile.WithWarningHandler(renderWarning),
	)

	gw := gateway.New(c, logger)
	detach := gw.Attach(sessionID, loop)
	defer detach()

	if events, err := c.Subscribe(ctx, sessionID); err != nil {
		logger.Warn().Err(err).Msg("Live updates unavailable, relying on periodic reconciliation")
	} else {
		go func() {
			for range events {
				loop.Nudge()
			}
		}()
	}

	go readCommands(ctx, stop, gw, sessionID)

	err = loop.Run(ctx)
	fmt.Println()

	switch {
	case err == nil:
		if v := engine.Current(); v.Status.Terminal() {
			fmt.Printf("Session %s\n", statusColor(v.Status).Sprint(v.Status))
		}
		return nil
	case errors.Is(err, reconcile.ErrSessionGone):
		return fmt.Errorf("session %s no longer exists", sessionID)
	case errors.Is(err, client.ErrUnauthorized):
		return fmt.Errorf("credentials rejected, log in again: %w", err)
	default:
		return err
	}
}

// readCommands turns lines typed on stdin into gateway submissions.
func readCommands(ctx context.Context, quit context.CancelFunc, gw *gateway.Gateway, sessionID string) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "quit" || line == "q" {
			quit()
			return
		}

		action, err := session.ParseAction(line)
		if err != nil {
			fmt.Fprintf(os.Stderr, "\n%s\n", color.YellowString("unknown command %q", line))
			continue
		}

		go func() {
			res, err := gw.Submit(ctx, sessionID, action)
			switch {
			case errors.Is(err, gateway.ErrActionInFlight):
				fmt.Fprintf(os.Stderr, "\n%s\n", color.YellowString("an action is already in progress"))
			case err != nil:
				fmt.Fprintf(os.Stderr, "\n%s\n", color.RedString("%s failed: %v", action, err))
			default:
				fmt.Fprintf(os.Stderr, "\n%s\n", color.GreenString("%s", res.Message))
			}
		}()
	}
}

func renderView(v countdown.View) {
	clock := v.Clock()
	switch {
	case v.Expired:
		clock = color.RedString(clock)
	case v.Running:
		clock = color.GreenString(clock)
	default:
		clock = color.YellowString(clock)
	}

	fmt.Printf("\r\033[K%s  %s  %s  %5.1f%%",
		color.New(color.Bold).Sprint(shortID(v.SessionID)),
		statusColor(v.Status).Sprintf("%-10s", v.Status),
		clock,
		v.PercentRemaining(),
	)
	if v.Expired {
		fmt.Print("  " + color.RedString("time is up"))
	}
}

func renderWarning(w reconcile.Warning) {
	if w.Cleared {
		fmt.Fprintf(os.Stderr, "\n%s\n", color.GreenString("%s recovered", w.Source))
		return
	}
	fmt.Fprintf(os.Stderr, "\n%s\n", color.YellowString("%s failing (%d in a row): %v", w.Source, w.ConsecutiveFailures, w.Err))
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// quietLogger is used where log output would interleave with rendered output.
func quietLogger() zerolog.Logger {
	return zerolog.New(os.Stderr).Level(zerolog.ErrorLevel).With().Timestamp().Logger()
}
