package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/goodtune/playtime/internal/arcade"
	"github.com/goodtune/playtime/internal/config"
	"github.com/goodtune/playtime/internal/session"
	"github.com/spf13/cobra"
)

var (
	checkTotal      int
	checkUsed       int
	checkRemaining  int
	checkStatus     string
	checkStartedAgo string
	checkAnchorAgo  string

	checkRole     string
	checkUsername string
	checkOwner    string
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Check usage and policy decisions offline",
	Long:  `Check what Playtime would compute for a session, or which actions the action policy allows.`,
}

var checkUsageCmd = &cobra.Command{
	Use:   "usage [flags]",
	Short: "Compute used and remaining minutes for a session",
	Long:  `Compute the used and remaining minutes the server would report for a session in the given state.`,
	Example: `  playtime check usage --total 60 --status active --started-ago 25m
  playtime check usage --total 60 --used 10 --status active --started-ago 40m --anchor-ago 5m
  playtime check usage --total 30 --used 12 --status paused`,
	Args: cobra.NoArgs,
	RunE: runCheckUsage,
}

var checkActionCmd = &cobra.Command{
	Use:   "action [flags] ACTION",
	Short: "Check the action policy decision",
	Long:  `Check whether the action policy allows a user to perform an action on a session.`,
	Example: `  playtime check action --role player --username alice --owner alice start
  playtime -c config.yaml check action --role player --username alice --owner bob pause`,
	Args: cobra.ExactArgs(1),
	RunE: runCheckAction,
}

func init() {
	checkUsageCmd.Flags().IntVar(&checkTotal, "total", 0, "Purchased minutes (required)")
	checkUsageCmd.Flags().IntVar(&checkUsed, "used", 0, "Stored used minutes")
	checkUsageCmd.Flags().IntVar(&checkRemaining, "remaining", -1, "Stored remaining minutes (negative for unset)")
	checkUsageCmd.Flags().StringVar(&checkStatus, "status", "ready", "Session status")
	checkUsageCmd.Flags().StringVar(&checkStartedAgo, "started-ago", "", "How long ago the session started (e.g. 25m)")
	checkUsageCmd.Flags().StringVar(&checkAnchorAgo, "anchor-ago", "", "How long ago the last countdown checkpoint was written")
	checkUsageCmd.MarkFlagRequired("total")

	checkActionCmd.Flags().StringVar(&checkRole, "role", "player", "Role of the caller")
	checkActionCmd.Flags().StringVar(&checkUsername, "username", "", "Username of the caller (required)")
	checkActionCmd.Flags().StringVar(&checkOwner, "owner", "", "Player the session belongs to")
	checkActionCmd.Flags().StringVar(&checkStatus, "status", "ready", "Session status")
	checkActionCmd.MarkFlagRequired("username")

	checkCmd.AddCommand(checkUsageCmd)
	checkCmd.AddCommand(checkActionCmd)
	rootCmd.AddCommand(checkCmd)
}

func runCheckUsage(cmd *cobra.Command, args []string) error {
	status, err := session.ParseStatus(checkStatus)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	rec := session.Record{
		ID:           "check",
		Status:       status,
		TotalMinutes: checkTotal,
		UsedMinutes:  checkUsed,
	}
	if checkRemaining >= 0 {
		rec.RemainingMinutes = session.IntPtr(checkRemaining)
	}
	if checkStartedAgo != "" {
		ago, err := time.ParseDuration(checkStartedAgo)
		if err != nil {
			return fmt.Errorf("invalid --started-ago: %w", err)
		}
		rec.StartedAt = session.TimePtr(now.Add(-ago))
	}
	if checkAnchorAgo != "" {
		ago, err := time.ParseDuration(checkAnchorAgo)
		if err != nil {
			return fmt.Errorf("invalid --anchor-ago: %w", err)
		}
		rec.LastCountdownUpdate = session.TimePtr(now.Add(-ago))
	}

	usage := session.Compute(rec, now)
	printUsageResult(rec, usage)
	return nil
}

func runCheckAction(cmd *cobra.Command, args []string) error {
	status, err := session.ParseStatus(checkStatus)
	if err != nil {
		return err
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	authz, err := arcade.NewOPAAuthorizer(cfg.Policy.OPAPolicyDir, quietLogger())
	if err != nil {
		return fmt.Errorf("failed to initialize action policy: %w", err)
	}

	op := args[0]
	var rec *session.Record
	if op != arcade.OpList && op != arcade.OpCreate && op != arcade.OpActivate {
		rec = &session.Record{ID: "check", Status: status, PlayerID: checkOwner}
	}

	actor := arcade.Actor{ID: checkUsername, Username: checkUsername, Role: checkRole}
	err = authz.Authorize(context.Background(), actor, op, rec)

	var denied *arcade.PolicyError
	if err != nil && !errors.As(err, &denied) {
		return err
	}
	printActionResult(actor, op, rec, denied)

	if rec != nil && denied == nil {
		if a, perr := session.ParseAction(op); perr == nil {
			next, terr := session.Transition(rec.Status, a)
			if terr != nil {
				fmt.Printf("%s %s\n", color.New(color.Bold).Sprint("Transition:"), color.YellowString(terr.Error()))
			} else {
				fmt.Printf("%s %s -> %s\n", color.New(color.Bold).Sprint("Transition:"), rec.Status, color.GreenString(string(next)))
			}
		}
	}
	return nil
}

func printUsageResult(rec session.Record, usage session.Usage) {
	bold := color.New(color.Bold)

	fmt.Println()
	bold.Println("Usage Check")
	fmt.Println("===========")
	fmt.Printf("%s %s\n", bold.Sprint("Status:"), statusColor(rec.Status).Sprint(rec.Status))
	fmt.Printf("%s %d\n", bold.Sprint("Total minutes:"), rec.TotalMinutes)
	if rec.StartedAt != nil {
		fmt.Printf("%s %s\n", bold.Sprint("Started:"), rec.StartedAt.Format(time.RFC3339))
	}
	if anchor, ok := rec.Anchor(); ok {
		fmt.Printf("%s %s\n", bold.Sprint("Anchor:"), anchor.Format(time.RFC3339))
	}
	fmt.Println()
	fmt.Printf("%s %d\n", bold.Sprint("Used minutes:"), usage.UsedMinutes)
	fmt.Printf("%s %d\n", bold.Sprint("Remaining minutes:"), usage.RemainingMinutes)
	fmt.Printf("%s %.1f%%\n", bold.Sprint("Remaining:"), session.PercentRemaining(usage.RemainingMinutes, rec.TotalMinutes))
	fmt.Println()
}

func printActionResult(actor arcade.Actor, op string, rec *session.Record, denied *arcade.PolicyError) {
	bold := color.New(color.Bold)

	fmt.Println()
	bold.Println("Action Policy Check")
	fmt.Println("===================")
	fmt.Printf("%s %s (%s)\n", bold.Sprint("Actor:"), actor.Username, actor.Role)
	fmt.Printf("%s %s\n", bold.Sprint("Operation:"), op)
	if rec != nil {
		owner := rec.PlayerID
		if owner == "" {
			owner = "(none)"
		}
		fmt.Printf("%s %s\n", bold.Sprint("Session owner:"), owner)
		fmt.Printf("%s %s\n", bold.Sprint("Session status:"), rec.Status)
	}
	fmt.Println()

	if denied != nil {
		fmt.Printf("%s %s\n", bold.Sprint("Decision:"), color.RedString("DENY"))
		fmt.Printf("%s %s\n", bold.Sprint("Reason:"), denied.Reason)
	} else {
		fmt.Printf("%s %s\n", bold.Sprint("Decision:"), color.GreenString("ALLOW"))
	}
}

func statusColor(s session.Status) *color.Color {
	switch s {
	case session.StatusActive:
		return color.New(color.FgGreen, color.Bold)
	case session.StatusPaused:
		return color.New(color.FgYellow, color.Bold)
	case session.StatusReady:
		return color.New(color.FgCyan, color.Bold)
	default:
		return color.New(color.FgRed, color.Bold)
	}
}
