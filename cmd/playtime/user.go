package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/goodtune/playtime/internal/api"
	"github.com/goodtune/playtime/internal/config"
	"github.com/goodtune/playtime/internal/storage"
	"github.com/spf13/cobra"
)

var (
	userRole     string
	userPassword string
)

var userCmd = &cobra.Command{
	Use:   "user",
	Short: "Manage API accounts",
	Long: `Manage API accounts directly in the configured storage backend.

With bolt storage the server holds an exclusive lock on the database, so stop
it before running these commands.`,
}

var userAddCmd = &cobra.Command{
	Use:     "add [flags] USERNAME",
	Short:   "Create or replace an account",
	Example: `  playtime user add --role player --password s3cret alice`,
	Args:    cobra.ExactArgs(1),
	RunE:    runUserAdd,
}

var userListCmd = &cobra.Command{
	Use:   "list",
	Short: "List accounts",
	Args:  cobra.NoArgs,
	RunE:  runUserList,
}

var userDeleteCmd = &cobra.Command{
	Use:   "delete USERNAME",
	Short: "Delete an account",
	Args:  cobra.ExactArgs(1),
	RunE:  runUserDelete,
}

func init() {
	userAddCmd.Flags().StringVar(&userRole, "role", storage.RolePlayer, "Role: admin, staff or player")
	userAddCmd.Flags().StringVar(&userPassword, "password", "", "Password (or PLAYTIME_PASSWORD)")

	userCmd.AddCommand(userAddCmd)
	userCmd.AddCommand(userListCmd)
	userCmd.AddCommand(userDeleteCmd)
	rootCmd.AddCommand(userCmd)
}

func withUserStore(fn func(ctx context.Context, users storage.UserStore) error) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	store, err := openStorage(cfg.Storage)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return fn(ctx, store.Users())
}

func runUserAdd(cmd *cobra.Command, args []string) error {
	password := userPassword
	if password == "" {
		password = os.Getenv("PLAYTIME_PASSWORD")
	}

	user, err := api.NewUser(args[0], password, userRole)
	if err != nil {
		return err
	}

	return withUserStore(func(ctx context.Context, users storage.UserStore) error {
		if existing, err := users.Get(ctx, user.Username); err == nil {
			user.ID = existing.ID
			user.CreatedAt = existing.CreatedAt
			user.LastLogin = existing.LastLogin
		}
		if err := users.Upsert(ctx, user); err != nil {
			return fmt.Errorf("failed to save user: %w", err)
		}
		fmt.Printf("%s %s (%s)\n", color.GreenString("Saved"), user.Username, user.Role)
		return nil
	})
}

func runUserList(cmd *cobra.Command, args []string) error {
	return withUserStore(func(ctx context.Context, users storage.UserStore) error {
		list, err := users.List(ctx)
		if err != nil {
			return err
		}
		bold := color.New(color.Bold)
		bold.Printf("%-20s %-8s %s\n", "USERNAME", "ROLE", "LAST LOGIN")
		for _, u := range list {
			last := "never"
			if u.LastLogin != nil {
				last = u.LastLogin.Format(time.RFC3339)
			}
			fmt.Printf("%-20s %-8s %s\n", u.Username, u.Role, last)
		}
		return nil
	})
}

func runUserDelete(cmd *cobra.Command, args []string) error {
	return withUserStore(func(ctx context.Context, users storage.UserStore) error {
		if err := users.Delete(ctx, args[0]); err != nil {
			return fmt.Errorf("failed to delete user: %w", err)
		}
		fmt.Printf("%s %s\n", color.GreenString("Deleted"), args[0])
		return nil
	})
}
