package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/goodtune/playtime/internal/client"
	"github.com/goodtune/playtime/internal/config"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	clientServer   string
	clientToken    string
	clientUsername string
	clientPassword string
	clientStation  string
)

// addClientFlags registers the connection flags shared by commands that
// talk to a running server.
func addClientFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&clientServer, "server", "", "Server base URL (defaults to client.base_url)")
	cmd.Flags().StringVar(&clientToken, "token", "", "Bearer token (defaults to client.token)")
	cmd.Flags().StringVar(&clientUsername, "username", "", "Log in with this username instead of a token")
	cmd.Flags().StringVar(&clientPassword, "password", "", "Password for --username (or PLAYTIME_PASSWORD)")
	cmd.Flags().StringVar(&clientStation, "station", "", "Station name reported in heartbeats")
}

func cliLogger(cfg config.LoggingConfig) zerolog.Logger {
	level := zerolog.WarnLevel
	if cfg.Level == "debug" {
		level = zerolog.DebugLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		Level(level).With().Timestamp().Logger()
}

func newAPIClient(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*client.Client, error) {
	baseURL := cfg.Client.BaseURL
	if clientServer != "" {
		baseURL = clientServer
	}
	token := cfg.Client.Token
	if clientToken != "" {
		token = clientToken
	}

	c := client.New(baseURL,
		client.WithToken(token),
		client.WithStation(clientStation),
		client.WithLogger(logger),
	)

	if clientUsername != "" {
		password := clientPassword
		if password == "" {
			password = os.Getenv("PLAYTIME_PASSWORD")
		}
		lctx, cancel := context.WithTimeout(ctx, config.ParseDuration(cfg.Client.RequestTimeout, 10*time.Second))
		defer cancel()
		res, err := c.Login(lctx, clientUsername, password)
		if err != nil {
			return nil, fmt.Errorf("login failed: %w", err)
		}
		logger.Debug().Str("username", res.User.Username).Time("expires_at", res.ExpiresAt).Msg("Logged in")
	}

	if c.Token() == "" {
		return nil, fmt.Errorf("no credentials: set client.token, --token or --username")
	}
	return c, nil
}
