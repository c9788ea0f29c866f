package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/goodtune/playtime/internal/api"
	"github.com/goodtune/playtime/internal/arcade"
	"github.com/goodtune/playtime/internal/config"
	"github.com/goodtune/playtime/internal/metrics"
	"github.com/goodtune/playtime/internal/storage"
	"github.com/goodtune/playtime/internal/storage/bolt"
	"github.com/goodtune/playtime/internal/storage/redis"
	"github.com/goodtune/playtime/internal/systemd"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the Playtime server",
	Long:  `Start the session API, the background session sweeper and the metrics endpoint.`,
	RunE:  runServer,
}

func init() {
	rootCmd.AddCommand(serverCmd)
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := setupLogger(cfg.Logging)
	log.Logger = logger

	logger.Info().
		Str("version", version).
		Str("config", configPath).
		Msg("Starting Playtime")

	sdListeners, err := systemd.GetListeners()
	if err != nil {
		return fmt.Errorf("failed to get systemd listeners: %w", err)
	}
	if sdListeners.Activated {
		logger.Info().Msg("Running with systemd socket activation")
	}

	store, err := openStorage(cfg.Storage)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to close storage")
		}
	}()

	logger.Info().Str("type", cfg.Storage.Type).Msg("Storage initialized")

	if err := api.EnsureInitialUser(context.Background(), store.Users(), cfg.Auth.InitialUsername, cfg.Auth.InitialPassword, logger); err != nil {
		return fmt.Errorf("failed to create initial user: %w", err)
	}

	authz, err := arcade.NewOPAAuthorizer(cfg.Policy.OPAPolicyDir, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize action policy: %w", err)
	}

	svc, err := arcade.NewService(store, authz, clockwork.NewRealClock(), arcade.Config{
		SweepInterval:      config.ParseDuration(cfg.Sessions.SweepInterval, 15*time.Second),
		CheckpointInterval: config.ParseDuration(cfg.Sessions.CheckpointInterval, time.Minute),
		ReadyTTL:           config.ParseDuration(cfg.Sessions.ReadyTTL, 24*time.Hour),
		PresenceTTL:        config.ParseDuration(cfg.Sessions.PresenceTTL, 90*time.Second),
		DedupeCacheSize:    cfg.Sessions.DedupeCacheSize,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize session service: %w", err)
	}

	sweeper := arcade.NewSweeper(svc, logger)
	sweeper.Start()

	jwtSecret := cfg.Auth.JWTSecret
	if jwtSecret == "" {
		jwtSecret, err = randomSecret()
		if err != nil {
			return fmt.Errorf("failed to generate jwt secret: %w", err)
		}
		logger.Warn().Msg("auth.jwt_secret is not set, tokens will not survive a restart")
	}

	apiAddr := fmt.Sprintf("%s:%d", cfg.Server.BindAddress, cfg.Server.APIPort)
	apiServer := api.NewServer(api.Config{
		ListenAddr:      apiAddr,
		JWTSecret:       jwtSecret,
		TokenExpiration: config.ParseDuration(cfg.Auth.TokenExpiration, api.DefaultTokenExpiration),
		LoginRateLimit:  cfg.Auth.LoginRateLimit,
		RateLimitWindow: config.ParseDuration(cfg.Auth.RateLimitWindow, time.Minute),
	}, svc, store.Users(), logger)

	if sdListeners.Activated && sdListeners.API != nil {
		apiServer.SetListener(sdListeners.API)
	}
	if err := apiServer.Start(); err != nil {
		return fmt.Errorf("failed to start API server: %w", err)
	}

	var metricsServer *metrics.Server
	if cfg.Server.MetricsPort > 0 || sdListeners.Metrics != nil {
		metricsAddr := fmt.Sprintf("%s:%d", cfg.Server.BindAddress, cfg.Server.MetricsPort)
		metricsServer = metrics.NewServer(metricsAddr, logger)
		if sdListeners.Activated && sdListeners.Metrics != nil {
			metricsServer.SetListener(sdListeners.Metrics)
		}
		if err := metricsServer.Start(); err != nil {
			return fmt.Errorf("failed to start metrics server: %w", err)
		}
	}

	logger.Info().Msg("Playtime startup complete")
	logger.Info().Msgf("API: http://%s", apiAddr)
	if metricsServer != nil {
		logger.Info().Msgf("Metrics: http://%s:%d/metrics", cfg.Server.BindAddress, cfg.Server.MetricsPort)
	}

	if err := systemd.NotifyReady(); err != nil {
		logger.Warn().Err(err).Msg("Failed to send systemd ready notification")
	} else {
		logger.Debug().Msg("Sent systemd ready notification")
	}

	watchdogStop := make(chan struct{})
	if interval := systemd.WatchdogInterval(); interval > 0 {
		go runWatchdog(interval, watchdogStop, logger)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)

	for sig := range sigChan {
		if sig == syscall.SIGHUP {
			logger.Info().Msg("SIGHUP received, reloading action policy...")
			if err := authz.Reload(); err != nil {
				logger.Error().Err(err).Msg("Failed to reload action policy")
			}
			continue
		}
		logger.Info().Msg("Shutdown signal received, gracefully stopping...")
		break
	}
	signal.Stop(sigChan)
	close(watchdogStop)

	if err := systemd.NotifyStopping(); err != nil {
		logger.Warn().Err(err).Msg("Failed to send systemd stopping notification")
	}

	if err := apiServer.Stop(); err != nil {
		logger.Error().Err(err).Msg("Error stopping API server")
	}
	sweeper.Stop()

	if metricsServer != nil {
		if err := metricsServer.Stop(); err != nil {
			logger.Error().Err(err).Msg("Error stopping metrics server")
		}
	}

	logger.Info().Msg("Playtime stopped")
	return nil
}

func runWatchdog(interval time.Duration, stop <-chan struct{}, logger zerolog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := systemd.NotifyWatchdog(); err != nil {
				logger.Warn().Err(err).Msg("Failed to send systemd watchdog notification")
			}
		case <-stop:
			return
		}
	}
}

func openStorage(cfg config.StorageConfig) (storage.Store, error) {
	switch cfg.Type {
	case "", "bolt":
		return bolt.Open(cfg.Path)
	case "redis":
		return redis.Open(cfg.Redis)
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", cfg.Type)
	}
}

// setupLogger configures the logger based on configuration
func setupLogger(cfg config.LoggingConfig) zerolog.Logger {
	level := zerolog.InfoLevel
	switch cfg.Level {
	case "debug":
		level = zerolog.DebugLevel
	case "info":
		level = zerolog.InfoLevel
	case "warn":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	}

	zerolog.SetGlobalLevel(level)

	if cfg.Format == "text" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}

	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func randomSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
