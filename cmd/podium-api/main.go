package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/openfloor/podium/internal/activities"
	"github.com/openfloor/podium/internal/auth"
	"github.com/openfloor/podium/internal/broadcast"
	"github.com/openfloor/podium/internal/cachestore"
	"github.com/openfloor/podium/internal/config"
	"github.com/openfloor/podium/internal/database"
	"github.com/openfloor/podium/internal/debates"
	"github.com/openfloor/podium/internal/logging"
	"github.com/openfloor/podium/internal/server"
	"github.com/openfloor/podium/internal/stats"
	"github.com/openfloor/podium/internal/votes"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "podium-api",
		Short: "Live debate audience-voting backend",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-format", defaults.GetString("log.format"), "Log format (json, console)")
	cmd.PersistentFlags().Duration("sync-interval", defaults.GetDuration("sync.interval"), "Vote reconciliation period")
	cmd.PersistentFlags().Duration("sweep-interval", defaults.GetDuration("stats.sweep_interval"), "Statistics sweep period")
	cmd.PersistentFlags().Duration("debounce-window", defaults.GetDuration("broadcast.debounce_window"), "Broadcast debounce window")
	cmd.PersistentFlags().String("signing-secret", "", "Admin token signing secret (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.format", "log-format")
	bindFlag(cmd, "sync.interval", "sync-interval")
	bindFlag(cmd, "stats.sweep_interval", "sweep-interval")
	bindFlag(cmd, "broadcast.debounce_window", "debounce-window")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogFormat)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	cache := cachestore.NewMemory(cachestore.MemoryConfig{})
	defer cache.Close()

	activityService, err := activities.NewService(activities.ServiceConfig{
		Database: db,
		Cache:    cache,
		Logger:   logger.Named("activities"),
	})
	if err != nil {
		return err
	}

	debateService, err := debates.NewService(debates.ServiceConfig{
		Database: db,
		Cache:    cache,
		Logger:   logger.Named("debates"),
	})
	if err != nil {
		return err
	}

	dispatcher := broadcast.NewDispatcher()
	debouncer := broadcast.NewDebouncer(broadcast.DebouncerConfig{
		Dispatcher: dispatcher,
		Window:     appConfig.DebounceWindow,
		Logger:     logger.Named("broadcast"),
	})

	statsService, err := stats.NewService(stats.ServiceConfig{
		Database:      db,
		Cache:         cache,
		Activities:    activityService,
		Debates:       debateService,
		Debouncer:     debouncer,
		Logger:        logger.Named("stats"),
		SweepInterval: appConfig.SweepInterval,
	})
	if err != nil {
		return err
	}

	voteService, err := votes.NewService(votes.ServiceConfig{
		Database:    db,
		Cache:       cache,
		Activities:  activityService,
		Debates:     debateService,
		Notifier:    statsService,
		Broadcaster: dispatcher,
		Logger:      logger.Named("votes"),
	})
	if err != nil {
		return err
	}

	lifecycle, err := debates.NewLifecycle(debates.LifecycleConfig{
		Database:    db,
		Debates:     debateService,
		Backfiller:  voteService,
		Notifier:    statsService,
		Broadcaster: dispatcher,
		Logger:      logger.Named("lifecycle"),
	})
	if err != nil {
		return err
	}

	reconciler, err := votes.NewReconciler(votes.ReconcilerConfig{
		Database: db,
		Cache:    cache,
		Interval: appConfig.SyncInterval,
		Logger:   logger.Named("reconciler"),
	})
	if err != nil {
		return err
	}

	tokenManager := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        "podium-auth",
		Audience:      "podium-api",
		TokenTTL:      time.Duration(appConfig.AdminTokenHours) * time.Hour,
	})

	handler, err := server.NewHTTPHandler(server.Dependencies{
		VotesService:   voteService,
		StatsService:   statsService,
		Activities:     activityService,
		Lifecycle:      lifecycle,
		Dispatcher:     dispatcher,
		TokenManager:   tokenManager,
		AllowedOrigins: appConfig.AllowedOrigins,
		Logger:         logger.Named("http"),
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	workerCtx, cancelWorkers := context.WithCancel(signalCtx)
	defer cancelWorkers()
	go reconciler.Run(workerCtx)
	go statsService.Run(workerCtx)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
