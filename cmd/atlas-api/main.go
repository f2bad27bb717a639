package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/voxelatlas/atlas/backend/internal/access"
	"github.com/voxelatlas/atlas/backend/internal/auth"
	"github.com/voxelatlas/atlas/backend/internal/config"
	"github.com/voxelatlas/atlas/backend/internal/database"
	"github.com/voxelatlas/atlas/backend/internal/logging"
	"github.com/voxelatlas/atlas/backend/internal/segmentation"
	"github.com/voxelatlas/atlas/backend/internal/server"
	"github.com/voxelatlas/atlas/backend/internal/session"
	"github.com/voxelatlas/atlas/backend/internal/storage"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "atlas-api",
		Short: "Atlas collaborative segmentation sync service",
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
	cmd.PersistentFlags().String("storage-path", defaults.GetString("storage.path"), "Blob storage directory")
	cmd.PersistentFlags().Int("token-ttl-minutes", defaults.GetInt("token.ttl_minutes"), "Bearer token TTL in minutes")
	cmd.PersistentFlags().Int("session-grace-minutes", defaults.GetInt("session.grace_minutes"), "Minutes an empty session survives before abandonment")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Token signing secret (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "storage.path", "storage-path")
	bindFlag(cmd, "token.ttl_minutes", "token-ttl-minutes")
	bindFlag(cmd, "session.grace_minutes", "session-grace-minutes")
	bindFlag(cmd, "log.level", "log-level")
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

	logger, err := logging.NewLogger(appConfig.LogLevel)
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

	blobs, err := storage.NewLocalStore(storage.LocalStoreConfig{
		BasePath: appConfig.StoragePath,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	tokenManager := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.AuthSigningSecret),
		TokenTTL:      time.Duration(appConfig.TokenTTLMinutes) * time.Minute,
	})

	segmentations, err := segmentation.NewService(segmentation.ServiceConfig{
		Database:   db,
		Blobs:      blobs,
		Clock:      time.Now,
		IDProvider: segmentation.NewUUIDProvider(),
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	sessions, err := session.NewService(session.ServiceConfig{
		Database:      db,
		Segmentations: segmentations,
		Clock:         time.Now,
		IDProvider:    segmentation.NewUUIDProvider(),
		Logger:        logger,
	})
	if err != nil {
		return err
	}

	permissions, err := access.NewService(access.ServiceConfig{Database: db})
	if err != nil {
		return err
	}

	hub := server.NewHub(logger)

	handler, err := server.NewHTTPHandler(server.Dependencies{
		TokenManager:  tokenManager,
		Sessions:      sessions,
		Segmentations: segmentations,
		Permissions:   permissions,
		Hub:           hub,
		Logger:        logger,
	})
	if err != nil {
		return err
	}

	reaper := session.NewReaper(session.ReaperConfig{
		Sessions:    sessions,
		Connections: hub,
		GracePeriod: time.Duration(appConfig.SessionGraceMinutes) * time.Minute,
		Logger:      logger,
	})

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go reaper.Run(signalCtx)

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
