package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/andepants/figma-clone-sub001/internal/auth"
	"github.com/andepants/figma-clone-sub001/internal/config"
	"github.com/andepants/figma-clone-sub001/internal/database"
	"github.com/andepants/figma-clone-sub001/internal/entities"
	"github.com/andepants/figma-clone-sub001/internal/lease"
	"github.com/andepants/figma-clone-sub001/internal/logging"
	"github.com/andepants/figma-clone-sub001/internal/server"
	"github.com/andepants/figma-clone-sub001/internal/store"
	"github.com/andepants/figma-clone-sub001/internal/users"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const publisherSessionID = "entities-publisher"

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "canvas-coord",
		Short: "Real-time canvas coordination service",
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
	cmd.PersistentFlags().String("session-signing-secret", "", "Session signing secret (overrides env)")
	cmd.PersistentFlags().String("session-cookie-name", defaults.GetString("session.cookie_name"), "Session cookie name")
	cmd.PersistentFlags().String("store-backend", defaults.GetString("store.backend"), "Shared store backend (memory, sqlite)")
	cmd.PersistentFlags().Duration("ticket-ttl", defaults.GetDuration("ticket.ttl"), "Realtime ticket lifetime")
	cmd.PersistentFlags().Duration("reaper-interval", defaults.GetDuration("reaper.interval"), "Stale lease sweep interval")
	cmd.PersistentFlags().StringSlice("allowed-origins", nil, "Origins allowed to call the API")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.format", "log-format")
	bindFlag(cmd, "session.signing_secret", "session-signing-secret")
	bindFlag(cmd, "session.cookie_name", "session-cookie-name")
	bindFlag(cmd, "store.backend", "store-backend")
	bindFlag(cmd, "ticket.ttl", "ticket-ttl")
	bindFlag(cmd, "reaper.interval", "reaper-interval")
	bindFlag(cmd, "http.allowed_origins", "allowed-origins")
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

func newBackend(appConfig config.AppConfig, db *gorm.DB) (store.Backend, error) {
	if appConfig.StoreBackend == config.StoreBackendMemory {
		return store.NewMemoryBackend(), nil
	}
	return store.NewSQLiteBackend(db, time.Now)
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

	backend, err := newBackend(appConfig, db)
	if err != nil {
		return err
	}
	hub, err := store.NewHub(ctx, store.HubConfig{Backend: backend, Logger: logger})
	if err != nil {
		return err
	}

	sessionValidator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(appConfig.SessionSigningSecret),
		Issuer:        appConfig.SessionIssuer,
		CookieName:    appConfig.SessionCookieName,
	})
	if err != nil {
		return err
	}
	ticketIssuer, err := auth.NewTicketIssuer(auth.TicketIssuerConfig{
		SigningSecret: []byte(appConfig.SessionSigningSecret),
		Issuer:        appConfig.TicketIssuer,
		TTL:           appConfig.TicketTTL,
	})
	if err != nil {
		return err
	}

	userService, err := users.NewService(users.ServiceConfig{
		Database: db,
		Clock:    time.Now,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	entityService, err := entities.NewService(entities.ServiceConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: entities.NewUUIDProvider(),
		Publisher:  hub.Connect(publisherSessionID),
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	leaseClock := lease.NewClock(lease.ClockConfig{
		TransformStaleAfter: appConfig.TransformStaleAfter,
		EditStaleAfter:      appConfig.EditStaleAfter,
	})

	httpHandler, err := server.NewServer(server.Dependencies{
		Sessions:       sessionValidator,
		Profiles:       userService,
		Tickets:        ticketIssuer,
		Entities:       entityService,
		Hub:            hub,
		LeaseClock:     leaseClock,
		AllowedOrigins: appConfig.AllowedOrigins,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: httpHandler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go httpHandler.RunReaper(signalCtx, appConfig.ReaperInterval)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.String("address", appConfig.HTTPAddress),
			zap.String("store_backend", appConfig.StoreBackend))
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
		shutdownErr := httpServer.Shutdown(shutdownCtx)
		return errors.Join(shutdownErr, httpHandler.CloseRealtime(shutdownCtx))
	case err := <-errCh:
		return err
	}
}
