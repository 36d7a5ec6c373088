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
	"go.uber.org/zap"

	"github.com/plumenotehq/plumenote/internal/auth"
	"github.com/plumenotehq/plumenote/internal/collab"
	"github.com/plumenotehq/plumenote/internal/config"
	"github.com/plumenotehq/plumenote/internal/database"
	"github.com/plumenotehq/plumenote/internal/logging"
	"github.com/plumenotehq/plumenote/internal/notes"
	"github.com/plumenotehq/plumenote/internal/server"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "plumenote-api",
		Short: "PlumeNote collaboration backend service",
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
	cmd.PersistentFlags().String("signing-secret", "", "Session token signing secret (overrides env)")
	cmd.PersistentFlags().String("token-issuer", defaults.GetString("auth.issuer"), "Expected session token issuer")
	cmd.PersistentFlags().String("token-audience", defaults.GetString("auth.audience"), "Expected session token audience")
	cmd.PersistentFlags().Int("persist-interval-s", defaults.GetInt("collab.persist_interval_s"), "Document persistence interval in seconds")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "auth.issuer", "token-issuer")
	bindFlag(cmd, "auth.audience", "token-audience")
	bindFlag(cmd, "collab.persist_interval_s", "persist-interval-s")
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

	verifier, err := auth.NewVerifier(auth.VerifierConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        appConfig.TokenIssuer,
		Audience:      appConfig.TokenAudience,
	})
	if err != nil {
		return err
	}

	store, err := collab.NewGormStore(collab.GormStoreConfig{Database: db})
	if err != nil {
		return err
	}

	// The registry's idle hook cuts a version when the last editor leaves;
	// the notes service is bound after construction to close the loop.
	var notesService *notes.Service
	registry, err := collab.NewRegistry(collab.RegistryConfig{
		Store:           store,
		Logger:          logger,
		PersistInterval: appConfig.PersistInterval,
		OnLastDetach: func(ctx context.Context, key collab.DocumentKey) {
			if notesService == nil {
				return
			}
			rawNoteID, err := collab.NoteIDForKey(key)
			if err != nil {
				return
			}
			noteID, err := notes.NewNoteID(rawNoteID)
			if err != nil {
				return
			}
			if _, err := notesService.SnapshotOnIdle(ctx, noteID); err != nil {
				logger.Warn("idle snapshot failed",
					zap.String("doc_key", key.String()),
					zap.Error(err))
			}
		},
	})
	if err != nil {
		return err
	}

	notesService, err = notes.NewService(notes.ServiceConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: notes.NewUUIDProvider(),
		Logger:     logger,
		Live:       registry,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Verifier:     verifier,
		NotesService: notesService,
		Registry:     registry,
		Logger:       logger,
		Metrics:      true,
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

	flushCtx, stopFlush := context.WithCancel(context.Background())
	go registry.Run(flushCtx)

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
		shutdownErr := httpServer.Shutdown(shutdownCtx)
		stopFlush()
		registry.FlushAll(shutdownCtx)
		return shutdownErr
	case err := <-errCh:
		stopFlush()
		return err
	}
}
