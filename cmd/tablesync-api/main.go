package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"gorm.io/gorm"

	"github.com/MarcoPoloResearchLab/tablesync/internal/auth"
	"github.com/MarcoPoloResearchLab/tablesync/internal/auxcache"
	"github.com/MarcoPoloResearchLab/tablesync/internal/config"
	"github.com/MarcoPoloResearchLab/tablesync/internal/database"
	"github.com/MarcoPoloResearchLab/tablesync/internal/logging"
	"github.com/MarcoPoloResearchLab/tablesync/internal/realtime"
	"github.com/MarcoPoloResearchLab/tablesync/internal/server"
	"github.com/MarcoPoloResearchLab/tablesync/internal/sqlstore"
	"github.com/MarcoPoloResearchLab/tablesync/internal/tables"
	"github.com/MarcoPoloResearchLab/tablesync/internal/tablestore"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "tablesync-api",
		Short: "Table record cache and real-time sync service",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newSeedCommand(), newIssueTokenCommand())

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
	cmd.PersistentFlags().Int("token-ttl-minutes", defaults.GetInt("auth.token_ttl_minutes"), "Session token TTL in minutes")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-format", defaults.GetString("log.format"), "Log encoding (json, console)")
	cmd.PersistentFlags().Int("page-size", defaults.GetInt("cache.page_size"), "Default table page size")
	cmd.PersistentFlags().String("signing-secret", "", "Session signing secret (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "auth.token_ttl_minutes", "token-ttl-minutes")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.format", "log-format")
	bindFlag(cmd, "cache.page_size", "page-size")
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

func newSeedCommand() *cobra.Command {
	var seedPath string
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Load table definitions, rows and entities from a YAML file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSeed(cmd.Context(), seedPath)
		},
	}
	cmd.Flags().StringVar(&seedPath, "file", "", "Path to the YAML seed file")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func newIssueTokenCommand() *cobra.Command {
	var subject, displayName string
	cmd := &cobra.Command{
		Use:   "issue-token",
		Short: "Mint a session token for local use",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
				SigningSecret: []byte(appConfig.SigningSecret),
				Issuer:        appConfig.Issuer,
				TokenTTL:      appConfig.TokenTTL,
			})
			if err != nil {
				return err
			}
			token, expiresIn, err := issuer.IssueSessionToken(subject, displayName)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires in %ds\n", expiresIn)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "Token subject")
	cmd.Flags().StringVar(&displayName, "name", "", "Display name claim")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}

func openStorage(appConfig config.AppConfig, logger *zap.Logger) (*gorm.DB, *sqlstore.Store, error) {
	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return nil, nil, err
	}
	metadata, err := sqlstore.NewMetadataStore(db, appConfig.MetadataTTL)
	if err != nil {
		return nil, nil, err
	}
	store, err := sqlstore.NewStore(sqlstore.Config{
		Database:   db,
		Metadata:   metadata,
		IDProvider: sqlstore.NewUUIDProvider(),
		Clock:      time.Now,
		Logger:     logger,
	})
	if err != nil {
		return nil, nil, err
	}
	return db, store, nil
}

func runSeed(ctx context.Context, seedPath string) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}
	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogFormat)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, store, err := openStorage(appConfig, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	file, err := os.Open(seedPath)
	if err != nil {
		return err
	}
	defer file.Close()

	seed, err := sqlstore.ParseSeed(file)
	if err != nil {
		return err
	}
	summary, err := store.ApplySeed(ctx, seed)
	if err != nil {
		return err
	}
	for _, table := range summary.Tables {
		logger.Info("table registered",
			zap.Int64("table_id", int64(table.ID)),
			zap.String("container_id", table.ContainerID),
			zap.String("table_name", table.TableName))
	}
	logger.Info("seed applied",
		zap.String("file", seedPath),
		zap.Int("rows", summary.Rows),
		zap.Int("entities", summary.Entities))
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

	db, source, err := openStorage(appConfig, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	sessionValidator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        appConfig.Issuer,
		CookieName:    appConfig.CookieName,
	})
	if err != nil {
		return err
	}

	dispatcher := realtime.NewDispatcher(appConfig.RealtimeBufferSize)
	tablesService, err := tables.NewService(tables.ServiceConfig{
		Source:          source,
		Metadata:        source.Metadata(),
		Store:           tablestore.New(tablestore.Config{Clock: time.Now, DefaultPageSize: appConfig.PageSize}),
		Users:           auxcache.New(auxcache.Config{Name: "users", Clock: time.Now}),
		Buckets:         auxcache.New(auxcache.Config{Name: "buckets", Clock: time.Now}),
		Publisher:       dispatcher,
		Clock:           time.Now,
		Logger:          logger,
		AuxiliaryTTL:    appConfig.AuxiliaryTTL,
		DefaultPageSize: appConfig.PageSize,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		SessionValidator: sessionValidator,
		Tables:           tablesService,
		Realtime:         dispatcher,
		Logger:           logger,
		RealtimeLimiter:  rate.NewLimiter(rate.Limit(appConfig.RealtimeRate), appConfig.RealtimeBurst),
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
