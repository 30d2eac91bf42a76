package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/littleblessing/backend/internal/blessings"
	"github.com/littleblessing/backend/internal/campaign"
	"github.com/littleblessing/backend/internal/config"
	"github.com/littleblessing/backend/internal/database"
	"github.com/littleblessing/backend/internal/docstore"
	"github.com/littleblessing/backend/internal/flavor"
	"github.com/littleblessing/backend/internal/logging"
	"github.com/littleblessing/backend/internal/metrics"
	"github.com/littleblessing/backend/internal/rowfile"
	"github.com/littleblessing/backend/internal/server"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "blessing-api",
		Short:        "Baby sponsorship guestbook service",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newWatchCommand(), newPostCommand(), newDeleteCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-format", defaults.GetString("log.format"), "Log format (json, console)")

	flags := cmd.Flags()
	flags.String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	flags.String("store-backend", defaults.GetString("store.backend"), "Store backend (rowfile, document)")
	flags.String("rowfile-path", defaults.GetString("rowfile.path"), "Workbook path for the row-file store")
	flags.Duration("rowfile-lock-timeout", defaults.GetDuration("rowfile.lock_timeout"), "Lock acquisition timeout for row-file mutations")
	flags.String("database-path", defaults.GetString("database.path"), "SQLite database path for the document store")
	flags.String("document-collection", defaults.GetString("document.collection"), "Document collection name")
	flags.Duration("document-poll-interval", defaults.GetDuration("document.poll_interval"), "Revision poll interval for live queries")
	flags.String("flavor-endpoint", defaults.GetString("flavor.endpoint"), "Text generation endpoint")
	flags.String("flavor-model", defaults.GetString("flavor.model"), "Text generation model")
	flags.Duration("flavor-timeout", defaults.GetDuration("flavor.timeout"), "Text generation timeout")
	flags.String("payment-base-url", defaults.GetString("payment.base_url"), "Subscribe link prefix")
	flags.Float64("ratelimit-rps", defaults.GetFloat64("ratelimit.rps"), "Mutating requests per second per client IP (0 disables)")
	flags.Int("ratelimit-burst", defaults.GetInt("ratelimit.burst"), "Rate limit burst size")

	bindFlag(cmd.PersistentFlags(), "log.level", "log-level")
	bindFlag(cmd.PersistentFlags(), "log.format", "log-format")
	bindFlag(flags, "http.address", "http-address")
	bindFlag(flags, "store.backend", "store-backend")
	bindFlag(flags, "rowfile.path", "rowfile-path")
	bindFlag(flags, "rowfile.lock_timeout", "rowfile-lock-timeout")
	bindFlag(flags, "database.path", "database-path")
	bindFlag(flags, "document.collection", "document-collection")
	bindFlag(flags, "document.poll_interval", "document-poll-interval")
	bindFlag(flags, "flavor.endpoint", "flavor-endpoint")
	bindFlag(flags, "flavor.model", "flavor-model")
	bindFlag(flags, "flavor.timeout", "flavor-timeout")
	bindFlag(flags, "payment.base_url", "payment-base-url")
	bindFlag(flags, "ratelimit.rps", "ratelimit-rps")
	bindFlag(flags, "ratelimit.burst", "ratelimit-burst")
}

func initConfig() error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &configNotFound) {
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

	collector := metrics.NewCollector()

	store, closeStore, err := openStore(appConfig, collector, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	service, err := blessings.NewService(blessings.ServiceConfig{
		Store:    store,
		Logger:   logger,
		Recorder: collector,
	})
	if err != nil {
		return err
	}

	generator := flavor.NewGenerator(flavor.Config{
		APIKey:      appConfig.FlavorAPIKey,
		Endpoint:    appConfig.FlavorEndpoint,
		Model:       appConfig.FlavorModel,
		Temperature: appConfig.FlavorTemperature,
		TopP:        appConfig.FlavorTopP,
		Timeout:     appConfig.FlavorTimeout,
		Fallback:    appConfig.FlavorFallback,
		Logger:      logger.Named("flavor"),
	})

	catalog := campaign.NewCatalog(campaign.Config{
		BaseURL: appConfig.PaymentBaseURL,
		Plans:   appConfig.PaymentPlans,
	})

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Service: service,
		Flavor:  generator,
		Catalog: catalog,
		Metrics: collector.Handler(),
		RateLimit: server.RateLimitConfig{
			RPS:   appConfig.RateLimitRPS,
			Burst: appConfig.RateLimitBurst,
		},
		Logger: logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.String("address", appConfig.HTTPAddress),
			zap.String("backend", appConfig.Backend))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// openStore builds the configured backend. The returned close function releases it.
func openStore(appConfig config.AppConfig, collector *metrics.Collector, logger *zap.Logger) (blessings.Store, func(), error) {
	switch appConfig.Backend {
	case config.BackendDocument:
		db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
		if err != nil {
			return nil, nil, err
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, nil, err
		}
		store, err := docstore.New(docstore.Config{
			Database:     db,
			Collection:   appConfig.DocumentCollection,
			PollInterval: appConfig.DocumentPollInterval,
			Dispatcher:   docstore.NewDispatcher(collector.SetLiveSubscribers),
			Logger:       logger.Named("docstore"),
		})
		if err != nil {
			_ = sqlDB.Close()
			return nil, nil, err
		}
		return store, func() { _ = sqlDB.Close() }, nil
	default:
		store, err := rowfile.New(rowfile.Config{
			Path:        appConfig.RowFilePath,
			LockTimeout: appConfig.RowFileLockTimeout,
			Logger:      logger.Named("rowfile"),
		})
		if err != nil {
			return nil, nil, err
		}
		return store, func() {}, nil
	}
}

func bindFlag(flagSet *pflag.FlagSet, key, name string) {
	if err := viper.BindPFlag(key, flagSet.Lookup(name)); err != nil {
		panic(err)
	}
}
