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

	"github.com/MarcoPoloResearchLab/carwatch/internal/auth"
	"github.com/MarcoPoloResearchLab/carwatch/internal/catalog"
	"github.com/MarcoPoloResearchLab/carwatch/internal/config"
	"github.com/MarcoPoloResearchLab/carwatch/internal/database"
	"github.com/MarcoPoloResearchLab/carwatch/internal/enrichment"
	"github.com/MarcoPoloResearchLab/carwatch/internal/filters"
	"github.com/MarcoPoloResearchLab/carwatch/internal/ingest"
	"github.com/MarcoPoloResearchLab/carwatch/internal/listings"
	"github.com/MarcoPoloResearchLab/carwatch/internal/logging"
	"github.com/MarcoPoloResearchLab/carwatch/internal/media"
	"github.com/MarcoPoloResearchLab/carwatch/internal/messaging"
	"github.com/MarcoPoloResearchLab/carwatch/internal/metrics"
	"github.com/MarcoPoloResearchLab/carwatch/internal/notify"
	"github.com/MarcoPoloResearchLab/carwatch/internal/searches"
	"github.com/MarcoPoloResearchLab/carwatch/internal/server"
	"github.com/MarcoPoloResearchLab/carwatch/internal/sources"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const shutdownTimeout = 30 * time.Second

var (
	cfgFile string
	envFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "carwatch",
		Short: "Car marketplace watcher: polls av.by and kufar.by and notifies subscribers",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runService(cmd.Context())
		},
		SilenceUsage: true,
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newIssueTokenCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Path to a dotenv file loaded before configuration")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-driver", defaults.GetString("database.driver"), "Database driver (sqlite, postgres)")
	cmd.PersistentFlags().String("database-dsn", defaults.GetString("database.dsn"), "Database file path or connection string")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-encoding", defaults.GetString("log.encoding"), "Log encoding (json, console)")
	cmd.PersistentFlags().Duration("scheduler-interval", defaults.GetDuration("scheduler.interval"), "Polling interval")
	cmd.PersistentFlags().String("signing-secret", "", "API token signing secret (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.driver", "database-driver")
	bindFlag(cmd, "database.dsn", "database-dsn")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.encoding", "log-encoding")
	bindFlag(cmd, "scheduler.interval", "scheduler-interval")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if err := config.LoadDotEnv(envFile); err != nil {
		return err
	}

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

func newIssueTokenCommand() *cobra.Command {
	var userID int64
	cmd := &cobra.Command{
		Use:   "issue-token",
		Short: "Print a signed API token for a messenger user",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			issuer, err := newTokenIssuer(appConfig)
			if err != nil {
				return err
			}
			token, expiresIn, err := issuer.IssueToken(cmd.Context(), userID)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\nexpires_in=%d\n", token, expiresIn)
			return nil
		},
	}
	cmd.Flags().Int64Var(&userID, "user-id", 0, "Messenger user id the token is issued for")
	if err := cmd.MarkFlagRequired("user-id"); err != nil {
		panic(err)
	}
	return cmd
}

func newTokenIssuer(appConfig config.AppConfig) (*auth.TokenIssuer, error) {
	return auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.AuthSigningSecret),
		Issuer:        auth.DefaultIssuer,
		Audience:      auth.DefaultAudience,
		TokenTTL:      appConfig.AuthTokenTTL,
	})
}

func runService(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}
	if err := appConfig.ValidateService(); err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogEncoding)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	processStart := time.Now().UTC()

	db, err := database.Open(appConfig.DatabaseDriver, appConfig.DatabaseDSN, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	recorder, err := metrics.NewRecorder()
	if err != nil {
		return err
	}
	defer func() {
		if err := recorder.Shutdown(context.Background()); err != nil {
			logger.Warn("metrics shutdown failed", zap.Error(err))
		}
	}()

	registry := filters.DefaultRegistry()
	httpClient := &http.Client{}
	avAdapter := sources.NewAvAdapter(sources.AvConfig{
		Request: sources.RequestConfig{
			HTTPClient:        httpClient,
			Timeout:           appConfig.HTTPClientTimeout,
			RequestsPerSecond: appConfig.AvRPS,
		},
		Registry: registry,
		Logger:   logger.Named("av"),
	})
	kufarAdapter := sources.NewKufarAdapter(sources.KufarConfig{
		BearerTokens: appConfig.KufarBearerTokens,
		Request: sources.RequestConfig{
			HTTPClient:        httpClient,
			Timeout:           appConfig.HTTPClientTimeout,
			RequestsPerSecond: appConfig.KufarRPS,
		},
		Registry: registry,
		Logger:   logger.Named("kufar"),
	})
	adapters := sources.NewRouter(avAdapter, kufarAdapter)
	catalogCache := catalog.NewCache(catalog.Config{
		Av:     avAdapter,
		Kufar:  kufarAdapter,
		TTL:    appConfig.CatalogTTL,
		Logger: logger.Named("catalog"),
	})

	searchService, err := searches.NewService(searches.ServiceConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: searches.NewUUIDProvider(),
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	listingStore, err := listings.NewStore(listings.StoreConfig{
		Database: db,
		Clock:    time.Now,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	photos := media.NewFetcher(media.FetcherConfig{
		HTTPClient: httpClient,
		Timeout:    appConfig.HTTPClientTimeout,
		Logger:     logger.Named("media"),
	})
	channel, err := messaging.NewTelegramChannel(messaging.TelegramConfig{
		Token:       appConfig.TelegramToken,
		APIEndpoint: appConfig.TelegramAPIEndpoint,
		HTTPClient:  &http.Client{Timeout: appConfig.HTTPClientTimeout},
		Timeout:     appConfig.HTTPClientTimeout,
		Logger:      logger.Named("telegram"),
	})
	if err != nil {
		return err
	}

	var analyzer enrichment.Analyzer
	if appConfig.EnrichmentEnabled() {
		gemini, err := enrichment.NewGeminiAnalyzer(ctx, enrichment.GeminiConfig{
			APIKey:  appConfig.GeminiAPIKey,
			Model:   appConfig.GeminiModel,
			Timeout: appConfig.GeminiTimeout,
			Images:  photos,
			Logger:  logger.Named("gemini"),
		})
		if err != nil {
			return err
		}
		analyzer = gemini
	} else {
		logger.Info("gemini api key not set, listing analysis disabled")
	}

	location, err := time.LoadLocation(appConfig.Timezone)
	if err != nil {
		logger.Warn("unknown timezone, using UTC", zap.String("timezone", appConfig.Timezone), zap.Error(err))
		location = time.UTC
	}

	dispatcher, err := notify.NewDispatcher(notify.Config{
		Subscribers:  searchService,
		Ledger:       listingStore,
		Channel:      channel,
		Images:       photos,
		Analyzer:     analyzer,
		Details:      adapters,
		Metrics:      recorder,
		MessagePause: appConfig.MessagePause,
		Location:     location,
		Logger:       logger.Named("notify"),
	})
	if err != nil {
		return err
	}

	scheduler, err := ingest.NewScheduler(ingest.Config{
		Searches:     searchService,
		Listings:     listingStore,
		Adapters:     adapters,
		Dispatcher:   dispatcher,
		Interval:     appConfig.SchedulerInterval,
		ProcessStart: processStart,
		Metrics:      recorder,
		Logger:       logger.Named("ingest"),
	})
	if err != nil {
		return err
	}

	tokenIssuer, err := newTokenIssuer(appConfig)
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Tokens:        tokenIssuer,
		Subscriptions: searchService,
		Filters:       registry,
		Catalog:       catalogCache,
		Details:       adapters,
		Analyzer:      analyzer,
		Metrics:       recorder.Handler(),
		Logger:        logger.Named("http"),
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

	if err := scheduler.Start(signalCtx); err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-signalCtx.Done():
		logger.Info("shutdown requested")
	case serveErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown failed", zap.Error(err))
	}
	if err := scheduler.Stop(shutdownCtx); err != nil {
		logger.Warn("scheduler did not stop in time", zap.Error(err))
	}
	return serveErr
}
