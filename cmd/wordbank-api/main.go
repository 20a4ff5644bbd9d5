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

	"github.com/MarcoPoloResearchLab/wordbank/internal/analysis"
	"github.com/MarcoPoloResearchLab/wordbank/internal/auth"
	"github.com/MarcoPoloResearchLab/wordbank/internal/config"
	"github.com/MarcoPoloResearchLab/wordbank/internal/database"
	"github.com/MarcoPoloResearchLab/wordbank/internal/entries"
	"github.com/MarcoPoloResearchLab/wordbank/internal/logging"
	"github.com/MarcoPoloResearchLab/wordbank/internal/server"
	"github.com/MarcoPoloResearchLab/wordbank/internal/similarity"
	"github.com/MarcoPoloResearchLab/wordbank/internal/users"
	"github.com/philippgille/chromem-go"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "wordbank-api",
		Short: "Wordbank entry store and sync service",
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
	cmd.PersistentFlags().String("signing-secret", "", "Bearer token signing secret (overrides env)")
	cmd.PersistentFlags().String("analysis-provider", defaults.GetString("analysis.provider"), "Content analysis provider (heuristic, openai, anthropic)")
	cmd.PersistentFlags().Int("similarity-limit", defaults.GetInt("similarity.limit"), "Default number of similar entries returned")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "analysis.provider", "analysis-provider")
	bindFlag(cmd, "similarity.limit", "similarity-limit")
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

	tokenManager, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        appConfig.TokenIssuer,
		Audience:      appConfig.TokenAudience,
		TokenTTL:      appConfig.TokenTTL,
	})
	if err != nil {
		return err
	}

	provider, err := newAnalysisProvider(appConfig)
	if err != nil {
		return err
	}
	analyzer, err := analysis.NewService(analysis.ServiceConfig{
		Provider:          provider,
		RequestsPerMinute: appConfig.AnalysisRequestsPerMinute,
		Logger:            logger,
	})
	if err != nil {
		return err
	}

	embed, err := newEmbeddingFunc(appConfig)
	if err != nil {
		return err
	}
	index, err := similarity.NewIndex(embed)
	if err != nil {
		return err
	}

	entryService, err := entries.NewService(entries.ServiceConfig{
		Database:        db,
		Clock:           time.Now,
		IDProvider:      entries.NewUUIDProvider(),
		Analyzer:        analyzer,
		Index:           index,
		SimilarityLimit: appConfig.SimilarityLimit,
		Logger:          logger,
	})
	if err != nil {
		return err
	}
	if err := entryService.RebuildIndex(ctx); err != nil {
		return err
	}
	logger.Info("similarity index loaded", zap.Int("documents", index.Count()))

	userService, err := users.NewService(users.ServiceConfig{Database: db})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Tokens:  tokenManager,
		Users:   userService,
		Entries: entryService,
		Logger:  logger,
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
		logger.Info("server starting",
			zap.String("address", appConfig.HTTPAddress),
			zap.String("analysis_provider", appConfig.AnalysisProvider),
			zap.String("similarity_embedding", appConfig.SimilarityEmbedding))
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

func newAnalysisProvider(appConfig config.AppConfig) (analysis.Provider, error) {
	switch appConfig.AnalysisProvider {
	case config.ProviderOpenAI:
		return analysis.NewOpenAIProvider(appConfig.AnalysisAPIKey, appConfig.AnalysisBaseURL, appConfig.AnalysisModel)
	case config.ProviderAnthropic:
		return analysis.NewAnthropicProvider(appConfig.AnalysisAPIKey, appConfig.AnalysisModel)
	case config.ProviderHeuristic:
		return nil, nil
	default:
		return nil, fmt.Errorf("unsupported analysis provider %q", appConfig.AnalysisProvider)
	}
}

func newEmbeddingFunc(appConfig config.AppConfig) (chromem.EmbeddingFunc, error) {
	if appConfig.SimilarityEmbedding == config.EmbeddingOpenAI {
		return similarity.NewOpenAIEmbedding(appConfig.SimilarityAPIKey, appConfig.SimilarityBaseURL, appConfig.SimilarityModel)
	}
	return similarity.HashEmbedding(), nil
}
