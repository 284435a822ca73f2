package main

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/hannes/policylens/analysis"
	"github.com/hannes/policylens/config"
	"github.com/hannes/policylens/hub"
	"github.com/hannes/policylens/logging"
	"github.com/hannes/policylens/models"
	"github.com/hannes/policylens/pipeline"
	"github.com/hannes/policylens/scraper"
	"github.com/hannes/policylens/segment"
	"github.com/hannes/policylens/store"
)

var (
	configPath string
	logLevel   string
	jsonOutput bool

	cfg    *config.Config
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "policylens",
	Short: "Privacy policy analysis service",
	Long: `policylens reads privacy policies, classifies their paragraphs into
disclosure categories and extracts what personal information is collected
and what is shared with third parties.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Load .env file if it exists
		if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to load .env file: %w", err)
		}

		cfg = config.DefaultConfig()
		if configPath != "" {
			if err := config.LoadFile(configPath, cfg); err != nil {
				return err
			}
		}
		if err := config.LoadEnv(cfg); err != nil {
			return err
		}
		if logLevel != "" {
			cfg.Logging.Level = logLevel
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}

		var err error
		logger, err = logging.New(cfg.Logging)
		if err != nil {
			return err
		}

		if cfg.Sentry.DSN != "" {
			err := sentry.Init(sentry.ClientOptions{
				Dsn:              cfg.Sentry.DSN,
				Environment:      cfg.Sentry.Environment,
				SampleRate:       cfg.Sentry.SampleRate,
				AttachStacktrace: true,
			})
			if err != nil {
				logger.Warn("failed to initialise sentry", zap.Error(err))
				cfg.Sentry.DSN = ""
			}
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if cfg != nil && cfg.Sentry.DSN != "" {
			sentry.Flush(2 * time.Second)
		}
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to a JSON, YAML or TOML config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "print results as JSON instead of tables")

	rootCmd.AddCommand(serveCmd, analyzeCmd, classifyCmd, questionCmd, modelsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// app holds the components shared by the commands.
type app struct {
	store    store.Store
	models   *models.Manager
	fetcher  *scraper.Fetcher
	pipeline *pipeline.Pipeline
	analysis *analysis.Manager
}

func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*app, error) {
	if err := prepareModels(ctx, cfg, logger); err != nil {
		return nil, err
	}

	st, err := store.Open(ctx, store.Config{
		Driver:       cfg.Database.Driver,
		Path:         cfg.Database.Path,
		Host:         cfg.Database.Host,
		Port:         cfg.Database.Port,
		Database:     cfg.Database.Database,
		Username:     cfg.Database.Username,
		Password:     cfg.Database.Password,
		SSLMode:      cfg.Database.SSLMode,
		MaxOpenConns: cfg.Database.MaxOpenConns,
		MaxIdleConns: cfg.Database.MaxIdleConns,
		MaxLifetime:  time.Duration(cfg.Database.MaxLifetime) * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	if cfg.Database.UseCache {
		st = store.NewCachedStore(st, cfg.Database.CacheSize, cfg.Cache.MaxAge.Std())
	}
	logger.Info("policy store ready",
		zap.String("driver", cfg.Database.Driver),
		zap.String("location", cfg.Database.StoreDSN()),
		zap.Bool("cache", cfg.Database.UseCache))

	manager := models.NewManager(models.ManagerConfig{
		Backend:   cfg.Models.Backend,
		Directory: cfg.Models.Directory,
		Threshold: cfg.Models.Threshold,
		Options: models.BackendConfig{
			LibraryPath:  cfg.Models.LibraryPath,
			TokenTypeIDs: cfg.Models.TokenTypeIDs,
			BaseURL:      cfg.Models.BaseURL,
			Timeout:      cfg.Models.Timeout.Std(),
		},
	}, logger)

	fetcher := scraper.NewFetcher(scraper.Config{
		UserAgent:          cfg.Scraper.UserAgent,
		Timeout:            cfg.Scraper.Timeout.Std(),
		MaxBodyBytes:       cfg.Scraper.MaxBodyBytes,
		MinParagraphLength: cfg.Scraper.MinParagraphLength,
		RequestsPerSecond:  cfg.Scraper.RequestsPerSecond,
		Burst:              cfg.Scraper.Burst,
	}, logger)

	pipe := pipeline.New(manager, segment.New(), pipeline.Options{Workers: cfg.Models.Workers}, logger)

	return &app{
		store:    st,
		models:   manager,
		fetcher:  fetcher,
		pipeline: pipe,
		analysis: analysis.NewManager(fetcher, pipe, st, analysis.Options{
			MaxAge:  cfg.Cache.MaxAge.Std(),
			Timeout: cfg.Cache.AnalysisTimeout.Std(),
		}, logger),
	}, nil
}

func (a *app) Close() {
	if err := a.models.Close(); err != nil {
		logger.Warn("failed to close models", zap.Error(err))
	}
	if err := a.store.Close(); err != nil {
		logger.Warn("failed to close store", zap.Error(err))
	}
}

// bundleRoot holds the model subfolders in embedded builds.
const bundleRoot = "model_bundle"

// prepareModels fills the model directory from the bundled models and,
// when enabled, from the hub.
func prepareModels(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	if cfg.Models.Backend != models.BackendONNX {
		return nil
	}
	if err := extractBundled(modelFiles, cfg.Models.Directory, logger); err != nil {
		return err
	}

	missing := hub.Missing(cfg.Models.Directory, models.DefaultSpecs)
	if len(missing) == 0 {
		return nil
	}
	if !cfg.Models.AutoDownload {
		logger.Warn("model files missing, run `policylens models pull` or set MODEL_AUTO_DOWNLOAD=true",
			zap.Strings("missing", missing))
		return nil
	}
	return newHubClient(cfg, logger).Pull(ctx, models.DefaultSpecs)
}

// extractBundled copies the model subfolders under bundleRoot, if the
// bundle has any, into directory.
func extractBundled(bundle fs.FS, directory string, logger *zap.Logger) error {
	if _, err := fs.Stat(bundle, bundleRoot); err != nil {
		return nil
	}
	_, err := hub.ExtractBundle(bundle, bundleRoot, directory, logger)
	return err
}

func newHubClient(cfg *config.Config, logger *zap.Logger) *hub.Client {
	return hub.New(hub.Options{
		Repo:      cfg.Models.HFRepo,
		Revision:  cfg.Models.HFRevision,
		Token:     cfg.Models.HFToken,
		ONNXFile:  cfg.Models.ONNXFile,
		Directory: cfg.Models.Directory,
	}, logger)
}
