package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/go-redis/redis/v8"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/mindcare/mindcare/internal/config"
	"github.com/mindcare/mindcare/internal/domain/crisis"
	"github.com/mindcare/mindcare/internal/domain/history"
	"github.com/mindcare/mindcare/internal/domain/phq9"
	"github.com/mindcare/mindcare/internal/domain/riskscore"
	"github.com/mindcare/mindcare/internal/platform/auth"
	"github.com/mindcare/mindcare/internal/platform/blobstore"
	"github.com/mindcare/mindcare/internal/platform/db"
	"github.com/mindcare/mindcare/internal/platform/middleware"
	"github.com/mindcare/mindcare/internal/platform/notification"
	"github.com/mindcare/mindcare/internal/platform/telemetry"
	"github.com/mindcare/mindcare/internal/risk"
	"github.com/mindcare/mindcare/internal/risk/gbt"
)

const version = "0.1.0"

// dedupTTL bounds how long the Redis guard remembers an alert key. The
// database constraint covers anything older.
const dedupTTL = 7 * 24 * time.Hour

func main() {
	rootCmd := &cobra.Command{
		Use:   "mindcare-server",
		Short: "MindCare crisis risk scoring API server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(trainCmd())
	rootCmd.AddCommand(modelCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger(env string) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	// migrate up
	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			count, err := db.NewMigrator(pool, dir).Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(upCmd)

	// migrate status
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			statuses, err := db.NewMigrator(pool, dir).Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			fmt.Println("---------- ---------------------------------------- ---------- --------------------")
			for _, s := range statuses {
				status := "pending"
				appliedAt := ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	}
	statusCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(statusCmd)

	return cmd
}

func trainCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "train",
		Short: "Build a training set from stored history and fit a new crisis model",
		RunE: func(cmd *cobra.Command, args []string) error {
			paramsPath, _ := cmd.Flags().GetString("config")
			out, _ := cmd.Flags().GetString("out")
			workers, _ := cmd.Flags().GetInt("workers")
			publish, _ := cmd.Flags().GetBool("publish")

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			logger := newLogger(cfg.Env)

			params, err := loadTrainParams(paramsPath)
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			alerts := crisis.NewAlertRepoPG(pool)
			builder := riskscore.NewDatasetBuilder(
				history.NewProfileRepoPG(pool),
				phq9.NewRepoPG(pool),
				history.NewReaderPG(pool, alerts),
				alerts,
				time.Duration(cfg.LookaheadDays)*24*time.Hour,
				logger,
			).WithWorkers(workers)

			ds, err := builder.Build(ctx, params.MinExamples)
			if err != nil {
				return fmt.Errorf("build training set: %w", err)
			}

			scorer := risk.NewScorer(nil, nil, logger)
			m, metrics, err := scorer.Retrain(ds, params)
			if err != nil {
				return err
			}

			if out != "" {
				if err := writeModelFile(out, m); err != nil {
					return err
				}
				logger.Info().Str("path", out).Msg("model artifact written")
			}
			if publish {
				store, err := openModelStore(ctx, cfg)
				if err != nil {
					return err
				}
				meta, err := store.Save(ctx, m)
				if err != nil {
					return err
				}
				logger.Info().Str("key", meta.Key).Str("sha256", meta.Hash).Msg("model artifact published")
			}

			return printJSON(map[string]interface{}{
				"version": m.Version,
				"metrics": metrics,
				"top":     m.TopImportances(5),
			})
		},
	}
	cmd.Flags().String("config", "", "YAML file with training hyperparameters")
	cmd.Flags().String("out", "", "Write the model artifact to this local path")
	cmd.Flags().Int("workers", 4, "Patients processed concurrently while building the training set")
	cmd.Flags().Bool("publish", false, "Store the model in the configured model store")
	return cmd
}

func modelCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "model",
		Short: "Inspect the stored crisis model",
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show the stored model version, features and metrics",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("file")
			ctx := context.Background()

			var (
				m   *gbt.Model
				err error
			)
			if path != "" {
				m, err = readModelFile(path)
			} else {
				cfg, cerr := config.Load()
				if cerr != nil {
					return cerr
				}
				store, serr := openModelStore(ctx, cfg)
				if serr != nil {
					return serr
				}
				m, err = store.Load(ctx)
			}
			if errors.Is(err, blobstore.ErrBlobNotFound) {
				return printJSON(riskscore.StatusOf(nil))
			}
			if err != nil {
				return err
			}
			return printJSON(riskscore.StatusOf(m))
		},
	}
	statusCmd.Flags().String("file", "", "Inspect a local artifact instead of the model store")
	cmd.AddCommand(statusCmd)
	return cmd
}

func runServer() error {
	// Config
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Env)
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	// Database
	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	var checks []db.Check

	// Alert fan-out
	pub, err := newPublisher(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to set up alert publisher")
	}
	dispatcher := notification.NewDispatcher(pub, notification.NewTemplateEngine())
	defer dispatcher.Close()

	alertRepo := crisis.NewAlertRepoPG(pool)
	sink := crisis.NewSink(alertRepo, logger).WithNotifier(dispatcher)
	var rdb *redis.Client
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("invalid REDIS_URL")
		}
		rdb = redis.NewClient(opts)
		defer rdb.Close()
		sink.WithGuard(crisis.NewRedisDedupGuard(rdb, dedupTTL))
		checks = append(checks, db.Check{Name: "redis", Ping: func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		}})
	}

	// Scoring
	scorer := risk.NewScorer(risk.NewModelHandle(nil), sink, logger)
	modelStore, err := openModelStore(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open model store")
	}
	loadInitialModel(ctx, modelStore, scorer, logger)

	phq9Repo := phq9.NewRepoPG(pool)
	phq9Svc := phq9.NewService(phq9Repo)
	historySvc := history.NewService(history.NewMoodRepoPG(pool), history.NewExerciseRepoPG(pool), history.NewProfileRepoPG(pool))
	metrics := telemetry.NewMetrics()
	riskSvc := riskscore.NewService(history.NewReaderPG(pool, alertRepo), phq9Svc, scorer,
		riskscore.NewAuditRepoPG(pool), logger).WithModelStore(modelStore).WithMetrics(metrics)

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.RequestTimeout(30 * time.Second))
	e.Use(metrics.Middleware())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
	}))

	// Health checks are registered before auth so probes need no token.
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	e.GET("/health/db", db.HealthHandler(pool, checks...))
	e.GET("/metrics", metrics.Handler())

	// API
	apiV1 := e.Group("/api/v1")
	if cfg.IsDev() {
		apiV1.Use(auth.DevAuthMiddleware())
	} else {
		apiV1.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:   cfg.AuthIssuer,
			Audience: cfg.AuthAudience,
			JWKSURL:  cfg.AuthJWKSURL,
		}))
	}
	// After auth so callers are limited per user rather than per proxy IP.
	apiV1.Use(middleware.RateLimit(middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
		Redis:             rdb,
		Logger:            logger,
	}))

	phq9.NewHandler(phq9Svc).RegisterRoutes(apiV1)
	history.NewHandler(historySvc).RegisterRoutes(apiV1)
	riskscore.NewHandler(riskSvc).RegisterRoutes(apiV1)
	crisis.NewHandler(crisis.NewService(alertRepo)).RegisterRoutes(apiV1)

	adminGroup := apiV1.Group("/admin", auth.RequireRole(auth.RoleAdmin))
	notification.NewHandler(dispatcher).RegisterRoutes(adminGroup)
	blobstore.NewBlobHandler(modelStore.Blobs(), modelStore.Key()).RegisterRoutes(adminGroup.Group("/risk-model"))

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Fatal().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}

// loadInitialModel installs the stored model if there is one. Without it the
// server scores rule-only.
func loadInitialModel(ctx context.Context, store *riskscore.ModelStore, scorer *risk.Scorer, logger zerolog.Logger) {
	m, err := store.Load(ctx)
	switch {
	case errors.Is(err, blobstore.ErrBlobNotFound):
		logger.Warn().Str("key", store.Key()).Msg("no crisis model stored, scoring rule-only")
		return
	case err != nil:
		logger.Error().Err(err).Str("key", store.Key()).Msg("failed to read crisis model, scoring rule-only")
		return
	}
	if _, err := scorer.Load(m); err != nil {
		logger.Error().Err(err).Msg("stored crisis model rejected, scoring rule-only")
	}
}

func openModelStore(ctx context.Context, cfg *config.Config) (*riskscore.ModelStore, error) {
	blobs, key, err := openBlobStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return riskscore.NewModelStore(blobs, key), nil
}

func openBlobStore(ctx context.Context, cfg *config.Config) (blobstore.BlobStore, string, error) {
	switch cfg.ModelStore {
	case "memory":
		return blobstore.NewInMemoryBlobStore(), filepath.Base(cfg.ModelPath), nil
	case "s3":
		client, err := blobstore.NewS3Client(ctx)
		if err != nil {
			return nil, "", err
		}
		return blobstore.NewS3BlobStore(client, cfg.ModelS3Bucket), cfg.ModelS3Key, nil
	default:
		store, err := blobstore.NewFileBlobStore(filepath.Dir(cfg.ModelPath))
		if err != nil {
			return nil, "", err
		}
		return store, filepath.Base(cfg.ModelPath), nil
	}
}

func newPublisher(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (notification.Publisher, error) {
	switch cfg.NotifyTransport {
	case "kafka":
		return notification.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaAlertTopic), nil
	case "sqs":
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("load AWS config: %w", err)
		}
		client := sqs.New(sqs.Options{
			Region:       awsCfg.Region,
			Credentials:  awsCfg.Credentials,
			HTTPClient:   awsCfg.HTTPClient,
			BaseEndpoint: awsCfg.BaseEndpoint,
		})
		return notification.NewSQSPublisher(ctx, client, cfg.SQSAlertQueue)
	default:
		return notification.NewLogPublisher(logger), nil
	}
}

func loadTrainParams(path string) (gbt.Params, error) {
	if path == "" {
		return gbt.DefaultParams(), nil
	}
	return gbt.LoadParamsFile(path)
}

func writeModelFile(path string, m *gbt.Model) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := gbt.Save(f, m); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func readModelFile(path string) (*gbt.Model, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return gbt.Load(f)
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
