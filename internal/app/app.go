// Package app は設定から各コンポーネントを組み立てます。
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/yourusername/bundle-forge/internal/artifact"
	"github.com/yourusername/bundle-forge/internal/collection"
	"github.com/yourusername/bundle-forge/internal/config"
	"github.com/yourusername/bundle-forge/internal/jobs"
	"github.com/yourusername/bundle-forge/internal/pdf"
	"github.com/yourusername/bundle-forge/internal/storage"
)

// App は API サーバーと CLI で共有するコンポーネントです。
type App struct {
	Config  *config.Config
	Logger  *logrus.Logger
	DB      *sql.DB
	Store   *collection.Store
	Blobs   storage.Storage
	Redis   *redis.Client
	Jobs    *jobs.Manager
	Service *collection.Service
}

// New はデータベース、ストレージ、キューを初期化して App を返します。
func New(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (*App, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	a := &App{Config: cfg, Logger: logger}

	db, err := collection.OpenDB(ctx, cfg.DatabaseDriver, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	a.DB = db
	a.Store = collection.NewStore(db)
	if err := a.Store.Init(ctx); err != nil {
		a.Close(ctx)
		return nil, err
	}

	blobs, err := NewStorage(ctx, cfg)
	if err != nil {
		a.Close(ctx)
		return nil, err
	}
	a.Blobs = blobs

	redisOpt, err := redis.ParseURL(cfg.QueueRedisURL)
	if err != nil {
		a.Close(ctx)
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	a.Redis = redis.NewClient(redisOpt)

	manager, err := jobs.NewManager(cfg, jobs.NewStore(a.Redis, cfg.ProgressTTL()), logger.WithField("component", "jobs"))
	if err != nil {
		a.Close(ctx)
		return nil, err
	}
	a.Jobs = manager

	extractor := artifact.NewExtractor(artifact.NewTarGzRepository(), artifact.Options{
		MetadataFilename: cfg.MetadataFilename,
		IDColumn:         cfg.MetadataIDColumn,
	}, logger.WithField("component", "artifact"))
	engine := pdf.NewEngine(pdf.Options{
		DocumentExt:   cfg.MergeExtension,
		AttachmentDir: cfg.AttachmentFolder,
	})

	a.Service = collection.NewService(a.Store, manager, extractor, engine, blobs, collection.Options{
		WorkDir:     cfg.WorkDir,
		StartDelay:  cfg.StartDelay(),
		PollBackoff: cfg.PollBackoff(),
	}, logger.WithField("component", "collection"))
	return a, nil
}

// Close は開いている接続を閉じます。
func (a *App) Close(ctx context.Context) {
	if a.Jobs != nil {
		if err := a.Jobs.Shutdown(ctx); err != nil {
			a.Logger.WithError(err).Warn("failed to shut down jobs")
		}
	}
	if a.Redis != nil {
		_ = a.Redis.Close()
	}
	if a.DB != nil {
		_ = a.DB.Close()
	}
}

// NewStorage は STORAGE_BACKEND に応じたストレージを返します。
func NewStorage(ctx context.Context, cfg *config.Config) (storage.Storage, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.StorageBackend)) {
	case "", "local":
		local, err := storage.NewLocal(cfg.StorageDir)
		if err != nil {
			return nil, err
		}
		return local, nil
	case "s3":
		s3, err := storage.NewS3(ctx, storage.S3Options{
			Bucket:          cfg.S3Bucket,
			Region:          cfg.S3Region,
			Endpoint:        cfg.S3Endpoint,
			AccessKeyID:     cfg.S3AccessKeyID,
			SecretAccessKey: cfg.S3SecretAccessKey,
			UsePathStyle:    cfg.S3UsePathStyle,
		})
		if err != nil {
			return nil, err
		}
		return s3, nil
	default:
		return nil, fmt.Errorf("unsupported storage backend: %s", cfg.StorageBackend)
	}
}

// InitSentry は SENTRY_DSN が設定されていれば Sentry を初期化します。
// 戻り値の関数で送信待ちのイベントを flush します。
func InitSentry(cfg *config.Config) (func(), error) {
	if cfg.SentryDSN == "" {
		return func() {}, nil
	}
	if err := sentry.Init(sentry.ClientOptions{
		Dsn:         cfg.SentryDSN,
		Environment: cfg.GinMode,
	}); err != nil {
		return func() {}, fmt.Errorf("failed to initialize sentry: %w", err)
	}
	return func() { sentry.Flush(2 * time.Second) }, nil
}
