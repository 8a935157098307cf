// Package config は環境変数から設定を読み込み、アプリケーション全体で使用する設定を提供します。
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config はアプリケーションの設定を保持する構造体です。
type Config struct {
	// 認証設定
	AppUsers        string // "user:bcryptHash,user2:bcryptHash" 形式のユーザー一覧
	AppUsername     string // 単一ユーザー運用時のユーザー名
	AppPasswordHash string // 単一ユーザー運用時の bcrypt ハッシュ
	SessionSecret   string // セッション署名用の秘密鍵

	// サーバー設定
	Port    string // APIサーバーのポート番号
	GinMode string // Ginの実行モード (debug, release, test)

	// CORS設定
	CORSAllowedOrigins string // CORS許可オリジン（カンマ区切り）

	// データベース設定
	DatabaseDriver string // sqlite3 または postgres
	DatabaseURL    string // DSN

	// ジョブ/キュー設定
	QueueRedisURL         string // Asynq用Redis接続URL
	QueueName             string // ポーリングタスクを流すキュー名
	WorkerConcurrency     int    // ワーカーの同時実行数
	StartDelaySeconds     int    // 最初のポーリングまでの待ち時間（秒）
	PollBackoffSeconds    int    // 未完了時の再ポーリング間隔（秒）
	MaxPollRetries        int    // 再ポーリングの上限回数
	ProgressExpireMinutes int    // 進捗レコードの有効期限（分）

	// 作業ディレクトリ
	WorkDir string // 抽出・結合用の一時ディレクトリ

	// ストレージ設定
	StorageBackend    string // local または s3
	StorageDir        string // local 用の保存先
	S3Bucket          string
	S3Region          string
	S3Endpoint        string // R2 / MinIO など互換エンドポイント
	S3AccessKeyID     string
	S3SecretAccessKey string
	S3UsePathStyle    bool

	// アーティファクト規約
	MetadataFilename string // アーティファクト内のメタデータCSV名
	MetadataIDColumn string // メタデータCSVの先頭列名
	MergeExtension   string // 結合対象の拡張子
	AttachmentFolder string // 結合対象外とする添付フォルダ名

	// ジョブ実行サービスからの状態通知
	JobReportToken string

	// 監視・ログ
	SentryDSN string
	LogLevel  string
	LogFormat string
}

// Load は環境変数から設定を読み込みます。
// .env.local ファイルが存在する場合はそこから読み込みます。
func Load() (*Config, error) {
	loadEnvFile()

	config := &Config{
		AppUsers:        getEnv("APP_USERS", ""),
		AppUsername:     getEnv("APP_USERNAME", ""),
		AppPasswordHash: getEnv("APP_PASSWORD_HASH", ""),
		SessionSecret:   getEnv("SESSION_SECRET", ""),

		Port:    getEnv("PORT", "8080"),
		GinMode: getEnv("GIN_MODE", "debug"),

		CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:5173"),

		DatabaseDriver: getEnv("DATABASE_DRIVER", "sqlite3"),
		DatabaseURL:    getEnv("DATABASE_URL", "bundle-forge.db"),

		QueueRedisURL:         getEnv("QUEUE_REDIS_URL", "redis://127.0.0.1:6379/0"),
		QueueName:             getEnv("QUEUE_NAME", "collections"),
		WorkerConcurrency:     getEnvAsInt("WORKER_CONCURRENCY", 4),
		StartDelaySeconds:     getEnvAsInt("START_DELAY_SECONDS", 100),
		PollBackoffSeconds:    getEnvAsInt("POLL_BACKOFF_SECONDS", 60),
		MaxPollRetries:        getEnvAsInt("MAX_POLL_RETRIES", 10000),
		ProgressExpireMinutes: getEnvAsInt("PROGRESS_EXPIRE_MINUTES", 60*24),

		WorkDir: getEnv("WORK_DIR", filepath.Join(os.TempDir(), "bundle-forge")),

		StorageBackend:    getEnv("STORAGE_BACKEND", "local"),
		StorageDir:        getEnv("STORAGE_DIR", "./data/blobs"),
		S3Bucket:          getEnv("S3_BUCKET", ""),
		S3Region:          getEnv("S3_REGION", "auto"),
		S3Endpoint:        getEnv("S3_ENDPOINT", ""),
		S3AccessKeyID:     getEnv("S3_ACCESS_KEY_ID", ""),
		S3SecretAccessKey: getEnv("S3_SECRET_ACCESS_KEY", ""),
		S3UsePathStyle:    getEnvAsBool("S3_USE_PATH_STYLE", false),

		MetadataFilename: getEnv("METADATA_FILENAME", "attempts_metadata.csv"),
		MetadataIDColumn: getEnv("METADATA_ID_COLUMN", "attemptid"),
		MergeExtension:   getEnv("MERGE_EXTENSION", "pdf"),
		AttachmentFolder: getEnv("ATTACHMENT_FOLDER", "attachments"),

		JobReportToken: getEnv("JOB_REPORT_TOKEN", ""),

		SentryDSN: getEnv("SENTRY_DSN", ""),
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "text"),
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func loadEnvFile() {
	if err := godotenv.Load(".env.local"); err == nil {
		return
	}

	cwd, err := os.Getwd()
	if err != nil {
		return
	}

	parent := filepath.Dir(cwd)
	if parent == "" || parent == cwd {
		return
	}

	_ = godotenv.Load(filepath.Join(parent, ".env.local"))
}

// Validate は設定の妥当性を検証します。
func (c *Config) Validate() error {
	switch c.DatabaseDriver {
	case "sqlite3", "postgres":
	default:
		return fmt.Errorf("unsupported DATABASE_DRIVER: %s", c.DatabaseDriver)
	}
	switch c.StorageBackend {
	case "local":
		if c.StorageDir == "" {
			return fmt.Errorf("STORAGE_DIR is required for local storage")
		}
	case "s3":
		if c.S3Bucket == "" {
			return fmt.Errorf("S3_BUCKET is required for s3 storage")
		}
	default:
		return fmt.Errorf("unsupported STORAGE_BACKEND: %s", c.StorageBackend)
	}
	if c.StartDelaySeconds < 0 || c.PollBackoffSeconds <= 0 {
		return fmt.Errorf("START_DELAY_SECONDS must be >= 0 and POLL_BACKOFF_SECONDS must be > 0")
	}

	// 本番環境では認証まわりを厳格にチェックする
	if c.GinMode == "release" {
		if len(c.Users()) == 0 {
			return fmt.Errorf("APP_USERS or APP_USERNAME/APP_PASSWORD_HASH is required in release mode")
		}
		if c.SessionSecret == "" {
			return fmt.Errorf("SESSION_SECRET is required in release mode")
		}
		if c.QueueRedisURL == "" {
			return fmt.Errorf("QUEUE_REDIS_URL is required in release mode")
		}
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required in release mode")
		}
	}

	return nil
}

// Users はログイン可能なユーザー名と bcrypt ハッシュの対応を返します。
// APP_USERS の指定が優先され、APP_USERNAME/APP_PASSWORD_HASH は追加の1ユーザーとして扱います。
func (c *Config) Users() map[string]string {
	users := make(map[string]string)
	for _, entry := range strings.Split(c.AppUsers, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		name, hash, ok := strings.Cut(entry, ":")
		name = strings.TrimSpace(name)
		hash = strings.TrimSpace(hash)
		if !ok || name == "" || hash == "" {
			continue
		}
		users[name] = hash
	}
	if c.AppUsername != "" && c.AppPasswordHash != "" {
		if _, exists := users[c.AppUsername]; !exists {
			users[c.AppUsername] = c.AppPasswordHash
		}
	}
	return users
}

// StartDelay は最初のポーリングまでの待ち時間です。
func (c *Config) StartDelay() time.Duration {
	return time.Duration(c.StartDelaySeconds) * time.Second
}

// PollBackoff は再ポーリングまでの待ち時間です。
func (c *Config) PollBackoff() time.Duration {
	return time.Duration(c.PollBackoffSeconds) * time.Second
}

// ProgressTTL は進捗レコードの保持期間です。
func (c *Config) ProgressTTL() time.Duration {
	minutes := c.ProgressExpireMinutes
	if minutes <= 0 {
		minutes = 60
	}
	return time.Duration(minutes) * time.Minute
}

// getEnv は環境変数を取得し、存在しない場合はデフォルト値を返します。
func getEnv(key string, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvAsInt は環境変数を整数として取得します。
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
