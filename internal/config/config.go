// Package config は環境変数から設定を読み込み、アプリケーション全体で使用する設定を提供します。
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// キャッシュのバックエンド種別です。
const (
	CacheBackendRedis  = "redis"
	CacheBackendBadger = "badger"
)

// Config はアプリケーションの設定を保持する構造体です。
type Config struct {
	// サーバー設定
	Port    string // APIサーバーのポート番号
	GinMode string // Ginの実行モード (debug, release, test)

	// CORS設定
	CORSAllowedOrigins string // CORS許可オリジン（カンマ区切り）

	// 運用エンドポイント
	AdminTokenHash string // /api/admin/* 用トークンの bcrypt ハッシュ

	// ログ設定
	LogLevel  slog.Level
	LogFormat string // json / text

	// ジョブ/キュー設定
	QueueRedisURL      string        // Asynq用Redis接続URL
	WorkerConcurrency  int           // ワーカーの同時実行数
	RunWorkers         bool          // APIプロセス内でワーカーを起動するか
	TaskMaxRetry       int           // 変換タスクの最大リトライ回数
	TaskRetention      time.Duration // 完了タスクを Asynq 上に残す期間
	QueueLookupTimeout time.Duration // 状態照会時のキュー問い合わせタイムアウト
	EventStreamMaxLen  int64         // ライフサイクルイベントストリームの最大長

	// 永続ストア設定
	DatabaseURL string // postgres://... または sqlite ファイルパス

	// ステータスキャッシュ設定
	CacheBackend     string // redis / badger
	CacheRedisURL    string
	BadgerPath       string
	CacheTTLActive   time.Duration // queued / processing
	CacheTTLComplete time.Duration
	CacheTTLFailed   time.Duration

	// 整合性スイープ設定
	RunScheduler    bool
	SweepInterval   time.Duration
	SweepLockTTL    time.Duration
	AuditWindow     time.Duration
	AuditBatchSize  int
	GCAfter         time.Duration
	OrphanScanLimit int

	// 成果物ストレージ（MinIO / S3 互換）
	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioUseSSL    bool
	MinioBucket    string
	ArtifactURLTTL time.Duration // 署名付きURLの有効期限
	SourceBaseURL  string        // 変換元文書の取得先
	SourceTimeout  time.Duration
}

// Load は環境変数から設定を読み込みます。
// .env.local ファイルが存在する場合はそこから読み込みます。
func Load() (*Config, error) {
	// .env.local ファイルを読み込む（存在しない場合はスキップ）
	loadEnvFile()

	queueRedisURL := getEnv("QUEUE_REDIS_URL", "redis://127.0.0.1:6379/0")
	config := &Config{
		// サーバー設定
		Port:    getEnv("PORT", "8080"),
		GinMode: getEnv("GIN_MODE", "debug"),

		// CORS設定
		CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:5173"),

		AdminTokenHash: getEnv("ADMIN_TOKEN_HASH", ""),

		// ログ設定
		LogLevel:  parseLogLevel(getEnv("LOG_LEVEL", "info")),
		LogFormat: getEnv("LOG_FORMAT", "json"),

		// ジョブ/キュー設定
		QueueRedisURL:      queueRedisURL,
		WorkerConcurrency:  getEnvAsInt("WORKER_CONCURRENCY", 4),
		RunWorkers:         getEnvAsBool("RUN_WORKERS", true),
		TaskMaxRetry:       getEnvAsInt("TASK_MAX_RETRY", 3),
		TaskRetention:      getEnvAsDuration("TASK_RETENTION", 24*time.Hour),
		QueueLookupTimeout: getEnvAsDuration("QUEUE_LOOKUP_TIMEOUT", 500*time.Millisecond),
		EventStreamMaxLen:  getEnvAsInt64("EVENT_STREAM_MAX_LEN", 10000),

		// 永続ストア設定
		DatabaseURL: getEnv("DATABASE_URL", "epub-forge.db"),

		// ステータスキャッシュ設定
		CacheBackend:     getEnv("CACHE_BACKEND", CacheBackendRedis),
		CacheRedisURL:    getEnv("CACHE_REDIS_URL", queueRedisURL),
		BadgerPath:       getEnv("BADGER_PATH", "./data/status-cache"),
		CacheTTLActive:   getEnvAsDuration("CACHE_TTL_ACTIVE", time.Hour),
		CacheTTLComplete: getEnvAsDuration("CACHE_TTL_COMPLETED", 24*time.Hour),
		CacheTTLFailed:   getEnvAsDuration("CACHE_TTL_FAILED", 7*24*time.Hour),

		// 整合性スイープ設定
		RunScheduler:    getEnvAsBool("RUN_SCHEDULER", true),
		SweepInterval:   getEnvAsDuration("SWEEP_INTERVAL", 5*time.Minute),
		SweepLockTTL:    getEnvAsDuration("SWEEP_LOCK_TTL", 10*time.Minute),
		AuditWindow:     getEnvAsDuration("AUDIT_WINDOW", 7*24*time.Hour),
		AuditBatchSize:  getEnvAsInt("AUDIT_BATCH_SIZE", 500),
		GCAfter:         getEnvAsDuration("CACHE_GC_AFTER", 7*24*time.Hour),
		OrphanScanLimit: getEnvAsInt("ORPHAN_SCAN_LIMIT", 200),

		// 成果物ストレージ
		MinioEndpoint:  getEnv("MINIO_ENDPOINT", "localhost:9000"),
		MinioAccessKey: getEnv("MINIO_ACCESS_KEY", ""),
		MinioSecretKey: getEnv("MINIO_SECRET_KEY", ""),
		MinioUseSSL:    getEnvAsBool("MINIO_USE_SSL", false),
		MinioBucket:    getEnv("MINIO_BUCKET", "artifacts"),
		ArtifactURLTTL: getEnvAsDuration("ARTIFACT_URL_TTL", 7*24*time.Hour),
		SourceBaseURL:  getEnv("SOURCE_BASE_URL", ""),
		SourceTimeout:  getEnvAsDuration("SOURCE_TIMEOUT", 30*time.Second),
	}

	// 必須設定のバリデーション
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
	switch c.CacheBackend {
	case CacheBackendRedis, CacheBackendBadger:
	default:
		return fmt.Errorf("CACHE_BACKEND must be %q or %q (got %q)", CacheBackendRedis, CacheBackendBadger, c.CacheBackend)
	}
	if c.QueueRedisURL == "" {
		return fmt.Errorf("QUEUE_REDIS_URL is required")
	}
	if c.SweepLockTTL <= 0 {
		return fmt.Errorf("SWEEP_LOCK_TTL must be positive")
	}
	if c.AuditBatchSize <= 0 {
		return fmt.Errorf("AUDIT_BATCH_SIZE must be positive")
	}

	// 本番環境では厳格にチェックする想定
	if c.GinMode == "release" {
		if c.AdminTokenHash == "" {
			return fmt.Errorf("ADMIN_TOKEN_HASH is required in release mode")
		}
		if strings.HasSuffix(c.DatabaseURL, ".db") {
			return fmt.Errorf("DATABASE_URL must point to PostgreSQL in release mode")
		}
		if c.MinioAccessKey == "" || c.MinioSecretKey == "" {
			return fmt.Errorf("MINIO_ACCESS_KEY and MINIO_SECRET_KEY are required in release mode")
		}
	}

	return nil
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

// getEnvAsInt64 は環境変数を64ビット整数として取得します。
func getEnvAsInt64(key string, defaultValue int64) int64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseInt(valueStr, 10, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsBool は環境変数を真偽値として取得します。
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

// getEnvAsDuration は "90s" のような Go の期間表記か、"7d" のような日数表記を受け付けます。
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := strings.TrimSpace(os.Getenv(key))
	if valueStr == "" {
		return defaultValue
	}
	value, err := ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// ParseDuration は time.ParseDuration に日数 ("7d") を加えたものです。
func ParseDuration(raw string) (time.Duration, error) {
	if strings.HasSuffix(raw, "d") {
		days, err := strconv.Atoi(strings.TrimSuffix(raw, "d"))
		if err != nil {
			return 0, fmt.Errorf("invalid day duration %q: %w", raw, err)
		}
		return time.Duration(days) * 24 * time.Hour, nil
	}
	return time.ParseDuration(raw)
}

func parseLogLevel(raw string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
