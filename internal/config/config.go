// Package config は環境変数から設定を読み込み、アプリケーション全体で使用する設定を提供します。
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// 圧縮エンジンの種類
const (
	EngineGhostscript = "ghostscript"
	EnginePdfcpu      = "pdfcpu"
)

// ジョブストアの種類
const (
	StoreRedis  = "redis"
	StoreSQLite = "sqlite"
)

// ディスパッチャーの種類
const (
	DispatcherPool  = "pool"
	DispatcherAsynq = "asynq"
)

// Config はアプリケーションの設定を保持する構造体です。
type Config struct {
	// サーバー設定
	Port    string `env:"PORT" envDefault:"8080"`      // APIサーバーのポート番号
	GinMode string `env:"GIN_MODE" envDefault:"debug"` // Ginの実行モード (debug, release, test)

	// CORS設定
	CORSAllowedOrigins string `env:"CORS_ALLOWED_ORIGINS" envDefault:"http://localhost:5173"` // カンマ区切り

	// ログ設定
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"text"` // text または json

	// アップロード制限
	MaxFileSize          int64 `env:"MAX_FILE_SIZE" envDefault:"52428800"` // 50MB
	RequireHTTPSCallback bool  `env:"REQUIRE_HTTPS_CALLBACK" envDefault:"true"`

	// 作業ディレクトリ（空の場合は OS の一時ディレクトリ配下）
	WorkDir string `env:"WORK_DIR"`

	// 圧縮エンジン設定
	CompressionEngine  string        `env:"COMPRESSION_ENGINE" envDefault:"ghostscript"`
	CompressionPreset  string        `env:"COMPRESSION_PRESET" envDefault:"balanced"`
	GhostscriptPath    string        `env:"GHOSTSCRIPT_PATH" envDefault:"gs"`
	CompressionTimeout time.Duration `env:"COMPRESSION_TIMEOUT" envDefault:"5m"`

	// Webhook 設定
	WebhookTimeout   time.Duration `env:"WEBHOOK_TIMEOUT" envDefault:"30s"`
	WebhookUserAgent string        `env:"WEBHOOK_USER_AGENT" envDefault:"paper-forge-compressor/1.0"`

	// ジョブストア設定
	JobStore      string        `env:"JOB_STORE" envDefault:"redis"`
	QueueRedisURL string        `env:"QUEUE_REDIS_URL" envDefault:"redis://127.0.0.1:6379/0"`
	JobRecordTTL  time.Duration `env:"JOB_RECORD_TTL" envDefault:"0s"` // 0 は無期限
	SQLiteDSN     string        `env:"SQLITE_DSN" envDefault:"file:paper-forge.db?_busy_timeout=5000"`

	// ワーカー設定
	Dispatcher        string `env:"DISPATCHER" envDefault:"pool"`
	WorkerConcurrency int    `env:"WORKER_CONCURRENCY" envDefault:"4"`
	WorkerQueueSize   int    `env:"WORKER_QUEUE_SIZE" envDefault:"100"`
}

// Load は環境変数から設定を読み込みます。
// .env.local ファイルが存在する場合はそこから読み込みます。
func Load() (*Config, error) {
	loadEnvFile()

	config := &Config{}
	if err := env.Parse(config); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}
	config.normalize()

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

func (c *Config) normalize() {
	c.CompressionEngine = strings.ToLower(strings.TrimSpace(c.CompressionEngine))
	c.CompressionPreset = strings.ToLower(strings.TrimSpace(c.CompressionPreset))
	c.JobStore = strings.ToLower(strings.TrimSpace(c.JobStore))
	c.Dispatcher = strings.ToLower(strings.TrimSpace(c.Dispatcher))
	if c.CompressionEngine == "" {
		c.CompressionEngine = EngineGhostscript
	}
	if c.CompressionPreset == "" {
		c.CompressionPreset = "balanced"
	}
	if strings.TrimSpace(c.WorkDir) == "" {
		c.WorkDir = filepath.Join(os.TempDir(), "paper-forge")
	}
}

// Validate は設定の妥当性を検証します。
func (c *Config) Validate() error {
	if c.MaxFileSize <= 0 {
		return fmt.Errorf("MAX_FILE_SIZE must be positive")
	}
	if c.CompressionTimeout <= 0 {
		return fmt.Errorf("COMPRESSION_TIMEOUT must be positive")
	}
	if c.WebhookTimeout <= 0 {
		return fmt.Errorf("WEBHOOK_TIMEOUT must be positive")
	}
	if c.WorkerConcurrency < 1 {
		return fmt.Errorf("WORKER_CONCURRENCY must be at least 1")
	}
	if c.WorkerQueueSize < 1 {
		return fmt.Errorf("WORKER_QUEUE_SIZE must be at least 1")
	}

	switch c.CompressionEngine {
	case EngineGhostscript, EnginePdfcpu:
	default:
		return fmt.Errorf("unsupported COMPRESSION_ENGINE: %q", c.CompressionEngine)
	}
	switch c.CompressionPreset {
	case "balanced", "standard", "aggressive":
	default:
		return fmt.Errorf("unsupported COMPRESSION_PRESET: %q", c.CompressionPreset)
	}
	switch c.JobStore {
	case StoreRedis, StoreSQLite:
	default:
		return fmt.Errorf("unsupported JOB_STORE: %q", c.JobStore)
	}
	switch c.Dispatcher {
	case DispatcherPool, DispatcherAsynq:
	default:
		return fmt.Errorf("unsupported DISPATCHER: %q", c.Dispatcher)
	}
	if c.Dispatcher == DispatcherAsynq && c.QueueRedisURL == "" {
		return fmt.Errorf("QUEUE_REDIS_URL is required when DISPATCHER=asynq")
	}

	// 本番環境では外部依存の設定を厳格にチェックする
	if c.GinMode == "release" {
		if c.CompressionEngine == EngineGhostscript && c.GhostscriptPath == "" {
			return fmt.Errorf("GHOSTSCRIPT_PATH is required in release mode")
		}
		if c.JobStore == StoreRedis && c.QueueRedisURL == "" {
			return fmt.Errorf("QUEUE_REDIS_URL is required in release mode")
		}
		if c.JobStore == StoreSQLite && c.SQLiteDSN == "" {
			return fmt.Errorf("SQLITE_DSN is required in release mode")
		}
	}

	return nil
}
