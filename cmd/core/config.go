package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/JoeShih716/go-class-ledger/pkg/database"
	"github.com/JoeShih716/go-class-ledger/pkg/mq"
	"github.com/JoeShih716/go-class-ledger/pkg/obs"
	"github.com/JoeShih716/go-class-ledger/pkg/retry"
)

// envPrefix 環境變數前綴，例如 LEDGER_DATABASE_HOST
const envPrefix = "LEDGER"

// 儲存層
const (
	StoreDatabase = "database"
	StoreMemory   = "memory"
)

type Config struct {
	Database  database.Config   `yaml:"database"`
	GRPC      ListenConfig      `yaml:"grpc"`
	HTTP      ListenConfig      `yaml:"http"`
	AMQP      mq.Config         `yaml:"amqp"`
	Engine    EngineConfig      `yaml:"engine"`
	Reconcile ReconcileConfig   `yaml:"reconcile"`
	Tracing   obs.TracingConfig `yaml:"tracing"`
	Log       LogConfig         `yaml:"log"`
}

type ListenConfig struct {
	Addr string `yaml:"addr"`
}

type EngineConfig struct {
	// Store: database | memory (memory 只適合單機測試，重啟後資料消失)
	Store string       `yaml:"store"`
	Retry retry.Config `yaml:"retry"`
}

type ReconcileConfig struct {
	Interval    time.Duration `yaml:"interval"` // 0 代表不啟動背景對帳
	JournalPath string        `yaml:"journal_path" split_words:"true"`
	PageSize    int           `yaml:"page_size" split_words:"true"`

	// JournalMaxBytes 超過即輪替，負數代表不輪替
	JournalMaxBytes int64 `yaml:"journal_max_bytes" split_words:"true"`
	JournalBackups  int   `yaml:"journal_backups" split_words:"true"`
}

type LogConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // json | text
}

// loadConfig 讀取 yaml (檔案不存在時全部使用預設值)，再套用環境變數，最後補全預設值
func loadConfig(path string) (Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	case os.IsNotExist(err):
	default:
		return cfg, fmt.Errorf("read %s: %w", path, err)
	}
	if err := envconfig.Process(envPrefix, &cfg); err != nil {
		return cfg, fmt.Errorf("env overrides: %w", err)
	}
	cfg.withDefaults()
	return cfg, cfg.validate()
}

func (c *Config) withDefaults() {
	if c.Engine.Store == "" {
		c.Engine.Store = StoreDatabase
	}
	if c.Database.Driver == "" {
		c.Database.Driver = database.DriverSQLite
	}
	if c.Database.Driver == database.DriverSQLite && c.Database.Path == "" {
		c.Database.Path = "data/class-ledger.db"
	}
	c.Database = c.Database.WithDefaults()
	if c.GRPC.Addr == "" {
		c.GRPC.Addr = ":50051"
	}
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = ":8080"
	}
	c.AMQP = c.AMQP.WithDefaults()
	if c.Reconcile.JournalPath == "" {
		c.Reconcile.JournalPath = "data/faults.log"
	}
	if c.Reconcile.JournalMaxBytes == 0 {
		c.Reconcile.JournalMaxBytes = 10 << 20
	}
	if c.Reconcile.JournalBackups == 0 {
		c.Reconcile.JournalBackups = 3
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
}

func (c *Config) validate() error {
	switch c.Engine.Store {
	case StoreDatabase, StoreMemory:
	default:
		return fmt.Errorf("engine.store must be %q or %q, got %q", StoreDatabase, StoreMemory, c.Engine.Store)
	}
	switch c.Database.Driver {
	case database.DriverMySQL, database.DriverPostgres, database.DriverSQLite:
	default:
		return fmt.Errorf("unsupported database.driver %q", c.Database.Driver)
	}
	if c.AMQP.Enabled && c.AMQP.URL == "" {
		return fmt.Errorf("amqp.url is required when amqp is enabled")
	}
	if c.Reconcile.Interval < 0 {
		return fmt.Errorf("reconcile.interval must not be negative")
	}
	return nil
}

// newLogger 依設定建立 slog.Logger
func newLogger(cfg LogConfig) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}
