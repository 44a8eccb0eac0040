package database

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/JoeShih716/go-class-ledger/pkg/retry"
)

// Client 封裝 GORM DB 與使用中的 driver
type Client struct {
	db     *gorm.DB
	driver string
}

// NewClient 開啟連線並設定連線池
// 啟動時資料庫可能尚未就緒 (docker compose)，連線 + ping 失敗會以退避重試 ConnectRetries 次
//
// 參數:
//
//	cfg: 連線配置，未設定的欄位以 WithDefaults 補全
func NewClient(cfg Config) (*Client, error) {
	cfg = cfg.WithDefaults()

	dialector, err := dialectorFor(cfg)
	if err != nil {
		return nil, err
	}
	gormConfig := &gorm.Config{
		// 需要原子性的地方一律明確使用 Transaction
		SkipDefaultTransaction: true,
		// driver 錯誤轉為 gorm.ErrDuplicatedKey 等通用錯誤
		TranslateError: true,
		Logger:         newLogger(cfg.LogLevel),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}

	attempt := 0
	db, err := retry.Do(context.Background(), retry.Config{
		MaxAttempts: uint(cfg.ConnectRetries),
		BaseDelay:   cfg.ConnectRetryInterval,
		MaxDelay:    4 * cfg.ConnectRetryInterval,
	}, func(error) bool { return true }, func(ctx context.Context) (*gorm.DB, error) {
		attempt++
		db, err := open(ctx, dialector, gormConfig)
		if err != nil && attempt < cfg.ConnectRetries {
			slog.Warn("database connect failed, retrying",
				"driver", cfg.Driver,
				"attempt", attempt,
				"max_attempts", cfg.ConnectRetries,
				"error", err)
		}
		return db, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s after %d attempts: %w", cfg.Driver, attempt, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.db: %w", err)
	}
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	return &Client{db: db, driver: cfg.Driver}, nil
}

// open 開啟並 ping，失敗時關閉已開啟的連線
func open(ctx context.Context, dialector gorm.Dialector, gormConfig *gorm.Config) (*gorm.DB, error) {
	db, err := gorm.Open(dialector, gormConfig)
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	return db, nil
}

func dialectorFor(cfg Config) (gorm.Dialector, error) {
	switch cfg.Driver {
	case DriverMySQL:
		return mysql.Open(cfg.DSN()), nil
	case DriverPostgres:
		return postgres.Open(cfg.DSN()), nil
	case DriverSQLite:
		return sqlite.Open(cfg.DSN()), nil
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
}

// DB 給 adapter 使用
func (c *Client) DB() *gorm.DB {
	return c.db
}

func (c *Client) Driver() string {
	return c.driver
}

// Ping 健康檢查
func (c *Client) Ping(ctx context.Context) error {
	sqlDB, err := c.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (c *Client) Close() error {
	sqlDB, err := c.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// slogWriter 讓 GORM 的 log 走 slog
type slogWriter struct{}

func (slogWriter) Printf(format string, args ...any) {
	slog.Warn(fmt.Sprintf(format, args...), "component", "gorm")
}

// newLogger 依 log_level 建立 GORM logger (預設只記錄錯誤)
// record not found 是正常的查詢結果，不記錄
func newLogger(level string) logger.Interface {
	logLevel := logger.Error
	switch level {
	case "info":
		logLevel = logger.Info
	case "warn":
		logLevel = logger.Warn
	case "silent":
		logLevel = logger.Silent
	}
	return logger.New(slogWriter{}, logger.Config{
		SlowThreshold:             200 * time.Millisecond,
		LogLevel:                  logLevel,
		IgnoreRecordNotFoundError: true,
	})
}
