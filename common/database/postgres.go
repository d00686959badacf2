package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"bustrack/common/config"

	_ "github.com/lib/pq"
)

// PingTimeout 单次连通性检查的超时
const PingTimeout = 5 * time.Second

// NewPostgresDB 打开 PostgreSQL 连接池，并在返回前确认数据库可达
func NewPostgresDB(ctx context.Context, cfg *config.DatabaseConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.GetDSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	ApplyPool(db, cfg)

	if err := Ping(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database %s:%d/%s: %w", cfg.Host, cfg.Port, cfg.Database, err)
	}
	return db, nil
}

// ApplyPool 按配置设置连接池；未配置的项保持 database/sql 默认值
func ApplyPool(db *sql.DB, cfg *config.DatabaseConfig) {
	if cfg.MaxConns > 0 {
		db.SetMaxOpenConns(cfg.MaxConns)
	}
	if cfg.MaxIdle > 0 {
		idle := cfg.MaxIdle
		if cfg.MaxConns > 0 && idle > cfg.MaxConns {
			idle = cfg.MaxConns
		}
		db.SetMaxIdleConns(idle)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
}

// Ping 带超时的连通性检查，启动与 /health 共用
func Ping(ctx context.Context, db *sql.DB) error {
	ctx, cancel := context.WithTimeout(ctx, PingTimeout)
	defer cancel()
	return db.PingContext(ctx)
}

// Close 关闭数据库连接
func Close(db *sql.DB) error {
	if db != nil {
		return db.Close()
	}
	return nil
}
