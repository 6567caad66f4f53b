package mysql

import (
	"context"
	"database/sql"
	sqldriver "database/sql/driver"
	"fmt"
	"strings"
	"time"

	gomysql "github.com/go-sql-driver/mysql"
)

// Config 描述 MySQL 连接池参数。零值字段使用包内默认值。
type Config struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxOpenConns <= 0 {
		c.MaxOpenConns = 20
	}
	if c.MaxIdleConns <= 0 {
		c.MaxIdleConns = c.MaxOpenConns / 2
	}
	if c.ConnMaxLifetime <= 0 {
		c.ConnMaxLifetime = 30 * time.Minute
	}
	return c
}

// Open 建立连接池并应用内嵌迁移。账户存储与登记任务存储共享返回的连接池。
func Open(ctx context.Context, cfg Config) (*sql.DB, error) {
	connector, err := newConnector(cfg.DSN)
	if err != nil {
		return nil, err
	}

	cfg = cfg.withDefaults()
	db := sql.OpenDB(connector)
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("无法连接到 MySQL: %w", err)
	}
	if err := Migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// newConnector 解析 DSN，统一使用 UTC 并拒绝多语句执行。
func newConnector(dsn string) (sqldriver.Connector, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("MySQL DSN 不能为空")
	}
	parsed, err := gomysql.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("解析 MySQL DSN 失败: %w", err)
	}
	parsed.Loc = time.UTC
	parsed.MultiStatements = false
	connector, err := gomysql.NewConnector(parsed)
	if err != nil {
		return nil, fmt.Errorf("创建 MySQL 连接器失败: %w", err)
	}
	return connector, nil
}
