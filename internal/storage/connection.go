package storage

import (
	"context"
	"database/sql"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "modernc.org/sqlite"

	"i-vis/internal/config"
	xerrors "i-vis/internal/errors"
)

// 支持的数据库方言。
const (
	DialectMySQL  = "mysql"
	DialectSQLite = "sqlite"
)

// DB 包装连接池并记录方言。
type DB struct {
	*sql.DB
	Dialect string
}

// Open 按配置打开数据库并检查连通性，不执行迁移。
func Open(ctx context.Context, cfg config.DatabaseConfig) (*DB, error) {
	dialect := strings.ToLower(strings.TrimSpace(cfg.Driver))
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "数据库 DSN 不能为空")
	}

	var (
		db  *sql.DB
		err error
	)
	switch dialect {
	case DialectMySQL:
		db, err = sql.Open("mysql", dsn)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 MySQL 失败")
		}
		applyPool(db, cfg)
	case DialectSQLite:
		db, err = openSQLite(dsn)
		if err != nil {
			return nil, err
		}
	default:
		return nil, xerrors.Newf(xerrors.CodeInvalidArgument, "不支持的数据库驱动: %q", cfg.Driver)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "无法连接到数据库")
	}
	return &DB{DB: db, Dialect: dialect}, nil
}

// OpenAndMigrate 打开数据库并应用全部未执行的迁移。
func OpenAndMigrate(ctx context.Context, cfg config.DatabaseConfig) (*DB, error) {
	db, err := Open(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if _, err := Migrate(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func applyPool(db *sql.DB, cfg config.DatabaseConfig) {
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	} else {
		db.SetMaxOpenConns(20)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	} else {
		db.SetMaxIdleConns(10)
	}
	if cfg.ConnMaxLifetimeSeconds > 0 {
		db.SetConnMaxLifetime(time.Duration(cfg.ConnMaxLifetimeSeconds) * time.Second)
	} else {
		db.SetConnMaxLifetime(30 * time.Minute)
	}
}

// openSQLite 以 WAL 模式打开文件库；":memory:" 用于测试。SQLite 只允许单写，
// 因此连接池限制为一个连接。
func openSQLite(dsn string) (*sql.DB, error) {
	source := dsn
	if dsn != ":memory:" && !strings.HasPrefix(dsn, "file:") {
		if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建数据库目录失败")
		}
		q := url.Values{}
		q.Add("_pragma", "journal_mode(WAL)")
		q.Add("_pragma", "busy_timeout(5000)")
		q.Add("_pragma", "foreign_keys(1)")
		source = dsn + "?" + q.Encode()
	}
	db, err := sql.Open("sqlite", source)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "打开 SQLite 失败")
	}
	db.SetMaxOpenConns(1)
	return db, nil
}
