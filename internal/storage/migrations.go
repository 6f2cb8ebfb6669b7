package storage

import (
	"context"
	"fmt"
	"io/fs"
	"path"
	"slices"
	"strings"
	"time"

	"i-vis/deploy/migrations"
	xerrors "i-vis/internal/errors"
	"i-vis/pkg/logger"
)

// Migration 是一个内嵌迁移文件及其执行状态。
type Migration struct {
	Version string
	Name    string
	// AppliedAt 为零值表示尚未执行。
	AppliedAt time.Time

	statements []string
}

func (m Migration) Applied() bool { return !m.AppliedAt.IsZero() }

const createMigrationTable = `CREATE TABLE IF NOT EXISTS schema_migrations (
        version VARCHAR(32) NOT NULL PRIMARY KEY,
        applied_at BIGINT NOT NULL
)`

// Migrate 依次执行尚未应用的迁移，返回本次执行的版本号。
func Migrate(ctx context.Context, db *DB) ([]string, error) {
	all, err := MigrationStatus(ctx, db)
	if err != nil {
		return nil, err
	}
	log := logger.Named("storage")
	var done []string
	for _, m := range all {
		if m.Applied() {
			continue
		}
		if err := apply(ctx, db, m); err != nil {
			return done, err
		}
		log.Info("已应用迁移", "version", m.Version, "file", m.Name, "dialect", db.Dialect)
		done = append(done, m.Version)
	}
	return done, nil
}

// MigrationStatus 返回当前方言的全部迁移，按版本排序并标注执行时间。
func MigrationStatus(ctx context.Context, db *DB) ([]Migration, error) {
	if _, err := db.ExecContext(ctx, createMigrationTable); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建 schema_migrations 表失败")
	}
	files, err := migrations.For(db.Dialect)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "加载迁移失败")
	}
	all, err := readMigrations(files)
	if err != nil {
		return nil, err
	}
	applied, err := appliedAt(ctx, db)
	if err != nil {
		return nil, err
	}
	for i := range all {
		all[i].AppliedAt = applied[all[i].Version]
	}
	return all, nil
}

func appliedAt(ctx context.Context, db *DB) (map[string]time.Time, error) {
	rows, err := db.QueryContext(ctx, `SELECT version, applied_at FROM schema_migrations`)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询 schema_migrations 失败")
	}
	defer rows.Close()

	out := make(map[string]time.Time)
	for rows.Next() {
		var (
			version string
			at      int64
		)
		if err := rows.Scan(&version, &at); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析 schema_migrations 失败")
		}
		out[version] = time.Unix(at, 0)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历 schema_migrations 失败")
	}
	return out, nil
}

// apply 在一个事务中执行迁移并登记版本。MySQL 的 DDL 会隐式提交，
// 所以迁移语句都写成 IF NOT EXISTS，重跑时不会失败。
func apply(ctx context.Context, db *DB, m Migration) (err error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启迁移事务失败")
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	for i, stmt := range m.statements {
		if _, err = tx.ExecContext(ctx, stmt); err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, fmt.Sprintf("迁移 %s 第 %d 条语句失败", m.Name, i+1))
		}
	}
	if _, err = tx.ExecContext(ctx, `INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`, m.Version, time.Now().Unix()); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "记录迁移版本失败")
	}
	if err = tx.Commit(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交迁移事务失败")
	}
	return nil
}

func readMigrations(files fs.FS) ([]Migration, error) {
	names, err := fs.Glob(files, "*.sql")
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取迁移目录失败")
	}
	out := make([]Migration, 0, len(names))
	for _, name := range names {
		content, err := fs.ReadFile(files, name)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, fmt.Sprintf("读取迁移文件 %s 失败", name))
		}
		stmts := splitSQLStatements(string(content))
		if len(stmts) == 0 {
			continue
		}
		out = append(out, Migration{Version: migrationVersion(name), Name: name, statements: stmts})
	}
	slices.SortFunc(out, func(a, b Migration) int {
		if c := strings.Compare(a.Version, b.Version); c != 0 {
			return c
		}
		return strings.Compare(a.Name, b.Name)
	})
	return out, nil
}

// splitSQLStatements 去掉整行的 "--" 注释后按分号切分；迁移文件里不允许在字符串中出现分号。
func splitSQLStatements(content string) []string {
	var kept strings.Builder
	for _, line := range strings.Split(content, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "--") {
			continue
		}
		kept.WriteString(line)
		kept.WriteByte('\n')
	}
	var out []string
	for _, stmt := range strings.Split(kept.String(), ";") {
		if stmt = strings.TrimSpace(stmt); stmt != "" {
			out = append(out, stmt)
		}
	}
	return out
}

// migrationVersion 取文件名中第一个 "_" 之前的部分，如 0003_upgrade_jobs.sql 为 0003。
func migrationVersion(name string) string {
	base := strings.TrimSuffix(path.Base(name), path.Ext(name))
	if v, _, ok := strings.Cut(base, "_"); ok && v != "" {
		return v
	}
	return base
}
