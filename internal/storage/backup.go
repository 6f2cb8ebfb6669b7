package storage

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	xerrors "i-vis/internal/errors"
	"i-vis/pkg/logger"
)

// BackupTables 是备份涉及的表。etl_rows 可由重新升级得到，不在其中。
var BackupTables = []string{
	"plugins",
	"known_versions",
	"plugin_updates",
	"upgrade_jobs",
	"resource_files",
	"users",
	"user_roles",
}

// nullField 在备份文件中表示 NULL。
const nullField = `\N`

var columnName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Backup 把每张表写成 dir/<table>.tsv，首行为列名，返回写出的文件。
func Backup(ctx context.Context, db *DB, dir string) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建备份目录失败")
	}
	var files []string
	for _, table := range BackupTables {
		path := filepath.Join(dir, table+".tsv")
		n, err := dumpTable(ctx, db, table, path)
		if err != nil {
			return files, err
		}
		logger.Named("storage").Info("已备份表", "table", table, "rows", n, "file", path)
		files = append(files, path)
	}
	return files, nil
}

func dumpTable(ctx context.Context, db *DB, table, path string) (n int, err error) {
	rows, err := db.QueryContext(ctx, "SELECT * FROM "+table)
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, fmt.Sprintf("读取表 %s 失败", table))
	}
	defer rows.Close()
	cols, err := rows.Columns()
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, fmt.Sprintf("读取表 %s 的列失败", table))
	}

	f, err := os.Create(path)
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建备份文件失败")
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = xerrors.Wrap(xerrors.CodeStorageFailure, cerr, "写入备份文件失败")
		}
	}()
	bw := bufio.NewWriter(f)
	w := csv.NewWriter(bw)
	w.Comma = '\t'
	if err := w.Write(cols); err != nil {
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入备份文件失败")
	}

	values := make([]sql.NullString, len(cols))
	dest := make([]any, len(cols))
	for i := range values {
		dest[i] = &values[i]
	}
	record := make([]string, len(cols))
	for rows.Next() {
		if err := rows.Scan(dest...); err != nil {
			return n, xerrors.Wrap(xerrors.CodeStorageFailure, err, fmt.Sprintf("解析表 %s 失败", table))
		}
		for i, v := range values {
			record[i] = nullField
			if v.Valid {
				record[i] = v.String
			}
		}
		if err := w.Write(record); err != nil {
			return n, xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入备份文件失败")
		}
		n++
	}
	if err := rows.Err(); err != nil {
		return n, xerrors.Wrap(xerrors.CodeStorageFailure, err, fmt.Sprintf("遍历表 %s 失败", table))
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return n, xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入备份文件失败")
	}
	if err := bw.Flush(); err != nil {
		return n, xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入备份文件失败")
	}
	return n, nil
}

// Restore 在一个事务中用 dir/<table>.tsv 替换对应表的全部内容，缺少文件的表保持不变。返回每张表恢复的行数。
func Restore(ctx context.Context, db *DB, dir string) (restored map[string]int, err error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启恢复事务失败")
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	restored = make(map[string]int)
	for _, table := range BackupTables {
		path := filepath.Join(dir, table+".tsv")
		f, openErr := os.Open(path)
		if errors.Is(openErr, os.ErrNotExist) {
			continue
		}
		if openErr != nil {
			err = xerrors.Wrap(xerrors.CodeStorageFailure, openErr, "打开备份文件失败")
			return nil, err
		}
		n, loadErr := loadTable(ctx, tx, table, f)
		f.Close()
		if loadErr != nil {
			err = loadErr
			return nil, err
		}
		restored[table] = n
	}
	if err = tx.Commit(); err != nil {
		err = xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交恢复事务失败")
		return nil, err
	}
	logger.Audit().Info("database restored", "dir", dir, "tables", len(restored))
	return restored, nil
}

func loadTable(ctx context.Context, tx *sql.Tx, table string, r io.Reader) (int, error) {
	reader := csv.NewReader(bufio.NewReader(r))
	reader.Comma = '\t'
	reader.LazyQuotes = true
	cols, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return 0, xerrors.Newf(xerrors.CodeInvalidArgument, "备份文件 %s.tsv 为空", table)
	}
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeInvalidArgument, err, fmt.Sprintf("读取备份文件 %s.tsv 失败", table))
	}
	for _, c := range cols {
		if !columnName.MatchString(c) {
			return 0, xerrors.Newf(xerrors.CodeInvalidArgument, "备份文件 %s.tsv 的列名不合法: %q", table, c)
		}
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, fmt.Sprintf("清空表 %s 失败", table))
	}
	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		table, strings.Join(cols, ", "), strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ")))
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, fmt.Sprintf("准备写入表 %s 失败", table))
	}
	defer stmt.Close()

	args := make([]any, len(cols))
	n := 0
	for {
		rec, err := reader.Read()
		if errors.Is(err, io.EOF) {
			return n, nil
		}
		if err != nil {
			return n, xerrors.Wrap(xerrors.CodeInvalidArgument, err, fmt.Sprintf("读取备份文件 %s.tsv 失败", table))
		}
		for i, v := range rec {
			if v == nullField {
				args[i] = nil
			} else {
				args[i] = v
			}
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return n, xerrors.Wrap(xerrors.CodeStorageFailure, err, fmt.Sprintf("写入表 %s 第 %d 行失败", table, n+1))
		}
		n++
	}
}
