package pipeline

import (
	"context"
	"database/sql"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	xerrors "i-vis/internal/errors"
	"i-vis/internal/storage"
)

// Tx 是 load 任务可见的写入接口。
type Tx interface {
	// LoadTable 用 path 中带表头的分隔文件替换插件在 table 下的全部行，返回写入行数。
	LoadTable(ctx context.Context, table, path string, delim rune) (int, error)
}

// Session 是一次流水线运行的 load 事务。
type Session interface {
	Tx
	Rows() int
	Commit() error
	Rollback() error
}

// Loader 为插件开启 load 事务。
type Loader interface {
	Begin(ctx context.Context, plugin string) (Session, error)
}

// SQLLoader 将数据写入集成库的 etl_rows 表，每行以 JSON 对象保存。
// 写入范围限定在 (plugin, table_name)，不同插件可并发加载。
type SQLLoader struct {
	db      *storage.DB
	version string
}

// NewSQLLoader 创建加载器，version 记录到每一行上。
func NewSQLLoader(db *storage.DB, version string) *SQLLoader {
	return &SQLLoader{db: db, version: version}
}

// Begin 实现 Loader 接口。
func (l *SQLLoader) Begin(ctx context.Context, plugin string) (Session, error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, xerrors.Wrap(CodeLoadFailed, err, "开启 load 事务失败", xerrors.WithPlugin(plugin))
	}
	return &sqlSession{tx: tx, plugin: plugin, version: l.version}, nil
}

type sqlSession struct {
	tx      *sql.Tx
	plugin  string
	version string
	rows    int
}

func (s *sqlSession) Rows() int { return s.rows }

func (s *sqlSession) Commit() error { return s.tx.Commit() }

func (s *sqlSession) Rollback() error {
	if err := s.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return err
	}
	return nil
}

func (s *sqlSession) LoadTable(ctx context.Context, table, path string, delim rune) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, xerrors.Wrap(CodeLoadFailed, err, "打开待加载文件失败", xerrors.WithPlugin(s.plugin), xerrors.WithRetryable(false))
	}
	defer f.Close()

	if _, err := s.tx.ExecContext(ctx, `DELETE FROM etl_rows WHERE plugin = ? AND table_name = ?`, s.plugin, table); err != nil {
		return 0, xerrors.Wrap(CodeLoadFailed, err, "清理旧数据失败", xerrors.WithPlugin(s.plugin))
	}
	stmt, err := s.tx.PrepareContext(ctx, `INSERT INTO etl_rows (plugin, table_name, version, row_no, payload) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, xerrors.Wrap(CodeLoadFailed, err, "准备插入语句失败", xerrors.WithPlugin(s.plugin))
	}
	defer stmt.Close()

	n, err := eachRecord(f, delim, func(rowNo int, row map[string]string) error {
		payload, err := json.Marshal(row)
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx, s.plugin, table, s.version, rowNo, string(payload)); err != nil {
			return xerrors.Wrap(CodeLoadFailed, err, fmt.Sprintf("写入 %s 第 %d 行失败", table, rowNo), xerrors.WithPlugin(s.plugin))
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	s.rows += n
	return n, nil
}

// eachRecord 逐行读取带表头的分隔文件，将每行按列名组成映射后回调。
func eachRecord(r io.Reader, delim rune, fn func(rowNo int, row map[string]string) error) (int, error) {
	reader := csv.NewReader(r)
	reader.Comma = delim
	reader.LazyQuotes = true
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return 0, nil
		}
		return 0, xerrors.Wrap(CodeTaskFailed, err, "读取表头失败")
	}
	n := 0
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			return n, nil
		}
		if err != nil {
			return n, xerrors.Wrap(CodeTaskFailed, err, fmt.Sprintf("解析第 %d 行失败", n+2))
		}
		row := make(map[string]string, len(header))
		for i, col := range header {
			if i < len(record) {
				row[col] = record[i]
			}
		}
		n++
		if err := fn(n, row); err != nil {
			return n, err
		}
	}
}
