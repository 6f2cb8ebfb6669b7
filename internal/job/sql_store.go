package job

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"strings"
	"time"

	xerrors "i-vis/internal/errors"
	"i-vis/internal/storage"
)

// SQLStore 把作业保存在集成库的 upgrade_jobs 表中，MySQL 与 SQLite 通用。
type SQLStore struct {
	db  *storage.DB
	now func() time.Time
}

// NewSQLStore 基于已完成迁移的连接创建 SQLStore，连接的生命周期由调用方管理。
func NewSQLStore(db *storage.DB) (*SQLStore, error) {
	if db == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "数据库连接不能为空")
	}
	return &SQLStore{db: db, now: time.Now}, nil
}

const jobColumns = `id, plugin, options, status, attempts, max_attempts, error, error_code,
	COALESCE(outcome, ''), queued_at, updated_at`

func (s *SQLStore) Insert(ctx context.Context, j *Job) error {
	if j == nil || strings.TrimSpace(j.ID) == "" {
		return xerrors.New(CodeInvalid, "job id is empty")
	}
	opts, err := json.Marshal(j.Options)
	if err != nil {
		return xerrors.Wrap(CodeInvalid, err, "编码升级参数失败")
	}
	now := s.now().Truncate(time.Second)
	j.QueuedAt, j.UpdatedAt = now, now

	_, err = s.db.ExecContext(ctx, `INSERT INTO upgrade_jobs
	(id, plugin, options, status, attempts, max_attempts, error, error_code, queued_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, '', '', ?, ?)`,
		j.ID, j.Plugin, string(opts), string(j.Status), j.Attempts, j.MaxAttempts, now.Unix(), now.Unix())
	if err != nil {
		if storage.IsDuplicate(err) {
			return ErrConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入升级作业失败", xerrors.WithPlugin(j.Plugin))
	}
	return nil
}

func (s *SQLStore) Get(ctx context.Context, id string) (*Job, error) {
	j, err := scanJob(s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM upgrade_jobs WHERE id = ?`, id))
	if stdErrors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取升级作业失败")
	}
	return j, nil
}

// Claim 用条件更新领取作业，多个消费者并发领取时只有一个成功。
func (s *SQLStore) Claim(ctx context.Context, id string) (*Job, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE upgrade_jobs
	SET status = ?, attempts = attempts + 1, error = '', error_code = '', updated_at = ?
	WHERE id = ? AND status IN (?, ?) AND attempts < max_attempts`,
		string(StatusRunning), s.now().Unix(), id, string(StatusQueued), string(StatusFailed))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "领取升级作业失败")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "领取升级作业失败")
	}
	j, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		if cErr := claimable(j); cErr != nil {
			return j, cErr
		}
		return j, ErrConflict
	}
	return j, nil
}

func (s *SQLStore) Finish(ctx context.Context, id string, status Status, out Outcome) error {
	raw, err := json.Marshal(out)
	if err != nil {
		return xerrors.Wrap(CodeInvalid, err, "编码作业结果失败")
	}
	return s.update(ctx, `UPDATE upgrade_jobs SET status = ?, outcome = ?, error = '', error_code = '', updated_at = ? WHERE id = ?`,
		string(status), string(raw), s.now().Unix(), id)
}

func (s *SQLStore) Fail(ctx context.Context, id string, code xerrors.Code, msg string, final bool) error {
	stmt := `UPDATE upgrade_jobs SET status = ?, error = ?, error_code = ?, updated_at = ?`
	if final {
		stmt += `, attempts = CASE WHEN attempts < max_attempts THEN max_attempts ELSE attempts END`
	}
	return s.update(ctx, stmt+` WHERE id = ?`, string(StatusFailed), msg, string(code), s.now().Unix(), id)
}

func (s *SQLStore) update(ctx context.Context, stmt string, args ...any) error {
	res, err := s.db.ExecContext(ctx, stmt, args...)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新升级作业失败")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLStore) List(ctx context.Context, f Filter) ([]*Job, error) {
	f = f.normalized()
	where, args := whereClause(f)
	order := "DESC"
	if f.OldestFirst {
		order = "ASC"
	}
	query := `SELECT ` + jobColumns + ` FROM upgrade_jobs` + where +
		` ORDER BY updated_at ` + order + `, id ` + order + ` LIMIT ? OFFSET ?`
	rows, err := s.db.QueryContext(ctx, query, append(args, f.Limit, f.Offset)...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询升级作业失败")
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析升级作业失败")
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询升级作业失败")
	}
	return jobs, nil
}

func (s *SQLStore) Count(ctx context.Context, f Filter) (Counts, error) {
	f = f.normalized()
	where, args := whereClause(f)
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM upgrade_jobs`+where+` GROUP BY status`, args...)
	if err != nil {
		return Counts{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "统计升级作业失败")
	}
	defer rows.Close()

	var c Counts
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return Counts{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "统计升级作业失败")
		}
		c.add(Status(status), n)
	}
	if err := rows.Err(); err != nil {
		return Counts{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "统计升级作业失败")
	}
	return c, nil
}

func whereClause(f Filter) (string, []any) {
	var (
		conds []string
		args  []any
	)
	if f.Plugin != "" {
		conds = append(conds, "plugin = ?")
		args = append(args, f.Plugin)
	}
	if len(f.Statuses) > 0 {
		marks := strings.TrimSuffix(strings.Repeat("?, ", len(f.Statuses)), ", ")
		conds = append(conds, "status IN ("+marks+")")
		for _, st := range f.Statuses {
			args = append(args, string(st))
		}
	}
	if !f.Since.IsZero() {
		conds = append(conds, "updated_at >= ?")
		args = append(args, f.Since.Unix())
	}
	if f.Query != "" {
		like := "%" + f.Query + "%"
		conds = append(conds, "(LOWER(plugin) LIKE ? OR LOWER(error) LIKE ? OR LOWER(COALESCE(outcome, '')) LIKE ?)")
		args = append(args, like, like, like)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (*Job, error) {
	var (
		j               Job
		opts, outcome   string
		status          string
		queued, updated int64
	)
	if err := row.Scan(&j.ID, &j.Plugin, &opts, &status, &j.Attempts, &j.MaxAttempts,
		&j.Error, &j.ErrorCode, &outcome, &queued, &updated); err != nil {
		return nil, err
	}
	j.Status = Status(status)
	j.QueuedAt, j.UpdatedAt = time.Unix(queued, 0), time.Unix(updated, 0)
	if opts != "" {
		if err := json.Unmarshal([]byte(opts), &j.Options); err != nil {
			return nil, err
		}
	}
	if outcome != "" {
		var o Outcome
		if err := json.Unmarshal([]byte(outcome), &o); err != nil {
			return nil, err
		}
		if !o.empty() {
			j.Outcome = &o
		}
	}
	return &j, nil
}

var _ Store = (*SQLStore)(nil)
