package version

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"time"

	xerrors "i-vis/internal/errors"
	"i-vis/internal/storage"
)

// SQLStore 将版本状态保存在集成库的 plugins、known_versions 与 plugin_updates 表中，
// 同时支持 MySQL 与 SQLite。时间以毫秒时间戳存储。
type SQLStore struct {
	db *storage.DB
}

// NewSQLStore 基于已完成迁移的连接创建存储。
func NewSQLStore(db *storage.DB) (*SQLStore, error) {
	if db == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "数据库连接不能为空")
	}
	return &SQLStore{db: db}, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.UnixMilli(v)
}

// ensurePlugin 在插件行不存在时插入默认行。
func ensurePlugin(ctx context.Context, q execer, plugin string) error {
	_, err := q.ExecContext(ctx, `INSERT INTO plugins (name, updated_at) VALUES (?, ?)`, plugin, time.Now().UnixMilli())
	if err != nil && !storage.IsDuplicate(err) {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化插件记录失败", xerrors.WithPlugin(plugin))
	}
	return nil
}

// Load 实现 Store 接口。
func (s *SQLStore) Load(ctx context.Context, plugin string) (Record, error) {
	return loadRecord(ctx, s.db, plugin)
}

func loadRecord(ctx context.Context, q execer, plugin string) (Record, error) {
	rec := Record{Plugin: plugin}
	var frozen int
	err := q.QueryRowContext(ctx, `SELECT installed, pending, chosen, frozen, installed_update_id, pending_update_id
        FROM plugins WHERE name = ?`, plugin).
		Scan(&rec.Installed, &rec.Pending, &rec.Chosen, &frozen, &rec.InstalledUpdateID, &rec.PendingUpdateID)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return rec, nil
		}
		return Record{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取插件版本状态失败", xerrors.WithPlugin(plugin))
	}
	rec.Frozen = frozen != 0
	return rec, nil
}

// AddKnown 实现 Store 接口。顺序号在事务内取当前最大值加一。
func (s *SQLStore) AddKnown(ctx context.Context, k Known) (Known, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Known{}, false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启事务失败")
	}
	defer tx.Rollback()

	var existing Known
	var installable int
	var checked int64
	err = tx.QueryRowContext(ctx, `SELECT installable, checked_at, seq FROM known_versions WHERE plugin = ? AND version = ?`,
		k.Plugin, k.Version).Scan(&installable, &checked, &existing.Seq)
	switch {
	case err == nil:
		if _, err := tx.ExecContext(ctx, `UPDATE known_versions SET checked_at = ? WHERE plugin = ? AND version = ?`,
			millis(k.CheckedAt), k.Plugin, k.Version); err != nil {
			return Known{}, false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "刷新版本检查时间失败", xerrors.WithPlugin(k.Plugin))
		}
		if err := tx.Commit(); err != nil {
			return Known{}, false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交事务失败")
		}
		existing.Plugin = k.Plugin
		existing.Version = k.Version
		existing.Installable = installable != 0
		existing.CheckedAt = k.CheckedAt
		return existing, false, nil
	case !stdErrors.Is(err, sql.ErrNoRows):
		return Known{}, false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询已知版本失败", xerrors.WithPlugin(k.Plugin))
	}

	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) + 1 FROM known_versions WHERE plugin = ?`, k.Plugin).
		Scan(&k.Seq); err != nil {
		return Known{}, false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "分配版本顺序号失败", xerrors.WithPlugin(k.Plugin))
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO known_versions (plugin, version, installable, checked_at, seq) VALUES (?, ?, ?, ?, ?)`,
		k.Plugin, k.Version, boolInt(k.Installable), millis(k.CheckedAt), k.Seq); err != nil {
		if storage.IsDuplicate(err) {
			return Known{}, false, xerrors.Wrap(xerrors.CodeConflict, err, "并发写入已知版本", xerrors.WithPlugin(k.Plugin), xerrors.WithRetryable(true))
		}
		return Known{}, false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入已知版本失败", xerrors.WithPlugin(k.Plugin))
	}
	if err := ensurePlugin(ctx, tx, k.Plugin); err != nil {
		return Known{}, false, err
	}
	if err := tx.Commit(); err != nil {
		return Known{}, false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交事务失败")
	}
	return k, true, nil
}

// Known 实现 Store 接口。
func (s *SQLStore) Known(ctx context.Context, plugin string) ([]Known, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT version, installable, checked_at, seq FROM known_versions
        WHERE plugin = ? ORDER BY seq`, plugin)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询已知版本失败", xerrors.WithPlugin(plugin))
	}
	defer rows.Close()

	var out []Known
	for rows.Next() {
		k := Known{Plugin: plugin}
		var installable int
		var checked int64
		if err := rows.Scan(&k.Version, &installable, &checked, &k.Seq); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析已知版本失败")
		}
		k.Installable = installable != 0
		k.CheckedAt = fromMillis(checked)
		out = append(out, k)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历已知版本失败")
	}
	return out, nil
}

const updateColumns = `id, plugin, version, status, message, started_at, finished_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanUpdate(row scanner) (Update, error) {
	var (
		u               Update
		status          string
		message         sql.NullString
		started, finish int64
	)
	if err := row.Scan(&u.ID, &u.Plugin, &u.Version, &status, &message, &started, &finish); err != nil {
		return Update{}, err
	}
	u.Status = UpdateStatus(status)
	u.Message = message.String
	u.StartedAt = fromMillis(started)
	u.FinishedAt = fromMillis(finish)
	return u, nil
}

// Updates 实现 Store 接口。
func (s *SQLStore) Updates(ctx context.Context, plugin string) ([]Update, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+updateColumns+` FROM plugin_updates
        WHERE plugin = ? ORDER BY started_at, id`, plugin)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询升级记录失败", xerrors.WithPlugin(plugin))
	}
	defer rows.Close()

	var out []Update
	for rows.Next() {
		u, err := scanUpdate(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析升级记录失败")
		}
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历升级记录失败")
	}
	return out, nil
}

// GetUpdate 实现 Store 接口。
func (s *SQLStore) GetUpdate(ctx context.Context, id string) (Update, error) {
	u, err := scanUpdate(s.db.QueryRowContext(ctx, `SELECT `+updateColumns+` FROM plugin_updates WHERE id = ?`, id))
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return Update{}, xerrors.Newf(xerrors.CodeNotFound, "update %s not found", id)
		}
		return Update{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询升级记录失败")
	}
	return u, nil
}

// StartUpdate 实现 Store 接口。pending 的设置是带条件的 UPDATE，受影响行数为零说明已有升级在进行。
func (s *SQLStore) StartUpdate(ctx context.Context, u Update) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启事务失败")
	}
	defer tx.Rollback()

	if err := ensurePlugin(ctx, tx, u.Plugin); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `UPDATE plugins SET pending = ?, pending_update_id = ?, updated_at = ?
        WHERE name = ? AND pending = ''`, u.Version, u.ID, time.Now().UnixMilli(), u.Plugin)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "设置 pending 失败", xerrors.WithPlugin(u.Plugin))
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取受影响行数失败")
	}
	if affected == 0 {
		return ErrInFlight
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO plugin_updates (`+updateColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		u.ID, u.Plugin, u.Version, string(StatusOngoing), u.Message, millis(u.StartedAt), int64(0)); err != nil {
		if storage.IsDuplicate(err) {
			return xerrors.Wrap(xerrors.CodeConflict, err, "升级记录 ID 重复", xerrors.WithPlugin(u.Plugin))
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入升级记录失败", xerrors.WithPlugin(u.Plugin))
	}
	if err := tx.Commit(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交事务失败")
	}
	return nil
}

// FinishUpdate 实现 Store 接口。
func (s *SQLStore) FinishUpdate(ctx context.Context, u Update) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启事务失败")
	}
	defer tx.Rollback()

	rec, err := loadRecord(ctx, tx, u.Plugin)
	if err != nil {
		return err
	}
	if rec.PendingUpdateID == "" || rec.PendingUpdateID != u.ID {
		return ErrStaleUpdate
	}

	if _, err := tx.ExecContext(ctx, `UPDATE plugin_updates SET status = ?, message = ?, finished_at = ? WHERE id = ?`,
		string(u.Status), u.Message, millis(u.FinishedAt), u.ID); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新升级记录失败", xerrors.WithPlugin(u.Plugin))
	}

	now := time.Now().UnixMilli()
	if u.Status == StatusInstalled {
		if rec.InstalledUpdateID != "" {
			if _, err := tx.ExecContext(ctx, `UPDATE plugin_updates SET status = ? WHERE id = ?`,
				string(StatusArchived), rec.InstalledUpdateID); err != nil {
				return xerrors.Wrap(xerrors.CodeStorageFailure, err, "归档旧升级记录失败", xerrors.WithPlugin(u.Plugin))
			}
		}
		chosen := rec.Chosen
		if chosen == rec.Pending {
			chosen = ""
		}
		_, err = tx.ExecContext(ctx, `UPDATE plugins SET installed = pending, installed_update_id = pending_update_id,
            pending = '', pending_update_id = '', chosen = ?, updated_at = ? WHERE name = ?`, chosen, now, u.Plugin)
	} else {
		_, err = tx.ExecContext(ctx, `UPDATE plugins SET pending = '', pending_update_id = '', updated_at = ? WHERE name = ?`,
			now, u.Plugin)
	}
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新插件版本状态失败", xerrors.WithPlugin(u.Plugin))
	}
	if err := tx.Commit(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交事务失败")
	}
	return nil
}

// SetFrozen 实现 Store 接口。
func (s *SQLStore) SetFrozen(ctx context.Context, plugin string, frozen bool) error {
	return s.setColumn(ctx, plugin, `UPDATE plugins SET frozen = ?, updated_at = ? WHERE name = ?`, boolInt(frozen))
}

// SetChosen 实现 Store 接口。
func (s *SQLStore) SetChosen(ctx context.Context, plugin, version string) error {
	return s.setColumn(ctx, plugin, `UPDATE plugins SET chosen = ?, updated_at = ? WHERE name = ?`, version)
}

func (s *SQLStore) setColumn(ctx context.Context, plugin, stmt string, value any) error {
	if err := ensurePlugin(ctx, s.db, plugin); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, stmt, value, time.Now().UnixMilli(), plugin); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新插件记录失败", xerrors.WithPlugin(plugin))
	}
	return nil
}

// ClearInstalled 实现 Store 接口。
func (s *SQLStore) ClearInstalled(ctx context.Context, plugin string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启事务失败")
	}
	defer tx.Rollback()

	rec, err := loadRecord(ctx, tx, plugin)
	if err != nil {
		return err
	}
	if rec.InstalledUpdateID != "" {
		if _, err := tx.ExecContext(ctx, `UPDATE plugin_updates SET status = ? WHERE id = ?`,
			string(StatusArchived), rec.InstalledUpdateID); err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "归档升级记录失败", xerrors.WithPlugin(plugin))
		}
	}
	if _, err := tx.ExecContext(ctx, `UPDATE plugins SET installed = '', installed_update_id = '', chosen = '', frozen = 0,
        updated_at = ? WHERE name = ?`, time.Now().UnixMilli(), plugin); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "清除已安装版本失败", xerrors.WithPlugin(plugin))
	}
	if err := tx.Commit(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交事务失败")
	}
	return nil
}

// Close 关闭底层连接。
func (s *SQLStore) Close() error {
	return s.db.Close()
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
