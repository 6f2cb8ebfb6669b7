package resource

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"time"

	xerrors "i-vis/internal/errors"
	"i-vis/internal/storage"
	"i-vis/pkg/logger"
)

// File 是某个插件版本下载到本地的资源文件及其登记的大小和摘要。
type File struct {
	Plugin    string
	Version   string
	Name      string
	Path      string
	Size      int64
	SHA256    string
	UpdatedAt time.Time
}

// Stat 计算本地文件的大小与 SHA-256。
func Stat(path string) (int64, string, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, "", err
	}
	defer f.Close()
	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return 0, "", err
	}
	return n, hex.EncodeToString(h.Sum(nil)), nil
}

// FileStore 在集成库的 resource_files 表中登记下载文件。
type FileStore struct {
	db  *storage.DB
	now func() time.Time
}

func NewFileStore(db *storage.DB) *FileStore {
	return &FileStore{db: db, now: time.Now}
}

// Record 用本地文件的当前大小与摘要登记 f，返回此前是否没有登记。
func (s *FileStore) Record(ctx context.Context, f File) (added bool, err error) {
	if f.Size, f.SHA256, err = Stat(f.Path); err != nil {
		return false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取资源文件失败", xerrors.WithPlugin(f.Plugin))
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启事务失败")
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	res, err := tx.ExecContext(ctx, `DELETE FROM resource_files WHERE plugin = ? AND version = ? AND name = ?`, f.Plugin, f.Version, f.Name)
	if err != nil {
		return false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新文件登记失败", xerrors.WithPlugin(f.Plugin))
	}
	replaced, _ := res.RowsAffected()
	_, err = tx.ExecContext(ctx,
		`INSERT INTO resource_files (plugin, version, name, path, size, sha256, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		f.Plugin, f.Version, f.Name, f.Path, f.Size, f.SHA256, s.now().Unix())
	if err != nil {
		return false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入文件登记失败", xerrors.WithPlugin(f.Plugin))
	}
	if err = tx.Commit(); err != nil {
		return false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交文件登记失败")
	}
	return replaced == 0, nil
}

// List 按版本与文件名返回插件登记的文件。
func (s *FileStore) List(ctx context.Context, plugin string) ([]File, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT plugin, version, name, path, size, sha256, updated_at FROM resource_files WHERE plugin = ? ORDER BY updated_at, version, name`, plugin)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询文件登记失败", xerrors.WithPlugin(plugin))
	}
	defer rows.Close()
	var out []File
	for rows.Next() {
		var (
			f  File
			at int64
		)
		if err := rows.Scan(&f.Plugin, &f.Version, &f.Name, &f.Path, &f.Size, &f.SHA256, &at); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析文件登记失败")
		}
		f.UpdatedAt = time.Unix(at, 0)
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历文件登记失败")
	}
	return out, nil
}

// RecordingFetcher 在每次下载成功后把文件登记到 Files。登记失败只记日志，不影响下载结果。
type RecordingFetcher struct {
	Next    Fetcher
	Files   *FileStore
	Version string
}

func (f RecordingFetcher) Fetch(ctx context.Context, d Descriptor, dest string) error {
	if err := f.Next.Fetch(ctx, d, dest); err != nil {
		return err
	}
	if _, err := f.Files.Record(ctx, File{Plugin: d.Plugin, Version: f.Version, Name: d.Name, Path: dest}); err != nil {
		logger.ForPlugin(d.Plugin).Warn("登记下载文件失败", "resource", d.Name, "error", err)
	}
	return nil
}
