package logger

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/natefinch/lumberjack.v2"
)

func TestInitWritesToLogDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, Init(Config{
		Level:       "debug",
		Dir:         dir,
		OutputPaths: []string{"discard"},
		Audit:       AuditConfig{Enabled: true},
	}))
	t.Cleanup(func() { _ = Sync() })

	ForPlugin("hgnc").Info("probe finished", slog.String("version", "2024-01-01"))
	Audit().Info("pending set", slog.String("plugin", "hgnc"))
	require.NoError(t, Sync())

	main, err := os.ReadFile(filepath.Join(dir, "ivis.log"))
	require.NoError(t, err)
	assert.Contains(t, string(main), "plugin=hgnc")
	assert.Contains(t, string(main), "probe finished")

	audit, err := os.ReadFile(filepath.Join(dir, "audit.log"))
	require.NoError(t, err)
	assert.Contains(t, string(audit), `"stream":"audit"`)
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("bogus"))
}

func TestFileOutputsShareRotation(t *testing.T) {
	dir := t.TempDir()
	auditRotation := Rotation{MaxSizeMB: 5, MaxBackups: 1}
	require.NoError(t, Init(Config{
		OutputPaths: []string{"discard", filepath.Join(dir, "nested", "app.log")},
		Rotation:    Rotation{MaxSizeMB: 10, Compress: true},
		Audit:       AuditConfig{Enabled: true, Path: filepath.Join(dir, "audit.log"), Rotation: &auditRotation},
	}))
	t.Cleanup(func() { _ = Sync() })

	mu.RLock()
	opened := append([]io.Closer(nil), closers...)
	mu.RUnlock()
	require.Len(t, opened, 2)

	app := opened[0].(*lumberjack.Logger)
	assert.Equal(t, 10, app.MaxSize)
	assert.Equal(t, 7, app.MaxBackups)
	assert.Equal(t, 30, app.MaxAge)
	assert.True(t, app.Compress)

	audit := opened[1].(*lumberjack.Logger)
	assert.Equal(t, 5, audit.MaxSize)
	assert.Equal(t, 1, audit.MaxBackups)
	assert.False(t, audit.Compress)

	L().Info("written")
	require.NoError(t, Sync())
	_, err := os.Stat(filepath.Join(dir, "nested", "app.log"))
	assert.NoError(t, err)
}
