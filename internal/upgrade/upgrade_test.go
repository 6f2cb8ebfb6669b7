package upgrade

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"i-vis/internal/config"
	xerrors "i-vis/internal/errors"
	"i-vis/internal/job"
	"i-vis/internal/observability/alerting"
	"i-vis/internal/pipeline"
	"i-vis/internal/resource"
	"i-vis/internal/storage"
	"i-vis/internal/version"
	"i-vis/pkg/plugin"
)

func TestCleanVersion(t *testing.T) {
	cases := map[string]string{
		"2024-01-01":      "2024-01-01",
		"v5.0.1":          "v5.0.1",
		"release 34/full": "release_34_full",
		"..":              "_",
		"":                "_",
	}
	for in, want := range cases {
		assert.Equal(t, want, CleanVersion(in), in)
	}
}

func newService(t *testing.T, specs ...plugin.Spec) *Service {
	t.Helper()
	registry := plugin.NewRegistry(plugin.WithIgnore("ignored"))
	for _, spec := range specs {
		require.NoError(t, registry.Register(spec))
	}
	remote := &fakeRemote{versions: map[string]string{"civic": "v1"}}
	svc, err := New(registry, version.NewTracker(version.NewMemoryStore()), remote, t.TempDir())
	require.NoError(t, err)
	return svc
}

func TestUpgradeRejectsUnknownAndDisabledPlugins(t *testing.T) {
	svc := newService(t, plugin.Spec{Name: "ignored", Type: plugin.TypeDataSource})
	ctx := context.Background()

	_, err := svc.Upgrade(ctx, "missing", Options{})
	assert.True(t, xerrors.HasCode(err, CodePluginUnknown))

	_, err = svc.Upgrade(ctx, "ignored", Options{})
	assert.True(t, xerrors.HasCode(err, CodePluginDisabled))

	_, err = svc.Upgrade(ctx, "ignored", Options{OmitETL: true, OnlyExtract: true})
	assert.True(t, xerrors.HasCode(err, CodeConflictingOps))
}

func TestUpdateWithoutProbeLeavesVersionUnknown(t *testing.T) {
	svc := newService(t, plugin.Spec{Name: "civic", Type: plugin.TypeDataSource})
	results, err := svc.Update(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, version.OutcomeUnknown, results[0].Outcome)
}

func TestUpdateCollectsPerPluginErrors(t *testing.T) {
	svc := newService(t, plugin.Spec{Name: "civic", Type: plugin.TypeDataSource})
	results, err := svc.Update(context.Background(), "civic", "missing")
	require.Error(t, err)
	assert.True(t, xerrors.HasCode(err, CodePluginUnknown))
	assert.Len(t, results, 1)
}

func TestExecuteOmitETLReportsPending(t *testing.T) {
	svc := newService(t, plugin.Spec{
		Name:      "civic",
		Type:      plugin.TypeDataSource,
		Resources: []plugin.ResourceSpec{{Name: "table", URL: "file:///nonexistent.tsv", Probe: &plugin.ProbeSpec{Kind: "static", Value: "v1"}}},
	})
	ctx := context.Background()
	_, err := svc.Update(ctx, "civic")
	require.NoError(t, err)

	out, err := svc.Execute(ctx, "civic", job.Options{OmitETL: true})
	require.NoError(t, err)
	assert.Equal(t, "v1", out.Version)
	assert.Equal(t, "civic v1 pending", out.Message)

	_, err = svc.Execute(ctx, "civic", job.Options{Mode: "sometimes"})
	assert.True(t, xerrors.HasCode(err, xerrors.CodeInvalidArgument))
}

func TestSkippable(t *testing.T) {
	assert.True(t, Skippable(xerrors.New(version.CodeUpToDate, "")))
	assert.True(t, Skippable(xerrors.Wrap(version.CodeFrozen, nil, "")))
	assert.False(t, Skippable(xerrors.New(xerrors.CodeRemoteFailure, "boom")))
	assert.False(t, Skippable(nil))
}

func TestTasksAndDeepReset(t *testing.T) {
	svc := newService(t, plugin.Spec{
		Name:      "civic",
		Type:      plugin.TypeDataSource,
		Resources: []plugin.ResourceSpec{{Name: "table", URL: "file:///nonexistent.tsv", Probe: &plugin.ProbeSpec{Kind: "static", Value: "v1"}}},
		Steps:     []plugin.StepSpec{{Name: "download", Kind: plugin.StepExtract, Op: pipeline.OpFetch, Resource: "table"}},
	})
	ctx := context.Background()

	_, err := svc.Tasks(ctx, "civic", "")
	assert.True(t, xerrors.HasCode(err, version.CodeUnknownVersion))
	_, err = svc.Tasks(ctx, "missing", "")
	assert.True(t, xerrors.HasCode(err, CodePluginUnknown))

	_, err = svc.Update(ctx, "civic")
	require.NoError(t, err)
	p, err := svc.Tasks(ctx, "civic", "")
	require.NoError(t, err)
	require.Len(t, p.Tasks, 1)
	assert.Contains(t, p.Tasks[0].ID(), "civic::download")

	_, err = svc.Upgrade(ctx, "civic", Options{OmitETL: true})
	require.NoError(t, err)
	dir := filepath.Join(svc.dataDir, "civic", "v1")
	require.NoError(t, os.MkdirAll(dir, 0o755))

	require.NoError(t, svc.Reset(ctx, "civic", true))
	st, err := svc.Tracker().State(ctx, "civic")
	require.NoError(t, err)
	assert.Empty(t, st.Pending)
	assert.Empty(t, st.Installed)
	assert.NoDirExists(t, filepath.Join(svc.dataDir, "civic"))
}

// commitFailingStore 让安装登记失败，其余操作照常。
type commitFailingStore struct {
	*version.MemoryStore
}

func (s commitFailingStore) FinishUpdate(ctx context.Context, u version.Update) error {
	if u.Status == version.StatusInstalled {
		return xerrors.New(xerrors.CodeStorageFailure, "disk full")
	}
	return s.MemoryStore.FinishUpdate(ctx, u)
}

// newLoadingService 注册一个从本地 TSV 载入 civic_evidence 的 civic 插件，集成库为临时 SQLite。
func newLoadingService(t *testing.T, store version.Store) (*Service, *storage.DB, *eventRecorder) {
	t.Helper()
	root := t.TempDir()
	src := filepath.Join(root, "civic.tsv")
	require.NoError(t, os.WriteFile(src, []byte("gene\tevidence\nBRAF\tA\nKRAS\tB\n"), 0o644))
	db, err := storage.OpenAndMigrate(context.Background(), config.DatabaseConfig{
		Driver: storage.DialectSQLite,
		DSN:    filepath.Join(root, "ivis.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	registry := plugin.NewRegistry()
	require.NoError(t, registry.Register(plugin.Spec{
		Name:      "civic",
		Type:      plugin.TypeDataSource,
		Resources: []plugin.ResourceSpec{{Name: "table", URL: "file://" + src, Probe: &plugin.ProbeSpec{Kind: "static", Value: "v1"}}},
		Steps: []plugin.StepSpec{
			{Name: "download", Kind: plugin.StepExtract, Op: pipeline.OpFetch, Resource: "table"},
			{Name: "evidence", Kind: plugin.StepLoad, Op: pipeline.OpLoadTable, Args: map[string]string{"table": "civic_evidence"}},
		},
	}))
	events := &eventRecorder{}
	remote := &fakeRemote{Client: resource.NewClient(), versions: map[string]string{"civic": "v1"}}
	svc, err := New(registry, version.NewTracker(store), remote, filepath.Join(root, "data"), WithDatabase(db), WithPublisher(events))
	require.NoError(t, err)
	return svc, db, events
}

func TestUpgradeCommitFailureClearsPending(t *testing.T) {
	svc, db, events := newLoadingService(t, commitFailingStore{version.NewMemoryStore()})
	tracker := svc.Tracker()

	ctx := context.Background()
	_, err := svc.Update(ctx, "civic")
	require.NoError(t, err)

	_, err = svc.Upgrade(ctx, "civic", Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")

	st, err := tracker.State(ctx, "civic")
	require.NoError(t, err)
	assert.Empty(t, st.Pending)
	assert.Empty(t, st.Installed)
	assert.False(t, tracker.InFlight("civic"))

	var rows int
	require.NoError(t, db.QueryRowContext(ctx, `SELECT COUNT(*) FROM etl_rows WHERE plugin = ?`, "civic").Scan(&rows))
	assert.Zero(t, rows)

	require.NotEmpty(t, events.events)
	assert.Equal(t, alerting.TypeUpgradeFailed, events.events[len(events.events)-1].eventType)

	_, err = svc.Upgrade(ctx, "civic", Options{})
	require.Error(t, err)
	assert.False(t, xerrors.HasCode(err, version.CodeInFlight))
}

func TestRunTaskAndForceFile(t *testing.T) {
	svc, db, _ := newLoadingService(t, version.NewMemoryStore())
	ctx := context.Background()
	_, err := svc.Update(ctx, "civic")
	require.NoError(t, err)

	_, err = svc.ForceFile(ctx, "civic", "table")
	assert.True(t, xerrors.HasCode(err, CodeNoPending))

	_, err = svc.Upgrade(ctx, "civic", Options{OnlyExtract: true})
	require.NoError(t, err)
	files, err := svc.Files(ctx, "civic")
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "v1", files[0].Version)
	assert.Equal(t, int64(28), files[0].Size)

	local := filepath.Join(svc.dataDir, "civic", "v1", "civic.tsv")
	require.NoError(t, os.WriteFile(local, []byte("gene\tevidence\nBRAF\tA\n"), 0o644))
	added, err := svc.ForceFile(ctx, "civic", "table")
	require.NoError(t, err)
	assert.False(t, added)
	files, err = svc.Files(ctx, "civic")
	require.NoError(t, err)
	assert.Equal(t, int64(21), files[0].Size)
	_, err = svc.ForceFile(ctx, "civic", "missing")
	assert.True(t, xerrors.HasCode(err, xerrors.CodeInvalidArgument))

	task, v, err := svc.Task(ctx, "civic::evidence->civic_evidence")
	require.NoError(t, err)
	assert.Equal(t, "v1", v)
	assert.Equal(t, []string{local}, task.Inputs)
	_, _, err = svc.Task(ctx, "civic::nothing->x")
	assert.True(t, xerrors.HasCode(err, CodeTaskUnknown))

	report, err := svc.RunTask(ctx, "civic::evidence->civic_evidence")
	require.NoError(t, err)
	assert.Equal(t, 1, report.Rows)
	var rows int
	require.NoError(t, db.QueryRowContext(ctx, `SELECT COUNT(*) FROM etl_rows WHERE plugin = 'civic' AND version = 'v1'`).Scan(&rows))
	assert.Equal(t, 1, rows)

	st, err := svc.Tracker().State(ctx, "civic")
	require.NoError(t, err)
	assert.Equal(t, "v1", st.Pending)
	assert.Empty(t, st.Installed)
}
