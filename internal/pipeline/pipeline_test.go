package pipeline

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"i-vis/internal/config"
	xerrors "i-vis/internal/errors"
	"i-vis/internal/genome"
	"i-vis/internal/normalize"
	"i-vis/internal/resource"
	"i-vis/internal/storage"
	"i-vis/pkg/plugin"
)

func openDB(t *testing.T) *storage.DB {
	t.Helper()
	db, err := storage.OpenAndMigrate(context.Background(), config.DatabaseConfig{
		Driver: storage.DialectSQLite,
		DSN:    filepath.Join(t.TempDir(), "etl.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func countRows(t *testing.T, db *storage.DB, plugin, table string) int {
	t.Helper()
	var n int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM etl_rows WHERE plugin = ? AND table_name = ?`, plugin, table).Scan(&n))
	return n
}

func writeTSV(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestTaskID(t *testing.T) {
	task := &Task{Plugin: "hgnc", Name: "build dict", Outputs: []string{"/data/hgnc/v1/genes.tsv", "/data/hgnc/v1/alias.tsv"}}
	assert.Equal(t, "hgnc::build_dict->genes.tsv,alias.tsv", task.ID())
}

func noop(context.Context, *Context) error { return nil }

func TestNewValidatesOrderAndIDs(t *testing.T) {
	_, err := New("civic",
		&Task{Name: "load", Kind: plugin.StepLoad, Outputs: []string{"t"}, Action: noop},
		&Task{Name: "fetch", Kind: plugin.StepExtract, Outputs: []string{"a"}, Action: noop},
	)
	assert.True(t, xerrors.HasCode(err, CodeInvalid))

	_, err = New("civic",
		&Task{Name: "fetch", Kind: plugin.StepExtract, Outputs: []string{"a"}, Action: noop},
		&Task{Name: "fetch", Kind: plugin.StepExtract, Outputs: []string{"a"}, Action: noop},
	)
	assert.True(t, xerrors.HasCode(err, CodeInvalid))

	_, err = New("civic", &Task{Plugin: "hgnc", Name: "fetch", Kind: plugin.StepExtract, Action: noop})
	assert.True(t, xerrors.HasCode(err, CodeInvalid))

	p, err := New("civic",
		&Task{Name: "fetch", Kind: plugin.StepExtract, Outputs: []string{"a"}, Action: noop},
		&Task{Name: "unpack", Kind: plugin.StepTransform, Outputs: []string{"b"}, Action: noop},
		&Task{Name: "load", Kind: plugin.StepLoad, Outputs: []string{"t"}, Action: noop},
	)
	require.NoError(t, err)
	assert.Len(t, p.OnlyExtract().Tasks, 1)
	assert.True(t, p.HasLoad())
	assert.False(t, p.OnlyExtract().HasLoad())
}

func TestParseModeAndDelimiter(t *testing.T) {
	m, err := ParseMode("")
	require.NoError(t, err)
	assert.Equal(t, ModeDefault, m)
	m, err = ParseMode("FORCE")
	require.NoError(t, err)
	assert.Equal(t, ModeForce, m)
	_, err = ParseMode("maybe")
	assert.Error(t, err)

	for in, want := range map[string]rune{"csv": ',', "tsv": '\t', "": '\t', ";": ';'} {
		got, err := ParseDelimiter(in)
		require.NoError(t, err)
		assert.Equal(t, want, got, in)
	}
	_, err = ParseDelimiter("::")
	assert.Error(t, err)
}

func geneService(t *testing.T) *normalize.Service {
	t.Helper()
	dict, err := normalize.LoadDictionary(strings.NewReader("name\tid\nBRAF\tHGNC:1097\nTP53\tHGNC:11998\n"), normalize.GeneIDPattern)
	require.NoError(t, err)
	return normalize.NewService(normalize.NewGeneNormalizer(dict))
}

func TestBuildAndRunFromCatalog(t *testing.T) {
	ctx := context.Background()
	src := t.TempDir()

	var gz bytes.Buffer
	zw := gzip.NewWriter(&gz)
	_, err := zw.Write([]byte("symbol,evidence\nBRAF,A\nbraf,B\nFOO,C\n"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	require.NoError(t, os.WriteFile(filepath.Join(src, "evidence.csv.gz"), gz.Bytes(), 0o644))

	spec := plugin.Spec{
		Name: "civic",
		Type: plugin.TypeDataSource,
		Resources: []plugin.ResourceSpec{
			{Name: "evidence", URL: "file://" + filepath.Join(src, "evidence.csv.gz")},
		},
		Steps: []plugin.StepSpec{
			{Name: "download", Kind: plugin.StepExtract, Op: OpFetch, Resource: "evidence"},
			{Name: "unpack", Kind: plugin.StepTransform, Op: OpGunzip},
			{Name: "to tsv", Kind: plugin.StepTransform, Op: OpConvert, Args: map[string]string{"from": "csv", "to": "tsv"}},
			{Name: "genes", Kind: plugin.StepTransform, Op: OpHarmonize, Args: map[string]string{"column": "symbol", "kind": "gene", "target": "hgnc_id"}},
			{Name: "evidence", Kind: plugin.StepLoad, Op: OpLoadTable, Args: map[string]string{"table": "civic_evidence"}},
		},
	}
	require.NoError(t, spec.Validate())

	dir := filepath.Join(t.TempDir(), "civic", "v1")
	p, err := Build(spec, Env{Dir: dir, Fetcher: resource.NewClient(), Normalizer: geneService(t)})
	require.NoError(t, err)
	require.Len(t, p.Tasks, 5)
	assert.Equal(t, "civic::download->evidence.csv.gz", p.Tasks[0].ID())
	assert.Equal(t, []string{filepath.Join(dir, "evidence.csv")}, p.Tasks[1].Outputs)

	db := openDB(t)
	report, err := NewRunner(NewSQLLoader(db, "v1")).Run(ctx, p, ModeDefault)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Rows)
	for _, task := range p.Tasks {
		assert.Equal(t, StatusDone, task.Status, task.ID())
	}

	harmonized, err := os.ReadFile(filepath.Join(dir, "evidence.harmonized.tsv"))
	require.NoError(t, err)
	assert.Equal(t, "symbol\tevidence\thgnc_id\nBRAF\tA\tHGNC:1097\nbraf\tB\tHGNC:1097\nFOO\tC\t\n", string(harmonized))

	harm, ok := p.Task(p.Tasks[3].ID())
	require.True(t, ok)
	require.NotNil(t, harm.Harmonize)
	assert.Equal(t, "hgnc_id", harm.Harmonize.Target)
	matched, missed, err := harm.Harmonize.Coverage(harm.Outputs[0])
	require.NoError(t, err)
	assert.Equal(t, 2, matched)
	assert.Equal(t, 1, missed)
	assert.False(t, harm.Stale(ModeDefault))
	assert.True(t, harm.Stale(ModeUnconditional))
	assert.Nil(t, p.Tasks[0].Harmonize)

	var payload, version string
	require.NoError(t, db.QueryRow(`SELECT payload, version FROM etl_rows WHERE plugin = 'civic' AND row_no = 2`).Scan(&payload, &version))
	assert.JSONEq(t, `{"symbol":"braf","evidence":"B","hgnc_id":"HGNC:1097"}`, payload)
	assert.Equal(t, "v1", version)
}

func TestBuildRejectsUnknownOps(t *testing.T) {
	spec := plugin.Spec{
		Name:  "hgnc",
		Type:  plugin.TypeCoreType,
		Steps: []plugin.StepSpec{{Name: "x", Kind: plugin.StepTransform, Op: "sort", Args: map[string]string{"input": "a.tsv"}}},
	}
	_, err := Build(spec, Env{Dir: t.TempDir()})
	assert.True(t, xerrors.HasCode(err, CodeInvalid))

	spec.Steps = []plugin.StepSpec{{Name: "x", Kind: plugin.StepExtract, Op: OpGunzip, Args: map[string]string{"input": "a.gz"}}}
	_, err = Build(spec, Env{Dir: t.TempDir()})
	assert.True(t, xerrors.HasCode(err, CodeInvalid))
}

func TestFailedLoadCommitsNothing(t *testing.T) {
	ctx := context.Background()
	db := openDB(t)
	dir := t.TempDir()
	genes := filepath.Join(dir, "genes.tsv")
	writeTSV(t, genes, "symbol\tid\nBRAF\tHGNC:1097\nTP53\tHGNC:11998\n")

	load := func(table, path string) *Task {
		return &Task{
			Name:    "load " + table,
			Kind:    plugin.StepLoad,
			Inputs:  []string{path},
			Outputs: []string{table},
			Action: func(ctx context.Context, rc *Context) error {
				_, err := rc.Tx.LoadTable(ctx, table, path, '\t')
				return err
			},
		}
	}

	first, err := New("hgnc", load("genes", genes))
	require.NoError(t, err)
	_, err = NewRunner(NewSQLLoader(db, "v1")).Run(ctx, first, ModeDefault)
	require.NoError(t, err)
	require.Equal(t, 2, countRows(t, db, "hgnc", "genes"))

	writeTSV(t, genes, "symbol\tid\nEGFR\tHGNC:3236\n")
	var ran []string
	second, err := New("hgnc",
		load("genes", genes),
		&Task{Name: "broken", Kind: plugin.StepLoad, Outputs: []string{"aliases"}, Action: func(context.Context, *Context) error {
			ran = append(ran, "broken")
			return errors.New("disk full")
		}},
		&Task{Name: "never", Kind: plugin.StepLoad, Outputs: []string{"other"}, Action: func(context.Context, *Context) error {
			ran = append(ran, "never")
			return nil
		}},
	)
	require.NoError(t, err)
	report, err := NewRunner(NewSQLLoader(db, "v2")).Run(ctx, second, ModeDefault)
	require.Error(t, err)
	assert.True(t, xerrors.HasCode(err, CodeTaskFailed))
	assert.Equal(t, []string{"broken"}, ran)
	assert.Equal(t, StatusError, second.Tasks[1].Status)
	assert.Equal(t, StatusInit, second.Tasks[2].Status)
	assert.Len(t, report.Tasks, 2)

	assert.Equal(t, 2, countRows(t, db, "hgnc", "genes"))
	var version string
	require.NoError(t, db.QueryRow(`SELECT DISTINCT version FROM etl_rows WHERE plugin = 'hgnc'`).Scan(&version))
	assert.Equal(t, "v1", version)
}

func TestRunModes(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	in := filepath.Join(dir, "in.tsv")
	out := filepath.Join(dir, "out.tsv")
	writeTSV(t, in, "a\n1\n")

	calls := 0
	build := func() *Pipeline {
		p, err := New("demo", &Task{
			Name:    "copy",
			Kind:    plugin.StepTransform,
			Inputs:  []string{in},
			Outputs: []string{out},
			Action: func(context.Context, *Context) error {
				calls++
				return convertDelimiter(in, '\t', out, ',')
			},
		})
		require.NoError(t, err)
		return p
	}
	runner := NewRunner(nil)

	_, err := runner.Run(ctx, build(), ModePretend)
	require.NoError(t, err)
	assert.Equal(t, 0, calls)
	assert.NoFileExists(t, out)

	_, err = runner.Run(ctx, build(), ModeDefault)
	require.NoError(t, err)
	assert.Equal(t, 1, calls)

	report, err := runner.Run(ctx, build(), ModeDefault)
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.False(t, report.Tasks[0].Ran)

	future := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(in, future, future))
	_, err = runner.Run(ctx, build(), ModeDefault)
	require.NoError(t, err)
	assert.Equal(t, 2, calls)

	_, err = runner.Run(ctx, build(), ModeUnconditional)
	require.NoError(t, err)
	assert.Equal(t, 3, calls)

	require.NoError(t, os.WriteFile(out, []byte("stale"), 0o644))
	_, err = runner.Run(ctx, build(), ModeForce)
	require.NoError(t, err)
	assert.Equal(t, 4, calls)
	content, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "a\n1\n", string(content))
}

func TestRunRequiresLoaderForLoadTasks(t *testing.T) {
	p, err := New("demo", &Task{Name: "load", Kind: plugin.StepLoad, Outputs: []string{"t"}, Action: noop})
	require.NoError(t, err)
	_, err = NewRunner(nil).Run(context.Background(), p, ModeDefault)
	assert.True(t, xerrors.HasCode(err, CodeInvalid))
}

func TestBuildDictionaryAndUnzip(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "drugs.tsv")
	writeTSV(t, src, "pref_name\tchembl_id\tsyn\nImatinib\tCHEMBL941\tx\nImatinib\tCHEMBL941\ty\n\tCHEMBL1\tz\n")
	out := filepath.Join(dir, "drugs.dict.tsv")
	require.NoError(t, buildDictionary(src, '\t', "pref_name", "chembl_id", out))
	content, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "name\tid\nImatinib\tCHEMBL941\n", string(content))

	dict, err := normalize.LoadDictionaryFile(out, normalize.DrugIDPattern)
	require.NoError(t, err)
	assert.Equal(t, 1, dict.Len())

	err = unzipMember(src, "x.tsv", filepath.Join(dir, "x.tsv"))
	assert.Error(t, err)
}

func TestHarmonizePadsShortRows(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "evidence.tsv")
	writeTSV(t, src, "symbol\tevidence\tnote\nBRAF\tA\nTP53\tB\tcheck\n")
	out := filepath.Join(dir, "evidence.harmonized.tsv")

	missed, err := harmonizeColumn(context.Background(), geneService(t), normalize.KindGene, src, '\t', "symbol", "hgnc_id", out)
	require.NoError(t, err)
	assert.Zero(t, missed)
	content, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "symbol\tevidence\tnote\thgnc_id\nBRAF\tA\t\tHGNC:1097\nTP53\tB\tcheck\tHGNC:11998\n", string(content))
}

func TestValidatePositionsStep(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "variants.tsv")
	writeTSV(t, src, "chrom\tstart\tend\tref\nchr7\t140753336\t140753336\tA\n7\t200\t100\tC\nX\tabc\t5\tG\n\t1\t2\tT\n")

	spec := plugin.Spec{
		Name: "civic",
		Type: plugin.TypeDataSource,
		Steps: []plugin.StepSpec{{
			Name: "positions", Kind: plugin.StepTransform, Op: OpPositions,
			Args: map[string]string{"input": src, "end_column": "end", "assembly": "hg38"},
		}},
	}
	p, err := Build(spec, Env{Dir: dir})
	require.NoError(t, err)
	require.Len(t, p.Tasks, 1)
	out := filepath.Join(dir, "variants.positions.tsv")
	assert.Equal(t, []string{out}, p.Tasks[0].Outputs)

	_, err = NewRunner(nil).Run(context.Background(), p, ModeDefault)
	require.NoError(t, err)
	content, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "chrom\tstart\tend\tref\n7\t140753336\t140753336\tA\n", string(content))

	spec.Steps[0].Args["on_invalid"] = "fail"
	p, err = Build(spec, Env{Dir: dir})
	require.NoError(t, err)
	_, err = NewRunner(nil).Run(context.Background(), p, ModeForce)
	require.Error(t, err)
	assert.True(t, xerrors.HasCode(err, genome.CodeInvalidPosition))

	spec.Steps[0].Args["on_invalid"] = "ignore"
	_, err = Build(spec, Env{Dir: dir})
	assert.True(t, xerrors.HasCode(err, CodeInvalid))
}

func TestValidatePositionsParsesLocusColumn(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "loci.tsv")
	writeTSV(t, src, "gene\tlocus\nBRAF\tchr7:140719327-140924929\nBAD\t7:10-5\nKRAS\t12:25205246\n")
	out := filepath.Join(dir, "loci.out.tsv")

	dropped, err := validatePositions(src, '\t', PositionColumns{Position: "locus"}, genome.GRCh38, false, out)
	require.NoError(t, err)
	assert.Equal(t, 1, dropped)
	content, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "gene\tlocus\nBRAF\tchr7:140719327-140924929\nKRAS\t12:25205246\n", string(content))
}

func TestTaskPlugin(t *testing.T) {
	name, err := TaskPlugin("civic::download->evidence.csv.gz")
	require.NoError(t, err)
	assert.Equal(t, "civic", name)
	for _, bad := range []string{"civic", "::download", "civic::"} {
		_, err := TaskPlugin(bad)
		assert.True(t, xerrors.HasCode(err, xerrors.CodeInvalidArgument), bad)
	}
}
