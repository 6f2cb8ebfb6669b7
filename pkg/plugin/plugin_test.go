package plugin

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const catalogYAML = `
defaults:
  denied: []
plugins:
  - name: hgnc
    type: core_type
    full_name: HUGO Gene Nomenclature Committee
    resources:
      - name: genes
        url: https://example.org/hgnc_complete_set.txt
        probe: {kind: last-modified}
    steps:
      - {name: fetch, kind: extract, op: fetch, resource: genes}
      - {name: dict, kind: transform, op: build_dict, args: {name_col: symbol, id_col: hgnc_id}}
      - {name: load, kind: load, op: load_table, args: {table: gene_dict}}
  - name: civic
    type: data_source
    enabled: false
    resources:
      - name: evidence
        url: https://example.org/civic.tsv
`

const catalogTOML = `
[[plugins]]
name = "chembl"
type = "core_type"

[[plugins.resources]]
name = "molecules"
url = "ftp://ftp.example.org/chembl.tsv.gz"

[plugins.resources.probe]
kind = "mtime"

[[plugins.steps]]
name = "fetch"
kind = "extract"
op = "fetch"
resource = "molecules"
`

func write(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadCatalogYAMLAndTOML(t *testing.T) {
	dir := t.TempDir()
	cat, err := LoadCatalog(write(t, dir, "plugins.yaml", catalogYAML))
	require.NoError(t, err)
	require.Len(t, cat.Plugins, 2)
	assert.Equal(t, TypeCoreType, cat.Plugins[0].Type)
	assert.Equal(t, "symbol", cat.Plugins[0].Steps[1].Args["name_col"])
	assert.False(t, cat.Plugins[1].IsEnabled())

	cat, err = LoadCatalog(write(t, dir, "plugins.toml", catalogTOML))
	require.NoError(t, err)
	require.Len(t, cat.Plugins, 1)
	assert.Equal(t, "mtime", cat.Plugins[0].Resources[0].Probe.Kind)
	assert.True(t, cat.Plugins[0].IsEnabled())
}

func TestSpecValidateRejectsOutOfOrderSteps(t *testing.T) {
	spec := Spec{Name: "x", Type: TypeDataSource, Steps: []StepSpec{
		{Name: "load", Kind: StepLoad, Op: "load_table"},
		{Name: "fetch", Kind: StepExtract, Op: "fetch"},
	}}
	assert.ErrorContains(t, spec.Validate(), "cannot follow")

	spec.Steps = []StepSpec{{Name: "fetch", Kind: StepExtract, Op: "fetch", Resource: "missing"}}
	assert.ErrorContains(t, spec.Validate(), "unknown resource")

	spec.Type = "library"
	assert.ErrorContains(t, spec.Validate(), "unknown type")
}

func TestRegistryIgnoreListAndStates(t *testing.T) {
	cat, err := LoadCatalog(write(t, t.TempDir(), "plugins.yaml", catalogYAML))
	require.NoError(t, err)

	r, err := FromCatalog(cat, WithIgnore("hgnc"))
	require.NoError(t, err)
	assert.Equal(t, []string{"civic", "hgnc"}, r.Names(false))
	assert.Empty(t, r.Names(true))

	assert.Error(t, r.Enable("hgnc"))
	require.NoError(t, r.Enable("civic"))
	assert.Equal(t, []string{"civic"}, r.Names(true))

	_, err = r.Get("oncokb")
	assert.ErrorIs(t, err, ErrNotRegistered)

	info, err := r.Info("hgnc")
	require.NoError(t, err)
	assert.ElementsMatch(t, []Capability{CapabilityNetwork, CapabilityFilesystem, CapabilityDatabase}, info.Capabilities)
}

func TestRegistryPolicy(t *testing.T) {
	r := NewRegistry(WithDefaultPolicy(Policy{Denied: []Capability{CapabilityNetwork}}))
	err := r.Register(Spec{Name: "x", Type: TypeDataSource, Steps: []StepSpec{{Name: "f", Kind: StepExtract, Op: "fetch"}}})
	assert.ErrorContains(t, err, "explicitly denied")

	own := &Policy{Allowed: []Capability{CapabilityFilesystem}}
	err = r.Register(Spec{Name: "y", Type: TypeDataSource, Policy: own, Steps: []StepSpec{{Name: "g", Kind: StepTransform, Op: "gunzip"}}})
	assert.NoError(t, err)
}

func TestRegistryApplyDisablesRemovedPlugins(t *testing.T) {
	cat, err := LoadCatalog(write(t, t.TempDir(), "plugins.yaml", catalogYAML))
	require.NoError(t, err)
	r, err := FromCatalog(cat)
	require.NoError(t, err)

	enabled := true
	changed, err := r.Apply(Catalog{Plugins: []Spec{
		{Name: "civic", Type: TypeDataSource, Enabled: &enabled},
		{Name: "dgidb", Type: TypeDataSource},
	}})
	require.NoError(t, err)
	assert.Equal(t, []string{"civic", "dgidb", "hgnc"}, changed)
	assert.Equal(t, []string{"civic", "dgidb"}, r.Names(true))

	state, err := r.State("hgnc")
	require.NoError(t, err)
	assert.Equal(t, StateDisabled, state)
}

func TestWatchAppliesCatalogChanges(t *testing.T) {
	dir := t.TempDir()
	path := write(t, dir, "plugins.yaml", catalogYAML)
	cat, err := LoadCatalog(path)
	require.NoError(t, err)
	r, err := FromCatalog(cat)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	changes := make(chan []string, 1)
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, path, r, func(changed []string) { changes <- changed })
	}()

	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(300 * time.Millisecond)
	defer tick.Stop()
	updated := []byte("plugins:\n  - name: civic\n    type: data_source\n")
	for {
		select {
		case changed := <-changes:
			assert.Contains(t, changed, "civic")
			assert.Equal(t, []string{"civic"}, r.Names(true))
			cancel()
			<-done
			return
		case <-tick.C:
			require.NoError(t, os.WriteFile(path, updated, 0o644))
		case <-deadline:
			t.Fatal("catalog change was not applied")
		}
	}
}
