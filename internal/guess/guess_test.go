package guess

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	xerrors "i-vis/internal/errors"
)

func TestNormalizeNames(t *testing.T) {
	got := NormalizeNames([]string{" Gene Symbol ", "gene-symbol", "", "Drug (name)", "ÄA", "gene_symbol"})
	assert.Equal(t, []string{"gene_symbol", "gene_symbol_2", "column_3", "drug_name", "äa", "gene_symbol_3"}, got)
}

func TestMappingFileTSV(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "civic.tsv")
	require.NoError(t, os.WriteFile(path, []byte("## source: civic\n#gene\tvariant\tdisease\tdrugs\nBRAF\tV600E\tMelanoma\tVemurafenib\n"), 0o644))

	m, err := MappingFile(path)
	require.NoError(t, err)
	assert.Equal(t, "\t", m.Delimiter)
	require.Len(t, m.Columns, 4)
	for _, c := range m.Columns {
		assert.Equal(t, UnknownField, c.Field)
	}
	assert.Equal(t, "gene", m.Columns[0].Normalized)
}

func TestMappingFileGzipCSV(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "drugs.csv.gz")
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	_, err := gz.Write([]byte("ChEMBL ID,\"Pref. Name\",Max Phase\nCHEMBL25,ASPIRIN,4\n"))
	require.NoError(t, err)
	require.NoError(t, gz.Close())
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))

	m, err := MappingFile(path)
	require.NoError(t, err)
	assert.Equal(t, ",", m.Delimiter)
	assert.Equal(t, []Column{
		{Column: "ChEMBL ID", Normalized: "chembl_id", Field: UnknownField},
		{Column: "Pref. Name", Normalized: "pref_name", Field: UnknownField},
		{Column: "Max Phase", Normalized: "max_phase", Field: UnknownField},
	}, m.Columns)
}

func TestMappingFileMissing(t *testing.T) {
	_, err := MappingFile(filepath.Join(t.TempDir(), "absent.tsv"))
	require.Error(t, err)
	assert.Equal(t, CodeFileNotFound, xerrors.CodeOf(err))
}

func TestMappingReaderSniffsDelimiter(t *testing.T) {
	m, err := MappingReader(strings.NewReader("a;b;c\n1;2;3\n"), 0)
	require.NoError(t, err)
	assert.Equal(t, ";", m.Delimiter)
	assert.Len(t, m.Columns, 3)

	_, err = MappingReader(strings.NewReader("\n\n"), 0)
	assert.Equal(t, CodeUnreadable, xerrors.CodeOf(err))
}

func TestWriteFormats(t *testing.T) {
	m := &Mapping{File: "x.tsv", Delimiter: "\t", Columns: Columns([]string{"Gene"})}

	var y bytes.Buffer
	require.NoError(t, Write(&y, m, FormatYAML))
	var fromYAML Mapping
	require.NoError(t, yaml.Unmarshal(y.Bytes(), &fromYAML))
	assert.Equal(t, "unknown", fromYAML.Columns[0].Field)

	var j bytes.Buffer
	require.NoError(t, Write(&j, m, FormatJSON))
	var fromJSON Mapping
	require.NoError(t, json.Unmarshal(j.Bytes(), &fromJSON))
	assert.Equal(t, "gene", fromJSON.Columns[0].Normalized)

	_, err := ParseFormat("xml")
	assert.Error(t, err)
}
