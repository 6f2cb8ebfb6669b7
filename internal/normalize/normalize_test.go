package normalize

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	xerrors "i-vis/internal/errors"
)

const geneTSV = `name	id
# HGNC symbols
BRAF	HGNC:1097
B-Raf	HGNC:1097
EGFR	HGNC:3236
ERBB1	HGNC:3236
KRAS	HGNC:6407
p21	HGNC:1784
p21	HGNC:9884
`

func geneDict(t *testing.T) *Dictionary {
	t.Helper()
	dict, err := LoadDictionary(strings.NewReader(geneTSV), GeneIDPattern)
	require.NoError(t, err)
	return dict
}

func TestDictionaryNormalizerMatchTypes(t *testing.T) {
	ctx := context.Background()
	n := NewGeneNormalizer(geneDict(t))

	res, err := n.Normalize(ctx, "BRAF")
	require.NoError(t, err)
	assert.Equal(t, "HGNC:1097", res.Canonical)
	assert.Equal(t, MatchDirect, res.Match)

	res, err = n.Normalize(ctx, "  egfr ")
	require.NoError(t, err)
	assert.Equal(t, "HGNC:3236", res.Canonical)
	assert.Equal(t, MatchExact, res.Match)

	res, err = n.Normalize(ctx, "HGNC:6407")
	require.NoError(t, err)
	assert.Equal(t, "HGNC:6407", res.Canonical)
	assert.Equal(t, MatchCanonical, res.Match)
}

func TestDictionaryNormalizerDirectOnly(t *testing.T) {
	n := NewGeneNormalizer(geneDict(t), WithMatchTypes(MatchDirect))
	_, err := n.Normalize(context.Background(), "braf")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestDictionaryNormalizerRejectsAmbiguousNames(t *testing.T) {
	n := NewGeneNormalizer(geneDict(t))
	_, err := n.Normalize(context.Background(), "p21")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAmbiguous))
	assert.Equal(t, CodeAmbiguous, xerrors.CodeOf(err))
}

func TestLoadDictionaryRejectsMalformedIDs(t *testing.T) {
	_, err := LoadDictionary(strings.NewReader("aspirin\tCHEMBL25\nibuprofen\tDB01050\n"), DrugIDPattern)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "第 2 行")
}

func TestCancerTypeNormalizerRequiresCancerSubtree(t *testing.T) {
	dict, err := LoadDictionary(strings.NewReader(
		"melanoma\tDOID:1909\nlung cancer\tDOID:1324\nasthma\tDOID:2841\ncancer\tDOID:162\n"), CancerIDPattern)
	require.NoError(t, err)
	tree, err := LoadOntology(strings.NewReader(
		"DOID:1909\tDOID:4159\nDOID:4159\tDOID:162\nDOID:1324\tDOID:162\nDOID:2841\tDOID:3083\n"))
	require.NoError(t, err)

	n := NewCancerTypeNormalizer(dict, tree)
	ctx := context.Background()

	res, err := n.Normalize(ctx, "Melanoma")
	require.NoError(t, err)
	assert.Equal(t, "DOID:1909", res.Canonical)

	res, err = n.Normalize(ctx, "DOID:162")
	require.NoError(t, err)
	assert.Equal(t, MatchCanonical, res.Match)

	_, err = n.Normalize(ctx, "asthma")
	assert.True(t, errors.Is(err, ErrNotFound))
	_, err = n.Normalize(ctx, "DOID:2841")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestOntologyToleratesCycles(t *testing.T) {
	o := NewOntology()
	o.AddEdge("A", "B")
	o.AddEdge("B", "A")
	assert.False(t, o.IsDescendant("A", CancerRoot))
	assert.True(t, o.IsDescendant("A", "B"))
}

func TestVariantNormalizer(t *testing.T) {
	ctx := context.Background()
	n := NewVariantNormalizer(NewGeneNormalizer(geneDict(t)))

	cases := []struct {
		raw       string
		canonical string
		flags     ModifyFlag
	}{
		{"BRAF:V600E", "HGNC:1097:p.Val600Glu", GuessedDescType | AA1ToAA3 | MapRefToHGNC},
		{"BRAF:p.V600E", "HGNC:1097:p.Val600Glu", AA1ToAA3 | MapRefToHGNC},
		{"EGFR:c.2573T>G", "HGNC:3236:c.2573T>G", MapRefToHGNC},
		{"HGNC:6407:p.Gly12Asp", "HGNC:6407:p.Gly12Asp", 0},
		{"NM_004333.4:c.1799T>A", "NM_004333.4:c.1799T>A", 0},
	}
	for _, tc := range cases {
		res, err := n.Normalize(ctx, tc.raw)
		require.NoError(t, err, tc.raw)
		assert.Equal(t, tc.canonical, res.Canonical, tc.raw)
		assert.Equal(t, tc.flags, res.Flags, tc.raw)
	}
}

func TestVariantNormalizerRejectsInvalidInput(t *testing.T) {
	ctx := context.Background()
	n := NewVariantNormalizer(NewGeneNormalizer(geneDict(t)))

	_, err := n.Normalize(ctx, "BRAF")
	assert.Equal(t, CodeInvalidIdentifier, xerrors.CodeOf(err))

	_, err = n.Normalize(ctx, strings.Repeat("A", VariantRefLen+1)+":c.1A>G")
	assert.Equal(t, CodeInvalidIdentifier, xerrors.CodeOf(err))

	_, err = n.Normalize(ctx, "BRAF:amplification")
	assert.Equal(t, CodeUnknownDescType, xerrors.CodeOf(err))

	_, err = n.Normalize(ctx, "NOTAGENE:V600E")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestConvertAA1(t *testing.T) {
	got, ok := convertAA1("A1P")
	assert.True(t, ok)
	assert.Equal(t, "Ala1Pro", got)

	got, ok = convertAA1("R273*")
	assert.True(t, ok)
	assert.Equal(t, "Arg273Ter", got)

	_, ok = convertAA1("Ala1Pro")
	assert.False(t, ok)
}

func TestNormalizationIsIdempotent(t *testing.T) {
	dict := NewDictionary(GeneIDPattern)
	names := []string{"BRAF", "EGFR", "KRAS", "TP53", "ALK", "ROS1"}
	for i, name := range names {
		require.NoError(t, dict.Add(name, "HGNC:"+strconv.Itoa(1000+i)))
	}
	genes := NewGeneNormalizer(dict)
	variants := NewVariantNormalizer(genes)
	letters := []string{"A", "C", "D", "E", "G", "K", "L", "R", "V", "*"}

	rapid.Check(t, func(t *rapid.T) {
		ctx := context.Background()
		gene := rapid.SampledFrom(names).Draw(t, "gene")
		if rapid.Bool().Draw(t, "lower") {
			gene = strings.ToLower(gene)
		}
		first, err := genes.Normalize(ctx, gene)
		if err != nil {
			t.Fatalf("normalize %q: %v", gene, err)
		}
		second, err := genes.Normalize(ctx, first.Canonical)
		if err != nil || second.Canonical != first.Canonical {
			t.Fatalf("gene not idempotent: %q -> %q -> %q (%v)", gene, first.Canonical, second.Canonical, err)
		}

		variant := gene + ":" + rapid.SampledFrom(letters).Draw(t, "from") +
			strconv.Itoa(rapid.IntRange(1, 2000).Draw(t, "pos")) +
			rapid.SampledFrom(letters).Draw(t, "to")
		v1, err := variants.Normalize(ctx, variant)
		if err != nil {
			t.Fatalf("normalize %q: %v", variant, err)
		}
		v2, err := variants.Normalize(ctx, v1.Canonical)
		if err != nil || v2.Canonical != v1.Canonical || v2.Flags != 0 {
			t.Fatalf("variant not idempotent: %q -> %q -> %+v (%v)", variant, v1.Canonical, v2, err)
		}
	})
}

type countingNormalizer struct {
	Normalizer
	calls int
}

func (c *countingNormalizer) Normalize(ctx context.Context, raw string) (Result, error) {
	c.calls++
	return c.Normalizer.Normalize(ctx, raw)
}

func TestCachedNormalizerHitsCache(t *testing.T) {
	inner := &countingNormalizer{Normalizer: NewGeneNormalizer(geneDict(t))}
	cache := NewMemoryCache()
	n := WithCache(inner, cache, time.Minute)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		res, err := n.Normalize(ctx, "KRAS")
		require.NoError(t, err)
		assert.Equal(t, "HGNC:6407", res.Canonical)
	}
	assert.Equal(t, 1, inner.calls)

	_, err := n.Normalize(ctx, "unknown")
	require.Error(t, err)
	_, err = n.Normalize(ctx, "unknown")
	require.Error(t, err)
	assert.Equal(t, 3, inner.calls)
}

func TestMemoryCacheExpires(t *testing.T) {
	cache := NewMemoryCache()
	now := time.Now()
	cache.now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, cache.Set(ctx, "gene:BRAF", Result{Canonical: "HGNC:1097"}, time.Second))
	_, ok, _ := cache.Get(ctx, "gene:BRAF")
	assert.True(t, ok)

	now = now.Add(2 * time.Second)
	_, ok, _ = cache.Get(ctx, "gene:BRAF")
	assert.False(t, ok)
}

func TestServiceDispatchesByKind(t *testing.T) {
	svc := NewService(NewGeneNormalizer(geneDict(t)))
	res, err := svc.Normalize(context.Background(), KindGene, "ERBB1")
	require.NoError(t, err)
	assert.Equal(t, "HGNC:3236", res.Canonical)

	_, err = svc.Normalize(context.Background(), KindDrug, "aspirin")
	assert.Equal(t, CodeUnknownKind, xerrors.CodeOf(err))

	kind, err := ParseKind("Cancer")
	require.NoError(t, err)
	assert.Equal(t, KindCancerType, kind)
}
