package analysis

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clf21/countlens/internal/dataset"
)

// testGeneDef is a gene with dense counts in sample order.
type testGeneDef struct {
	id     string
	counts []float64
}

// buildEngine assembles an engine from dense per-gene counts. When
// conditions is non-nil each sample gets a categorical "condition" trait.
func buildEngine(t *testing.T, sampleNames, conditions []string, genes []testGeneDef, opts Options) *Engine {
	t.Helper()

	samples := make([]dataset.Sample, len(sampleNames))
	for i, name := range sampleNames {
		s := dataset.Sample{ID: name, Name: name, Traits: map[string]dataset.TraitValue{}}
		if conditions != nil {
			s.Traits["condition"] = dataset.Categorical(conditions[i])
		}
		samples[i] = s
	}

	records := make([]dataset.GeneExpressionRecord, len(genes))
	for i, g := range genes {
		require.Len(t, g.counts, len(sampleNames), "gene %s", g.id)
		counts := make(map[string]float64, len(sampleNames))
		for j, name := range sampleNames {
			counts[name] = g.counts[j]
		}
		records[i] = dataset.GeneExpressionRecord{GeneID: g.id, GeneName: g.id, Counts: counts}
	}

	ds, err := dataset.New(samples, records)
	require.NoError(t, err)
	return NewEngine(ds, opts)
}

func TestEngineMemoizesDerivedMatrices(t *testing.T) {
	e := buildEngine(t,
		[]string{"s1", "s2"}, nil,
		[]testGeneDef{
			{id: "g1", counts: []float64{10, 20}},
			{id: "g2", counts: []float64{5, 8}},
		}, Options{})

	sf1 := e.SizeFactors()
	sf2 := e.SizeFactors()
	require.NotEmpty(t, sf1)
	assert.Same(t, &sf1[0], &sf2[0], "size factors should be computed once")

	n1 := e.Normalized()
	n2 := e.Normalized()
	require.NotEmpty(t, n1)
	assert.Same(t, &n1[0][0], &n2[0][0], "normalized matrix should be computed once")

	v1 := e.VST()
	v2 := e.VST()
	require.NotEmpty(t, v1)
	assert.Same(t, &v1[0][0], &v2[0][0], "vst matrix should be computed once")
}

func TestEngineDefaults(t *testing.T) {
	e := buildEngine(t,
		[]string{"s1", "s2"}, nil,
		[]testGeneDef{{id: "g1", counts: []float64{1, 2}}},
		Options{})

	assert.Equal(t, defaultTopVarianceGenes, e.topGenes)
	assert.Equal(t, defaultMaxComponents, e.maxComponents)
	assert.Equal(t, defaultDEChunkSize, e.chunkSize)
}
