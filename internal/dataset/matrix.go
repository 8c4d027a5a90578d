package dataset

import (
	"fmt"
	"math"
)

// CountMatrix is a dense genes-by-samples count matrix. Row order follows
// the gene record sequence, column order the sample sequence; both are
// fixed for the life of the matrix. Every cell is finite and >= 0.
type CountMatrix struct {
	geneIDs     []string
	geneNames   []string
	sampleNames []string
	values      [][]float64
}

// BuildCountMatrix assembles the matrix from sparse per-gene count maps.
// Count-map keys are matched against Sample.Name; a sample name absent
// from a gene's map yields a zero cell. Negative or non-finite counts are
// rejected.
func BuildCountMatrix(samples []Sample, genes []GeneExpressionRecord) (*CountMatrix, error) {
	m := &CountMatrix{
		geneIDs:     make([]string, len(genes)),
		geneNames:   make([]string, len(genes)),
		sampleNames: make([]string, len(samples)),
		values:      make([][]float64, len(genes)),
	}
	for j := range samples {
		m.sampleNames[j] = samples[j].Name
	}
	for i := range genes {
		g := &genes[i]
		m.geneIDs[i] = g.GeneID
		m.geneNames[i] = g.GeneName
		row := make([]float64, len(samples))
		for j := range samples {
			c, ok := g.Counts[samples[j].Name]
			if !ok {
				continue
			}
			if c < 0 || math.IsNaN(c) || math.IsInf(c, 0) {
				return nil, fmt.Errorf("gene %s, sample %s: invalid count %v", g.GeneID, samples[j].Name, c)
			}
			row[j] = c
		}
		m.values[i] = row
	}
	return m, nil
}

// NGenes returns the number of gene rows.
func (m *CountMatrix) NGenes() int { return len(m.geneIDs) }

// NSamples returns the number of sample columns.
func (m *CountMatrix) NSamples() int { return len(m.sampleNames) }

// At returns the count for a gene row and sample column.
func (m *CountMatrix) At(gene, sample int) float64 {
	return m.values[gene][sample]
}

// Row returns a gene's counts in sample order. The returned slice is the
// matrix's own storage and must not be modified.
func (m *CountMatrix) Row(gene int) []float64 { return m.values[gene] }

// GeneIDs returns gene identifiers in row order.
func (m *CountMatrix) GeneIDs() []string { return m.geneIDs }

// GeneNames returns gene display names in row order.
func (m *CountMatrix) GeneNames() []string { return m.geneNames }

// SampleNames returns sample names in column order.
func (m *CountMatrix) SampleNames() []string { return m.sampleNames }
