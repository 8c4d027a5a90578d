package analysis

import (
	"math"

	"github.com/clf21/countlens/internal/dataset"
)

// minSizeFactor floors degenerate size factors so division stays finite.
const minSizeFactor = 1e-10

// computeSizeFactors derives one positive size factor per sample by the
// median-of-ratios method: each gene's geometric mean is taken over its
// strictly positive counts, each sample's factor is the median of
// count/geomean over genes where both are positive. A sample with no
// valid ratios gets factor 1.
func computeSizeFactors(m *dataset.CountMatrix) []float64 {
	nGenes, nSamples := m.NGenes(), m.NSamples()

	geoMeans := make([]float64, nGenes)
	for g := 0; g < nGenes; g++ {
		sumLog, n := 0.0, 0
		for _, c := range m.Row(g) {
			if c > 0 {
				sumLog += math.Log(c)
				n++
			}
		}
		if n > 0 {
			geoMeans[g] = math.Exp(sumLog / float64(n))
		}
	}

	factors := make([]float64, nSamples)
	ratios := make([]float64, 0, nGenes)
	for s := 0; s < nSamples; s++ {
		ratios = ratios[:0]
		for g := 0; g < nGenes; g++ {
			c := m.At(g, s)
			if c > 0 && geoMeans[g] > 0 {
				ratios = append(ratios, c/geoMeans[g])
			}
		}
		if len(ratios) == 0 {
			factors[s] = 1
			continue
		}
		sf := median(ratios)
		if sf < minSizeFactor {
			sf = minSizeFactor
		}
		factors[s] = sf
	}
	return factors
}

// normalizeMatrix divides every count by its sample's size factor. A gene
// with no positive counts stays all zero regardless of the factors.
func normalizeMatrix(m *dataset.CountMatrix, factors []float64) [][]float64 {
	out := make([][]float64, m.NGenes())
	for g := 0; g < m.NGenes(); g++ {
		row := m.Row(g)
		o := make([]float64, len(row))
		for s, c := range row {
			o[s] = c / factors[s]
		}
		out[g] = o
	}
	return out
}
