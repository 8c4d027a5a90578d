package analysis

import (
	"fmt"
	"sort"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"
)

// PCAResult holds per-sample component scores (original sample order),
// the explained-variance fractions of the leading components (descending),
// and the loadings for the genes actually used.
type PCAResult struct {
	Coordinates       [][]float64
	ExplainedVariance []float64
	Loadings          [][]float64
	GeneIDs           []string
}

// PCA runs principal component analysis on the VST matrix. Zero-variance
// genes are dropped, the remaining genes ranked by population variance
// with the top TopVarianceGenes kept (ties keep gene order), samples
// centered per gene, then thin SVD. Scores are U*Sigma; the explained
// fraction of component i is sigma_i^2 over the sum of squares.
func (e *Engine) PCA() (*PCAResult, error) {
	vst := e.VST()
	nSamples := e.ds.Matrix.NSamples()
	if nSamples < 2 {
		return nil, fmt.Errorf("pca requires at least 2 samples, have %d", nSamples)
	}

	type rankedGene struct {
		idx      int
		variance float64
	}
	ranked := make([]rankedGene, 0, len(vst))
	for g, row := range vst {
		if _, v := meanVar(row); v > 0 {
			ranked = append(ranked, rankedGene{idx: g, variance: v})
		}
	}
	if len(ranked) == 0 {
		return nil, fmt.Errorf("no genes with nonzero variance")
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].variance > ranked[j].variance })
	if len(ranked) > e.topGenes {
		ranked = ranked[:e.topGenes]
	}

	nGenes := len(ranked)
	x := mat.NewDense(nSamples, nGenes, nil)
	geneIDs := make([]string, nGenes)
	allIDs := e.ds.Matrix.GeneIDs()
	for j, rg := range ranked {
		geneIDs[j] = allIDs[rg.idx]
		col := vst[rg.idx]
		m, _ := meanVar(col)
		for i := 0; i < nSamples; i++ {
			x.Set(i, j, col[i]-m)
		}
	}

	var svd mat.SVD
	if ok := svd.Factorize(x, mat.SVDThin); !ok {
		return nil, fmt.Errorf("svd did not converge")
	}

	singular := svd.Values(nil)
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)

	k := len(singular)
	coords := make([][]float64, nSamples)
	for i := 0; i < nSamples; i++ {
		row := make([]float64, k)
		for j := 0; j < k; j++ {
			row[j] = u.At(i, j) * singular[j]
		}
		coords[i] = row
	}

	total := 0.0
	for _, sv := range singular {
		total += sv * sv
	}
	nExplained := k
	if nExplained > e.maxComponents {
		nExplained = e.maxComponents
	}
	explained := make([]float64, nExplained)
	if total > 0 {
		for j := 0; j < nExplained; j++ {
			explained[j] = singular[j] * singular[j] / total
		}
	}

	loadings := make([][]float64, nGenes)
	for g := 0; g < nGenes; g++ {
		row := make([]float64, k)
		for j := 0; j < k; j++ {
			row[j] = v.At(g, j)
		}
		loadings[g] = row
	}

	e.logger.Debug("pca computed",
		zap.Int("genes_used", nGenes),
		zap.Int("components", k))

	return &PCAResult{
		Coordinates:       coords,
		ExplainedVariance: explained,
		Loadings:          loadings,
		GeneIDs:           geneIDs,
	}, nil
}
