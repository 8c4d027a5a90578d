package analysis

import (
	"context"
	"fmt"
	"math"
)

// GroupSpec describes a two-group contrast: a trait name and the two
// trait values to compare. Samples matching neither value are excluded
// from the comparison.
type GroupSpec struct {
	Trait  string
	Group1 string
	Group2 string
}

// EmptyGroupError reports a contrast where at least one group matched no
// samples.
type EmptyGroupError struct {
	Spec GroupSpec
	N1   int
	N2   int
}

func (e *EmptyGroupError) Error() string {
	return fmt.Sprintf("empty comparison group for trait %q: %q matched %d samples, %q matched %d",
		e.Spec.Trait, e.Spec.Group1, e.N1, e.Spec.Group2, e.N2)
}

// AdjustMethod selects the p-value adjustment.
type AdjustMethod string

const (
	// AdjustLinear is the default adjustment: min(1, p*1.1). A fixed
	// inflation, not a rank-based multiple-testing correction.
	AdjustLinear AdjustMethod = "linear"
	// AdjustBH applies the Benjamini-Hochberg procedure instead.
	AdjustBH AdjustMethod = "bh"
)

// GeneResult is the differential-expression outcome for one gene.
// BaseMean is the mean normalized count over all samples.
type GeneResult struct {
	GeneID         string
	GeneName       string
	BaseMean       float64
	Mean1          float64
	Mean2          float64
	Log2FoldChange float64
	PValue         float64
	AdjPValue      float64
}

// DEResult pairs the per-gene results (input gene order) with the
// resolved group sizes.
type DEResult struct {
	N1    int
	N2    int
	Genes []GeneResult
}

// DEOptions tune one differential-expression run.
type DEOptions struct {
	Adjust    AdjustMethod          // default AdjustLinear
	ChunkSize int                   // genes per chunk, default from engine options
	Progress  func(done, total int) // called after each chunk
}

// PartitionGroups resolves a contrast into sample column indexes by
// matching each sample's trait value key against the two group values.
func (e *Engine) PartitionGroups(spec GroupSpec) (group1, group2 []int, err error) {
	for i := range e.ds.Samples {
		v, ok := e.ds.Samples[i].Trait(spec.Trait)
		if !ok {
			continue
		}
		switch v.Key() {
		case spec.Group1:
			group1 = append(group1, i)
		case spec.Group2:
			group2 = append(group2, i)
		}
	}
	if len(group1) == 0 || len(group2) == 0 {
		return nil, nil, &EmptyGroupError{Spec: spec, N1: len(group1), N2: len(group2)}
	}
	return group1, group2, nil
}

// DifferentialExpression compares two sample groups gene by gene on the
// normalized (not VST) matrix. Genes are processed in fixed-size chunks:
// the context is checked between chunks so long runs can be cancelled,
// and progress is reported after each chunk. Chunking never changes
// values or ordering. Results are recomputed on every call.
func (e *Engine) DifferentialExpression(ctx context.Context, spec GroupSpec, opts DEOptions) (*DEResult, error) {
	g1, g2, err := e.PartitionGroups(spec)
	if err != nil {
		return nil, err
	}

	chunk := opts.ChunkSize
	if chunk <= 0 {
		chunk = e.chunkSize
	}

	normalized := e.Normalized()
	geneIDs := e.ds.Matrix.GeneIDs()
	geneNames := e.ds.Matrix.GeneNames()
	nGenes := len(normalized)

	results := make([]GeneResult, nGenes)
	buf1 := make([]float64, len(g1))
	buf2 := make([]float64, len(g2))
	for start := 0; start < nGenes; start += chunk {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		end := start + chunk
		if end > nGenes {
			end = nGenes
		}
		for g := start; g < end; g++ {
			row := normalized[g]
			for i, s := range g1 {
				buf1[i] = row[s]
			}
			for i, s := range g2 {
				buf2[i] = row[s]
			}
			results[g] = testGene(geneIDs[g], geneNames[g], row, buf1, buf2)
		}
		if opts.Progress != nil {
			opts.Progress(end, nGenes)
		}
	}

	switch opts.Adjust {
	case AdjustBH:
		pvals := make([]float64, nGenes)
		for i := range results {
			pvals[i] = results[i].PValue
		}
		adjusted := benjaminiHochberg(pvals)
		for i := range results {
			results[i].AdjPValue = adjusted[i]
		}
	default:
		for i := range results {
			results[i].AdjPValue = math.Min(1, results[i].PValue*1.1)
		}
	}

	return &DEResult{N1: len(g1), N2: len(g2), Genes: results}, nil
}

// testGene computes fold change and an approximate unequal-variance test
// for one gene. Means are floored at 0.1 before the log ratio; variances
// are population variances; p = max(0.001, 2*(1-Phi(|mean1-mean2|/SE)))
// with p = 1 when the pooled standard error is zero.
func testGene(geneID, geneName string, row, group1, group2 []float64) GeneResult {
	mean1, var1 := meanVar(group1)
	mean2, var2 := meanVar(group2)
	baseMean, _ := meanVar(row)

	adj1 := math.Max(mean1, 0.1)
	adj2 := math.Max(mean2, 0.1)
	log2FC := math.Log2(adj2 / adj1)

	se := math.Sqrt(var1/float64(len(group1)) + var2/float64(len(group2)))
	p := 1.0
	if se > 0 {
		t := math.Abs(mean1-mean2) / se
		p = 2 * (1 - normalCDF(t))
		if p < 0.001 {
			p = 0.001
		}
	}

	return GeneResult{
		GeneID:         geneID,
		GeneName:       geneName,
		BaseMean:       baseMean,
		Mean1:          mean1,
		Mean2:          mean2,
		Log2FoldChange: log2FC,
		PValue:         p,
	}
}
