// Package plot projects analysis results into plain point records for
// visualization.
package plot

import (
	"math"

	"github.com/clf21/countlens/internal/analysis"
	"github.com/clf21/countlens/internal/dataset"
	"github.com/clf21/countlens/pkg/colormap"
)

// Significance classes for differential-expression points.
const (
	SignificanceUp   = "up"
	SignificanceDown = "down"
	SignificanceNone = "not_significant"
)

const (
	foldChangeCutoff = 1.0
	adjPValueCutoff  = 0.05
	pValueFloor      = 1e-10
)

// Point is one plottable marker. SampleID or GeneID back-references the
// originating record by identifier.
type Point struct {
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
	Label    string  `json:"label"`
	Color    string  `json:"color"`
	Size     float64 `json:"size,omitempty"`
	SampleID string  `json:"sample_id,omitempty"`
	GeneID   string  `json:"gene_id,omitempty"`
}

// Classify applies the significance rule: |log2 fold change| >= 1.0 and
// adjusted p-value < 0.05, direction by the fold-change sign.
func Classify(log2FC, adjP float64) string {
	if math.Abs(log2FC) >= foldChangeCutoff && adjP < adjPValueCutoff {
		if log2FC > 0 {
			return SignificanceUp
		}
		return SignificanceDown
	}
	return SignificanceNone
}

func significanceColor(class string) string {
	switch class {
	case SignificanceUp:
		return colormap.Hex(colormap.Up)
	case SignificanceDown:
		return colormap.Hex(colormap.Down)
	default:
		return colormap.Hex(colormap.Neutral)
	}
}

// traitColor picks the deterministic color for a sample under a trait:
// categorical values hash into the palette, numeric values index it
// modulo its length. Samples missing the trait are neutral gray; with no
// trait selected every sample gets the first palette color.
func traitColor(s *dataset.Sample, trait string) string {
	if trait == "" {
		return colormap.Hex(colormap.AtIndex(0))
	}
	v, ok := s.Trait(trait)
	if !ok {
		return colormap.Hex(colormap.Neutral)
	}
	if n, isNum := v.Number(); isNum {
		return colormap.Hex(colormap.ForNumber(n))
	}
	return colormap.Hex(colormap.ForCategory(v.Key()))
}

// PCAPoints maps component scores to points, one per sample in input
// order, colored by the selected trait. pcX and pcY are zero-based
// component indexes and must be within the coordinate width.
func PCAPoints(samples []dataset.Sample, res *analysis.PCAResult, trait string, pcX, pcY int) []Point {
	points := make([]Point, len(samples))
	for i := range samples {
		s := &samples[i]
		points[i] = Point{
			X:        res.Coordinates[i][pcX],
			Y:        res.Coordinates[i][pcY],
			Label:    s.Name,
			Color:    traitColor(s, trait),
			SampleID: s.ID,
		}
	}
	return points
}

// VolcanoPoints maps DE results to volcano coordinates: x is the log2
// fold change, y is -log10 of the p-value floored at 1e-10.
func VolcanoPoints(results []analysis.GeneResult) []Point {
	points := make([]Point, len(results))
	for i := range results {
		r := &results[i]
		points[i] = Point{
			X:      r.Log2FoldChange,
			Y:      -math.Log10(math.Max(r.PValue, pValueFloor)),
			Label:  geneLabel(r),
			Color:  significanceColor(Classify(r.Log2FoldChange, r.AdjPValue)),
			GeneID: r.GeneID,
		}
	}
	return points
}

// MAPoints maps DE results to MA coordinates: x is log2(baseMean + 1),
// y is the log2 fold change, with volcano's significance coloring.
func MAPoints(results []analysis.GeneResult) []Point {
	points := make([]Point, len(results))
	for i := range results {
		r := &results[i]
		points[i] = Point{
			X:      math.Log2(r.BaseMean + 1),
			Y:      r.Log2FoldChange,
			Label:  geneLabel(r),
			Color:  significanceColor(Classify(r.Log2FoldChange, r.AdjPValue)),
			GeneID: r.GeneID,
		}
	}
	return points
}

func geneLabel(r *analysis.GeneResult) string {
	if r.GeneName != "" {
		return r.GeneName
	}
	return r.GeneID
}
