// Package dataset loads RNA-seq count tables and sample sheets into
// immutable in-memory datasets.
package dataset

import (
	"encoding/json"
	"sort"
	"strconv"
)

// TraitKind distinguishes categorical from numeric trait values.
type TraitKind int

const (
	TraitCategorical TraitKind = iota
	TraitNumeric
)

// String returns the wire name of the kind.
func (k TraitKind) String() string {
	if k == TraitNumeric {
		return "numeric"
	}
	return "categorical"
}

// TraitValue is one sample annotation: a categorical string or a number.
type TraitValue struct {
	kind TraitKind
	str  string
	num  float64
}

// Categorical wraps a string annotation.
func Categorical(s string) TraitValue {
	return TraitValue{kind: TraitCategorical, str: s}
}

// Numeric wraps a numeric annotation.
func Numeric(v float64) TraitValue {
	return TraitValue{kind: TraitNumeric, num: v}
}

// Kind reports whether the value is categorical or numeric.
func (v TraitValue) Kind() TraitKind { return v.kind }

// Number returns the numeric value and whether the trait is numeric.
func (v TraitValue) Number() (float64, bool) {
	return v.num, v.kind == TraitNumeric
}

// Key returns the canonical group-key string for grouping and coloring:
// the categorical string itself, or the shortest decimal rendering of the
// number.
func (v TraitValue) Key() string {
	if v.kind == TraitNumeric {
		return strconv.FormatFloat(v.num, 'g', -1, 64)
	}
	return v.str
}

// MarshalJSON renders categorical values as strings and numeric values as
// numbers.
func (v TraitValue) MarshalJSON() ([]byte, error) {
	if v.kind == TraitNumeric {
		return json.Marshal(v.num)
	}
	return json.Marshal(v.str)
}

// Sample is one sequenced sample with its annotations and QC attributes.
// Samples are immutable once loaded.
type Sample struct {
	ID   string
	Name string

	Traits map[string]TraitValue

	LibrarySize     float64
	MappingRate     float64
	RNAIntegrity    float64
	SequencingDepth float64
}

// Trait returns the sample's value for a trait name.
func (s *Sample) Trait(name string) (TraitValue, bool) {
	v, ok := s.Traits[name]
	return v, ok
}

// GeneExpressionRecord holds the raw counts for one gene, keyed by sample
// name. Sample names absent from the map count as zero.
type GeneExpressionRecord struct {
	GeneID   string
	GeneName string
	Counts   map[string]float64
}

// Dataset is a loaded dataset: ordered samples, ordered genes, and the
// dense count matrix built from them. Ordering is fixed at construction.
type Dataset struct {
	Samples []Sample
	Genes   []GeneExpressionRecord
	Matrix  *CountMatrix
}

// New assembles a dataset from sample and gene-expression records.
func New(samples []Sample, genes []GeneExpressionRecord) (*Dataset, error) {
	matrix, err := BuildCountMatrix(samples, genes)
	if err != nil {
		return nil, err
	}
	return &Dataset{Samples: samples, Genes: genes, Matrix: matrix}, nil
}

// TraitSummary describes one trait across the dataset. A trait is numeric
// only when every sample carrying it has a numeric value.
type TraitSummary struct {
	Name   string
	Kind   TraitKind
	Values int
}

// Traits returns summaries for all trait names seen across samples,
// sorted by name.
func (d *Dataset) Traits() []TraitSummary {
	kinds := make(map[string]TraitKind)
	values := make(map[string]map[string]struct{})
	for i := range d.Samples {
		for name, v := range d.Samples[i].Traits {
			if _, seen := kinds[name]; !seen {
				kinds[name] = v.Kind()
			} else if v.Kind() != kinds[name] {
				kinds[name] = TraitCategorical
			}
			if values[name] == nil {
				values[name] = make(map[string]struct{})
			}
			values[name][v.Key()] = struct{}{}
		}
	}

	out := make([]TraitSummary, 0, len(kinds))
	for name, kind := range kinds {
		out = append(out, TraitSummary{Name: name, Kind: kind, Values: len(values[name])})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// TraitValueCount is one distinct trait value with its sample count.
type TraitValueCount struct {
	Value   string
	Samples int
}

// TraitValueCounts returns the distinct values of a trait with the number
// of samples carrying each, sorted by value.
func (d *Dataset) TraitValueCounts(name string) []TraitValueCount {
	counts := make(map[string]int)
	for i := range d.Samples {
		if v, ok := d.Samples[i].Traits[name]; ok {
			counts[v.Key()]++
		}
	}
	out := make([]TraitValueCount, 0, len(counts))
	for value, n := range counts {
		out = append(out, TraitValueCount{Value: value, Samples: n})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Value < out[j].Value })
	return out
}
