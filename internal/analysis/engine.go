// Package analysis implements the statistical core for count datasets:
// median-of-ratios normalization, variance stabilization, PCA,
// approximate two-group differential expression, and QC metrics.
package analysis

import (
	"sync"

	"go.uber.org/zap"

	"github.com/clf21/countlens/internal/dataset"
)

// Engine defaults.
const (
	defaultTopVarianceGenes = 1000
	defaultMaxComponents    = 10
	defaultDEChunkSize      = 100
)

// Options tune an engine. Zero values take the defaults.
type Options struct {
	TopVarianceGenes int // genes kept for PCA after variance ranking
	MaxComponents    int // explained-variance entries returned by PCA
	DEChunkSize      int // genes per differential-expression chunk
}

// Engine computes derived matrices and statistics for one dataset. Size
// factors, the normalized matrix, and the VST matrix are computed once on
// first use and shared by all callers; differential expression is
// recomputed per request and never cached. Gene and sample ordering is
// fixed for the life of the engine; load new data by constructing a new
// engine rather than mutating this one.
type Engine struct {
	ds     *dataset.Dataset
	logger *zap.Logger

	topGenes      int
	maxComponents int
	chunkSize     int

	sfOnce      sync.Once
	sizeFactors []float64

	normOnce   sync.Once
	normalized [][]float64

	vstOnce sync.Once
	vst     [][]float64
}

// NewEngine creates an engine over a dataset.
func NewEngine(ds *dataset.Dataset, opts Options) *Engine {
	if opts.TopVarianceGenes <= 0 {
		opts.TopVarianceGenes = defaultTopVarianceGenes
	}
	if opts.MaxComponents <= 0 {
		opts.MaxComponents = defaultMaxComponents
	}
	if opts.DEChunkSize <= 0 {
		opts.DEChunkSize = defaultDEChunkSize
	}
	return &Engine{
		ds:            ds,
		logger:        zap.NewNop(),
		topGenes:      opts.TopVarianceGenes,
		maxComponents: opts.MaxComponents,
		chunkSize:     opts.DEChunkSize,
	}
}

// SetLogger sets the engine's logger.
func (e *Engine) SetLogger(logger *zap.Logger) {
	if logger != nil {
		e.logger = logger
	}
}

// Dataset returns the engine's dataset.
func (e *Engine) Dataset() *dataset.Dataset { return e.ds }

// SizeFactors returns the per-sample size factors, computing them on
// first use. The returned slice must not be modified.
func (e *Engine) SizeFactors() []float64 {
	e.sfOnce.Do(func() {
		e.sizeFactors = computeSizeFactors(e.ds.Matrix)
		e.logger.Debug("size factors computed",
			zap.Int("samples", len(e.sizeFactors)))
	})
	return e.sizeFactors
}

// Normalized returns the normalized count matrix (genes x samples),
// computing it on first use. The returned rows must not be modified.
func (e *Engine) Normalized() [][]float64 {
	e.normOnce.Do(func() {
		e.normalized = normalizeMatrix(e.ds.Matrix, e.SizeFactors())
		e.logger.Debug("normalized matrix computed",
			zap.Int("genes", len(e.normalized)))
	})
	return e.normalized
}

// VST returns the variance-stabilized matrix, computing it on first use.
// The returned rows must not be modified.
func (e *Engine) VST() [][]float64 {
	e.vstOnce.Do(func() {
		e.vst = vstMatrix(e.Normalized())
		e.logger.Debug("vst matrix computed",
			zap.Int("genes", len(e.vst)))
	})
	return e.vst
}
