// Package service provides business logic for the countlens server.
package service

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/clf21/countlens/internal/analysis"
	"github.com/clf21/countlens/internal/cache"
	"github.com/clf21/countlens/internal/dataset"
	"github.com/clf21/countlens/internal/destore"
	"github.com/clf21/countlens/internal/plot"
	"github.com/clf21/countlens/internal/render"
)

// Plot kinds derived from a finished DE job.
const (
	PlotVolcano = "volcano"
	PlotMA      = "ma"
)

// ErrInvalidComponent marks a principal-component index outside the
// range the PCA produced.
var ErrInvalidComponent = errors.New("invalid principal component")

// AnalysisServiceConfig contains analysis service configuration.
type AnalysisServiceConfig struct {
	DatasetID string
	Title     string
	Dataset   *dataset.Dataset
	Engine    *analysis.Engine
	Cache     *cache.Manager
	Renderer  *render.ScatterRenderer
	DEStore   *destore.Store
}

// AnalysisService serves analysis payloads and rendered plots for one
// dataset. Expensive payloads (QC, PCA, DE plots) are cached as
// serialized bytes; rendered PNGs go to the plot cache.
type AnalysisService struct {
	datasetID string
	title     string
	ds        *dataset.Dataset
	engine    *analysis.Engine
	cache     *cache.Manager
	renderer  *render.ScatterRenderer
	destore   *destore.Store
	logger    *zap.Logger
}

// NewAnalysisService creates a new analysis service.
func NewAnalysisService(cfg AnalysisServiceConfig) *AnalysisService {
	datasetID := cfg.DatasetID
	if datasetID == "" {
		datasetID = "default"
	}
	return &AnalysisService{
		datasetID: datasetID,
		title:     cfg.Title,
		ds:        cfg.Dataset,
		engine:    cfg.Engine,
		cache:     cfg.Cache,
		renderer:  cfg.Renderer,
		destore:   cfg.DEStore,
		logger:    zap.NewNop(),
	}
}

// SetLogger sets the service's logger.
func (s *AnalysisService) SetLogger(logger *zap.Logger) {
	if logger != nil {
		s.logger = logger
	}
}

// DatasetID returns the dataset ID this service serves.
func (s *AnalysisService) DatasetID() string { return s.datasetID }

// Title returns the configured display title.
func (s *AnalysisService) Title() string { return s.title }

// Dataset returns the loaded dataset.
func (s *AnalysisService) Dataset() *dataset.Dataset { return s.ds }

// Engine returns the analysis engine.
func (s *AnalysisService) Engine() *analysis.Engine { return s.engine }

// DatasetSummary describes one dataset for the catalog endpoint.
type DatasetSummary struct {
	ID       string `json:"id"`
	Title    string `json:"title,omitempty"`
	NSamples int    `json:"n_samples"`
	NGenes   int    `json:"n_genes"`
}

// Summary returns the dataset's catalog entry.
func (s *AnalysisService) Summary() DatasetSummary {
	return DatasetSummary{
		ID:       s.datasetID,
		Title:    s.title,
		NSamples: s.ds.Matrix.NSamples(),
		NGenes:   s.ds.Matrix.NGenes(),
	}
}

// SampleInfo is one sample catalog entry.
type SampleInfo struct {
	SampleID        string                        `json:"sample_id"`
	SampleName      string                        `json:"sample_name"`
	LibrarySize     float64                       `json:"library_size"`
	MappingRate     float64                       `json:"mapping_rate"`
	RNAIntegrity    float64                       `json:"rna_integrity"`
	SequencingDepth float64                       `json:"sequencing_depth"`
	Traits          map[string]dataset.TraitValue `json:"traits"`
}

// Samples returns the sample catalog in dataset order.
func (s *AnalysisService) Samples() []SampleInfo {
	out := make([]SampleInfo, len(s.ds.Samples))
	for i := range s.ds.Samples {
		smp := &s.ds.Samples[i]
		out[i] = SampleInfo{
			SampleID:        smp.ID,
			SampleName:      smp.Name,
			LibrarySize:     smp.LibrarySize,
			MappingRate:     smp.MappingRate,
			RNAIntegrity:    smp.RNAIntegrity,
			SequencingDepth: smp.SequencingDepth,
			Traits:          smp.Traits,
		}
	}
	return out
}

// GeneInfo is one gene catalog entry.
type GeneInfo struct {
	GeneID   string `json:"gene_id"`
	GeneName string `json:"gene_name"`
}

// Genes returns the gene catalog in dataset order, optionally filtered
// by a case-insensitive substring of the ID or name and truncated to
// limit entries when limit > 0.
func (s *AnalysisService) Genes(q string, limit int) []GeneInfo {
	q = strings.ToLower(q)
	out := make([]GeneInfo, 0, 64)
	for i := range s.ds.Genes {
		g := &s.ds.Genes[i]
		if q != "" &&
			!strings.Contains(strings.ToLower(g.GeneID), q) &&
			!strings.Contains(strings.ToLower(g.GeneName), q) {
			continue
		}
		out = append(out, GeneInfo{GeneID: g.GeneID, GeneName: g.GeneName})
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// TraitInfo is one trait catalog entry.
type TraitInfo struct {
	Name   string `json:"name"`
	Kind   string `json:"kind"`
	Values int    `json:"values"`
}

// Traits returns the trait catalog sorted by name.
func (s *AnalysisService) Traits() []TraitInfo {
	summaries := s.ds.Traits()
	out := make([]TraitInfo, len(summaries))
	for i, t := range summaries {
		out[i] = TraitInfo{Name: t.Name, Kind: t.Kind.String(), Values: t.Values}
	}
	return out
}

// TraitValueInfo is one distinct trait value with its sample count.
type TraitValueInfo struct {
	Value   string `json:"value"`
	Samples int    `json:"samples"`
}

// TraitValues returns the distinct values of a trait with sample counts.
func (s *AnalysisService) TraitValues(name string) []TraitValueInfo {
	counts := s.ds.TraitValueCounts(name)
	out := make([]TraitValueInfo, len(counts))
	for i, c := range counts {
		out[i] = TraitValueInfo{Value: c.Value, Samples: c.Samples}
	}
	return out
}

// SizeFactorItem is one sample's normalization factor.
type SizeFactorItem struct {
	SampleID   string  `json:"sample_id"`
	SampleName string  `json:"sample_name"`
	SizeFactor float64 `json:"size_factor"`
}

// SizeFactors returns the per-sample median-of-ratios size factors.
func (s *AnalysisService) SizeFactors() []SizeFactorItem {
	factors := s.engine.SizeFactors()
	out := make([]SizeFactorItem, len(factors))
	for i, f := range factors {
		out[i] = SizeFactorItem{
			SampleID:   s.ds.Samples[i].ID,
			SampleName: s.ds.Samples[i].Name,
			SizeFactor: f,
		}
	}
	return out
}

// SampleQCItem joins detection statistics with the sample sheet QC
// attributes.
type SampleQCItem struct {
	SampleID        string  `json:"sample_id"`
	SampleName      string  `json:"sample_name"`
	TotalCounts     float64 `json:"total_counts"`
	DetectedGenes   int     `json:"detected_genes"`
	DetectionRate   float64 `json:"detection_rate"`
	LibrarySize     float64 `json:"library_size"`
	MappingRate     float64 `json:"mapping_rate"`
	RNAIntegrity    float64 `json:"rna_integrity"`
	SequencingDepth float64 `json:"sequencing_depth"`
}

// QCResponse is the JSON payload for the QC endpoint.
type QCResponse struct {
	DatasetID      string         `json:"dataset_id"`
	TotalGenes     int            `json:"total_genes"`
	ExpressedGenes int            `json:"expressed_genes"`
	ExpressionRate float64        `json:"expression_rate"`
	Samples        []SampleQCItem `json:"samples"`
}

// QCPayload returns the serialized QC metrics for the dataset.
func (s *AnalysisService) QCPayload() ([]byte, error) {
	key := cache.QCKey(s.datasetID)
	if data, ok := s.cache.GetPayload(key); ok {
		return data, nil
	}

	qc := s.engine.QC()
	items := make([]SampleQCItem, len(qc.Samples))
	for i, sq := range qc.Samples {
		smp := &s.ds.Samples[i]
		items[i] = SampleQCItem{
			SampleID:        sq.SampleID,
			SampleName:      sq.SampleName,
			TotalCounts:     sq.TotalCounts,
			DetectedGenes:   sq.DetectedGenes,
			DetectionRate:   sq.DetectionRate,
			LibrarySize:     smp.LibrarySize,
			MappingRate:     smp.MappingRate,
			RNAIntegrity:    smp.RNAIntegrity,
			SequencingDepth: smp.SequencingDepth,
		}
	}

	data, err := json.Marshal(QCResponse{
		DatasetID:      s.datasetID,
		TotalGenes:     qc.TotalGenes,
		ExpressedGenes: qc.ExpressedGenes,
		ExpressionRate: qc.ExpressionRate,
		Samples:        items,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal qc payload: %w", err)
	}
	s.cache.SetPayload(key, data)
	return data, nil
}

// PCAResponse is the JSON payload for the PCA endpoint. PCX and PCY are
// one-based component indexes.
type PCAResponse struct {
	DatasetID         string       `json:"dataset_id"`
	PCX               int          `json:"pc_x"`
	PCY               int          `json:"pc_y"`
	ColorBy           string       `json:"color_by,omitempty"`
	ExplainedVariance []float64    `json:"explained_variance"`
	GeneIDs           []string     `json:"gene_ids"`
	Points            []plot.Point `json:"points"`
}

// PCAPayload returns the serialized PCA scatter for one-based component
// indexes, colored by an optional trait.
func (s *AnalysisService) PCAPayload(pcX, pcY int, trait string) ([]byte, error) {
	key := cache.PCAKey(s.datasetID, pcX, pcY, trait)
	if data, ok := s.cache.GetPayload(key); ok {
		return data, nil
	}

	res, points, err := s.pcaPoints(pcX, pcY, trait)
	if err != nil {
		return nil, err
	}

	data, err := json.Marshal(PCAResponse{
		DatasetID:         s.datasetID,
		PCX:               pcX,
		PCY:               pcY,
		ColorBy:           trait,
		ExplainedVariance: res.ExplainedVariance,
		GeneIDs:           res.GeneIDs,
		Points:            points,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal pca payload: %w", err)
	}
	s.cache.SetPayload(key, data)
	return data, nil
}

// PCAPlotPNG renders the PCA scatter as a PNG, cached by component pair,
// color trait, and canvas size.
func (s *AnalysisService) PCAPlotPNG(pcX, pcY int, trait string) ([]byte, error) {
	w, h := s.renderer.Size()
	key := cache.PNGKey(cache.PCAKey(s.datasetID, pcX, pcY, trait), w, h)
	if data, ok := s.cache.GetPlot(key); ok {
		return data, nil
	}

	_, points, err := s.pcaPoints(pcX, pcY, trait)
	if err != nil {
		return nil, err
	}

	data, err := s.renderer.RenderScatter(points)
	if err != nil {
		return nil, fmt.Errorf("failed to render pca plot: %w", err)
	}
	s.cache.SetPlot(key, data)
	return data, nil
}

func (s *AnalysisService) pcaPoints(pcX, pcY int, trait string) (*analysis.PCAResult, []plot.Point, error) {
	res, err := s.engine.PCA()
	if err != nil {
		return nil, nil, err
	}

	components := 0
	if len(res.Coordinates) > 0 {
		components = len(res.Coordinates[0])
	}
	for _, pc := range []int{pcX, pcY} {
		if pc < 1 || pc > components {
			return nil, nil, fmt.Errorf("%w: pc=%d (dataset has %d components)",
				ErrInvalidComponent, pc, components)
		}
	}

	return res, plot.PCAPoints(s.ds.Samples, res, trait, pcX-1, pcY-1), nil
}

// DEPlotResponse is the JSON payload for the volcano and MA endpoints.
type DEPlotResponse struct {
	DatasetID string       `json:"dataset_id"`
	JobID     string       `json:"job_id"`
	Kind      string       `json:"kind"`
	Up        int          `json:"up"`
	Down      int          `json:"down"`
	Points    []plot.Point `json:"points"`
}

// DEPlotPayload builds the volcano or MA payload for a completed job.
// Callers verify job status and dataset ownership first.
func (s *AnalysisService) DEPlotPayload(jobID, kind string) ([]byte, error) {
	key := cache.DEPlotKey(s.datasetID, jobID, kind)
	if data, ok := s.cache.GetPayload(key); ok {
		return data, nil
	}

	results, err := s.jobResults(jobID)
	if err != nil {
		return nil, err
	}

	points, err := projectDEPlot(kind, results)
	if err != nil {
		return nil, err
	}

	up, down := 0, 0
	for i := range results {
		switch plot.Classify(results[i].Log2FoldChange, results[i].AdjPValue) {
		case plot.SignificanceUp:
			up++
		case plot.SignificanceDown:
			down++
		}
	}

	data, err := json.Marshal(DEPlotResponse{
		DatasetID: s.datasetID,
		JobID:     jobID,
		Kind:      kind,
		Up:        up,
		Down:      down,
		Points:    points,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", kind, err)
	}
	s.cache.SetPayload(key, data)
	return data, nil
}

// DEPlotPNG renders the volcano or MA scatter for a completed job.
func (s *AnalysisService) DEPlotPNG(jobID, kind string) ([]byte, error) {
	w, h := s.renderer.Size()
	key := cache.PNGKey(cache.DEPlotKey(s.datasetID, jobID, kind), w, h)
	if data, ok := s.cache.GetPlot(key); ok {
		return data, nil
	}

	results, err := s.jobResults(jobID)
	if err != nil {
		return nil, err
	}
	points, err := projectDEPlot(kind, results)
	if err != nil {
		return nil, err
	}

	data, err := s.renderer.RenderScatter(points)
	if err != nil {
		return nil, fmt.Errorf("failed to render %s plot: %w", kind, err)
	}
	s.cache.SetPlot(key, data)
	return data, nil
}

func projectDEPlot(kind string, results []analysis.GeneResult) ([]plot.Point, error) {
	switch kind {
	case PlotVolcano:
		return plot.VolcanoPoints(results), nil
	case PlotMA:
		return plot.MAPoints(results), nil
	default:
		return nil, fmt.Errorf("unknown plot kind: %s", kind)
	}
}

func (s *AnalysisService) jobResults(jobID string) ([]analysis.GeneResult, error) {
	// LIMIT -1 disables the limit in SQLite; plots need every gene.
	rows, _, err := s.destore.QueryResults(jobID, "padj", 0, -1)
	if err != nil {
		return nil, fmt.Errorf("failed to load job results: %w", err)
	}
	return rowsToResults(rows), nil
}

func rowsToResults(rows []*destore.DEGeneRow) []analysis.GeneResult {
	out := make([]analysis.GeneResult, len(rows))
	for i, r := range rows {
		out[i] = analysis.GeneResult{
			GeneID:         r.GeneID,
			GeneName:       r.GeneName,
			BaseMean:       r.BaseMean,
			Mean1:          r.Mean1,
			Mean2:          r.Mean2,
			Log2FoldChange: r.Log2FC,
			PValue:         r.PValue,
			AdjPValue:      r.AdjPValue,
		}
	}
	return out
}
