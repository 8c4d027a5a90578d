package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/clf21/countlens/internal/analysis"
	"github.com/clf21/countlens/internal/destore"
)

// DEService executes differential expression jobs against registered
// datasets.
type DEService struct {
	registry interface {
		Get(datasetID string) *AnalysisService
	}
	logger *zap.Logger
}

// NewDEService creates a new DE service.
func NewDEService(registry interface{ Get(datasetID string) *AnalysisService }) *DEService {
	return &DEService{registry: registry, logger: zap.NewNop()}
}

// SetLogger sets the service's logger.
func (s *DEService) SetLogger(logger *zap.Logger) {
	if logger != nil {
		s.logger = logger
	}
}

// ExecuteDEJob runs the DE analysis for a job (called by JobManager worker).
func (s *DEService) ExecuteDEJob(ctx context.Context, store *destore.Store, jobID string) error {
	// Load job from store
	job, err := store.GetJob(jobID)
	if err != nil {
		return fmt.Errorf("failed to get job: %w", err)
	}
	if job == nil {
		return fmt.Errorf("job not found: %s", jobID)
	}

	svc := s.registry.Get(job.Params.DatasetID)
	if svc == nil {
		return fmt.Errorf("dataset not found: %s", job.Params.DatasetID)
	}
	engine := svc.Engine()

	spec := analysis.GroupSpec{
		Trait:  job.Params.Trait,
		Group1: job.Params.Group1,
		Group2: job.Params.Group2,
	}

	// Phase 1: resolve the comparison groups
	store.UpdateJobProgress(jobID, "partitioning", 0, 100)

	g1, g2, err := engine.PartitionGroups(spec)
	if err != nil {
		return err
	}
	store.UpdateJobCounts(jobID, len(g1), len(g2))

	if ctx.Err() != nil {
		return ctx.Err()
	}

	// Phase 2: per-gene tests with chunked progress
	nGenes := engine.Dataset().Matrix.NGenes()
	store.UpdateJobProgress(jobID, "testing_genes", 0, nGenes)

	adjust := analysis.AdjustLinear
	if job.Params.Adjust == string(analysis.AdjustBH) {
		adjust = analysis.AdjustBH
	}

	res, err := engine.DifferentialExpression(ctx, spec, analysis.DEOptions{
		Adjust: adjust,
		Progress: func(done, total int) {
			store.UpdateJobProgress(jobID, "testing_genes", done, total)
		},
	})
	if err != nil {
		return err
	}

	s.logger.Info("de job computed",
		zap.String("job_id", jobID),
		zap.String("dataset", job.Params.DatasetID),
		zap.Int("genes", len(res.Genes)),
		zap.Int("n1", res.N1),
		zap.Int("n2", res.N2))

	// Phase 3: persist per-gene rows
	store.UpdateJobProgress(jobID, "saving_results", 0, len(res.Genes))

	rows := make([]*destore.DEGeneRow, len(res.Genes))
	for i := range res.Genes {
		g := &res.Genes[i]
		rows[i] = &destore.DEGeneRow{
			GeneID:    g.GeneID,
			GeneName:  g.GeneName,
			BaseMean:  g.BaseMean,
			Mean1:     g.Mean1,
			Mean2:     g.Mean2,
			Log2FC:    g.Log2FoldChange,
			PValue:    g.PValue,
			AdjPValue: g.AdjPValue,
		}
	}
	if err := store.InsertResults(jobID, rows); err != nil {
		return fmt.Errorf("failed to save results: %w", err)
	}
	store.UpdateJobProgress(jobID, "saving_results", len(rows), len(rows))

	return nil
}
