package api

import (
	"github.com/clf21/countlens/internal/service"
)

// DatasetRegistry holds the analysis services for all configured
// datasets.
type DatasetRegistry struct {
	services       map[string]*service.AnalysisService
	defaultDataset string
	datasetOrder   []string
	title          string
}

// NewDatasetRegistry creates a new dataset registry.
func NewDatasetRegistry(defaultDataset string, order []string, title string) *DatasetRegistry {
	return &DatasetRegistry{
		services:       make(map[string]*service.AnalysisService),
		defaultDataset: defaultDataset,
		datasetOrder:   order,
		title:          title,
	}
}

// Register adds an analysis service for a dataset.
func (r *DatasetRegistry) Register(datasetID string, svc *service.AnalysisService) {
	r.services[datasetID] = svc
}

// Get returns the analysis service for a dataset, or nil if not found.
func (r *DatasetRegistry) Get(datasetID string) *service.AnalysisService {
	return r.services[datasetID]
}

// Default returns the default dataset's analysis service.
func (r *DatasetRegistry) Default() *service.AnalysisService {
	return r.services[r.defaultDataset]
}

// DefaultDatasetID returns the default dataset ID.
func (r *DatasetRegistry) DefaultDatasetID() string {
	return r.defaultDataset
}

// DatasetIDs returns all dataset IDs in config order.
func (r *DatasetRegistry) DatasetIDs() []string {
	return r.datasetOrder
}

// Title returns the configured site title.
func (r *DatasetRegistry) Title() string {
	if r.title != "" {
		return r.title
	}
	return "CountLens"
}

// Datasets returns catalog entries for all registered datasets in
// config order.
func (r *DatasetRegistry) Datasets() []service.DatasetSummary {
	infos := make([]service.DatasetSummary, 0, len(r.datasetOrder))
	for _, id := range r.datasetOrder {
		svc := r.services[id]
		if svc == nil {
			continue
		}
		infos = append(infos, svc.Summary())
	}
	return infos
}
