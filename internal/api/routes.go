// Package api provides HTTP handlers for the countlens server.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/clf21/countlens/internal/analysis"
	"github.com/clf21/countlens/internal/destore"
	"github.com/clf21/countlens/internal/service"
)

// RouterConfig contains router configuration.
type RouterConfig struct {
	Registry    *DatasetRegistry
	CORSOrigins []string
	JobManager  *JobManager
}

// NewRouter creates a new HTTP router.
func NewRouter(cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	// Global datasets endpoint (not dataset-scoped)
	r.Get("/api/datasets", datasetsHandler(cfg.Registry))

	// Dataset-scoped routes: /d/{dataset}/...
	r.Route("/d/{dataset}", func(r chi.Router) {
		r.Use(datasetMiddleware(cfg.Registry))

		r.Route("/api", func(r chi.Router) {
			r.Get("/qc", datasetQCHandler)
			r.Get("/samples", datasetSamplesHandler)
			r.Get("/genes", datasetGenesHandler)
			r.Get("/traits", datasetTraitsHandler)
			r.Get("/traits/{trait}/values", datasetTraitValuesHandler)
			r.Get("/size-factors", datasetSizeFactorsHandler)
			r.Get("/pca", datasetPCAHandler)
			r.Get("/pca.png", datasetPCAPlotHandler)

			// DE job endpoints
			r.Route("/de/jobs", func(r chi.Router) {
				r.Post("/", deJobSubmitHandler(cfg.JobManager))
				r.Get("/", deJobListHandler(cfg.JobManager))
				r.Get("/{job_id}", deJobStatusHandler(cfg.JobManager))
				r.Get("/{job_id}/result", deJobResultHandler(cfg.JobManager))
				r.Get("/{job_id}/volcano", deJobPlotHandler(cfg.JobManager, service.PlotVolcano, false))
				r.Get("/{job_id}/volcano.png", deJobPlotHandler(cfg.JobManager, service.PlotVolcano, true))
				r.Get("/{job_id}/ma", deJobPlotHandler(cfg.JobManager, service.PlotMA, false))
				r.Get("/{job_id}/ma.png", deJobPlotHandler(cfg.JobManager, service.PlotMA, true))
				r.Delete("/{job_id}", deJobCancelHandler(cfg.JobManager))
			})
		})
	})

	return r
}

// Context key for dataset service
type ctxKey string

const datasetServiceKey ctxKey = "datasetService"

// datasetMiddleware resolves the dataset from URL and injects the analysis service into context.
func datasetMiddleware(registry *DatasetRegistry) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			datasetID := chi.URLParam(r, "dataset")
			svc := registry.Get(datasetID)
			if svc == nil {
				http.Error(w, "dataset not found: "+datasetID, http.StatusNotFound)
				return
			}
			ctx := context.WithValue(r.Context(), datasetServiceKey, svc)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func getDatasetService(r *http.Request) *service.AnalysisService {
	if svc, ok := r.Context().Value(datasetServiceKey).(*service.AnalysisService); ok {
		return svc
	}
	return nil
}

// datasetsHandler returns the list of available datasets.
func datasetsHandler(registry *DatasetRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		response := map[string]interface{}{
			"default":  registry.DefaultDatasetID(),
			"datasets": registry.Datasets(),
			"title":    registry.Title(),
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(response)
	}
}

// Dataset-scoped handlers (get service from context)
func datasetQCHandler(w http.ResponseWriter, r *http.Request) {
	svc := getDatasetService(r)
	if svc == nil {
		http.Error(w, "dataset service not found", http.StatusInternalServerError)
		return
	}
	qcHandler(svc)(w, r)
}

func datasetSamplesHandler(w http.ResponseWriter, r *http.Request) {
	svc := getDatasetService(r)
	if svc == nil {
		http.Error(w, "dataset service not found", http.StatusInternalServerError)
		return
	}
	samplesHandler(svc)(w, r)
}

func datasetGenesHandler(w http.ResponseWriter, r *http.Request) {
	svc := getDatasetService(r)
	if svc == nil {
		http.Error(w, "dataset service not found", http.StatusInternalServerError)
		return
	}
	genesHandler(svc)(w, r)
}

func datasetTraitsHandler(w http.ResponseWriter, r *http.Request) {
	svc := getDatasetService(r)
	if svc == nil {
		http.Error(w, "dataset service not found", http.StatusInternalServerError)
		return
	}
	traitsHandler(svc)(w, r)
}

func datasetTraitValuesHandler(w http.ResponseWriter, r *http.Request) {
	svc := getDatasetService(r)
	if svc == nil {
		http.Error(w, "dataset service not found", http.StatusInternalServerError)
		return
	}
	traitValuesHandler(svc)(w, r)
}

func datasetSizeFactorsHandler(w http.ResponseWriter, r *http.Request) {
	svc := getDatasetService(r)
	if svc == nil {
		http.Error(w, "dataset service not found", http.StatusInternalServerError)
		return
	}
	sizeFactorsHandler(svc)(w, r)
}

func datasetPCAHandler(w http.ResponseWriter, r *http.Request) {
	svc := getDatasetService(r)
	if svc == nil {
		http.Error(w, "dataset service not found", http.StatusInternalServerError)
		return
	}
	pcaHandler(svc)(w, r)
}

func datasetPCAPlotHandler(w http.ResponseWriter, r *http.Request) {
	svc := getDatasetService(r)
	if svc == nil {
		http.Error(w, "dataset service not found", http.StatusInternalServerError)
		return
	}
	pcaPlotHandler(svc)(w, r)
}

// Original handlers (take service as parameter)
func qcHandler(svc *service.AnalysisService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		data, err := svc.QCPayload()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(data)
	}
}

func samplesHandler(svc *service.AnalysisService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		samples := svc.Samples()
		response := map[string]interface{}{
			"samples": samples,
			"total":   len(samples),
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(response)
	}
}

func genesHandler(svc *service.AnalysisService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := strings.TrimSpace(r.URL.Query().Get("q"))
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		if limit <= 0 || limit > 1000 {
			limit = 100
		}

		genes := svc.Genes(q, limit)
		response := map[string]interface{}{
			"genes": genes,
			"total": len(genes),
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(response)
	}
}

func traitsHandler(svc *service.AnalysisService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		traits := svc.Traits()
		response := map[string]interface{}{
			"traits": traits,
			"total":  len(traits),
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(response)
	}
}

func traitValuesHandler(svc *service.AnalysisService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		trait := chi.URLParam(r, "trait")

		values := svc.TraitValues(trait)
		if len(values) == 0 {
			http.Error(w, "trait not found: "+trait, http.StatusNotFound)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"trait":  trait,
			"values": values,
			"total":  len(values),
		})
	}
}

func sizeFactorsHandler(svc *service.AnalysisService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		factors := svc.SizeFactors()
		response := map[string]interface{}{
			"size_factors": factors,
			"total":        len(factors),
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(response)
	}
}

func parsePC(r *http.Request, key string, def int) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.New("invalid " + key + " parameter")
	}
	return v, nil
}

func pcaHandler(svc *service.AnalysisService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		pcX, err := parsePC(r, "pc_x", 1)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		pcY, err := parsePC(r, "pc_y", 2)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		colorBy := strings.TrimSpace(r.URL.Query().Get("color_by"))

		data, err := svc.PCAPayload(pcX, pcY, colorBy)
		if err != nil {
			if errors.Is(err, service.ErrInvalidComponent) {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.Write(data)
	}
}

func pcaPlotHandler(svc *service.AnalysisService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		pcX, err := parsePC(r, "pc_x", 1)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		pcY, err := parsePC(r, "pc_y", 2)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		colorBy := strings.TrimSpace(r.URL.Query().Get("color_by"))

		data, err := svc.PCAPlotPNG(pcX, pcY, colorBy)
		if err != nil {
			if errors.Is(err, service.ErrInvalidComponent) {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Cache-Control", "public, max-age=3600")
		w.Write(data)
	}
}

// DE Job handlers

type deJobSubmitRequest struct {
	Trait  string `json:"trait"`
	Group1 string `json:"group1"`
	Group2 string `json:"group2"`
	Adjust string `json:"adjust"`
	Limit  int    `json:"limit"`
}

func deJobSubmitHandler(jm *JobManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if jm == nil {
			http.Error(w, "job manager not configured", http.StatusNotImplemented)
			return
		}

		svc := getDatasetService(r)
		if svc == nil {
			http.Error(w, "dataset service not available", http.StatusInternalServerError)
			return
		}

		var req deJobSubmitRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
			return
		}

		// Validate required fields
		if req.Trait == "" {
			http.Error(w, "trait is required", http.StatusBadRequest)
			return
		}
		if req.Group1 == "" {
			http.Error(w, "group1 is required", http.StatusBadRequest)
			return
		}
		if req.Group2 == "" {
			http.Error(w, "group2 is required", http.StatusBadRequest)
			return
		}

		// Apply defaults
		if req.Adjust == "" {
			req.Adjust = string(analysis.AdjustLinear)
		}
		if req.Adjust != string(analysis.AdjustLinear) && req.Adjust != string(analysis.AdjustBH) {
			http.Error(w, "invalid adjust (expected linear or bh)", http.StatusBadRequest)
			return
		}
		if req.Limit <= 0 {
			req.Limit = 50
		}
		if req.Limit > 500 {
			req.Limit = 500
		}

		// Resolve the contrast before queuing so an empty group fails fast
		// instead of surfacing as a failed job.
		spec := analysis.GroupSpec{Trait: req.Trait, Group1: req.Group1, Group2: req.Group2}
		if _, _, err := svc.Engine().PartitionGroups(spec); err != nil {
			var emptyErr *analysis.EmptyGroupError
			if errors.As(err, &emptyErr) {
				http.Error(w, err.Error(), http.StatusUnprocessableEntity)
				return
			}
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		datasetID := chi.URLParam(r, "dataset")
		params := destore.DEJobParams{
			DatasetID: datasetID,
			Trait:     req.Trait,
			Group1:    req.Group1,
			Group2:    req.Group2,
			Adjust:    req.Adjust,
			Limit:     req.Limit,
		}

		job, err := jm.Submit(params)
		if err != nil {
			http.Error(w, "failed to submit job: "+err.Error(), http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"job_id": job.ID,
			"status": job.Status,
		})
	}
}

func deJobListHandler(jm *JobManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if jm == nil {
			http.Error(w, "job manager not configured", http.StatusNotImplemented)
			return
		}

		datasetID := chi.URLParam(r, "dataset")
		jobs, err := jm.Store().ListJobsByDataset(datasetID)
		if err != nil {
			http.Error(w, "failed to list jobs: "+err.Error(), http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"jobs":  jobs,
			"total": len(jobs),
		})
	}
}

func deJobStatusHandler(jm *JobManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if jm == nil {
			http.Error(w, "job manager not configured", http.StatusNotImplemented)
			return
		}

		jobID := chi.URLParam(r, "job_id")
		job := jm.Get(jobID)
		if job == nil {
			http.Error(w, "job not found", http.StatusNotFound)
			return
		}

		// Check dataset matches
		datasetID := chi.URLParam(r, "dataset")
		if job.Params.DatasetID != datasetID {
			http.Error(w, "job not found", http.StatusNotFound)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"job_id":      job.ID,
			"status":      job.Status,
			"params":      job.Params,
			"created_at":  job.CreatedAt,
			"started_at":  job.StartedAt,
			"finished_at": job.FinishedAt,
			"progress":    job.Progress,
			"n1":          job.N1,
			"n2":          job.N2,
			"error":       job.Error,
		})
	}
}

func deJobResultHandler(jm *JobManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if jm == nil {
			http.Error(w, "job manager not configured", http.StatusNotImplemented)
			return
		}

		jobID := chi.URLParam(r, "job_id")
		job := jm.Get(jobID)
		if job == nil {
			http.Error(w, "job not found", http.StatusNotFound)
			return
		}

		datasetID := chi.URLParam(r, "dataset")
		if job.Params.DatasetID != datasetID {
			http.Error(w, "job not found", http.StatusNotFound)
			return
		}

		if job.Status != destore.JobStatusCompleted {
			http.Error(w, "job not completed (status: "+string(job.Status)+")", http.StatusBadRequest)
			return
		}

		// Parse pagination and order params
		offset := 0
		limit := job.Params.Limit
		if limit <= 0 {
			limit = 50
		}
		orderBy := r.URL.Query().Get("order_by")
		if orderBy == "" {
			orderBy = "padj"
		}
		if offsetStr := r.URL.Query().Get("offset"); offsetStr != "" {
			if v, err := strconv.Atoi(offsetStr); err == nil && v >= 0 {
				offset = v
			}
		}
		if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
			if v, err := strconv.Atoi(limitStr); err == nil && v > 0 {
				limit = v
				if limit > 500 {
					limit = 500
				}
			}
		}

		// Query results from SQLite
		items, total, err := jm.Store().QueryResults(jobID, orderBy, offset, limit)
		if err != nil {
			http.Error(w, "failed to query results: "+err.Error(), http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"params":   job.Params,
			"n1":       job.N1,
			"n2":       job.N2,
			"total":    total,
			"offset":   offset,
			"limit":    limit,
			"order_by": orderBy,
			"items":    items,
		})
	}
}

func deJobPlotHandler(jm *JobManager, kind string, asPNG bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if jm == nil {
			http.Error(w, "job manager not configured", http.StatusNotImplemented)
			return
		}

		svc := getDatasetService(r)
		if svc == nil {
			http.Error(w, "dataset service not available", http.StatusInternalServerError)
			return
		}

		jobID := chi.URLParam(r, "job_id")
		job := jm.Get(jobID)
		if job == nil {
			http.Error(w, "job not found", http.StatusNotFound)
			return
		}

		datasetID := chi.URLParam(r, "dataset")
		if job.Params.DatasetID != datasetID {
			http.Error(w, "job not found", http.StatusNotFound)
			return
		}

		if job.Status != destore.JobStatusCompleted {
			http.Error(w, "job not completed (status: "+string(job.Status)+")", http.StatusBadRequest)
			return
		}

		if asPNG {
			data, err := svc.DEPlotPNG(jobID, kind)
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			w.Header().Set("Content-Type", "image/png")
			w.Header().Set("Cache-Control", "public, max-age=3600")
			w.Write(data)
			return
		}

		data, err := svc.DEPlotPayload(jobID, kind)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(data)
	}
}

func deJobCancelHandler(jm *JobManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if jm == nil {
			http.Error(w, "job manager not configured", http.StatusNotImplemented)
			return
		}

		jobID := chi.URLParam(r, "job_id")
		job := jm.Get(jobID)
		if job == nil {
			http.Error(w, "job not found", http.StatusNotFound)
			return
		}

		datasetID := chi.URLParam(r, "dataset")
		if job.Params.DatasetID != datasetID {
			http.Error(w, "job not found", http.StatusNotFound)
			return
		}

		jm.Cancel(jobID)

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"job_id":    jobID,
			"cancelled": true,
		})
	}
}
