package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/clf21/countlens/internal/analysis"
	"github.com/clf21/countlens/internal/cache"
	"github.com/clf21/countlens/internal/dataset"
	"github.com/clf21/countlens/internal/destore"
	"github.com/clf21/countlens/internal/render"
	"github.com/clf21/countlens/internal/service"
)

func localTestDataset(t *testing.T) *dataset.Dataset {
	t.Helper()

	samples := []dataset.Sample{
		{ID: "s1", Name: "ctrl_1", LibrarySize: 1e6, Traits: map[string]dataset.TraitValue{
			"condition": dataset.Categorical("control"),
		}},
		{ID: "s2", Name: "ctrl_2", LibrarySize: 1.1e6, Traits: map[string]dataset.TraitValue{
			"condition": dataset.Categorical("control"),
		}},
		{ID: "s3", Name: "trt_1", LibrarySize: 0.9e6, Traits: map[string]dataset.TraitValue{
			"condition": dataset.Categorical("treated"),
		}},
		{ID: "s4", Name: "trt_2", LibrarySize: 1.2e6, Traits: map[string]dataset.TraitValue{
			"condition": dataset.Categorical("treated"),
		}},
	}
	genes := []dataset.GeneExpressionRecord{
		{GeneID: "gA", GeneName: "ACTB", Counts: map[string]float64{
			"ctrl_1": 10, "ctrl_2": 12, "trt_1": 100, "trt_2": 110,
		}},
		{GeneID: "gB", GeneName: "GAPDH", Counts: map[string]float64{
			"ctrl_1": 50, "ctrl_2": 48, "trt_1": 49, "trt_2": 51,
		}},
		{GeneID: "gC", GeneName: "TP53", Counts: map[string]float64{
			"ctrl_1": 30, "ctrl_2": 31, "trt_1": 29, "trt_2": 30,
		}},
	}

	ds, err := dataset.New(samples, genes)
	if err != nil {
		t.Fatalf("failed to build dataset: %v", err)
	}
	return ds
}

// newTestServer wires two datasets, the job manager, and the full
// router exactly like cmd/server does, without listening on a port.
func newTestServer(t *testing.T) (http.Handler, *JobManager) {
	t.Helper()

	cacheManager, err := cache.NewManager(cache.Config{
		PlotCacheSizeMB:  8,
		PlotTTL:          1 * time.Minute,
		PayloadCacheSize: 16,
	})
	if err != nil {
		t.Fatalf("failed to initialize cache: %v", err)
	}
	t.Cleanup(func() { cacheManager.Close() })

	jm, err := NewJobManager(JobManagerConfig{
		MaxConcurrent: 1,
		SQLitePath:    filepath.Join(t.TempDir(), "de_jobs.db"),
	})
	if err != nil {
		t.Fatalf("failed to initialize job manager: %v", err)
	}

	renderer := render.NewScatterRenderer(render.Config{Width: 200, Height: 150})

	registry := NewDatasetRegistry("liver", []string{"liver", "kidney"}, "CountLens Test")
	for _, id := range []string{"liver", "kidney"} {
		ds := localTestDataset(t)
		registry.Register(id, service.NewAnalysisService(service.AnalysisServiceConfig{
			DatasetID: id,
			Dataset:   ds,
			Engine:    analysis.NewEngine(ds, analysis.Options{}),
			Cache:     cacheManager,
			Renderer:  renderer,
			DEStore:   jm.Store(),
		}))
	}

	deService := service.NewDEService(registry)
	jm.Executor = deService.ExecuteDEJob
	jm.Start()
	t.Cleanup(jm.Stop)

	router := NewRouter(RouterConfig{
		Registry:    registry,
		CORSOrigins: []string{"http://localhost:3000"},
		JobManager:  jm,
	})
	return router, jm
}

func doRequest(t *testing.T, router http.Handler, method, path string, body []byte) *httptest.ResponseRecorder {
	t.Helper()

	var req *http.Request
	if body != nil {
		req = httptest.NewRequest(method, path, bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()

	var payload map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to decode JSON: %v: %s", err, rec.Body.String())
	}
	return payload
}

func TestHealthEndpoint_NoListen(t *testing.T) {
	router, _ := newTestServer(t)

	rec := doRequest(t, router, http.MethodGet, "/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected %d, got %d", http.StatusOK, rec.Code)
	}
	if rec.Body.String() != "OK" {
		t.Fatalf("unexpected body: %q", rec.Body.String())
	}
}

func TestDatasetsEndpoint_NoListen(t *testing.T) {
	router, _ := newTestServer(t)

	rec := doRequest(t, router, http.MethodGet, "/api/datasets", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected %d, got %d: %s", http.StatusOK, rec.Code, rec.Body.String())
	}

	payload := decodeJSON(t, rec)
	if got, _ := payload["default"].(string); got != "liver" {
		t.Fatalf("unexpected default dataset: %q", got)
	}
	if got, _ := payload["title"].(string); got != "CountLens Test" {
		t.Fatalf("unexpected title: %q", got)
	}
	datasets, _ := payload["datasets"].([]any)
	if len(datasets) != 2 {
		t.Fatalf("expected 2 datasets, got %d", len(datasets))
	}
}

func TestUnknownDataset_NoListen(t *testing.T) {
	router, _ := newTestServer(t)

	rec := doRequest(t, router, http.MethodGet, "/d/nope/api/qc", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected %d, got %d", http.StatusNotFound, rec.Code)
	}
}

func TestQCEndpoint_NoListen(t *testing.T) {
	router, _ := newTestServer(t)

	rec := doRequest(t, router, http.MethodGet, "/d/liver/api/qc", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected %d, got %d: %s", http.StatusOK, rec.Code, rec.Body.String())
	}

	payload := decodeJSON(t, rec)
	if got, _ := payload["dataset_id"].(string); got != "liver" {
		t.Fatalf("unexpected dataset_id: %q", got)
	}
	samples, _ := payload["samples"].([]any)
	if len(samples) != 4 {
		t.Fatalf("expected 4 sample QC rows, got %d", len(samples))
	}
}

func TestCatalogEndpoints_NoListen(t *testing.T) {
	router, _ := newTestServer(t)

	rec := doRequest(t, router, http.MethodGet, "/d/liver/api/samples", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("samples: expected %d, got %d", http.StatusOK, rec.Code)
	}
	if total, _ := decodeJSON(t, rec)["total"].(float64); total != 4 {
		t.Fatalf("expected 4 samples, got %v", total)
	}

	rec = doRequest(t, router, http.MethodGet, "/d/liver/api/genes?q=gapdh", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("genes: expected %d, got %d", http.StatusOK, rec.Code)
	}
	if total, _ := decodeJSON(t, rec)["total"].(float64); total != 1 {
		t.Fatalf("expected 1 matching gene, got %v", total)
	}

	rec = doRequest(t, router, http.MethodGet, "/d/liver/api/traits", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("traits: expected %d, got %d", http.StatusOK, rec.Code)
	}

	rec = doRequest(t, router, http.MethodGet, "/d/liver/api/traits/condition/values", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("trait values: expected %d, got %d", http.StatusOK, rec.Code)
	}
	if total, _ := decodeJSON(t, rec)["total"].(float64); total != 2 {
		t.Fatalf("expected 2 trait values, got %v", total)
	}

	rec = doRequest(t, router, http.MethodGet, "/d/liver/api/traits/nope/values", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown trait: expected %d, got %d", http.StatusNotFound, rec.Code)
	}

	rec = doRequest(t, router, http.MethodGet, "/d/liver/api/size-factors", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("size factors: expected %d, got %d", http.StatusOK, rec.Code)
	}
	if total, _ := decodeJSON(t, rec)["total"].(float64); total != 4 {
		t.Fatalf("expected 4 size factors, got %v", total)
	}
}

func TestPCAEndpoints_NoListen(t *testing.T) {
	router, _ := newTestServer(t)

	rec := doRequest(t, router, http.MethodGet, "/d/liver/api/pca?color_by=condition", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected %d, got %d: %s", http.StatusOK, rec.Code, rec.Body.String())
	}
	payload := decodeJSON(t, rec)
	points, _ := payload["points"].([]any)
	if len(points) != 4 {
		t.Fatalf("expected 4 PCA points, got %d", len(points))
	}
	if got, _ := payload["pc_x"].(float64); got != 1 {
		t.Fatalf("expected pc_x=1, got %v", got)
	}

	rec = doRequest(t, router, http.MethodGet, "/d/liver/api/pca?pc_x=99", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("out-of-range pc: expected %d, got %d", http.StatusBadRequest, rec.Code)
	}

	rec = doRequest(t, router, http.MethodGet, "/d/liver/api/pca?pc_x=abc", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("non-numeric pc: expected %d, got %d", http.StatusBadRequest, rec.Code)
	}

	rec = doRequest(t, router, http.MethodGet, "/d/liver/api/pca.png", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("pca.png: expected %d, got %d: %s", http.StatusOK, rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "image/png" {
		t.Fatalf("unexpected content type: %q", ct)
	}
	magic := []byte{0x89, 'P', 'N', 'G'}
	if !bytes.HasPrefix(rec.Body.Bytes(), magic) {
		t.Fatal("response is not a PNG")
	}
}

func submitDEJob(t *testing.T, router http.Handler, datasetID string, body map[string]any) string {
	t.Helper()

	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("failed to marshal request: %v", err)
	}
	rec := doRequest(t, router, http.MethodPost, "/d/"+datasetID+"/api/de/jobs", raw)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected %d, got %d: %s", http.StatusAccepted, rec.Code, rec.Body.String())
	}
	jobID, _ := decodeJSON(t, rec)["job_id"].(string)
	if jobID == "" {
		t.Fatal("missing job_id in submit response")
	}
	return jobID
}

func waitForJob(t *testing.T, router http.Handler, datasetID, jobID string) map[string]any {
	t.Helper()

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		rec := doRequest(t, router, http.MethodGet, "/d/"+datasetID+"/api/de/jobs/"+jobID, nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("status request failed: %d %s", rec.Code, rec.Body.String())
		}
		payload := decodeJSON(t, rec)
		switch status, _ := payload["status"].(string); status {
		case "completed":
			return payload
		case "failed", "cancelled":
			t.Fatalf("job ended as %s: %v", status, payload["error"])
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("timed out waiting for job")
	return nil
}

func TestDEJobLifecycle_NoListen(t *testing.T) {
	router, _ := newTestServer(t)

	jobID := submitDEJob(t, router, "liver", map[string]any{
		"trait":  "condition",
		"group1": "control",
		"group2": "treated",
	})

	status := waitForJob(t, router, "liver", jobID)
	if n1, _ := status["n1"].(float64); n1 != 2 {
		t.Fatalf("expected n1=2, got %v", n1)
	}

	// Job list for the dataset includes the finished job
	rec := doRequest(t, router, http.MethodGet, "/d/liver/api/de/jobs", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("job list: expected %d, got %d", http.StatusOK, rec.Code)
	}
	if total, _ := decodeJSON(t, rec)["total"].(float64); total != 1 {
		t.Fatalf("expected 1 job, got %v", total)
	}

	// Results ordered by padj: the strong contrast comes first
	rec = doRequest(t, router, http.MethodGet, "/d/liver/api/de/jobs/"+jobID+"/result", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("result: expected %d, got %d: %s", http.StatusOK, rec.Code, rec.Body.String())
	}
	payload := decodeJSON(t, rec)
	if total, _ := payload["total"].(float64); total != 3 {
		t.Fatalf("expected 3 result rows, got %v", total)
	}
	items, _ := payload["items"].([]any)
	first, _ := items[0].(map[string]any)
	if got, _ := first["gene_id"].(string); got != "gA" {
		t.Fatalf("expected gA first by padj, got %q", got)
	}

	// Volcano and MA projections
	rec = doRequest(t, router, http.MethodGet, "/d/liver/api/de/jobs/"+jobID+"/volcano", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("volcano: expected %d, got %d: %s", http.StatusOK, rec.Code, rec.Body.String())
	}
	volcano := decodeJSON(t, rec)
	if kind, _ := volcano["kind"].(string); kind != "volcano" {
		t.Fatalf("unexpected kind: %q", kind)
	}
	if up, _ := volcano["up"].(float64); up != 1 {
		t.Fatalf("expected 1 up gene, got %v", up)
	}

	rec = doRequest(t, router, http.MethodGet, "/d/liver/api/de/jobs/"+jobID+"/ma.png", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("ma.png: expected %d, got %d", http.StatusOK, rec.Code)
	}
	if !bytes.HasPrefix(rec.Body.Bytes(), []byte{0x89, 'P', 'N', 'G'}) {
		t.Fatal("ma.png response is not a PNG")
	}

	// The job belongs to liver; kidney must not see it
	rec = doRequest(t, router, http.MethodGet, "/d/kidney/api/de/jobs/"+jobID, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("cross-dataset job: expected %d, got %d", http.StatusNotFound, rec.Code)
	}
}

func TestDEJobValidation_NoListen(t *testing.T) {
	router, _ := newTestServer(t)

	cases := []struct {
		name string
		body map[string]any
		want int
	}{
		{"missing trait", map[string]any{"group1": "control", "group2": "treated"}, http.StatusBadRequest},
		{"missing group2", map[string]any{"trait": "condition", "group1": "control"}, http.StatusBadRequest},
		{"bad adjust", map[string]any{"trait": "condition", "group1": "control", "group2": "treated", "adjust": "bonferroni"}, http.StatusBadRequest},
		{"empty group", map[string]any{"trait": "condition", "group1": "control", "group2": "frozen"}, http.StatusUnprocessableEntity},
		{"unknown trait", map[string]any{"trait": "batch", "group1": "a", "group2": "b"}, http.StatusUnprocessableEntity},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			raw, err := json.Marshal(tc.body)
			if err != nil {
				t.Fatalf("failed to marshal request: %v", err)
			}
			rec := doRequest(t, router, http.MethodPost, "/d/liver/api/de/jobs", raw)
			if rec.Code != tc.want {
				t.Fatalf("expected %d, got %d: %s", tc.want, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestDEJobNotCompleted_NoListen(t *testing.T) {
	router, jm := newTestServer(t)

	// Create a queued job directly in the store so it never runs.
	job := &destore.DEJob{
		ID:        "stuck-job",
		DatasetID: "liver",
		Status:    destore.JobStatusQueued,
		Params: destore.DEJobParams{
			DatasetID: "liver",
			Trait:     "condition",
			Group1:    "control",
			Group2:    "treated",
		},
		CreatedAt: time.Now(),
	}
	if err := jm.Store().CreateJob(job); err != nil {
		t.Fatalf("failed to create job: %v", err)
	}

	rec := doRequest(t, router, http.MethodGet, "/d/liver/api/de/jobs/stuck-job/result", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected %d, got %d: %s", http.StatusBadRequest, rec.Code, rec.Body.String())
	}

	rec = doRequest(t, router, http.MethodGet, "/d/liver/api/de/jobs/stuck-job/volcano", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("volcano on queued job: expected %d, got %d", http.StatusBadRequest, rec.Code)
	}

	// Cancelling a queued job succeeds without a worker touching it.
	rec = doRequest(t, router, http.MethodDelete, "/d/liver/api/de/jobs/stuck-job", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("cancel: expected %d, got %d", http.StatusOK, rec.Code)
	}
	got := jm.Get("stuck-job")
	if got == nil || got.Status != destore.JobStatusCancelled {
		t.Fatalf("expected cancelled status, got %+v", got)
	}

	rec = doRequest(t, router, http.MethodGet, "/d/liver/api/de/jobs/missing/result", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing job: expected %d, got %d", http.StatusNotFound, rec.Code)
	}
}
