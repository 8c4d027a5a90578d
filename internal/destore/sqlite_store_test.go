package destore

import (
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "de.db"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestJob(id string, createdAt time.Time) *DEJob {
	return &DEJob{
		ID:     id,
		Status: JobStatusQueued,
		Params: DEJobParams{
			DatasetID: "liver",
			Trait:     "condition",
			Group1:    "control",
			Group2:    "treated",
			Adjust:    "linear",
			Limit:     100,
		},
		CreatedAt: createdAt,
	}
}

func TestJobLifecycle(t *testing.T) {
	s := newTestStore(t)

	job := newTestJob("job-1", time.Now())
	if err := s.CreateJob(job); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	got, err := s.GetJob("job-1")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got == nil {
		t.Fatal("expected job, got nil")
	}
	if got.Status != JobStatusQueued {
		t.Fatalf("expected queued, got %s", got.Status)
	}
	if got.Params.Trait != "condition" || got.Params.Group1 != "control" || got.Params.Group2 != "treated" {
		t.Fatalf("params did not round-trip: %+v", got.Params)
	}
	if got.StartedAt != nil || got.FinishedAt != nil {
		t.Fatal("expected nil start and finish times on a queued job")
	}

	if err := s.UpdateJobStarted("job-1"); err != nil {
		t.Fatalf("UpdateJobStarted: %v", err)
	}
	if err := s.UpdateJobProgress("job-1", "testing_genes", 50, 200); err != nil {
		t.Fatalf("UpdateJobProgress: %v", err)
	}
	if err := s.UpdateJobCounts("job-1", 3, 4); err != nil {
		t.Fatalf("UpdateJobCounts: %v", err)
	}

	got, err = s.GetJob("job-1")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.Status != JobStatusRunning {
		t.Fatalf("expected running, got %s", got.Status)
	}
	if got.StartedAt == nil {
		t.Fatal("expected started_at to be set")
	}
	if got.Progress.Phase != "testing_genes" || got.Progress.Done != 50 || got.Progress.Total != 200 {
		t.Fatalf("unexpected progress: %+v", got.Progress)
	}
	if got.N1 != 3 || got.N2 != 4 {
		t.Fatalf("unexpected group sizes: n1=%d n2=%d", got.N1, got.N2)
	}

	if err := s.UpdateJobStatus("job-1", JobStatusCompleted, ""); err != nil {
		t.Fatalf("UpdateJobStatus: %v", err)
	}
	got, _ = s.GetJob("job-1")
	if got.Status != JobStatusCompleted {
		t.Fatalf("expected completed, got %s", got.Status)
	}
	if got.FinishedAt == nil {
		t.Fatal("expected finished_at to be set")
	}
}

func TestGetJobMissing(t *testing.T) {
	s := newTestStore(t)

	got, err := s.GetJob("nope")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil for unknown job, got %+v", got)
	}
}

func TestInsertAndQueryResults(t *testing.T) {
	s := newTestStore(t)

	job := newTestJob("job-1", time.Now())
	if err := s.CreateJob(job); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	rows := []*DEGeneRow{
		{GeneID: "g1", GeneName: "ACTB", BaseMean: 100, Mean1: 50, Mean2: 150, Log2FC: 1.58, PValue: 0.2, AdjPValue: 0.22},
		{GeneID: "g2", GeneName: "GAPDH", BaseMean: 400, Mean1: 100, Mean2: 700, Log2FC: 2.8, PValue: 0.001, AdjPValue: 0.0011},
		{GeneID: "g3", GeneName: "TP53", BaseMean: 20, Mean1: 25, Mean2: 15, Log2FC: -0.73, PValue: 0.05, AdjPValue: 0.055},
	}
	if err := s.InsertResults("job-1", rows); err != nil {
		t.Fatalf("InsertResults: %v", err)
	}

	got, total, err := s.QueryResults("job-1", "padj", 0, 10)
	if err != nil {
		t.Fatalf("QueryResults: %v", err)
	}
	if total != 3 {
		t.Fatalf("expected total 3, got %d", total)
	}
	if len(got) != 3 || got[0].GeneID != "g2" || got[1].GeneID != "g3" || got[2].GeneID != "g1" {
		t.Fatalf("unexpected padj order: %v", geneIDs(got))
	}

	got, total, err = s.QueryResults("job-1", "padj", 1, 1)
	if err != nil {
		t.Fatalf("QueryResults paginated: %v", err)
	}
	if total != 3 || len(got) != 1 || got[0].GeneID != "g3" {
		t.Fatalf("unexpected page: total=%d ids=%v", total, geneIDs(got))
	}

	got, _, err = s.QueryResults("job-1", "log2fc", 0, 10)
	if err != nil {
		t.Fatalf("QueryResults log2fc: %v", err)
	}
	if got[0].GeneID != "g2" || got[2].GeneID != "g3" {
		t.Fatalf("unexpected log2fc order: %v", geneIDs(got))
	}

	got, _, err = s.QueryResults("job-1", "base_mean", 0, 10)
	if err != nil {
		t.Fatalf("QueryResults base_mean: %v", err)
	}
	if got[0].GeneID != "g2" || got[2].GeneID != "g3" {
		t.Fatalf("unexpected base_mean order: %v", geneIDs(got))
	}
}

func TestRestartRecovery(t *testing.T) {
	s := newTestStore(t)

	older := newTestJob("job-old", time.Now().Add(-2*time.Hour))
	newer := newTestJob("job-new", time.Now().Add(-time.Hour))
	running := newTestJob("job-run", time.Now())
	for _, j := range []*DEJob{older, newer, running} {
		if err := s.CreateJob(j); err != nil {
			t.Fatalf("CreateJob %s: %v", j.ID, err)
		}
	}
	if err := s.UpdateJobStarted("job-run"); err != nil {
		t.Fatalf("UpdateJobStarted: %v", err)
	}

	if err := s.MarkRunningAsFailed("server restarted"); err != nil {
		t.Fatalf("MarkRunningAsFailed: %v", err)
	}

	failed, _ := s.GetJob("job-run")
	if failed.Status != JobStatusFailed || failed.Error != "server restarted" {
		t.Fatalf("expected failed with message, got %s %q", failed.Status, failed.Error)
	}

	queued, err := s.ListQueuedJobs()
	if err != nil {
		t.Fatalf("ListQueuedJobs: %v", err)
	}
	if len(queued) != 2 || queued[0].ID != "job-old" || queued[1].ID != "job-new" {
		t.Fatalf("unexpected queued jobs: %v", jobIDs(queued))
	}
}

func TestListJobsByDataset(t *testing.T) {
	s := newTestStore(t)

	a := newTestJob("job-a", time.Now().Add(-time.Hour))
	b := newTestJob("job-b", time.Now())
	other := newTestJob("job-c", time.Now())
	other.Params.DatasetID = "kidney"
	for _, j := range []*DEJob{a, b, other} {
		if err := s.CreateJob(j); err != nil {
			t.Fatalf("CreateJob %s: %v", j.ID, err)
		}
	}

	jobs, err := s.ListJobsByDataset("liver")
	if err != nil {
		t.Fatalf("ListJobsByDataset: %v", err)
	}
	if len(jobs) != 2 || jobs[0].ID != "job-b" || jobs[1].ID != "job-a" {
		t.Fatalf("unexpected dataset jobs: %v", jobIDs(jobs))
	}
}

func TestDeleteJob(t *testing.T) {
	s := newTestStore(t)

	job := newTestJob("job-1", time.Now())
	if err := s.CreateJob(job); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if err := s.InsertResults("job-1", []*DEGeneRow{{GeneID: "g1"}}); err != nil {
		t.Fatalf("InsertResults: %v", err)
	}

	if err := s.DeleteJob("job-1"); err != nil {
		t.Fatalf("DeleteJob: %v", err)
	}

	got, err := s.GetJob("job-1")
	if err != nil || got != nil {
		t.Fatalf("expected job gone, got %+v err=%v", got, err)
	}
	_, total, err := s.QueryResults("job-1", "padj", 0, 10)
	if err != nil {
		t.Fatalf("QueryResults: %v", err)
	}
	if total != 0 {
		t.Fatalf("expected results gone, got %d", total)
	}
}

func geneIDs(rows []*DEGeneRow) []string {
	ids := make([]string, len(rows))
	for i, r := range rows {
		ids[i] = r.GeneID
	}
	return ids
}

func jobIDs(jobs []*DEJob) []string {
	ids := make([]string, len(jobs))
	for i, j := range jobs {
		ids[i] = j.ID
	}
	return ids
}
