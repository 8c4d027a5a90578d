// Package destore provides persistent storage for DE job state and results using SQLite.
package destore

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// JobStatus represents the current state of a DE job.
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// DEJobParams contains the parameters for a DE job.
type DEJobParams struct {
	DatasetID string `json:"dataset_id"`
	Trait     string `json:"trait"`
	Group1    string `json:"group1"`
	Group2    string `json:"group2"`
	Adjust    string `json:"adjust"`
	Limit     int    `json:"limit"`
}

// DEJobProgress represents the progress of a DE job.
type DEJobProgress struct {
	Phase string `json:"phase"`
	Done  int    `json:"done"`
	Total int    `json:"total"`
}

// DEJob represents a differential expression job.
type DEJob struct {
	ID         string        `json:"job_id"`
	DatasetID  string        `json:"dataset_id"`
	Status     JobStatus     `json:"status"`
	Params     DEJobParams   `json:"params"`
	Progress   DEJobProgress `json:"progress"`
	CreatedAt  time.Time     `json:"created_at"`
	StartedAt  *time.Time    `json:"started_at,omitempty"`
	FinishedAt *time.Time    `json:"finished_at,omitempty"`
	N1         int           `json:"n1"`
	N2         int           `json:"n2"`
	Error      string        `json:"error,omitempty"`
}

// DEGeneRow contains the stored DE result for a single gene.
type DEGeneRow struct {
	GeneID    string  `json:"gene_id"`
	GeneName  string  `json:"gene_name"`
	BaseMean  float64 `json:"base_mean"`
	Mean1     float64 `json:"mean1"`
	Mean2     float64 `json:"mean2"`
	Log2FC    float64 `json:"log2fc"`
	PValue    float64 `json:"p"`
	AdjPValue float64 `json:"padj"`
}

// Store provides persistent storage for DE jobs using SQLite.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// NewStore creates a new SQLite-based DE store.
func NewStore(dbPath string) (*Store, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory for sqlite: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS de_jobs (
		job_id TEXT PRIMARY KEY,
		dataset_id TEXT NOT NULL,
		status TEXT NOT NULL,
		params_json TEXT NOT NULL,
		phase TEXT DEFAULT '',
		done INTEGER DEFAULT 0,
		total INTEGER DEFAULT 0,
		n1 INTEGER DEFAULT 0,
		n2 INTEGER DEFAULT 0,
		error TEXT DEFAULT '',
		created_at TEXT NOT NULL,
		started_at TEXT,
		finished_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_de_jobs_dataset ON de_jobs(dataset_id);
	CREATE INDEX IF NOT EXISTS idx_de_jobs_status ON de_jobs(status);
	CREATE INDEX IF NOT EXISTS idx_de_jobs_finished ON de_jobs(finished_at);

	CREATE TABLE IF NOT EXISTS de_results (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		job_id TEXT NOT NULL,
		gene_id TEXT NOT NULL,
		gene_name TEXT NOT NULL,
		base_mean REAL NOT NULL,
		mean1 REAL NOT NULL,
		mean2 REAL NOT NULL,
		log2fc REAL NOT NULL,
		p REAL NOT NULL,
		padj REAL NOT NULL,
		FOREIGN KEY (job_id) REFERENCES de_jobs(job_id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_de_results_job ON de_results(job_id);
	CREATE INDEX IF NOT EXISTS idx_de_results_job_padj ON de_results(job_id, padj);
	`
	_, err := s.db.Exec(schema)
	return err
}

// CreateJob creates a new job record with status=queued.
func (s *Store) CreateJob(job *DEJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	paramsJSON, err := json.Marshal(job.Params)
	if err != nil {
		return fmt.Errorf("failed to marshal params: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO de_jobs (job_id, dataset_id, status, params_json, phase, done, total, n1, n2, error, created_at, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		job.ID,
		job.Params.DatasetID,
		string(job.Status),
		string(paramsJSON),
		job.Progress.Phase,
		job.Progress.Done,
		job.Progress.Total,
		job.N1,
		job.N2,
		job.Error,
		job.CreatedAt.Format(time.RFC3339),
		nil,
		nil,
	)
	return err
}

// GetJob retrieves a job by ID. Returns nil without error when no job
// with that ID exists.
func (s *Store) GetJob(jobID string) (*DEJob, error) {
	row := s.db.QueryRow(`
		SELECT job_id, dataset_id, status, params_json, phase, done, total, n1, n2, error, created_at, started_at, finished_at
		FROM de_jobs WHERE job_id = ?
	`, jobID)

	var job DEJob
	var paramsJSON string
	var createdAtStr string
	var startedAtStr, finishedAtStr sql.NullString

	err := row.Scan(
		&job.ID,
		&job.DatasetID,
		&job.Status,
		&paramsJSON,
		&job.Progress.Phase,
		&job.Progress.Done,
		&job.Progress.Total,
		&job.N1,
		&job.N2,
		&job.Error,
		&createdAtStr,
		&startedAtStr,
		&finishedAtStr,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(paramsJSON), &job.Params); err != nil {
		return nil, fmt.Errorf("failed to unmarshal params: %w", err)
	}

	job.CreatedAt, _ = time.Parse(time.RFC3339, createdAtStr)
	if startedAtStr.Valid {
		t, _ := time.Parse(time.RFC3339, startedAtStr.String)
		job.StartedAt = &t
	}
	if finishedAtStr.Valid {
		t, _ := time.Parse(time.RFC3339, finishedAtStr.String)
		job.FinishedAt = &t
	}

	return &job, nil
}

// UpdateJobStatus updates the job status and optional error message.
func (s *Store) UpdateJobStatus(jobID string, status JobStatus, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var finishedAt *string
	if status == JobStatusCompleted || status == JobStatusFailed || status == JobStatusCancelled {
		t := time.Now().Format(time.RFC3339)
		finishedAt = &t
	}

	_, err := s.db.Exec(`
		UPDATE de_jobs SET status = ?, error = ?, finished_at = COALESCE(?, finished_at)
		WHERE job_id = ?
	`, string(status), errMsg, finishedAt, jobID)
	return err
}

// UpdateJobStarted marks a job as running with start time.
func (s *Store) UpdateJobStarted(jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().Format(time.RFC3339)
	_, err := s.db.Exec(`
		UPDATE de_jobs SET status = ?, started_at = ?
		WHERE job_id = ?
	`, string(JobStatusRunning), now, jobID)
	return err
}

// UpdateJobProgress updates the progress fields.
func (s *Store) UpdateJobProgress(jobID string, phase string, done, total int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		UPDATE de_jobs SET phase = ?, done = ?, total = ?
		WHERE job_id = ?
	`, phase, done, total, jobID)
	return err
}

// UpdateJobCounts updates the group sizes n1 and n2.
func (s *Store) UpdateJobCounts(jobID string, n1, n2 int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		UPDATE de_jobs SET n1 = ?, n2 = ?
		WHERE job_id = ?
	`, n1, n2, jobID)
	return err
}

// InsertResults inserts gene rows in a batch transaction.
func (s *Store) InsertResults(jobID string, rows []*DEGeneRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO de_results (job_id, gene_id, gene_name, base_mean, mean1, mean2, log2fc, p, padj)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, r := range rows {
		_, err := stmt.Exec(
			jobID, r.GeneID, r.GeneName,
			r.BaseMean, r.Mean1, r.Mean2, r.Log2FC,
			r.PValue, r.AdjPValue,
		)
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

// QueryResults queries results with pagination and ordering.
func (s *Store) QueryResults(jobID string, orderBy string, offset, limit int) ([]*DEGeneRow, int, error) {
	// Map order_by to SQL column
	orderCol := "padj ASC, ABS(log2fc) DESC"
	switch orderBy {
	case "padj":
		orderCol = "padj ASC, ABS(log2fc) DESC"
	case "p":
		orderCol = "p ASC, ABS(log2fc) DESC"
	case "abs_log2fc":
		orderCol = "ABS(log2fc) DESC, padj ASC"
	case "log2fc":
		orderCol = "log2fc DESC, padj ASC"
	case "base_mean":
		orderCol = "base_mean DESC, padj ASC"
	}

	// Get total count
	var total int
	err := s.db.QueryRow("SELECT COUNT(*) FROM de_results WHERE job_id = ?", jobID).Scan(&total)
	if err != nil {
		return nil, 0, err
	}

	// Query with pagination
	query := fmt.Sprintf(`
		SELECT gene_id, gene_name, base_mean, mean1, mean2, log2fc, p, padj
		FROM de_results
		WHERE job_id = ?
		ORDER BY %s
		LIMIT ? OFFSET ?
	`, orderCol)

	rows, err := s.db.Query(query, jobID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var results []*DEGeneRow
	for rows.Next() {
		var r DEGeneRow
		err := rows.Scan(
			&r.GeneID, &r.GeneName,
			&r.BaseMean, &r.Mean1, &r.Mean2, &r.Log2FC,
			&r.PValue, &r.AdjPValue,
		)
		if err != nil {
			return nil, 0, err
		}
		results = append(results, &r)
	}

	return results, total, nil
}

// ListJobsByDataset returns all jobs for a dataset.
func (s *Store) ListJobsByDataset(datasetID string) ([]*DEJob, error) {
	rows, err := s.db.Query(`
		SELECT job_id, dataset_id, status, params_json, phase, done, total, n1, n2, error, created_at, started_at, finished_at
		FROM de_jobs WHERE dataset_id = ?
		ORDER BY created_at DESC
	`, datasetID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return s.scanJobs(rows)
}

// ListQueuedJobs returns all queued jobs (for restart recovery).
func (s *Store) ListQueuedJobs() ([]*DEJob, error) {
	rows, err := s.db.Query(`
		SELECT job_id, dataset_id, status, params_json, phase, done, total, n1, n2, error, created_at, started_at, finished_at
		FROM de_jobs WHERE status = ?
		ORDER BY created_at ASC
	`, string(JobStatusQueued))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return s.scanJobs(rows)
}

// MarkRunningAsFailed marks all running jobs as failed (for restart recovery).
func (s *Store) MarkRunningAsFailed(errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().Format(time.RFC3339)
	_, err := s.db.Exec(`
		UPDATE de_jobs SET status = ?, error = ?, finished_at = ?
		WHERE status = ?
	`, string(JobStatusFailed), errMsg, now, string(JobStatusRunning))
	return err
}

// DeleteExpiredJobs deletes finished jobs older than retentionDays.
func (s *Store) DeleteExpiredJobs(retentionDays int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().AddDate(0, 0, -retentionDays).Format(time.RFC3339)

	// Delete results first (foreign key)
	_, err := s.db.Exec(`
		DELETE FROM de_results WHERE job_id IN (
			SELECT job_id FROM de_jobs WHERE finished_at IS NOT NULL AND finished_at < ?
		)
	`, cutoff)
	if err != nil {
		return 0, err
	}

	// Delete jobs
	result, err := s.db.Exec(`
		DELETE FROM de_jobs WHERE finished_at IS NOT NULL AND finished_at < ?
	`, cutoff)
	if err != nil {
		return 0, err
	}

	return result.RowsAffected()
}

// DeleteJob deletes a job and its results.
func (s *Store) DeleteJob(jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Delete results first
	_, err := s.db.Exec("DELETE FROM de_results WHERE job_id = ?", jobID)
	if err != nil {
		return err
	}

	_, err = s.db.Exec("DELETE FROM de_jobs WHERE job_id = ?", jobID)
	return err
}

func (s *Store) scanJobs(rows *sql.Rows) ([]*DEJob, error) {
	var jobs []*DEJob
	for rows.Next() {
		var job DEJob
		var paramsJSON string
		var createdAtStr string
		var startedAtStr, finishedAtStr sql.NullString

		err := rows.Scan(
			&job.ID,
			&job.DatasetID,
			&job.Status,
			&paramsJSON,
			&job.Progress.Phase,
			&job.Progress.Done,
			&job.Progress.Total,
			&job.N1,
			&job.N2,
			&job.Error,
			&createdAtStr,
			&startedAtStr,
			&finishedAtStr,
		)
		if err != nil {
			return nil, err
		}

		if err := json.Unmarshal([]byte(paramsJSON), &job.Params); err != nil {
			return nil, fmt.Errorf("failed to unmarshal params: %w", err)
		}

		job.CreatedAt, _ = time.Parse(time.RFC3339, createdAtStr)
		if startedAtStr.Valid {
			t, _ := time.Parse(time.RFC3339, startedAtStr.String)
			job.StartedAt = &t
		}
		if finishedAtStr.Valid {
			t, _ := time.Parse(time.RFC3339, finishedAtStr.String)
			job.FinishedAt = &t
		}

		jobs = append(jobs, &job)
	}
	return jobs, nil
}
