package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"
)

const jobColumns = `id, source_kind, status, config_hash, config_json, actor, draining,
	shutdown_reason, shutdown_at, created_at, updated_at`

func scanJob(row interface{ Scan(...any) error }) (Job, error) {
	var (
		j                Job
		draining         int
		shutdownAt       sql.NullString
		created, updated string
	)
	if err := row.Scan(&j.ID, &j.SourceKind, &j.Status, &j.ConfigHash, &j.ConfigJSON, &j.Actor,
		&draining, &j.ShutdownReason, &shutdownAt, &created, &updated); err != nil {
		return Job{}, err
	}
	j.Draining = draining != 0
	j.ShutdownAt = parseNullTime(shutdownAt)
	j.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	j.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
	return j, nil
}

// EnsureJob inserts the job if it doesn't exist and returns the stored row.
// An existing job keeps its original config; the caller compares ConfigHash.
func (t *Tx) EnsureJob(ctx context.Context, j Job) (Job, error) {
	now := formatTime(t.Now())
	if j.Status == "" {
		j.Status = JobPending
	}
	if j.ConfigJSON == "" {
		j.ConfigJSON = "{}"
	}
	if _, err := t.exec(ctx, `
		INSERT INTO jobs (id, source_kind, status, config_hash, config_json, actor, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, j.ID, j.SourceKind, j.Status, j.ConfigHash, j.ConfigJSON, j.Actor, now, now); err != nil {
		return Job{}, fmt.Errorf("ensure job: %w", err)
	}
	return t.Job(ctx, j.ID)
}

// Job returns a job by ID.
func (t *Tx) Job(ctx context.Context, id string) (Job, error) {
	j, err := scanJob(t.tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return Job{}, fmt.Errorf("get job: %w", classify(err))
	}
	return j, nil
}

// Jobs returns every job in the store.
func (t *Tx) Jobs(ctx context.Context) ([]Job, error) {
	rows, err := t.tx.QueryContext(ctx, `SELECT `+jobColumns+` FROM jobs ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", classify(err))
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// StartJob marks the job running under actor and clears drain metadata
// left by a previous actor.
func (t *Tx) StartJob(ctx context.Context, id, actor, configHash, configJSON string) error {
	if _, err := t.exec(ctx, `
		UPDATE jobs SET status = ?, actor = ?, config_hash = ?, config_json = ?,
			draining = 0, updated_at = ?
		WHERE id = ?
	`, JobRunning, actor, configHash, configJSON, formatTime(t.Now()), id); err != nil {
		return fmt.Errorf("start job: %w", err)
	}
	return t.AppendEvent(ctx, "job", id, "job_started", map[string]any{"actor": actor, "config_hash": configHash})
}

// SetJobStatus updates a job's status.
func (t *Tx) SetJobStatus(ctx context.Context, id string, status JobStatus) error {
	res, err := t.exec(ctx, `UPDATE jobs SET status = ?, updated_at = ? WHERE id = ?`,
		status, formatTime(t.Now()), id)
	if err != nil {
		return fmt.Errorf("set job status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	return t.AppendEvent(ctx, "job", id, "job_"+string(status), nil)
}

// MarkDraining records the interruption notice on the job.
func (t *Tx) MarkDraining(ctx context.Context, id, reason string, at time.Time) error {
	if _, err := t.exec(ctx, `
		UPDATE jobs SET status = ?, draining = 1, shutdown_reason = ?, shutdown_at = ?, updated_at = ?
		WHERE id = ? AND status NOT IN (?, ?)
	`, JobDraining, reason, formatTime(at), formatTime(t.Now()), id, JobDone, JobFailed); err != nil {
		return fmt.Errorf("mark draining: %w", err)
	}
	return t.AppendEvent(ctx, "job", id, "drain_started", map[string]any{"reason": reason, "at": formatTime(at)})
}

const fileColumns = `id, job_id, source_uri, fingerprint, plan_hash, total_chunks, done_chunks,
	status, final_uri, final_sha256, last_error, created_at, updated_at`

func scanFile(row interface{ Scan(...any) error }) (File, error) {
	var (
		f                File
		created, updated string
	)
	if err := row.Scan(&f.ID, &f.JobID, &f.SourceURI, &f.Fingerprint, &f.PlanHash, &f.TotalChunks,
		&f.DoneChunks, &f.Status, &f.FinalURI, &f.FinalSHA256, &f.LastError, &created, &updated); err != nil {
		return File{}, err
	}
	f.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	f.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
	return f, nil
}

// EnsureFile inserts the (job, uri, fingerprint) row if missing and returns it.
// A changed fingerprint produces a new row; earlier rows stay as history.
func (t *Tx) EnsureFile(ctx context.Context, jobID, sourceURI, fingerprint string) (File, error) {
	now := formatTime(t.Now())
	if _, err := t.exec(ctx, `
		INSERT INTO files (job_id, source_uri, fingerprint, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(job_id, source_uri, fingerprint) DO NOTHING
	`, jobID, sourceURI, fingerprint, FilePending, now, now); err != nil {
		return File{}, fmt.Errorf("ensure file: %w", err)
	}

	f, err := scanFile(t.tx.QueryRowContext(ctx, `
		SELECT `+fileColumns+` FROM files
		WHERE job_id = ? AND source_uri = ? AND fingerprint = ?
	`, jobID, sourceURI, fingerprint))
	if err != nil {
		return File{}, fmt.Errorf("get file: %w", classify(err))
	}
	return f, nil
}

// File returns a file by ID.
func (t *Tx) File(ctx context.Context, id int64) (File, error) {
	f, err := scanFile(t.tx.QueryRowContext(ctx, `SELECT `+fileColumns+` FROM files WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return File{}, fmt.Errorf("file %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return File{}, fmt.Errorf("get file: %w", classify(err))
	}
	return f, nil
}

// Files returns every file row of a job, oldest first.
func (t *Tx) Files(ctx context.Context, jobID string) ([]File, error) {
	rows, err := t.tx.QueryContext(ctx, `SELECT `+fileColumns+` FROM files WHERE job_id = ? ORDER BY id`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list files: %w", classify(err))
	}
	defer rows.Close()

	var files []File
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, fmt.Errorf("scan file: %w", err)
		}
		files = append(files, f)
	}
	return files, rows.Err()
}

// SetFilePlan points a file at its current plan hash and marks it running
// unless it already completed under that plan.
func (t *Tx) SetFilePlan(ctx context.Context, fileID int64, planHash string, totalChunks int) error {
	if _, err := t.exec(ctx, `
		UPDATE files SET
			status = CASE WHEN status = ? AND plan_hash = ? THEN status ELSE ? END,
			plan_hash = ?, total_chunks = ?, updated_at = ?
		WHERE id = ?
	`, FileDone, planHash, FileRunning, planHash, totalChunks, formatTime(t.Now()), fileID); err != nil {
		return fmt.Errorf("set file plan: %w", err)
	}
	return t.RefreshFileProgress(ctx, fileID)
}

// RefreshFileProgress recomputes done_chunks from the chunk rows of the
// file's current plan.
func (t *Tx) RefreshFileProgress(ctx context.Context, fileID int64) error {
	if _, err := t.exec(ctx, `
		UPDATE files SET done_chunks = (
			SELECT COUNT(*) FROM chunks
			WHERE chunks.file_id = files.id AND chunks.plan_hash = files.plan_hash AND chunks.status = 'done'
		), updated_at = ?
		WHERE id = ?
	`, formatTime(t.Now()), fileID); err != nil {
		return fmt.Errorf("refresh file progress: %w", err)
	}
	return nil
}

// CompleteFile records the final artifact and marks the file done.
func (t *Tx) CompleteFile(ctx context.Context, fileID int64, finalURI, finalSHA256 string) error {
	if _, err := t.exec(ctx, `
		UPDATE files SET status = ?, final_uri = ?, final_sha256 = ?, last_error = '', updated_at = ?
		WHERE id = ?
	`, FileDone, finalURI, finalSHA256, formatTime(t.Now()), fileID); err != nil {
		return fmt.Errorf("complete file: %w", err)
	}
	if err := t.RefreshFileProgress(ctx, fileID); err != nil {
		return err
	}
	return t.AppendEvent(ctx, "file", strconv.FormatInt(fileID, 10), "file_done",
		map[string]any{"final_uri": finalURI, "final_sha256": finalSHA256})
}

// FailFile marks the file failed with a reason.
func (t *Tx) FailFile(ctx context.Context, fileID int64, reason string) error {
	if _, err := t.exec(ctx, `
		UPDATE files SET status = ?, last_error = ?, updated_at = ? WHERE id = ?
	`, FileFailed, reason, formatTime(t.Now()), fileID); err != nil {
		return fmt.Errorf("fail file: %w", err)
	}
	return t.AppendEvent(ctx, "file", strconv.FormatInt(fileID, 10), "file_failed", map[string]any{"error": reason})
}
