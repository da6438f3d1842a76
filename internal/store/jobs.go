package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"docharvest/internal/model"
)

const jobColumns = `id, kind, manufacturer_name, source, product_lines, sharepoint_folder,
	weekly_recrawl, status, pdfs_found, pdfs_classified, pdfs_uploaded, pdfs_failed,
	error, stderr_tail, worker_pid, cancel_requested, created_at, updated_at, finished_at`

func scanJob(row interface{ Scan(...any) error }) (*model.Job, error) {
	var (
		j        model.Job
		lines    []byte
		errMsg   sql.NullString
		tail     sql.NullString
		pid      sql.NullInt64
		finished sql.NullTime
	)
	err := row.Scan(&j.ID, &j.Kind, &j.ManufacturerName, &j.Source, &lines, &j.SharePointFolder,
		&j.WeeklyRecrawl, &j.Status, &j.PDFsFound, &j.PDFsClassified, &j.PDFsUploaded, &j.PDFsFailed,
		&errMsg, &tail, &pid, &j.CancelRequested, &j.CreatedAt, &j.UpdatedAt, &finished)
	if err != nil {
		return nil, err
	}
	j.ProductLines = unmarshalLines(lines)
	j.Error = nullStr(errMsg)
	j.StderrTail = nullStr(tail)
	if pid.Valid {
		p := int(pid.Int64)
		j.WorkerPID = &p
	}
	if finished.Valid {
		t := finished.Time
		j.FinishedAt = &t
	}
	return &j, nil
}

// CreateJob inserts a new pending job.
func (s *Store) CreateJob(ctx context.Context, j *model.Job) error {
	if j.ID == uuid.Nil {
		j.ID = NewID()
	}
	if j.Status == "" {
		j.Status = model.StatusPending
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, kind, manufacturer_name, source, product_lines,
			sharepoint_folder, weekly_recrawl, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		j.ID, j.Kind, j.ManufacturerName, j.Source, marshalLines(j.ProductLines),
		j.SharePointFolder, j.WeeklyRecrawl, j.Status)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// CreateJobWithPDFs inserts a job together with its pre-discovered
// artifacts in one transaction. The job row only becomes visible as
// pending at commit, so a supervisor polling for pending work cannot
// admit it while the artifacts are still being written. Duplicate
// source URLs collapse into one row; the returned count is the number
// actually stored, already reflected in pdfs_found.
func (s *Store) CreateJobWithPDFs(ctx context.Context, j *model.Job, pdfs []*model.DiscoveredPDF) (int, error) {
	if j.ID == uuid.Nil {
		j.ID = NewID()
	}
	if j.Status == "" {
		j.Status = model.StatusPending
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO jobs (id, kind, manufacturer_name, source, product_lines,
			sharepoint_folder, weekly_recrawl, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		j.ID, j.Kind, j.ManufacturerName, j.Source, marshalLines(j.ProductLines),
		j.SharePointFolder, j.WeeklyRecrawl, j.Status)
	if err != nil {
		return 0, fmt.Errorf("insert job: %w", err)
	}

	accepted := 0
	for _, p := range pdfs {
		if p.ID == uuid.Nil {
			p.ID = NewID()
		}
		p.JobID = j.ID
		res, err := tx.ExecContext(ctx, `
			INSERT INTO discovered_pdfs (id, job_id, source_url, link_text, filename,
				file_size, document_type, is_technical, part_number)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (job_id, source_url) DO NOTHING`,
			p.ID, p.JobID, p.SourceURL, p.LinkText, p.Filename,
			p.FileSize, p.DocumentType, p.IsTechnical, toNullStr(p.PartNumber))
		if err != nil {
			return 0, fmt.Errorf("insert pdf: %w", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			accepted++
		}
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE jobs SET pdfs_found = $1, updated_at = now() WHERE id = $2`, accepted, j.ID)
	if err != nil {
		return 0, fmt.Errorf("update counters: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	j.PDFsFound = accepted
	return accepted, nil
}

func (s *Store) GetJob(ctx context.Context, id uuid.UUID) (*model.Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	return scanJob(row)
}

// ListJobs returns jobs of one kind, newest first.
func (s *Store) ListJobs(ctx context.Context, kind model.JobKind, limit int) ([]*model.Job, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE kind = $1 ORDER BY created_at DESC LIMIT $2`,
		kind, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectJobs(rows)
}

// ListPendingJobs returns the oldest pending jobs for admission.
func (s *Store) ListPendingJobs(ctx context.Context, limit int) ([]*model.Job, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE status = $1 ORDER BY created_at ASC LIMIT $2`,
		model.StatusPending, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectJobs(rows)
}

// ListRunningJobs returns non-terminal jobs that have a worker pid.
func (s *Store) ListRunningJobs(ctx context.Context) ([]*model.Job, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs
		 WHERE worker_pid IS NOT NULL
		   AND status NOT IN ('completed', 'failed', 'cancelled')
		 ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectJobs(rows)
}

func collectJobs(rows *sql.Rows) ([]*model.Job, error) {
	var out []*model.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// TransitionStatus moves a job from any of the given states to the
// target state in one compare-and-set. Terminal targets also stamp
// finished_at and clear worker_pid so the terminal invariants hold in
// the same statement. Returns false when the job was not in a from
// state (lost race, already terminal).
func (s *Store) TransitionStatus(ctx context.Context, id uuid.UUID, from []model.Status, to model.Status) (bool, error) {
	fromStrs := make([]string, len(from))
	for i, st := range from {
		fromStrs[i] = string(st)
	}

	var res sql.Result
	var err error
	if to.Terminal() {
		res, err = s.db.ExecContext(ctx, `
			UPDATE jobs SET status = $1, finished_at = now(), worker_pid = NULL, updated_at = now()
			WHERE id = $2 AND status = ANY($3)`,
			to, id, fromStrs)
	} else {
		res, err = s.db.ExecContext(ctx, `
			UPDATE jobs SET status = $1, updated_at = now()
			WHERE id = $2 AND status = ANY($3)`,
			to, id, fromStrs)
	}
	if err != nil {
		return false, fmt.Errorf("transition to %s: %w", to, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// MarkFailed is a terminal transition from any non-terminal state with
// an error message attached.
func (s *Store) MarkFailed(ctx context.Context, id uuid.UUID, msg string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = 'failed', error = $1, finished_at = now(),
			worker_pid = NULL, updated_at = now()
		WHERE id = $2 AND status NOT IN ('completed', 'failed', 'cancelled')`,
		msg, id)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// MarkCancelled is the terminal transition the supervisor writes after
// reaping a cancelled worker.
func (s *Store) MarkCancelled(ctx context.Context, id uuid.UUID) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = 'cancelled', finished_at = now(),
			worker_pid = NULL, updated_at = now()
		WHERE id = $1 AND status NOT IN ('completed', 'failed', 'cancelled')`,
		id)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *Store) SetWorkerPID(ctx context.Context, id uuid.UUID, pid int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET worker_pid = $1, updated_at = now() WHERE id = $2`, pid, id)
	return err
}

func (s *Store) ClearWorkerPID(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET worker_pid = NULL, updated_at = now() WHERE id = $1`, id)
	return err
}

// RequestCancel flags a non-terminal job for cooperative cancellation.
// Returns false when the job is already terminal.
func (s *Store) RequestCancel(ctx context.Context, id uuid.UUID) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET cancel_requested = TRUE, updated_at = now()
		WHERE id = $1 AND status NOT IN ('completed', 'failed', 'cancelled')`,
		id)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *Store) IsCancelRequested(ctx context.Context, id uuid.UUID) (bool, error) {
	var flag bool
	err := s.db.QueryRowContext(ctx,
		`SELECT cancel_requested FROM jobs WHERE id = $1`, id).Scan(&flag)
	return flag, err
}

// IncrementCounters adds deltas to the job progress counters in one
// atomic statement. Deltas are never negative; the counters only grow.
func (s *Store) IncrementCounters(ctx context.Context, id uuid.UUID, found, classified, uploaded, failed int) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET
			pdfs_found = pdfs_found + $1,
			pdfs_classified = pdfs_classified + $2,
			pdfs_uploaded = pdfs_uploaded + $3,
			pdfs_failed = pdfs_failed + $4,
			updated_at = now()
		WHERE id = $5`,
		found, classified, uploaded, failed, id)
	return err
}

func (s *Store) SetJobError(ctx context.Context, id uuid.UUID, msg string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET error = $1, updated_at = now() WHERE id = $2`, msg, id)
	return err
}

// SetStderrTail stores the last captured lines of worker stderr for
// post-mortem on failed jobs.
func (s *Store) SetStderrTail(ctx context.Context, id uuid.UUID, tail string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET stderr_tail = $1, updated_at = now() WHERE id = $2`,
		toNullStr(tail), id)
	return err
}

// DeleteExpiredJobs removes terminal jobs finished before the cutoff.
// Artifacts go with them via ON DELETE CASCADE.
func (s *Store) DeleteExpiredJobs(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM jobs
		WHERE status IN ('completed', 'failed', 'cancelled')
		  AND finished_at IS NOT NULL AND finished_at < $1`,
		cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ListActiveJobs returns every job that has not reached a terminal
// state, oldest first.
func (s *Store) ListActiveJobs(ctx context.Context) ([]*model.Job, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs
		 WHERE status NOT IN ('completed', 'failed', 'cancelled')
		 ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectJobs(rows)
}

// Stats aggregates fleet totals for the stats endpoint.
type Stats struct {
	TotalJobs      int   `json:"total_jobs"`
	ActiveJobs     int   `json:"active_jobs"`
	CompletedJobs  int   `json:"completed_jobs"`
	FailedJobs     int   `json:"failed_jobs"`
	CancelledJobs  int   `json:"cancelled_jobs"`
	BulkJobs       int   `json:"bulk_jobs"`
	PDFsFound      int64 `json:"total_pdfs_found"`
	TechnicalPDFs  int64 `json:"technical_pdfs"`
	UploadedPDFs   int64 `json:"uploaded_pdfs"`
	ActiveSchedule int   `json:"active_schedules"`
}

func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	var st Stats
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE status IN ('pending', 'crawling', 'classifying', 'uploading')),
			COUNT(*) FILTER (WHERE status = 'completed'),
			COUNT(*) FILTER (WHERE status = 'failed'),
			COUNT(*) FILTER (WHERE status = 'cancelled'),
			COUNT(*) FILTER (WHERE kind = 'bulk_upload')
		FROM jobs`).Scan(
		&st.TotalJobs, &st.ActiveJobs, &st.CompletedJobs, &st.FailedJobs,
		&st.CancelledJobs, &st.BulkJobs)
	if err != nil {
		return nil, err
	}
	err = s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE is_technical),
			COUNT(*) FILTER (WHERE sharepoint_uploaded)
		FROM discovered_pdfs`).Scan(&st.PDFsFound, &st.TechnicalPDFs, &st.UploadedPDFs)
	if err != nil {
		return nil, err
	}
	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM schedules WHERE enabled`).Scan(&st.ActiveSchedule)
	if err != nil {
		return nil, err
	}
	return &st, nil
}
