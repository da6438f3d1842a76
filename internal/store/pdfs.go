package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"docharvest/internal/model"
)

const pdfColumns = `id, job_id, source_url, link_text, filename, file_size, document_type,
	is_technical, sharepoint_uploaded, part_number, error, created_at`

func scanPDF(row interface{ Scan(...any) error }) (*model.DiscoveredPDF, error) {
	var (
		p      model.DiscoveredPDF
		part   sql.NullString
		errMsg sql.NullString
	)
	err := row.Scan(&p.ID, &p.JobID, &p.SourceURL, &p.LinkText, &p.Filename, &p.FileSize,
		&p.DocumentType, &p.IsTechnical, &p.SharePointUploaded, &part, &errMsg, &p.CreatedAt)
	if err != nil {
		return nil, err
	}
	p.PartNumber = nullStr(part)
	p.Error = nullStr(errMsg)
	return &p, nil
}

// InsertDiscoveredPDF records an artifact, deduplicating on
// (job_id, source_url). Returns false when the URL was already
// recorded for this job.
func (s *Store) InsertDiscoveredPDF(ctx context.Context, p *model.DiscoveredPDF) (bool, error) {
	if p.ID == uuid.Nil {
		p.ID = NewID()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO discovered_pdfs (id, job_id, source_url, link_text, filename,
			file_size, document_type, is_technical, part_number)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (job_id, source_url) DO NOTHING`,
		p.ID, p.JobID, p.SourceURL, p.LinkText, p.Filename,
		p.FileSize, p.DocumentType, p.IsTechnical, toNullStr(p.PartNumber))
	if err != nil {
		return false, fmt.Errorf("insert pdf: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ListJobPDFs returns all artifacts for a job in discovery order.
func (s *Store) ListJobPDFs(ctx context.Context, jobID uuid.UUID) ([]*model.DiscoveredPDF, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+pdfColumns+` FROM discovered_pdfs WHERE job_id = $1 ORDER BY created_at ASC, id ASC`,
		jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectPDFs(rows)
}

// ListUploadablePDFs returns technical artifacts not yet uploaded.
func (s *Store) ListUploadablePDFs(ctx context.Context, jobID uuid.UUID) ([]*model.DiscoveredPDF, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+pdfColumns+` FROM discovered_pdfs
		 WHERE job_id = $1 AND is_technical AND NOT sharepoint_uploaded
		 ORDER BY created_at ASC, id ASC`,
		jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectPDFs(rows)
}

func collectPDFs(rows *sql.Rows) ([]*model.DiscoveredPDF, error) {
	var out []*model.DiscoveredPDF
	for rows.Next() {
		p, err := scanPDF(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// UpdatePDFClassification records the classifier decision and the
// observed file size.
func (s *Store) UpdatePDFClassification(ctx context.Context, id uuid.UUID, size int64, docType string, technical bool) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE discovered_pdfs
		SET file_size = $1, document_type = $2, is_technical = $3
		WHERE id = $4`,
		size, docType, technical, id)
	return err
}

func (s *Store) MarkPDFUploaded(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE discovered_pdfs SET sharepoint_uploaded = TRUE, error = NULL WHERE id = $1`, id)
	return err
}

func (s *Store) SetPDFError(ctx context.Context, id uuid.UUID, msg string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE discovered_pdfs SET error = $1 WHERE id = $2`, msg, id)
	return err
}
