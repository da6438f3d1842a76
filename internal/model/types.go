package model

import (
	"time"

	"github.com/google/uuid"
)

// JobKind distinguishes site crawls from parts-list ingestions.
type JobKind string

const (
	KindCrawl JobKind = "crawl"
	KindBulk  JobKind = "bulk_upload"
)

// Job is a persistent unit of harvest work. A job survives process
// restarts; all progress is read back from this row.
type Job struct {
	ID               uuid.UUID  `json:"id"`
	Kind             JobKind    `json:"kind"`
	ManufacturerName string     `json:"manufacturer_name"`
	Source           string     `json:"source"`
	ProductLines     []string   `json:"product_lines"`
	SharePointFolder string     `json:"sharepoint_folder"`
	WeeklyRecrawl    bool       `json:"weekly_recrawl"`
	Status           Status     `json:"status"`
	PDFsFound        int        `json:"pdfs_found"`
	PDFsClassified   int        `json:"pdfs_classified"`
	PDFsUploaded     int        `json:"pdfs_uploaded"`
	PDFsFailed       int        `json:"pdfs_failed"`
	Error            string     `json:"error,omitempty"`
	StderrTail       string     `json:"stderr_tail,omitempty"`
	WorkerPID        *int       `json:"worker_pid,omitempty"`
	CancelRequested  bool       `json:"cancel_requested"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
	FinishedAt       *time.Time `json:"finished_at,omitempty"`
}

// DiscoveredPDF is one artifact found by a crawl or supplied by a
// parts list. (job_id, source_url) is unique.
type DiscoveredPDF struct {
	ID                 uuid.UUID `json:"id"`
	JobID              uuid.UUID `json:"job_id"`
	SourceURL          string    `json:"source_url"`
	LinkText           string    `json:"link_text,omitempty"`
	Filename           string    `json:"filename"`
	FileSize           int64     `json:"file_size"`
	DocumentType       string    `json:"document_type,omitempty"`
	IsTechnical        bool      `json:"is_technical"`
	SharePointUploaded bool      `json:"sharepoint_uploaded"`
	PartNumber         string    `json:"part_number,omitempty"`
	Error              string    `json:"error,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
}

// Schedule is a weekly recrawl template. The scheduler inserts a new
// pending Job from it each time next_run passes.
type Schedule struct {
	ID               uuid.UUID  `json:"id"`
	ManufacturerName string     `json:"manufacturer_name"`
	Domain           string     `json:"domain"`
	ProductLines     []string   `json:"product_lines"`
	SharePointFolder string     `json:"sharepoint_folder"`
	Cron             string     `json:"cron"`
	Enabled          bool       `json:"enabled"`
	LastRun          *time.Time `json:"last_run,omitempty"`
	NextRun          *time.Time `json:"next_run,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
}
