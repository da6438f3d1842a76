package http

// ErrorResponse is the envelope for every non-2xx body.
type ErrorResponse struct {
	Detail string `json:"detail"`
}

// CreateCrawlJobRequest is the POST /api/crawl-jobs body.
type CreateCrawlJobRequest struct {
	ManufacturerName string   `json:"manufacturer_name"`
	Domain           string   `json:"domain"`
	ProductLines     []string `json:"product_lines"`
	SharePointFolder string   `json:"sharepoint_folder"`
	WeeklyRecrawl    bool     `json:"weekly_recrawl"`
}

// BulkUploadResponse reports the created job plus the outcome of
// parts-list validation.
type BulkUploadResponse struct {
	JobID        string `json:"job_id"`
	Status       string `json:"status"`
	RowsAccepted int    `json:"rows_accepted"`
	RowsRejected int    `json:"rows_rejected"`
}

// CancelResponse acknowledges a cancel request.
type CancelResponse struct {
	Status string `json:"status"`
}
