package model

// Status represents the lifecycle state of a job in the jobs table.
// These values must match the text values stored in the database
// (jobs.status).
//
// Centralizing these here avoids scattering string literals like
// "pending" or "completed" across packages.
type Status string

const (
	StatusPending     Status = "pending"
	StatusCrawling    Status = "crawling"
	StatusClassifying Status = "classifying"
	StatusUploading   Status = "uploading"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
	StatusCancelled   Status = "cancelled"
)

// ActiveStatuses are the non-terminal states in pipeline order.
var ActiveStatuses = []Status{StatusPending, StatusCrawling, StatusClassifying, StatusUploading}

// Terminal reports whether s is an end state. Terminal jobs never
// change status again.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Valid reports whether s is one of the known lifecycle states.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusCrawling, StatusClassifying, StatusUploading,
		StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}
