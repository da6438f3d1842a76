package http

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"docharvest/internal/model"
	"docharvest/internal/store"
)

// apiStore is the slice of the store the handlers need. Tests swap in
// an in-memory fake.
type apiStore interface {
	Stats(ctx context.Context) (*store.Stats, error)
	ListActiveJobs(ctx context.Context) ([]*model.Job, error)
	ListJobs(ctx context.Context, kind model.JobKind, limit int) ([]*model.Job, error)
	CreateJob(ctx context.Context, j *model.Job) error
	CreateJobWithPDFs(ctx context.Context, j *model.Job, pdfs []*model.DiscoveredPDF) (int, error)
	GetJob(ctx context.Context, id uuid.UUID) (*model.Job, error)
	RequestCancel(ctx context.Context, id uuid.UUID) (bool, error)
	ListJobPDFs(ctx context.Context, jobID uuid.UUID) ([]*model.DiscoveredPDF, error)
	ListSchedules(ctx context.Context) ([]*model.Schedule, error)
	GetSchedule(ctx context.Context, id uuid.UUID) (*model.Schedule, error)
	DeleteSchedule(ctx context.Context, id uuid.UUID) (bool, error)
}

var _ apiStore = (*store.Store)(nil)

func storeFrom(c *fiber.Ctx) apiStore {
	return c.Locals("store").(apiStore)
}

func detail(c *fiber.Ctx, status int, format string, args ...any) error {
	return c.Status(status).JSON(ErrorResponse{Detail: fmt.Sprintf(format, args...)})
}

// findJob resolves the :id path parameter to a job of the given kind.
// On any miss it writes the error response itself and returns a nil
// job; callers must check the job, not the error. A job of the other
// kind is a 404 so crawl ids never resolve under the bulk routes and
// vice versa.
func findJob(c *fiber.Ctx, kind model.JobKind) (*model.Job, error) {
	raw := c.Params("id")
	id, err := uuid.Parse(raw)
	if err != nil {
		return nil, detail(c, fiber.StatusBadRequest, "invalid job id %q", raw)
	}

	job, err := storeFrom(c).GetJob(c.Context(), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, detail(c, fiber.StatusNotFound, "job %s not found", id)
	}
	if err != nil {
		return nil, detail(c, fiber.StatusInternalServerError, "job query failed: %v", err)
	}
	if job.Kind != kind {
		return nil, detail(c, fiber.StatusNotFound, "job %s not found", id)
	}
	return job, nil
}

func statsHandler(c *fiber.Ctx) error {
	st, err := storeFrom(c).Stats(c.Context())
	if err != nil {
		return detail(c, fiber.StatusInternalServerError, "stats query failed: %v", err)
	}
	return c.JSON(st)
}

func activeJobsHandler(c *fiber.Ctx) error {
	jobs, err := storeFrom(c).ListActiveJobs(c.Context())
	if err != nil {
		return detail(c, fiber.StatusInternalServerError, "job query failed: %v", err)
	}
	if jobs == nil {
		jobs = []*model.Job{}
	}
	return c.JSON(jobs)
}

func listJobsHandler(kind model.JobKind) fiber.Handler {
	return func(c *fiber.Ctx) error {
		jobs, err := storeFrom(c).ListJobs(c.Context(), kind, c.QueryInt("limit", 100))
		if err != nil {
			return detail(c, fiber.StatusInternalServerError, "job query failed: %v", err)
		}
		if jobs == nil {
			jobs = []*model.Job{}
		}
		return c.JSON(jobs)
	}
}

func createCrawlJobHandler(c *fiber.Ctx) error {
	var req CreateCrawlJobRequest
	if err := c.BodyParser(&req); err != nil {
		return detail(c, fiber.StatusBadRequest, "invalid request body: %v", err)
	}

	req.ManufacturerName = strings.TrimSpace(req.ManufacturerName)
	req.Domain = strings.TrimSpace(req.Domain)
	req.SharePointFolder = strings.TrimSpace(req.SharePointFolder)
	switch {
	case req.ManufacturerName == "":
		return detail(c, fiber.StatusBadRequest, "manufacturer_name is required")
	case req.Domain == "":
		return detail(c, fiber.StatusBadRequest, "domain is required")
	case req.SharePointFolder == "":
		return detail(c, fiber.StatusBadRequest, "sharepoint_folder is required")
	}

	seed := req.Domain
	if !strings.Contains(seed, "://") {
		seed = "https://" + seed
	}
	if u, err := url.Parse(seed); err != nil || u.Host == "" {
		return detail(c, fiber.StatusBadRequest, "domain %q is not a valid host", req.Domain)
	}

	job := &model.Job{
		Kind:             model.KindCrawl,
		ManufacturerName: req.ManufacturerName,
		Source:           seed,
		ProductLines:     req.ProductLines,
		SharePointFolder: req.SharePointFolder,
		WeeklyRecrawl:    req.WeeklyRecrawl,
	}
	if err := storeFrom(c).CreateJob(c.Context(), job); err != nil {
		return detail(c, fiber.StatusInternalServerError, "job creation failed: %v", err)
	}
	return c.Status(fiber.StatusCreated).JSON(job)
}

func jobDetailHandler(kind model.JobKind) fiber.Handler {
	return func(c *fiber.Ctx) error {
		job, err := findJob(c, kind)
		if job == nil {
			return err
		}
		return c.JSON(job)
	}
}

func cancelJobHandler(kind model.JobKind) fiber.Handler {
	return func(c *fiber.Ctx) error {
		job, err := findJob(c, kind)
		if job == nil {
			return err
		}
		if job.Status.Terminal() {
			return detail(c, fiber.StatusConflict, "job %s is already %s", job.ID, job.Status)
		}

		ok, err := storeFrom(c).RequestCancel(c.Context(), job.ID)
		if err != nil {
			return detail(c, fiber.StatusInternalServerError, "cancel request failed: %v", err)
		}
		if !ok {
			// The job reached a terminal state between the read and the flag write.
			return detail(c, fiber.StatusConflict, "job %s already finished", job.ID)
		}
		return c.JSON(CancelResponse{Status: "cancel_requested"})
	}
}

func jobPDFsHandler(kind model.JobKind) fiber.Handler {
	return func(c *fiber.Ctx) error {
		job, err := findJob(c, kind)
		if job == nil {
			return err
		}

		pdfs, err := storeFrom(c).ListJobPDFs(c.Context(), job.ID)
		if err != nil {
			return detail(c, fiber.StatusInternalServerError, "pdf query failed: %v", err)
		}
		if pdfs == nil {
			pdfs = []*model.DiscoveredPDF{}
		}
		return c.JSON(pdfs)
	}
}
