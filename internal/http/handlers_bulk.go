package http

import (
	"strings"

	"github.com/gofiber/fiber/v2"

	"docharvest/internal/classifier"
	"docharvest/internal/model"
	"docharvest/internal/partslist"
)

// bulkUploadHandler accepts a multipart parts list (.xlsx or .csv),
// validates every row up front and persists the accepted rows as
// discovered PDFs before the job is admitted. The worker then only has
// to download, size and upload them.
func bulkUploadHandler(c *fiber.Ctx) error {
	manufacturer := strings.TrimSpace(c.Query("manufacturer_name"))
	folder := strings.TrimSpace(c.Query("sharepoint_folder"))
	switch {
	case manufacturer == "":
		return detail(c, fiber.StatusBadRequest, "manufacturer_name query parameter is required")
	case folder == "":
		return detail(c, fiber.StatusBadRequest, "sharepoint_folder query parameter is required")
	}

	fh, err := c.FormFile("file")
	if err != nil {
		return detail(c, fiber.StatusBadRequest, "multipart field \"file\" is required")
	}
	f, err := fh.Open()
	if err != nil {
		return detail(c, fiber.StatusBadRequest, "uploaded file unreadable: %v", err)
	}
	defer f.Close()

	res, err := partslist.Parse(fh.Filename, f)
	if err != nil {
		return detail(c, fiber.StatusBadRequest, "parts list rejected: %v", err)
	}
	if len(res.Rows) == 0 {
		return detail(c, fiber.StatusBadRequest,
			"parts list has no valid rows (%d rejected)", res.Rejected)
	}

	job := &model.Job{
		Kind:             model.KindBulk,
		ManufacturerName: manufacturer,
		Source:           fh.Filename,
		SharePointFolder: folder,
	}
	pdfs := make([]*model.DiscoveredPDF, 0, len(res.Rows))
	for _, row := range res.Rows {
		pdfs = append(pdfs, &model.DiscoveredPDF{
			SourceURL:    row.PDFURL,
			Filename:     partslist.Filename(row.PartNumber),
			PartNumber:   row.PartNumber,
			DocumentType: classifier.TypeTechData,
			IsTechnical:  true,
		})
	}

	// Job and rows commit together so the job is never admitted with a
	// partial parts list.
	accepted, err := storeFrom(c).CreateJobWithPDFs(c.Context(), job, pdfs)
	if err != nil {
		return detail(c, fiber.StatusInternalServerError, "job creation failed: %v", err)
	}

	// Duplicate URLs within the list collapse into one row each.
	rejected := res.Rejected + (len(res.Rows) - accepted)
	return c.Status(fiber.StatusCreated).JSON(BulkUploadResponse{
		JobID:        job.ID.String(),
		Status:       string(model.StatusPending),
		RowsAccepted: accepted,
		RowsRejected: rejected,
	})
}
