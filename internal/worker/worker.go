package worker

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"docharvest/internal/classifier"
	"docharvest/internal/config"
	"docharvest/internal/crawler"
	"docharvest/internal/fetcher"
	"docharvest/internal/llm"
	"docharvest/internal/model"
	"docharvest/internal/sharepoint"
	"docharvest/internal/store"
	"docharvest/internal/uploader"
)

const (
	// cancelPollInterval is how often the worker re-reads the cancel
	// flag while working.
	cancelPollInterval = 2 * time.Second

	// maxArtifactBytes caps one downloaded artifact during the
	// classify pass.
	maxArtifactBytes = 512 << 20

	// classifyConcurrency bounds parallel artifact downloads during
	// classification.
	classifyConcurrency = 4
)

// jobStore is the slice of the store the worker uses. Tests substitute
// a fake.
type jobStore interface {
	GetJob(ctx context.Context, id uuid.UUID) (*model.Job, error)
	TransitionStatus(ctx context.Context, id uuid.UUID, from []model.Status, to model.Status) (bool, error)
	MarkFailed(ctx context.Context, id uuid.UUID, msg string) (bool, error)
	IsCancelRequested(ctx context.Context, id uuid.UUID) (bool, error)
	IncrementCounters(ctx context.Context, id uuid.UUID, found, classified, uploaded, failed int) error
	InsertDiscoveredPDF(ctx context.Context, p *model.DiscoveredPDF) (bool, error)
	ListJobPDFs(ctx context.Context, jobID uuid.UUID) ([]*model.DiscoveredPDF, error)
	ListUploadablePDFs(ctx context.Context, jobID uuid.UUID) ([]*model.DiscoveredPDF, error)
	UpdatePDFClassification(ctx context.Context, id uuid.UUID, size int64, docType string, technical bool) error
	MarkPDFUploaded(ctx context.Context, id uuid.UUID) error
	SetPDFError(ctx context.Context, id uuid.UUID, msg string) error
}

var _ jobStore = (*store.Store)(nil)

// pipeline groups the phase implementations so tests can fake the
// heavyweight pieces.
type pipeline interface {
	crawl(ctx context.Context, w *Worker, job *model.Job) (int, error)
	classifyOne(ctx context.Context, w *Worker, job *model.Job, p *model.DiscoveredPDF)
	upload(ctx context.Context, w *Worker, job *model.Job, pdfs []*model.DiscoveredPDF) error
}

// Worker runs one job to completion inside its own OS process. It
// writes every phase transition and counter to the store so progress
// survives the process; on cancellation it exits promptly and leaves
// the terminal transition to the supervisor.
type Worker struct {
	cfg    *config.Config
	st     jobStore
	logger *slog.Logger
	pipe   pipeline
}

func New(cfg *config.Config, st *store.Store, logger *slog.Logger) *Worker {
	return &Worker{cfg: cfg, st: st, logger: logger, pipe: &livePipeline{}}
}

// Run executes the job. A nil return means exit 0: either the job
// completed or a cancel request was honored. A non-nil return means
// the job failed; the failure is already recorded.
func (w *Worker) Run(ctx context.Context, jobID uuid.UUID) error {
	job, err := w.st.GetJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("load job: %w", err)
	}

	ok, err := w.st.TransitionStatus(ctx, jobID, []model.Status{model.StatusPending}, model.StatusCrawling)
	if err != nil {
		return fmt.Errorf("start transition: %w", err)
	}
	if !ok {
		// Cancelled or already claimed before we started.
		w.logger.Info("job not in pending state, exiting", "job_id", jobID)
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go w.watchCancel(ctx, jobID, cancel)

	err = w.runPipeline(ctx, job)
	if ctx.Err() != nil {
		w.logger.Info("cancel honored, exiting", "job_id", jobID)
		return nil
	}
	if err != nil {
		if _, ferr := w.st.MarkFailed(context.WithoutCancel(ctx), jobID, err.Error()); ferr != nil {
			w.logger.Error("failure record failed", "job_id", jobID, "error", ferr)
		}
		return err
	}
	return nil
}

// watchCancel polls the cancel flag and tears the context down when it
// flips. The SIGTERM path exists too; this poll is what makes
// cancellation cooperative before signals are needed.
func (w *Worker) watchCancel(ctx context.Context, jobID uuid.UUID, cancel context.CancelFunc) {
	ticker := time.NewTicker(cancelPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cancelled, err := w.st.IsCancelRequested(ctx, jobID)
			if err != nil {
				continue
			}
			if cancelled {
				cancel()
				return
			}
		}
	}
}

func (w *Worker) runPipeline(ctx context.Context, job *model.Job) error {
	found := 0
	if job.Kind == model.KindCrawl {
		n, err := w.pipe.crawl(ctx, w, job)
		if err != nil {
			return err
		}
		found = n
	} else {
		// Bulk rows were validated and persisted at creation.
		rows, err := w.st.ListJobPDFs(ctx, job.ID)
		if err != nil {
			return fmt.Errorf("load bulk rows: %w", err)
		}
		found = len(rows)
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	if found == 0 {
		w.logger.Info("no pdfs found, completing", "job_id", job.ID)
		_, err := w.st.TransitionStatus(ctx, job.ID, []model.Status{model.StatusCrawling}, model.StatusCompleted)
		return err
	}

	if ok, err := w.st.TransitionStatus(ctx, job.ID, []model.Status{model.StatusCrawling}, model.StatusClassifying); err != nil {
		return err
	} else if !ok {
		return fmt.Errorf("job left crawling state unexpectedly")
	}

	pdfs, err := w.st.ListJobPDFs(ctx, job.ID)
	if err != nil {
		return fmt.Errorf("list artifacts: %w", err)
	}
	w.classifyAll(ctx, job, pdfs)
	if ctx.Err() != nil {
		return ctx.Err()
	}

	if ok, err := w.st.TransitionStatus(ctx, job.ID, []model.Status{model.StatusClassifying}, model.StatusUploading); err != nil {
		return err
	} else if !ok {
		return fmt.Errorf("job left classifying state unexpectedly")
	}

	uploadable, err := w.st.ListUploadablePDFs(ctx, job.ID)
	if err != nil {
		return fmt.Errorf("list uploadable: %w", err)
	}
	if err := w.pipe.upload(ctx, w, job, uploadable); err != nil {
		return err
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	_, err = w.st.TransitionStatus(ctx, job.ID, []model.Status{model.StatusUploading}, model.StatusCompleted)
	if err == nil {
		w.logger.Info("job completed", "job_id", job.ID)
	}
	return err
}

// classifyAll runs the classify pass with bounded concurrency.
// Individual artifacts never fail the phase.
func (w *Worker) classifyAll(ctx context.Context, job *model.Job, pdfs []*model.DiscoveredPDF) {
	sem := make(chan struct{}, classifyConcurrency)
	var wg sync.WaitGroup
	for _, p := range pdfs {
		if ctx.Err() != nil {
			break
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(p *model.DiscoveredPDF) {
			defer wg.Done()
			defer func() { <-sem }()
			w.pipe.classifyOne(ctx, w, job, p)
		}(p)
	}
	wg.Wait()
}

// livePipeline is the production implementation over the real fetcher,
// classifier and Graph client.
type livePipeline struct {
	mu    sync.Mutex
	fetch *fetcher.Fetcher
	cls   *classifier.Classifier
}

func (lp *livePipeline) fetcher(w *Worker) *fetcher.Fetcher {
	lp.mu.Lock()
	defer lp.mu.Unlock()
	if lp.fetch == nil {
		lp.fetch = fetcher.New(fetcher.Options{
			UserAgent:      w.cfg.Fetcher.UserAgent,
			Timeout:        time.Duration(w.cfg.Fetcher.TimeoutMs) * time.Millisecond,
			MaxRedirects:   w.cfg.Fetcher.MaxRedirects,
			BrowserEnabled: w.cfg.Rod.Enabled,
			BrowserURL:     w.cfg.Rod.BrowserURL,
		})
	}
	return lp.fetch
}

func (lp *livePipeline) classifier(w *Worker) *classifier.Classifier {
	lp.mu.Lock()
	defer lp.mu.Unlock()
	if lp.cls == nil {
		client, provider, _, err := llm.NewClientFromConfig(w.cfg)
		if err != nil {
			w.logger.Warn("llm unavailable, classification falls back to filenames", "error", err)
			client = nil
		}
		lp.cls = classifier.New(client, string(provider),
			time.Duration(w.cfg.LLM.TimeoutMs)*time.Millisecond, w.logger)
	}
	return lp.cls
}

func (lp *livePipeline) crawl(ctx context.Context, w *Worker, job *model.Job) (int, error) {
	f := lp.fetcher(w)
	defer f.Close()

	found := 0
	var mu sync.Mutex

	c := crawler.New(f, w.logger)
	stats, err := c.Run(ctx, crawler.Options{
		Seed:            job.Source,
		ProductLines:    job.ProductLines,
		MaxPages:        w.cfg.Crawler.MaxPages,
		MaxDepth:        w.cfg.Crawler.MaxDepth,
		Concurrency:     w.cfg.Crawler.MaxConcurrentFetches,
		PolitenessDelay: time.Duration(w.cfg.Crawler.PolitenessDelayMs) * time.Millisecond,
		RespectRobots:   w.cfg.Robots.Respect,
		UserAgent:       w.cfg.Fetcher.UserAgent,
	}, func(ref crawler.PDFRef) error {
		inserted, err := w.st.InsertDiscoveredPDF(ctx, &model.DiscoveredPDF{
			JobID:     job.ID,
			SourceURL: ref.URL,
			LinkText:  ref.LinkText,
			Filename:  ref.Filename,
		})
		if err != nil {
			return err
		}
		if inserted {
			mu.Lock()
			found++
			mu.Unlock()
			if err := w.st.IncrementCounters(ctx, job.ID, 1, 0, 0, 0); err != nil {
				w.logger.Error("counter update failed", "job_id", job.ID, "error", err)
			}
		}
		return nil
	})
	if err != nil && ctx.Err() == nil {
		return found, fmt.Errorf("crawl: %w", err)
	}

	w.logger.Info("crawl finished", "job_id", job.ID,
		"pages_visited", stats.PagesVisited, "pdfs_found", found, "page_errors", stats.PageErrors)
	return found, nil
}

func (lp *livePipeline) classifyOne(ctx context.Context, w *Worker, job *model.Job, p *model.DiscoveredPDF) {
	f := lp.fetcher(w)

	var buf bytes.Buffer
	size, _, err := f.Download(ctx, p.SourceURL, &buf, maxArtifactBytes)

	docType := p.DocumentType
	technical := p.IsTechnical

	switch {
	case job.Kind == model.KindBulk:
		// Bulk rows are asserted technical at creation; this pass only
		// captures the real size.
		if err != nil {
			w.logger.Warn("bulk artifact download failed", "job_id", job.ID,
				"url", p.SourceURL, "error", err)
			if serr := w.st.SetPDFError(ctx, p.ID, err.Error()); serr != nil {
				w.logger.Error("artifact error write failed", "pdf_id", p.ID, "error", serr)
			}
		}
	case err != nil:
		w.logger.Warn("artifact download failed, classifying by filename",
			"job_id", job.ID, "url", p.SourceURL, "error", err)
		d := lp.classifier(w).Classify(ctx, p.Filename, "")
		docType, technical = d.DocumentType, d.IsTechnical
	default:
		firstPage := ""
		if text, terr := classifier.FirstPageText(buf.Bytes()); terr == nil {
			firstPage = text
		} else {
			w.logger.Info("no extractable text, using filename only",
				"job_id", job.ID, "filename", p.Filename, "reason", terr)
		}
		d := lp.classifier(w).Classify(ctx, p.Filename, firstPage)
		docType, technical = d.DocumentType, d.IsTechnical
	}

	if err := w.st.UpdatePDFClassification(ctx, p.ID, size, docType, technical); err != nil {
		w.logger.Error("classification write failed", "pdf_id", p.ID, "error", err)
		return
	}
	if err := w.st.IncrementCounters(ctx, job.ID, 0, 1, 0, 0); err != nil {
		w.logger.Error("counter update failed", "job_id", job.ID, "error", err)
	}
}

func (lp *livePipeline) upload(ctx context.Context, w *Worker, job *model.Job, pdfs []*model.DiscoveredPDF) error {
	if len(pdfs) == 0 {
		return nil
	}

	sp := sharepoint.New(sharepoint.Config{
		SiteURL:      w.cfg.SharePoint.SiteURL,
		Tenant:       w.cfg.SharePoint.Tenant,
		ClientID:     w.cfg.SharePoint.ClientID,
		ClientSecret: w.cfg.SharePoint.ClientSecret,
	})
	up := uploader.New(sp, lp.fetcher(w), w.cfg.Uploader.MaxConcurrent, w.logger)

	res, err := up.Run(ctx, job.SharePointFolder, pdfs, func(p *model.DiscoveredPDF, outcome string, uerr error) {
		switch outcome {
		case uploader.OutcomeUploaded, uploader.OutcomeSkipped:
			if serr := w.st.MarkPDFUploaded(ctx, p.ID); serr != nil {
				w.logger.Error("upload record failed", "pdf_id", p.ID, "error", serr)
			}
			if serr := w.st.IncrementCounters(ctx, job.ID, 0, 0, 1, 0); serr != nil {
				w.logger.Error("counter update failed", "job_id", job.ID, "error", serr)
			}
		case uploader.OutcomeFailed:
			if serr := w.st.SetPDFError(ctx, p.ID, uerr.Error()); serr != nil {
				w.logger.Error("artifact error write failed", "pdf_id", p.ID, "error", serr)
			}
			if serr := w.st.IncrementCounters(ctx, job.ID, 0, 0, 0, 1); serr != nil {
				w.logger.Error("counter update failed", "job_id", job.ID, "error", serr)
			}
		}
	})
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("upload: %w", err)
	}
	w.logger.Info("upload finished", "job_id", job.ID,
		"uploaded", res.Uploaded, "skipped", res.Skipped, "failed", res.Failed)
	return nil
}
