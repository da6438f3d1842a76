package uploader

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"

	"docharvest/internal/metrics"
	"docharvest/internal/model"
	"docharvest/internal/sharepoint"
)

// maxArtifactBytes caps a single downloaded artifact.
const maxArtifactBytes = 512 << 20

// RemoteStore is the slice of the Graph client the uploader needs.
type RemoteStore interface {
	EnsureFolder(ctx context.Context, path string) (string, error)
	ListChildren(ctx context.Context, folderID string) ([]sharepoint.DriveItem, error)
	Upload(ctx context.Context, folderID, name string, data []byte) error
}

// Downloader fetches artifact bytes from the source site.
type Downloader interface {
	Download(ctx context.Context, url string, w io.Writer, maxBytes int64) (int64, string, error)
}

// Outcome of one artifact.
const (
	OutcomeUploaded = "uploaded"
	OutcomeSkipped  = "skipped"
	OutcomeFailed   = "failed"
)

// ReportFunc receives the outcome per artifact as it settles. The
// worker uses it to write store rows and counters; err is non-nil only
// for OutcomeFailed.
type ReportFunc func(p *model.DiscoveredPDF, outcome string, err error)

type Result struct {
	Uploaded int
	Skipped  int
	Failed   int
}

// Uploader ships classified artifacts to a SharePoint folder. An
// artifact already present at the destination with the same name and
// size is skipped without transfer; a name collision with a different
// size gets a numbered suffix. Individual failures never abort the
// batch.
type Uploader struct {
	remote        RemoteStore
	dl            Downloader
	logger        *slog.Logger
	maxConcurrent int
}

func New(remote RemoteStore, dl Downloader, maxConcurrent int, logger *slog.Logger) *Uploader {
	if maxConcurrent <= 0 {
		maxConcurrent = 4
	}
	return &Uploader{remote: remote, dl: dl, logger: logger, maxConcurrent: maxConcurrent}
}

// Run uploads all artifacts into folder. It returns an error only when
// the destination folder itself cannot be prepared; per-artifact
// failures are reported and counted.
func (u *Uploader) Run(ctx context.Context, folder string, pdfs []*model.DiscoveredPDF, report ReportFunc) (Result, error) {
	if len(pdfs) == 0 {
		return Result{}, nil
	}

	folderID, err := u.remote.EnsureFolder(ctx, folder)
	if err != nil {
		return Result{}, fmt.Errorf("ensure folder %s: %w", folder, err)
	}

	children, err := u.remote.ListChildren(ctx, folderID)
	if err != nil {
		return Result{}, fmt.Errorf("list folder %s: %w", folder, err)
	}

	// Existing (name, size) pairs at the destination. Names claimed by
	// in-flight uploads are added as they are chosen so two goroutines
	// cannot pick the same one.
	state := &destState{sizes: make(map[string]int64)}
	for _, it := range children {
		if !it.IsFolder {
			state.sizes[it.Name] = it.Size
		}
	}

	var (
		mu  sync.Mutex
		res Result
		wg  sync.WaitGroup
	)
	sem := make(chan struct{}, u.maxConcurrent)

	for _, p := range pdfs {
		if ctx.Err() != nil {
			break
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(p *model.DiscoveredPDF) {
			defer wg.Done()
			defer func() { <-sem }()

			outcome, err := u.uploadOne(ctx, folderID, state, p)
			metrics.RecordUpload(outcome)
			if report != nil {
				report(p, outcome, err)
			}
			mu.Lock()
			switch outcome {
			case OutcomeUploaded:
				res.Uploaded++
			case OutcomeSkipped:
				res.Skipped++
			default:
				res.Failed++
			}
			mu.Unlock()
		}(p)
	}
	wg.Wait()

	return res, ctx.Err()
}

type destState struct {
	mu    sync.Mutex
	sizes map[string]int64
}

// claim decides the destination name for an artifact. Returns
// ("", true) when an identical file already exists and the upload can
// be skipped.
func (d *destState) claim(name string, size int64) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	candidate := name
	for n := 2; ; n++ {
		existing, taken := d.sizes[candidate]
		if !taken {
			d.sizes[candidate] = size
			return candidate, false
		}
		if existing == size {
			return "", true
		}
		candidate = suffixName(name, n)
	}
}

func (d *destState) release(name string) {
	d.mu.Lock()
	delete(d.sizes, name)
	d.mu.Unlock()
}

// suffixName turns manual.pdf into manual_2.pdf, manual_3.pdf, ...
func suffixName(name string, n int) string {
	ext := ""
	base := name
	if i := strings.LastIndexByte(name, '.'); i > 0 {
		base, ext = name[:i], name[i:]
	}
	return fmt.Sprintf("%s_%d%s", base, n, ext)
}

func (u *Uploader) uploadOne(ctx context.Context, folderID string, state *destState, p *model.DiscoveredPDF) (string, error) {
	name, skip := state.claim(p.Filename, p.FileSize)
	if skip {
		u.logger.Info("artifact already at destination, skipping",
			"filename", p.Filename, "size", p.FileSize)
		return OutcomeSkipped, nil
	}

	var buf bytes.Buffer
	size, _, err := u.dl.Download(ctx, p.SourceURL, &buf, maxArtifactBytes)
	if err != nil {
		state.release(name)
		return OutcomeFailed, fmt.Errorf("download %s: %w", p.SourceURL, err)
	}

	// The source can serve different bytes than the classify pass saw;
	// re-check the dedup key against the actual size.
	if size != p.FileSize {
		state.release(name)
		name, skip = state.claim(p.Filename, size)
		if skip {
			return OutcomeSkipped, nil
		}
	}

	if err := u.uploadWithRetry(ctx, folderID, name, buf.Bytes()); err != nil {
		state.release(name)
		return OutcomeFailed, err
	}

	u.logger.Info("artifact uploaded", "filename", name, "size", size)
	return OutcomeUploaded, nil
}

// uploadWithRetry retries transient Graph failures up to three times
// with exponential backoff, honoring Retry-After on throttling.
// Terminal statuses fail immediately.
func (u *Uploader) uploadWithRetry(ctx context.Context, folderID, name string, data []byte) error {
	// A Retry-After from Graph replaces the next exponential delay
	// rather than stacking on top of it.
	exp := retry.NewExponential(time.Second)
	var retryAfter time.Duration
	backoff := retry.BackoffFunc(func() (time.Duration, bool) {
		next, stop := exp.Next()
		if stop {
			return 0, true
		}
		if retryAfter > 0 {
			next = retryAfter
			retryAfter = 0
		}
		return next, false
	})

	return retry.Do(ctx, retry.WithMaxRetries(3, backoff), func(ctx context.Context) error {
		err := u.remote.Upload(ctx, folderID, name, data)
		if err == nil {
			return nil
		}

		var he *sharepoint.HTTPError
		if errors.As(err, &he) {
			if he.Terminal() {
				return err
			}
			if he.RetryAfter > 0 {
				u.logger.Warn("throttled by graph, honoring retry-after",
					"filename", name, "retry_after", he.RetryAfter)
				retryAfter = he.RetryAfter
			}
		}
		return retry.RetryableError(err)
	})
}
