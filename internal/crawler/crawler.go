package crawler

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/temoto/robotstxt"
	"golang.org/x/time/rate"

	"docharvest/internal/fetcher"
)

// PageFetcher is the slice of the fetcher the crawler needs.
type PageFetcher interface {
	Fetch(ctx context.Context, url string) (*fetcher.Result, error)
}

type Options struct {
	Seed            string
	ProductLines    []string
	MaxPages        int
	MaxDepth        int
	Concurrency     int
	PolitenessDelay time.Duration
	RespectRobots   bool
	UserAgent       string
}

// PDFRef is a discovered artifact: the resolved URL, the anchor text
// of the link that pointed at it, and a filename derived from the
// path.
type PDFRef struct {
	URL      string
	LinkText string
	Filename string
}

type Stats struct {
	PagesVisited int
	PDFsFound    int
	PageErrors   int
}

// Crawler walks a manufacturer site best-first and emits PDF links.
// One Crawler instance runs one site; the worker process creates it
// per job.
type Crawler struct {
	fetch  PageFetcher
	logger *slog.Logger
}

func New(fetch PageFetcher, logger *slog.Logger) *Crawler {
	return &Crawler{fetch: fetch, logger: logger}
}

// Run crawls from the seed until the frontier drains or the page
// budget is spent. emit is called once per unique PDF URL, possibly
// from several goroutines. An unreachable seed fails the whole crawl;
// errors on interior pages are logged and skipped.
func (c *Crawler) Run(ctx context.Context, opts Options, emit func(PDFRef) error) (Stats, error) {
	seedURL, err := url.Parse(opts.Seed)
	if err != nil {
		return Stats{}, fmt.Errorf("parse seed: %w", err)
	}
	if seedURL.Scheme == "" {
		seedURL.Scheme = "https"
	}
	scope := registeredDomain(seedURL.Host)

	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	if opts.MaxPages <= 0 {
		opts.MaxPages = 2000
	}
	if opts.MaxDepth <= 0 {
		opts.MaxDepth = 6
	}

	var robots *robotstxt.Group
	if opts.RespectRobots {
		robots = c.fetchRobots(ctx, seedURL, opts.UserAgent)
	}

	delay := opts.PolitenessDelay
	if delay <= 0 {
		delay = 500 * time.Millisecond
	}
	limiter := rate.NewLimiter(rate.Every(delay), 1)

	st := &crawlState{
		front:   newFrontier(),
		visited: make(map[string]struct{}),
		pdfSeen: make(map[string]struct{}),
	}
	st.cond = sync.NewCond(&st.mu)

	seedNorm := normalizeURL(seedURL)
	st.visited[seedNorm] = struct{}{}
	st.front.push(seedURL.String(), 0, 0)

	c.seedFromSitemap(ctx, opts, st, scope, seedURL, emit)

	// Wake waiting workers when the context dies so cond.Wait cannot
	// hang past cancellation.
	wakeDone := make(chan struct{})
	defer close(wakeDone)
	go func() {
		select {
		case <-ctx.Done():
			st.cond.Broadcast()
		case <-wakeDone:
		}
	}()

	var wg sync.WaitGroup
	for i := 0; i < opts.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.work(ctx, opts, st, scope, robots, limiter, emit)
		}()
	}
	wg.Wait()

	st.mu.Lock()
	defer st.mu.Unlock()
	stats := Stats{PagesVisited: st.pages, PDFsFound: st.pdfs, PageErrors: st.errors}
	if ctx.Err() != nil {
		return stats, ctx.Err()
	}
	if st.seedErr != nil {
		return stats, fmt.Errorf("seed unreachable: %w", st.seedErr)
	}
	return stats, nil
}

type crawlState struct {
	mu      sync.Mutex
	cond    *sync.Cond
	front   *frontier
	visited map[string]struct{}
	pdfSeen map[string]struct{}

	pages    int
	pdfs     int
	errors   int
	inFlight int
	seedErr  error
}

func (c *Crawler) work(ctx context.Context, opts Options, st *crawlState, scope string,
	robots *robotstxt.Group, limiter *rate.Limiter, emit func(PDFRef) error) {

	for {
		st.mu.Lock()
		for st.front.len() == 0 && st.inFlight > 0 && ctx.Err() == nil {
			st.cond.Wait()
		}
		if ctx.Err() != nil || st.front.len() == 0 || st.pages >= opts.MaxPages || st.seedErr != nil {
			st.mu.Unlock()
			return
		}
		e := st.front.pop()
		st.pages++
		st.inFlight++
		st.mu.Unlock()

		c.visit(ctx, opts, st, scope, robots, limiter, e, emit)

		st.mu.Lock()
		st.inFlight--
		st.cond.Broadcast()
		st.mu.Unlock()
	}
}

func (c *Crawler) visit(ctx context.Context, opts Options, st *crawlState, scope string,
	robots *robotstxt.Group, limiter *rate.Limiter, e *entry, emit func(PDFRef) error) {

	if err := limiter.Wait(ctx); err != nil {
		return
	}

	res, err := c.fetch.Fetch(ctx, e.url)
	if err != nil {
		st.mu.Lock()
		st.errors++
		if e.depth == 0 && st.seedErr == nil {
			st.seedErr = err
		}
		st.mu.Unlock()
		c.logger.Warn("page fetch failed", "url", e.url, "depth", e.depth, "error", err)
		return
	}

	// A URL that turned out to serve a PDF is an artifact, not a page.
	if fetcher.IsPDF(res.MIME, res.Body) {
		if u, err := url.Parse(res.FinalURL); err == nil {
			c.emitPDF(st, PDFRef{URL: res.FinalURL, Filename: filenameFromURL(u)}, emit)
		}
		return
	}

	base, err := url.Parse(res.FinalURL)
	if err != nil {
		return
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(string(res.Body)))
	if err != nil {
		st.mu.Lock()
		st.errors++
		st.mu.Unlock()
		return
	}

	doc.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
		href := strings.TrimSpace(sel.AttrOr("href", ""))
		if href == "" || strings.HasPrefix(href, "#") {
			return
		}
		linkURL, err := url.Parse(href)
		if err != nil {
			return
		}
		if !linkURL.IsAbs() {
			linkURL = base.ResolveReference(linkURL)
		}
		if linkURL.Scheme != "http" && linkURL.Scheme != "https" {
			return
		}
		linkURL.Fragment = ""
		text := strings.TrimSpace(sel.Text())

		if isPDFURL(linkURL) {
			c.emitPDF(st, PDFRef{
				URL:      linkURL.String(),
				LinkText: text,
				Filename: filenameFromURL(linkURL),
			}, emit)
			return
		}

		if !inScope(linkURL, scope) || e.depth+1 > opts.MaxDepth {
			return
		}
		if robots != nil && !robots.Test(linkURL.Path) {
			return
		}

		norm := normalizeURL(linkURL)
		st.mu.Lock()
		if _, seen := st.visited[norm]; !seen {
			st.visited[norm] = struct{}{}
			st.front.push(linkURL.String(), e.depth+1, scoreURL(linkURL, text, opts.ProductLines))
			st.cond.Broadcast()
		}
		st.mu.Unlock()
	})
}

func (c *Crawler) emitPDF(st *crawlState, ref PDFRef, emit func(PDFRef) error) {
	norm := ref.URL
	if u, err := url.Parse(ref.URL); err == nil {
		norm = normalizeURL(u)
	}

	st.mu.Lock()
	if _, seen := st.pdfSeen[norm]; seen {
		st.mu.Unlock()
		return
	}
	st.pdfSeen[norm] = struct{}{}
	st.pdfs++
	st.mu.Unlock()

	if err := emit(ref); err != nil {
		c.logger.Warn("pdf emit failed", "url", ref.URL, "error", err)
	}
}

func (c *Crawler) fetchRobots(ctx context.Context, seed *url.URL, userAgent string) *robotstxt.Group {
	robotsURL := seed.Scheme + "://" + seed.Host + "/robots.txt"
	res, err := c.fetch.Fetch(ctx, robotsURL)
	if err != nil || res.Status != 200 {
		return nil
	}
	data, err := robotstxt.FromBytes(res.Body)
	if err != nil {
		return nil
	}
	return data.FindGroup(userAgent)
}
