package crawler

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"sync"
	"testing"
	"time"

	"docharvest/internal/fetcher"
)

type fakePage struct {
	body string
	mime string
	err  error
}

type fakeFetcher struct {
	mu    sync.Mutex
	pages map[string]fakePage
	hits  []string
}

func (f *fakeFetcher) Fetch(ctx context.Context, rawURL string) (*fetcher.Result, error) {
	f.mu.Lock()
	f.hits = append(f.hits, rawURL)
	p, ok := f.pages[rawURL]
	f.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("no page for %s", rawURL)
	}
	if p.err != nil {
		return nil, p.err
	}
	mime := p.mime
	if mime == "" {
		mime = "text/html"
	}
	return &fetcher.Result{
		URL:      rawURL,
		FinalURL: rawURL,
		Body:     []byte(p.body),
		MIME:     mime,
		Status:   200,
		Engine:   "direct",
	}, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discard{}, nil))
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

func runCrawl(t *testing.T, f *fakeFetcher, opts Options) ([]PDFRef, Stats, error) {
	t.Helper()
	if opts.PolitenessDelay == 0 {
		opts.PolitenessDelay = time.Millisecond
	}
	var mu sync.Mutex
	var found []PDFRef
	stats, err := New(f, testLogger()).Run(context.Background(), opts, func(ref PDFRef) error {
		mu.Lock()
		found = append(found, ref)
		mu.Unlock()
		return nil
	})
	return found, stats, err
}

func TestCrawlFindsPDFsOnce(t *testing.T) {
	f := &fakeFetcher{pages: map[string]fakePage{
		"https://acme.test/": {body: `
			<a href="/products">Products</a>
			<a href="/docs/manual.pdf">Install Manual</a>
			<a href="https://elsewhere.test/out.pdf">offsite pdf</a>`},
		"https://acme.test/products": {body: `
			<a href="/docs/manual.pdf#page=2">Manual again</a>
			<a href="/docs/spec%20sheet.pdf">Spec Sheet</a>
			<a href="https://other.test/page">offsite page</a>`},
	}}

	found, stats, err := runCrawl(t, f, Options{Seed: "https://acme.test/"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	var urls []string
	for _, r := range found {
		urls = append(urls, r.URL)
	}
	sort.Strings(urls)
	want := []string{
		"https://acme.test/docs/manual.pdf",
		"https://acme.test/docs/spec%20sheet.pdf",
		"https://elsewhere.test/out.pdf",
	}
	if len(urls) != len(want) {
		t.Fatalf("found %v, want %v", urls, want)
	}
	for i := range want {
		if urls[i] != want[i] {
			t.Errorf("url[%d] = %q, want %q", i, urls[i], want[i])
		}
	}
	if stats.PDFsFound != 3 {
		t.Errorf("PDFsFound = %d, want 3", stats.PDFsFound)
	}
	if stats.PagesVisited != 2 {
		t.Errorf("PagesVisited = %d, want 2 (offsite page must not be crawled)", stats.PagesVisited)
	}

	for _, r := range found {
		if r.URL == "https://acme.test/docs/spec%20sheet.pdf" {
			if r.Filename != "spec sheet.pdf" {
				t.Errorf("filename = %q, want decoded %q", r.Filename, "spec sheet.pdf")
			}
			if r.LinkText != "Spec Sheet" {
				t.Errorf("link text = %q", r.LinkText)
			}
		}
	}
}

func TestCrawlSeedUnreachableFails(t *testing.T) {
	f := &fakeFetcher{pages: map[string]fakePage{}}
	_, _, err := runCrawl(t, f, Options{Seed: "https://down.test/"})
	if err == nil {
		t.Fatal("want error for unreachable seed")
	}
}

func TestCrawlInteriorErrorIsSkipped(t *testing.T) {
	f := &fakeFetcher{pages: map[string]fakePage{
		"https://acme.test/": {body: `
			<a href="/broken">broken</a>
			<a href="/docs/a.pdf">A</a>`},
		"https://acme.test/broken": {err: fmt.Errorf("boom")},
	}}
	found, stats, err := runCrawl(t, f, Options{Seed: "https://acme.test/"})
	if err != nil {
		t.Fatalf("interior error must not fail the crawl: %v", err)
	}
	if len(found) != 1 {
		t.Errorf("found %d pdfs, want 1", len(found))
	}
	if stats.PageErrors != 1 {
		t.Errorf("PageErrors = %d, want 1", stats.PageErrors)
	}
}

func TestCrawlDepthLimit(t *testing.T) {
	f := &fakeFetcher{pages: map[string]fakePage{
		"https://acme.test/":   {body: `<a href="/l1">next</a>`},
		"https://acme.test/l1": {body: `<a href="/l2">next</a>`},
		"https://acme.test/l2": {body: `<a href="/l3">next</a><a href="/deep.pdf">pdf</a>`},
		"https://acme.test/l3": {body: `should not be reached`},
	}}
	found, stats, err := runCrawl(t, f, Options{Seed: "https://acme.test/", MaxDepth: 2})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if stats.PagesVisited != 3 {
		t.Errorf("PagesVisited = %d, want 3 (depth cap at 2)", stats.PagesVisited)
	}
	if len(found) != 1 {
		t.Errorf("found %d pdfs, want the one at the depth boundary", len(found))
	}
}

func TestCrawlPageBudget(t *testing.T) {
	pages := map[string]fakePage{}
	var links string
	for i := 0; i < 20; i++ {
		links += fmt.Sprintf(`<a href="/p%d">p</a>`, i)
		pages[fmt.Sprintf("https://acme.test/p%d", i)] = fakePage{body: "leaf"}
	}
	pages["https://acme.test/"] = fakePage{body: links}

	f := &fakeFetcher{pages: pages}
	_, stats, err := runCrawl(t, f, Options{Seed: "https://acme.test/", MaxPages: 5, Concurrency: 1})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if stats.PagesVisited != 5 {
		t.Errorf("PagesVisited = %d, want 5", stats.PagesVisited)
	}
}

func TestCrawlURLServingPDFBody(t *testing.T) {
	f := &fakeFetcher{pages: map[string]fakePage{
		"https://acme.test/": {body: `<a href="/download?id=7">Datasheet</a>`},
		"https://acme.test/download?id=7": {
			body: "%PDF-1.4 binary",
			mime: "application/pdf",
		},
	}}
	found, _, err := runCrawl(t, f, Options{Seed: "https://acme.test/"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(found) != 1 {
		t.Fatalf("found %d pdfs, want 1", len(found))
	}
	if found[0].URL != "https://acme.test/download?id=7" {
		t.Errorf("url = %q", found[0].URL)
	}
}

func TestFrontierOrdering(t *testing.T) {
	fr := newFrontier()
	fr.push("low", 1, -5)
	fr.push("first-high", 1, 10)
	fr.push("mid", 1, 5)
	fr.push("second-high", 1, 10)

	want := []string{"first-high", "second-high", "mid", "low"}
	for i, w := range want {
		e := fr.pop()
		if e == nil || e.url != w {
			t.Fatalf("pop %d = %v, want %q", i, e, w)
		}
	}
	if fr.pop() != nil {
		t.Error("frontier should be empty")
	}
}

func TestNormalizeURL(t *testing.T) {
	cases := []struct{ in, want string }{
		{"HTTPS://Acme.Test/Path?b=2&a=1", "https://acme.test/Path?a=1&b=2"},
		{"https://acme.test:443/x#frag", "https://acme.test/x"},
		{"http://acme.test:80/", "http://acme.test/"},
		{"https://acme.test", "https://acme.test/"},
	}
	for _, tc := range cases {
		u, err := url.Parse(tc.in)
		if err != nil {
			t.Fatalf("parse %q: %v", tc.in, err)
		}
		if got := normalizeURL(u); got != tc.want {
			t.Errorf("normalizeURL(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestScoreURL(t *testing.T) {
	mustParse := func(s string) *url.URL {
		u, err := url.Parse(s)
		if err != nil {
			t.Fatalf("parse: %v", err)
		}
		return u
	}

	product := scoreURL(mustParse("https://a.test/products/pumps"), "", nil)
	blog := scoreURL(mustParse("https://a.test/blog/post"), "", nil)
	if product <= blog {
		t.Errorf("product score %d should beat blog score %d", product, blog)
	}

	catalog := scoreURL(mustParse("https://a.test/catalog/"), "", nil)
	if product <= catalog {
		t.Errorf("product score %d should beat catalog score %d", product, catalog)
	}
	if catalog != 5 {
		t.Errorf("catalog path should score 5, got %d", catalog)
	}
	if product != 10 {
		t.Errorf("product path should score 10, got %d", product)
	}

	withLine := scoreURL(mustParse("https://a.test/x"), "Series 90 Pumps", []string{"series 90"})
	without := scoreURL(mustParse("https://a.test/x"), "unrelated", []string{"series 90"})
	if withLine-without != 10 {
		t.Errorf("product line match should add 10, got %d vs %d", withLine, without)
	}
}

func TestRegisteredDomainScope(t *testing.T) {
	if registeredDomain("docs.acme.co.uk") != "acme.co.uk" {
		t.Errorf("subdomain should collapse to eTLD+1, got %q", registeredDomain("docs.acme.co.uk"))
	}
	u, _ := url.Parse("https://cdn.acme.co.uk/a.pdf")
	if !inScope(u, "acme.co.uk") {
		t.Error("subdomain should be in scope")
	}
	u2, _ := url.Parse("https://acme.evil.com/")
	if inScope(u2, "acme.co.uk") {
		t.Error("different registered domain must be out of scope")
	}
}

func TestSitemapSeedsFrontier(t *testing.T) {
	f := &fakeFetcher{pages: map[string]fakePage{
		"https://acme.test/": {body: `<p>no links here</p>`},
		"https://acme.test/sitemap.xml": {mime: "application/xml", body: `<?xml version="1.0"?>
			<urlset xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">
				<url><loc>https://acme.test/products/pumps</loc></url>
				<url><loc>https://acme.test/docs/curve.pdf</loc></url>
				<url><loc>https://elsewhere.test/offsite</loc></url>
			</urlset>`},
		"https://acme.test/products/pumps": {body: `<a href="/docs/iom.pdf">IOM</a>`},
	}}

	found, stats, err := runCrawl(t, f, Options{Seed: "https://acme.test/"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	var urls []string
	for _, r := range found {
		urls = append(urls, r.URL)
	}
	sort.Strings(urls)
	want := []string{
		"https://acme.test/docs/curve.pdf",
		"https://acme.test/docs/iom.pdf",
	}
	if len(urls) != len(want) {
		t.Fatalf("found %v, want %v", urls, want)
	}
	for i := range want {
		if urls[i] != want[i] {
			t.Errorf("url[%d] = %q, want %q", i, urls[i], want[i])
		}
	}
	// Seed page plus the sitemap-discovered page; the offsite entry
	// must not be visited.
	if stats.PagesVisited != 2 {
		t.Errorf("PagesVisited = %d, want 2", stats.PagesVisited)
	}
}

func TestSitemapIndexFollowedOneLevel(t *testing.T) {
	f := &fakeFetcher{pages: map[string]fakePage{
		"https://acme.test/": {body: `<p>empty</p>`},
		"https://acme.test/sitemap.xml": {mime: "application/xml", body: `<?xml version="1.0"?>
			<sitemapindex xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">
				<sitemap><loc>https://acme.test/sitemap-products.xml</loc></sitemap>
			</sitemapindex>`},
		"https://acme.test/sitemap-products.xml": {mime: "application/xml", body: `<?xml version="1.0"?>
			<urlset xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">
				<url><loc>https://acme.test/docs/spec.pdf</loc></url>
			</urlset>`},
	}}

	found, _, err := runCrawl(t, f, Options{Seed: "https://acme.test/"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(found) != 1 || found[0].URL != "https://acme.test/docs/spec.pdf" {
		t.Fatalf("found = %v, want the nested sitemap pdf", found)
	}
}

func TestSitemapMissingIsNotFatal(t *testing.T) {
	f := &fakeFetcher{pages: map[string]fakePage{
		"https://acme.test/": {body: `<a href="/docs/a.pdf">A</a>`},
	}}
	found, _, err := runCrawl(t, f, Options{Seed: "https://acme.test/"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(found) != 1 {
		t.Fatalf("found %d pdfs, want 1", len(found))
	}
}
