package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"docharvest/internal/metrics"
)

// maxBufferedBody caps how much of a response the page fetch path will
// hold in memory. Anything larger must go through Download.
const maxBufferedBody = 10 << 20

var (
	ErrTimeout        = errors.New("fetch timed out")
	ErrAntiBotBlocked = errors.New("blocked by anti-bot protection")
	ErrInvalidContent = errors.New("invalid content")
	ErrTooManyHops    = errors.New("too many redirects")
)

// StatusError is returned when the server answered with a non-2xx
// status that did not trigger browser escalation.
type StatusError struct {
	Code int
	URL  string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("http %d fetching %s", e.Code, e.URL)
}

// Result is a fetched page. Engine records which tier produced it.
type Result struct {
	URL      string
	FinalURL string
	Body     []byte
	MIME     string
	Status   int
	Engine   string
}

// Fetcher is the two-tier page fetcher. The direct tier is a pooled
// net/http client; requests the site blocks with anti-bot protection
// escalate to a headless browser. The browser is created lazily on
// first escalation and reused until Close, so a job pays the startup
// cost at most once.
type Fetcher struct {
	client    *http.Client
	userAgent string
	timeout   time.Duration

	browserOn  bool
	browserURL string

	mu      sync.Mutex
	browser *Browser
}

type Options struct {
	UserAgent      string
	Timeout        time.Duration
	MaxRedirects   int
	BrowserEnabled bool
	BrowserURL     string
}

func New(opts Options) *Fetcher {
	maxHops := opts.MaxRedirects
	if maxHops <= 0 {
		maxHops = 10
	}
	return &Fetcher{
		client: &http.Client{
			Timeout: opts.Timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= maxHops {
					return ErrTooManyHops
				}
				return nil
			},
		},
		userAgent:  opts.UserAgent,
		timeout:    opts.Timeout,
		browserOn:  opts.BrowserEnabled,
		browserURL: opts.BrowserURL,
	}
}

// Fetch retrieves a page, escalating to the browser tier when the
// direct response looks like an anti-bot block.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (*Result, error) {
	res, err := f.fetchDirect(ctx, rawURL)
	if err == nil && !shouldEscalate(res.Status, res.Body) {
		metrics.RecordFetch("direct", res.Status < 400)
		if res.Status >= 400 {
			return nil, &StatusError{Code: res.Status, URL: rawURL}
		}
		return res, nil
	}

	// Network failures do not escalate; the browser shares the same
	// network path and would fail the same way.
	if err != nil {
		metrics.RecordFetch("direct", false)
		return nil, err
	}

	metrics.RecordFetch("direct", false)
	if !f.browserOn {
		return nil, fmt.Errorf("%w: status %d from %s", ErrAntiBotBlocked, res.Status, rawURL)
	}

	bres, berr := f.fetchBrowser(ctx, rawURL)
	metrics.RecordFetch("browser", berr == nil)
	if berr != nil {
		return nil, fmt.Errorf("%w: browser tier failed after status %d: %v", ErrAntiBotBlocked, res.Status, berr)
	}
	return bres, nil
}

func (f *Fetcher) fetchDirect(ctx context.Context, rawURL string) (*Result, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	if u.Scheme == "" {
		u.Scheme = "https"
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/pdf,*/*;q=0.8")

	resp, err := f.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			return nil, fmt.Errorf("%w: %s", ErrTimeout, rawURL)
		}
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBufferedBody))
	if err != nil {
		return nil, err
	}

	return &Result{
		URL:      rawURL,
		FinalURL: resp.Request.URL.String(),
		Body:     body,
		MIME:     mimeOf(resp),
		Status:   resp.StatusCode,
		Engine:   "direct",
	}, nil
}

func (f *Fetcher) fetchBrowser(ctx context.Context, rawURL string) (*Result, error) {
	f.mu.Lock()
	if f.browser == nil {
		b, err := NewBrowser(f.browserURL, f.timeout)
		if err != nil {
			f.mu.Unlock()
			return nil, err
		}
		f.browser = b
	}
	b := f.browser
	f.mu.Unlock()

	return b.Fetch(ctx, rawURL)
}

// Download streams a URL to w through the direct tier, capped at
// maxBytes (0 means unlimited). Returns bytes written and the
// response content type. Large artifacts never land in memory.
func (f *Fetcher) Download(ctx context.Context, rawURL string, w io.Writer, maxBytes int64) (int64, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return 0, "", err
	}
	req.Header.Set("User-Agent", f.userAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			return 0, "", fmt.Errorf("%w: %s", ErrTimeout, rawURL)
		}
		return 0, "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return 0, "", &StatusError{Code: resp.StatusCode, URL: rawURL}
	}

	var src io.Reader = resp.Body
	if maxBytes > 0 {
		src = io.LimitReader(resp.Body, maxBytes)
	}
	n, err := io.Copy(w, src)
	if err != nil {
		return n, "", err
	}
	return n, mimeOf(resp), nil
}

// Close shuts the lazily created browser down, if any.
func (f *Fetcher) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.browser != nil {
		f.browser.Close()
		f.browser = nil
	}
}

// challengeSignatures are substrings that identify an interstitial
// challenge page regardless of status code. Matched case-insensitively
// against the first chunk of the body.
var challengeSignatures = []string{
	"checking your browser",
	"cf-browser-verification",
	"cf-chl-",
	"attention required! | cloudflare",
	"just a moment...",
	"_abck",
	"ak_bmsc",
	"request unsuccessful. incapsula",
	"distil_r_captcha",
	"px-captcha",
}

// shouldEscalate decides whether a direct response warrants the
// browser tier: a hard anti-bot status, or a 200 whose body is a
// challenge interstitial instead of the page.
func shouldEscalate(status int, body []byte) bool {
	if status == http.StatusForbidden || status == http.StatusServiceUnavailable {
		return true
	}
	head := body
	if len(head) > 4096 {
		head = head[:4096]
	}
	lower := strings.ToLower(string(head))
	for _, sig := range challengeSignatures {
		if strings.Contains(lower, sig) {
			return true
		}
	}
	return false
}

func mimeOf(resp *http.Response) string {
	ct := resp.Header.Get("Content-Type")
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = ct[:i]
	}
	return strings.TrimSpace(strings.ToLower(ct))
}

func isTimeout(err error) bool {
	var ne interface{ Timeout() bool }
	if errors.As(err, &ne) {
		return ne.Timeout()
	}
	return false
}

// IsPDF reports whether a response looks like a PDF by content type or
// magic bytes. Some servers mislabel PDFs as octet-stream.
func IsPDF(mime string, body []byte) bool {
	if mime == "application/pdf" {
		return true
	}
	return len(body) >= 5 && string(body[:5]) == "%PDF-"
}
