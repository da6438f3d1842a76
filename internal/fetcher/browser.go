package fetcher

import (
	"context"
	"net/url"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
)

// Browser wraps a rod browser that stays connected across fetches. A
// worker creates one per job on first escalation and closes it when
// the job ends.
type Browser struct {
	browser *rod.Browser
	timeout time.Duration
}

// NewBrowser connects to a browser. With an empty controlURL rod
// launches and manages a local one; otherwise it attaches to the
// remote devtools endpoint.
func NewBrowser(controlURL string, timeout time.Duration) (*Browser, error) {
	b := rod.New()
	if controlURL != "" {
		b = b.ControlURL(controlURL)
	}
	if err := b.Connect(); err != nil {
		return nil, err
	}
	return &Browser{browser: b, timeout: timeout}, nil
}

// Fetch renders a page and returns its post-JS HTML. Challenge
// interstitials that resolve client-side settle during WaitLoad.
func (b *Browser) Fetch(ctx context.Context, rawURL string) (*Result, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	if u.Scheme == "" {
		u.Scheme = "https"
	}

	browser := b.browser.Context(ctx).Timeout(b.timeout)

	page, err := browser.Page(proto.TargetCreateTarget{URL: u.String()})
	if err != nil {
		return nil, err
	}
	defer page.MustClose()

	if err := page.WaitLoad(); err != nil {
		return nil, err
	}

	htmlStr, err := page.HTML()
	if err != nil {
		return nil, err
	}

	return &Result{
		URL:      rawURL,
		FinalURL: page.MustInfo().URL,
		Body:     []byte(htmlStr),
		MIME:     "text/html",
		Status:   200,
		Engine:   "browser",
	}, nil
}

func (b *Browser) Close() {
	_ = b.browser.Close()
}
