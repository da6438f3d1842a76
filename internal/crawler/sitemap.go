package crawler

import (
	"context"
	"encoding/xml"
	"net/url"
)

// maxChildSitemaps bounds how many nested sitemaps a sitemap index may
// pull in during seeding.
const maxChildSitemaps = 10

type sitemapURLSet struct {
	URLs []struct {
		Loc string `xml:"loc"`
	} `xml:"url"`
}

type sitemapIndex struct {
	Sitemaps []struct {
		Loc string `xml:"loc"`
	} `xml:"sitemap"`
}

// seedFromSitemap primes the frontier from the conventional
// /sitemap.xml location. Sitemap URLs enter at depth 1 with the same
// scoring as crawled links; PDF locations are emitted directly. A
// missing or malformed sitemap is not an error, the crawl proceeds
// from the seed page alone.
func (c *Crawler) seedFromSitemap(ctx context.Context, opts Options, st *crawlState, scope string,
	seed *url.URL, emit func(PDFRef) error) {

	root := seed.Scheme + "://" + seed.Host + "/sitemap.xml"
	locs := c.sitemapLocs(ctx, root, 0)
	if len(locs) == 0 {
		return
	}

	added := 0
	for _, loc := range locs {
		u, err := url.Parse(loc)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			continue
		}
		u.Fragment = ""

		if isPDFURL(u) {
			c.emitPDF(st, PDFRef{URL: u.String(), Filename: filenameFromURL(u)}, emit)
			continue
		}
		if !inScope(u, scope) {
			continue
		}

		norm := normalizeURL(u)
		st.mu.Lock()
		if _, seen := st.visited[norm]; !seen {
			st.visited[norm] = struct{}{}
			st.front.push(u.String(), 1, scoreURL(u, "", opts.ProductLines))
			added++
		}
		st.mu.Unlock()
	}
	if added > 0 {
		c.logger.Info("frontier seeded from sitemap", "host", seed.Host, "urls", added)
	}
}

// sitemapLocs fetches one sitemap document and returns its page URLs,
// following a sitemap index one level deep.
func (c *Crawler) sitemapLocs(ctx context.Context, sitemapURL string, depth int) []string {
	res, err := c.fetch.Fetch(ctx, sitemapURL)
	if err != nil || res.Status != 200 {
		return nil
	}

	var set sitemapURLSet
	if xml.Unmarshal(res.Body, &set) == nil && len(set.URLs) > 0 {
		out := make([]string, 0, len(set.URLs))
		for _, u := range set.URLs {
			out = append(out, u.Loc)
		}
		return out
	}

	if depth > 0 {
		return nil
	}
	var idx sitemapIndex
	if xml.Unmarshal(res.Body, &idx) != nil {
		return nil
	}
	var out []string
	for i, sm := range idx.Sitemaps {
		if i >= maxChildSitemaps {
			break
		}
		out = append(out, c.sitemapLocs(ctx, sm.Loc, depth+1)...)
	}
	return out
}
