package crawler

import (
	"net/url"
	"path"
	"sort"
	"strings"

	"golang.org/x/net/publicsuffix"
)

// normalizeURL canonicalizes a URL for the visited set: lowercase
// scheme and host, default ports and fragments dropped, query keys
// sorted. Two spellings of the same page normalize identically.
func normalizeURL(u *url.URL) string {
	c := *u
	c.Scheme = strings.ToLower(c.Scheme)
	c.Host = strings.ToLower(c.Host)
	c.Fragment = ""

	if (c.Scheme == "http" && strings.HasSuffix(c.Host, ":80")) ||
		(c.Scheme == "https" && strings.HasSuffix(c.Host, ":443")) {
		c.Host = c.Host[:strings.LastIndexByte(c.Host, ':')]
	}

	if c.RawQuery != "" {
		q := c.Query()
		keys := make([]string, 0, len(q))
		for k := range q {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var b strings.Builder
		for _, k := range keys {
			vals := q[k]
			sort.Strings(vals)
			for _, v := range vals {
				if b.Len() > 0 {
					b.WriteByte('&')
				}
				b.WriteString(url.QueryEscape(k))
				b.WriteByte('=')
				b.WriteString(url.QueryEscape(v))
			}
		}
		c.RawQuery = b.String()
	}

	if c.Path == "" {
		c.Path = "/"
	}
	return c.String()
}

// registeredDomain returns the eTLD+1 for a host, so docs.example.com
// and www.example.com fall in the same crawl scope while
// example.github.io and other.github.io do not.
func registeredDomain(host string) string {
	host = strings.ToLower(host)
	if i := strings.LastIndexByte(host, ':'); i >= 0 {
		host = host[:i]
	}
	d, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		return host
	}
	return d
}

func inScope(u *url.URL, scope string) bool {
	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}
	return registeredDomain(u.Host) == scope
}

// Keyword tables for frontier scoring. Product pages share the top
// tier with product-line tokens; literature-adjacent paths come next;
// boilerplate corporate pages are deprioritized but still crawlable if
// the budget allows.
var (
	productKeywords = []string{
		"product",
	}
	docKeywords = []string{
		"download", "resource", "document", "literature",
		"spec", "submittal", "datasheet", "data-sheet", "manual",
		"catalog", "technical", "support", "parts",
	}
	avoidKeywords = []string{
		"blog", "news", "career", "about", "contact", "login", "cart",
		"privacy", "terms", "press", "investor", "event",
	}
)

// scoreURL ranks a candidate page. Product paths and product-line
// tokens supplied with the job outrank the generic keyword tables.
func scoreURL(u *url.URL, linkText string, productLines []string) int {
	hay := strings.ToLower(u.Path + "?" + u.RawQuery + " " + linkText)

	score := 0
	for _, line := range productLines {
		line = strings.ToLower(strings.TrimSpace(line))
		if line != "" && strings.Contains(hay, line) {
			score += 10
		}
	}
	for _, kw := range productKeywords {
		if strings.Contains(hay, kw) {
			score += 10
		}
	}
	for _, kw := range docKeywords {
		if strings.Contains(hay, kw) {
			score += 5
		}
	}
	for _, kw := range avoidKeywords {
		if strings.Contains(hay, kw) {
			score -= 5
		}
	}
	return score
}

// isPDFURL reports whether the URL path names a PDF artifact.
func isPDFURL(u *url.URL) bool {
	return strings.EqualFold(path.Ext(u.Path), ".pdf")
}

// filenameFromURL derives an artifact filename from the URL path,
// decoding percent escapes. Falls back to document.pdf when the path
// carries no usable name.
func filenameFromURL(u *url.URL) string {
	name := path.Base(u.Path)
	if decoded, err := url.PathUnescape(name); err == nil {
		name = decoded
	}
	name = strings.TrimSpace(name)
	if name == "" || name == "." || name == "/" {
		return "document.pdf"
	}
	if !strings.EqualFold(path.Ext(name), ".pdf") {
		name += ".pdf"
	}
	return name
}
