package sharepoint

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

const (
	graphBase = "https://graph.microsoft.com/v1.0"

	// uploadChunkSize is the fragment size for upload sessions. Graph
	// requires a multiple of 320 KiB; 4 MiB satisfies that.
	uploadChunkSize = 4 << 20

	// tokenEarlyRefresh renews the app token this long before expiry
	// so an upload never starts with a token about to lapse.
	tokenEarlyRefresh = time.Minute
)

// HTTPError is a Graph API failure with enough context for the
// uploader to pick between retry, suffix and give-up.
type HTTPError struct {
	Code       int
	RetryAfter time.Duration
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("graph api status %d: %s", e.Code, e.Body)
}

// Terminal reports whether retrying the same request is pointless:
// auth rejection, forbidden destination, oversize or unsupported type.
func (e *HTTPError) Terminal() bool {
	switch e.Code {
	case http.StatusUnauthorized, http.StatusForbidden,
		http.StatusRequestEntityTooLarge, http.StatusUnsupportedMediaType:
		return true
	}
	return false
}

// DriveItem is the subset of a Graph drive item the uploader needs.
type DriveItem struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Size     int64  `json:"size"`
	IsFolder bool   `json:"-"`
}

type driveItemRaw struct {
	ID     string          `json:"id"`
	Name   string          `json:"name"`
	Size   int64           `json:"size"`
	Folder json.RawMessage `json:"folder"`
}

// Config identifies the tenant, the app registration and the target
// site.
type Config struct {
	SiteURL      string
	Tenant       string
	ClientID     string
	ClientSecret string
}

// Client talks to Microsoft Graph with an app-only token. Site and
// drive ids are resolved once and cached; the token source renews
// itself ahead of expiry and is rebuilt after an unexpected 401.
type Client struct {
	cfg  Config
	http *http.Client

	mu      sync.Mutex
	token   oauth2.TokenSource
	siteID  string
	driveID string
}

func New(cfg Config) *Client {
	c := &Client{cfg: cfg, http: &http.Client{Timeout: 2 * time.Minute}}
	c.token = c.newTokenSource()
	return c
}

func (c *Client) newTokenSource() oauth2.TokenSource {
	cc := clientcredentials.Config{
		ClientID:     c.cfg.ClientID,
		ClientSecret: c.cfg.ClientSecret,
		TokenURL:     fmt.Sprintf("https://login.microsoftonline.com/%s/oauth2/v2.0/token", c.cfg.Tenant),
		Scopes:       []string{"https://graph.microsoft.com/.default"},
	}
	return oauth2.ReuseTokenSourceWithExpiry(nil, cc.TokenSource(context.Background()), tokenEarlyRefresh)
}

// invalidateToken drops the cached token so the next request fetches a
// fresh one.
func (c *Client) invalidateToken() {
	c.mu.Lock()
	c.token = c.newTokenSource()
	c.mu.Unlock()
}

// do sends an authenticated Graph request, renewing the token once on
// 401 before giving the failure back to the caller.
func (c *Client) do(ctx context.Context, method, urlStr string, headers map[string]string, body []byte) (*http.Response, error) {
	retried := false
	for {
		req, err := http.NewRequestWithContext(ctx, method, urlStr, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		tok, err := c.token.Token()
		c.mu.Unlock()
		if err != nil {
			return nil, fmt.Errorf("acquire token: %w", err)
		}
		tok.SetAuthHeader(req)
		for k, v := range headers {
			req.Header.Set(k, v)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode == http.StatusUnauthorized && !retried {
			resp.Body.Close()
			c.invalidateToken()
			retried = true
			continue
		}
		return resp, nil
	}
}

func (c *Client) doJSON(ctx context.Context, method, urlStr string, body []byte, out any) error {
	headers := map[string]string{}
	if body != nil {
		headers["Content-Type"] = "application/json"
	}
	resp, err := c.do(ctx, method, urlStr, headers, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return httpError(resp)
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func httpError(resp *http.Response) error {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
	e := &HTTPError{Code: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	if ra := resp.Header.Get("Retry-After"); ra != "" {
		if secs, err := strconv.Atoi(ra); err == nil && secs > 0 {
			e.RetryAfter = time.Duration(secs) * time.Second
		}
	}
	return e
}

// resolveDrive caches the site and default document library ids. The
// site URL https://contoso.sharepoint.com/sites/Docs maps to the Graph
// path sites/contoso.sharepoint.com:/sites/Docs.
func (c *Client) resolveDrive(ctx context.Context) (string, error) {
	c.mu.Lock()
	if c.driveID != "" {
		id := c.driveID
		c.mu.Unlock()
		return id, nil
	}
	c.mu.Unlock()

	u, err := url.Parse(c.cfg.SiteURL)
	if err != nil {
		return "", fmt.Errorf("parse site url: %w", err)
	}

	var site struct {
		ID string `json:"id"`
	}
	siteURL := fmt.Sprintf("%s/sites/%s:%s", graphBase, u.Host, u.Path)
	if err := c.doJSON(ctx, http.MethodGet, siteURL, nil, &site); err != nil {
		return "", fmt.Errorf("resolve site: %w", err)
	}

	var drive struct {
		ID string `json:"id"`
	}
	driveURL := fmt.Sprintf("%s/sites/%s/drive", graphBase, site.ID)
	if err := c.doJSON(ctx, http.MethodGet, driveURL, nil, &drive); err != nil {
		return "", fmt.Errorf("resolve drive: %w", err)
	}

	c.mu.Lock()
	c.siteID = site.ID
	c.driveID = drive.ID
	c.mu.Unlock()
	return drive.ID, nil
}

// EnsureFolder walks the destination path segment by segment, creating
// missing folders, and returns the id of the leaf folder.
func (c *Client) EnsureFolder(ctx context.Context, folderPath string) (string, error) {
	driveID, err := c.resolveDrive(ctx)
	if err != nil {
		return "", err
	}

	parentID := ""
	var walked []string
	for _, seg := range strings.Split(strings.Trim(folderPath, "/"), "/") {
		if seg == "" {
			continue
		}
		walked = append(walked, seg)

		var item driveItemRaw
		itemURL := fmt.Sprintf("%s/drives/%s/root:/%s", graphBase, driveID, escapePath(walked))
		err := c.doJSON(ctx, http.MethodGet, itemURL, nil, &item)
		if err == nil {
			parentID = item.ID
			continue
		}
		var he *HTTPError
		if !errors.As(err, &he) || he.Code != http.StatusNotFound {
			return "", fmt.Errorf("lookup folder %s: %w", seg, err)
		}

		created, err := c.createFolder(ctx, driveID, parentID, seg)
		if err != nil {
			return "", fmt.Errorf("create folder %s: %w", seg, err)
		}
		parentID = created
	}
	if parentID == "" {
		var root driveItemRaw
		rootURL := fmt.Sprintf("%s/drives/%s/root", graphBase, driveID)
		if err := c.doJSON(ctx, http.MethodGet, rootURL, nil, &root); err != nil {
			return "", err
		}
		parentID = root.ID
	}
	return parentID, nil
}

func (c *Client) createFolder(ctx context.Context, driveID, parentID, name string) (string, error) {
	var target string
	if parentID == "" {
		target = fmt.Sprintf("%s/drives/%s/root/children", graphBase, driveID)
	} else {
		target = fmt.Sprintf("%s/drives/%s/items/%s/children", graphBase, driveID, parentID)
	}

	payload, _ := json.Marshal(map[string]any{
		"name":                              name,
		"folder":                            map[string]any{},
		"@microsoft.graph.conflictBehavior": "fail",
	})

	var created driveItemRaw
	err := c.doJSON(ctx, http.MethodPost, target, payload, &created)
	if err != nil {
		// Lost a create race; the folder exists now, fetch it.
		var he *HTTPError
		if errors.As(err, &he) && he.Code == http.StatusConflict {
			return c.childByName(ctx, driveID, parentID, name)
		}
		return "", err
	}
	return created.ID, nil
}

func (c *Client) childByName(ctx context.Context, driveID, parentID, name string) (string, error) {
	items, err := c.listChildren(ctx, driveID, parentID)
	if err != nil {
		return "", err
	}
	for _, it := range items {
		if it.Name == name {
			return it.ID, nil
		}
	}
	return "", fmt.Errorf("folder %s not found after conflict", name)
}

// ListChildren returns all items in a folder, following paging links.
func (c *Client) ListChildren(ctx context.Context, folderID string) ([]DriveItem, error) {
	driveID, err := c.resolveDrive(ctx)
	if err != nil {
		return nil, err
	}
	return c.listChildren(ctx, driveID, folderID)
}

func (c *Client) listChildren(ctx context.Context, driveID, folderID string) ([]DriveItem, error) {
	var target string
	if folderID == "" {
		target = fmt.Sprintf("%s/drives/%s/root/children?$select=id,name,size,folder&$top=200", graphBase, driveID)
	} else {
		target = fmt.Sprintf("%s/drives/%s/items/%s/children?$select=id,name,size,folder&$top=200", graphBase, driveID, folderID)
	}

	var out []DriveItem
	for target != "" {
		var page struct {
			Value    []driveItemRaw `json:"value"`
			NextLink string         `json:"@odata.nextLink"`
		}
		if err := c.doJSON(ctx, http.MethodGet, target, nil, &page); err != nil {
			return nil, err
		}
		for _, raw := range page.Value {
			out = append(out, DriveItem{
				ID:       raw.ID,
				Name:     raw.Name,
				Size:     raw.Size,
				IsFolder: len(raw.Folder) > 0,
			})
		}
		target = page.NextLink
	}
	return out, nil
}

// Upload writes a file into a folder. Small files go in one PUT;
// larger ones use an upload session with fixed-size fragments.
func (c *Client) Upload(ctx context.Context, folderID, name string, data []byte) error {
	driveID, err := c.resolveDrive(ctx)
	if err != nil {
		return err
	}

	if len(data) <= uploadChunkSize {
		target := fmt.Sprintf("%s/drives/%s/items/%s:/%s:/content?@microsoft.graph.conflictBehavior=replace",
			graphBase, driveID, folderID, url.PathEscape(name))
		resp, err := c.do(ctx, http.MethodPut, target, map[string]string{
			"Content-Type": "application/pdf",
		}, data)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return httpError(resp)
		}
		io.Copy(io.Discard, resp.Body)
		return nil
	}

	return c.uploadSession(ctx, driveID, folderID, name, data)
}

func (c *Client) uploadSession(ctx context.Context, driveID, folderID, name string, data []byte) error {
	sessionURL := fmt.Sprintf("%s/drives/%s/items/%s:/%s:/createUploadSession",
		graphBase, driveID, folderID, url.PathEscape(name))
	payload, _ := json.Marshal(map[string]any{
		"item": map[string]any{
			"@microsoft.graph.conflictBehavior": "replace",
			"name":                              name,
		},
	})

	var session struct {
		UploadURL string `json:"uploadUrl"`
	}
	if err := c.doJSON(ctx, http.MethodPost, sessionURL, payload, &session); err != nil {
		return fmt.Errorf("create upload session: %w", err)
	}

	total := int64(len(data))
	for off := int64(0); off < total; off += uploadChunkSize {
		end := off + uploadChunkSize
		if end > total {
			end = total
		}
		chunk := data[off:end]

		// The session URL is pre-authenticated; no bearer token.
		req, err := http.NewRequestWithContext(ctx, http.MethodPut, session.UploadURL, bytes.NewReader(chunk))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", off, end-1, total))
		req.ContentLength = int64(len(chunk))

		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			defer resp.Body.Close()
			return httpError(resp)
		}
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}
	return nil
}

func escapePath(segments []string) string {
	escaped := make([]string, len(segments))
	for i, s := range segments {
		escaped[i] = url.PathEscape(s)
	}
	return strings.Join(escaped, "/")
}
