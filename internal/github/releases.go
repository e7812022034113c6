// Package github lists repository releases from the GitHub REST API.
package github

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/decky-wine-cellar/wine-cask/internal/httputil"
	"github.com/decky-wine-cellar/wine-cask/internal/logging"
	"github.com/decky-wine-cellar/wine-cask/pkg/api"
)

var log = logging.L("github")

const (
	DefaultBaseURL = "https://api.github.com"
	UserAgent      = "FlashyReese/decky-wine-cellar"
	pageSize       = 100
	// maxPages bounds pagination if the API never returns an empty page.
	maxPages = 50
)

// RateLimitError carries the API's explanation when it refuses to serve
// releases, typically because the anonymous rate limit is exhausted.
type RateLimitError struct {
	Message string
}

func (e *RateLimitError) Error() string {
	return "github rate limited: " + e.Message
}

// StatusError is returned for non-2xx responses without an API message.
type StatusError struct {
	StatusCode int
	URL        string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("failed to fetch releases from %s: %d %s", e.URL, e.StatusCode, http.StatusText(e.StatusCode))
}

// ErrUnexpectedBody means a page was neither a release list nor an API message.
var ErrUnexpectedBody = errors.New("unexpected release page body")

type apiMessage struct {
	Message string `json:"message"`
}

// Client fetches releases. The zero value is not usable; use NewClient.
type Client struct {
	baseURL    string
	httpClient *http.Client
	retry      httputil.RetryConfig
}

// NewClient returns a client for baseURL (empty means the public API).
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		retry:      httputil.DefaultRetryConfig(),
	}
}

// SetRetry overrides the retry policy.
func (c *Client) SetRetry(cfg httputil.RetryConfig) {
	c.retry = cfg
}

// ListAllReleases walks every page of owner/repository's releases until a
// page comes back empty.
func (c *Client) ListAllReleases(ctx context.Context, owner, repository string) ([]api.Release, error) {
	var releases []api.Release
	for page := 1; page <= maxPages; page++ {
		batch, err := c.listPage(ctx, owner, repository, page)
		if err != nil {
			return nil, err
		}
		if len(batch) == 0 {
			return releases, nil
		}
		releases = append(releases, batch...)
	}
	log.Warn("release pagination limit reached", "owner", owner, "repository", repository, "pages", maxPages)
	return releases, nil
}

func (c *Client) listPage(ctx context.Context, owner, repository string, page int) ([]api.Release, error) {
	endpoint := fmt.Sprintf("%s/repos/%s/%s/releases?per_page=%d&page=%d",
		c.baseURL, url.PathEscape(owner), url.PathEscape(repository), pageSize, page)

	headers := http.Header{}
	headers.Set("Accept", "application/vnd.github+json")
	headers.Set("User-Agent", UserAgent)

	resp, err := httputil.Get(ctx, c.httpClient, endpoint, headers, c.retry)
	if err != nil {
		return nil, fmt.Errorf("request releases page %d: %w", page, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read releases page %d: %w", page, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var msg apiMessage
		if json.Unmarshal(body, &msg) == nil && msg.Message != "" &&
			(resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusTooManyRequests) {
			return nil, &RateLimitError{Message: msg.Message}
		}
		return nil, &StatusError{StatusCode: resp.StatusCode, URL: endpoint}
	}

	var batch []api.Release
	if err := json.Unmarshal(body, &batch); err != nil {
		var msg apiMessage
		if json.Unmarshal(body, &msg) == nil && msg.Message != "" {
			return nil, &RateLimitError{Message: msg.Message}
		}
		return nil, fmt.Errorf("%w: %v", ErrUnexpectedBody, err)
	}
	return batch, nil
}
