// Package crom queries the Crom page index for the creators of wiki pages.
package crom

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"
)

// DefaultURL is the public GraphQL endpoint.
const DefaultURL = "https://apiv2.crom.avn.sh/graphql"

const (
	maxBodyBytes = 1 << 20
	userAgent    = "Scoparia/1.0"
)

// ErrPageNotFound is returned when Crom has not indexed the page.
var ErrPageNotFound = errors.New("crom: page not found")

const pageAuthorQuery = `query GetPageAuthor($url: URL!) {
  wikidotPage(url: $url) {
    createdBy {
      id
    }
  }
}`

// HTTPClient is the interface for performing HTTP requests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client is a Crom API client.
type Client struct {
	http       HTTPClient
	endpoint   string
	baseDelay  time.Duration
	maxDelay   time.Duration
	maxRetries uint64
}

// Option configures a Client.
type Option func(*Client)

// WithBackoff sets the first retry delay and the number of retries.
func WithBackoff(base time.Duration, retries uint64) Option {
	return func(c *Client) {
		c.baseDelay = base
		c.maxRetries = retries
	}
}

// New creates a client for endpoint. An empty endpoint selects DefaultURL.
func New(httpClient HTTPClient, endpoint string, opts ...Option) *Client {
	if endpoint == "" {
		endpoint = DefaultURL
	}
	c := &Client{
		http:       httpClient,
		endpoint:   endpoint,
		baseDelay:  400 * time.Millisecond,
		maxDelay:   5 * time.Second,
		maxRetries: 4,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

type graphQLRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables"`
}

type pageAuthorResponse struct {
	Data struct {
		WikidotPage *struct {
			CreatedBy *struct {
				ID string `json:"id"`
			} `json:"createdBy"`
		} `json:"wikidotPage"`
	} `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

// PageAuthorID returns the Wikidot user id of the creator of page fullname
// on siteURL. It reports false when the creator's account is gone.
func (c *Client) PageAuthorID(ctx context.Context, siteURL, fullname string) (int64, bool, error) {
	// Crom indexes every page under its http:// address.
	pageURL := strings.Replace(strings.TrimRight(siteURL, "/"), "https://", "http://", 1) + "/" + fullname

	payload, err := json.Marshal(graphQLRequest{
		Query:     pageAuthorQuery,
		Variables: map[string]any{"url": pageURL},
	})
	if err != nil {
		return 0, false, fmt.Errorf("encode query: %w", err)
	}

	var resp pageAuthorResponse
	if err := retry.Do(ctx, c.backoff(), func(ctx context.Context) error {
		return c.post(ctx, payload, &resp)
	}); err != nil {
		return 0, false, fmt.Errorf("crom author of %s: %w", pageURL, err)
	}

	if len(resp.Errors) > 0 {
		return 0, false, fmt.Errorf("crom author of %s: %s", pageURL, resp.Errors[0].Message)
	}
	page := resp.Data.WikidotPage
	if page == nil {
		return 0, false, fmt.Errorf("crom author of %s: %w", pageURL, ErrPageNotFound)
	}
	if page.CreatedBy == nil {
		return 0, false, nil
	}
	id, err := decodeUserID(page.CreatedBy.ID)
	if err != nil {
		return 0, false, fmt.Errorf("crom author of %s: %w", pageURL, err)
	}
	return id, true, nil
}

func (c *Client) backoff() retry.Backoff {
	return retry.WithMaxRetries(c.maxRetries, retry.WithCappedDuration(c.maxDelay, retry.NewExponential(c.baseDelay)))
}

func (c *Client) post(ctx context.Context, payload []byte, out *pageAuthorResponse) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return retry.RetryableError(fmt.Errorf("post: %w", err))
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		err := fmt.Errorf("status %d", resp.StatusCode)
		if d, ok := parseRetryAfter(resp.Header.Get("Retry-After")); ok {
			if err := sleep(ctx, d); err != nil {
				return err
			}
		}
		return retry.RetryableError(err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return retry.RetryableError(fmt.Errorf("read body: %w", err))
	}
	*out = pageAuthorResponse{}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func parseRetryAfter(v string) (time.Duration, bool) {
	secs, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil || secs < 0 {
		return 0, false
	}
	return time.Duration(secs * float64(time.Second)), true
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// decodeUserID unpacks a Crom user id, base64 JSON such as
// {"type":"WikidotUser","id":"8366274"}.
func decodeUserID(encoded string) (int64, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return 0, fmt.Errorf("decode user id: %w", err)
	}
	var ref struct {
		Type string      `json:"type"`
		ID   json.Number `json:"id"`
	}
	if err := json.Unmarshal(raw, &ref); err != nil {
		return 0, fmt.Errorf("decode user id: %w", err)
	}
	id, err := strconv.ParseInt(ref.ID.String(), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("decode user id %q: %w", ref.ID, err)
	}
	return id, nil
}
