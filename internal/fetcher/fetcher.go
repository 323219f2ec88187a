// Package fetcher downloads and parses Wikidot forum post feeds.
package fetcher

import (
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"

	"scoparia/internal/model"
)

// FeedPath is the site-relative path of the forum post feed.
const FeedPath = "/feed/forum/posts.xml"

// HTTPClient is the interface for performing HTTP requests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// FetchError reports that a feed could not be retrieved or parsed.
// The caller skips the feed for this run and keeps its checkpoint.
type FetchError struct {
	FeedID string
	Status int
	Err    error
}

func (e *FetchError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("fetch %s: unexpected status %d", e.FeedID, e.Status)
	}
	return fmt.Sprintf("fetch %s: %v", e.FeedID, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// Fetcher downloads and parses forum feeds.
type Fetcher struct {
	client  HTTPClient
	timeout time.Duration
}

// New creates a Fetcher with the given HTTP client. A non-positive timeout
// falls back to 30 seconds.
func New(client HTTPClient, timeout time.Duration) *Fetcher {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Fetcher{
		client:  client,
		timeout: timeout,
	}
}

// FeedURL returns the forum post feed of a site.
func FeedURL(siteURL string) string {
	return strings.TrimRight(siteURL, "/") + FeedPath
}

// Fetch downloads the forum post feed of siteURL and returns its items in
// feed order (newest first). Any failure is returned as a *FetchError.
func (f *Fetcher) Fetch(ctx context.Context, siteURL string) ([]model.FeedItem, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	fail := func(err error) error { return &FetchError{FeedID: siteURL, Err: err} }

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, FeedURL(siteURL), nil)
	if err != nil {
		return nil, fail(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("User-Agent", "Scoparia/1.0")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fail(fmt.Errorf("http get: %w", err))
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, &FetchError{FeedID: siteURL, Status: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 5*1024*1024))
	if err != nil {
		return nil, fail(fmt.Errorf("read body: %w", err))
	}

	parser := gofeed.NewParser()
	feed, err := parser.ParseString(string(body))
	if err != nil {
		return nil, fail(fmt.Errorf("parse feed: %w", err))
	}

	items := make([]model.FeedItem, 0, len(feed.Items))
	for _, it := range feed.Items {
		items = append(items, convert(siteURL, it))
	}
	return items, nil
}

func convert(siteURL string, it *gofeed.Item) model.FeedItem {
	var published time.Time
	switch {
	case it.PublishedParsed != nil:
		published = it.PublishedParsed.UTC()
	case it.UpdatedParsed != nil:
		published = it.UpdatedParsed.UTC()
	}

	raw := it.Content
	if raw == "" {
		raw = it.Description
	}

	return model.FeedItem{
		ItemID:      ItemGUID(it),
		FeedID:      siteURL,
		ThreadID:    ThreadID(it),
		Author:      authorName(it),
		Title:       strings.TrimSpace(it.Title),
		RawText:     StripTrailer(raw),
		PublishedAt: published,
		Permalink:   it.Link,
	}
}

var postIDRe = regexp.MustCompile(`#post-(\d+)`)

// ItemGUID returns the identifier of a feed item. Forum posts are
// identified by the post number in their link. Otherwise the GUID is used,
// and if the item has no GUID a SHA-256 hash of title+link.
func ItemGUID(item *gofeed.Item) string {
	for _, s := range []string{item.Link, item.GUID} {
		if m := postIDRe.FindStringSubmatch(s); m != nil {
			return m[1]
		}
	}
	if item.GUID != "" {
		return item.GUID
	}
	h := sha256.Sum256([]byte(item.Title + "|" + item.Link))
	return fmt.Sprintf("sha256:%x", h[:16])
}

var threadIDRe = regexp.MustCompile(`/forum/t-(\d+)`)

// ThreadID returns the forum thread number in the item's link, or "".
func ThreadID(item *gofeed.Item) string {
	for _, s := range []string{item.Link, item.GUID} {
		if m := threadIDRe.FindStringSubmatch(s); m != nil {
			return m[1]
		}
	}
	return ""
}

func authorName(it *gofeed.Item) string {
	if ext, ok := it.Extensions["wikidot"]; ok {
		for _, e := range ext["authorName"] {
			if v := strings.TrimSpace(e.Value); v != "" {
				return v
			}
		}
	}
	if it.Author != nil {
		return it.Author.Name
	}
	return ""
}

var lineBreakRe = regexp.MustCompile(`(?i)<br\s*/?>`)

// StripTrailer removes the "by <author> in <thread>" trailer that the
// platform appends to post bodies: everything from the second-to-last line
// break onward. Bodies with fewer than two breaks are returned unchanged.
func StripTrailer(content string) string {
	locs := lineBreakRe.FindAllStringIndex(content, -1)
	if len(locs) < 2 {
		return content
	}
	return strings.TrimSpace(content[:locs[len(locs)-2][0]])
}
