// Package reply finds the users a forum post answers: the authors of the
// posts it replies to, the thread starter and the creator of the page the
// thread discusses.
package reply

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"scoparia/internal/model"
	"scoparia/internal/wikidot"
)

// DefaultTimeout bounds each remote call.
const DefaultTimeout = 10 * time.Second

// Forum reads threads, posts and page metadata from a Wikidot site.
type Forum interface {
	GetThread(ctx context.Context, siteURL string, threadID int64) (*wikidot.Thread, error)
	GetPost(ctx context.Context, siteURL string, threadID, postID int64) (*wikidot.Post, error)
	PageAuthor(ctx context.Context, siteURL, fullname string) (wikidot.User, bool, error)
}

// PageIndex resolves page creators from an external index.
type PageIndex interface {
	PageAuthorID(ctx context.Context, siteURL, fullname string) (int64, bool, error)
}

// Detector derives reply targets for feed items. Thread lookups are cached
// until Reset.
type Detector struct {
	forum   Forum
	index   PageIndex
	timeout time.Duration
	logger  *slog.Logger

	group   singleflight.Group
	mu      sync.Mutex
	threads map[string]*threadInfo
}

type threadInfo struct {
	creator    wikidot.User
	hasCreator bool
	pageAuthor wikidot.User
	hasPage    bool
}

// New creates a Detector. index may be nil, in which case page creators are
// read from the site itself.
func New(forum Forum, index PageIndex, timeout time.Duration, logger *slog.Logger) *Detector {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Detector{
		forum:   forum,
		index:   index,
		timeout: timeout,
		logger:  logger,
		threads: make(map[string]*threadInfo),
	}
}

// Reset drops cached threads.
func (d *Detector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.threads = make(map[string]*threadInfo)
}

// Targets returns a strict mention for every user item answers. The post's
// own author is never a target. Items that are not forum posts yield
// nothing. Network failures are returned so the item can be retried;
// missing or unreadable threads and posts are logged and skipped.
func (d *Detector) Targets(ctx context.Context, item model.FeedItem) ([]model.Mention, error) {
	threadID, err := strconv.ParseInt(item.ThreadID, 10, 64)
	if err != nil {
		return nil, nil
	}
	postID, err := strconv.ParseInt(item.ItemID, 10, 64)
	if err != nil {
		return nil, nil
	}

	info, err := d.thread(ctx, item.FeedID, threadID)
	if err != nil {
		return nil, d.fail(item, "load thread", err)
	}

	cctx, cancel := context.WithTimeout(ctx, d.timeout)
	post, err := d.forum.GetPost(cctx, item.FeedID, threadID, postID)
	cancel()
	if err != nil {
		return nil, d.fail(item, "load post", err)
	}

	var out []model.Mention
	seen := make(map[int64]bool)
	add := func(u wikidot.User, why string) {
		if post.HasAuthor && post.Author.ID > 0 && u.ID == post.Author.ID {
			return
		}
		if u.ID > 0 && seen[u.ID] {
			return
		}
		seen[u.ID] = true
		d.logger.Debug("reply target", "item", item.ItemID, "user", u.Name, "user_id", u.ID, "reason", why)
		out = append(out, model.Mention{
			TargetUsername: u.Name,
			TargetUserID:   u.ID,
			SourceItemID:   item.ItemID,
			Strictness:     model.Strict,
		})
	}
	for _, u := range post.Parents {
		add(u, "parent post")
	}
	if info.hasCreator {
		add(info.creator, "thread starter")
	}
	if info.hasPage {
		add(info.pageAuthor, "page creator")
	}
	return out, nil
}

func (d *Detector) thread(ctx context.Context, siteURL string, threadID int64) (*threadInfo, error) {
	key := siteURL + "#" + strconv.FormatInt(threadID, 10)

	d.mu.Lock()
	info, ok := d.threads[key]
	d.mu.Unlock()
	if ok {
		return info, nil
	}

	v, err, _ := d.group.Do(key, func() (any, error) {
		cctx, cancel := context.WithTimeout(ctx, d.timeout)
		defer cancel()
		t, err := d.forum.GetThread(cctx, siteURL, threadID)
		if err != nil {
			return nil, err
		}
		info := &threadInfo{creator: t.CreatedBy, hasCreator: t.HasCreator}
		if t.PageFullname != "" {
			info.pageAuthor, info.hasPage = d.pageAuthor(ctx, siteURL, t.PageFullname)
		}

		d.mu.Lock()
		d.threads[key] = info
		d.mu.Unlock()
		return info, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*threadInfo), nil
}

// pageAuthor asks the page index first and falls back to the site.
func (d *Detector) pageAuthor(ctx context.Context, siteURL, fullname string) (wikidot.User, bool) {
	if d.index != nil {
		cctx, cancel := context.WithTimeout(ctx, d.timeout)
		id, ok, err := d.index.PageAuthorID(cctx, siteURL, fullname)
		cancel()
		if err == nil {
			return wikidot.User{ID: id}, ok
		}
		d.logger.Debug("page index lookup failed, asking the site", "page", fullname, "error", err)
	}

	cctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	u, ok, err := d.forum.PageAuthor(cctx, siteURL, fullname)
	if err != nil {
		d.logger.Warn("page author lookup failed", "site", siteURL, "page", fullname, "error", err)
		return wikidot.User{}, false
	}
	return u, ok
}

func (d *Detector) fail(item model.FeedItem, what string, err error) error {
	if retryable(err) {
		return fmt.Errorf("%s for item %s: %w", what, item.ItemID, err)
	}
	d.logger.Warn("reply detection skipped", "item", item.ItemID, "thread", item.ThreadID, "step", what, "error", err)
	return nil
}

// retryable reports whether err is a network or server-side failure worth
// another attempt on the next run.
func retryable(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	var he *wikidot.HTTPError
	if errors.As(err, &he) {
		return he.Code == http.StatusTooManyRequests || he.Code >= 500
	}
	var ne net.Error
	return errors.As(err, &ne)
}
